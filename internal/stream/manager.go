package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/monitoring"
)

const (
	// Embedded retry budget for appends. Transient broker errors are
	// retried here; exhaustion surfaces as StoreUnavailable.
	appendAttempts = 3
	appendBackoff  = 100 * time.Millisecond
)

// ReadFromBeginning makes readGroup create the consumer group at id 0
// instead of $ (only-new).
const ReadFromBeginning = true

// Manager is the typed API over the named, capped, consumer-grouped
// append-only streams. All pipeline traffic passes through it.
type Manager struct {
	rdb     *redis.Client
	logger  zerolog.Logger
	maxLens MaxLenTable
}

// NewManager wires a Manager over an established Redis client.
func NewManager(rdb *redis.Client, maxLens MaxLenTable, logger zerolog.Logger) *Manager {
	return &Manager{
		rdb:     rdb,
		maxLens: maxLens,
		logger:  logger.With().Str("component", "stream").Logger(),
	}
}

// Ping verifies broker connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", domain.ErrTransientBroker, err)
	}
	return nil
}

// Append writes a record to stream and returns the broker-assigned id.
// Never blocks on consumers. The per-stream MAXLEN cap is enforced with
// approximate trimming on every append. Transient broker errors are
// retried appendAttempts times with exponential backoff; on exhaustion
// the caller gets ErrStoreUnavailable.
func (m *Manager) Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error) {
	values := map[string]any{
		"kind":          string(rec.Kind),
		"payload":       []byte(rec.Payload),
		"attempt":       rec.Attempt,
		"firstSeenAt":   rec.FirstSeenAt.UnixMilli(),
		"correlationId": rec.CorrelationID,
	}

	var lastErr error
	backoff := appendBackoff
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		id, err := m.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: m.maxLens.For(stream),
			Approx: true,
			ID:     "*",
			Values: values,
		}).Result()
		if err == nil {
			monitoring.StreamAppends.WithLabelValues(stream).Inc()
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		m.logger.Warn().
			Str("stream", stream).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Stream append failed, retrying")
	}

	return "", fmt.Errorf("%w: append to %s after %d attempts: %v",
		domain.ErrStoreUnavailable, stream, appendAttempts, lastErr)
}

// ensureGroup creates the consumer group if it does not exist yet.
// New groups start at $ (only new entries) unless fromBeginning is set.
func (m *Manager) ensureGroup(ctx context.Context, stream, group string, fromBeginning bool) error {
	start := "$"
	if fromBeginning {
		start = "0"
	}
	err := m.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %v", domain.ErrTransientBroker, group, stream, err)
	}
	return nil
}

// ReadGroup reads up to count records for (group, consumer), blocking up
// to blockMs for new entries. The group is created lazily. Every returned
// record must be Acked or it stays on the group's pending list.
func (m *Manager) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, fromBeginning bool) ([]domain.StreamRecord, error) {
	if err := m.ensureGroup(ctx, stream, group, fromBeginning); err != nil {
		return nil, err
	}

	res, err := m.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // idle
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read %s/%s: %v", domain.ErrTransientBroker, stream, group, err)
	}

	var out []domain.StreamRecord
	for _, s := range res {
		for _, msg := range s.Messages {
			rec, err := decodeRecord(msg)
			if err != nil {
				// Malformed entries are acked away so they cannot wedge
				// the group; the payload is preserved in the log line.
				m.logger.Error().
					Str("stream", stream).
					Str("id", msg.ID).
					Err(err).
					Msg("Dropping malformed stream record")
				_ = m.rdb.XAck(ctx, stream, group, msg.ID).Err()
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// DestroyGroup removes a consumer group from a stream. Used by owners of
// per-process groups to clean up after themselves on shutdown; a missing
// group is not an error.
func (m *Manager) DestroyGroup(ctx context.Context, stream, group string) error {
	err := m.rdb.XGroupDestroy(ctx, stream, group).Err()
	if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("%w: destroy group %s on %s: %v", domain.ErrTransientBroker, group, stream, err)
	}
	return nil
}

// Ack acknowledges a delivered record.
func (m *Manager) Ack(ctx context.Context, stream, group, id string) error {
	if err := m.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("%w: ack %s on %s/%s: %v", domain.ErrTransientBroker, id, stream, group, err)
	}
	return nil
}

// PendingList returns the ids of records delivered to the group but not
// yet acked, with their idle times.
func (m *Manager) PendingList(ctx context.Context, stream, group string) ([]redis.XPendingExt, error) {
	summary, err := m.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pending %s/%s: %v", domain.ErrTransientBroker, stream, group, err)
	}
	if summary.Count == 0 {
		return nil, nil
	}
	ext, err := m.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  summary.Count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: pending-ext %s/%s: %v", domain.ErrTransientBroker, stream, group, err)
	}
	return ext, nil
}

// ClaimIdle transfers ownership of records pending longer than minIdle to
// consumer and returns them for reprocessing. Used by the supervisor to
// reap records abandoned by crashed processes.
func (m *Manager) ClaimIdle(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]domain.StreamRecord, error) {
	var out []domain.StreamRecord
	start := "0-0"
	for {
		msgs, next, err := m.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if strings.Contains(err.Error(), "NOGROUP") {
				return out, nil
			}
			return out, fmt.Errorf("%w: autoclaim %s/%s: %v", domain.ErrTransientBroker, stream, group, err)
		}
		for _, msg := range msgs {
			rec, decErr := decodeRecord(msg)
			if decErr != nil {
				_ = m.rdb.XAck(ctx, stream, group, msg.ID).Err()
				continue
			}
			out = append(out, rec)
		}
		if next == "0-0" || len(msgs) == 0 {
			return out, nil
		}
		start = next
	}
}

// Length returns the current stream length.
func (m *Manager) Length(ctx context.Context, stream string) (int64, error) {
	n, err := m.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen %s: %v", domain.ErrTransientBroker, stream, err)
	}
	return n, nil
}

// TrimTo trims stream down to maxLen (approximate).
func (m *Manager) TrimTo(ctx context.Context, stream string, maxLen int64) error {
	if err := m.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("%w: trim %s: %v", domain.ErrTransientBroker, stream, err)
	}
	return nil
}

// RangeByTime returns records appended between from and to (inclusive),
// oldest first. Used by the WAL recovery worker to bound its scans.
func (m *Manager) RangeByTime(ctx context.Context, stream string, from, to time.Time) ([]domain.StreamRecord, error) {
	start := strconv.FormatInt(from.UnixMilli(), 10) + "-0"
	end := strconv.FormatInt(to.UnixMilli(), 10)
	msgs, err := m.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: xrange %s: %v", domain.ErrTransientBroker, stream, err)
	}
	out := make([]domain.StreamRecord, 0, len(msgs))
	for _, msg := range msgs {
		rec, decErr := decodeRecord(msg)
		if decErr != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeRecord maps a raw broker entry back into a StreamRecord.
func decodeRecord(msg redis.XMessage) (domain.StreamRecord, error) {
	rec := domain.StreamRecord{StreamID: msg.ID}

	kind, ok := msg.Values["kind"].(string)
	if !ok {
		return rec, fmt.Errorf("record %s missing kind", msg.ID)
	}
	rec.Kind = domain.RecordKind(kind)

	switch v := msg.Values["payload"].(type) {
	case string:
		rec.Payload = json.RawMessage(v)
	case []byte:
		rec.Payload = json.RawMessage(v)
	default:
		return rec, fmt.Errorf("record %s has payload of type %T", msg.ID, v)
	}

	if v, ok := msg.Values["attempt"].(string); ok {
		rec.Attempt, _ = strconv.Atoi(v)
	}
	if v, ok := msg.Values["firstSeenAt"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.FirstSeenAt = time.UnixMilli(ms)
		}
	}
	if v, ok := msg.Values["correlationId"].(string); ok {
		rec.CorrelationID = v
	}
	return rec, nil
}
