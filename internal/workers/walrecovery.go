package workers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

// walLookback bounds how far back a scan correlates pre and post
// entries. Anything older has either been recovered already or been
// trimmed off the capped stream.
const walLookback = time.Hour

// WALRecoveryWorker finds messages that entered the write path but never
// finished: a wal:pre entry with no matching wal:post after WAL_TIMEOUT.
// Each orphan is re-persisted once; deterministic failures go to the
// dead-letter stream.
type WALRecoveryWorker struct {
	streams   Streams
	gateway   store.Store
	completer Completer
	tally     *Tally
	logger    zerolog.Logger

	walTimeout time.Duration
	interval   time.Duration

	// handled remembers correlation ids already resolved this lookback
	// window so a DLQ'd orphan is not re-examined every scan.
	handled map[string]time.Time
}

// NewWALRecoveryWorker builds the recovery worker.
func NewWALRecoveryWorker(streams Streams, gateway store.Store, completer Completer, tally *Tally, walTimeout, interval time.Duration, logger zerolog.Logger) *WALRecoveryWorker {
	return &WALRecoveryWorker{
		streams:    streams,
		gateway:    gateway,
		completer:  completer,
		tally:      tally,
		logger:     logger.With().Str("component", "wal-recovery").Logger(),
		walTimeout: walTimeout,
		interval:   interval,
		handled:    make(map[string]time.Time),
	}
}

func (w *WALRecoveryWorker) Name() string { return "wal-recovery" }

func (w *WALRecoveryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Scan once at startup to pick up anything a previous process left
	// in flight.
	if err := w.Scan(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Initial recovery scan failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Scan performs one correlation pass and recovers every orphan found.
func (w *WALRecoveryWorker) Scan(ctx context.Context) error {
	now := time.Now()
	from := now.Add(-walLookback)
	w.prune(from)

	// Only pre entries old enough to be overdue are candidates.
	pres, err := w.streams.RangeByTime(ctx, stream.WALPre, from, now.Add(-w.walTimeout))
	if err != nil {
		return err
	}
	if len(pres) == 0 {
		return nil
	}

	posts, err := w.streams.RangeByTime(ctx, stream.WALPost, from, now)
	if err != nil {
		return err
	}
	closed := make(map[string]struct{}, len(posts))
	for _, rec := range posts {
		closed[rec.CorrelationID] = struct{}{}
	}

	orphans := 0
	for _, rec := range pres {
		if _, ok := closed[rec.CorrelationID]; ok {
			continue
		}
		if _, ok := w.handled[rec.CorrelationID]; ok {
			continue
		}
		orphans++
		w.recover(ctx, rec)
		w.handled[rec.CorrelationID] = now
	}
	if orphans > 0 {
		w.logger.Info().
			Int("orphans", orphans).
			Int("pre_entries", len(pres)).
			Msg("Recovery scan complete")
	}
	return nil
}

func (w *WALRecoveryWorker) recover(ctx context.Context, rec domain.StreamRecord) {
	var entry domain.WALEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		w.deadLetter(ctx, rec, domain.Validationf("undecodable wal entry: %v", err))
		w.tally.Fail(err)
		return
	}
	var msg domain.Message
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		w.deadLetter(ctx, rec, domain.Validationf("undecodable message in wal entry: %v", err))
		w.tally.Fail(err)
		return
	}

	// The message may have been persisted with only the post entry lost.
	// In that case closing the WAL is all that is left; re-publishing the
	// event would duplicate delivery.
	if _, err := w.gateway.FindMessageByID(ctx, msg.ID); err == nil {
		w.closeWAL(ctx, entry)
		w.tally.Done(1)
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		// Store unreachable; leave the orphan for the next scan.
		delete(w.handled, rec.CorrelationID)
		w.tally.Fail(err)
		return
	}

	if err := w.gateway.SaveMessage(ctx, &msg); err != nil {
		if domain.Retryable(err) {
			delete(w.handled, rec.CorrelationID)
		} else {
			w.deadLetter(ctx, rec, err)
		}
		w.tally.Fail(err)
		return
	}
	if err := w.completer.CompletePersist(ctx, &msg, entry.CorrelationID); err != nil {
		w.logger.Warn().
			Str("message_id", msg.ID).
			Err(err).
			Msg("Recovered message persisted but completion failed")
		w.tally.Fail(err)
		return
	}
	w.logger.Info().
		Str("message_id", msg.ID).
		Str("correlation_id", entry.CorrelationID).
		Msg("In-flight message recovered")
	w.tally.Done(1)
}

func (w *WALRecoveryWorker) closeWAL(ctx context.Context, entry domain.WALEntry) {
	now := time.Now()
	payload, _ := json.Marshal(domain.WALEntry{
		MessageID:     entry.MessageID,
		CorrelationID: entry.CorrelationID,
		PersistedAt:   now,
	})
	if _, err := w.streams.Append(ctx, stream.WALPost, domain.StreamRecord{
		Kind:          domain.KindWALPost,
		Payload:       payload,
		FirstSeenAt:   now,
		CorrelationID: entry.CorrelationID,
	}); err != nil {
		w.logger.Warn().
			Str("message_id", entry.MessageID).
			Err(err).
			Msg("Failed to close recovered WAL entry")
	}
}

func (w *WALRecoveryWorker) deadLetter(ctx context.Context, rec domain.StreamRecord, cause error) {
	payload, _ := json.Marshal(domain.DLQEntry{
		Reason:       cause.Error(),
		Worker:       w.Name(),
		OriginalKind: rec.Kind,
		Payload:      rec.Payload,
		Attempts:     1,
		FirstSeenAt:  rec.FirstSeenAt,
		FailedAt:     time.Now(),
	})
	if _, err := w.streams.Append(ctx, stream.DLQ, domain.StreamRecord{
		Kind:          domain.KindDLQ,
		Payload:       payload,
		FirstSeenAt:   rec.FirstSeenAt,
		CorrelationID: rec.CorrelationID,
	}); err != nil {
		w.logger.Error().
			Str("id", rec.StreamID).
			Err(err).
			Msg("Failed to dead-letter wal entry")
		return
	}
	w.logger.Warn().
		Str("id", rec.StreamID).
		Str("cause", cause.Error()).
		Msg("Unrecoverable wal entry moved to dead-letter stream")
}

func (w *WALRecoveryWorker) prune(cutoff time.Time) {
	for id, at := range w.handled {
		if at.Before(cutoff) {
			delete(w.handled, id)
		}
	}
}
