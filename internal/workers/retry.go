package workers

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

const (
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffCap  = 30 * time.Second
)

// backoffFor returns the delay before attempt n is due.
func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := retryBackoffBase << uint(attempt)
	if d > retryBackoffCap || d <= 0 {
		return retryBackoffCap
	}
	return d
}

// appendTime extracts the broker append time from a stream id (ms-prefix).
func appendTime(rec domain.StreamRecord) time.Time {
	idx := strings.IndexByte(rec.StreamID, '-')
	if idx <= 0 {
		return rec.FirstSeenAt
	}
	ms, err := strconv.ParseInt(rec.StreamID[:idx], 10, 64)
	if err != nil {
		return rec.FirstSeenAt
	}
	return time.UnixMilli(ms)
}

// Streams is the slice of the stream manager the workers need.
type Streams interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, fromBeginning bool) ([]domain.StreamRecord, error)
	Ack(ctx context.Context, stream, group, id string) error
	ClaimIdle(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]domain.StreamRecord, error)
	DestroyGroup(ctx context.Context, stream, group string) error
	Length(ctx context.Context, stream string) (int64, error)
	TrimTo(ctx context.Context, stream string, maxLen int64) error
	RangeByTime(ctx context.Context, stream string, from, to time.Time) ([]domain.StreamRecord, error)
}

// Completer finishes persistence for a recovered message: WAL close plus
// event publication. Implemented by the ingest pipeline.
type Completer interface {
	CompletePersist(ctx context.Context, msg *domain.Message, correlationID string) error
}

// retryAction is the tagged payload of retry:messages records. Records
// without an action carry a full message (escalated saves).
type retryAction struct {
	Action         string    `json:"action"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	At             time.Time `json:"at"`
}

// RetryWorker drains retry:messages. Each record is retried with
// exponential backoff per attempt; records exhausting the attempt budget
// move to the dead-letter stream with full context.
type RetryWorker struct {
	streams   Streams
	gateway   store.Store
	completer Completer
	tally     *Tally
	logger    zerolog.Logger

	group       string
	consumer    string
	maxAttempts int
	batch       int64
	block       time.Duration
	claimIdle   time.Duration
}

// NewRetryWorker builds the retry worker for this process.
func NewRetryWorker(streams Streams, gateway store.Store, completer Completer, tally *Tally, processID string, maxAttempts int, batch int64, block, claimIdle time.Duration, logger zerolog.Logger) *RetryWorker {
	return &RetryWorker{
		streams:     streams,
		gateway:     gateway,
		completer:   completer,
		tally:       tally,
		logger:      logger.With().Str("component", "retry-worker").Logger(),
		group:       "retry-workers",
		consumer:    processID + "-retry",
		maxAttempts: maxAttempts,
		batch:       batch,
		block:       block,
		claimIdle:   claimIdle,
	}
}

func (w *RetryWorker) Name() string { return "retry" }

// Run reclaims records abandoned by dead consumers, then tails the
// stream until ctx is done. The reclaim repeats every claimIdle so
// records left pending after a crash or a failed requeue come back.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.reclaim(ctx)
	nextClaim := time.Now().Add(w.claimIdle)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(nextClaim) {
			w.reclaim(ctx)
			nextClaim = time.Now().Add(w.claimIdle)
		}
		recs, err := w.streams.ReadGroup(ctx, stream.Retry, w.group, w.consumer, w.batch, w.block, stream.ReadFromBeginning)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, rec := range recs {
			w.handle(ctx, rec)
		}
	}
}

func (w *RetryWorker) reclaim(ctx context.Context) {
	claimed, err := w.streams.ClaimIdle(ctx, stream.Retry, w.group, w.consumer, w.claimIdle)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to claim abandoned retry records")
		return
	}
	for _, rec := range claimed {
		w.handle(ctx, rec)
	}
}

func (w *RetryWorker) handle(ctx context.Context, rec domain.StreamRecord) {
	// Honor the per-attempt backoff. Records arrive roughly in append
	// order, so waiting on the head does not starve the tail.
	due := appendTime(rec).Add(backoffFor(rec.Attempt))
	if wait := time.Until(due); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	err := w.execute(ctx, rec)
	if err == nil {
		w.ack(ctx, rec)
		w.tally.Done(1)
		return
	}
	w.tally.Fail(err)

	if !domain.Retryable(err) || rec.Attempt+1 >= w.maxAttempts {
		w.deadLetter(ctx, rec, err)
		w.ack(ctx, rec)
		return
	}

	// Re-append with the attempt bumped; the original record is acked so
	// the pending list stays small.
	next := rec
	next.Attempt = rec.Attempt + 1
	if _, appendErr := w.streams.Append(ctx, stream.Retry, next); appendErr != nil {
		// Leave the original unacked; claim-idle will resurface it.
		w.logger.Error().
			Str("id", rec.StreamID).
			Err(appendErr).
			Msg("Failed to requeue retry record")
		return
	}
	w.ack(ctx, rec)
	w.logger.Debug().
		Str("id", rec.StreamID).
		Int("attempt", next.Attempt).
		Err(err).
		Msg("Retry record requeued")
}

// execute runs the operation a retry record describes.
func (w *RetryWorker) execute(ctx context.Context, rec domain.StreamRecord) error {
	var action retryAction
	if err := json.Unmarshal(rec.Payload, &action); err == nil && action.Action != "" {
		switch action.Action {
		case "touchConversation":
			return w.gateway.TouchConversation(ctx, action.ConversationID, action.MessageID, action.SenderID, action.At)
		default:
			return domain.Validationf("unknown retry action %q", action.Action)
		}
	}

	// No action tag: the record carries a message that failed to persist.
	var entry domain.WALEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return domain.Validationf("undecodable retry payload: %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		return domain.Validationf("undecodable message in retry payload: %v", err)
	}
	if err := w.gateway.SaveMessage(ctx, &msg); err != nil {
		return err
	}
	return w.completer.CompletePersist(ctx, &msg, entry.CorrelationID)
}

func (w *RetryWorker) deadLetter(ctx context.Context, rec domain.StreamRecord, cause error) {
	payload, _ := json.Marshal(domain.DLQEntry{
		Reason:       cause.Error(),
		Worker:       w.Name(),
		OriginalKind: rec.Kind,
		Payload:      rec.Payload,
		Attempts:     rec.Attempt + 1,
		FirstSeenAt:  rec.FirstSeenAt,
		FailedAt:     time.Now(),
	})
	if _, err := w.streams.Append(ctx, stream.DLQ, domain.StreamRecord{
		Kind:          domain.KindDLQ,
		Payload:       payload,
		Attempt:       rec.Attempt + 1,
		FirstSeenAt:   rec.FirstSeenAt,
		CorrelationID: rec.CorrelationID,
	}); err != nil {
		w.logger.Error().
			Str("id", rec.StreamID).
			Err(err).
			Msg("Failed to dead-letter retry record")
		return
	}
	w.logger.Warn().
		Str("id", rec.StreamID).
		Int("attempts", rec.Attempt+1).
		Str("cause", cause.Error()).
		Msg("Retry record moved to dead-letter stream")
}

func (w *RetryWorker) ack(ctx context.Context, rec domain.StreamRecord) {
	if err := w.streams.Ack(ctx, stream.Retry, w.group, rec.StreamID); err != nil {
		w.logger.Warn().Str("id", rec.StreamID).Err(err).Msg("Failed to ack retry record")
	}
}
