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

// FallbackWorker drains fallback:messages, the stream the ingest path
// parks messages on while the document store is unavailable. Each
// message is persisted idempotently and then completed (WAL close plus
// NEW_MESSAGE event), so a sender who was told QUEUED eventually
// converges with one who was told SENT.
type FallbackWorker struct {
	streams   Streams
	gateway   store.Store
	completer Completer
	tally     *Tally
	logger    zerolog.Logger

	group     string
	consumer  string
	batch     int64
	block     time.Duration
	claimIdle time.Duration
}

// NewFallbackWorker builds the fallback worker for this process.
func NewFallbackWorker(streams Streams, gateway store.Store, completer Completer, tally *Tally, processID string, batch int64, block, claimIdle time.Duration, logger zerolog.Logger) *FallbackWorker {
	return &FallbackWorker{
		streams:   streams,
		gateway:   gateway,
		completer: completer,
		tally:     tally,
		logger:    logger.With().Str("component", "fallback-worker").Logger(),
		group:     "fallback-workers",
		consumer:  processID + "-fallback",
		batch:     batch,
		block:     block,
		claimIdle: claimIdle,
	}
}

func (w *FallbackWorker) Name() string { return "fallback" }

func (w *FallbackWorker) Run(ctx context.Context) error {
	w.reclaim(ctx)
	nextClaim := time.Now().Add(w.claimIdle)

	for {
		if ctx.Err() != nil {
			return nil
		}
		// Periodic reclaim picks up records left pending by a crashed or
		// stalled consumer; group reads only ever hand out new entries.
		if time.Now().After(nextClaim) {
			w.reclaim(ctx)
			nextClaim = time.Now().Add(w.claimIdle)
		}
		recs, err := w.streams.ReadGroup(ctx, stream.Fallback, w.group, w.consumer, w.batch, w.block, stream.ReadFromBeginning)
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

func (w *FallbackWorker) reclaim(ctx context.Context) {
	claimed, err := w.streams.ClaimIdle(ctx, stream.Fallback, w.group, w.consumer, w.claimIdle)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to claim abandoned fallback records")
		return
	}
	for _, rec := range claimed {
		w.handle(ctx, rec)
	}
}

func (w *FallbackWorker) handle(ctx context.Context, rec domain.StreamRecord) {
	err := w.persist(ctx, rec)
	if err == nil {
		w.ack(ctx, rec)
		w.tally.Done(1)
		return
	}
	w.tally.Fail(err)

	if errors.Is(err, domain.ErrCircuitOpen) {
		// Store still down. The record goes back to the tail with the same
		// attempt: the fallback stream is a queue, not a retry ladder.
		// Ack only once the re-append has landed, then back off so the
		// loop does not spin against an open breaker.
		requeue := rec
		requeue.StreamID = ""
		if _, appendErr := w.streams.Append(ctx, stream.Fallback, requeue); appendErr != nil {
			w.logger.Error().
				Str("id", rec.StreamID).
				Err(appendErr).
				Msg("Failed to requeue fallback record")
		} else {
			w.ack(ctx, rec)
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoffFor(rec.Attempt)):
		}
		return
	}

	if !domain.Retryable(err) {
		w.deadLetter(ctx, rec, err)
		w.ack(ctx, rec)
		return
	}

	// A failure with the breaker closed is a real retry, not queueing;
	// hand the record to the retry worker with a fresh attempt counter.
	next := rec
	next.StreamID = ""
	next.Attempt = 1
	if _, appendErr := w.streams.Append(ctx, stream.Retry, next); appendErr != nil {
		// Leave the original unacked; the reclaim pass will resurface it.
		w.logger.Error().
			Str("id", rec.StreamID).
			Err(appendErr).
			Msg("Failed to escalate fallback record to retry")
		return
	}
	w.ack(ctx, rec)
}

func (w *FallbackWorker) persist(ctx context.Context, rec domain.StreamRecord) error {
	var entry domain.WALEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return domain.Validationf("undecodable fallback payload: %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		return domain.Validationf("undecodable message in fallback payload: %v", err)
	}

	// Saves are idempotent by message id, so a record claimed twice after
	// a crash cannot duplicate the message.
	if err := w.gateway.SaveMessage(ctx, &msg); err != nil {
		return err
	}
	if err := w.completer.CompletePersist(ctx, &msg, entry.CorrelationID); err != nil {
		return err
	}
	w.logger.Info().
		Str("message_id", msg.ID).
		Int("attempt", rec.Attempt).
		Msg("Queued message persisted")
	return nil
}

func (w *FallbackWorker) deadLetter(ctx context.Context, rec domain.StreamRecord, cause error) {
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
			Msg("Failed to dead-letter fallback record")
		return
	}
	w.logger.Warn().
		Str("id", rec.StreamID).
		Int("attempts", rec.Attempt+1).
		Str("cause", cause.Error()).
		Msg("Fallback record moved to dead-letter stream")
}

func (w *FallbackWorker) ack(ctx context.Context, rec domain.StreamRecord) {
	if err := w.streams.Ack(ctx, stream.Fallback, w.group, rec.StreamID); err != nil {
		w.logger.Warn().Str("id", rec.StreamID).Err(err).Msg("Failed to ack fallback record")
	}
}
