package ingest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

// MaxContentBytes bounds message bodies.
const MaxContentBytes = 64 * 1024

// Appender is the slice of the stream manager the ingest path needs.
type Appender interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
}

// Request is a validated-at-the-edge send request.
type Request struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Type           domain.MessageType
	AttachmentID   string
}

// Outcome of ReceiveMessage.
type Outcome int

const (
	// Sent: persisted, WAL closed, event published.
	Sent Outcome = iota
	// Queued: the store was unavailable; the message sits on
	// fallback:messages and the fallback worker will persist it.
	Queued
)

// Result is what the caller acknowledges to the sender.
type Result struct {
	Message       *domain.Message
	Outcome       Outcome
	CorrelationID string
}

// Pipeline is the synchronous write path: validate, WAL-log, persist
// through the breaker-guarded gateway, close the WAL, publish the event.
type Pipeline struct {
	streams Appender
	gateway store.Store
	rooms   *rooms.Registry
	logger  zerolog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewPipeline wires the ingest path.
func NewPipeline(streams Appender, gateway store.Store, roomReg *rooms.Registry, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		streams: streams,
		gateway: gateway,
		rooms:   roomReg,
		logger:  logger.With().Str("component", "ingest").Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newULID returns a time-ordered id, monotonic within this process.
func (p *Pipeline) newULID(t time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), p.entropy).String()
}

// ReceiveMessage runs the write path for one message.
//
// Error taxonomy: ErrValidation and ErrAuthorization surface immediately
// and never enter the pipeline. Store trouble (ErrCircuitOpen,
// ErrTransientStore) degrades to the Queued outcome. Broker loss
// (ErrStoreUnavailable) surfaces so the caller can buffer client-side.
func (p *Pipeline) ReceiveMessage(ctx context.Context, req Request) (*Result, error) {
	if err := p.validate(ctx, req); err != nil {
		monitoring.MessagesIngested.WithLabelValues("error").Inc()
		return nil, err
	}

	now := time.Now()
	msg := &domain.Message{
		ID:             p.newULID(now),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Type:           req.Type,
		AttachmentID:   req.AttachmentID,
		Status:         domain.StatusSent,
		CreatedAt:      now,
	}
	correlationID := p.newULID(now)

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, domain.Validationf("unencodable message: %v", err)
	}

	// Pre-write log. If this fails the broker is down past its retry
	// budget and the request fails outright.
	walPayload, _ := json.Marshal(domain.WALEntry{
		MessageID:     msg.ID,
		CorrelationID: correlationID,
		Payload:       payload,
		FirstSeenAt:   now,
	})
	if _, err := p.streams.Append(ctx, stream.WALPre, domain.StreamRecord{
		Kind:          domain.KindWALPre,
		Payload:       walPayload,
		FirstSeenAt:   now,
		CorrelationID: correlationID,
	}); err != nil {
		monitoring.MessagesIngested.WithLabelValues("error").Inc()
		return nil, err
	}

	// Persist under the breaker.
	if err := p.gateway.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, domain.ErrTransientStore) {
			// Degraded mode: park the message on the fallback stream and
			// acknowledge QUEUED. The fallback worker owns it from here.
			fbPayload, _ := json.Marshal(domain.WALEntry{
				MessageID:     msg.ID,
				CorrelationID: correlationID,
				Payload:       payload,
				FirstSeenAt:   now,
			})
			if _, fbErr := p.streams.Append(ctx, stream.Fallback, domain.StreamRecord{
				Kind:          domain.KindFallback,
				Payload:       fbPayload,
				Attempt:       0,
				FirstSeenAt:   now,
				CorrelationID: correlationID,
			}); fbErr != nil {
				monitoring.MessagesIngested.WithLabelValues("error").Inc()
				return nil, fbErr
			}
			p.logger.Warn().
				Str("message_id", msg.ID).
				Err(err).
				Msg("Store unavailable, message queued to fallback")
			monitoring.MessagesIngested.WithLabelValues("queued").Inc()
			return &Result{Message: msg, Outcome: Queued, CorrelationID: correlationID}, nil
		}
		// Non-retryable: surface, do not close the WAL. The recovery
		// worker will see the open pre entry, re-attempt once, and land
		// it in the DLQ if the error is deterministic.
		monitoring.MessagesIngested.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := p.CompletePersist(ctx, msg, correlationID); err != nil {
		return nil, err
	}

	monitoring.MessagesIngested.WithLabelValues("sent").Inc()
	return &Result{Message: msg, Outcome: Sent, CorrelationID: correlationID}, nil
}

// CompletePersist closes the WAL pair and publishes the NEW_MESSAGE
// event for a message that has just been persisted. Shared with the
// fallback and WAL-recovery workers, which persist out-of-band.
func (p *Pipeline) CompletePersist(ctx context.Context, msg *domain.Message, correlationID string) error {
	now := time.Now()

	postPayload, _ := json.Marshal(domain.WALEntry{
		MessageID:     msg.ID,
		CorrelationID: correlationID,
		PersistedAt:   now,
	})
	if _, err := p.streams.Append(ctx, stream.WALPost, domain.StreamRecord{
		Kind:          domain.KindWALPost,
		Payload:       postPayload,
		FirstSeenAt:   now,
		CorrelationID: correlationID,
	}); err != nil {
		return err
	}

	eventPayload, _ := json.Marshal(domain.MessageEvent{
		EventType: domain.EventNewMessage,
		Message:   msg,
	})
	if _, err := p.streams.Append(ctx, stream.EventsMessages, domain.StreamRecord{
		Kind:          domain.KindEventMessage,
		Payload:       eventPayload,
		FirstSeenAt:   now,
		CorrelationID: correlationID,
	}); err != nil {
		return err
	}

	// Conversation bookkeeping. Failure here is not message loss; route
	// it to the retry stream instead of failing the send.
	if err := p.gateway.TouchConversation(ctx, msg.ConversationID, msg.ID, msg.SenderID, msg.CreatedAt); err != nil {
		p.logger.Warn().
			Str("message_id", msg.ID).
			Err(err).
			Msg("Conversation touch failed, routing to retry")
		retryPayload, _ := json.Marshal(retryTouch{
			Action:         "touchConversation",
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			At:             msg.CreatedAt,
		})
		if _, rErr := p.streams.Append(ctx, stream.Retry, domain.StreamRecord{
			Kind:          domain.KindRetry,
			Payload:       retryPayload,
			Attempt:       1,
			FirstSeenAt:   now,
			CorrelationID: correlationID,
		}); rErr != nil {
			p.logger.Error().Err(rErr).Msg("Failed to enqueue conversation touch retry")
		}
	}
	return nil
}

// retryTouch is the retry-stream payload for deferred conversation
// bookkeeping.
type retryTouch struct {
	Action         string    `json:"action"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	At             time.Time `json:"at"`
}

func (p *Pipeline) validate(ctx context.Context, req Request) error {
	if req.ConversationID == "" {
		return domain.Validationf("conversationId is required")
	}
	if req.SenderID == "" {
		return domain.Validationf("senderId is required")
	}
	switch req.Type {
	case domain.MessageText, domain.MessageSystem:
		if strings.TrimSpace(req.Content) == "" {
			return domain.Validationf("content is required for %s messages", req.Type)
		}
	case domain.MessageFile:
		if req.AttachmentID == "" {
			return domain.Validationf("attachmentId is required for FILE messages")
		}
	default:
		return domain.Validationf("unknown message type %q", req.Type)
	}
	if len(req.Content) > MaxContentBytes {
		return domain.Validationf("content exceeds %d bytes", MaxContentBytes)
	}

	ok, err := p.rooms.CanPost(ctx, req.SenderID, req.ConversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Validationf("conversation %s does not exist", req.ConversationID)
		}
		return err
	}
	if !ok {
		return domain.Authorizationf("%s may not post to conversation %s", req.SenderID, req.ConversationID)
	}
	return nil
}
