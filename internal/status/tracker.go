package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

// Appender is the slice of the stream manager the tracker needs.
type Appender interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
}

// Tracker advances per-recipient message status. Transitions are
// monotone: SENT < DELIVERED < READ, with FAILED and DELETED terminal.
// Regressions and no-ops are rejected before any write happens.
type Tracker struct {
	gateway store.Store
	streams Appender
	logger  zerolog.Logger
}

// NewTracker builds the status tracker.
func NewTracker(gateway store.Store, streams Appender, logger zerolog.Logger) *Tracker {
	return &Tracker{
		gateway: gateway,
		streams: streams,
		logger:  logger.With().Str("component", "status").Logger(),
	}
}

// MarkDelivered records that receiver's endpoint acknowledged messageID.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, receiverID string) error {
	return t.advance(ctx, messageID, receiverID, domain.StatusDelivered)
}

// MarkRead records that receiver read messageID.
func (t *Tracker) MarkRead(ctx context.Context, messageID, receiverID string) error {
	return t.advance(ctx, messageID, receiverID, domain.StatusRead)
}

func (t *Tracker) advance(ctx context.Context, messageID, receiverID string, next domain.MessageStatus) error {
	if messageID == "" || receiverID == "" {
		return domain.Validationf("messageId and receiverId are required")
	}

	msg, err := t.gateway.FindMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == receiverID {
		return domain.Validationf("sender cannot acknowledge own message %s", messageID)
	}
	current := msg.StatusFor(receiverID)
	if !domain.CanTransition(current, next) {
		return domain.Validationf("status %s cannot advance to %s for message %s", current, next, messageID)
	}

	if err := t.gateway.UpdateMessageStatus(ctx, messageID, receiverID, next); err != nil {
		return err
	}

	t.publish(ctx, domain.StatusEvent{
		EventType:      domain.EventNewStatus,
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		ReceiverID:     receiverID,
		Status:         next,
		Timestamp:      time.Now(),
	})
	return nil
}

// MarkConversationRead marks every inbound message up to upToMessageID as
// READ for receiver and resets their unread counter. Message ids are
// time-ordered, so "up to" is a lexicographic bound; an empty bound reads
// the whole conversation. Returns the ids that actually transitioned.
func (t *Tracker) MarkConversationRead(ctx context.Context, conversationID, receiverID, upToMessageID string) ([]string, error) {
	if conversationID == "" || receiverID == "" {
		return nil, domain.Validationf("conversationId and receiverId are required")
	}

	changed, err := t.gateway.MarkReadUpTo(ctx, conversationID, receiverID, upToMessageID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := t.gateway.ResetUnread(ctx, conversationID, receiverID, now); err != nil {
		// Unread counters are derived state; log and keep going.
		t.logger.Warn().
			Str("conversation_id", conversationID).
			Str("receiver_id", receiverID).
			Err(err).
			Msg("Failed to reset unread counter")
	}

	if len(changed) > 0 {
		t.publish(ctx, domain.StatusEvent{
			EventType:      domain.EventConversationRead,
			ConversationID: conversationID,
			ReceiverID:     receiverID,
			Status:         domain.StatusRead,
			UpToMessageID:  upToMessageID,
			Timestamp:      now,
		})
	}
	return changed, nil
}

func (t *Tracker) publish(ctx context.Context, ev domain.StatusEvent) {
	payload, _ := json.Marshal(ev)
	if _, err := t.streams.Append(ctx, stream.EventsStatus, domain.StreamRecord{
		Kind:        domain.KindEventStatus,
		Payload:     payload,
		FirstSeenAt: ev.Timestamp,
	}); err != nil {
		t.logger.Warn().
			Str("event_type", ev.EventType).
			Str("message_id", ev.MessageID).
			Err(err).
			Msg("Failed to publish status event")
		return
	}
	monitoring.MessagesDelivered.Inc()
}
