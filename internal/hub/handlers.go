package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/ingest"
	"github.com/agencydesk/chatcore/internal/stream"
)

// handleFrame routes one inbound frame. Frame-level failures answer the
// client with an error frame; they never tear the connection down.
func (h *Hub) handleFrame(c *Connection, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		h.sendError(c, "", "BAD_FRAME", "frames must be {event, data} JSON")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.IngestTimeout)
	defer cancel()

	switch f.Event {
	case evAuthenticate:
		// Already authenticated during the handshake; re-confirm.
		h.reply(c, evAuthenticated, authenticatedPayload{Identity: c.identity, SessionID: c.endpointID})

	case evPing:
		if err := h.presence.Heartbeat(ctx, c.identity); err != nil {
			h.logger.Debug().Str("identity", c.identity).Err(err).Msg("Heartbeat failed")
		}
		h.reply(c, evPong, map[string]int64{"ts": time.Now().UnixMilli()})

	case evSendMessage:
		h.handleSendMessage(ctx, c, f.Data)

	case evMessageReceived:
		var p messageReceivedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.sendError(c, "", "BAD_FRAME", "messageReceived needs {messageId}")
			return
		}
		if err := h.tracker.MarkDelivered(ctx, p.MessageID, c.identity); err != nil {
			h.replyError(c, "", err)
		}

	case evMarkRead:
		var p markReadPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.sendError(c, "", "BAD_FRAME", "markRead needs {conversationId, upToMessageId}")
			return
		}
		if _, err := h.tracker.MarkConversationRead(ctx, p.ConversationID, c.identity, p.UpToMessageID); err != nil {
			h.replyError(c, "", err)
		}

	case evJoinConversation:
		var p membershipPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.sendError(c, "", "BAD_FRAME", "joinConversation needs {conversationId}")
			return
		}
		target := p.Identity
		if target == "" {
			target = c.identity
		}
		if err := h.rooms.AddParticipant(ctx, c.identity, p.ConversationID, target); err != nil {
			h.replyError(c, "", err)
			return
		}
		ids, err := h.rooms.Participants(ctx, p.ConversationID)
		if err != nil {
			h.replyError(c, "", err)
			return
		}
		h.reply(c, evConversationJoined, conversationJoinedPayload{
			ConversationID: p.ConversationID,
			Participants:   ids,
		})

	case evLeaveConversation:
		var p membershipPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.sendError(c, "", "BAD_FRAME", "leaveConversation needs {conversationId}")
			return
		}
		target := p.Identity
		if target == "" {
			target = c.identity
		}
		if err := h.rooms.RemoveParticipant(ctx, c.identity, p.ConversationID, target); err != nil {
			h.replyError(c, "", err)
		}

	case evTyping:
		h.handleTyping(ctx, c, f.Data)

	case evEditMessage:
		h.handleEditMessage(ctx, c, f.Data)

	case evDeleteMessage:
		h.handleDeleteMessage(ctx, c, f.Data)

	default:
		h.sendError(c, "", "UNKNOWN_EVENT", "unknown event "+f.Event)
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Connection, data []byte) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(c, "", "BAD_FRAME", "sendMessage needs {conversationId, content, type}")
		return
	}
	msgType := domain.MessageType(p.Type)
	if p.Type == "" {
		msgType = domain.MessageText
	}

	res, err := h.pipeline.ReceiveMessage(ctx, ingest.Request{
		ConversationID: p.ConversationID,
		SenderID:       c.identity,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		Type:           msgType,
		AttachmentID:   p.AttachmentID,
	})
	if err != nil {
		h.replyError(c, p.ClientRef, err)
		return
	}

	h.reply(c, evMessageSent, messageSentPayload{
		ClientRef: p.ClientRef,
		MessageID: res.Message.ID,
		Persisted: res.Outcome != ingest.Queued,
	})
}

// handleTyping relays a typing indicator to the online participants of
// the conversation. Typing is ephemeral: no stream, no persistence, lost
// on a dropped frame by design of the feature.
func (h *Hub) handleTyping(ctx context.Context, c *Connection, data []byte) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ok, err := h.rooms.CanPost(ctx, c.identity, p.ConversationID)
	if err != nil || !ok {
		return
	}
	p.Identity = c.identity

	out, err := encodeFrame(evUserTyping, p)
	if err != nil {
		return
	}
	ids, err := h.rooms.Participants(ctx, p.ConversationID)
	if err != nil {
		return
	}
	for _, id := range ids {
		if id == c.identity {
			continue
		}
		h.pushTo(id, out)
	}
}

func (h *Hub) handleEditMessage(ctx context.Context, c *Connection, data []byte) {
	var p editMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(c, "", "BAD_FRAME", "editMessage needs {messageId, content}")
		return
	}
	if p.Content == "" {
		h.sendError(c, "", "VALIDATION", "edited content must not be empty")
		return
	}

	msg, err := h.gateway.FindMessageByID(ctx, p.MessageID)
	if err != nil {
		h.replyError(c, "", err)
		return
	}
	if msg.SenderID != c.identity {
		h.replyError(c, "", domain.Authorizationf("only the sender may edit a message"))
		return
	}
	if msg.Deleted {
		h.replyError(c, "", domain.Validationf("message %s is deleted", p.MessageID))
		return
	}

	now := time.Now()
	if err := h.gateway.EditMessage(ctx, p.MessageID, p.Content, now); err != nil {
		h.replyError(c, "", err)
		return
	}
	msg.Content = p.Content
	msg.EditedAt = &now
	h.publishMessageEvent(ctx, domain.EventMessageEdited, msg)
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Connection, data []byte) {
	var p deleteMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(c, "", "BAD_FRAME", "deleteMessage needs {messageId}")
		return
	}

	msg, err := h.gateway.FindMessageByID(ctx, p.MessageID)
	if err != nil {
		h.replyError(c, "", err)
		return
	}
	if msg.SenderID != c.identity {
		allowed, aerr := h.rooms.CanAdminister(ctx, c.identity, msg.ConversationID)
		if aerr != nil || !allowed {
			h.replyError(c, "", domain.Authorizationf("only the sender or an admin may delete a message"))
			return
		}
	}
	if msg.Deleted {
		return // idempotent
	}

	if err := h.gateway.SoftDeleteMessage(ctx, p.MessageID); err != nil {
		h.replyError(c, "", err)
		return
	}
	msg.Content = ""
	msg.Deleted = true
	msg.Status = domain.StatusDeleted
	h.publishMessageEvent(ctx, domain.EventMessageDeleted, msg)
}

func (h *Hub) publishMessageEvent(ctx context.Context, eventType string, msg *domain.Message) {
	payload, _ := json.Marshal(domain.MessageEvent{EventType: eventType, Message: msg})
	if _, err := h.events.Append(ctx, stream.EventsMessages, domain.StreamRecord{
		Kind:    domain.KindEventMessage,
		Payload: payload,
	}); err != nil {
		h.logger.Warn().
			Str("message_id", msg.ID).
			Str("event_type", eventType).
			Err(err).
			Msg("Failed to publish message event")
	}
}

func (h *Hub) reply(c *Connection, event string, data any) {
	out, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	if !c.enqueue(out) {
		h.unregister(c)
	}
}

// replyError maps the error taxonomy to client-facing codes.
func (h *Hub) replyError(c *Connection, clientRef string, err error) {
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = "VALIDATION"
	case errors.Is(err, domain.ErrAuthorization):
		code = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrTransientStore):
		code = "STORE_DEGRADED"
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrTransientBroker):
		code = "UNAVAILABLE"
	case errors.Is(err, domain.ErrRateLimited):
		code = "RATE_LIMIT_EXCEEDED"
	}
	h.sendError(c, clientRef, code, err.Error())
}

func (h *Hub) sendError(c *Connection, clientRef, code, msg string) {
	h.reply(c, evMessageError, errorPayload{ClientRef: clientRef, Code: code, Message: msg})
}
