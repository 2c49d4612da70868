package hub

import (
	"encoding/json"
	"time"

	"github.com/agencydesk/chatcore/internal/domain"
)

// Inbound socket event names.
const (
	evAuthenticate      = "authenticate"
	evPing              = "ping"
	evSendMessage       = "sendMessage"
	evMessageReceived   = "messageReceived"
	evMarkRead          = "markRead"
	evJoinConversation  = "joinConversation"
	evLeaveConversation = "leaveConversation"
	evTyping            = "typing"
	evEditMessage       = "editMessage"
	evDeleteMessage     = "deleteMessage"
)

// Outbound socket event names.
const (
	evAuthenticated          = "authenticated"
	evAuthError              = "auth_error"
	evPong                   = "pong"
	evMessageSent            = "message_sent"
	evMessageError           = "message_error"
	evNewMessage             = "newMessage"
	evMessageStatusChanged   = "messageStatusChanged"
	evConversationUpdated    = "conversationUpdated"
	evConversationMarkedRead = "conversationMarkedRead"
	evConversationJoined     = "conversationJoined"
	evUserConnected          = "user_connected"
	evUserDisconnected       = "user_disconnected"
	evFileUpdated            = "fileUpdated"
	evUserTyping             = "userTyping"
	evMessageEdited          = "messageEdited"
	evMessageDeleted         = "messageDeleted"
)

// frame is the envelope of every socket message, both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: event, Data: raw})
}

// authenticatePayload is the data of the handshake frame a client sends
// when the upgrade request carried no token.
type authenticatePayload struct {
	Token    string `json:"token"`
	Identity string `json:"identity,omitempty"`
}

// authenticatedPayload confirms the handshake. SessionID is the endpoint
// id the server assigned this socket.
type authenticatedPayload struct {
	Identity  string `json:"identity"`
	SessionID string `json:"sessionId"`
}

// authErrorPayload is the last frame on a socket that failed the
// handshake.
type authErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// sendMessagePayload is the data of a sendMessage frame.
type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	AttachmentID   string `json:"attachmentId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	ClientRef      string `json:"clientRef,omitempty"`
}

// messageSentPayload answers a sendMessage frame. Persisted is false when
// the message was queued for the fallback worker instead of stored.
type messageSentPayload struct {
	ClientRef string `json:"clientRef,omitempty"`
	MessageID string `json:"messageId"`
	Persisted bool   `json:"persisted"`
}

// errorPayload tells the client why an inbound frame was rejected.
type errorPayload struct {
	ClientRef string `json:"clientRef,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type messageReceivedPayload struct {
	MessageID string `json:"messageId"`
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
	UpToMessageID  string `json:"upToMessageId,omitempty"`
}

type membershipPayload struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity,omitempty"`
}

type conversationJoinedPayload struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type editMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

// statusChangedPayload carries one recipient's status transition.
type statusChangedPayload struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId,omitempty"`
	ReceiverID     string               `json:"receiverId,omitempty"`
	Status         domain.MessageStatus `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
}

// conversationReadPayload announces a bulk read.
type conversationReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
	UpToMessageID  string `json:"upToMessageId,omitempty"`
}

// presencePayload announces an identity coming online or going away.
type presencePayload struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason,omitempty"`
}
