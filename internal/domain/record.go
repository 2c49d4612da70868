package domain

import (
	"encoding/json"
	"time"
)

// RecordKind tags stream records with their pipeline role.
type RecordKind string

const (
	KindWALPre            RecordKind = "WAL_PRE"
	KindWALPost           RecordKind = "WAL_POST"
	KindRetry             RecordKind = "RETRY"
	KindFallback          RecordKind = "FALLBACK"
	KindDLQ               RecordKind = "DLQ"
	KindEventMessage      RecordKind = "EVENT_MESSAGE"
	KindEventStatus       RecordKind = "EVENT_STATUS"
	KindEventConversation RecordKind = "EVENT_CONVERSATION"
	KindEventFile         RecordKind = "EVENT_FILE"
	KindEventUser         RecordKind = "EVENT_USER"
)

// StreamRecord is the unit flowing through the pipeline streams.
// StreamID is assigned by the broker at append time and is time-ordered.
type StreamRecord struct {
	StreamID      string          `json:"-"`
	Kind          RecordKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempt       int             `json:"attempt"`
	FirstSeenAt   time.Time       `json:"firstSeenAt"`
	CorrelationID string          `json:"correlationId"`
}

// Event type names published on the events:* streams.
const (
	EventNewMessage          = "NEW_MESSAGE"
	EventMessageEdited       = "MESSAGE_EDITED"
	EventMessageDeleted      = "MESSAGE_DELETED"
	EventNewStatus           = "NEW_STATUS"
	EventConversationUpdated = "CONVERSATION_UPDATED"
	EventConversationRead    = "CONVERSATION_READ"
	EventUserConnected       = "USER_CONNECTED"
	EventUserDisconnected    = "USER_DISCONNECTED"
	EventUserOffline         = "USER_OFFLINE"
	EventFileUpdated         = "FILE_UPDATED"
)

// MessageEvent is the payload of NEW_MESSAGE records on events:messages.
type MessageEvent struct {
	EventType string   `json:"eventType"`
	Message   *Message `json:"message"`
}

// StatusEvent is the payload of NEW_STATUS records on events:status.
type StatusEvent struct {
	EventType      string        `json:"eventType"`
	MessageID      string        `json:"messageId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	ReceiverID     string        `json:"receiverId"`
	Status         MessageStatus `json:"status"`
	UpToMessageID  string        `json:"upToMessageId,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ConversationEvent is the payload on events:conversations.
type ConversationEvent struct {
	EventType      string   `json:"eventType"`
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants,omitempty"`
	Actor          string   `json:"actor,omitempty"`
}

// FileEvent is the payload on events:files.
type FileEvent struct {
	EventType string     `json:"eventType"`
	FileID    string     `json:"fileId"`
	Status    FileStatus `json:"status"`
	Actor     string     `json:"actor,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// UserEvent is the payload on events:users.
type UserEvent struct {
	EventType string    `json:"eventType"`
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WALEntry is the payload of wal:pre and wal:post records. The pre/post
// pair shares a correlation id; a pre entry without a post entry after
// WAL_TIMEOUT is an in-flight message that needs recovery.
type WALEntry struct {
	MessageID     string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FirstSeenAt   time.Time       `json:"firstSeenAt,omitempty"`
	PersistedAt   time.Time       `json:"persistedAt,omitempty"`
	StreamID      string          `json:"streamId,omitempty"`
}

// DLQEntry is the payload of dlq:messages records. The original payload
// is preserved verbatim so an operator can replay it once the underlying
// fault is fixed.
type DLQEntry struct {
	Reason       string          `json:"reason"`
	Worker       string          `json:"worker"`
	OriginalKind RecordKind      `json:"originalKind"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	FirstSeenAt  time.Time       `json:"firstSeenAt"`
	FailedAt     time.Time       `json:"failedAt"`
}

// PresenceEntry is the canonical presence view for one identity.
type PresenceEntry struct {
	Identity        string    `json:"identity"`
	SocketEndpoints []string  `json:"socketEndpoints"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ProcessID       string    `json:"processId"`
}
