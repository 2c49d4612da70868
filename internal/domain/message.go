package domain

import "time"

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

// MessageStatus is the per-(message, recipient) delivery state.
// Transitions obey SENT -> DELIVERED -> READ; FAILED and DELETED are
// terminal sinks. Regressions are discarded, never applied.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
	StatusDeleted   MessageStatus = "DELETED"
)

// statusRank orders the non-terminal progression for monotonicity checks.
var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether moving from to next is a legal status
// transition. Terminal states accept nothing; equal or lower ranks are
// rejected so replayed status events cannot downgrade a message.
func CanTransition(from, to MessageStatus) bool {
	if from == StatusFailed || from == StatusDeleted {
		return false
	}
	if to == StatusFailed || to == StatusDeleted {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Message is the unit persisted by the ingest path and fanned out to
// recipients. ID is a ULID: globally unique and time-ordered, which gives
// createdAt monotonicity per sender on a single process for free.
type Message struct {
	ID             string        `bson:"id" json:"id"`
	ConversationID string        `bson:"conversationId" json:"conversationId"`
	SenderID       string        `bson:"senderId" json:"senderId"`
	ReceiverID     string        `bson:"receiverId,omitempty" json:"receiverId,omitempty"`
	Content        string        `bson:"content" json:"content"`
	Type           MessageType   `bson:"type" json:"type"`
	AttachmentID   string        `bson:"attachmentId,omitempty" json:"attachmentId,omitempty"`
	Status         MessageStatus `bson:"status" json:"status"`
	// Statuses tracks per-recipient delivery state; Status above is the
	// sender-visible aggregate (the highest state any recipient reached).
	Statuses  map[string]MessageStatus `bson:"statuses,omitempty" json:"statuses,omitempty"`
	CreatedAt time.Time                `bson:"createdAt" json:"createdAt"`
	EditedAt  *time.Time               `bson:"editedAt,omitempty" json:"editedAt,omitempty"`
	Deleted   bool                     `bson:"deleted" json:"deleted"`
}

// StatusFor returns receiver's delivery state. Terminal aggregate states
// win; a recipient with no recorded state is at SENT.
func (m *Message) StatusFor(receiver string) MessageStatus {
	if m.Status == StatusFailed || m.Status == StatusDeleted {
		return m.Status
	}
	if s, ok := m.Statuses[receiver]; ok {
		return s
	}
	return StatusSent
}
