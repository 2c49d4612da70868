package domain

import "time"

// ConversationType classifies conversations.
type ConversationType string

const (
	ConversationPrivate   ConversationType = "PRIVATE"
	ConversationGroup     ConversationType = "GROUP"
	ConversationBroadcast ConversationType = "BROADCAST"
)

// ParticipantRole is the per-participant privilege level inside a
// conversation. GROUP conversations keep at least one admin at all times.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "OWNER"
	RoleAdmin  ParticipantRole = "ADMIN"
	RoleMember ParticipantRole = "MEMBER"
)

// Participant carries the per-member state of a conversation.
type Participant struct {
	Identity    string          `bson:"identity" json:"identity"`
	Role        ParticipantRole `bson:"role" json:"role"`
	LastReadAt  time.Time       `bson:"lastReadAt" json:"lastReadAt"`
	UnreadCount int64           `bson:"unreadCount" json:"unreadCount"`
	IsMuted     bool            `bson:"isMuted" json:"isMuted"`
	IsArchived  bool            `bson:"isArchived" json:"isArchived"`
}

// Conversation groups participants around a message history.
//
// Invariants:
//   - PRIVATE has exactly two participants, unique per pair.
//   - GROUP has >= 1 admin (owner counts as admin).
//   - BROADCAST is write-once for everyone but the owner.
//   - UnreadCount never goes negative.
type Conversation struct {
	ID             string           `bson:"id" json:"id"`
	Type           ConversationType `bson:"type" json:"type"`
	Participants   []Participant    `bson:"participants" json:"participants"`
	OwnerID        string           `bson:"ownerId" json:"ownerId"`
	LastMessageID  string           `bson:"lastMessageId,omitempty" json:"lastMessageId,omitempty"`
	LastMessageAt  time.Time        `bson:"lastMessageAt" json:"lastMessageAt"`
	LastActivity   time.Time        `bson:"lastActivity" json:"lastActivity"`
	CreatedAt      time.Time        `bson:"createdAt" json:"createdAt"`
}

// Participant returns the participant entry for identity, or nil.
func (c *Conversation) Participant(identity string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].Identity == identity {
			return &c.Participants[i]
		}
	}
	return nil
}

// HasParticipant reports whether identity belongs to the conversation.
func (c *Conversation) HasParticipant(identity string) bool {
	return c.Participant(identity) != nil
}

// CanPost reports whether identity may send messages here.
// BROADCAST conversations accept writes from the owner only.
func (c *Conversation) CanPost(identity string) bool {
	p := c.Participant(identity)
	if p == nil {
		return false
	}
	if c.Type == ConversationBroadcast {
		return identity == c.OwnerID
	}
	return true
}

// CanAdminister reports whether identity may mutate membership.
func (c *Conversation) CanAdminister(identity string) bool {
	p := c.Participant(identity)
	if p == nil {
		return false
	}
	return p.Role == RoleOwner || p.Role == RoleAdmin
}

// AdminCount returns the number of participants with admin privileges.
func (c *Conversation) AdminCount() int {
	n := 0
	for i := range c.Participants {
		if c.Participants[i].Role == RoleOwner || c.Participants[i].Role == RoleAdmin {
			n++
		}
	}
	return n
}

// ParticipantIDs returns the identities of all participants.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for i := range c.Participants {
		ids = append(ids, c.Participants[i].Identity)
	}
	return ids
}
