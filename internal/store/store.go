package store

import (
	"context"
	"time"

	"github.com/agencydesk/chatcore/internal/domain"
)

// Store is the document-store contract the pipeline depends on. The
// Mongo repository implements it in production; tests substitute fakes.
// Writes must be idempotent by entity id: re-sending the same message id
// never produces a duplicate row.
type Store interface {
	// Messages
	SaveMessage(ctx context.Context, m *domain.Message) error
	FindMessageByID(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID, receiverID string, status domain.MessageStatus) error
	EditMessage(ctx context.Context, messageID, content string, at time.Time) error
	SoftDeleteMessage(ctx context.Context, messageID string) error
	MessagesByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.Message, error)
	MarkReadUpTo(ctx context.Context, conversationID, receiverID, upToMessageID string) ([]string, error)

	// Conversations
	FindConversationByID(ctx context.Context, id string) (*domain.Conversation, error)
	ConversationsForIdentity(ctx context.Context, identity string) ([]domain.Conversation, error)
	UpsertConversation(ctx context.Context, c *domain.Conversation) error
	TouchConversation(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error
	ResetUnread(ctx context.Context, conversationID, identity string, at time.Time) error

	// Files
	SaveFile(ctx context.Context, f *domain.File) error
	FindFileByID(ctx context.Context, id string) (*domain.File, error)
	UpdateFileStatus(ctx context.Context, fileID string, status domain.FileStatus) error
	IncrementDownloadCount(ctx context.Context, fileID string) error

	Ping(ctx context.Context) error
}
