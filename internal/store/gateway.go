package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agencydesk/chatcore/internal/breaker"
	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/monitoring"
)

// Gateway is the facade the pipeline talks to. Every call passes through
// the circuit breaker with a bounded timeout; infrastructure failures are
// reported as ErrTransientStore (or ErrCircuitOpen when tripped) so the
// ingest path can route to the fallback stream.
//
// Domain errors (NotFound, Validation) pass through untouched and do not
// count against the breaker.
type Gateway struct {
	inner       Store
	breaker     *breaker.Breaker
	callTimeout time.Duration
}

// NewGateway wraps a Store with the breaker.
func NewGateway(inner Store, b *breaker.Breaker, callTimeout time.Duration) *Gateway {
	return &Gateway{inner: inner, breaker: b, callTimeout: callTimeout}
}

// Breaker exposes the guarding breaker (for /stats and the supervisor).
func (g *Gateway) Breaker() *breaker.Breaker { return g.breaker }

// call runs fn under the breaker with the store call timeout. Domain
// errors are a success from the breaker's point of view: the store
// answered.
func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	monitoring.StoreCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err == nil || isDomainError(err) {
		g.breaker.Success()
		return err
	}

	g.breaker.Failure()
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrAuthorization) ||
		errors.Is(err, domain.ErrUnrecoverable)
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.call(ctx, "ping", func(ctx context.Context) error {
		return g.inner.Ping(ctx)
	})
}

func (g *Gateway) SaveMessage(ctx context.Context, m *domain.Message) error {
	return g.call(ctx, "saveMessage", func(ctx context.Context) error {
		return g.inner.SaveMessage(ctx, m)
	})
}

func (g *Gateway) FindMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	var out *domain.Message
	err := g.call(ctx, "findMessageById", func(ctx context.Context) error {
		var err error
		out, err = g.inner.FindMessageByID(ctx, id)
		return err
	})
	return out, err
}

func (g *Gateway) UpdateMessageStatus(ctx context.Context, messageID, receiverID string, status domain.MessageStatus) error {
	return g.call(ctx, "updateStatus", func(ctx context.Context) error {
		return g.inner.UpdateMessageStatus(ctx, messageID, receiverID, status)
	})
}

func (g *Gateway) EditMessage(ctx context.Context, messageID, content string, at time.Time) error {
	return g.call(ctx, "editMessage", func(ctx context.Context) error {
		return g.inner.EditMessage(ctx, messageID, content, at)
	})
}

func (g *Gateway) SoftDeleteMessage(ctx context.Context, messageID string) error {
	return g.call(ctx, "softDeleteMessage", func(ctx context.Context) error {
		return g.inner.SoftDeleteMessage(ctx, messageID)
	})
}

func (g *Gateway) MessagesByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := g.call(ctx, "loadMessages", func(ctx context.Context) error {
		var err error
		out, err = g.inner.MessagesByConversation(ctx, conversationID, before, limit)
		return err
	})
	return out, err
}

func (g *Gateway) MarkReadUpTo(ctx context.Context, conversationID, receiverID, upToMessageID string) ([]string, error) {
	var out []string
	err := g.call(ctx, "markReadUpTo", func(ctx context.Context) error {
		var err error
		out, err = g.inner.MarkReadUpTo(ctx, conversationID, receiverID, upToMessageID)
		return err
	})
	return out, err
}

func (g *Gateway) FindConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var out *domain.Conversation
	err := g.call(ctx, "findConversationById", func(ctx context.Context) error {
		var err error
		out, err = g.inner.FindConversationByID(ctx, id)
		return err
	})
	return out, err
}

func (g *Gateway) ConversationsForIdentity(ctx context.Context, identity string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := g.call(ctx, "conversationsForIdentity", func(ctx context.Context) error {
		var err error
		out, err = g.inner.ConversationsForIdentity(ctx, identity)
		return err
	})
	return out, err
}

func (g *Gateway) UpsertConversation(ctx context.Context, c *domain.Conversation) error {
	return g.call(ctx, "upsertConversation", func(ctx context.Context) error {
		return g.inner.UpsertConversation(ctx, c)
	})
}

func (g *Gateway) TouchConversation(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	return g.call(ctx, "touchConversation", func(ctx context.Context) error {
		return g.inner.TouchConversation(ctx, conversationID, messageID, senderID, at)
	})
}

func (g *Gateway) ResetUnread(ctx context.Context, conversationID, identity string, at time.Time) error {
	return g.call(ctx, "resetUnread", func(ctx context.Context) error {
		return g.inner.ResetUnread(ctx, conversationID, identity, at)
	})
}

func (g *Gateway) SaveFile(ctx context.Context, f *domain.File) error {
	return g.call(ctx, "saveFile", func(ctx context.Context) error {
		return g.inner.SaveFile(ctx, f)
	})
}

func (g *Gateway) FindFileByID(ctx context.Context, id string) (*domain.File, error) {
	var out *domain.File
	err := g.call(ctx, "findFileById", func(ctx context.Context) error {
		var err error
		out, err = g.inner.FindFileByID(ctx, id)
		return err
	})
	return out, err
}

func (g *Gateway) UpdateFileStatus(ctx context.Context, fileID string, status domain.FileStatus) error {
	return g.call(ctx, "updateFileStatus", func(ctx context.Context) error {
		return g.inner.UpdateFileStatus(ctx, fileID, status)
	})
}

func (g *Gateway) IncrementDownloadCount(ctx context.Context, fileID string) error {
	return g.call(ctx, "incrementDownloadCount", func(ctx context.Context) error {
		return g.inner.IncrementDownloadCount(ctx, fileID)
	})
}

var _ Store = (*Gateway)(nil)
