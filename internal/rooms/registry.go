package rooms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

// cacheTTL bounds how long a conversation snapshot is served without
// consulting the store. The cache is advisory, never the source of truth.
const cacheTTL = 5 * time.Second

// EventAppender is the slice of the stream manager the registry needs.
type EventAppender interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
}

// OnlineChecker answers whether an identity is currently connected.
type OnlineChecker interface {
	IsOnline(ctx context.Context, identity string) (bool, error)
}

// Registry answers membership and policy questions for conversations
// (rooms) and applies membership mutations. Every mutation is policy
// checked here; there is no unenforced path.
type Registry struct {
	store    store.Store
	events   EventAppender
	presence OnlineChecker
	logger   zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedRoom
}

type cachedRoom struct {
	conv    *domain.Conversation
	fetched time.Time
}

// NewRegistry builds the room registry.
func NewRegistry(st store.Store, events EventAppender, presence OnlineChecker, logger zerolog.Logger) *Registry {
	return &Registry{
		store:    st,
		events:   events,
		presence: presence,
		logger:   logger.With().Str("component", "rooms").Logger(),
		cache:    make(map[string]cachedRoom),
	}
}

// Conversation returns the conversation, from cache when fresh.
func (r *Registry) Conversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	r.mu.Lock()
	if c, ok := r.cache[conversationID]; ok && time.Since(c.fetched) < cacheTTL {
		r.mu.Unlock()
		return c.conv, nil
	}
	r.mu.Unlock()

	conv, err := r.store.FindConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[conversationID] = cachedRoom{conv: conv, fetched: time.Now()}
	r.mu.Unlock()
	return conv, nil
}

// Invalidate drops the cached snapshot after an external mutation.
func (r *Registry) Invalidate(conversationID string) {
	r.mu.Lock()
	delete(r.cache, conversationID)
	r.mu.Unlock()
}

// CanPost reports whether identity may post to the conversation.
func (r *Registry) CanPost(ctx context.Context, identity, conversationID string) (bool, error) {
	conv, err := r.Conversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.CanPost(identity), nil
}

// CanAdminister reports whether identity may mutate membership.
func (r *Registry) CanAdminister(ctx context.Context, identity, conversationID string) (bool, error) {
	conv, err := r.Conversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.CanAdminister(identity), nil
}

// Participants returns all member identities of the conversation.
func (r *Registry) Participants(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := r.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.ParticipantIDs(), nil
}

// MembersOnline returns the subset of participants currently connected.
func (r *Registry) MembersOnline(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := r.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	online := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := r.presence.IsOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			online = append(online, id)
		}
	}
	return online, nil
}

// privatePairID derives the deterministic id of a PRIVATE conversation.
// The pair maps to exactly one id, so creating the same private chat
// twice converges on one document.
func privatePairID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + "\x00" + pair[1]))
	return "pc_" + hex.EncodeToString(sum[:12])
}

// CreateConversation creates a conversation with actor as owner.
// PRIVATE conversations take exactly one other participant and are
// deduplicated per pair; creating an existing pair returns the existing
// conversation.
func (r *Registry) CreateConversation(ctx context.Context, actor string, convType domain.ConversationType, others []string) (*domain.Conversation, error) {
	if actor == "" {
		return nil, domain.Validationf("actor identity is required")
	}

	now := time.Now()
	var id string
	switch convType {
	case domain.ConversationPrivate:
		if len(others) != 1 || others[0] == actor {
			return nil, domain.Validationf("private conversations take exactly one other participant")
		}
		id = privatePairID(actor, others[0])
		if existing, err := r.store.FindConversationByID(ctx, id); err == nil {
			return existing, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	case domain.ConversationGroup, domain.ConversationBroadcast:
		if len(others) == 0 {
			return nil, domain.Validationf("%s conversations need at least one other participant", convType)
		}
		id = ulid.Make().String()
	default:
		return nil, domain.Validationf("unknown conversation type %q", convType)
	}

	conv := &domain.Conversation{
		ID:           id,
		Type:         convType,
		OwnerID:      actor,
		CreatedAt:    now,
		LastActivity: now,
		Participants: []domain.Participant{{
			Identity:   actor,
			Role:       domain.RoleOwner,
			LastReadAt: now,
		}},
	}
	seen := map[string]bool{actor: true}
	for _, other := range others {
		if other == "" || seen[other] {
			continue
		}
		seen[other] = true
		conv.Participants = append(conv.Participants, domain.Participant{
			Identity:   other,
			Role:       domain.RoleMember,
			LastReadAt: now,
		})
	}

	if err := r.commit(ctx, conv, actor); err != nil {
		return nil, err
	}
	return conv, nil
}

// AddParticipant adds identity to the conversation. actor must hold admin
// rights; PRIVATE conversations never grow.
func (r *Registry) AddParticipant(ctx context.Context, actor, conversationID, identity string) error {
	conv, err := r.store.FindConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.CanAdminister(actor) {
		return domain.Authorizationf("%s may not administer conversation %s", actor, conversationID)
	}
	if conv.Type == domain.ConversationPrivate {
		return domain.Validationf("private conversations have a fixed participant pair")
	}
	if conv.HasParticipant(identity) {
		return nil // idempotent
	}

	conv.Participants = append(conv.Participants, domain.Participant{
		Identity:   identity,
		Role:       domain.RoleMember,
		LastReadAt: time.Now(),
	})
	return r.commit(ctx, conv, actor)
}

// RemoveParticipant removes identity. actor must hold admin rights or be
// removing themselves (leave). The last admin of a GROUP cannot leave.
func (r *Registry) RemoveParticipant(ctx context.Context, actor, conversationID, identity string) error {
	conv, err := r.store.FindConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if actor != identity && !conv.CanAdminister(actor) {
		return domain.Authorizationf("%s may not administer conversation %s", actor, conversationID)
	}
	p := conv.Participant(identity)
	if p == nil {
		return nil // idempotent
	}
	if conv.Type == domain.ConversationGroup &&
		(p.Role == domain.RoleAdmin || p.Role == domain.RoleOwner) &&
		conv.AdminCount() <= 1 {
		return domain.Validationf("group %s must retain at least one admin", conversationID)
	}

	kept := conv.Participants[:0]
	for i := range conv.Participants {
		if conv.Participants[i].Identity != identity {
			kept = append(kept, conv.Participants[i])
		}
	}
	conv.Participants = kept
	return r.commit(ctx, conv, actor)
}

func (r *Registry) commit(ctx context.Context, conv *domain.Conversation, actor string) error {
	if err := r.store.UpsertConversation(ctx, conv); err != nil {
		return err
	}
	r.Invalidate(conv.ID)

	payload, _ := json.Marshal(domain.ConversationEvent{
		EventType:      domain.EventConversationUpdated,
		ConversationID: conv.ID,
		Participants:   conv.ParticipantIDs(),
		Actor:          actor,
	})
	if _, err := r.events.Append(ctx, stream.EventsConversations, domain.StreamRecord{
		Kind:    domain.KindEventConversation,
		Payload: payload,
	}); err != nil {
		r.logger.Warn().Str("conversation_id", conv.ID).Err(err).Msg("Failed to publish CONVERSATION_UPDATED")
	}
	return nil
}
