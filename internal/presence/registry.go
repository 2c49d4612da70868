package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/stream"
)

const (
	indexKey       = "presence:index"
	endpointPrefix = "presence:endpoints:"

	// Local read-through cache staleness tolerance. The canonical view
	// lives in Redis; the cache only short-circuits hot IsOnline checks.
	cacheStaleness = 5 * time.Second
)

// EventAppender is the slice of the stream manager presence needs.
type EventAppender interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
}

// Registry tracks which identities are connected to any process.
// Canonical state is shared in Redis: a heartbeat-scored ZSET of
// identities plus one endpoint hash per identity. Entries expire at
// lastHeartbeat + TTL; the sweeper removes them and publishes
// USER_OFFLINE on events:users.
type Registry struct {
	rdb       *redis.Client
	events    EventAppender
	logger    zerolog.Logger
	ttl       time.Duration
	processID string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	online  bool
	checked time.Time
}

// NewRegistry builds a presence registry for this process.
func NewRegistry(rdb *redis.Client, events EventAppender, processID string, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		rdb:       rdb,
		events:    events,
		logger:    logger.With().Str("component", "presence").Logger(),
		ttl:       ttl,
		processID: processID,
		cache:     make(map[string]cacheEntry),
	}
}

// Register adds an endpoint for identity and stamps a heartbeat.
func (r *Registry) Register(ctx context.Context, identity, endpoint string) error {
	now := time.Now()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, endpointPrefix+identity, endpoint, r.processID)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(now.UnixMilli()), Member: identity})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	r.cacheSet(identity, true)
	return nil
}

// Unregister removes one endpoint. The identity stays online while other
// endpoints remain; the last endpoint going away removes the identity
// entirely.
func (r *Registry) Unregister(ctx context.Context, identity, endpoint string) error {
	if err := r.rdb.HDel(ctx, endpointPrefix+identity, endpoint).Err(); err != nil {
		return err
	}
	n, err := r.rdb.HLen(ctx, endpointPrefix+identity).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := r.rdb.ZRem(ctx, indexKey, identity).Err(); err != nil {
			return err
		}
		r.cacheSet(identity, false)
	}
	return nil
}

// Heartbeat refreshes the identity's liveness stamp.
func (r *Registry) Heartbeat(ctx context.Context, identity string) error {
	return r.rdb.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: identity,
	}).Err()
}

// IsOnline answers from the local cache when fresh, otherwise consults
// the canonical view. An identity is online while its heartbeat is
// within TTL.
func (r *Registry) IsOnline(ctx context.Context, identity string) (bool, error) {
	r.mu.Lock()
	if e, ok := r.cache[identity]; ok && time.Since(e.checked) < cacheStaleness {
		r.mu.Unlock()
		return e.online, nil
	}
	r.mu.Unlock()

	score, err := r.rdb.ZScore(ctx, indexKey, identity).Result()
	if err == redis.Nil {
		r.cacheSet(identity, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	online := time.Since(time.UnixMilli(int64(score))) < r.ttl
	r.cacheSet(identity, online)
	return online, nil
}

// List returns every identity whose heartbeat is within TTL.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	min := strconv.FormatInt(time.Now().Add(-r.ttl).UnixMilli(), 10)
	ids, err := r.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	monitoring.PresenceOnline.Set(float64(len(ids)))
	return ids, nil
}

// Entry returns the full presence entry for identity, or NotFound.
func (r *Registry) Entry(ctx context.Context, identity string) (*domain.PresenceEntry, error) {
	score, err := r.rdb.ZScore(ctx, indexKey, identity).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	endpoints, err := r.rdb.HKeys(ctx, endpointPrefix+identity).Result()
	if err != nil {
		return nil, err
	}
	return &domain.PresenceEntry{
		Identity:        identity,
		SocketEndpoints: endpoints,
		LastHeartbeat:   time.UnixMilli(int64(score)),
		ProcessID:       r.processID,
	}, nil
}

// RunSweeper expires dead entries every interval until ctx is done.
// Each expiry publishes USER_OFFLINE.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	defer monitoring.RecoverPanic(r.logger, "presence-sweeper", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.SweepExpired(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Presence sweep failed")
			} else if n > 0 {
				r.logger.Info().Int("expired", n).Msg("Swept expired presence entries")
			}
		}
	}
}

// SweepExpired removes every entry with heartbeat older than TTL and
// publishes USER_OFFLINE for each. Returns the number removed.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.ttl)
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)

	expired, err := r.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, identity := range expired {
		pipe := r.rdb.TxPipeline()
		pipe.ZRem(ctx, indexKey, identity)
		pipe.Del(ctx, endpointPrefix+identity)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn().Str("identity", identity).Err(err).Msg("Failed to remove expired presence entry")
			continue
		}
		r.cacheSet(identity, false)

		payload, _ := json.Marshal(domain.UserEvent{
			EventType: domain.EventUserOffline,
			Identity:  identity,
			Reason:    "heartbeat_expired",
			Timestamp: time.Now(),
		})
		if _, err := r.events.Append(ctx, stream.EventsUsers, domain.StreamRecord{
			Kind:    domain.KindEventUser,
			Payload: payload,
		}); err != nil {
			r.logger.Warn().Str("identity", identity).Err(err).Msg("Failed to publish USER_OFFLINE")
		}
	}
	return len(expired), nil
}

func (r *Registry) cacheSet(identity string, online bool) {
	r.mu.Lock()
	r.cache[identity] = cacheEntry{online: online, checked: time.Now()}
	r.mu.Unlock()
}
