package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voltlens/voltlens/core"
)

const (
	redisContextPrefix = "voltlens:ctx:"
	redisSessionPrefix = "voltlens:session:"
	redisContextIndex  = "voltlens:contexts"
)

// RedisStore persists contexts in Redis hashes. Each context is stored as
// {id, session_id, context_data, cumulative_context, turn_count,
// last_updated, expires_at, compression_applied} with a TTL at expires_at.
// In-process mutations to one context are serialized by a per-context lock;
// the store is intended for one writer process per context.
type RedisStore struct {
	client     *redis.Client
	expiration time.Duration
	maxTurns   int
	logger     core.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisStore creates a store against the given Redis client.
func NewRedisStore(client *redis.Client, cfg core.ContextConfig, logger core.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("voltlens/conversation")
	}
	expiration := time.Duration(cfg.ExpirationHours) * time.Hour
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &RedisStore{
		client:     client,
		expiration: expiration,
		maxTurns:   cfg.MaxTurnsPerContext,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

func (s *RedisStore) lock(contextID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[contextID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[contextID] = l
	}
	return l
}

func (s *RedisStore) write(ctx context.Context, c *Context) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("serialize context: %w", err)
	}
	cumulative, err := json.Marshal(c.Cumulative)
	if err != nil {
		return fmt.Errorf("serialize cumulative context: %w", err)
	}

	key := redisContextPrefix + c.ContextID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":                  c.ContextID,
		"session_id":          c.SessionID,
		"context_data":        string(data),
		"cumulative_context":  string(cumulative),
		"turn_count":          c.Metadata.TurnCount,
		"last_updated":        c.LastUpdated.UnixMilli(),
		"expires_at":          c.ExpiresAt.UnixMilli(),
		"compression_applied": c.Metadata.CompressionLevel > 0,
	})
	pipe.ExpireAt(ctx, key, c.ExpiresAt)
	pipe.Set(ctx, redisSessionPrefix+c.SessionID, c.ContextID, time.Until(c.ExpiresAt))
	pipe.SAdd(ctx, redisContextIndex, c.ContextID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist context %s: %w", c.ContextID, err)
	}
	return nil
}

func (s *RedisStore) read(ctx context.Context, contextID string) (*Context, error) {
	data, err := s.client.HGet(ctx, redisContextPrefix+contextID, "context_data").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("context %q: %w", contextID, core.ErrContextNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", contextID, err)
	}
	c, err := UnmarshalContext([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode context %s: %w", contextID, err)
	}
	return c, nil
}

// CreateContext allocates a fresh context, reusing any live context already
// indexed for the session.
func (s *RedisStore) CreateContext(ctx context.Context, sessionID string) (*Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", core.ErrValidation)
	}

	if existingID, err := s.client.Get(ctx, redisSessionPrefix+sessionID).Result(); err == nil {
		if c, err := s.read(ctx, existingID); err == nil {
			return c, nil
		}
	}

	now := time.Now()
	c := &Context{
		ContextID:          uuid.NewString(),
		SessionID:          sessionID,
		ConversationThread: []Turn{},
		Cumulative:         NewCumulativeContext(),
		LastUpdated:        now,
		ExpiresAt:          now.Add(s.expiration),
		Metadata: Metadata{
			CreatedAt:      now,
			LastAccessedAt: now,
		},
	}
	if err := s.write(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("Conversation context created", map[string]interface{}{
		"operation":  "context_created",
		"context_id": c.ContextID,
		"session_id": sessionID,
		"backend":    "redis",
	})
	return c, nil
}

// GetContext loads a context and touches lastAccessedAt.
func (s *RedisStore) GetContext(ctx context.Context, contextID string) (*Context, error) {
	l := s.lock(contextID)
	l.Lock()
	defer l.Unlock()

	c, err := s.read(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(c.ExpiresAt) {
		return nil, fmt.Errorf("context %q: %w", contextID, core.ErrContextExpired)
	}
	c.Metadata.LastAccessedAt = time.Now()
	if err := s.write(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetContextBySession resolves the session index.
func (s *RedisStore) GetContextBySession(ctx context.Context, sessionID string) (*Context, error) {
	contextID, err := s.client.Get(ctx, redisSessionPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("session %q: %w", sessionID, core.ErrContextNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	return s.GetContext(ctx, contextID)
}

// AddTurn atomically appends a turn under the per-context lock.
func (s *RedisStore) AddTurn(ctx context.Context, contextID string, query QueryRecord, response ResponseRecord, followUp bool) (*Turn, error) {
	l := s.lock(contextID)
	l.Lock()
	defer l.Unlock()

	c, err := s.read(ctx, contextID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.After(c.ExpiresAt) {
		return nil, fmt.Errorf("context %q: %w", contextID, core.ErrContextExpired)
	}
	if s.maxTurns > 0 && len(c.ConversationThread) >= s.maxTurns {
		return nil, fmt.Errorf("%w: context %q at turn cap %d, summarize first",
			core.ErrValidation, contextID, s.maxTurns)
	}
	if !now.After(c.LastUpdated) {
		now = c.LastUpdated.Add(time.Millisecond)
	}
	if query.Timestamp.IsZero() {
		query.Timestamp = now
	}
	if response.Timestamp.IsZero() {
		response.Timestamp = now
	}

	turn := Turn{
		TurnID:           uuid.NewString(),
		TurnNumber:       len(c.ConversationThread) + 1,
		Query:            query,
		Response:         response,
		FollowUpDetected: followUp,
		Timestamp:        now,
	}
	entities := ExtractEntities(query.Text)
	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e.Key] = true
	}
	for _, provided := range query.Entities {
		key := CanonicalKey(provided)
		if key == "" || known[key] {
			continue
		}
		entities = append(entities, ExtractedEntity{
			Text: provided, Key: key, Type: "provided", Confidence: 0.7,
		})
		known[key] = true
	}
	turn.Query.Entities = nil
	for _, e := range entities {
		turn.Query.Entities = append(turn.Query.Entities, e.Key)
	}
	MergeEntities(c.Cumulative, turn.TurnID, entities, now)
	appendTopic(c.Cumulative, query.Text, turn.TurnID, now)

	c.ConversationThread = append(c.ConversationThread, turn)
	c.LastUpdated = now
	c.Metadata.TurnCount = len(c.ConversationThread)
	c.Metadata.LastAccessedAt = now
	c.Metadata.StorageSize = c.StorageSize()

	if err := s.write(ctx, c); err != nil {
		return nil, err
	}
	return &turn, nil
}

// UpdateContext writes back modified context state.
func (s *RedisStore) UpdateContext(ctx context.Context, updated *Context) error {
	if updated == nil {
		return fmt.Errorf("%w: context is required", core.ErrValidation)
	}
	l := s.lock(updated.ContextID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.read(ctx, updated.ContextID); err != nil {
		return err
	}
	clone := updated.Clone()
	clone.Metadata.StorageSize = clone.StorageSize()
	return s.write(ctx, clone)
}

// DeleteContext removes a context and its indexes.
func (s *RedisStore) DeleteContext(ctx context.Context, contextID string) error {
	c, err := s.read(ctx, contextID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisContextPrefix+contextID)
	pipe.Del(ctx, redisSessionPrefix+c.SessionID)
	pipe.SRem(ctx, redisContextIndex, contextID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete context %s: %w", contextID, err)
	}

	s.mu.Lock()
	delete(s.locks, contextID)
	s.mu.Unlock()
	return nil
}

// CleanupExpired removes index entries whose hashes were dropped by TTL and
// any context past its recorded expiry.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, redisContextIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("list contexts: %w", err)
	}

	removed := 0
	now := time.Now()
	for _, id := range ids {
		expMilli, err := s.client.HGet(ctx, redisContextPrefix+id, "expires_at").Int64()
		if err == redis.Nil {
			// TTL already dropped the hash; reap the index entry.
			s.client.SRem(ctx, redisContextIndex, id)
			removed++
			continue
		}
		if err != nil {
			continue
		}
		if now.After(time.UnixMilli(expMilli)) {
			if derr := s.DeleteContext(ctx, id); derr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// CleanupByIdle removes contexts not accessed within maxIdle.
func (s *RedisStore) CleanupByIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	ids, err := s.client.SMembers(ctx, redisContextIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("list contexts: %w", err)
	}

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for _, id := range ids {
		c, err := s.read(ctx, id)
		if err != nil {
			continue
		}
		if c.Metadata.LastAccessedAt.Before(cutoff) {
			if derr := s.DeleteContext(ctx, id); derr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// GetStats summarizes store occupancy.
func (s *RedisStore) GetStats(ctx context.Context) (StoreStats, error) {
	ids, err := s.client.SMembers(ctx, redisContextIndex).Result()
	if err != nil {
		return StoreStats{}, fmt.Errorf("list contexts: %w", err)
	}

	stats := StoreStats{}
	for _, id := range ids {
		c, err := s.read(ctx, id)
		if err != nil {
			continue
		}
		stats.Contexts++
		stats.TotalTurns += len(c.ConversationThread)
		stats.StorageBytes += c.Metadata.StorageSize
		if stats.OldestExpiry.IsZero() || c.ExpiresAt.Before(stats.OldestExpiry) {
			stats.OldestExpiry = c.ExpiresAt
		}
	}
	return stats, nil
}

// SearchContexts scans stored contexts for the search term.
func (s *RedisStore) SearchContexts(ctx context.Context, query string, limit int) ([]*Context, error) {
	term := strings.ToLower(strings.TrimSpace(query))
	if term == "" {
		return nil, fmt.Errorf("%w: search query is required", core.ErrValidation)
	}
	if limit <= 0 {
		limit = 10
	}

	ids, err := s.client.SMembers(ctx, redisContextIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}

	var matches []*Context
	for _, id := range ids {
		c, err := s.read(ctx, id)
		if err != nil {
			continue
		}
		if contextMatches(c, term) {
			matches = append(matches, c)
		}
	}
	sortContextsByRecency(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func sortContextsByRecency(cs []*Context) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].LastUpdated.After(cs[j-1].LastUpdated); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
