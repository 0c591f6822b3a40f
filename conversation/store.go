package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// Store is the context persistence boundary. All operations take a context
// so external-store implementations can honor deadlines.
type Store interface {
	CreateContext(ctx context.Context, sessionID string) (*Context, error)
	GetContext(ctx context.Context, contextID string) (*Context, error)
	GetContextBySession(ctx context.Context, sessionID string) (*Context, error)
	AddTurn(ctx context.Context, contextID string, query QueryRecord, response ResponseRecord, followUp bool) (*Turn, error)
	UpdateContext(ctx context.Context, updated *Context) error
	DeleteContext(ctx context.Context, contextID string) error
	CleanupExpired(ctx context.Context) (int, error)
	CleanupByIdle(ctx context.Context, maxIdle time.Duration) (int, error)
	GetStats(ctx context.Context) (StoreStats, error)
	SearchContexts(ctx context.Context, query string, limit int) ([]*Context, error)
}

// StoreStats summarizes store occupancy.
type StoreStats struct {
	Contexts     int
	TotalTurns   int
	StorageBytes int64
	OldestExpiry time.Time
}

// MemoryStore is the in-process Store implementation. Each context is
// serialized under its own lock; reads return deep-copied snapshots.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*contextEntry
	sessions map[string]string // sessionID -> contextID

	expiration time.Duration
	maxTurns   int
	logger     core.Logger
	now        func() time.Time
}

type contextEntry struct {
	mu  sync.Mutex
	ctx *Context
}

// NewMemoryStore creates a store with the given per-context expiration.
func NewMemoryStore(cfg core.ContextConfig, logger core.Logger) *MemoryStore {
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
	return &MemoryStore{
		contexts:   make(map[string]*contextEntry),
		sessions:   make(map[string]string),
		expiration: expiration,
		maxTurns:   cfg.MaxTurnsPerContext,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateContext allocates a fresh context for a session. An existing live
// context for the session is returned instead of creating a duplicate.
func (s *MemoryStore) CreateContext(ctx context.Context, sessionID string) (*Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", core.ErrValidation)
	}

	s.mu.Lock()
	if existingID, ok := s.sessions[sessionID]; ok {
		if entry, ok := s.contexts[existingID]; ok {
			s.mu.Unlock()
			entry.mu.Lock()
			snapshot := entry.ctx.Clone()
			entry.mu.Unlock()
			return snapshot, nil
		}
	}

	now := s.now()
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
	s.contexts[c.ContextID] = &contextEntry{ctx: c}
	s.sessions[sessionID] = c.ContextID
	total := len(s.contexts)
	s.mu.Unlock()

	s.logger.Info("Conversation context created", map[string]interface{}{
		"operation":  "context_created",
		"context_id": c.ContextID,
		"session_id": sessionID,
	})
	telemetry.Gauge("conversation.contexts.active", float64(total), "module", telemetry.ModuleConversation)
	return c.Clone(), nil
}

func (s *MemoryStore) entry(contextID string) (*contextEntry, error) {
	s.mu.RLock()
	entry, ok := s.contexts[contextID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("context %q: %w", contextID, core.ErrContextNotFound)
	}
	return entry, nil
}

// GetContext returns a snapshot and touches lastAccessedAt.
func (s *MemoryStore) GetContext(ctx context.Context, contextID string) (*Context, error) {
	entry, err := s.entry(contextID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if s.now().After(entry.ctx.ExpiresAt) {
		return nil, fmt.Errorf("context %q: %w", contextID, core.ErrContextExpired)
	}
	entry.ctx.Metadata.LastAccessedAt = s.now()
	return entry.ctx.Clone(), nil
}

// GetContextBySession resolves the session index and returns a snapshot.
func (s *MemoryStore) GetContextBySession(ctx context.Context, sessionID string) (*Context, error) {
	s.mu.RLock()
	contextID, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, core.ErrContextNotFound)
	}
	return s.GetContext(ctx, contextID)
}

// AddTurn atomically appends a turn: assigns the next turnNumber, merges
// extracted entities into the cumulative index, and advances lastUpdated.
func (s *MemoryStore) AddTurn(ctx context.Context, contextID string, query QueryRecord, response ResponseRecord, followUp bool) (*Turn, error) {
	entry, err := s.entry(contextID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.ctx
	if s.now().After(c.ExpiresAt) {
		return nil, fmt.Errorf("context %q: %w", contextID, core.ErrContextExpired)
	}
	if s.maxTurns > 0 && len(c.ConversationThread) >= s.maxTurns {
		return nil, fmt.Errorf("%w: context %q at turn cap %d, summarize first",
			core.ErrValidation, contextID, s.maxTurns)
	}

	now := s.now()
	if !now.After(c.LastUpdated) {
		// lastUpdated must strictly increase even under clock granularity.
		now = c.LastUpdated.Add(time.Nanosecond)
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
	// Caller-supplied entity keys (from upstream extraction) join the
	// text-derived ones.
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

	telemetry.Counter("conversation.turns.added", "module", telemetry.ModuleConversation)
	s.logger.Debug("Turn added", map[string]interface{}{
		"operation":   "turn_added",
		"context_id":  contextID,
		"turn_number": turn.TurnNumber,
		"follow_up":   followUp,
		"entities":    len(entities),
	})
	out := turn
	return &out, nil
}

// appendTopic records the dominant entity of a query as a topic entry.
func appendTopic(cc *CumulativeContext, query, turnID string, at time.Time) {
	entities := ExtractEntities(query)
	if len(entities) == 0 {
		return
	}
	topic := entities[0].Key
	for i := range cc.TopicProgression {
		if cc.TopicProgression[i].Topic == topic {
			cc.TopicProgression[i].QueryIDs = append(cc.TopicProgression[i].QueryIDs, turnID)
			return
		}
	}
	cc.TopicProgression = append(cc.TopicProgression, TopicEntry{
		Topic:           topic,
		Relevance:       entities[0].Confidence,
		FirstIntroduced: at,
		QueryIDs:        []string{turnID},
	})
}

// UpdateContext replaces stored context state. Used by the summarizer to
// write back a compressed thread.
func (s *MemoryStore) UpdateContext(ctx context.Context, updated *Context) error {
	if updated == nil {
		return fmt.Errorf("%w: context is required", core.ErrValidation)
	}
	entry, err := s.entry(updated.ContextID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	clone := updated.Clone()
	clone.Metadata.StorageSize = clone.StorageSize()
	entry.ctx = clone
	return nil
}

// DeleteContext removes a context and its session index entry.
func (s *MemoryStore) DeleteContext(ctx context.Context, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.contexts[contextID]
	if !ok {
		return fmt.Errorf("context %q: %w", contextID, core.ErrContextNotFound)
	}
	delete(s.contexts, contextID)
	delete(s.sessions, entry.ctx.SessionID)
	return nil
}

// CleanupExpired removes contexts whose expiresAt has passed.
func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.contexts {
		if now.After(entry.ctx.ExpiresAt) {
			delete(s.contexts, id)
			delete(s.sessions, entry.ctx.SessionID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Expired contexts removed", map[string]interface{}{
			"operation": "cleanup_expired",
			"removed":   removed,
			"remaining": len(s.contexts),
		})
		telemetry.Counter("conversation.contexts.expired", "module", telemetry.ModuleConversation)
	}
	return removed, nil
}

// CleanupByIdle removes contexts not accessed within maxIdle (LRU sweep).
func (s *MemoryStore) CleanupByIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.contexts {
		if entry.ctx.Metadata.LastAccessedAt.Before(cutoff) {
			delete(s.contexts, id)
			delete(s.sessions, entry.ctx.SessionID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Idle contexts removed", map[string]interface{}{
			"operation": "cleanup_idle",
			"removed":   removed,
			"max_idle":  maxIdle.String(),
		})
	}
	return removed, nil
}

// GetStats summarizes store occupancy.
func (s *MemoryStore) GetStats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{Contexts: len(s.contexts)}
	for _, entry := range s.contexts {
		stats.TotalTurns += len(entry.ctx.ConversationThread)
		stats.StorageBytes += entry.ctx.Metadata.StorageSize
		if stats.OldestExpiry.IsZero() || entry.ctx.ExpiresAt.Before(stats.OldestExpiry) {
			stats.OldestExpiry = entry.ctx.ExpiresAt
		}
	}
	return stats, nil
}

// SearchContexts returns up to limit contexts whose queries or entities
// contain the search term, most recently updated first.
func (s *MemoryStore) SearchContexts(ctx context.Context, query string, limit int) ([]*Context, error) {
	term := strings.ToLower(strings.TrimSpace(query))
	if term == "" {
		return nil, fmt.Errorf("%w: search query is required", core.ErrValidation)
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	entries := make([]*contextEntry, 0, len(s.contexts))
	for _, e := range s.contexts {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var matches []*Context
	for _, entry := range entries {
		entry.mu.Lock()
		c := entry.ctx
		if contextMatches(c, term) {
			matches = append(matches, c.Clone())
		}
		entry.mu.Unlock()
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastUpdated.After(matches[j].LastUpdated)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func contextMatches(c *Context, term string) bool {
	if _, ok := c.Cumulative.ExtractedEntities[term]; ok {
		return true
	}
	for _, turn := range c.ConversationThread {
		if strings.Contains(strings.ToLower(turn.Query.Text), term) {
			return true
		}
	}
	return false
}
