// Package conversation implements the per-session context engine: the turn
// store, follow-up detection, context enrichment, query enhancement,
// summarization under memory pressure, and context analytics.
package conversation

import (
	"encoding/json"
	"time"
)

// QueryRecord is the processed form of one user query.
type QueryRecord struct {
	Text      string    `json:"text"`
	Entities  []string  `json:"entities,omitempty"`
	Intent    string    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseRecord summarizes the answer given for a turn.
type ResponseRecord struct {
	Summary    string    `json:"summary"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Turn is one query/response exchange within a context.
type Turn struct {
	TurnID               string         `json:"turnId"`
	TurnNumber           int            `json:"turnNumber"`
	Query                QueryRecord    `json:"query"`
	Response             ResponseRecord `json:"response"`
	ContextContributions []string       `json:"contextContributions,omitempty"`
	FollowUpDetected     bool           `json:"followUpDetected"`
	Timestamp            time.Time      `json:"timestamp"`
}

// EntityMention is one observed mention of an entity.
type EntityMention struct {
	Text       string    `json:"text"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	TurnID     string    `json:"turnId"`
	Position   int       `json:"position"`
}

// EntityRecord aggregates all mentions of one canonical entity.
type EntityRecord struct {
	Key            string          `json:"key"`
	Mentions       []EntityMention `json:"mentions"`
	FirstMentioned time.Time       `json:"firstMentioned"`
	MentionCount   int             `json:"mentionCount"`
}

// DocumentRef records a document referenced during the conversation.
type DocumentRef struct {
	DocumentID     string    `json:"documentId"`
	RelevantPages  []int     `json:"relevantPages,omitempty"`
	KeyFindings    []string  `json:"keyFindings,omitempty"`
	LastReferenced time.Time `json:"lastReferenced"`
}

// TopicEntry tracks one topic in the conversation's progression.
type TopicEntry struct {
	Topic           string    `json:"topic"`
	Relevance       float64   `json:"relevance"`
	FirstIntroduced time.Time `json:"firstIntroduced"`
	RelatedTopics   []string  `json:"relatedTopics,omitempty"`
	QueryIDs        []string  `json:"queryIds,omitempty"`
}

// Relationship links two entities observed together.
type Relationship struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	Relationship string  `json:"relationship"`
	Confidence   float64 `json:"confidence"`
	Context      string  `json:"context,omitempty"`
}

// CumulativeContext is the conversation-wide extracted knowledge. Entities
// reference turns by TurnID, never by pointer; dangling references are
// rewritten during summarization and cleanup.
type CumulativeContext struct {
	// EntityOrder preserves first-mention ordering of canonical keys.
	EntityOrder       []string                 `json:"entityOrder,omitempty"`
	ExtractedEntities map[string]*EntityRecord `json:"extractedEntities,omitempty"`
	DocumentContext   []DocumentRef            `json:"documentContext,omitempty"`
	TopicProgression  []TopicEntry             `json:"topicProgression,omitempty"`
	KeyInsights       []string                 `json:"keyInsights,omitempty"`
	RelationshipMap   []Relationship           `json:"relationshipMap,omitempty"`

	// Summary holds the compressed representation of summarized-away turns.
	Summary string `json:"summary,omitempty"`
}

// NewCumulativeContext allocates an empty cumulative context.
func NewCumulativeContext() *CumulativeContext {
	return &CumulativeContext{
		ExtractedEntities: make(map[string]*EntityRecord),
	}
}

// Metadata carries context bookkeeping.
type Metadata struct {
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"`
	TurnCount        int       `json:"turnCount"`
	StorageSize      int64     `json:"storageSize"`
	CompressionLevel int       `json:"compressionLevel"`
	Tags             []string  `json:"tags,omitempty"`
}

// Context is one session's conversation state.
type Context struct {
	ContextID          string             `json:"contextId"`
	SessionID          string             `json:"sessionId"`
	ConversationThread []Turn             `json:"conversationThread"`
	Cumulative         *CumulativeContext `json:"cumulativeContext"`
	LastUpdated        time.Time          `json:"lastUpdated"`
	ExpiresAt          time.Time          `json:"expiresAt"`
	Metadata           Metadata           `json:"metadata"`
}

// Clone returns a deep copy for snapshot reads.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.ConversationThread = make([]Turn, len(c.ConversationThread))
	copy(out.ConversationThread, c.ConversationThread)
	for i := range out.ConversationThread {
		t := &out.ConversationThread[i]
		t.Query.Entities = append([]string(nil), t.Query.Entities...)
		t.Response.Evidence = append([]string(nil), t.Response.Evidence...)
		t.ContextContributions = append([]string(nil), t.ContextContributions...)
	}
	if c.Cumulative != nil {
		cc := *c.Cumulative
		cc.EntityOrder = append([]string(nil), c.Cumulative.EntityOrder...)
		cc.ExtractedEntities = make(map[string]*EntityRecord, len(c.Cumulative.ExtractedEntities))
		for k, v := range c.Cumulative.ExtractedEntities {
			rec := *v
			rec.Mentions = append([]EntityMention(nil), v.Mentions...)
			cc.ExtractedEntities[k] = &rec
		}
		cc.DocumentContext = append([]DocumentRef(nil), c.Cumulative.DocumentContext...)
		cc.TopicProgression = append([]TopicEntry(nil), c.Cumulative.TopicProgression...)
		cc.KeyInsights = append([]string(nil), c.Cumulative.KeyInsights...)
		cc.RelationshipMap = append([]Relationship(nil), c.Cumulative.RelationshipMap...)
		out.Cumulative = &cc
	}
	out.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	return &out
}

// Marshal serializes the context for persistence.
func (c *Context) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalContext deserializes a persisted context.
func UnmarshalContext(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Cumulative == nil {
		c.Cumulative = NewCumulativeContext()
	}
	if c.Cumulative.ExtractedEntities == nil {
		c.Cumulative.ExtractedEntities = make(map[string]*EntityRecord)
	}
	return &c, nil
}

// StorageSize approximates the serialized footprint in bytes.
func (c *Context) StorageSize() int64 {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
