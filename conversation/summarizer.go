package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// SummaryResult is the summarizer output.
type SummaryResult struct {
	Summary           string   `json:"summary"`
	KeyPoints         []string `json:"keyPoints,omitempty"`
	RelevantEntities  []string `json:"relevantEntities,omitempty"`
	OriginalTurnCount int      `json:"originalTurnCount"`
	CompressionRatio  float64  `json:"compressionRatio"`
}

// Summarizer compresses old turns when a context grows past its turn or
// byte budget, preserving the most recent turns verbatim.
type Summarizer struct {
	maxTurns       int
	preserveRecent int
	targetRatio    float64
	logger         core.Logger
}

// NewSummarizer creates a summarizer from context configuration.
func NewSummarizer(cfg core.ContextConfig, logger core.Logger) *Summarizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	maxTurns := cfg.MaxTurnsBeforeSummarization
	if maxTurns <= 0 {
		maxTurns = 15
	}
	preserve := cfg.PreserveRecentTurns
	if preserve <= 0 {
		preserve = 5
	}
	ratio := cfg.TargetCompressionRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.4
	}
	return &Summarizer{
		maxTurns:       maxTurns,
		preserveRecent: preserve,
		targetRatio:    ratio,
		logger:         logger,
	}
}

// NeedsSummarization reports whether the context exceeds its turn budget.
func (s *Summarizer) NeedsSummarization(c *Context) bool {
	return c != nil && len(c.ConversationThread) > s.maxTurns
}

// Summarize compresses all but the last preserveRecent turns into a single
// summary string and rewrites the context in place. Re-summarizing an
// already summarized context returns the same summary.
func (s *Summarizer) Summarize(c *Context) (*SummaryResult, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: context is required", core.ErrValidation)
	}
	total := len(c.ConversationThread)
	if total <= s.preserveRecent {
		// Nothing to compress; idempotent no-op when already summarized.
		return &SummaryResult{
			Summary:           c.Cumulative.Summary,
			RelevantEntities:  preservedEntities(c, c.ConversationThread),
			OriginalTurnCount: total,
			CompressionRatio:  1,
		}, nil
	}

	cut := total - s.preserveRecent
	older := c.ConversationThread[:cut]
	preserved := c.ConversationThread[cut:]

	// Score older turns by importance and keep the strongest for the
	// summary, targeting the compression ratio.
	scored := make([]struct {
		turn  Turn
		score float64
	}, len(older))
	for i, t := range older {
		scored[i].turn = t
		scored[i].score = importance(t, c.Cumulative)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	keep := int(float64(len(older)) * s.targetRatio)
	if keep < 1 {
		keep = 1
	}
	if keep > len(scored) {
		keep = len(scored)
	}
	selected := scored[:keep]
	// Restore chronological order for a readable summary.
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].turn.TurnNumber < selected[j].turn.TurnNumber
	})

	var keyPoints []string
	var parts []string
	for _, sc := range selected {
		point := sc.turn.Query.Text
		if sc.turn.Response.Summary != "" {
			point += " -> " + sc.turn.Response.Summary
		}
		keyPoints = append(keyPoints, point)
		parts = append(parts, fmt.Sprintf("[turn %d] %s", sc.turn.TurnNumber, point))
	}

	relevant := preservedEntities(c, preserved)
	for _, insight := range c.Cumulative.KeyInsights {
		parts = append(parts, "insight: "+insight)
	}

	summary := "Earlier conversation covered: " + strings.Join(parts, " | ")
	if len(relevant) > 0 {
		summary += " | key entities: " + strings.Join(relevant, ", ")
	}

	oldBytes := 0
	for _, t := range older {
		oldBytes += len(t.Query.Text) + len(t.Response.Summary)
	}
	ratio := 1.0
	if oldBytes > 0 {
		ratio = float64(len(summary)) / float64(oldBytes)
		if ratio > 1 {
			ratio = 1
		}
	}

	// Rewrite the context: preserved turns keep their numbers; the summary
	// replaces the compressed turns. Entity mentions referencing removed
	// turns stay valid because turns are referenced by id, and the ids of
	// removed turns simply stop resolving to thread entries.
	c.ConversationThread = append([]Turn(nil), preserved...)
	c.Cumulative.Summary = summary
	c.Metadata.TurnCount = len(c.ConversationThread)
	c.Metadata.CompressionLevel++
	c.Metadata.StorageSize = c.StorageSize()

	result := &SummaryResult{
		Summary:           summary,
		KeyPoints:         keyPoints,
		RelevantEntities:  relevant,
		OriginalTurnCount: total,
		CompressionRatio:  ratio,
	}

	s.logger.Info("Context summarized", map[string]interface{}{
		"operation":         "context_summarized",
		"context_id":        c.ContextID,
		"original_turns":    total,
		"preserved_turns":   len(preserved),
		"compression_ratio": ratio,
	})
	telemetry.Counter("conversation.summarizations", "module", telemetry.ModuleConversation)
	telemetry.Gauge("conversation.compression_ratio", ratio, "module", telemetry.ModuleConversation)
	return result, nil
}

// preservedEntities lists entities mentioned in two or more preserved turns,
// ordered by first mention.
func preservedEntities(c *Context, preserved []Turn) []string {
	counts := make(map[string]int)
	for _, t := range preserved {
		seen := make(map[string]bool)
		for _, key := range t.Query.Entities {
			if !seen[key] {
				counts[key]++
				seen[key] = true
			}
		}
	}
	var out []string
	for _, key := range c.Cumulative.EntityOrder {
		if counts[key] >= 2 {
			out = append(out, key)
		}
	}
	return out
}

// importance scores a turn by response confidence, entity density, and
// topic centrality.
func importance(t Turn, cc *CumulativeContext) float64 {
	score := t.Response.Confidence

	density := float64(len(t.Query.Entities)) / 5
	if density > 1 {
		density = 1
	}
	score += 0.5 * density

	// Topic centrality: a turn mentioning the conversation's dominant
	// entity matters more.
	dominant := MostProminentEntity(cc)
	for _, key := range t.Query.Entities {
		if key == dominant {
			score += 0.3
			break
		}
	}
	return score
}
