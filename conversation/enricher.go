package conversation

import (
	"math"
	"sort"
	"strings"

	"github.com/voltlens/voltlens/core"
)

// ContextSource is one historical turn selected as relevant context.
type ContextSource struct {
	Turn          Turn    `json:"turn"`
	Relevance     float64 `json:"relevance"`
	Recency       float64 `json:"recency"`
	CombinedScore float64 `json:"combinedScore"`
	Snippet       string  `json:"snippet"`
}

// Enricher scores historical turns for relevance to a query and returns the
// top-k sources.
type Enricher struct {
	relevanceThreshold float64
	maxSources         int
	lookback           int
	logger             core.Logger
}

// NewEnricher creates an enricher from context configuration.
func NewEnricher(cfg core.ContextConfig, logger core.Logger) *Enricher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.RelevanceThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	maxSources := cfg.MaxContextSources
	if maxSources <= 0 {
		maxSources = 3
	}
	lookback := cfg.MaxLookbackTurns
	if lookback <= 0 {
		lookback = 5
	}
	return &Enricher{
		relevanceThreshold: threshold,
		maxSources:         maxSources,
		lookback:           lookback,
		logger:             logger,
	}
}

// TopSources scores the recent window by token-overlap relevance combined
// with recency decay and returns sources meeting the relevance threshold,
// best first. rejected collects below-threshold turns with reasons for the
// debug trace.
func (e *Enricher) TopSources(query string, c *Context) (sources []ContextSource, rejected []string) {
	if c == nil || len(c.ConversationThread) == 0 {
		return nil, nil
	}

	queryTokens := tokenSet(query)
	recent := recentWindow(c, e.lookback)

	for i, turn := range recent {
		relevance := overlapScore(queryTokens, turn)
		// Recency decays exponentially with distance from the newest turn.
		recency := math.Exp(-0.3 * float64(i))
		combined := 0.7*relevance + 0.3*recency

		if relevance < e.relevanceThreshold {
			rejected = append(rejected, turn.TurnID+": relevance below threshold")
			continue
		}
		sources = append(sources, ContextSource{
			Turn:          turn,
			Relevance:     relevance,
			Recency:       recency,
			CombinedScore: combined,
			Snippet:       snippet(turn),
		})
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].CombinedScore > sources[j].CombinedScore
	})
	if len(sources) > e.maxSources {
		for _, s := range sources[e.maxSources:] {
			rejected = append(rejected, s.Turn.TurnID+": over source cap")
		}
		sources = sources[:e.maxSources]
	}
	return sources, rejected
}

// overlapScore measures token overlap between the query and a turn's query
// plus response text, weighting entity matches double.
func overlapScore(queryTokens map[string]bool, turn Turn) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	turnTokens := tokenSet(turn.Query.Text + " " + turn.Response.Summary)
	matches := 0.0
	for tok := range queryTokens {
		if turnTokens[tok] {
			matches++
		}
	}
	for _, key := range turn.Query.Entities {
		if queryTokens[key] {
			matches++
		}
	}
	score := matches / float64(len(queryTokens))
	if score > 1 {
		score = 1
	}
	return score
}

var stopWords = map[string]bool{
	"what": true, "is": true, "the": true, "a": true, "an": true, "of": true,
	"to": true, "in": true, "on": true, "and": true, "or": true, "how": true,
	"does": true, "do": true, "this": true, "that": true, "it": true,
	"its": true, "with": true, "for": true, "are": true, "was": true,
}

func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		tok := strings.Trim(w, ".,;:!?\"'()")
		if tok == "" || stopWords[tok] {
			continue
		}
		out[CanonicalKey(tok)] = true
	}
	return out
}

func snippet(turn Turn) string {
	s := turn.Query.Text
	if turn.Response.Summary != "" {
		s += " -> " + turn.Response.Summary
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}
