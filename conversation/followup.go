package conversation

import (
	"fmt"
	"strings"

	"github.com/voltlens/voltlens/core"
)

// Signal weights for the follow-up score. The clamped sum of triggered
// weights is the detection confidence.
const (
	weightPronoun      = 0.40
	weightTemporal     = 0.30
	weightImplicit     = 0.25
	weightSpatial      = 0.20
	weightIncomplete   = 0.30
	weightConfirmation = 0.35
)

var pronounSet = map[string]bool{
	"it": true, "its": true, "they": true, "them": true, "their": true,
	"this": true, "that": true, "these": true, "those": true, "one": true,
}

var temporalCues = map[string]bool{
	"now": true, "then": true, "previous": true, "previously": true,
	"before": true, "earlier": true, "again": true, "next": true, "last": true,
}

var implicitCues = map[string]bool{
	"also": true, "too": true, "additionally": true, "another": true,
	"else": true, "instead": true, "same": true, "other": true,
}

var spatialCues = map[string]bool{
	"here": true, "there": true, "above": true, "below": true, "near": true,
	"beside": true, "left": true, "right": true, "adjacent": true,
}

var spatialPhrases = []string{
	"next to", "on top of", "close to", "connected to", "attached to",
}

var confirmationPrefixes = []string{
	"is that", "is this", "was that", "are those", "so it", "so that",
}

// Reference is one detected backward reference in a query.
type Reference struct {
	Type           string  `json:"type"`
	Text           string  `json:"text"`
	SourceContext  string  `json:"sourceContext,omitempty"`
	Confidence     float64 `json:"confidence"`
	ResolvedEntity string  `json:"resolvedEntity,omitempty"`
}

// FollowUpResult is the detector output.
type FollowUpResult struct {
	OriginalQuery        string      `json:"originalQuery"`
	IsFollowUp           bool        `json:"isFollowUp"`
	DetectedReferences   []Reference `json:"detectedReferences,omitempty"`
	ContextualEnrichment string      `json:"contextualEnrichment,omitempty"`
	Confidence           float64     `json:"confidence"`
	Reasoning            string      `json:"reasoning"`
}

// FollowUpDetector classifies queries as follow-ups using rule-based
// signals over the recent turn window.
type FollowUpDetector struct {
	threshold float64
	lookback  int
	logger    core.Logger
}

// NewFollowUpDetector creates a detector with the configured threshold and
// lookback window.
func NewFollowUpDetector(cfg core.ContextConfig, logger core.Logger) *FollowUpDetector {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.FollowUpThreshold
	if threshold <= 0 {
		threshold = 0.4
	}
	lookback := cfg.MaxLookbackTurns
	if lookback <= 0 {
		lookback = 5
	}
	return &FollowUpDetector{threshold: threshold, lookback: lookback, logger: logger}
}

// Detect scores the query against the context's recent turns. recentTurns
// are most recent first; only the configured lookback window is consulted.
func (d *FollowUpDetector) Detect(query string, c *Context) FollowUpResult {
	result := FollowUpResult{OriginalQuery: query}
	if c == nil || len(c.ConversationThread) == 0 {
		result.Reasoning = "no prior turns"
		return result
	}

	recent := recentWindow(c, d.lookback)
	words := strings.Fields(strings.ToLower(query))
	var reasons []string
	score := 0.0

	// Pronoun references, each resolved against the most prominent entity
	// in the recent window.
	pronounHit := false
	for _, w := range words {
		token := strings.Trim(w, ".,;:!?\"'()")
		if !pronounSet[token] {
			continue
		}
		pronounHit = true
		ref := Reference{
			Type:       "pronoun",
			Text:       token,
			Confidence: weightPronoun,
		}
		if entity, source := resolveReferent(c, recent); entity != "" {
			ref.ResolvedEntity = entity
			ref.SourceContext = source
			ref.Confidence = 0.8
		}
		result.DetectedReferences = append(result.DetectedReferences, ref)
	}
	if pronounHit {
		score += weightPronoun
		reasons = append(reasons, "pronoun reference")
	}

	if hitAny(words, temporalCues) {
		score += weightTemporal
		reasons = append(reasons, "temporal cue")
		result.DetectedReferences = append(result.DetectedReferences, Reference{
			Type: "temporal", Text: firstHit(words, temporalCues), Confidence: weightTemporal,
		})
	}
	if hitAny(words, implicitCues) {
		score += weightImplicit
		reasons = append(reasons, "implicit reference")
		result.DetectedReferences = append(result.DetectedReferences, Reference{
			Type: "implicit", Text: firstHit(words, implicitCues), Confidence: weightImplicit,
		})
	}
	if spatial := spatialHit(query, words); spatial != "" {
		score += weightSpatial
		reasons = append(reasons, "spatial cue")
		result.DetectedReferences = append(result.DetectedReferences, Reference{
			Type: "spatial", Text: spatial, Confidence: weightSpatial,
		})
	}
	if isIncompleteShape(query, words) {
		score += weightIncomplete
		reasons = append(reasons, "incomplete question shape")
	}
	if isConfirmationShape(query) {
		score += weightConfirmation
		reasons = append(reasons, "confirmation shape")
	}

	// A pronoun that actually resolved to a known entity is stronger
	// evidence than the raw signal weight; its confidence floors the score.
	for _, ref := range result.DetectedReferences {
		if ref.ResolvedEntity != "" && ref.Confidence > score {
			score = ref.Confidence
		}
	}

	if score > 1 {
		score = 1
	}
	result.Confidence = score
	result.IsFollowUp = score >= d.threshold
	if len(reasons) == 0 {
		result.Reasoning = "no follow-up signals"
	} else {
		result.Reasoning = strings.Join(reasons, "; ")
	}
	if result.IsFollowUp {
		result.ContextualEnrichment = enrichmentHint(recent)
	}

	d.logger.Debug("Follow-up detection", map[string]interface{}{
		"operation":  "followup_detect",
		"confidence": result.Confidence,
		"follow_up":  result.IsFollowUp,
		"reasoning":  result.Reasoning,
	})
	return result
}

// recentWindow returns up to n most recent turns, most recent first.
func recentWindow(c *Context, n int) []Turn {
	thread := c.ConversationThread
	if n > len(thread) {
		n = len(thread)
	}
	out := make([]Turn, 0, n)
	for i := len(thread) - 1; i >= len(thread)-n; i-- {
		out = append(out, thread[i])
	}
	return out
}

// resolveReferent walks recent turns for their most prominent entity.
func resolveReferent(c *Context, recent []Turn) (entity, source string) {
	for _, turn := range recent {
		if len(turn.Query.Entities) > 0 {
			key := turn.Query.Entities[0]
			return key, fmt.Sprintf("turn %d: %s", turn.TurnNumber, turn.Query.Text)
		}
	}
	if key := MostProminentEntity(c.Cumulative); key != "" {
		return key, "cumulative context"
	}
	return "", ""
}

func hitAny(words []string, set map[string]bool) bool {
	return firstHit(words, set) != ""
}

func firstHit(words []string, set map[string]bool) string {
	for _, w := range words {
		token := strings.Trim(w, ".,;:!?\"'()")
		if set[token] {
			return token
		}
	}
	return ""
}

func spatialHit(query string, words []string) string {
	lower := strings.ToLower(query)
	for _, phrase := range spatialPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return firstHit(words, spatialCues)
}

// isIncompleteShape flags conjunction-led, bare, or very short queries.
func isIncompleteShape(query string, words []string) bool {
	trimmed := strings.TrimSpace(query)
	if trimmed == "?" {
		return true
	}
	if len(words) > 0 {
		switch words[0] {
		case "and", "or", "but":
			return true
		}
	}
	return len(words) < 3
}

func isConfirmationShape(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range confirmationPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return strings.HasSuffix(lower, "right?") || strings.HasSuffix(lower, "correct?")
}

// enrichmentHint names the most recent turn a follow-up likely refers to.
func enrichmentHint(recent []Turn) string {
	if len(recent) == 0 {
		return ""
	}
	return fmt.Sprintf("likely refers to turn %d (%s)", recent[0].TurnNumber, recent[0].Query.Text)
}
