package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// ResolvedEntity is one query reference matched to a known entity.
type ResolvedEntity struct {
	Reference    string  `json:"reference"`
	Entity       string  `json:"entity"`
	Type         string  `json:"type"`
	Score        float64 `json:"score"`
	MentionTurns int     `json:"mentionTurns"`
}

// ValidationReport carries non-fatal rewrite validation findings.
type ValidationReport struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// StageTrace records one enhancement stage for debugging.
type StageTrace struct {
	Stage    string        `json:"stage"`
	Input    string        `json:"input,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Notes    []string      `json:"notes,omitempty"`
}

// EnhancedQuery is the enhancer output.
type EnhancedQuery struct {
	OriginalQuery    string           `json:"originalQuery"`
	EnhancedQuery    string           `json:"enhancedQuery"`
	FollowUp         FollowUpResult   `json:"followUp"`
	Sources          []ContextSource  `json:"sources,omitempty"`
	ResolvedEntities []ResolvedEntity `json:"resolvedEntities,omitempty"`
	Ambiguities      []string         `json:"ambiguities,omitempty"`
	Validation       ValidationReport `json:"validation"`
	Confidence       float64          `json:"confidence"`
	Trace            []StageTrace     `json:"trace,omitempty"`
}

// maxEnhancedLength caps the rewritten query.
const maxEnhancedLength = 2000

// Enhancer composes the follow-up detector and enricher into the full
// query enhancement pipeline: ambiguity detection, context retrieval,
// entity resolution, rewriting, validation, confidence scoring.
type Enhancer struct {
	detector   *FollowUpDetector
	enricher   *Enricher
	resolution float64
	relevance  float64
	debugTrace bool
	logger     core.Logger
}

// NewEnhancer wires the enhancement pipeline from configuration.
func NewEnhancer(cfg core.ContextConfig, logger core.Logger) *Enhancer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	resolution := cfg.EntityResolutionThreshold
	if resolution <= 0 {
		resolution = 0.6
	}
	relevance := cfg.RelevanceThreshold
	if relevance <= 0 {
		relevance = 0.3
	}
	return &Enhancer{
		detector:   NewFollowUpDetector(cfg, logger),
		enricher:   NewEnricher(cfg, logger),
		resolution: resolution,
		relevance:  relevance,
		debugTrace: cfg.DebugTrace,
		logger:     logger,
	}
}

// Enhance runs the full pipeline. A query with follow-up confidence below
// threshold is returned unchanged (fallback pass). The pipeline is
// deterministic: the same query and context always produce the same
// enhanced query and resolved-entity list.
func (e *Enhancer) Enhance(query string, c *Context) *EnhancedQuery {
	start := time.Now()
	out := &EnhancedQuery{
		OriginalQuery: query,
		EnhancedQuery: query,
		Validation:    ValidationReport{Passed: true},
	}
	trace := func(stage, input, output string, began time.Time, notes ...string) {
		if e.debugTrace {
			out.Trace = append(out.Trace, StageTrace{
				Stage: stage, Input: input, Output: output,
				Duration: time.Since(began), Notes: notes,
			})
		}
	}

	// Stage 1: ambiguity detection.
	s1 := time.Now()
	out.FollowUp = e.detector.Detect(query, c)
	out.Ambiguities = e.detectAmbiguities(query, c)
	trace("ambiguity_detection", query,
		fmt.Sprintf("followUp=%.2f ambiguities=%d", out.FollowUp.Confidence, len(out.Ambiguities)), s1)

	if !out.FollowUp.IsFollowUp && len(out.Ambiguities) == 0 {
		// Standalone query: fallback pass returns it unchanged.
		out.Confidence = e.confidence(out, 0)
		trace("fallback", query, query, start, "below follow-up threshold")
		return out
	}

	// Stage 2: context retrieval.
	s2 := time.Now()
	sources, rejected := e.enricher.TopSources(query, c)
	out.Sources = sources
	trace("context_retrieval", query,
		fmt.Sprintf("sources=%d rejected=%d", len(sources), len(rejected)), s2, rejected...)

	// Stage 3: entity resolution.
	s3 := time.Now()
	var attempts []string
	out.ResolvedEntities, attempts = e.resolveEntities(query, c, out.FollowUp)
	trace("entity_resolution", query,
		fmt.Sprintf("resolved=%d", len(out.ResolvedEntities)), s3, attempts...)

	// Stage 4: rewriting.
	s4 := time.Now()
	out.EnhancedQuery = e.rewrite(query, out.ResolvedEntities, sources)
	trace("rewriting", query, out.EnhancedQuery, s4)

	// Stage 5: validation (non-fatal).
	s5 := time.Now()
	out.Validation = e.validate(query, out.EnhancedQuery, sources)
	trace("validation", out.EnhancedQuery,
		fmt.Sprintf("passed=%v violations=%d", out.Validation.Passed, len(out.Validation.Violations)),
		s5, out.Validation.Violations...)

	// Stage 6: confidence.
	resolvedAmbiguities := len(out.ResolvedEntities)
	out.Confidence = e.confidence(out, resolvedAmbiguities)

	telemetry.Duration("conversation.enhance.duration_ms", start, "module", telemetry.ModuleConversation)
	telemetry.Counter("conversation.enhance.requests",
		"follow_up", fmt.Sprintf("%v", out.FollowUp.IsFollowUp), "module", telemetry.ModuleConversation)
	return out
}

// detectAmbiguities finds generic component words that match two or more
// known entities, plus unresolvable contextual dependencies.
func (e *Enhancer) detectAmbiguities(query string, c *Context) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		tok := CanonicalKey(word)
		typ, known := componentTerms[tok]
		if !known || typ != "component" {
			continue
		}
		// A category word is ambiguous when multiple designators of that
		// category are known.
		matches := 0
		for _, key := range c.Cumulative.EntityOrder {
			rec := c.Cumulative.ExtractedEntities[key]
			if rec == nil || len(rec.Mentions) == 0 {
				continue
			}
			if rec.Mentions[0].Type == "designator" && strings.HasPrefix(key, tok[:1]) {
				matches++
			}
		}
		if matches >= 2 {
			out = append(out, "ambiguous_entity: "+tok)
		}
	}
	return out
}

// resolveEntities matches pronoun references and candidate terms against
// the cumulative entity index.
func (e *Enhancer) resolveEntities(query string, c *Context, fu FollowUpResult) ([]ResolvedEntity, []string) {
	if c == nil {
		return nil, nil
	}
	var resolved []ResolvedEntity
	var attempts []string
	seen := make(map[string]bool)

	// Pronoun references already carry a referent from the detector.
	for _, ref := range fu.DetectedReferences {
		if ref.Type != "pronoun" || ref.ResolvedEntity == "" || seen[ref.Text] {
			continue
		}
		rec := c.Cumulative.ExtractedEntities[ref.ResolvedEntity]
		if rec == nil {
			attempts = append(attempts, ref.Text+": referent not in entity index")
			continue
		}
		score := e.entityScore(1.0, rec)
		attempts = append(attempts, fmt.Sprintf("%s -> %s (%.2f)", ref.Text, ref.ResolvedEntity, score))
		if score < e.resolution {
			continue
		}
		resolved = append(resolved, ResolvedEntity{
			Reference:    ref.Text,
			Entity:       ref.ResolvedEntity,
			Type:         entityType(rec),
			Score:        score,
			MentionTurns: rec.MentionCount,
		})
		seen[ref.Text] = true
	}

	// Partial term matches against known entity keys.
	for _, word := range strings.Fields(strings.ToLower(query)) {
		tok := CanonicalKey(word)
		if tok == "" || seen[tok] || pronounSet[tok] {
			continue
		}
		if _, exact := c.Cumulative.ExtractedEntities[tok]; exact {
			continue // already a known entity, nothing to resolve
		}
		for _, key := range c.Cumulative.EntityOrder {
			sim := tokenSimilarity(tok, key)
			if sim < 0.7 {
				continue
			}
			rec := c.Cumulative.ExtractedEntities[key]
			score := e.entityScore(sim, rec)
			attempts = append(attempts, fmt.Sprintf("%s -> %s (%.2f)", tok, key, score))
			if score >= e.resolution {
				resolved = append(resolved, ResolvedEntity{
					Reference:    tok,
					Entity:       key,
					Type:         entityType(rec),
					Score:        score,
					MentionTurns: rec.MentionCount,
				})
				seen[tok] = true
				break
			}
		}
	}
	return resolved, attempts
}

// entityScore combines text similarity, context corroboration (mention
// count) and mention confidence.
func (e *Enhancer) entityScore(similarity float64, rec *EntityRecord) float64 {
	corroboration := float64(rec.MentionCount)
	if corroboration > 3 {
		corroboration = 3
	}
	corroboration /= 3

	confidence := 0.0
	if len(rec.Mentions) > 0 {
		confidence = rec.Mentions[0].Confidence
	}
	score := 0.5*similarity + 0.25*corroboration + 0.25*confidence
	if score > 1 {
		score = 1
	}
	return score
}

func entityType(rec *EntityRecord) string {
	if len(rec.Mentions) > 0 {
		return rec.Mentions[0].Type
	}
	return ""
}

// tokenSimilarity is a prefix-based similarity in [0,1].
func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	common := 0
	for common < len(a) && common < len(b) && a[common] == b[common] {
		common++
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return float64(common) / float64(longer)
}

// rewrite substitutes resolved pronoun references in place and appends a
// compact bracketed context section.
func (e *Enhancer) rewrite(query string, resolved []ResolvedEntity, sources []ContextSource) string {
	rewritten := query
	for _, r := range resolved {
		if !pronounSet[r.Reference] {
			continue
		}
		replacement := "the " + r.Entity
		if r.Reference == "its" || r.Reference == "their" {
			replacement = "the " + r.Entity + "'s"
		}
		rewritten = replaceToken(rewritten, r.Reference, replacement)
	}

	var ctxParts []string
	limit := len(sources)
	if limit > 2 {
		limit = 2
	}
	for _, s := range sources[:limit] {
		ctxParts = append(ctxParts, s.Snippet)
	}
	for _, r := range resolved {
		ctxParts = append(ctxParts, fmt.Sprintf("%s=%s", r.Reference, r.Entity))
	}
	if len(ctxParts) > 0 {
		rewritten += " [context: " + strings.Join(ctxParts, "; ") + "]"
	}
	if len(rewritten) > maxEnhancedLength {
		rewritten = rewritten[:maxEnhancedLength]
	}
	return rewritten
}

// replaceToken replaces whole-word occurrences, case-insensitively.
func replaceToken(text, token, replacement string) string {
	words := strings.Fields(text)
	for i, w := range words {
		stripped := strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))
		if stripped == token {
			suffix := ""
			if trimmed := strings.TrimLeft(w, "\"'("); len(trimmed) > 0 {
				if tail := strings.TrimRight(trimmed, ".,;:!?\"')"); len(tail) < len(trimmed) {
					suffix = trimmed[len(tail):]
				}
			}
			words[i] = replacement + suffix
		}
	}
	return strings.Join(words, " ")
}

// validate enforces rewrite constraints; violations are reported, never
// fatal.
func (e *Enhancer) validate(original, enhanced string, sources []ContextSource) ValidationReport {
	report := ValidationReport{Passed: true}

	if len(enhanced) > maxEnhancedLength {
		report.Violations = append(report.Violations, "enhanced query exceeds max length")
	}

	// Intent preservation: at least 80% of original words survive.
	origWords := strings.Fields(strings.ToLower(original))
	enhancedSet := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(enhanced)) {
		enhancedSet[strings.Trim(w, ".,;:!?\"'()")] = true
	}
	retained := 0
	for _, w := range origWords {
		tok := strings.Trim(w, ".,;:!?\"'()")
		if enhancedSet[tok] || pronounSet[tok] {
			retained++
		}
	}
	if len(origWords) > 0 && float64(retained)/float64(len(origWords)) < 0.8 {
		report.Violations = append(report.Violations, "original intent retention below 80%")
	}

	for _, s := range sources {
		if s.Relevance < e.relevance {
			report.Violations = append(report.Violations, "source below relevance threshold: "+s.Turn.TurnID)
		}
	}

	report.Passed = len(report.Violations) == 0
	return report
}

// confidence is the weighted stage-quality sum.
func (e *Enhancer) confidence(out *EnhancedQuery, resolvedAmbiguities int) float64 {
	avgRelevance := 0.0
	if len(out.Sources) > 0 {
		for _, s := range out.Sources {
			avgRelevance += s.Relevance
		}
		avgRelevance /= float64(len(out.Sources))
	}

	avgEntity := 0.0
	if len(out.ResolvedEntities) > 0 {
		for _, r := range out.ResolvedEntities {
			avgEntity += r.Score
		}
		avgEntity /= float64(len(out.ResolvedEntities))
	}

	ambiguityRate := 1.0
	totalAmbiguous := len(out.Ambiguities) + pronounCount(out.FollowUp)
	if totalAmbiguous > 0 {
		rate := float64(resolvedAmbiguities) / float64(totalAmbiguous)
		if rate > 1 {
			rate = 1
		}
		ambiguityRate = rate
	}

	validationRate := 1.0
	if !out.Validation.Passed {
		validationRate = 0
	}

	c := 0.4*avgRelevance + 0.3*avgEntity + 0.2*ambiguityRate + 0.1*validationRate
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func pronounCount(fu FollowUpResult) int {
	n := 0
	for _, ref := range fu.DetectedReferences {
		if ref.Type == "pronoun" {
			n++
		}
	}
	return n
}
