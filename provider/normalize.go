package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltlens/voltlens/core"
)

// MaxContentLength caps canonical response content; longer content is
// truncated with TruncationMarker appended.
const MaxContentLength = 50000

// TruncationMarker is appended when content is cut at MaxContentLength.
const TruncationMarker = "... [truncated]"

// DefaultConfidence is assigned when a payload carries neither an explicit
// confidence field nor log-probabilities to derive one from.
const DefaultConfidence = 0.8

// Parser converts one provider-native payload into the canonical response.
// Parsers fill Content, TokensUsed, Confidence and Metadata; the normalizer
// owns ID, clamping, truncation and timestamps.
type Parser func(raw []byte, model string) (*Response, error)

// Normalizer dispatches provider-native payloads to per-type parsers and
// enforces the canonical response invariants. Unknown types fall back to the
// OpenAI chat-completions shape.
type Normalizer struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	logger  core.Logger
}

// NewNormalizer creates a normalizer with the OpenAI-shape fallback parser
// pre-registered under type "openai".
func NewNormalizer(logger core.Logger) *Normalizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	n := &Normalizer{
		parsers: make(map[string]Parser),
		logger:  logger,
	}
	n.parsers["openai"] = parseOpenAIShape
	return n
}

// RegisterParser installs a parser for a provider type, replacing any prior
// registration for that type.
func (n *Normalizer) RegisterParser(providerType string, p Parser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.parsers[providerType] = p
}

// Normalize reduces raw provider output to the canonical response record.
func (n *Normalizer) Normalize(providerType, model string, raw []byte, elapsed time.Duration) (*Response, error) {
	n.mu.RLock()
	p, ok := n.parsers[providerType]
	n.mu.RUnlock()
	if !ok {
		n.logger.Debug("No parser registered for type, using OpenAI-shape fallback", map[string]interface{}{
			"operation":     "normalize_fallback",
			"provider_type": providerType,
		})
		p = parseOpenAIShape
	}

	resp, err := p(raw, model)
	if err != nil {
		return nil, &core.ProviderError{
			Provider: providerType,
			Op:       "normalizer.Normalize",
			Kind:     core.KindAnalysis,
			Err:      fmt.Errorf("parse response: %w", err),
		}
	}
	return Finalize(providerType, model, resp, elapsed), nil
}

// Finalize applies the canonical invariants to a parser-produced response:
// provider-prefixed ID, confidence clamp and 3-decimal rounding, content
// truncation, token estimation, and timestamps.
func Finalize(providerType, model string, resp *Response, elapsed time.Duration) *Response {
	resp.ID = fmt.Sprintf("%s-%s", providerType, uuid.NewString())
	resp.Confidence = ClampConfidence(resp.Confidence)
	if len(resp.Content) > MaxContentLength {
		resp.Content = resp.Content[:MaxContentLength] + TruncationMarker
	}
	if resp.TokensUsed <= 0 {
		resp.TokensUsed = EstimateTokens(resp.Content)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	resp.ResponseTimeMs = elapsed.Milliseconds()
	resp.Timestamp = time.Now()
	return resp
}

// ClampConfidence clamps to [0,1] and rounds to 3 decimal places.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return math.Round(c*1000) / 1000
}

// EstimateTokens approximates token usage as ceil(len/4) when the provider
// does not report usage.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}

// openAIShape mirrors the chat.completions response fields the fallback
// parser reads.
type openAIShape struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func parseOpenAIShape(raw []byte, model string) (*Response, error) {
	var body openAIShape
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode openai-shape payload: %w", err)
	}
	if len(body.Choices) == 0 {
		return nil, fmt.Errorf("payload has no choices")
	}

	resp := &Response{
		Content:    body.Choices[0].Message.Content,
		TokensUsed: body.Usage.TotalTokens,
		Confidence: DefaultConfidence,
		Model:      body.Model,
		Metadata: map[string]interface{}{
			"finish_reason": body.Choices[0].FinishReason,
		},
	}
	if body.Usage.PromptTokens > 0 || body.Usage.CompletionTokens > 0 {
		resp.Metadata["prompt_tokens"] = body.Usage.PromptTokens
		resp.Metadata["completion_tokens"] = body.Usage.CompletionTokens
	}
	if model != "" {
		resp.Model = model
	}
	return resp, nil
}
