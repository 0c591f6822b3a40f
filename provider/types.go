// Package provider defines the provider abstraction mediating every outbound
// model call: capability descriptors, the canonical response record, the
// resilience runner shared by all vendors, and the registry/factory that
// instantiates providers from configuration.
package provider

import (
	"context"
	"strings"
	"time"
)

// Capability describes what a provider endpoint can accept.
type Capability struct {
	SupportsVision    bool
	SupportsStreaming bool

	// MaxImageBytes is the largest accepted image payload. Zero means no limit.
	MaxImageBytes int64

	// Formats lists accepted image formats by extension (lowercase, no dot).
	Formats []string

	// MaxPromptLength caps prompt characters. Zero means no limit.
	MaxPromptLength int

	// MinTokens and MaxTokens bound the max_tokens request parameter.
	MinTokens int
	MaxTokens int

	// MaxImagesPerCall caps images per request. Zero means one.
	MaxImagesPerCall int
}

// SupportsFormat reports whether the capability accepts the given image
// format (extension, case-insensitive).
func (c Capability) SupportsFormat(format string) bool {
	for _, f := range c.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// Request is one analysis request as seen by a provider instance.
type Request struct {
	// Prompt is the instruction text sent with the image.
	Prompt string

	// Image holds the raw image bytes. May be nil for text-only analysis.
	Image []byte

	// MaxTokens requested for the completion; clamped to capability bounds.
	MaxTokens int

	// Temperature for sampling. Nil uses the provider default.
	Temperature *float64

	// Timeout bounds this call. Zero uses the provider default.
	Timeout time.Duration

	// SessionID attributes the request for history and metrics.
	SessionID string
}

// Response is the canonical record every provider-native payload is reduced
// to before leaving the provider layer.
type Response struct {
	// ID is provider-prefixed and unique, e.g. "claude-3f9c...".
	ID string `json:"id"`

	// Content is the model's text output, capped at MaxContentLength.
	Content string `json:"content"`

	// Confidence is clamped to [0,1] and rounded to 3 decimal places.
	Confidence float64 `json:"confidence"`

	// TokensUsed is the total token consumption reported by the provider,
	// or an estimate when the provider omits usage.
	TokensUsed int `json:"tokensUsed"`

	// ResponseTimeMs is the wall-clock duration of the provider call.
	ResponseTimeMs int64 `json:"responseTimeMs"`

	// Model is the concrete model identifier that served the request.
	Model string `json:"model"`

	// Timestamp is when the response was normalized.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries provider-specific extras (stop reason, usage split).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Cost is a provider cost estimate in USD for a token count.
type Cost struct {
	TotalUSD     float64
	InputUSD     float64
	OutputUSD    float64
	InputTokens  int
	OutputTokens int
}

// HealthStatus reports provider health from a live probe plus history.
type HealthStatus struct {
	Healthy       bool
	Provider      string
	Model         string
	CircuitState  string
	LatencyMs     int64
	RecentErrRate float64
	CheckedAt     time.Time
	Detail        string
}

// Provider is the capability set every vendor adapter implements. Shared
// resilience logic lives in the Runner held by concrete providers, not in
// the interface.
type Provider interface {
	// Name returns the canonical provider name (e.g. "claude-3-5-sonnet").
	Name() string

	// Version returns the adapter version tag.
	Version() string

	// Capability returns the declared capability descriptor.
	Capability() Capability

	// Analyze runs one analysis request through the resilience runner and
	// returns the canonical response.
	Analyze(ctx context.Context, req *Request) (*Response, error)

	// HealthCheck probes the provider endpoint with a minimal request.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// GetCost estimates the USD cost of a request consuming the given
	// total token count, using the vendor's documented pricing split.
	GetCost(tokens int) Cost
}
