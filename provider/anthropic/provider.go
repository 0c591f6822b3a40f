// Package anthropic implements the Claude vision provider. It translates
// analysis requests into Messages API calls via
// github.com/anthropics/anthropic-sdk-go and reduces responses to the
// canonical record at the provider boundary.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/provider"
)

// TypeName is the registered provider type identifier.
const TypeName = "claude"

const (
	defaultModel       = "claude-3-5-sonnet-20241022"
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2

	maxImageBytes   = 5 << 20 // 5 MiB per the Messages API vision limits
	maxPromptLength = 200000
	minTokens       = 1
	maxTokens       = 8192

	// Claude 3.5 Sonnet pricing per 1K tokens (USD).
	inputCostPer1K  = 0.003
	outputCostPer1K = 0.015

	// Cost estimation assumes a 70/30 input/output token mix for vision
	// analysis workloads.
	inputShare  = 0.7
	outputShare = 0.3
)

// MessagesClient is the subset of the Anthropic SDK client the adapter uses.
// It is satisfied by *sdk.MessageService so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Type is the registerable provider type descriptor for Claude.
var Type = provider.Type{
	Name:           TypeName,
	Description:    "Anthropic Claude vision models via the Messages API",
	RequiredConfig: []string{"api_key"},
	Defaults: map[string]interface{}{
		"model":               defaultModel,
		"max_tokens":          defaultMaxTokens,
		"temperature":         defaultTemperature,
		"requests_per_minute": 50,
		"failure_threshold":   5,
		"recovery_time_ms":    30000,
	},
	Capability: capability(),
	New:        New,
}

func capability() provider.Capability {
	return provider.Capability{
		SupportsVision:  true,
		MaxImageBytes:   maxImageBytes,
		Formats:         []string{"jpeg", "png", "gif", "webp"},
		MaxPromptLength: maxPromptLength,
		MinTokens:       minTokens,
		MaxTokens:       maxTokens,
	}
}

// Provider is a Claude-backed provider instance. Instances are created once
// and shared; the embedded runner serializes its own mutable state.
type Provider struct {
	client      MessagesClient
	runner      *provider.Runner
	model       string
	maxTokens   int
	temperature float64
	logger      core.Logger
}

// New constructs a Claude provider from a defaults-merged parameter map.
func New(config map[string]interface{}, logger core.Logger) (provider.Provider, error) {
	apiKey := provider.StringParam(config, "api_key", "")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", core.ErrMissingConfiguration)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := provider.StringParam(config, "base_url", ""); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)

	return NewWithClient(&ac.Messages, config, logger)
}

// NewWithClient constructs a provider around an existing Messages client.
// Used directly by tests.
func NewWithClient(client MessagesClient, config map[string]interface{}, logger core.Logger) (provider.Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: messages client is required", core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	model := provider.StringParam(config, "model", defaultModel)
	mt := provider.IntParam(config, "max_tokens", defaultMaxTokens)
	if mt < minTokens {
		mt = minTokens
	}
	if mt > maxTokens {
		mt = maxTokens
	}

	runner, err := provider.NewRunner(provider.RunnerConfig{
		Name:              model,
		Type:              TypeName,
		Capability:        capability(),
		RequestsPerMinute: provider.IntParam(config, "requests_per_minute", 50),
		TokensPerDay:      provider.Int64Param(config, "tokens_per_day", 0),
		FailureThreshold:  provider.IntParam(config, "failure_threshold", 5),
		RecoveryTime:      time.Duration(provider.IntParam(config, "recovery_time_ms", 30000)) * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:      client,
		runner:      runner,
		model:       model,
		maxTokens:   mt,
		temperature: provider.FloatParam(config, "temperature", defaultTemperature),
		logger:      logger,
	}, nil
}

// Name returns the canonical provider name.
func (p *Provider) Name() string { return p.model }

// Version returns the adapter version tag.
func (p *Provider) Version() string { return "1.0" }

// Capability returns the declared capability descriptor.
func (p *Provider) Capability() provider.Capability { return p.runner.Capability() }

// Runner exposes the resilience runner for health checks and tests.
func (p *Provider) Runner() *provider.Runner { return p.runner }

// Analyze runs one vision analysis request through the resilience runner.
func (p *Provider) Analyze(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return p.runner.Run(ctx, req, func(ctx context.Context) (*provider.Response, error) {
		return p.call(ctx, req)
	})
}

func (p *Provider) call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	blocks := []sdk.ContentBlockParamUnion{sdk.NewTextBlock(req.Prompt)}
	if len(req.Image) > 0 {
		mediaType := provider.DetectMediaType(req.Image)
		blocks = append(blocks, sdk.NewImageBlockBase64(
			mediaType, base64.StdEncoding.EncodeToString(req.Image)))
	}

	mt := req.MaxTokens
	if mt <= 0 {
		mt = p.maxTokens
	}
	if mt > maxTokens {
		mt = maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(mt),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	temp := p.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	msg, err := p.client.New(ctx, params)
	if err != nil {
		return nil, classify(p.model, err)
	}
	return translate(msg)
}

// translate reduces an SDK message to the parser-level canonical response.
func translate(msg *sdk.Message) (*provider.Response, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: empty response message", core.ErrAnalysisFailed)
	}
	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, fmt.Errorf("%w: response contains no text content", core.ErrAnalysisFailed)
	}

	resp := &provider.Response{
		Content:    content,
		Confidence: provider.DefaultConfidence,
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:      string(msg.Model),
		Metadata: map[string]interface{}{
			"stop_reason":   string(msg.StopReason),
			"input_tokens":  int(msg.Usage.InputTokens),
			"output_tokens": int(msg.Usage.OutputTokens),
		},
	}
	return resp, nil
}

// classify maps SDK errors to the typed provider error taxonomy.
func classify(name string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		var retryAfter time.Duration
		if apierr.Response != nil {
			if s := apierr.Response.Header.Get("retry-after"); s != "" {
				if secs, perr := strconv.Atoi(s); perr == nil {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return provider.ClassifyHTTP(name, "claude.Analyze", apierr.StatusCode, retryAfter, err)
	}
	return err
}

// HealthCheck probes the endpoint with a minimal text-only request.
func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	status := p.runner.Health()
	status.Model = p.model
	status.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		status.Healthy = false
		status.Detail = err.Error()
		return &status, classify(p.model, err)
	}
	return &status, nil
}

// GetCost estimates USD cost for a total token count using the 70/30
// input/output mix.
func (p *Provider) GetCost(tokens int) provider.Cost {
	if tokens < 0 {
		tokens = 0
	}
	inputTokens := int(float64(tokens) * inputShare)
	outputTokens := tokens - inputTokens
	inputUSD := float64(inputTokens) / 1000 * inputCostPer1K
	outputUSD := float64(outputTokens) / 1000 * outputCostPer1K
	return provider.Cost{
		TotalUSD:     inputUSD + outputUSD,
		InputUSD:     inputUSD,
		OutputUSD:    outputUSD,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}
