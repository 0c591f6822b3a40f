// Package openai implements the GPT-4 vision provider backed by
// github.com/sashabaranov/go-openai. Images are inlined as base64 data URLs
// in the chat.completions multi-part message format.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/provider"
)

// TypeName is the registered provider type identifier.
const TypeName = "openai"

const (
	defaultModel       = "gpt-4o"
	defaultMaxTokens   = 2048
	defaultTemperature = 0.2

	maxImageBytes = 20 << 20 // 20 MiB per the vision API limits
	minTokens     = 1
	maxTokens     = 4096
	maxImages     = 4

	// GPT-4o pricing per 1K tokens (USD).
	inputCostPer1K  = 0.0025
	outputCostPer1K = 0.01

	inputShare  = 0.7
	outputShare = 0.3
)

// ChatClient is the subset of the go-openai client the adapter uses.
// Satisfied by *gopenai.Client; tests pass a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request gopenai.ChatCompletionRequest) (gopenai.ChatCompletionResponse, error)
}

// Type is the registerable provider type descriptor for OpenAI.
var Type = provider.Type{
	Name:           TypeName,
	Description:    "OpenAI GPT-4 vision models via chat.completions",
	RequiredConfig: []string{"api_key"},
	Defaults: map[string]interface{}{
		"model":               defaultModel,
		"max_tokens":          defaultMaxTokens,
		"temperature":         defaultTemperature,
		"requests_per_minute": 60,
		"failure_threshold":   5,
		"recovery_time_ms":    30000,
	},
	Capability: capability(),
	New:        New,
}

func capability() provider.Capability {
	return provider.Capability{
		SupportsVision:   true,
		MaxImageBytes:    maxImageBytes,
		Formats:          []string{"jpg", "jpeg", "png", "gif", "webp"},
		MinTokens:        minTokens,
		MaxTokens:        maxTokens,
		MaxImagesPerCall: maxImages,
	}
}

// Provider is an OpenAI-backed provider instance.
type Provider struct {
	client      ChatClient
	runner      *provider.Runner
	model       string
	maxTokens   int
	temperature float64
	logger      core.Logger
}

// New constructs an OpenAI provider from a defaults-merged parameter map.
func New(config map[string]interface{}, logger core.Logger) (provider.Provider, error) {
	apiKey := provider.StringParam(config, "api_key", "")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", core.ErrMissingConfiguration)
	}

	var client *gopenai.Client
	if baseURL := provider.StringParam(config, "base_url", ""); baseURL != "" {
		cfg := gopenai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		client = gopenai.NewClientWithConfig(cfg)
	} else {
		client = gopenai.NewClient(apiKey)
	}

	return NewWithClient(client, config, logger)
}

// NewWithClient constructs a provider around an existing chat client.
// Used directly by tests.
func NewWithClient(client ChatClient, config map[string]interface{}, logger core.Logger) (provider.Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: chat client is required", core.ErrInvalidConfiguration)
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
		RequestsPerMinute: provider.IntParam(config, "requests_per_minute", 60),
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
	parts := []gopenai.ChatMessagePart{
		{Type: gopenai.ChatMessagePartTypeText, Text: req.Prompt},
	}
	if len(req.Image) > 0 {
		mediaType := provider.DetectMediaType(req.Image)
		dataURL := fmt.Sprintf("data:%s;base64,%s",
			mediaType, base64.StdEncoding.EncodeToString(req.Image))
		parts = append(parts, gopenai.ChatMessagePart{
			Type: gopenai.ChatMessagePartTypeImageURL,
			ImageURL: &gopenai.ChatMessageImageURL{
				URL:    dataURL,
				Detail: gopenai.ImageURLDetailAuto,
			},
		})
	}

	mt := req.MaxTokens
	if mt <= 0 {
		mt = p.maxTokens
	}
	if mt > maxTokens {
		mt = maxTokens
	}
	temp := p.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	request := gopenai.ChatCompletionRequest{
		Model: p.model,
		Messages: []gopenai.ChatCompletionMessage{
			{Role: gopenai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens:   mt,
		Temperature: float32(temp),
	}

	resp, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, classify(p.model, err)
	}
	return translate(resp)
}

// translate reduces a chat completion to the parser-level canonical response.
func translate(resp gopenai.ChatCompletionResponse) (*provider.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contains no choices", core.ErrAnalysisFailed)
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return nil, fmt.Errorf("%w: response contains no text content", core.ErrAnalysisFailed)
	}
	return &provider.Response{
		Content:    content,
		Confidence: provider.DefaultConfidence,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      resp.Model,
		Metadata: map[string]interface{}{
			"finish_reason":     string(resp.Choices[0].FinishReason),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

// classify maps go-openai errors to the typed provider error taxonomy.
func classify(name string, err error) error {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return provider.ClassifyHTTP(name, "openai.Analyze", apiErr.HTTPStatusCode, 0, err)
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		return provider.ClassifyHTTP(name, "openai.Analyze", reqErr.HTTPStatusCode, 0, err)
	}
	return err
}

// HealthCheck probes the endpoint with a minimal text-only request.
func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.CreateChatCompletion(ctx, gopenai.ChatCompletionRequest{
		Model: p.model,
		Messages: []gopenai.ChatCompletionMessage{
			{Role: gopenai.ChatMessageRoleUser, Content: "ping"},
		},
		MaxTokens: 1,
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
