package openai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/provider"
)

// mockChat records requests and returns a scripted response.
type mockChat struct {
	lastRequest gopenai.ChatCompletionRequest
	response    gopenai.ChatCompletionResponse
	err         error
	calls       int
}

func (m *mockChat) CreateChatCompletion(ctx context.Context, request gopenai.ChatCompletionRequest) (gopenai.ChatCompletionResponse, error) {
	m.calls++
	m.lastRequest = request
	if m.err != nil {
		return gopenai.ChatCompletionResponse{}, m.err
	}
	return m.response, nil
}

func chatResponse(content string, total int) gopenai.ChatCompletionResponse {
	return gopenai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []gopenai.ChatCompletionChoice{
			{Message: gopenai.ChatCompletionMessage{Content: content}, FinishReason: "stop"},
		},
		Usage: gopenai.Usage{TotalTokens: total, PromptTokens: total - 20, CompletionTokens: 20},
	}
}

func newTestProvider(t *testing.T, mock *mockChat) provider.Provider {
	t.Helper()
	p, err := NewWithClient(mock, map[string]interface{}{
		"model":               defaultModel,
		"max_tokens":          defaultMaxTokens,
		"requests_per_minute": 0,
	}, nil)
	if err != nil {
		t.Fatalf("NewWithClient failed: %v", err)
	}
	return p
}

func TestAnalyzeBuildsMultiContentMessage(t *testing.T) {
	mock := &mockChat{response: chatResponse("an inductor, likely 10mH", 150)}
	p := newTestProvider(t, mock)

	img := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}
	resp, err := p.Analyze(context.Background(), &provider.Request{
		Prompt: "identify this component",
		Image:  img,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if resp.Content != "an inductor, likely 10mH" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 150 {
		t.Errorf("tokens = %d, want 150", resp.TokensUsed)
	}
	if !strings.HasPrefix(resp.ID, TypeName+"-") {
		t.Errorf("id = %q, want %s-prefixed", resp.ID, TypeName)
	}

	msgs := mock.lastRequest.Messages
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	parts := msgs[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("content parts = %d, want 2", len(parts))
	}
	if parts[0].Type != gopenai.ChatMessagePartTypeText {
		t.Errorf("first part type = %q", parts[0].Type)
	}
	if parts[1].Type != gopenai.ChatMessagePartTypeImageURL {
		t.Errorf("second part type = %q", parts[1].Type)
	}
	if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image url = %q, want jpeg data url", parts[1].ImageURL.URL)
	}
}

func TestAnalyzeClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   core.ErrorKind
	}{
		{"auth", 401, core.KindConfiguration},
		{"rate limit", 429, core.KindRateLimit},
		{"server", 500, core.KindAnalysis},
		{"bad request", 400, core.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockChat{err: &gopenai.APIError{
				HTTPStatusCode: tt.status,
				Message:        "api error",
			}}
			p := newTestProvider(t, mock)

			_, err := p.Analyze(context.Background(), &provider.Request{Prompt: "p"})
			if core.KindOf(err) != tt.kind {
				t.Errorf("kind = %q, want %q", core.KindOf(err), tt.kind)
			}
		})
	}
}

func TestAnalyze429DefaultsRetryAfter(t *testing.T) {
	mock := &mockChat{err: &gopenai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	p := newTestProvider(t, mock)

	_, err := p.Analyze(context.Background(), &provider.Request{Prompt: "p"})
	if got := core.RetryAfterOf(err); got != 60*time.Second {
		t.Errorf("retry-after = %v, want default 60s", got)
	}
}

func TestAnalyzeRejectsEmptyPrompt(t *testing.T) {
	mock := &mockChat{response: chatResponse("ok", 10)}
	p := newTestProvider(t, mock)

	_, err := p.Analyze(context.Background(), &provider.Request{Prompt: ""})
	if !errors.Is(err, core.ErrEmptyPrompt) {
		t.Fatalf("error = %v, want ErrEmptyPrompt", err)
	}
	if mock.calls != 0 {
		t.Error("client called despite validation failure")
	}
}

func TestAnalyzeMaxTokensClamped(t *testing.T) {
	mock := &mockChat{response: chatResponse("ok", 10)}
	p := newTestProvider(t, mock)

	_, err := p.Analyze(context.Background(), &provider.Request{Prompt: "p", MaxTokens: 99999})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if mock.lastRequest.MaxTokens != maxTokens {
		t.Errorf("max_tokens = %d, want clamped to %d", mock.lastRequest.MaxTokens, maxTokens)
	}
}

func TestCapabilityDescriptor(t *testing.T) {
	cap := Type.Capability
	if !cap.SupportsVision {
		t.Error("openai must support vision")
	}
	if cap.MaxImageBytes != 20<<20 {
		t.Errorf("max image bytes = %d, want 20 MiB", cap.MaxImageBytes)
	}
	if !cap.SupportsFormat("jpg") || !cap.SupportsFormat("webp") {
		t.Error("format list wrong")
	}
	if cap.MaxTokens != 4096 {
		t.Errorf("max tokens = %d", cap.MaxTokens)
	}
	if cap.MaxImagesPerCall != 4 {
		t.Errorf("max images per call = %d, want 4", cap.MaxImagesPerCall)
	}
}

func TestGetCost(t *testing.T) {
	p := newTestProvider(t, &mockChat{response: chatResponse("ok", 10)})
	cost := p.GetCost(1000)
	if cost.InputTokens != 700 || cost.OutputTokens != 300 {
		t.Errorf("split = %d/%d, want 700/300", cost.InputTokens, cost.OutputTokens)
	}
	if cost.TotalUSD <= 0 {
		t.Errorf("total = %v, want positive", cost.TotalUSD)
	}
}
