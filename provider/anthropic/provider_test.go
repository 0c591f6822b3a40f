package anthropic

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/provider"
)

// mockMessages records requests and returns a scripted response.
type mockMessages struct {
	lastParams sdk.MessageNewParams
	response   *sdk.Message
	err        error
	calls      int
}

func (m *mockMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	m.calls++
	m.lastParams = body
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func textMessage(text string, in, out int64) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Model:      "claude-3-5-sonnet-20241022",
		StopReason: "end_turn",
		Usage:      sdk.Usage{InputTokens: in, OutputTokens: out},
	}
}

func newTestProvider(t *testing.T, mock *mockMessages, overrides map[string]interface{}) provider.Provider {
	t.Helper()
	config := map[string]interface{}{
		"model":               defaultModel,
		"max_tokens":          defaultMaxTokens,
		"temperature":         defaultTemperature,
		"requests_per_minute": 0,
	}
	for k, v := range overrides {
		config[k] = v
	}
	p, err := NewWithClient(mock, config, nil)
	if err != nil {
		t.Fatalf("NewWithClient failed: %v", err)
	}
	return p
}

func TestAnalyzeBuildsVisionMessage(t *testing.T) {
	mock := &mockMessages{response: textMessage("a ceramic capacitor, 100nF", 900, 40)}
	p := newTestProvider(t, mock, nil)

	img := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	resp, err := p.Analyze(context.Background(), &provider.Request{
		Prompt: "identify this component",
		Image:  img,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if resp.Content != "a ceramic capacitor, 100nF" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 940 {
		t.Errorf("tokens = %d, want 940", resp.TokensUsed)
	}
	if !strings.HasPrefix(resp.ID, TypeName+"-") {
		t.Errorf("id = %q, want %s-prefixed", resp.ID, TypeName)
	}
	if resp.Metadata["stop_reason"] != "end_turn" {
		t.Errorf("metadata stop_reason = %v", resp.Metadata["stop_reason"])
	}

	// The outbound message carries a text block and a base64 PNG block.
	if len(mock.lastParams.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(mock.lastParams.Messages))
	}
	if got := mock.lastParams.Messages[0].Content; len(got) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(got))
	}
	if mock.lastParams.MaxTokens != int64(defaultMaxTokens) {
		t.Errorf("max_tokens = %d, want %d", mock.lastParams.MaxTokens, defaultMaxTokens)
	}
}

func TestAnalyzeClampsMaxTokens(t *testing.T) {
	mock := &mockMessages{response: textMessage("ok", 1, 1)}
	p := newTestProvider(t, mock, nil)

	_, err := p.Analyze(context.Background(), &provider.Request{
		Prompt:    "p",
		MaxTokens: 100000,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if mock.lastParams.MaxTokens != int64(maxTokens) {
		t.Errorf("max_tokens = %d, want clamped to %d", mock.lastParams.MaxTokens, maxTokens)
	}
}

func TestAnalyzeRejectsOversizedImage(t *testing.T) {
	mock := &mockMessages{response: textMessage("ok", 1, 1)}
	p := newTestProvider(t, mock, nil)

	img := make([]byte, maxImageBytes+1)
	img[0], img[1] = 0xFF, 0xD8
	_, err := p.Analyze(context.Background(), &provider.Request{Prompt: "p", Image: img})
	if !errors.Is(err, core.ErrImageTooLarge) {
		t.Fatalf("error = %v, want ErrImageTooLarge", err)
	}
	if mock.calls != 0 {
		t.Error("SDK was called despite validation failure")
	}
}

func TestAnalyzeRejectsEmptyContent(t *testing.T) {
	mock := &mockMessages{response: &sdk.Message{
		Content: []sdk.ContentBlockUnion{},
		Usage:   sdk.Usage{InputTokens: 10},
	}}
	p := newTestProvider(t, mock, nil)

	_, err := p.Analyze(context.Background(), &provider.Request{Prompt: "p"})
	if core.KindOf(err) != core.KindAnalysis {
		t.Errorf("kind = %q, want analysis", core.KindOf(err))
	}
}

func TestNewWithClientRequiresClient(t *testing.T) {
	if _, err := NewWithClient(nil, nil, nil); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(map[string]interface{}{}, nil)
	if !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("error = %v, want ErrMissingConfiguration", err)
	}
}

func TestGetCostUsesInputOutputSplit(t *testing.T) {
	p := newTestProvider(t, &mockMessages{response: textMessage("ok", 1, 1)}, nil)

	cost := p.GetCost(10000)
	if cost.InputTokens != 7000 || cost.OutputTokens != 3000 {
		t.Errorf("split = %d/%d, want 7000/3000", cost.InputTokens, cost.OutputTokens)
	}
	wantInput := 7.0 * inputCostPer1K
	wantOutput := 3.0 * outputCostPer1K
	if math.Abs(cost.TotalUSD-(wantInput+wantOutput)) > 1e-9 {
		t.Errorf("total = %v, want %v", cost.TotalUSD, wantInput+wantOutput)
	}

	if got := p.GetCost(-5); got.TotalUSD != 0 {
		t.Errorf("negative tokens cost = %v, want 0", got.TotalUSD)
	}
}

func TestCapabilityDescriptor(t *testing.T) {
	cap := Type.Capability
	if !cap.SupportsVision {
		t.Error("claude must support vision")
	}
	if cap.MaxImageBytes != 5<<20 {
		t.Errorf("max image bytes = %d, want 5 MiB", cap.MaxImageBytes)
	}
	if !cap.SupportsFormat("webp") || cap.SupportsFormat("bmp") {
		t.Error("format list wrong")
	}
	if cap.MaxPromptLength != 200000 {
		t.Errorf("max prompt length = %d", cap.MaxPromptLength)
	}
	if cap.MaxTokens != 8192 {
		t.Errorf("max tokens = %d", cap.MaxTokens)
	}
}
