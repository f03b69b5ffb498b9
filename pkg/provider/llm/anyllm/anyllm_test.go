package anyllm

import (
	"context"
	"errors"
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/ellie/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest", caps: llm.CapabilitiesFor("claude-3-5-haiku-latest")}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "You are Ellie, a clinic receptionist.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "I need to move my appointment."},
			{Role: llm.RoleAssistant, Content: "Which day suits you?", Name: "ellie"},
		},
		Temperature: 0.4,
		MaxTokens:   50_000,
	})
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("Messages[0].Role = %q, want system", params.Messages[0].Role)
	}
	if m := params.Messages[2]; m.ContentString() != "Which day suits you?" || m.Name != "ellie" {
		t.Errorf("Messages[2] = %+v", m)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 8_192 {
		t.Errorf("MaxTokens = %v, want clamp to 8192", params.MaxTokens)
	}
}

func TestParams_Defaults(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.params(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if len(params.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("Temperature = %v, MaxTokens = %v, want both nil", params.Temperature, params.MaxTokens)
	}
}

func TestVendors(t *testing.T) {
	got := Vendors()
	if !slices.IsSorted(got) {
		t.Errorf("Vendors() = %v, not sorted", got)
	}
	for _, v := range []string{"anthropic", "llamafile", "ollama", "openai"} {
		if !slices.Contains(got, v) {
			t.Errorf("Vendors() missing %q", v)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		vendor  string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{name: "empty vendor", vendor: "", model: "m", wantErr: true},
		{name: "empty model", vendor: "openai", model: "", wantErr: true},
		{name: "unsupported", vendor: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")}, wantErr: true},
		{name: "anthropic", vendor: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{name: "vendor is case insensitive", vendor: "Anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{name: "ollama without key", vendor: "ollama", model: "llama3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.vendor, tt.model, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
			if p.Capabilities().ContextWindow == 0 {
				t.Error("capabilities not resolved")
			}
		})
	}
}

func TestNew_OpenAIMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, llm.ErrNoMessages) {
		t.Errorf("err = %v, want ErrNoMessages", err)
	}
}
