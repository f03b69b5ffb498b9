package llm

import (
	"strings"
	"testing"
)

func TestCapabilitiesFor(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
		maxOutput     int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4-turbo-preview", 128_000, 4_096},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"o3-mini", 200_000, 100_000},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"gemini-1.5-pro-002", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"my-custom-model", DefaultCapabilities.ContextWindow, DefaultCapabilities.MaxOutputTokens},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := CapabilitiesFor(tt.model)
			if caps.ContextWindow != tt.contextWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.contextWindow)
			}
			if caps.MaxOutputTokens != tt.maxOutput {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.maxOutput)
			}
		})
	}
}

func TestFitHistory(t *testing.T) {
	// 40 bytes each, 10 estimated tokens.
	line := strings.Repeat("x", 40)
	msgs := []Message{
		{Role: RoleUser, Content: line},
		{Role: RoleAssistant, Content: line},
		{Role: RoleUser, Content: line},
		{Role: RoleAssistant, Content: line},
	}

	tests := []struct {
		name   string
		msgs   []Message
		budget int
		want   int
	}{
		{"fits", msgs, 40, 4},
		{"drops oldest", msgs, 25, 2},
		{"keeps last even when over", msgs, 1, 1},
		{"disabled", msgs, 0, 4},
		{"empty", nil, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FitHistory(tt.msgs, tt.budget)
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			if tt.want > 0 && got[len(got)-1] != tt.msgs[len(tt.msgs)-1] {
				t.Error("last message not preserved")
			}
		})
	}
}

func TestClampTokens(t *testing.T) {
	caps := ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 1_000}
	tests := []struct {
		n    int
		caps ModelCapabilities
		want int
	}{
		{0, caps, 0},
		{300, caps, 300},
		{5_000, caps, 1_000},
		{5_000, ModelCapabilities{}, 5_000},
	}
	for _, tt := range tests {
		if got := ClampTokens(tt.n, tt.caps); got != tt.want {
			t.Errorf("ClampTokens(%d, %+v) = %d, want %d", tt.n, tt.caps, got, tt.want)
		}
	}
}
