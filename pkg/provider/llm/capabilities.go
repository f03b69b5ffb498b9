package llm

import "strings"

// DefaultCapabilities is assumed for models missing from the known table.
var DefaultCapabilities = ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// known maps model name prefixes to their limits. More specific prefixes
// must precede shorter ones sharing the same stem.
var known = []struct {
	prefix string
	caps   ModelCapabilities
}{
	{"gpt-4o", ModelCapabilities{128_000, 16_384}},
	{"gpt-4.1", ModelCapabilities{1_047_576, 32_768}},
	{"gpt-4-turbo", ModelCapabilities{128_000, 4_096}},
	{"gpt-4", ModelCapabilities{8_192, 4_096}},
	{"gpt-3.5-turbo", ModelCapabilities{16_385, 4_096}},
	{"o1-mini", ModelCapabilities{128_000, 65_536}},
	{"o1", ModelCapabilities{200_000, 100_000}},
	{"o3", ModelCapabilities{200_000, 100_000}},
	{"claude", ModelCapabilities{200_000, 8_192}},
	{"gemini-1.5-pro", ModelCapabilities{2_097_152, 8_192}},
	{"gemini", ModelCapabilities{1_048_576, 8_192}},
	{"mistral-large", ModelCapabilities{131_072, 4_096}},
	{"deepseek", ModelCapabilities{65_536, 8_192}},
	{"llama3", ModelCapabilities{8_192, 2_048}},
}

// CapabilitiesFor looks up the limits of model by case-insensitive prefix.
func CapabilitiesFor(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, k := range known {
		if strings.HasPrefix(lower, k.prefix) {
			return k.caps
		}
	}
	return DefaultCapabilities
}

// EstimateTokens is a rough token count for text, at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// FitHistory drops the oldest messages until the estimated size of msgs is
// at most budget tokens. The final message is always kept. A non-positive
// budget disables trimming.
func FitHistory(msgs []Message, budget int) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	start := 0
	for total > budget && start < len(msgs)-1 {
		total -= EstimateTokens(msgs[start].Content)
		start++
	}
	return msgs[start:]
}

// ClampTokens limits a requested completion size to what the model can
// produce. Zero means "provider default" and is returned unchanged.
func ClampTokens(n int, caps ModelCapabilities) int {
	if c := caps.MaxOutputTokens; c > 0 && n > c {
		return c
	}
	return n
}
