package phonetic_test

import (
	"testing"

	"github.com/MrWong99/ellie/internal/transcript/phonetic"
)

var vocabulary = []string{"Okafor", "Brightsmile Dental", "Tower Street Clinic"}

func TestMatcher_SingleWordMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	// "okafur" shares the Double Metaphone code AKFR with "Okafor".
	corrected, conf, matched := m.Match("okafur", vocabulary)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "okafur")
	}
	if corrected != "Okafor" {
		t.Errorf("Match(%q): corrected=%q, want %q", "okafur", corrected, "Okafor")
	}
	if conf < 0.8 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.8", "okafur", conf)
	}
}

func TestMatcher_MultiWordTermMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	tests := []struct {
		input string
		want  string
	}{
		{"bright smile dental", "Brightsmile Dental"},
		{"tower street clinic", "Tower Street Clinic"},
	}
	for _, tt := range tests {
		corrected, _, matched := m.Match(tt.input, vocabulary)
		if !matched {
			t.Errorf("Match(%q): matched=false, want true", tt.input)
			continue
		}
		if corrected != tt.want {
			t.Errorf("Match(%q): corrected=%q, want %q", tt.input, corrected, tt.want)
		}
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	for _, word := range []string{"hello", "appointment", "tomorrow", "the clinic"} {
		corrected, conf, matched := m.Match(word, vocabulary)
		if matched {
			t.Errorf("Match(%q): matched=true (%q), want false", word, corrected)
		}
		if corrected != word {
			t.Errorf("Match(%q): corrected=%q, want original", word, corrected)
		}
		if conf != 0 {
			t.Errorf("Match(%q): confidence=%f, want 0", word, conf)
		}
	}
}

func TestMatcher_CaseInsensitivity(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("OKAFOR", vocabulary)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "OKAFOR")
	}
	if corrected != "Okafor" {
		t.Errorf("Match(%q): corrected=%q, want canonical casing %q", "OKAFOR", corrected, "Okafor")
	}
	if conf < 0.99 {
		t.Errorf("Match(%q): confidence=%f, want ~1 for exact match", "OKAFOR", conf)
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, matched := m.Match("okafur", vocabulary); matched {
		t.Fatal("Match with threshold=0.99 should reject near-matches, got matched=true")
	}
}

func TestMatcher_MinLength(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if _, _, matched := m.Match("ng", []string{"Ng"}); matched {
		t.Error("inputs shorter than the minimum length should not match")
	}

	m = phonetic.New(phonetic.WithMinLength(2))
	if corrected, _, matched := m.Match("ng", []string{"Ng"}); !matched || corrected != "Ng" {
		t.Errorf("Match with min length 2 = (%q, %v), want (Ng, true)", corrected, matched)
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if corrected, conf, matched := m.Match("okafor", nil); matched || corrected != "okafor" || conf != 0 {
		t.Errorf("Match with nil vocabulary = (%q, %f, %v)", corrected, conf, matched)
	}
	if corrected, conf, matched := m.Match("", vocabulary); matched || corrected != "" || conf != 0 {
		t.Errorf("Match with empty word = (%q, %f, %v)", corrected, conf, matched)
	}
	if corrected, _, matched := m.MatchPrepared("okafor", nil); matched || corrected != "okafor" {
		t.Errorf("MatchPrepared with nil vocabulary = (%q, %v)", corrected, matched)
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	v := phonetic.Prepare([]string{"  Okafor ", "", "Tower Street Clinic", "   "})
	if v.Len() != 2 {
		t.Errorf("Len() = %d, want 2", v.Len())
	}
	if v.MaxWords() != 3 {
		t.Errorf("MaxWords() = %d, want 3", v.MaxWords())
	}

	corrected, _, matched := phonetic.New().MatchPrepared("okafor", v)
	if !matched || corrected != "Okafor" {
		t.Errorf("MatchPrepared = (%q, %v), want trimmed canonical term", corrected, matched)
	}
}
