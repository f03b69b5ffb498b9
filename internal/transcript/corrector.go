package transcript

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/MrWong99/ellie/internal/transcript/phonetic"
	"github.com/MrWong99/ellie/pkg/provider/stt"
)

// Option is a functional option for configuring a [VocabularyCorrector].
type Option func(*VocabularyCorrector)

// WithMatcher replaces the default [phonetic.Matcher].
func WithMatcher(m Matcher) Option {
	return func(c *VocabularyCorrector) {
		if m != nil {
			c.matcher = m
		}
	}
}

// WithLogger sets the logger used to report applied corrections.
func WithLogger(l *slog.Logger) Option {
	return func(c *VocabularyCorrector) {
		if l != nil {
			c.log = l
		}
	}
}

// vocabulary is swapped atomically so that a config reload never races with
// an in-flight Correct.
type vocabulary struct {
	terms    []string
	prepared *phonetic.Vocabulary
}

// VocabularyCorrector replaces transcript spans that sound like a configured
// vocabulary term with that term's canonical spelling.
type VocabularyCorrector struct {
	matcher Matcher
	log     *slog.Logger
	vocab   atomic.Pointer[vocabulary]
}

var _ Corrector = (*VocabularyCorrector)(nil)

// NewVocabularyCorrector returns a corrector for terms. An empty term list
// yields a corrector that returns its input unchanged.
func NewVocabularyCorrector(terms []string, opts ...Option) *VocabularyCorrector {
	c := &VocabularyCorrector{
		matcher: phonetic.New(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.SetVocabulary(terms)
	return c
}

// SetVocabulary atomically replaces the term list.
func (c *VocabularyCorrector) SetVocabulary(terms []string) {
	c.vocab.Store(&vocabulary{
		terms:    slices.Clone(terms),
		prepared: phonetic.Prepare(terms),
	})
}

// Vocabulary returns a copy of the current term list.
func (c *VocabularyCorrector) Vocabulary() []string {
	return slices.Clone(c.vocab.Load().terms)
}

// Correct walks the transcript left to right. At each position it tries
// windows from longest to shortest and accepts the first window the matcher
// aligns with a term, so multi-word terms take precedence over partial
// single-word matches.
// Punctuation around a window is preserved; windows never span interior
// punctuation.
func (c *VocabularyCorrector) Correct(ctx context.Context, t stt.Transcript) (*Corrected, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := c.vocab.Load()
	out := &Corrected{Text: t.Text}
	if v.prepared.Len() == 0 || strings.TrimSpace(t.Text) == "" {
		return out, nil
	}

	match := func(window string) (string, float64, bool) {
		return c.matcher.Match(window, v.terms)
	}
	if pm, ok := c.matcher.(*phonetic.Matcher); ok {
		match = func(window string) (string, float64, bool) {
			return pm.MatchPrepared(window, v.prepared)
		}
	}

	words := splitWords(t.Text)
	var result []string
	for i := 0; i < len(words); {
		n, corrected, conf := c.longestMatch(words[i:], v.prepared.MaxWords(), match)
		if n == 0 {
			result = append(result, words[i].raw)
			i++
			continue
		}

		original := joinCores(words[i : i+n])
		if corrected == original {
			for _, w := range words[i : i+n] {
				result = append(result, w.raw)
			}
		} else {
			result = append(result, words[i].prefix+corrected+words[i+n-1].suffix)
			out.Corrections = append(out.Corrections, Correction{
				Original:   original,
				Corrected:  corrected,
				Confidence: conf,
				Method:     "phonetic",
			})
		}
		i += n
	}

	if len(out.Corrections) > 0 {
		out.Text = strings.Join(result, " ")
		c.log.Debug("transcript corrected",
			"corrections", len(out.Corrections),
			"before", t.Text,
			"after", out.Text,
		)
	}
	return out, nil
}

// longestMatch returns the word count of the longest matching window at the
// start of words, or 0 when nothing matches. Windows may be one word longer
// than the longest term so that split mishearings ("okay for") still match a
// single-word term. A window is rejected when dropping its first or last word
// matches the same term at least as well; the dropped word was not part of
// the name.
func (c *VocabularyCorrector) longestMatch(words []word, maxWords int, match func(string) (string, float64, bool)) (int, string, float64) {
	maxN := min(maxWords+1, len(words))
	for n := maxN; n >= 1; n-- {
		if !contiguous(words[:n]) {
			continue
		}
		corrected, conf, ok := match(joinCores(words[:n]))
		if !ok {
			continue
		}
		if n > 1 && (dominated(words[1:n], corrected, conf, match) || dominated(words[:n-1], corrected, conf, match)) {
			continue
		}
		return n, corrected, conf
	}
	return 0, "", 0
}

// dominated reports whether words match term with at least conf.
func dominated(words []word, term string, conf float64, match func(string) (string, float64, bool)) bool {
	corrected, c, ok := match(joinCores(words))
	return ok && corrected == term && c >= conf
}

// word is one whitespace-separated token split into its letters and the
// punctuation that surrounds them.
type word struct {
	raw    string
	prefix string
	core   string
	suffix string
}

func splitWords(text string) []word {
	fields := strings.Fields(text)
	words := make([]word, len(fields))
	for i, f := range fields {
		core := strings.TrimFunc(f, isEdgePunct)
		start := strings.Index(f, core)
		if core == "" {
			start = len(f)
		}
		suffix := f[start+len(core):]
		// Keep possessives attached to the corrected name.
		for _, poss := range []string{"'s", "’s"} {
			if base, ok := strings.CutSuffix(core, poss); ok && base != "" {
				core, suffix = base, poss+suffix
				break
			}
		}
		words[i] = word{
			raw:    f,
			prefix: f[:start],
			core:   core,
			suffix: suffix,
		}
	}
	return words
}

// contiguous reports whether words can form one window: every word has
// letters and no punctuation separates neighbours.
func contiguous(words []word) bool {
	for i, w := range words {
		if w.core == "" {
			return false
		}
		if i > 0 && w.prefix != "" {
			return false
		}
		if i < len(words)-1 && w.suffix != "" {
			return false
		}
	}
	return true
}

func joinCores(words []word) string {
	cores := make([]string, len(words))
	for i, w := range words {
		cores[i] = w.core
	}
	return strings.Join(cores, " ")
}

func isEdgePunct(r rune) bool {
	return (unicode.IsPunct(r) && r != '\'' && r != '-') || unicode.IsSymbol(r)
}
