// Package transcript corrects speech-to-text output towards a configured
// vocabulary so that business, staff and product names are spelled the same
// way in every turn.
//
// STT providers routinely mishear proper nouns ("okay for" for "Okafor").
// A [Corrector] runs right after transcription, before the text reaches the
// language model. The in-process [VocabularyCorrector] slides n-gram windows
// over the transcript and replaces windows that a [Matcher] aligns with a
// vocabulary term. Each [Correction] records what was replaced and why.
//
// Implementations of both interfaces must be safe for concurrent use.
package transcript

import (
	"context"

	"github.com/MrWong99/ellie/pkg/provider/stt"
)

// Correction captures a single substitution made by a [Corrector].
type Correction struct {
	// Original is the span as produced by the STT provider.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score in [0, 1].
	Confidence float64

	// Method names the stage that produced the substitution, e.g. "phonetic".
	Method string
}

// Corrected is the output of [Corrector.Correct].
type Corrected struct {
	// Text is the transcript with all substitutions applied.
	Text string

	// Corrections lists the substitutions in transcript order. Empty when
	// nothing changed.
	Corrections []Correction
}

// Corrector rewrites a transcript. Returning an error leaves the caller to
// continue with the uncorrected text.
type Corrector interface {
	Correct(ctx context.Context, t stt.Transcript) (*Corrected, error)
}

// Matcher resolves a word or phrase to a known vocabulary term.
//
// When matched is false, corrected must equal word unchanged and confidence
// must be 0.
type Matcher interface {
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}
