// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: &tts.Audio{Data: []byte("mp3"), MIMEType: "audio/mpeg"}}
//	audio, _ := p.Synthesize(ctx, tts.Request{Text: "Hi", Voice: tts.VoiceAlloy})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize. May be nil (returns nil, Err).
	Result *tts.Audio

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Hook, if set, runs before the result is returned.
	Hook func(ctx context.Context) error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Result, Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	hook, res, err := p.Hook, p.Result, p.Err
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	out := tts.Audio{Data: append([]byte(nil), res.Data...), MIMEType: res.MIMEType}
	return &out, nil
}

// Calls returns the number of recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Requests returns a copy of every recorded request. Thread-safe.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Req
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
