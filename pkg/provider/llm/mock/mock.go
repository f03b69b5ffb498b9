// Package mock provides a scripted llm.Provider for tests.
//
//	p := &mock.Provider{Replies: []string{"For how many guests?", "Booked."}}
//	resp, _ := p.Complete(ctx, req) // "For how many guests?"
//	resp, _ = p.Complete(ctx, req)  // "Booked."
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/ellie/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a test double for llm.Provider. The zero value answers every
// request with a nil response and nil error.
type Provider struct {
	mu sync.Mutex

	// Replies are handed out in order, one per call, before CompleteResponse
	// takes over.
	Replies []string

	// CompleteResponse is returned once Replies are used up.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr fails every call when set.
	CompleteErr error

	// Hook runs before the result is returned; a non-nil error replaces it.
	Hook func(ctx context.Context) error

	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls holds every request in arrival order. Messages are
	// copied so later caller mutations do not show up here.
	CompleteCalls []CompleteCall

	served int
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	req.Messages = slices.Clone(req.Messages)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	hook, err := p.Hook, p.CompleteErr
	resp := p.CompleteResponse
	if err == nil && p.served < len(p.Replies) {
		resp = &llm.CompletionResponse{Content: p.Replies[p.served], FinishReason: "stop"}
		p.served++
	}
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls reports how many times Complete ran.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastRequest returns the most recent request, or false before the first call.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.CompleteCalls[len(p.CompleteCalls)-1].Req, true
}

// Reset forgets recorded calls and rewinds Replies.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.served = 0
}
