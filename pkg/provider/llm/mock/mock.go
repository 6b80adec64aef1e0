// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the conversation engine sends
// correct CompletionRequests and to feed controlled responses without a live
// LLM backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponses: []*llm.CompletionResponse{{Content: "Hello!"}},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// CountTokensCall records a single invocation of CountTokens.
type CountTokensCall struct {
	// Messages is the slice passed to CountTokens.
	Messages []llm.Message
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponses is consumed one element per Complete call, letting a test
	// script a multi-turn exchange (initial response, then follow-ups). When the
	// sequence is exhausted, the last element is repeated.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErrs is consulted per call index like CompleteResponses; a non-nil
	// entry is returned as the error for that call. Shorter slices mean nil
	// errors for later calls.
	CompleteErrs []error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls records every invocation of CountTokens in order.
	CountTokensCalls []CountTokensCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Complete records the call and returns the scripted response for this call index.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if idx < len(p.CompleteErrs) && p.CompleteErrs[idx] != nil {
		return nil, p.CompleteErrs[idx]
	}

	if len(p.CompleteResponses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	if idx >= len(p.CompleteResponses) {
		idx = len(p.CompleteResponses) - 1
	}
	resp := p.CompleteResponses[idx]
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *resp
	return &cp, nil
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{Messages: msgs})
	return p.TokenCount, p.CountTokensErr
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
