// Package mock provides in-memory test doubles for the [mcp.Session] and
// [mcp.Connector] interfaces.
//
// [Connector] tracks session acquisition and release so that tests can assert
// the scoped-session contract: [Connector.OpenSessions] must return to zero
// after every query regardless of how the query terminated.
//
// Typical usage:
//
//	s := &mock.Session{}
//	s.ListToolsResult = []llm.ToolDefinition{{Name: "book_flight"}}
//	s.CallToolResult = &mcp.ToolResult{Content: "confirmed #123"}
//
//	c := &mock.Connector{Session: s}
//
//	// inject c into the system under test …
//
//	if got := c.OpenSessions(); got != 0 {
//	    t.Errorf("expected all sessions released, %d still open", got)
//	}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/toolbridge/internal/mcp"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Session is a configurable test double for [mcp.Session].
// All exported *Err fields default to nil (success).
type Session struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// ──── ListTools ────────────────────────────────────────────────────────

	// ListToolsResult is returned by [Session.ListTools].
	// When nil, ListTools returns an empty non-nil slice.
	ListToolsResult []llm.ToolDefinition

	// ListToolsErr is returned by [Session.ListTools] when non-nil.
	ListToolsErr error

	// ──── CallTool ─────────────────────────────────────────────────────────

	// CallToolResult is returned by [Session.CallTool] when CallToolErr is nil
	// and CallToolFn is nil. When nil, a zero-value *ToolResult is returned.
	CallToolResult *mcp.ToolResult

	// CallToolErr is returned by [Session.CallTool] when non-nil.
	CallToolErr error

	// CallToolFn, when non-nil, overrides CallToolResult/CallToolErr and
	// computes the response per call. Useful for per-tool behaviour.
	CallToolFn func(name, args string) (*mcp.ToolResult, error)
}

// Calls returns a copy of all recorded method invocations.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (s *Session) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ToolCalls returns the tool names passed to CallTool, in invocation order.
func (s *Session) ToolCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, c := range s.calls {
		if c.Method == "CallTool" && len(c.Args) > 0 {
			if name, ok := c.Args[0].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// ListTools implements [mcp.Session].
func (s *Session) ListTools(_ context.Context) ([]llm.ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "ListTools"})
	if s.ListToolsErr != nil {
		return nil, s.ListToolsErr
	}
	if s.ListToolsResult == nil {
		return []llm.ToolDefinition{}, nil
	}
	out := make([]llm.ToolDefinition, len(s.ListToolsResult))
	copy(out, s.ListToolsResult)
	return out, nil
}

// CallTool implements [mcp.Session].
func (s *Session) CallTool(_ context.Context, name string, args string) (*mcp.ToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: "CallTool", Args: []any{name, args}})
	fn := s.CallToolFn
	res, err := s.CallToolResult, s.CallToolErr
	s.mu.Unlock()

	if fn != nil {
		return fn(name, args)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &mcp.ToolResult{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *res
	return &cp, nil
}

// Ensure Session satisfies the interface at compile time.
var _ mcp.Session = (*Session)(nil)

// Connector is a configurable test double for [mcp.Connector]. It hands the
// configured [Session] to WithSession callbacks and counts session
// acquisitions and releases.
type Connector struct {
	mu sync.Mutex

	// Session is handed to every WithSession op. When nil, a zero-value
	// Session is used.
	Session *Session

	// ConnectErr, when non-nil, is returned by Probe and WithSession without
	// invoking the op — simulating session establishment failure.
	ConnectErr error

	// ProbeErr, when non-nil, is returned by Probe (takes precedence over
	// ConnectErr for probe calls).
	ProbeErr error

	// CloseErr, when non-nil, is joined onto the op outcome by WithSession —
	// simulating a session release failure.
	CloseErr error

	probeCalls   int
	sessionCalls int
	acquired     int
	released     int
}

// ProbeCalls returns how many times Probe was invoked.
func (c *Connector) ProbeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeCalls
}

// SessionCalls returns how many times WithSession was invoked.
func (c *Connector) SessionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCalls
}

// OpenSessions returns acquired minus released sessions. Zero means every
// session handed out was released.
func (c *Connector) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired - c.released
}

// Acquired returns the total number of sessions handed out.
func (c *Connector) Acquired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// Probe implements [mcp.Connector].
func (c *Connector) Probe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeCalls++
	if c.ProbeErr != nil {
		return c.ProbeErr
	}
	return c.ConnectErr
}

// WithSession implements [mcp.Connector]. The release counter is incremented
// on every exit path, including panics inside op.
func (c *Connector) WithSession(_ context.Context, op func(mcp.Session) error) error {
	c.mu.Lock()
	c.sessionCalls++
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return err
	}
	c.acquired++
	sess := c.Session
	if sess == nil {
		sess = &Session{}
	}
	closeErr := c.CloseErr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}()

	err := op(sess)
	if closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// Ensure Connector satisfies the interface at compile time.
var _ mcp.Connector = (*Connector)(nil)
