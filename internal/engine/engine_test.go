package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/toolbridge/internal/mcp"
	mcpmock "github.com/MrWong99/toolbridge/internal/mcp/mock"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolbridge/pkg/provider/llm/mock"
)

// newTestEngine wires an Engine with mock provider and connector.
func newTestEngine(p *llmmock.Provider, c *mcpmock.Connector, opts ...Option) *Engine {
	return New(p, c, opts...)
}

func TestProcessQuery_NoToolCalls(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: "Paris is the capital of France."},
		},
	}
	s := &mcpmock.Session{
		ListToolsResult: []llm.ToolDefinition{{Name: "book_flight"}},
	}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "What is the capital of France?")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if answer != "Paris is the capital of France." {
		t.Errorf("answer = %q", answer)
	}
	if got := len(p.CompleteCalls); got != 1 {
		t.Errorf("Complete calls = %d, want 1", got)
	}
	if got := s.CallCount("CallTool"); got != 0 {
		t.Errorf("CallTool calls = %d, want 0", got)
	}
}

func TestProcessQuery_SimpleArithmetic(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "4"}},
	}
	c := &mcpmock.Connector{Session: &mcpmock.Session{}}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if answer != "4" {
		t.Errorf("answer = %q, want %q", answer, "4")
	}
}

func TestProcessQuery_SingleToolCall(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{
				Content: "Let me book that for you.",
				ToolCalls: []llm.ToolCall{
					{ID: "t1", Name: "book_flight", Arguments: `{"destination":"Paris"}`},
				},
			},
			{Content: "Your flight to Paris is booked, confirmation #123."},
		},
	}
	s := &mcpmock.Session{
		ListToolsResult: []llm.ToolDefinition{{Name: "book_flight"}},
		CallToolResult:  &mcp.ToolResult{Content: "confirmation #123"},
	}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "Book me a flight to Paris")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}

	wantLines := []string{
		"Let me book that for you.",
		"[Tool `book_flight` called with args {\"destination\":\"Paris\"}]",
		"Your flight to Paris is booked, confirmation #123.",
	}
	if answer != strings.Join(wantLines, "\n") {
		t.Errorf("answer = %q", answer)
	}

	if got := len(p.CompleteCalls); got != 2 {
		t.Fatalf("Complete calls = %d, want 2", got)
	}
	if got := s.CallCount("CallTool"); got != 1 {
		t.Errorf("CallTool calls = %d, want 1", got)
	}

	// The follow-up request must carry the tool-result turn correlated to
	// the request that produced it.
	msgs := p.CompleteCalls[1].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("follow-up message count = %d, want 3", len(msgs))
	}
	asst := msgs[1]
	if asst.Role != llm.RoleAssistant || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Name != "book_flight" {
		t.Errorf("assistant turn = %+v", asst)
	}
	toolMsg := msgs[2]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "t1" || toolMsg.Content != "confirmation #123" {
		t.Errorf("tool turn = %+v", toolMsg)
	}
}

func TestProcessQuery_ToolFailureDegradesAnswer(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{
				Content: "Booking your flight now.",
				ToolCalls: []llm.ToolCall{
					{ID: "t1", Name: "book_flight", Arguments: `{}`},
				},
			},
		},
	}
	s := &mcpmock.Session{
		CallToolErr: &mcp.ToolExecutionError{Tool: "book_flight", Err: errors.New("timeout")},
	}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "Book me a flight")
	if err != nil {
		t.Fatalf("tool failure must not fail the query, got: %v", err)
	}
	if !strings.Contains(answer, "Error calling tool book_flight: timeout") {
		t.Errorf("answer missing inline error note: %q", answer)
	}
	if !strings.Contains(answer, "Booking your flight now.") {
		t.Errorf("answer missing preceding text: %q", answer)
	}
	// No follow-up completion after a failed tool call.
	if got := len(p.CompleteCalls); got != 1 {
		t.Errorf("Complete calls = %d, want 1", got)
	}
	if got := c.OpenSessions(); got != 0 {
		t.Errorf("open sessions = %d, want 0", got)
	}
}

func TestProcessQuery_ToolResultIsError(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "book_flight", Arguments: `{}`}}},
		},
	}
	s := &mcpmock.Session{
		CallToolResult: &mcp.ToolResult{Content: "backend unavailable", IsError: true},
	}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "Book me a flight")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if !strings.Contains(answer, "Error calling tool book_flight: backend unavailable") {
		t.Errorf("answer = %q", answer)
	}
	if got := len(p.CompleteCalls); got != 1 {
		t.Errorf("Complete calls = %d, want 1", got)
	}
}

func TestProcessQuery_MultipleToolCallsSequential(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{
				Content: "I need three lookups.",
				ToolCalls: []llm.ToolCall{
					{ID: "t1", Name: "alpha", Arguments: `{"n":1}`},
					{ID: "t2", Name: "beta", Arguments: `{"n":2}`},
					{ID: "t3", Name: "gamma", Arguments: `{"n":3}`},
				},
			},
			// Follow-ups carry tool calls of their own; those must be ignored.
			{Content: "First done.", ToolCalls: []llm.ToolCall{{ID: "x1", Name: "delta"}}},
			{Content: "Second done."},
			{Content: "All done."},
		},
	}
	s := &mcpmock.Session{
		CallToolFn: func(name, _ string) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Content: name + " result"}, nil
		},
	}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "run all three")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}

	// Exactly N tool executions in request order, one follow-up each.
	wantOrder := []string{"alpha", "beta", "gamma"}
	gotOrder := s.ToolCalls()
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("tool calls = %v, want %v", gotOrder, wantOrder)
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Errorf("tool call %d = %q, want %q", i, gotOrder[i], wantOrder[i])
		}
	}
	if got := len(p.CompleteCalls); got != 4 {
		t.Errorf("Complete calls = %d, want 4 (initial + 3 follow-ups)", got)
	}

	for _, want := range []string{"First done.", "Second done.", "All done."} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q: %q", want, answer)
		}
	}
}

func TestProcessQuery_SiblingAssistantContentAccumulates(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{
				Content: "Two lookups coming up.",
				ToolCalls: []llm.ToolCall{
					{ID: "t1", Name: "alpha", Arguments: `{"n":1}`},
					{ID: "t2", Name: "beta", Arguments: `{"n":2}`},
				},
			},
			{Content: "First done."},
			{Content: "Second done."},
		},
	}
	s := &mcpmock.Session{
		CallToolFn: func(name, _ string) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Content: name + " result"}, nil
		},
	}
	c := &mcpmock.Connector{Session: s}

	if _, err := newTestEngine(p, c).ProcessQuery(context.Background(), "run both"); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if got := len(p.CompleteCalls); got != 3 {
		t.Fatalf("Complete calls = %d, want 3", got)
	}

	// The second follow-up sees: user, assistant(first request), its result,
	// assistant(both requests), its result.
	msgs := p.CompleteCalls[2].Req.Messages
	if len(msgs) != 5 {
		t.Fatalf("second follow-up message count = %d, want 5", len(msgs))
	}

	first := msgs[1]
	if first.Role != llm.RoleAssistant || len(first.ToolCalls) != 1 || first.ToolCalls[0].ID != "t1" {
		t.Errorf("first assistant turn = %+v", first)
	}
	second := msgs[3]
	if second.Role != llm.RoleAssistant {
		t.Fatalf("second assistant turn role = %q", second.Role)
	}
	// The assistant content accumulates: the initial prose plus every request
	// executed so far. Follow-up prose stays out of the transcript.
	if second.Content != "Two lookups coming up." {
		t.Errorf("second assistant content = %q, want the initial prose", second.Content)
	}
	if len(second.ToolCalls) != 2 || second.ToolCalls[0].ID != "t1" || second.ToolCalls[1].ID != "t2" {
		t.Errorf("second assistant tool calls = %+v, want t1 then t2", second.ToolCalls)
	}
	if msgs[4].Role != llm.RoleTool || msgs[4].ToolCallID != "t2" || msgs[4].Content != "beta result" {
		t.Errorf("second tool turn = %+v", msgs[4])
	}
}

func TestProcessQuery_SessionFailure(t *testing.T) {
	p := &llmmock.Provider{}
	c := &mcpmock.Connector{
		ConnectErr: &mcp.ConnectivityError{
			Endpoint: "http://mcp.example:8000/mcp",
			Err:      errors.New("connection refused"),
		},
	}

	_, err := newTestEngine(p, c).ProcessQuery(context.Background(), "anything")
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("error type = %T, want *QueryError", err)
	}
	if len(qerr.Faults) != 1 || qerr.Faults[0].Stage != StageSession {
		t.Errorf("faults = %+v, want single session fault", qerr.Faults)
	}
	// Neither the model nor any tool may be touched.
	if got := len(p.CompleteCalls); got != 0 {
		t.Errorf("Complete calls = %d, want 0", got)
	}
}

func TestProcessQuery_ListToolsFailure(t *testing.T) {
	p := &llmmock.Provider{}
	s := &mcpmock.Session{ListToolsErr: errors.New("catalog fetch failed")}
	c := &mcpmock.Connector{Session: s}

	_, err := newTestEngine(p, c).ProcessQuery(context.Background(), "anything")
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("error type = %T, want *QueryError", err)
	}
	if len(qerr.Faults) != 1 || qerr.Faults[0].Stage != StageListTools {
		t.Errorf("faults = %+v, want single list_tools fault", qerr.Faults)
	}
	if got := len(p.CompleteCalls); got != 0 {
		t.Errorf("Complete calls = %d, want 0", got)
	}
	if got := c.OpenSessions(); got != 0 {
		t.Errorf("open sessions = %d, want 0", got)
	}
}

func TestProcessQuery_CompletionFailure(t *testing.T) {
	p := &llmmock.Provider{CompleteErrs: []error{errors.New("rate limited")}}
	c := &mcpmock.Connector{Session: &mcpmock.Session{}}

	_, err := newTestEngine(p, c).ProcessQuery(context.Background(), "anything")
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("error type = %T, want *QueryError", err)
	}
	if len(qerr.Faults) != 1 || qerr.Faults[0].Stage != StageCompletion {
		t.Errorf("faults = %+v, want single completion fault", qerr.Faults)
	}
}

func TestProcessQuery_FollowupCompletionFailureIsFatal(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "book_flight", Arguments: `{}`}}},
		},
		CompleteErrs: []error{nil, errors.New("rate limited")},
	}
	s := &mcpmock.Session{CallToolResult: &mcp.ToolResult{Content: "ok"}}
	c := &mcpmock.Connector{Session: s}

	_, err := newTestEngine(p, c).ProcessQuery(context.Background(), "Book me a flight")
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("error type = %T, want *QueryError", err)
	}
	if len(qerr.Faults) != 1 || qerr.Faults[0].Stage != StageCompletion {
		t.Errorf("faults = %+v, want single completion fault", qerr.Faults)
	}
	if got := c.OpenSessions(); got != 0 {
		t.Errorf("open sessions = %d, want 0", got)
	}
}

func TestProcessQuery_SessionReleasedExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		p       *llmmock.Provider
		s       *mcpmock.Session
		wantErr bool
	}{
		{
			name: "success path",
			p: &llmmock.Provider{
				CompleteResponses: []*llm.CompletionResponse{{Content: "done"}},
			},
			s: &mcpmock.Session{},
		},
		{
			name:    "completion failure path",
			p:       &llmmock.Provider{CompleteErrs: []error{errors.New("boom")}},
			s:       &mcpmock.Session{},
			wantErr: true,
		},
		{
			name:    "list tools failure path",
			p:       &llmmock.Provider{},
			s:       &mcpmock.Session{ListToolsErr: errors.New("boom")},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &mcpmock.Connector{Session: tc.s}
			_, err := newTestEngine(tc.p, c).ProcessQuery(context.Background(), "q")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got := c.Acquired(); got != 1 {
				t.Errorf("sessions acquired = %d, want 1", got)
			}
			if got := c.OpenSessions(); got != 0 {
				t.Errorf("open sessions = %d, want 0", got)
			}
		})
	}
}

func TestProcessQuery_CloseFailureCollected(t *testing.T) {
	p := &llmmock.Provider{CompleteErrs: []error{errors.New("rate limited")}}
	c := &mcpmock.Connector{
		Session: &mcpmock.Session{},
		CloseErr: &mcp.ConnectivityError{
			Endpoint: "http://mcp.example:8000/mcp",
			Err:      errors.New("close failed"),
		},
	}

	_, err := newTestEngine(p, c).ProcessQuery(context.Background(), "anything")
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("error type = %T, want *QueryError", err)
	}
	if len(qerr.Faults) != 2 {
		t.Fatalf("faults = %+v, want completion + session", qerr.Faults)
	}
	stages := map[Stage]bool{}
	for _, f := range qerr.Faults {
		stages[f.Stage] = true
	}
	if !stages[StageCompletion] || !stages[StageSession] {
		t.Errorf("fault stages = %v, want completion and session", stages)
	}
}

func TestProcessQuery_MaxToolRounds(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{
				ToolCalls: []llm.ToolCall{
					{ID: "t1", Name: "first", Arguments: `{}`},
					{ID: "t2", Name: "second", Arguments: `{}`},
				},
			},
			{Content: "first result summarised"},
		},
	}
	s := &mcpmock.Session{CallToolResult: &mcp.ToolResult{Content: "ok"}}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c, WithMaxToolRounds(1)).ProcessQuery(context.Background(), "q")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if got := s.CallCount("CallTool"); got != 1 {
		t.Errorf("CallTool calls = %d, want 1", got)
	}
	if !strings.Contains(answer, "[Tool `second` skipped: tool call limit of 1 reached]") {
		t.Errorf("answer missing skip note: %q", answer)
	}
}

func TestProcessQuery_NoToolRoundCapByDefault(t *testing.T) {
	const n = 9

	initial := &llm.CompletionResponse{}
	responses := []*llm.CompletionResponse{initial}
	for i := 0; i < n; i++ {
		initial.ToolCalls = append(initial.ToolCalls, llm.ToolCall{
			ID:        fmt.Sprintf("t%d", i+1),
			Name:      fmt.Sprintf("tool_%d", i+1),
			Arguments: `{}`,
		})
		responses = append(responses, &llm.CompletionResponse{Content: fmt.Sprintf("step %d", i+1)})
	}
	p := &llmmock.Provider{CompleteResponses: responses}
	s := &mcpmock.Session{CallToolResult: &mcp.ToolResult{Content: "ok"}}
	c := &mcpmock.Connector{Session: s}

	answer, err := newTestEngine(p, c).ProcessQuery(context.Background(), "run them all")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	// Every request executes, one follow-up each, no skip notes.
	if got := s.CallCount("CallTool"); got != n {
		t.Errorf("CallTool calls = %d, want %d", got, n)
	}
	if got := len(p.CompleteCalls); got != n+1 {
		t.Errorf("Complete calls = %d, want %d", got, n+1)
	}
	if strings.Contains(answer, "skipped") {
		t.Errorf("answer contains a skip note: %q", answer)
	}
}

func TestProcessQuery_SystemPromptAndModelSettings(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "hi"}},
	}
	c := &mcpmock.Connector{Session: &mcpmock.Session{
		ListToolsResult: []llm.ToolDefinition{{Name: "alpha"}, {Name: "beta"}},
	}}

	e := newTestEngine(p, c,
		WithSystemPrompt("You are terse."),
		WithMaxTokens(512),
		WithTemperature(0.2),
	)
	if _, err := e.ProcessQuery(context.Background(), "hello"); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}

	req := p.CompleteCalls[0].Req
	if req.SystemPrompt != "You are terse." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.MaxTokens != 512 {
		t.Errorf("max tokens = %d, want 512", req.MaxTokens)
	}
	if req.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", req.Temperature)
	}
	// The catalog must be forwarded in listing order.
	if len(req.Tools) != 2 || req.Tools[0].Name != "alpha" || req.Tools[1].Name != "beta" {
		t.Errorf("tools = %+v", req.Tools)
	}
}
