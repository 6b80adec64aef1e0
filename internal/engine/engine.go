// Package engine implements the query-resolution loop at the heart of
// toolbridge: a user query is sent to an LLM provider together with the tool
// catalog of a remote MCP server, tool invocations requested by the model are
// executed over the MCP session, and their results are fed back to the model
// until a final human-readable answer is assembled.
//
// One [Engine.ProcessQuery] call resolves exactly one query inside one scoped
// MCP session. The engine holds no cross-query state; the catalog is fetched
// fresh per query and the transcript is owned by a single invocation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/toolbridge/internal/mcp"
	"github.com/MrWong99/toolbridge/internal/observe"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

const (
	// defaultSystemPrompt instructs the model to produce human-readable output.
	defaultSystemPrompt = "You are a helpful AI assistant. The output should be human readable"

	// defaultMaxTokens caps the length of a single completion.
	defaultMaxTokens = 1000
)

// Engine resolves natural-language queries against an LLM provider and a
// remote MCP tool server. It is safe for concurrent use; each ProcessQuery
// call operates on its own session and transcript.
type Engine struct {
	provider  llm.Provider
	connector mcp.Connector

	systemPrompt  string
	maxTokens     int
	temperature   float64
	maxToolRounds int

	metrics *observe.Metrics
}

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithSystemPrompt overrides the system prompt sent with the initial
// completion of every query.
func WithSystemPrompt(p string) Option {
	return func(e *Engine) { e.systemPrompt = p }
}

// WithMaxTokens sets the completion token cap per model call.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature passed to the provider.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxToolRounds caps the number of tool invocations executed per query.
// Requests beyond the cap are skipped with an inline note in the answer.
// Zero or negative disables the cap, which is the default: every request in
// a model response is executed.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) { e.maxToolRounds = n }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine backed by the given completion provider and MCP
// connector. Options are applied after defaults are set.
func New(provider llm.Provider, connector mcp.Connector, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		connector:    connector,
		systemPrompt: defaultSystemPrompt,
		maxTokens:    defaultMaxTokens,
		temperature:  1,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// ProcessQuery resolves a single query: it opens a scoped MCP session,
// runs the resolution loop inside it, and releases the session on every exit
// path. Fatal faults (session establishment, tool listing, completion) are
// aggregated into a [*QueryError]; tool execution failures degrade the answer
// inline and never fail the query.
func (e *Engine) ProcessQuery(ctx context.Context, query string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "engine.query",
		trace.WithAttributes(attribute.Int("query.length", len(query))),
	)
	defer span.End()

	start := time.Now()
	e.metrics.ActiveQueries.Add(ctx, 1)
	defer e.metrics.ActiveQueries.Add(ctx, -1)

	var answer string
	err := e.connector.WithSession(ctx, func(s mcp.Session) error {
		var rerr error
		answer, rerr = e.Resolve(ctx, s, query)
		return rerr
	})

	status := "ok"
	if err != nil {
		status = "failed"
	}
	e.metrics.Queries.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", status)))
	e.metrics.QueryDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		qerr := newQueryError(err)
		log := observe.Logger(ctx)
		for _, f := range qerr.Faults {
			log.Error("query fault",
				"stage", f.Stage,
				"type", fmt.Sprintf("%T", f.Err),
				"err", f.Err,
			)
		}
		return "", qerr
	}
	return answer, nil
}

// Resolve runs the resolution loop for one query against an already
// established session. It is exported so callers that manage their own
// session lifecycle can drive the loop directly.
//
// The loop walks the initial completion's content blocks in order: text
// blocks are appended to the answer; each tool request is executed
// sequentially, its result spliced into the transcript, and one follow-up
// completion requested per tool call. Follow-up responses are not scanned
// for further tool requests.
func (e *Engine) Resolve(ctx context.Context, session mcp.Session, query string) (string, error) {
	log := observe.Logger(ctx)

	// Catalog is fetched fresh per query, no caching.
	tools, err := session.ListTools(ctx)
	if err != nil {
		return "", &stageFault{stage: StageListTools, err: err}
	}
	log.Debug("tool catalog fetched", "tools", len(tools))

	messages := []llm.Message{{Role: llm.RoleUser, Content: query}}

	resp, err := e.complete(ctx, messages, tools)
	if err != nil {
		return "", &stageFault{stage: StageCompletion, err: err}
	}

	var final []string
	// assistantText is the prose of the initial response; together with the
	// growing assistantCalls slice it forms the accumulated assistant content
	// every sibling tool call sees. Follow-up prose goes into the answer only.
	assistantText := resp.Content
	if resp.Content != "" {
		final = append(final, resp.Content)
	}
	var assistantCalls []llm.ToolCall

	for i, tc := range resp.ToolCalls {
		if e.maxToolRounds > 0 && i >= e.maxToolRounds {
			log.Warn("tool round cap reached, skipping remaining requests",
				"cap", e.maxToolRounds,
				"skipped", len(resp.ToolCalls)-i,
			)
			final = append(final, fmt.Sprintf(
				"[Tool `%s` skipped: tool call limit of %d reached]",
				tc.Name, e.maxToolRounds,
			))
			continue
		}

		asst := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   assistantText,
			ToolCalls: append(append([]llm.ToolCall(nil), assistantCalls...), tc),
		}

		note, followup, err := e.invokeTool(ctx, session, messages, tools, asst, tc)
		var sf *stageFault
		if errors.As(err, &sf) {
			// A failed follow-up completion is fatal, unlike tool failures.
			return "", err
		}
		final = append(final, note)
		if err != nil {
			// Tool execution failed: the note explains it, the query goes on.
			// The failed request is not added to the assistant content.
			continue
		}

		// The transcript grows by the assistant turn requesting the tool and
		// the correlated result turn; the executed request joins the
		// accumulated assistant content seen by the next sibling call.
		assistantCalls = asst.ToolCalls
		messages = append(messages,
			asst,
			llm.Message{Role: llm.RoleTool, Content: followup.toolContent, Name: tc.Name, ToolCallID: tc.ID},
		)
		if followup.text != "" {
			final = append(final, followup.text)
		}
	}

	return strings.Join(final, "\n"), nil
}

// followupResult bundles what a successful tool invocation contributes to the
// transcript: the raw tool output and the model's follow-up prose.
type followupResult struct {
	toolContent string
	text        string
}

// invokeTool executes one tool request and, on success, asks the model for a
// follow-up completion over the extended transcript. The returned note is
// always appended to the answer: a call marker on success, an inline error
// note on failure. A non-nil error marks tool-execution failure only —
// completion failures are returned as stage faults inside err.
func (e *Engine) invokeTool(ctx context.Context, session mcp.Session, messages []llm.Message, tools []llm.ToolDefinition, asst llm.Message, tc llm.ToolCall) (note string, fr followupResult, err error) {
	ctx, span := observe.StartSpan(ctx, "engine.tool_call",
		trace.WithAttributes(attribute.String("tool.name", tc.Name)),
	)
	defer span.End()

	start := time.Now()
	result, callErr := session.CallTool(ctx, tc.Name, tc.Arguments)
	elapsed := time.Since(start).Seconds()

	if callErr != nil {
		e.metrics.RecordToolCall(ctx, tc.Name, "error", elapsed)
		observe.Logger(ctx).Warn("tool call failed", "tool", tc.Name, "err", callErr)
		return fmt.Sprintf("Error calling tool %s: %v", tc.Name, cause(callErr)), followupResult{}, callErr
	}
	if result.IsError {
		e.metrics.RecordToolCall(ctx, tc.Name, "error", elapsed)
		observe.Logger(ctx).Warn("tool reported error", "tool", tc.Name, "content", result.Content)
		return fmt.Sprintf("Error calling tool %s: %s", tc.Name, result.Content),
			followupResult{}, fmt.Errorf("tool %s reported error", tc.Name)
	}
	e.metrics.RecordToolCall(ctx, tc.Name, "ok", elapsed)

	// Observability marker only, never sent back to the model.
	note = fmt.Sprintf("[Tool `%s` called with args %s]", tc.Name, tc.Arguments)

	followMsgs := append(append([]llm.Message(nil), messages...),
		asst,
		llm.Message{Role: llm.RoleTool, Content: result.Content, Name: tc.Name, ToolCallID: tc.ID},
	)
	resp, err := e.complete(ctx, followMsgs, tools)
	if err != nil {
		return note, followupResult{}, &stageFault{stage: StageCompletion, err: err}
	}
	return note, followupResult{toolContent: result.Content, text: resp.Content}, nil
}

// complete performs one provider completion with the engine's model settings.
func (e *Engine) complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.CompletionResponse, error) {
	ctx, span := observe.StartSpan(ctx, "engine.model_call",
		trace.WithAttributes(attribute.Int("messages", len(messages))),
	)
	defer span.End()

	start := time.Now()
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		Tools:        tools,
		SystemPrompt: e.systemPrompt,
		MaxTokens:    e.maxTokens,
		Temperature:  e.temperature,
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		e.metrics.RecordModelCall(ctx, "error", elapsed)
		return nil, err
	}
	e.metrics.RecordModelCall(ctx, "ok", elapsed)
	return resp, nil
}

// cause unwraps a [*mcp.ToolExecutionError] to its underlying cause so the
// inline note reads "Error calling tool book_flight: timeout" rather than
// repeating the tool name twice.
func cause(err error) error {
	if terr, ok := err.(*mcp.ToolExecutionError); ok && terr.Err != nil {
		return terr.Err
	}
	return err
}
