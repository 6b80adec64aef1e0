// Package mcp defines the interfaces through which the toolbridge core
// consumes a remote Model Context Protocol (MCP) tool server.
//
// Two capabilities are exposed:
//
//   - [Session] — one live, scoped connection to the tool server, able to list
//     the tool catalog and execute named tools.
//   - [Connector] — the connection supervisor: it opens a session for exactly
//     the duration of one operation (a startup probe or one query) and
//     guarantees release of the session on every exit path.
//
// The catalog is fetched fresh through a new session for each query, so it
// always reflects server state at query time. No catalog caching happens at
// this layer.
//
// All implementations must be safe for concurrent use; multiple queries may
// hold independent sessions at the same time.
package mcp

import (
	"context"
	"fmt"

	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go error
	// return value). When IsError is true, Content contains the error message.
	IsError bool

	// DurationMs is the wall-clock time in milliseconds from when the request
	// was dispatched until the full response was received.
	DurationMs int64
}

// Session is a single live connection to the MCP server, valid only inside the
// [Connector.WithSession] scope that produced it.
type Session interface {
	// ListTools returns the server's tool catalog in the order the server
	// advertises it. The order is preserved when the catalog is passed on to
	// the completion provider.
	ListTools(ctx context.Context) ([]llm.ToolDefinition, error)

	// CallTool executes the named tool with JSON-encoded args and returns the
	// result. args must be a valid JSON object string; "{}" is valid for
	// parameter-less tools.
	//
	// A non-nil *ToolResult is returned on success even when
	// [ToolResult.IsError] is true (application-level error). A Go error is
	// returned only on transport or protocol failure.
	CallTool(ctx context.Context, name string, args string) (*ToolResult, error)
}

// Connector supervises scoped sessions with a single MCP server endpoint.
//
// A Connector holds only process-wide connection state (the shared protocol
// client); per-query state lives entirely in the Session handed to the
// WithSession callback.
type Connector interface {
	// Probe opens a session, performs the protocol handshake, lists tools, and
	// closes the session. Success means the server is reachable and speaking
	// the protocol. Any failure is returned as a *ConnectivityError; callers
	// treat probe failure as fatal to process startup.
	Probe(ctx context.Context) error

	// WithSession opens a session, invokes op with it, and closes the session
	// on every exit path: normal return, error return, panic inside op, or
	// context cancellation. The session must never leak regardless of how op
	// terminates.
	//
	// Session establishment failure is returned as a *ConnectivityError
	// without invoking op. If both op and the session close fail, both errors
	// are surfaced (joined); a close failure alone is surfaced too.
	WithSession(ctx context.Context, op func(Session) error) error
}

// ConnectivityError reports that the MCP server was unreachable or the
// session handshake failed. It is fatal at startup probe time and fatal for an
// in-flight query.
type ConnectivityError struct {
	// Endpoint is the server URL the connection was attempted against.
	Endpoint string

	// Err is the underlying transport or protocol error.
	Err error
}

// Error implements the error interface.
func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("mcp: failed to connect to server %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectivityError) Unwrap() error { return e.Err }

// ToolExecutionError reports that one specific tool invocation failed. It is
// recovered locally by the conversation engine — converted to an inline note
// in the answer — and never aborts the query.
type ToolExecutionError struct {
	// Tool is the name of the tool whose invocation failed.
	Tool string

	// Err is the underlying execution failure.
	Err error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("mcp: tool %q execution failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ToolExecutionError) Unwrap() error { return e.Err }
