// Package mcpconn provides the concrete [mcp.Connector] implementation over
// the MCP Streamable HTTP transport using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// A single [Connector] is created at process startup for the configured server
// endpoint and shared by all queries; the underlying SDK client manages
// multiple concurrent sessions. Each query (and the startup probe) gets its
// own short-lived [mcpsdk.ClientSession], opened and closed inside
// [Connector.WithSession].
//
// Typical usage:
//
//	c := mcpconn.New("https://tools.example.com/mcp")
//
//	// Startup health probe — fatal on failure.
//	if err := c.Probe(ctx); err != nil { ... }
//
//	// One scoped session per query.
//	err := c.WithSession(ctx, func(s mcp.Session) error {
//	    tools, err := s.ListTools(ctx)
//	    ...
//	})
package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolbridge/internal/mcp"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

// clientName identifies this process in the MCP handshake.
const clientName = "toolbridge"

// Option is a functional option for configuring a [Connector].
type Option func(*Connector)

// WithBearerToken sends the given static Bearer token in the Authorization
// header of every request to the server.
func WithBearerToken(token string) Option {
	return func(c *Connector) {
		c.httpClient = &http.Client{
			Transport: &bearerTransport{token: token, base: http.DefaultTransport},
		}
	}
}

// WithHTTPClient overrides the HTTP client used by the streamable transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) {
		c.httpClient = hc
	}
}

// WithVersion sets the client version reported in the MCP handshake.
func WithVersion(v string) Option {
	return func(c *Connector) {
		c.version = v
	}
}

// bearerTransport injects a static Authorization header into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// Connector is the concrete [mcp.Connector] for a single Streamable HTTP MCP
// server endpoint. The zero value is NOT usable; create instances with [New].
type Connector struct {
	endpoint   string
	version    string
	httpClient *http.Client

	// client is reused across all sessions. The official SDK allows a single
	// Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// Compile-time check: Connector must implement mcp.Connector.
var _ mcp.Connector = (*Connector)(nil)

// New creates a Connector for the MCP server at endpoint.
func New(endpoint string, opts ...Option) *Connector {
	c := &Connector{
		endpoint: endpoint,
		version:  "1.0.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: clientName, Version: c.version},
		nil,
	)
	return c
}

// Endpoint returns the configured server URL. Used in log and error messages.
func (c *Connector) Endpoint() string { return c.endpoint }

// connect opens and initialises a new session against the endpoint.
func (c *Connector) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:   c.endpoint,
		HTTPClient: c.httpClient,
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, &mcp.ConnectivityError{Endpoint: c.endpoint, Err: err}
	}
	return session, nil
}

// Probe implements [mcp.Connector]. It opens a session, lists tools, and
// closes the session again. Any failure is reported as a *ConnectivityError.
func (c *Connector) Probe(ctx context.Context) error {
	return c.WithSession(ctx, func(s mcp.Session) error {
		if _, err := s.ListTools(ctx); err != nil {
			return &mcp.ConnectivityError{Endpoint: c.endpoint, Err: err}
		}
		return nil
	})
}

// WithSession implements [mcp.Connector]. The session is closed on every exit
// path; a panic inside op still closes the session before propagating. When
// both op and the close fail, both errors are returned joined.
func (c *Connector) WithSession(ctx context.Context, op func(mcp.Session) error) (err error) {
	session, err := c.connect(ctx)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := session.Close()
		if closeErr != nil {
			err = errors.Join(err, &mcp.ConnectivityError{Endpoint: c.endpoint, Err: closeErr})
		}
	}()

	return op(&boundSession{session: session})
}

// boundSession adapts an SDK ClientSession to the [mcp.Session] interface.
type boundSession struct {
	session *mcpsdk.ClientSession
}

// ListTools implements [mcp.Session] using the SDK's tool iterator. The
// server's advertised order is preserved.
func (s *boundSession) ListTools(ctx context.Context) ([]llm.ToolDefinition, error) {
	var tools []llm.ToolDefinition
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tools = append(tools, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

// CallTool implements [mcp.Session]. All text content blocks of the server
// response are concatenated into the result content.
func (s *boundSession) CallTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	argsMap, err := decodeArgs(args)
	if err != nil {
		return nil, &mcp.ToolExecutionError{Tool: name, Err: err}
	}

	start := time.Now()
	callResult, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, &mcp.ToolExecutionError{Tool: name, Err: err}
	}

	return &mcp.ToolResult{
		Content:    textContent(callResult),
		IsError:    callResult.IsError,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// decodeArgs parses a JSON object string into the map form the SDK expects.
// Empty and "{}" args yield a nil map, valid for parameter-less tools.
func decodeArgs(args string) (map[string]any, error) {
	if strings.TrimSpace(args) == "" || args == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// textContent concatenates all text blocks of a tool call result.
func textContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
