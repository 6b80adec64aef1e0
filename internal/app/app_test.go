package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolbridge/internal/config"
	"github.com/MrWong99/toolbridge/internal/mcp"
	mcpmock "github.com/MrWong99/toolbridge/internal/mcp/mock"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolbridge/pkg/provider/llm/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
	}
}

// TestNew_RequiresProvider checks that New rejects missing subsystems.
func TestNew_RequiresProvider(t *testing.T) {
	conn := &mcpmock.Connector{Session: &mcpmock.Session{}}
	if _, err := New(testConfig(), nil, conn); err == nil {
		t.Fatal("expected error for nil provider")
	}
	if _, err := New(testConfig(), &llmmock.Provider{}, nil); err == nil {
		t.Fatal("expected error for nil connector")
	}
}

// TestRun_ProbeFailureAborts checks that an unreachable tool server stops
// startup before the listener opens.
func TestRun_ProbeFailureAborts(t *testing.T) {
	conn := &mcpmock.Connector{
		ProbeErr: &mcp.ConnectivityError{Endpoint: "http://mcp:8000", Err: errors.New("connection refused")},
	}
	a, err := New(testConfig(), &llmmock.Provider{}, conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = a.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when the probe fails")
	}
	var ce *mcp.ConnectivityError
	if !errors.As(err, &ce) {
		t.Errorf("expected a connectivity error, got %v", err)
	}
}

// TestRun_ServesUntilCancelled runs the full HTTP surface against a live
// listener and checks clean shutdown on context cancellation.
func TestRun_ServesUntilCancelled(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "4"}},
	}
	conn := &mcpmock.Connector{Session: &mcpmock.Session{}}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	a, err := New(testConfig(), provider, conn, WithListener(ln), WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	closed := false
	a.AddCloser(func() error {
		closed = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	waitReady(t, base+"/healthz")

	resp, err := http.Post(base+"/query", "application/json",
		strings.NewReader(`{"query":"What is 2+2?"}`))
	if err != nil {
		t.Fatalf("POST /query: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /query status = %d", resp.StatusCode)
	}
	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Response != "4" {
		t.Errorf("response = %q", body.Response)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if !closed {
		t.Error("registered closer did not run during shutdown")
	}
	if conn.OpenSessions() != 0 {
		t.Errorf("open sessions after shutdown = %d", conn.OpenSessions())
	}
}

// TestBuildEngine_MaxToolRounds checks that the configured cap reaches the
// engine: a positive value limits tool executions, a negative value disables
// the cap so every requested tool runs.
func TestBuildEngine_MaxToolRounds(t *testing.T) {
	const requests = 9

	newProvider := func() *llmmock.Provider {
		initial := &llm.CompletionResponse{}
		responses := []*llm.CompletionResponse{initial}
		for i := 0; i < requests; i++ {
			initial.ToolCalls = append(initial.ToolCalls, llm.ToolCall{
				ID:        fmt.Sprintf("t%d", i+1),
				Name:      fmt.Sprintf("tool_%d", i+1),
				Arguments: `{}`,
			})
			responses = append(responses, &llm.CompletionResponse{Content: "ok"})
		}
		return &llmmock.Provider{CompleteResponses: responses}
	}

	tests := []struct {
		name      string
		rounds    int
		wantCalls int
	}{
		{name: "negative disables the cap", rounds: -1, wantCalls: requests},
		{name: "unset leaves the cap disabled", rounds: 0, wantCalls: requests},
		{name: "positive caps executions", rounds: 2, wantCalls: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Query.MaxToolRounds = tc.rounds

			sess := &mcpmock.Session{CallToolResult: &mcp.ToolResult{Content: "done"}}
			conn := &mcpmock.Connector{Session: sess}
			eng := buildEngine(cfg, newProvider(), conn)

			if _, err := eng.ProcessQuery(context.Background(), "run them all"); err != nil {
				t.Fatalf("ProcessQuery: %v", err)
			}
			if got := sess.CallCount("CallTool"); got != tc.wantCalls {
				t.Errorf("CallTool calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

// TestShutdown_Idempotent checks that repeated Shutdown calls are safe.
func TestShutdown_Idempotent(t *testing.T) {
	conn := &mcpmock.Connector{Session: &mcpmock.Session{}}
	a, err := New(testConfig(), &llmmock.Provider{}, conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	calls := 0
	a.AddCloser(func() error {
		calls++
		return nil
	})

	a.Shutdown()
	a.Shutdown()
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
}

// waitReady polls url until it answers 200 or the deadline passes.
func waitReady(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(fmt.Sprintf("%s never became ready", url))
}
