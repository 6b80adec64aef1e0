// Package app wires all toolbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the HTTP serve loop, and Shutdown tears everything
// down in order.
//
// For testing, inject replacements via functional options (WithEngine,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolbridge/internal/config"
	"github.com/MrWong99/toolbridge/internal/engine"
	"github.com/MrWong99/toolbridge/internal/health"
	"github.com/MrWong99/toolbridge/internal/mcp"
	"github.com/MrWong99/toolbridge/internal/server"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

// shutdownTimeout bounds how long Shutdown waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the toolbridge HTTP API.
type App struct {
	cfg       *config.Config
	provider  llm.Provider
	connector mcp.Connector

	engine   *engine.Engine
	srv      *server.Server
	httpSrv  *http.Server
	listener net.Listener
	version  string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a conversation engine instead of building one from config.
func WithEngine(e *engine.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithListener serves on the given listener instead of binding the configured
// listen address. Useful for tests that need an ephemeral port.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithVersion sets the version reported by the status endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together. The completion
// provider and MCP connector come from main (populated via the config
// registry). Use Option functions to inject test doubles.
func New(cfg *config.Config, provider llm.Provider, connector mcp.Connector, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, fmt.Errorf("app: completion provider is required")
	}
	if connector == nil {
		return nil, fmt.Errorf("app: mcp connector is required")
	}

	a := &App{
		cfg:       cfg,
		provider:  provider,
		connector: connector,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}

	if a.engine == nil {
		a.engine = buildEngine(cfg, provider, connector)
	}

	healthHandler := health.New(health.ToolServiceChecker(connector))
	a.srv = server.New(a.engine,
		server.WithHealth(healthHandler),
		server.WithQueryTimeout(cfg.Server.QueryTimeout.Std()),
		server.WithVersion(a.version),
	)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// buildEngine constructs the conversation engine from the query config.
func buildEngine(cfg *config.Config, provider llm.Provider, connector mcp.Connector) *engine.Engine {
	var opts []engine.Option
	if cfg.Query.SystemPrompt != "" {
		opts = append(opts, engine.WithSystemPrompt(cfg.Query.SystemPrompt))
	}
	if cfg.Query.MaxTokens > 0 {
		opts = append(opts, engine.WithMaxTokens(cfg.Query.MaxTokens))
	}
	if cfg.Query.Temperature != nil {
		opts = append(opts, engine.WithTemperature(*cfg.Query.Temperature))
	}
	if cfg.Query.MaxToolRounds != 0 {
		opts = append(opts, engine.WithMaxToolRounds(cfg.Query.MaxToolRounds))
	}
	return engine.New(provider, connector, opts...)
}

// AddCloser registers fn to run during Shutdown, after the HTTP server has
// drained. Closers run in registration order.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Run probes the tool server, then serves HTTP until ctx is cancelled or the
// server fails. A failed startup probe aborts before the listener opens.
func (a *App) Run(ctx context.Context) error {
	// The probe is fatal: a bridge that cannot reach its tool server has
	// nothing to serve.
	if err := a.connector.Probe(ctx); err != nil {
		return fmt.Errorf("app: startup probe: %w", err)
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.httpSrv.Addr, err)
		}
	}

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Shutdown()
		return gctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server and runs registered closers in order. Safe
// to call multiple times; only the first call does work.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown", "err", err)
		}

		for _, fn := range a.closers {
			if err := fn(); err != nil {
				slog.Error("closer failed during shutdown", "err", err)
			}
		}

		slog.Info("app stopped")
	})
}
