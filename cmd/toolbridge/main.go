// Command toolbridge is the main entry point for the toolbridge HTTP server.
//
// It bridges natural-language queries to an LLM completion provider and a
// remote MCP tool server: the model sees the server's tool catalog, requested
// tools are executed remotely, and the final answer is returned over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/toolbridge/internal/app"
	"github.com/MrWong99/toolbridge/internal/config"
	"github.com/MrWong99/toolbridge/internal/mcp/mcpconn"
	"github.com/MrWong99/toolbridge/internal/observe"
	"github.com/MrWong99/toolbridge/internal/resilience"
	"github.com/MrWong99/toolbridge/pkg/provider/llm"
	"github.com/MrWong99/toolbridge/pkg/provider/llm/anthropic"
	"github.com/MrWong99/toolbridge/pkg/provider/llm/anyllm"
	"github.com/MrWong99/toolbridge/pkg/provider/llm/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment overlay ────────────────────────────────────────────────────
	// A local .env is optional; config values reference its variables via
	// ${VAR} expansion.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "toolbridge: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "toolbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "toolbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("toolbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	obsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "toolbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}

	// ── Completion provider ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build completion provider", "err", err)
		return 1
	}

	// ── MCP connector ─────────────────────────────────────────────────────────
	var connOpts []mcpconn.Option
	if cfg.MCP.Auth != nil && cfg.MCP.Auth.Token != "" {
		connOpts = append(connOpts, mcpconn.WithBearerToken(cfg.MCP.Auth.Token))
	}
	connOpts = append(connOpts, mcpconn.WithVersion(version))
	connector := mcpconn.New(cfg.MCP.URL, connOpts...)

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, provider, connector, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.AddCloser(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), observeShutdownTimeout)
		defer cancel()
		return obsShutdown(shutdownCtx)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	application.Shutdown()
	slog.Info("goodbye")
	return 0
}

// observeShutdownTimeout bounds the final telemetry flush.
const observeShutdownTimeout = 5 * time.Second

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in completion provider factories
// into reg. The anthropic and openai names use the native SDK adapters; the
// remaining names go through the any-llm universal backend.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("anthropic", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anthropic.Option
		if entry.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(entry.BaseURL))
		}
		return anthropic.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// gemini, deepseek, mistral, groq, llamacpp, llamafile all share the same
	// pattern: optional APIKey + optional BaseURL via any-llm.
	for _, providerName := range []string{
		"gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// buildProvider instantiates the primary completion provider and, when
// fallback providers are configured, wraps the chain in a circuit-breaking
// fallback group so the engine sees a single provider.
func buildProvider(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	if len(cfg.FallbackProviders) == 0 {
		return primary, nil
	}

	fb := resilience.NewLLMFallback(primary, cfg.Provider.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.FallbackProviders {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       toolbridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("LLM", cfg.Provider.Name+" / "+cfg.Provider.Model)
	printEntry("Fallbacks", fmt.Sprintf("%d", len(cfg.FallbackProviders)))
	printEntry("MCP server", cfg.MCP.URL)
	printEntry("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printEntry("TLS", "enabled")
	} else {
		printEntry("TLS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
