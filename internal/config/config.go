// Package config provides the configuration schema, loader, and provider
// registry for the toolbridge server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps [time.Duration] so YAML configs can use Go duration strings
// like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats d like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the toolbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding [slog.Level]. Unrecognised or empty
// values map to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for toolbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server            ServerConfig    `yaml:"server"`
	Provider          ProviderEntry   `yaml:"provider"`
	FallbackProviders []ProviderEntry `yaml:"fallback_providers"`
	MCP               MCPConfig       `yaml:"mcp"`
	Query             QueryConfig     `yaml:"query"`
}

// ServerConfig holds network and logging settings for the toolbridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// QueryTimeout bounds the wall-clock time of a single /query request.
	// Zero disables the timeout.
	QueryTimeout Duration `yaml:"query_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures one LLM completion provider. The Name field is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "anthropic",
	// "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Environment variable references like "${ANTHROPIC_API_KEY}" are
	// expanded at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "claude-3-5-sonnet-20241022", "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// MCPConfig describes the remote MCP tool server queries are resolved against.
type MCPConfig struct {
	// URL is the MCP endpoint address (e.g., "http://0.0.0.0:8000/recruit/mcp").
	URL string `yaml:"url"`

	// Auth configures authentication for the MCP server. When nil, requests
	// are sent without authentication.
	Auth *MCPAuthConfig `yaml:"auth"`
}

// MCPAuthConfig configures authentication for the MCP server, following the
// MCP authorization specification (Bearer tokens).
type MCPAuthConfig struct {
	// Token is a static Bearer token sent in the Authorization header of
	// every request. Environment variable references are expanded at load time.
	Token string `yaml:"token"`
}

// QueryConfig tunes the query-resolution loop.
type QueryConfig struct {
	// SystemPrompt overrides the default system prompt sent with every query.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the length of a single completion. Zero uses the
	// engine default.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature sets the sampling temperature. Nil uses the provider
	// default; valid range is [0, 2].
	Temperature *float64 `yaml:"temperature"`

	// MaxToolRounds caps tool invocations per query when positive. Zero or
	// negative leaves the cap disabled, the default: every tool request in a
	// model response is executed.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}
