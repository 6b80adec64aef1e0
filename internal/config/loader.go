package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviderNames lists known completion provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidLLMProviderNames = []string{
	"anthropic", "openai", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment variable
// references in credential fields, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves "${VAR}" references in credential fields so secrets can
// live in the process environment (typically loaded from a .env file) instead
// of the config file.
func expandEnv(cfg *Config) {
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	for i := range cfg.FallbackProviders {
		cfg.FallbackProviders[i].APIKey = os.ExpandEnv(cfg.FallbackProviders[i].APIKey)
	}
	if cfg.MCP.Auth != nil {
		cfg.MCP.Auth.Token = os.ExpandEnv(cfg.MCP.Auth.Token)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.query_timeout %s must not be negative", cfg.Server.QueryTimeout.Std()))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Primary provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	validateProviderName("provider", cfg.Provider.Name)

	// Fallback providers
	for i, entry := range cfg.FallbackProviders {
		prefix := fmt.Sprintf("fallback_providers[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, entry.Name)
	}

	// MCP server
	if cfg.MCP.URL == "" {
		errs = append(errs, errors.New("mcp.url is required"))
	} else if u, err := url.Parse(cfg.MCP.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("mcp.url %q is not a valid http(s) URL", cfg.MCP.URL))
	}

	// Query tuning
	if cfg.Query.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("query.max_tokens %d must not be negative", cfg.Query.MaxTokens))
	}
	if t := cfg.Query.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("query.temperature %.2f is out of range [0, 2]", *t))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidLLMProviderNames].
func validateProviderName(field, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidLLMProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidLLMProviderNames,
	)
}
