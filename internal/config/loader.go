package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama"},
}

// validLogLevels lists the log levels understood by the default logger setup.
var validLogLevels = []string{"debug", "info", "warn", "error"}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("embeddings", cfg.Providers.Embeddings.Primary.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Fallback.Name)

	if cfg.Providers.Embeddings.Primary.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.primary.name is required"))
	}

	// Embeddings ↔ memory dimensions: this is a hard requirement, not a
	// warning, because a mismatched dimension corrupts every future index
	// query (Testable Property: fingerprint/embedding dimension must agree).
	if cfg.Memory.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("memory.embedding_dimensions must be set and positive (musicr uses 384 for MiniLM-class models)"))
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}

	// Matching defaults are filled in rather than rejected.
	if cfg.Matching.TopK <= 0 {
		cfg.Matching.TopK = 20
	}
	if cfg.Matching.MinSimilarity <= 0 {
		cfg.Matching.MinSimilarity = 0.6
	}
	if cfg.Matching.EfSearch <= 0 {
		cfg.Matching.EfSearch = 100
	}

	// Rate limit defaults.
	if cfg.RateLimit.MessagesPerSecond <= 0 {
		cfg.RateLimit.MessagesPerSecond = 2
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	// Presence defaults.
	if cfg.Presence.HeartbeatTimeout <= 0 {
		cfg.Presence.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.Presence.LeaveDebounce <= 0 {
		cfg.Presence.LeaveDebounce = defaultLeaveDebounce
	}

	if cfg.Bus.URL == "" {
		slog.Warn("bus.url is empty; running in standalone mode with no cross-instance presence/broadcast fan-out")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
