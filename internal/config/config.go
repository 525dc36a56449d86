// Package config handles loading and validating the gateway's
// configuration: HTTP server settings, provider credentials/endpoints,
// and the streaming pipeline's engine preset and recovery knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmstream gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Engine    EngineConfig              `koanf:"engine"`
	Recovery  RecoveryConfig            `koanf:"recovery"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// EngineConfig selects the StreamingEngine preset new streams start
// from (spec.md §6.5) and the per-stream overrides layered on top
// (engine.Config(preset, overrides) — spec.md §6.2).
type EngineConfig struct {
	Preset                string        `koanf:"preset"` // "high_throughput" | "low_latency" | "balanced" | "conservative"
	BufferCapacity        int           `koanf:"buffer_capacity"`
	BackpressureThreshold float64       `koanf:"backpressure_threshold"`
	RateLimit             time.Duration `koanf:"rate_limit"`
	EnableBatching        bool          `koanf:"enable_batching"`
	BatchSize             int           `koanf:"batch_size"`
	StreamRecovery        bool          `koanf:"stream_recovery"`
	TrackDetailedMetrics  bool          `koanf:"track_detailed_metrics"`
}

// RecoveryConfig mirrors recovery.Config's retry/backoff knobs
// (spec.md §4.6) so deployments can tune them without a rebuild.
type RecoveryConfig struct {
	MaxRetries               int           `koanf:"max_retries"`
	InitialBackoff           time.Duration `koanf:"initial_backoff"`
	MaxBackoff               time.Duration `koanf:"max_backoff"`
	Multiplier               float64       `koanf:"multiplier"`
	JitterFraction           float64       `koanf:"jitter_fraction"`
	CheckpointIntervalChunks int           `koanf:"checkpoint_interval_chunks"`
	DedupWindow              int           `koanf:"dedup_window"`
	GracePeriod              time.Duration `koanf:"grace_period"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// The "." delimiter tells koanf how to separate nested keys internally
	// (e.g. "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMSTREAM_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMSTREAM_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMSTREAM_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMSTREAM_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys. koanf doesn't
	// do this automatically, so we handle it ourselves via os.Getenv.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1] // strip ${ and }
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p // write back into the map
		}
	}

	if cfg.Engine.Preset == "" {
		cfg.Engine.Preset = "balanced"
	}

	return &cfg, nil
}
