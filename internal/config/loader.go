package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kakehashi-dev/kakehashi/pkg/audio"
	"gopkg.in/yaml.v3"
)

// audioStatsIntervalFloorMs keeps the stats logger from flooding when an
// aggressive interval is configured.
const audioStatsIntervalFloorMs = 200

// Load assembles the effective configuration: defaults, then the optional
// YAML file at path (skipped when path is empty), then the environment. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		if err := decodeYAML(f, cfg); err != nil {
			f.Close()
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
		f.Close()
	}

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. The environment is not consulted. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.UDSPath == "" {
		errs = append(errs, errors.New("server.uds_path is required"))
	}
	if !strings.HasPrefix(cfg.Server.MediaPath, "/") {
		errs = append(errs, fmt.Errorf("server.media_path %q must start with /", cfg.Server.MediaPath))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// AOAI
	if cfg.AOAI.Enable != nil && *cfg.AOAI.Enable {
		if cfg.AOAI.Endpoint == "" || cfg.AOAI.Deployment == "" {
			errs = append(errs, errors.New("aoai.enable is set but aoai.endpoint and/or aoai.deployment are missing"))
		}
	}
	if cfg.AOAI.Enabled() && cfg.AOAI.APIKey == "" {
		slog.Warn("aoai.api_key is empty; falling back to Entra keyless authentication")
	}

	// Media
	if cfg.Media.TargetRate <= 0 {
		errs = append(errs, fmt.Errorf("media.target_rate %d must be positive", cfg.Media.TargetRate))
	}
	if cfg.Media.MinChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("media.min_chunk_bytes %d must be positive", cfg.Media.MinChunkBytes))
	}
	if cfg.Media.FallbackDelayMs < 0 {
		errs = append(errs, fmt.Errorf("media.fallback_delay_ms %d must not be negative", cfg.Media.FallbackDelayMs))
	}
	if cfg.Media.AudioStatsIntervalMs < audioStatsIntervalFloorMs {
		slog.Warn("media.audio_stats_interval_ms below floor; clamping",
			"configured", cfg.Media.AudioStatsIntervalMs,
			"floor", audioStatsIntervalFloorMs,
		)
		cfg.Media.AudioStatsIntervalMs = audioStatsIntervalFloorMs
	}

	// Barge-in
	if cfg.BargeIn.DropMs < 0 {
		errs = append(errs, fmt.Errorf("barge_in.drop_ms %d must not be negative", cfg.BargeIn.DropMs))
	}

	// Resampler
	if _, err := audio.ParseMethod(cfg.Resampler.Method); err != nil {
		errs = append(errs, fmt.Errorf("resampler.method: %w", err))
	}

	// Agent
	if cfg.Agent.Enable != nil && *cfg.Agent.Enable {
		if cfg.Agent.ProjectEndpoint == "" || cfg.Agent.AgentID == "" {
			errs = append(errs, errors.New("agent.enable is set but agent.project_endpoint and/or agent.agent_id are missing"))
		}
	}
	if cfg.Agent.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("agent.timeout_ms %d must be positive", cfg.Agent.TimeoutMs))
	}
	if cfg.Agent.MaxOutputChars <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_output_chars %d must be positive", cfg.Agent.MaxOutputChars))
	}

	return errors.Join(errs...)
}
