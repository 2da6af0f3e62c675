// Command kakehashi is the real-time voice bridge between ACS call media and
// the Azure OpenAI Realtime API.
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

	"github.com/kakehashi-dev/kakehashi/internal/agent"
	"github.com/kakehashi-dev/kakehashi/internal/config"
	"github.com/kakehashi-dev/kakehashi/internal/controlplane"
	"github.com/kakehashi-dev/kakehashi/internal/gateway"
	"github.com/kakehashi-dev/kakehashi/internal/mediator"
	"github.com/kakehashi-dev/kakehashi/internal/observe"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables always apply)")
	flag.Parse()

	// ── Load configuration ─────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kakehashi: %v\n", err)
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kakehashi starting",
		"version", version,
		"listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"media_path", cfg.Server.MediaPath,
		"control_plane_socket", cfg.Server.UDSPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kakehashi",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── AOAI leg (optional) ────────────────────────────────────────────
	var gwOpts []gateway.Option
	gwOpts = append(gwOpts, gateway.WithMetrics(metrics))

	if cfg.AOAI.Enabled() {
		dialer, err := mediator.NewDialer(cfg.AOAI, cfg.Media.TargetRate)
		if err != nil {
			slog.Error("failed to configure the realtime client", "err", err)
			return 1
		}
		gwOpts = append(gwOpts, gateway.WithDialer(dialer))
		slog.Info("realtime bridging enabled",
			"endpoint", cfg.AOAI.Endpoint,
			"deployment", cfg.AOAI.Deployment,
			"target_rate", cfg.Media.TargetRate,
			"keyless", cfg.AOAI.APIKey == "",
		)
	} else {
		slog.Warn("realtime bridging disabled — calls will receive no assistant audio")
	}

	// ── Grounding agent (optional) ─────────────────────────────────────
	if cfg.Agent.Enabled() {
		grounder, err := agent.New(cfg.Agent)
		if err != nil {
			slog.Error("failed to configure the grounding agent", "err", err)
			return 1
		}
		gwOpts = append(gwOpts, gateway.WithAgent(grounder))
		slog.Info("web grounding enabled",
			"project_endpoint", cfg.Agent.ProjectEndpoint,
			"agent_id", cfg.Agent.AgentID,
			"timeout_ms", cfg.Agent.TimeoutMs,
		)
	}

	printStartupSummary(cfg)

	// ── Serve ──────────────────────────────────────────────────────────
	cp := controlplane.New(cfg.Server.UDSPath, metrics)
	gw := gateway.New(cfg, cp, gwOpts...)

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	slog.Info("media bridge settings",
		"target_rate", cfg.Media.TargetRate,
		"auto_create_response", onOff(cfg.Media.AutoCreateResponse),
		"fallback_delay_ms", cfg.Media.FallbackDelayMs,
		"min_chunk_bytes", cfg.Media.MinChunkBytes,
		"flush_on_done", onOff(cfg.Media.FlushOnDone),
		"send_audio_to_acs", onOff(cfg.Media.SendAudioToACS),
	)
	slog.Info("barge-in settings",
		"phrases", len(cfg.BargeIn.Phrases),
		"drop_ms", cfg.BargeIn.DropMs,
		"on_speech_started", onOff(cfg.BargeIn.OnSpeechStarted),
	)
	slog.Info("resampler settings",
		"method", cfg.Resampler.Method,
		"quality", cfg.Resampler.Quality,
	)
}

// ── Logger ─────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
