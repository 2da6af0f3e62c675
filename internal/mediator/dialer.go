package mediator

import (
	"context"
	"fmt"

	"github.com/kakehashi-dev/kakehashi/internal/config"
	"github.com/kakehashi-dev/kakehashi/pkg/aoai"
)

// NewDialer builds the production [Dialer] from configuration. Instructions
// are resolved once at startup; the credential chain (when keyless) is
// shared across all sessions so token caching works.
func NewDialer(cfg config.AOAIConfig, targetRate int) (Dialer, error) {
	instructions, err := cfg.ResolveInstructions()
	if err != nil {
		return nil, fmt.Errorf("mediator: resolve instructions: %w", err)
	}

	var tokens aoai.TokenProvider
	if cfg.APIKey == "" {
		tp, err := aoai.NewEntraTokenProvider()
		if err != nil {
			return nil, fmt.Errorf("mediator: keyless credential: %w", err)
		}
		tokens = tp
	}

	clientCfg := aoai.Config{
		Endpoint:     cfg.Endpoint,
		Deployment:   cfg.Deployment,
		APIKey:       cfg.APIKey,
		Credential:   tokens,
		Voice:        cfg.Voice,
		Instructions: instructions,
		SampleRate:   targetRate,
	}

	return func(ctx context.Context) (RealtimeLink, error) {
		return aoai.Dial(ctx, clientCfg)
	}, nil
}
