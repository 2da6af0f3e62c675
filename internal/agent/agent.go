// Package agent wraps an Azure AI Foundry agent that performs web-grounded
// question answering. The agent is pre-configured in the Foundry project
// (typically with the Bing grounding tool); this package only drives the
// threads/runs REST API and extracts the latest assistant answer.
//
// Grounding is strictly best-effort: every failure mode (disabled, timeout,
// HTTP error, run failure, empty answer) surfaces as an error that callers
// are expected to absorb by falling back to the model's own knowledge.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/kakehashi-dev/kakehashi/internal/config"
	"github.com/kakehashi-dev/kakehashi/pkg/aoai"
)

// FoundryScope is the OAuth2 scope for the Azure AI Foundry data plane.
const FoundryScope = "https://ai.azure.com/.default"

// apiVersion pins the Foundry Agents REST API version.
const apiVersion = "v1"

// pollInterval is the delay between run status polls. Runs with a web
// grounding tool typically complete in 1-3 polls at this cadence.
const pollInterval = 150 * time.Millisecond

// ErrDisabled is returned by [Grounder.Run] when the agent is not configured.
var ErrDisabled = errors.New("grounding agent disabled")

// ErrNoAnswer is returned when the run completed but produced no usable
// assistant text.
var ErrNoAnswer = errors.New("grounding agent returned no answer")

// Grounder calls a pre-configured Foundry agent and returns its text answer.
// The zero value is unusable; construct with [New].
type Grounder struct {
	endpoint       string
	agentID        string
	timeout        time.Duration
	maxOutputChars int

	tokens aoai.TokenProvider
	client *http.Client
	logger *slog.Logger
}

// Option customizes a [Grounder].
type Option func(*Grounder)

// WithHTTPClient replaces the default HTTP client. Used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Grounder) { g.client = c }
}

// WithTokenProvider replaces the default Entra ID token provider.
func WithTokenProvider(tp aoai.TokenProvider) Option {
	return func(g *Grounder) { g.tokens = tp }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Grounder) { g.logger = l }
}

// New builds a [Grounder] from configuration. Returns an error when the
// agent is enabled but the ambient credential chain cannot be constructed;
// a disabled configuration yields a Grounder whose Run always returns
// [ErrDisabled].
func New(cfg config.AgentConfig, opts ...Option) (*Grounder, error) {
	g := &Grounder{
		endpoint:       strings.TrimRight(cfg.ProjectEndpoint, "/"),
		agentID:        cfg.AgentID,
		timeout:        time.Duration(cfg.TimeoutMs) * time.Millisecond,
		maxOutputChars: cfg.MaxOutputChars,
		client:         &http.Client{},
		logger:         slog.Default(),
	}
	if !cfg.Enabled() {
		g.endpoint = ""
		return g, nil
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.tokens == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("grounding agent credential: %w", err)
		}
		g.tokens = aoai.NewEntraTokenProviderFor(cred, FoundryScope)
	}
	return g, nil
}

// Enabled reports whether Run can do anything useful.
func (g *Grounder) Enabled() bool {
	return g != nil && g.endpoint != "" && g.agentID != ""
}

// Run sends query to the Foundry agent and returns its answer, truncated to
// the configured maximum length. The whole exchange (thread creation, run,
// polling, message retrieval) is bounded by the configured timeout.
func (g *Grounder) Run(ctx context.Context, query string) (string, error) {
	if !g.Enabled() {
		return "", ErrDisabled
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrNoAnswer
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	threadID, err := g.createThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if err := g.createMessage(ctx, threadID, query); err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	runID, err := g.createRun(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	if err := g.waitRun(ctx, threadID, runID); err != nil {
		return "", err
	}

	answer, err := g.latestAssistantText(ctx, threadID)
	if err != nil {
		return "", err
	}
	return g.truncate(answer), nil
}

// ── Foundry REST plumbing ────────────────────────────────────────────────

type threadResource struct {
	ID string `json:"id"`
}

type runResource struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type messageList struct {
	Data []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

func (g *Grounder) createThread(ctx context.Context) (string, error) {
	var thread threadResource
	err := g.do(ctx, http.MethodPost, "/threads", map[string]any{}, &thread)
	if err != nil {
		return "", err
	}
	if thread.ID == "" {
		return "", errors.New("thread response missing id")
	}
	return thread.ID, nil
}

func (g *Grounder) createMessage(ctx context.Context, threadID, text string) error {
	body := map[string]any{"role": "user", "content": text}
	return g.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, nil)
}

func (g *Grounder) createRun(ctx context.Context, threadID string) (string, error) {
	var run runResource
	body := map[string]any{"assistant_id": g.agentID}
	err := g.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body, &run)
	if err != nil {
		return "", err
	}
	if run.ID == "" {
		return "", errors.New("run response missing id")
	}
	return run.ID, nil
}

// waitRun polls the run until it reaches a terminal status.
func (g *Grounder) waitRun(ctx context.Context, threadID, runID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var run runResource
		err := g.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run)
		if err != nil {
			return fmt.Errorf("poll run: %w", err)
		}
		switch run.Status {
		case "completed":
			return nil
		case "failed", "cancelled", "expired":
			if run.LastError != nil {
				return fmt.Errorf("run %s: %s: %s", run.Status, run.LastError.Code, run.LastError.Message)
			}
			return fmt.Errorf("run %s", run.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// latestAssistantText returns the newest assistant text in the thread.
// The API lists messages newest-first by default.
func (g *Grounder) latestAssistantText(ctx context.Context, threadID string) (string, error) {
	var list messageList
	err := g.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order=desc", nil, &list)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	for _, msg := range list.Data {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type != "text" || part.Text == nil {
				continue
			}
			if text := strings.TrimSpace(part.Text.Value); text != "" {
				return text, nil
			}
		}
	}
	return "", ErrNoAnswer
}

// do issues one authenticated JSON request against the project endpoint.
func (g *Grounder) do(ctx context.Context, method, path string, body, out any) error {
	url := g.endpoint + path
	if strings.Contains(path, "?") {
		url += "&api-version=" + apiVersion
	} else {
		url += "?api-version=" + apiVersion
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// truncate caps the answer at the configured rune count, appending an
// ellipsis when anything was cut. Rune-based so multi-byte Japanese text
// is never split mid-character.
func (g *Grounder) truncate(s string) string {
	if g.maxOutputChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= g.maxOutputChars {
		return s
	}
	return strings.TrimRight(string(runes[:g.maxOutputChars]), " \t\n") + "…"
}
