// Package aoai implements a client for the Azure OpenAI Realtime API over
// WebSocket.
//
// The client dials the realtime endpoint, configures the session with a
// session.update event and then exchanges JSON events: caller audio goes up
// as base64-encoded PCM16 via input_audio_buffer.append, synthesized audio
// and transcripts come back on the [Client.Events] stream. Responses are
// never created by server-side VAD; the caller decides when to send
// response.create, and may cancel an in-flight response with response.cancel.
package aoai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

const (
	// DefaultVoice is the synthesis voice used when none is configured.
	DefaultVoice = "sage"
	// DefaultSampleRate is the PCM16 rate of both realtime audio directions.
	DefaultSampleRate = 24000

	defaultVADThreshold       = 0.5
	defaultPrefixPaddingMs    = 300
	defaultSilenceDurationMs  = 1000
	defaultTranscriptionModel = "whisper-1"
	defaultTranscriptionLang  = "ja"
)

// Config carries everything needed to establish and configure a realtime
// session. Endpoint and Deployment are required; either APIKey or Credential
// must be set. Zero values for the remaining fields select the documented
// defaults.
type Config struct {
	// Endpoint is the Azure OpenAI resource endpoint. Both https:// and
	// wss:// forms are accepted; https is rewritten to wss.
	Endpoint string
	// Deployment is the realtime model deployment name.
	Deployment string

	// APIKey authenticates via the api-key header. When empty, Credential
	// is used instead.
	APIKey string
	// Credential supplies Entra bearer tokens for keyless authentication.
	Credential TokenProvider

	Voice        string
	Instructions string

	// SampleRate is the PCM16 rate for both input and output audio.
	SampleRate int

	// Server-side voice activity detection tuning. create_response is
	// always false: the session owner decides when a response starts.
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int

	TranscriptionModel    string
	TranscriptionLanguage string
}

// RealtimeURL derives the realtime WebSocket URL from an endpoint and a
// deployment name. https/http endpoints are rewritten to wss/ws.
func RealtimeURL(endpoint, deployment string) (string, error) {
	e := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	switch {
	case strings.HasPrefix(e, "https://"):
		e = "wss://" + strings.TrimPrefix(e, "https://")
	case strings.HasPrefix(e, "http://"):
		e = "ws://" + strings.TrimPrefix(e, "http://")
	case strings.HasPrefix(e, "wss://"), strings.HasPrefix(e, "ws://"):
	case e == "":
		return "", fmt.Errorf("aoai: empty endpoint")
	default:
		return "", fmt.Errorf("aoai: endpoint %q has no recognized scheme", endpoint)
	}
	return e + "/openai/v1/realtime?model=" + url.QueryEscape(deployment), nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Type             string      `json:"type"`
	Instructions     string      `json:"instructions,omitempty"`
	OutputModalities []string    `json:"output_modalities"`
	Audio            audioParams `json:"audio"`
}

type audioParams struct {
	Input  audioInputParams  `json:"input"`
	Output audioOutputParams `json:"output"`
}

type audioInputParams struct {
	Format        pcmFormat            `json:"format"`
	Transcription *transcriptionParams `json:"transcription,omitempty"`
	TurnDetection turnDetectionParams  `json:"turn_detection"`
}

type audioOutputParams struct {
	Voice  string    `json:"voice,omitempty"`
	Format pcmFormat `json:"format"`
}

type pcmFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id,omitempty"`
	Response *ResponseOption `json:"response,omitempty"`
}

type responseCancelMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// ResponseOption overrides session defaults for a single response.
type ResponseOption struct {
	Instructions string  `json:"instructions,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client is a connected realtime session. All methods are safe for
// concurrent use. A Client is single-use: once the socket fails or Close is
// called, dial a fresh one.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to the realtime endpoint, authenticates and sends the
// initial session.update. The returned Client accepts audio immediately.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	wsURL, err := RealtimeURL(cfg.Endpoint, cfg.Deployment)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	switch {
	case cfg.APIKey != "":
		header.Set("api-key", cfg.APIKey)
	case cfg.Credential != nil:
		token, err := cfg.Credential.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("aoai: acquire token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	default:
		return nil, fmt.Errorf("aoai: no credentials: set an API key or a token provider")
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("aoai: dial: %w", err)
	}
	// Audio deltas routinely exceed the library's default read limit.
	conn.SetReadLimit(-1)

	clientCtx, clientCancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    clientCtx,
		cancel: clientCancel,
	}

	if err := c.sendSessionUpdate(cfg); err != nil {
		clientCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("aoai: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// sendSessionUpdate configures instructions, voice, audio formats,
// transcription and turn detection for the session.
func (c *Client) sendSessionUpdate(cfg Config) error {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	threshold := cfg.VADThreshold
	if threshold <= 0 {
		threshold = defaultVADThreshold
	}
	prefixPadding := cfg.PrefixPaddingMs
	if prefixPadding <= 0 {
		prefixPadding = defaultPrefixPaddingMs
	}
	silenceDuration := cfg.SilenceDurationMs
	if silenceDuration <= 0 {
		silenceDuration = defaultSilenceDurationMs
	}
	model := cfg.TranscriptionModel
	if model == "" {
		model = defaultTranscriptionModel
	}
	lang := cfg.TranscriptionLanguage
	if lang == "" {
		lang = defaultTranscriptionLang
	}

	return c.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Type:             "realtime",
			Instructions:     cfg.Instructions,
			OutputModalities: []string{"audio"},
			Audio: audioParams{
				Input: audioInputParams{
					Format: pcmFormat{Type: "audio/pcm", Rate: rate},
					Transcription: &transcriptionParams{
						Model:    model,
						Language: lang,
					},
					TurnDetection: turnDetectionParams{
						Type:              "server_vad",
						Threshold:         threshold,
						PrefixPaddingMs:   prefixPadding,
						SilenceDurationMs: silenceDuration,
						CreateResponse:    false,
					},
				},
				Output: audioOutputParams{
					Voice:  voice,
					Format: pcmFormat{Type: "audio/pcm", Rate: rate},
				},
			},
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("aoai: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and delivers them on the
// events channel. It owns the channel: it closes it when it exits.
func (c *Client) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(err)
			}
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		evt.Raw = data

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// AppendAudio delivers a raw PCM16 chunk to the input audio buffer.
func (c *Client) AppendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("aoai: client closed")
	}
	c.mu.Unlock()

	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CreateResponse asks the model to start a response. opt, when non-nil,
// overrides session instructions and temperature for this response only.
func (c *Client) CreateResponse(eventID string, opt *ResponseOption) error {
	return c.writeJSON(responseCreateMessage{
		Type:     "response.create",
		EventID:  eventID,
		Response: opt,
	})
}

// CancelResponse asks the model to stop the in-flight response. Best effort:
// the server may answer with an error event when nothing is cancellable.
func (c *Client) CancelResponse(eventID string) error {
	return c.writeJSON(responseCancelMessage{
		Type:    "response.cancel",
		EventID: eventID,
	})
}

// Events returns the inbound event stream. The channel is closed when the
// socket closes for any reason; [Client.Err] reports the cause.
func (c *Client) Events() <-chan Event { return c.events }

// Err returns the first transport error that terminated the event stream,
// or nil after a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
