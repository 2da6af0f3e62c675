// Package config provides the configuration schema and loaders for the
// Kakehashi voice bridge.
//
// A [Config] is assembled once at startup: [Default] supplies the built-in
// defaults, an optional YAML file overlays them, and [ApplyEnv] applies the
// environment variables last, so the environment always wins. The resulting
// value is passed explicitly to the gateway, which injects it into each
// media session.
package config

import (
	"fmt"
	"os"
	"strings"
)

// LogLevel controls log verbosity for the Kakehashi server.
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

// DefaultInstructions is the built-in assistant system prompt, used when
// neither an instructions file nor an inline override is configured.
const DefaultInstructions = "あなたは株式会社西友（せいゆう）の日本語音声アシスタントです。常に丁寧語（です・ます調）で応答し、なれなれしい言葉遣い・タメ口・過度なフランク表現は避けてください。ユーザーの発話内容に忠実に回答し、根拠のない推測や断定はしません。最新情報が必要な場合は、参照元（URLや資料）を確認して取得できる場合のみ反映し、取得できない場合は『現時点では確認できません』と明確に伝え、必要なURL/情報の提示をお願いしてください。聞き取れない場合は推測せず、日本語で『恐れ入りますが、もう一度お願いいたします。』と聞き返してください。"

// DefaultFallbackPrefix is spoken at the start of an answer when web
// grounding was unavailable.
const DefaultFallbackPrefix = "今は検索できないので一般知識で答えます"

// Config is the root configuration structure for Kakehashi.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AOAI      AOAIConfig      `yaml:"aoai"`
	Media     MediaConfig     `yaml:"media"`
	BargeIn   BargeInConfig   `yaml:"barge_in"`
	Resampler ResamplerConfig `yaml:"resampler"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig holds network and logging settings for the unified gateway.
type ServerConfig struct {
	// Host is the public bind address.
	Host string `yaml:"host"`

	// Port is the public TCP port multiplexing media WebSocket and
	// control-plane traffic.
	Port int `yaml:"port"`

	// UDSPath is the Unix domain socket the control-plane HTTP server
	// listens on; the gateway proxies non-media requests to it.
	UDSPath string `yaml:"uds_path"`

	// MediaPath is the WebSocket upgrade path for ACS media streaming.
	MediaPath string `yaml:"media_path"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AOAIConfig holds the Azure OpenAI Realtime connection settings.
type AOAIConfig struct {
	// Enable overrides the computed default (on iff Endpoint and
	// Deployment are both set). Nil means "decide from the other fields".
	Enable *bool `yaml:"enable"`

	// Endpoint is the Azure OpenAI resource endpoint (https or wss form).
	Endpoint string `yaml:"endpoint"`

	// Deployment is the realtime model deployment name.
	Deployment string `yaml:"deployment"`

	// APIKey authenticates with the api-key header. When empty, Entra
	// keyless auth is used instead.
	APIKey string `yaml:"api_key"`

	// Voice is the synthesis voice.
	Voice string `yaml:"voice"`

	// Instructions is the inline system prompt.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is a UTF-8 text file with the system prompt. It
	// takes precedence over Instructions.
	InstructionsFile string `yaml:"instructions_file"`
}

// Enabled reports whether sessions should bridge audio to AOAI.
func (c AOAIConfig) Enabled() bool {
	if c.Enable != nil {
		return *c.Enable
	}
	return c.Endpoint != "" && c.Deployment != ""
}

// ResolveInstructions returns the system prompt. Precedence: instructions
// file, then inline instructions, then [DefaultInstructions]. A file that
// exists but holds only whitespace falls through to the next source.
func (c AOAIConfig) ResolveInstructions() (string, error) {
	if path := strings.TrimSpace(c.InstructionsFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("config: read instructions file %q: %w", path, err)
		}
		if text := string(data); strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	if strings.TrimSpace(c.Instructions) != "" {
		return c.Instructions, nil
	}
	return DefaultInstructions, nil
}

// MediaConfig tunes the per-session audio bridging behaviour.
type MediaConfig struct {
	// TargetRate is the PCM16 sample rate of the AOAI leg in Hz.
	TargetRate int `yaml:"target_rate"`

	// AutoCreateResponse lets the mediator issue response.create on
	// transcription completion and on the fallback timer.
	AutoCreateResponse bool `yaml:"auto_create_response"`

	// FallbackDelayMs is how long to wait for a transcription after a
	// speech commit before forcing a response.
	FallbackDelayMs int `yaml:"fallback_delay_ms"`

	// SendAudioToACS enables the egress audio path.
	SendAudioToACS bool `yaml:"send_audio_to_acs"`

	// MinChunkBytes is the coalescing threshold for outbound ACS audio.
	MinChunkBytes int `yaml:"min_chunk_bytes"`

	// FlushOnDone flushes the resampler tail and residual buffer when a
	// response finishes.
	FlushOnDone bool `yaml:"flush_on_done"`

	// LogAudioStats emits periodic per-session ingress byte counts.
	LogAudioStats bool `yaml:"log_audio_stats"`

	// AudioStatsIntervalMs is the minimum interval between stat lines.
	AudioStatsIntervalMs int `yaml:"audio_stats_interval_ms"`

	// LogOutputTranscript logs the accumulated assistant transcript when a
	// response completes.
	LogOutputTranscript bool `yaml:"log_output_transcript"`
}

// BargeInConfig controls interruption of in-flight assistant responses.
type BargeInConfig struct {
	// Phrases lists stop phrases matched against user transcriptions after
	// whitespace normalization.
	Phrases []string `yaml:"phrases"`

	// DropMs is the window after a cancel during which late assistant
	// audio deltas are discarded.
	DropMs int `yaml:"drop_ms"`

	// OnSpeechStarted cancels the response the instant server VAD reports
	// the caller speaking.
	OnSpeechStarted bool `yaml:"on_speech_started"`
}

// ResamplerConfig selects the sample-rate conversion engine.
type ResamplerConfig struct {
	// Method is one of auto, soxr, linear or audioop.
	Method string `yaml:"method"`

	// Quality is the sinc engine quality token (LQ, MQ, HQ, VHQ).
	Quality string `yaml:"quality"`
}

// AgentConfig holds the optional web-grounding agent settings.
type AgentConfig struct {
	// Enable overrides the computed default (on iff ProjectEndpoint and
	// AgentID are both set). Nil means "decide from the other fields".
	Enable *bool `yaml:"enable"`

	// ProjectEndpoint is the AI Foundry project endpoint.
	ProjectEndpoint string `yaml:"project_endpoint"`

	// AgentID identifies the pre-provisioned grounding agent.
	AgentID string `yaml:"agent_id"`

	// TimeoutMs bounds a single grounding call.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxOutputChars truncates grounded answers before they are read out.
	MaxOutputChars int `yaml:"max_output_chars"`

	// FallbackPrefix is the disclaimer spoken when grounding fails.
	FallbackPrefix string `yaml:"fallback_prefix"`
}

// Enabled reports whether grounding dispatch is active.
func (c AgentConfig) Enabled() bool {
	if c.Enable != nil {
		return *c.Enable
	}
	return c.ProjectEndpoint != "" && c.AgentID != ""
}

// Default returns a Config populated with every built-in default. Loaders
// overlay YAML and environment values on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8000,
			UDSPath:   ".run/fastapi.sock",
			MediaPath: "/ws/media",
			LogLevel:  LogInfo,
		},
		AOAI: AOAIConfig{
			Voice: "sage",
		},
		Media: MediaConfig{
			TargetRate:           24000,
			AutoCreateResponse:   true,
			FallbackDelayMs:      600,
			SendAudioToACS:       true,
			MinChunkBytes:        3200,
			FlushOnDone:          true,
			LogAudioStats:        false,
			AudioStatsIntervalMs: 2000,
			LogOutputTranscript:  true,
		},
		BargeIn: BargeInConfig{
			Phrases:         []string{"ちょっと待って", "ちょっとまって"},
			DropMs:          1500,
			OnSpeechStarted: true,
		},
		Resampler: ResamplerConfig{
			Method:  "auto",
			Quality: "HQ",
		},
		Agent: AgentConfig{
			TimeoutMs:      2000,
			MaxOutputChars: 1200,
			FallbackPrefix: DefaultFallbackPrefix,
		},
	}
}
