package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays the recognised environment variables onto cfg. Variables
// that are unset leave the current value untouched; unparsable numeric or
// boolean values are logged and ignored.
func ApplyEnv(cfg *Config) {
	// Gateway
	envStr("GATEWAY_HOST", &cfg.Server.Host)
	envInt("GATEWAY_PORT", &cfg.Server.Port)
	envStr("FASTAPI_UDS", &cfg.Server.UDSPath)
	envStr("GATEWAY_MEDIA_WS_PATH", &cfg.Server.MediaPath)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}

	// AOAI connection
	envStr("AZURE_OPENAI_ENDPOINT", &cfg.AOAI.Endpoint)
	envStr("AZURE_OPENAI_DEPLOYMENT", &cfg.AOAI.Deployment)
	envStr("AZURE_OPENAI_API_KEY", &cfg.AOAI.APIKey)
	envStr("AOAI_VOICE", &cfg.AOAI.Voice)
	envStr("AOAI_INSTRUCTIONS", &cfg.AOAI.Instructions)
	envStr("AOAI_INSTRUCTIONS_FILE", &cfg.AOAI.InstructionsFile)
	envBoolPtr("MEDIA_WS_ENABLE_AOAI", &cfg.AOAI.Enable)

	// Media bridge
	envInt("MEDIA_WS_AOAI_TARGET_RATE", &cfg.Media.TargetRate)
	envBool("MEDIA_WS_AOAI_AUTO_CREATE_RESPONSE", &cfg.Media.AutoCreateResponse)
	envInt("MEDIA_WS_AOAI_RESPONSE_FALLBACK_DELAY_MS", &cfg.Media.FallbackDelayMs)
	envBool("MEDIA_WS_SEND_AUDIO_TO_ACS", &cfg.Media.SendAudioToACS)
	envInt("MEDIA_WS_ACS_SEND_MIN_CHUNK_BYTES", &cfg.Media.MinChunkBytes)
	envBool("MEDIA_WS_ACS_SEND_FLUSH_ON_DONE", &cfg.Media.FlushOnDone)
	envBool("MEDIA_WS_LOG_AUDIO_STATS", &cfg.Media.LogAudioStats)
	envInt("MEDIA_WS_LOG_AUDIO_STATS_INTERVAL_MS", &cfg.Media.AudioStatsIntervalMs)
	envBool("MEDIA_WS_LOG_AOAI_OUTPUT_TRANSCRIPT", &cfg.Media.LogOutputTranscript)

	// Barge-in
	if v, ok := os.LookupEnv("MEDIA_WS_BARGE_IN_PHRASES"); ok {
		cfg.BargeIn.Phrases = splitPhrases(v)
	}
	envInt("MEDIA_WS_BARGE_IN_DROP_MS", &cfg.BargeIn.DropMs)
	envBool("MEDIA_WS_BARGE_IN_ON_SPEECH_STARTED", &cfg.BargeIn.OnSpeechStarted)

	// Resampler
	envStr("MEDIA_WS_RESAMPLER", &cfg.Resampler.Method)
	envStr("MEDIA_WS_SOXR_QUALITY", &cfg.Resampler.Quality)

	// Grounding agent. The AZURE_FOUNDRY_* names are legacy aliases and
	// only apply when the current names are unset.
	envStr("AZURE_FOUNDRY_PROJECT_ENDPOINT", &cfg.Agent.ProjectEndpoint)
	envStr("AZURE_FOUNDRY_AGENT_ID", &cfg.Agent.AgentID)
	envStr("AZURE_AI_PROJECT_ENDPOINT", &cfg.Agent.ProjectEndpoint)
	envStr("AZURE_AI_AGENT_ID", &cfg.Agent.AgentID)
	envBoolPtr("MEDIA_WS_AGENT_ENABLE", &cfg.Agent.Enable)
	envInt("MEDIA_WS_AGENT_TIMEOUT_MS", &cfg.Agent.TimeoutMs)
	envInt("MEDIA_WS_AGENT_MAX_OUTPUT_CHARS", &cfg.Agent.MaxOutputChars)
	envStr("MEDIA_WS_AGENT_FALLBACK_PREFIX", &cfg.Agent.FallbackPrefix)
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("ignoring non-numeric environment variable", "name", name, "value", v)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v, ok := lookupBool(name)
	if ok {
		*dst = v
	}
}

func envBoolPtr(name string, dst **bool) {
	v, ok := lookupBool(name)
	if ok {
		*dst = &v
	}
}

func lookupBool(name string) (value, ok bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	case "":
		return false, false
	default:
		slog.Warn("ignoring non-boolean environment variable", "name", name, "value", raw)
		return false, false
	}
}

func splitPhrases(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
