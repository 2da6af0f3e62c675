package mediator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kakehashi-dev/kakehashi/pkg/audio"
)

// ── ACS media frame types ────────────────────────────────────────────────

type acsFrame struct {
	Kind          string            `json:"kind"`
	AudioMetadata *acsAudioMetadata `json:"audioMetadata,omitempty"`
	AudioData     *acsAudioData     `json:"audioData,omitempty"`
	DtmfData      *acsDtmfData      `json:"dtmfData,omitempty"`
}

type acsAudioMetadata struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Length     int    `json:"length"`
}

type acsAudioData struct {
	Data string `json:"data"`
}

type acsDtmfData struct {
	Data string `json:"data"`
}

// audioDataFrame builds the outbound AudioData frame for ACS.
func audioDataFrame(pcm []byte) acsFrame {
	return acsFrame{
		Kind:      "AudioData",
		AudioData: &acsAudioData{Data: base64.StdEncoding.EncodeToString(pcm)},
	}
}

// ── Ingress (ACS → AOAI) ─────────────────────────────────────────────────

// HandleMessage processes one inbound ACS frame. Malformed JSON and unknown
// kinds are ignored; audio is forwarded upstream best effort. Must be called
// from a single goroutine (the ACS read loop).
func (s *Session) HandleMessage(ctx context.Context, data []byte) {
	var frame acsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("ignoring malformed ACS frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Kind {
	case "AudioMetadata":
		if frame.AudioMetadata != nil {
			s.handleMetadata(ctx, *frame.AudioMetadata)
		}
	case "AudioData":
		if frame.AudioData != nil {
			s.handleAudioData(ctx, frame.AudioData.Data)
		}
	case "DtmfData":
		if frame.DtmfData != nil {
			s.logger.Info("DTMF received", slog.String("digit", frame.DtmfData.Data))
		}
	default:
		s.logger.Debug("ignoring ACS frame", slog.String("kind", frame.Kind))
	}
}

// handleMetadata latches the audio contract and starts the supervisor. The
// contract is set at most once; repeated metadata frames are ignored.
func (s *Session) handleMetadata(ctx context.Context, meta acsAudioMetadata) {
	if s.metaSeen {
		s.logger.Debug("duplicate AudioMetadata ignored")
		return
	}
	s.metaSeen = true
	s.sampleRate = meta.SampleRate
	s.channels = meta.Channels
	s.encoding = meta.Encoding

	s.logger.Info("audio metadata received",
		slog.String("encoding", meta.Encoding),
		slog.Int("sample_rate", meta.SampleRate),
		slog.Int("channels", meta.Channels),
	)

	if s.dial != nil && !s.supervising {
		s.supervising = true
		s.wg.Add(1)
		go s.supervise(ctx)
	}
}

// handleAudioData decodes, downmixes and resamples one caller audio frame,
// then appends it upstream when the link is ready.
func (s *Session) handleAudioData(ctx context.Context, b64 string) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(pcm) == 0 {
		return
	}
	s.bytesIn += int64(len(pcm))
	s.metric.AudioBytesIn.Add(ctx, int64(len(pcm)))
	s.maybeLogStats()

	if !s.metaSeen || s.channels < 1 || s.channels > 2 {
		return
	}

	if s.channels == 2 {
		pcm = audio.StereoToMono(pcm)
		if len(pcm) == 0 {
			return
		}
	}

	pcm = s.resampleIngress(pcm)
	if len(pcm) == 0 {
		return
	}

	link := s.currentLink()
	if link == nil {
		// Upstream not ready; drop this tick, the supervisor is on it.
		return
	}
	if err := link.AppendAudio(pcm); err != nil {
		// Treated as link death: the supervisor reconnects.
		s.logger.Debug("append audio failed", slog.String("error", err.Error()))
	}
}

// resampleIngress converts caller audio to the realtime rate, constructing
// the stream state on first use.
func (s *Session) resampleIngress(pcm []byte) []byte {
	target := s.cfg.Media.TargetRate
	if s.sampleRate == target {
		return pcm
	}
	if s.acsToAoai == nil {
		method, err := audio.ParseMethod(s.cfg.Resampler.Method)
		if err != nil {
			method = audio.MethodAuto
		}
		r, err := audio.NewResampler(s.sampleRate, target, method, s.cfg.Resampler.Quality)
		if err != nil {
			s.logger.Warn("ingress resampler unavailable", slog.String("error", err.Error()))
			return nil
		}
		s.acsToAoai = r
	}
	return s.acsToAoai.Resample(pcm)
}

// maybeLogStats emits ingress byte counts at most once per configured
// interval.
func (s *Session) maybeLogStats() {
	if !s.cfg.Media.LogAudioStats {
		return
	}
	now := s.now()
	interval := time.Duration(s.cfg.Media.AudioStatsIntervalMs) * time.Millisecond
	if !s.lastStatEmit.IsZero() && now.Sub(s.lastStatEmit) < interval {
		return
	}
	s.lastStatEmit = now
	s.logger.Info("audio ingress stats",
		slog.Int64("bytes_in", s.bytesIn),
		slog.Int("sample_rate", s.sampleRate),
		slog.Int("channels", s.channels),
	)
}
