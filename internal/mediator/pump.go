package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kakehashi-dev/kakehashi/pkg/aoai"
	"github.com/kakehashi-dev/kakehashi/pkg/audio"
)

// groundedReadoutPrompt precedes a grounded answer in the per-response
// instructions; the model reads the text verbatim.
const groundedReadoutPrompt = "次の回答文を、日本語で自然に読み上げてください。内容は改変せず、そのまま読み上げます。\n\n"

// fallbackPromptFormat is used when grounding fails; %s is the spoken
// disclaimer prefix.
const fallbackPromptFormat = "ユーザーの質問に回答してください。冒頭で必ず『%s』と一言述べてから、一般知識で回答してください。"

// eventID builds the client event id sent with response.create /
// response.cancel, e.g. "response_create_1724652000123".
func (s *Session) eventID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, s.now().UnixMilli())
}

// runPump consumes the realtime event stream until the link or the session
// ends. Residual egress audio is delivered best effort on exit.
func (s *Session) runPump(ctx context.Context, link RealtimeLink) {
	defer s.drainEgress(ctx)

	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-link.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, link, evt)
		}
	}
}

// handleEvent dispatches one realtime server event. Only the enumerated
// types are acted on; everything else is opaque and ignored.
func (s *Session) handleEvent(ctx context.Context, link RealtimeLink, evt aoai.Event) {
	switch evt.Type {
	case "session.created", "session.updated", "conversation.created":
		s.logger.Info("realtime session event", slog.String("type", evt.Type))

	case "response.created":
		// A new legitimate response re-opens the audio gate even when a
		// barge-in drop window is still pending: the response is
		// user-solicited and should be audible immediately.
		s.mu.Lock()
		s.aoaiInflight = true
		s.dropUntil = time.Time{}
		s.mu.Unlock()
		s.logger.Debug("response started")

	case "input_audio_buffer.speech_started":
		if s.cfg.BargeIn.OnSpeechStarted && s.responseInflight() {
			s.bargeIn(ctx, link, "speech_started")
		}

	case "input_audio_buffer.speech_stopped", "input_audio_buffer.committed":
		s.armFallbackTimer(ctx, link)

	case "conversation.item.input_audio_transcription.completed":
		s.handleTranscription(ctx, link, evt.Transcript)

	case "conversation.item.input_audio_transcription.failed":
		s.logger.Warn("input transcription failed")

	case "error":
		s.logger.Warn("realtime error event",
			slog.String("message", evt.ErrorMessage()))

	case "response.audio.delta", "response.output_audio.delta":
		s.onAudioDelta(ctx, evt)

	case "response.audio.done", "response.output_audio.done":
		s.flushEgress(ctx)

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		s.transcript = append(s.transcript, evt.Delta)

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		if evt.Transcript != "" {
			s.transcript = []string{evt.Transcript}
		}

	case "response.done":
		s.mu.Lock()
		s.aoaiInflight = false
		s.mu.Unlock()
		s.flushEgress(ctx)
		s.emitTranscript()

	default:
		// Unhandled event types are part of normal protocol chatter.
	}
}

func (s *Session) responseInflight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aoaiInflight
}

// ── Egress audio (AOAI → ACS) ────────────────────────────────────────────

// onAudioDelta runs one synthesized audio chunk through the egress
// pipeline: drop-window gate, rate conversion, coalescing.
func (s *Session) onAudioDelta(ctx context.Context, evt aoai.Event) {
	pcm := evt.AudioData()
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	dropping := s.now().Before(s.dropUntil)
	s.mu.Unlock()
	if dropping {
		return
	}

	if !s.cfg.Media.SendAudioToACS || !s.metaSeen || s.channels == 2 || !strings.EqualFold(s.encoding, "PCM") {
		return
	}

	out := s.resampleEgress(pcm)
	if len(out) == 0 {
		return
	}
	s.egress = append(s.egress, out...)
	if len(s.egress) >= s.cfg.Media.MinChunkBytes {
		s.drainEgress(ctx)
	}
}

// resampleEgress converts synthesized audio from the realtime rate to the
// caller's negotiated rate.
func (s *Session) resampleEgress(pcm []byte) []byte {
	if s.cfg.Media.TargetRate == s.sampleRate {
		return pcm
	}
	if s.aoaiToAcs == nil {
		method, err := audio.ParseMethod(s.cfg.Resampler.Method)
		if err != nil {
			method = audio.MethodAuto
		}
		r, err := audio.NewResampler(s.cfg.Media.TargetRate, s.sampleRate, method, s.cfg.Resampler.Quality)
		if err != nil {
			s.logger.Warn("egress resampler unavailable", slog.String("error", err.Error()))
			return nil
		}
		s.aoaiToAcs = r
	}
	return s.aoaiToAcs.Resample(pcm)
}

// drainEgress ships the whole coalescing buffer as one AudioData frame.
func (s *Session) drainEgress(ctx context.Context) {
	if len(s.egress) == 0 {
		return
	}
	payload := s.egress
	s.egress = nil

	s.metric.AudioBytesOut.Add(ctx, int64(len(payload)))
	if err := s.sink.SendJSON(ctx, audioDataFrame(payload)); err != nil {
		s.logger.Debug("ACS send failed", slog.String("error", err.Error()))
	}
}

// flushEgress finishes the current egress stream: the resampler tail is
// appended and the residual buffer shipped regardless of the coalescing
// threshold.
func (s *Session) flushEgress(ctx context.Context) {
	if !s.cfg.Media.FlushOnDone {
		return
	}
	if s.aoaiToAcs != nil {
		s.egress = append(s.egress, s.aoaiToAcs.Flush()...)
	}
	s.drainEgress(ctx)
}

// emitTranscript logs the accumulated assistant transcript for the finished
// response and resets the accumulator.
func (s *Session) emitTranscript() {
	if len(s.transcript) == 0 {
		return
	}
	text := strings.Join(s.transcript, "")
	s.transcript = nil
	if s.cfg.Media.LogOutputTranscript {
		s.logger.Info("assistant transcript", slog.String("text", text))
	}
}

// ── Barge-in ─────────────────────────────────────────────────────────────

// bargeIn cancels the in-flight response: late audio deltas are suppressed
// for the configured drop window, the egress pipeline is reset, and a
// best-effort response.cancel is sent. The drop window makes the behavior
// correct even when the server does not honor the cancel.
func (s *Session) bargeIn(ctx context.Context, link RealtimeLink, trigger string) {
	dropFor := time.Duration(s.cfg.BargeIn.DropMs) * time.Millisecond

	s.mu.Lock()
	s.dropUntil = s.now().Add(dropFor)
	s.aoaiInflight = false
	s.mu.Unlock()

	s.egress = nil
	if s.aoaiToAcs != nil {
		s.aoaiToAcs.Reset()
	}

	if err := link.CancelResponse(s.eventID("barge_in_cancel")); err != nil {
		s.logger.Debug("response.cancel failed", slog.String("error", err.Error()))
	}

	s.metric.RecordBargeIn(ctx, trigger)
	s.logger.Info("barge-in", slog.String("trigger", trigger))
}

// matchesBargeInPhrase normalizes both sides by stripping all whitespace and
// tests substring containment.
func (s *Session) matchesBargeInPhrase(text string) bool {
	normalized := stripSpace(text)
	if normalized == "" {
		return false
	}
	for _, phrase := range s.cfg.BargeIn.Phrases {
		p := stripSpace(phrase)
		if p != "" && strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '　' {
			return -1
		}
		return r
	}, s)
}

// ── Response triggering ──────────────────────────────────────────────────

// handleTranscription reacts to a completed user transcription: barge-in
// phrase check first, then grounding dispatch, then the plain auto-response
// path.
func (s *Session) handleTranscription(ctx context.Context, link RealtimeLink, text string) {
	s.logger.Info("user transcription", slog.String("text", text))
	s.stopFallbackTimer()

	if s.matchesBargeInPhrase(text) {
		if s.responseInflight() {
			s.bargeIn(ctx, link, "phrase")
		}
		return
	}

	if s.agent != nil && s.agent.Enabled() {
		s.mu.Lock()
		if s.agentInflight {
			s.mu.Unlock()
			s.logger.Debug("grounding already in flight, skipping")
			return
		}
		s.agentInflight = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.ground(ctx, link, text)
		return
	}

	if !s.cfg.Media.AutoCreateResponse {
		return
	}
	s.createResponse(ctx, link, s.eventID("response_create"), nil, "transcription")
}

// createResponse sends response.create under the single-response-in-flight
// invariant. No-op when a response is already running.
func (s *Session) createResponse(ctx context.Context, link RealtimeLink, eventID string, opt *aoai.ResponseOption, kind string) {
	s.mu.Lock()
	if s.aoaiInflight {
		s.mu.Unlock()
		return
	}
	s.aoaiInflight = true
	s.mu.Unlock()

	if err := link.CreateResponse(eventID, opt); err != nil {
		s.mu.Lock()
		s.aoaiInflight = false
		s.mu.Unlock()
		s.logger.Debug("response.create failed", slog.String("error", err.Error()))
		return
	}
	s.metric.RecordResponseCreated(ctx, kind)
}

// ── Fallback response timer ──────────────────────────────────────────────

// armFallbackTimer (re)starts the one-shot timer that forces a response when
// no transcription arrives after a speech commit. Re-arming cancels any
// pending timer.
func (s *Session) armFallbackTimer(ctx context.Context, link RealtimeLink) {
	if !s.cfg.Media.AutoCreateResponse {
		return
	}
	delay := time.Duration(s.cfg.Media.FallbackDelayMs) * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	s.fallbackTimer = time.AfterFunc(delay, func() {
		if s.Closed() {
			return
		}
		s.createResponse(ctx, link, s.eventID("response_create"), nil, "fallback_timer")
	})
}

func (s *Session) stopFallbackTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
}

// ── Grounding dispatch ───────────────────────────────────────────────────

// ground runs the web-grounding agent for one utterance and issues the
// resulting response: a verbatim readout on success, a prefixed
// general-knowledge answer otherwise. Grounding never fails the call.
func (s *Session) ground(ctx context.Context, link RealtimeLink, query string) {
	defer s.wg.Done()

	start := time.Now()
	answer, err := s.agent.Run(ctx, query)
	elapsed := time.Since(start)

	var (
		opt      *aoai.ResponseOption
		kind     string
		idPrefix string
		outcome  string
	)
	if err == nil && strings.TrimSpace(answer) != "" {
		opt = &aoai.ResponseOption{Instructions: groundedReadoutPrompt + answer}
		kind, idPrefix, outcome = "grounded", "response_grounded", "ok"
	} else {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case err != nil:
			outcome = "error"
		default:
			outcome = "empty"
		}
		opt = &aoai.ResponseOption{
			Instructions: fmt.Sprintf(fallbackPromptFormat, s.cfg.Agent.FallbackPrefix),
		}
		kind, idPrefix = "fallback", "response_fallback"
		s.logger.Warn("grounding unavailable",
			slog.String("outcome", outcome),
			slog.Duration("elapsed", elapsed),
		)
	}
	s.metric.RecordGrounding(ctx, outcome, elapsed.Seconds())

	s.mu.Lock()
	s.agentInflight = false
	s.mu.Unlock()

	if s.Closed() {
		return
	}
	s.createResponse(ctx, link, s.eventID(idPrefix), opt, kind)
}
