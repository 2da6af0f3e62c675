package mediator

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kakehashi-dev/kakehashi/internal/config"
	"github.com/kakehashi-dev/kakehashi/pkg/aoai"
)

func audioDelta(pcm []byte) aoai.Event {
	return aoai.Event{
		Type:  "response.output_audio.delta",
		Delta: base64.StdEncoding.EncodeToString(pcm),
	}
}

func transcriptionCompleted(text string) aoai.Event {
	return aoai.Event{
		Type:       "conversation.item.input_audio_transcription.completed",
		Transcript: text,
	}
}

// ── Response triggering ──────────────────────────────────────────────────

func TestTranscription_CreatesSingleResponse(t *testing.T) {
	s, _ := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, transcriptionCompleted("こんにちは"))

	calls := link.createCalls()
	if len(calls) != 1 {
		t.Fatalf("response.create calls = %d, want 1", len(calls))
	}
	if !strings.HasPrefix(calls[0].eventID, "response_create_") {
		t.Errorf("event id = %q, want response_create_ prefix", calls[0].eventID)
	}
	if calls[0].opt != nil {
		t.Errorf("opt = %+v, want nil (session defaults)", calls[0].opt)
	}
	if !s.responseInflight() {
		t.Error("aoaiInflight should be set after response.create")
	}

	// A second transcription while the response runs must not start another.
	s.handleEvent(ctx, link, transcriptionCompleted("もう一つ"))
	if got := len(link.createCalls()); got != 1 {
		t.Errorf("response.create calls = %d after second transcription, want 1", got)
	}
}

func TestTranscription_AutoCreateDisabled(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *config.Config) {
		cfg.Media.AutoCreateResponse = false
	})
	link := newFakeLink()

	s.handleEvent(context.Background(), link, transcriptionCompleted("こんにちは"))
	if got := len(link.createCalls()); got != 0 {
		t.Errorf("response.create calls = %d with auto-create disabled, want 0", got)
	}
}

func TestResponseLifecycle_InflightFlag(t *testing.T) {
	s, _ := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "response.created"})
	if !s.responseInflight() {
		t.Error("inflight = false after response.created")
	}
	s.handleEvent(ctx, link, aoai.Event{Type: "response.done"})
	if s.responseInflight() {
		t.Error("inflight = true after response.done")
	}
}

// ── Fallback response timer ──────────────────────────────────────────────

func TestFallbackTimer_FiresWhenNoTranscription(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *config.Config) {
		cfg.Media.FallbackDelayMs = 20
	})
	link := newFakeLink()

	s.handleEvent(context.Background(), link, aoai.Event{Type: "input_audio_buffer.committed"})

	waitFor(t, "fallback response", func() bool { return len(link.createCalls()) == 1 })
}

func TestFallbackTimer_CancelledByTranscription(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *config.Config) {
		cfg.Media.FallbackDelayMs = 50
	})
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.speech_stopped"})
	s.handleEvent(ctx, link, transcriptionCompleted("こんにちは"))

	time.Sleep(120 * time.Millisecond)
	// Exactly one response: the transcription's; the timer must not add one.
	if got := len(link.createCalls()); got != 1 {
		t.Errorf("response.create calls = %d, want 1", got)
	}
}

func TestFallbackTimer_GuardedByInflight(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *config.Config) {
		cfg.Media.FallbackDelayMs = 20
	})
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "response.created"})
	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.committed"})

	time.Sleep(80 * time.Millisecond)
	if got := len(link.createCalls()); got != 0 {
		t.Errorf("response.create calls = %d while a response is in flight, want 0", got)
	}
}

func TestFallbackTimer_RearmReplacesPending(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *config.Config) {
		cfg.Media.FallbackDelayMs = 40
	})
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.speech_stopped"})
	time.Sleep(15 * time.Millisecond)
	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.committed"})

	waitFor(t, "fallback response", func() bool { return len(link.createCalls()) >= 1 })
	time.Sleep(80 * time.Millisecond)
	if got := len(link.createCalls()); got != 1 {
		t.Errorf("response.create calls = %d after re-arm, want 1", got)
	}
}

// ── Barge-in ─────────────────────────────────────────────────────────────

func TestBargeIn_Phrase(t *testing.T) {
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s, sink := newTestSession(t, nil, WithClock(func() time.Time { return fixed }))
	link := newFakeLink()
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 24000, 1))
	s.handleEvent(ctx, link, aoai.Event{Type: "response.created"})
	s.egress = []byte{1, 2, 3, 4} // pending synthesized audio

	s.handleEvent(ctx, link, transcriptionCompleted("ちょっと待ってください"))

	cancels := link.cancelCalls()
	if len(cancels) != 1 {
		t.Fatalf("response.cancel calls = %d, want 1", len(cancels))
	}
	if !strings.HasPrefix(cancels[0], "barge_in_cancel_") {
		t.Errorf("cancel event id = %q", cancels[0])
	}
	if want := fixed.Add(1500 * time.Millisecond); !s.dropUntil.Equal(want) {
		t.Errorf("dropUntil = %v, want %v", s.dropUntil, want)
	}
	if len(s.egress) != 0 {
		t.Error("egress buffer not cleared by barge-in")
	}
	if s.responseInflight() {
		t.Error("inflight = true after barge-in")
	}
	if got := len(link.createCalls()); got != 0 {
		t.Errorf("barge-in phrase must not trigger a response, got %d", got)
	}

	// Late deltas from the cancelled response stay inside the drop window.
	s.handleEvent(ctx, link, audioDelta(constantPCM(480, 700)))
	if len(s.egress) != 0 || len(sink.audioPayloads(t)) != 0 {
		t.Error("audio delta leaked through the drop window")
	}

	// A fresh response re-opens the gate immediately.
	s.handleEvent(ctx, link, aoai.Event{Type: "response.created"})
	s.handleEvent(ctx, link, audioDelta(constantPCM(480, 700)))
	if len(s.egress) == 0 {
		t.Error("audio delta dropped after response.created cleared the window")
	}
}

func TestBargeIn_PhraseMatchingIgnoresWhitespace(t *testing.T) {
	s, _ := newTestSession(t, nil)

	tests := []struct {
		text string
		want bool
	}{
		{"ちょっと待って", true},
		{"ちょっと 待って ください", true},
		{"あのー、ちょっとまって！", true},
		{"こんにちは", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := s.matchesBargeInPhrase(tc.text); got != tc.want {
			t.Errorf("matchesBargeInPhrase(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestBargeIn_SpeechStarted(t *testing.T) {
	s, _ := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	// Not in flight: nothing to cancel.
	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.speech_started"})
	if got := len(link.cancelCalls()); got != 0 {
		t.Errorf("cancel calls = %d without a response in flight, want 0", got)
	}

	s.handleEvent(ctx, link, aoai.Event{Type: "response.created"})
	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.speech_started"})
	if got := len(link.cancelCalls()); got != 1 {
		t.Errorf("cancel calls = %d, want 1", got)
	}
}

func TestBargeIn_SpeechStartedDisabled(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *config.Config) {
		cfg.BargeIn.OnSpeechStarted = false
	})
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "response.created"})
	s.handleEvent(ctx, link, aoai.Event{Type: "input_audio_buffer.speech_started"})
	if got := len(link.cancelCalls()); got != 0 {
		t.Errorf("cancel calls = %d with speech-start trigger disabled, want 0", got)
	}
}

// ── Egress coalescing ────────────────────────────────────────────────────

func TestEgress_CoalescesToMinChunk(t *testing.T) {
	s, sink := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	// 24 kHz caller: egress needs no resampling, payload sizes are exact.
	s.HandleMessage(ctx, metadataFrame(t, "PCM", 24000, 1))

	chunk := constantPCM(500, 900) // 1000 bytes per delta
	for i := 0; i < 3; i++ {
		s.handleEvent(ctx, link, audioDelta(chunk))
	}
	if got := len(sink.audioPayloads(t)); got != 0 {
		t.Fatalf("frames sent below threshold = %d, want 0", got)
	}

	s.handleEvent(ctx, link, audioDelta(chunk)) // 4000 >= 3200
	payloads := sink.audioPayloads(t)
	if len(payloads) != 1 {
		t.Fatalf("frames sent = %d, want 1", len(payloads))
	}
	if len(payloads[0]) != 4000 {
		t.Errorf("payload = %d bytes, want the whole 4000-byte buffer", len(payloads[0]))
	}
}

func TestEgress_ResponseDoneFlushesResidual(t *testing.T) {
	s, sink := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 24000, 1))

	total := 0
	for i := 0; i < 5; i++ {
		pcm := constantPCM(400, 123) // 800 bytes
		total += len(pcm)
		s.handleEvent(ctx, link, audioDelta(pcm))
	}
	s.handleEvent(ctx, link, aoai.Event{Type: "response.done"})

	var sent int
	for _, p := range sink.audioPayloads(t) {
		sent += len(p)
	}
	if sent != total {
		t.Errorf("bytes sent = %d, want all %d resampled egress bytes", sent, total)
	}
	if len(s.egress) != 0 {
		t.Error("egress buffer not empty after final flush")
	}
}

func TestEgress_RejectedWithoutMetadata(t *testing.T) {
	s, sink := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, audioDelta(constantPCM(2000, 5)))
	if got := len(sink.audioPayloads(t)); got != 0 {
		t.Errorf("frames sent before metadata = %d, want 0", got)
	}
}

func TestEgress_DisabledForStereoCallers(t *testing.T) {
	s, sink := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 24000, 2))
	s.handleEvent(ctx, link, audioDelta(constantPCM(2000, 5)))
	s.handleEvent(ctx, link, aoai.Event{Type: "response.done"})

	if got := len(sink.audioPayloads(t)); got != 0 {
		t.Errorf("frames sent to a stereo caller = %d, want 0 (mono-only egress)", got)
	}
}

func TestEgress_ResamplesToCallerRate(t *testing.T) {
	s, sink := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 16000, 1))

	// 2400 samples at 24 kHz → ~1600 samples at 16 kHz.
	s.handleEvent(ctx, link, audioDelta(constantPCM(2400, 321)))
	s.handleEvent(ctx, link, aoai.Event{Type: "response.done"})

	var sent int
	for _, p := range sink.audioPayloads(t) {
		sent += len(p)
	}
	if sent < 3100 || sent > 3300 {
		t.Errorf("bytes sent = %d, want ~3200 after 24k→16k conversion", sent)
	}
}

// ── Transcript accumulation ──────────────────────────────────────────────

func TestTranscript_AccumulatesAndResets(t *testing.T) {
	s, _ := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "response.output_audio_transcript.delta", Delta: "こんに"})
	s.handleEvent(ctx, link, aoai.Event{Type: "response.output_audio_transcript.delta", Delta: "ちは"})
	if got := strings.Join(s.transcript, ""); got != "こんにちは" {
		t.Errorf("accumulated transcript = %q", got)
	}

	s.handleEvent(ctx, link, aoai.Event{Type: "response.done"})
	if len(s.transcript) != 0 {
		t.Error("transcript accumulator not reset on response.done")
	}
}

func TestTranscript_DoneEventReplacesDeltas(t *testing.T) {
	s, _ := newTestSession(t, nil)
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, aoai.Event{Type: "response.output_audio_transcript.delta", Delta: "partial"})
	s.handleEvent(ctx, link, aoai.Event{Type: "response.output_audio_transcript.done", Transcript: "full sentence"})
	if got := strings.Join(s.transcript, ""); got != "full sentence" {
		t.Errorf("transcript = %q, want the final text", got)
	}
}

// ── Grounding dispatch ───────────────────────────────────────────────────

func TestGrounding_SuccessReadsAnswerVerbatim(t *testing.T) {
	agent := &fakeAgent{enabled: true, answer: "本日は晴れです"}
	s, _ := newTestSession(t, nil, WithAgent(agent))
	link := newFakeLink()

	s.handleEvent(context.Background(), link, transcriptionCompleted("今日の天気は？"))

	waitFor(t, "grounded response", func() bool { return len(link.createCalls()) == 1 })
	call := link.createCalls()[0]
	if !strings.HasPrefix(call.eventID, "response_grounded_") {
		t.Errorf("event id = %q, want response_grounded_ prefix", call.eventID)
	}
	if call.opt == nil || !strings.Contains(call.opt.Instructions, "本日は晴れです") {
		t.Errorf("instructions = %+v, want the agent answer verbatim", call.opt)
	}
	if call.opt != nil && !strings.Contains(call.opt.Instructions, "そのまま読み上げます") {
		t.Errorf("instructions missing the verbatim-readout directive: %+v", call.opt)
	}
}

func TestGrounding_FailureFallsBackWithDisclaimer(t *testing.T) {
	agent := &fakeAgent{enabled: true, err: errors.New("foundry down")}
	s, _ := newTestSession(t, nil, WithAgent(agent))
	link := newFakeLink()

	s.handleEvent(context.Background(), link, transcriptionCompleted("質問です"))

	waitFor(t, "fallback response", func() bool { return len(link.createCalls()) == 1 })
	call := link.createCalls()[0]
	if !strings.HasPrefix(call.eventID, "response_fallback_") {
		t.Errorf("event id = %q, want response_fallback_ prefix", call.eventID)
	}
	if call.opt == nil || !strings.Contains(call.opt.Instructions, config.DefaultFallbackPrefix) {
		t.Errorf("instructions = %+v, want the spoken disclaimer", call.opt)
	}
}

func TestGrounding_SkipsOverlappingCalls(t *testing.T) {
	agent := &fakeAgent{enabled: true, answer: "回答", delay: 100 * time.Millisecond}
	s, _ := newTestSession(t, nil, WithAgent(agent))
	link := newFakeLink()
	ctx := context.Background()

	s.handleEvent(ctx, link, transcriptionCompleted("一つ目"))
	s.handleEvent(ctx, link, transcriptionCompleted("二つ目")) // agent busy

	waitFor(t, "grounded response", func() bool { return len(link.createCalls()) >= 1 })
	if got := agent.callCount(); got != 1 {
		t.Errorf("agent calls = %d, want 1 (no overlap)", got)
	}
}

func TestGrounding_EmptyAnswerFallsBack(t *testing.T) {
	agent := &fakeAgent{enabled: true, answer: "   "}
	s, _ := newTestSession(t, nil, WithAgent(agent))
	link := newFakeLink()

	s.handleEvent(context.Background(), link, transcriptionCompleted("質問"))

	waitFor(t, "fallback response", func() bool { return len(link.createCalls()) == 1 })
	if !strings.HasPrefix(link.createCalls()[0].eventID, "response_fallback_") {
		t.Errorf("event id = %q, want fallback", link.createCalls()[0].eventID)
	}
}
