// Package mediator couples one ACS media WebSocket with one Azure OpenAI
// realtime session.
//
// A [Session] is created per call by the gateway. Caller audio arriving on
// the ACS socket is downmixed, resampled to the realtime rate and appended
// upstream; synthesized audio coming back is resampled to the caller's rate,
// coalesced into sensible chunk sizes and written back as AudioData frames.
// A supervisor keeps the upstream link alive across failures without ever
// dropping the call, and a small state machine decides when responses start
// (transcription, fallback timer, grounding) and when they are cancelled
// (barge-in).
package mediator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kakehashi-dev/kakehashi/internal/config"
	"github.com/kakehashi-dev/kakehashi/internal/observe"
	"github.com/kakehashi-dev/kakehashi/pkg/aoai"
	"github.com/kakehashi-dev/kakehashi/pkg/audio"
)

// ACSSink writes JSON frames back to the ACS media WebSocket.
type ACSSink interface {
	SendJSON(ctx context.Context, v any) error
}

// RealtimeLink is the slice of [aoai.Client] the session drives. Narrowed to
// an interface so tests can substitute a fake upstream.
type RealtimeLink interface {
	AppendAudio(pcm []byte) error
	CreateResponse(eventID string, opt *aoai.ResponseOption) error
	CancelResponse(eventID string) error
	Events() <-chan aoai.Event
	Err() error
	Close() error
}

var _ RealtimeLink = (*aoai.Client)(nil)

// Dialer opens a fresh realtime link. Called by the supervisor on every
// (re)connect attempt.
type Dialer func(ctx context.Context) (RealtimeLink, error)

// GroundingAgent answers a user utterance with web-grounded text.
type GroundingAgent interface {
	Enabled() bool
	Run(ctx context.Context, query string) (string, error)
}

// Identity carries the call identifiers read from the upgrade request.
type Identity struct {
	CallConnectionID string
	CorrelationID    string
}

// Session mediates a single call. Create with [New], feed inbound frames via
// [Session.HandleMessage], and call [Session.Close] when the ACS socket ends.
type Session struct {
	cfg    *config.Config
	sink   ACSSink
	id     Identity
	dial   Dialer
	agent  GroundingAgent
	metric *observe.Metrics
	logger *slog.Logger
	now    func() time.Time

	// supervisor wiring
	backoffInitial time.Duration
	backoffMax     time.Duration
	backoffFactor  float64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// mu guards the cross-task state: the live link handle, the inflight
	// flags, the barge-in gate and the fallback timer.
	mu            sync.Mutex
	link          RealtimeLink
	aoaiInflight  bool
	agentInflight bool
	dropUntil     time.Time
	fallbackTimer *time.Timer

	// ingress state, touched only by the HandleMessage caller.
	metaSeen     bool
	sampleRate   int
	channels     int
	encoding     string
	supervising  bool
	bytesIn      int64
	lastStatEmit time.Time
	acsToAoai    *audio.Resampler

	// egress state, touched only by the event pump.
	aoaiToAcs  *audio.Resampler
	egress     []byte
	transcript []string
}

// Option customizes a [Session].
type Option func(*Session)

// WithDialer sets how the supervisor reaches AOAI. Without a dialer the
// supervisor never starts and caller audio is only counted.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithAgent enables grounding dispatch.
func WithAgent(a GroundingAgent) Option {
	return func(s *Session) { s.agent = a }
}

// WithMetrics overrides the process-wide metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metric = m }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock overrides the time source. Used by tests to pin the barge-in
// drop window.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// withBackoff tightens the supervisor schedule for tests.
func withBackoff(initial, max time.Duration, factor float64) Option {
	return func(s *Session) {
		s.backoffInitial = initial
		s.backoffMax = max
		s.backoffFactor = factor
	}
}

// New creates a session for one accepted ACS media WebSocket.
func New(cfg *config.Config, sink ACSSink, id Identity, opts ...Option) *Session {
	s := &Session{
		cfg:            cfg,
		sink:           sink,
		id:             id,
		logger:         slog.Default(),
		now:            time.Now,
		backoffInitial: 500 * time.Millisecond,
		backoffMax:     8 * time.Second,
		backoffFactor:  1.8,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metric == nil {
		s.metric = observe.DefaultMetrics()
	}
	s.logger = s.logger.With(
		slog.String("call_connection_id", id.CallConnectionID),
		slog.String("correlation_id", id.CorrelationID),
	)
	return s
}

// Close latches session shutdown: the supervisor exits, the upstream link is
// closed and the fallback timer is stopped. Idempotent; blocks until the
// supervisor task has finished.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		if s.fallbackTimer != nil {
			s.fallbackTimer.Stop()
			s.fallbackTimer = nil
		}
		link := s.link
		s.link = nil
		s.mu.Unlock()

		if link != nil {
			_ = link.Close()
		}
	})
	s.wg.Wait()
}

// Closed reports whether shutdown has been latched.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// currentLink is the non-blocking readiness probe used by ingress: audio is
// forwarded only when a link is up, otherwise the frame is dropped for this
// tick. ACS keeps sending ~20 ms frames, so nothing accumulates.
func (s *Session) currentLink() RealtimeLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) setLink(l RealtimeLink) {
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
}

func (s *Session) clearLink() {
	s.mu.Lock()
	s.link = nil
	s.aoaiInflight = false
	s.mu.Unlock()
}
