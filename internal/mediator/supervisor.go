package mediator

import (
	"context"
	"log/slog"
	"time"
)

// supervise keeps the realtime link alive for the lifetime of the session.
// Connect failures and mid-call link deaths are retried with exponential
// backoff; the ACS call is never torn down because the upstream fails —
// caller audio keeps being received and counted, and forwarding resumes as
// soon as a fresh link is up (each dial re-sends the session configuration).
func (s *Session) supervise(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.backoffInitial
	for {
		if s.stopping(ctx) {
			return
		}

		link, err := s.dial(ctx)
		if err != nil {
			s.metric.RecordReconnect(ctx, "error")
			s.logger.Warn("realtime connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = time.Duration(float64(backoff) * s.backoffFactor)
			if backoff > s.backoffMax {
				backoff = s.backoffMax
			}
			continue
		}

		backoff = s.backoffInitial
		s.metric.RecordReconnect(ctx, "ok")
		s.setLink(link)
		s.logger.Info("realtime link established")

		s.runPump(ctx, link)

		s.clearLink()
		_ = link.Close()

		if s.stopping(ctx) {
			return
		}
		if err := link.Err(); err != nil {
			s.logger.Warn("realtime link lost", slog.String("error", err.Error()))
		} else {
			s.logger.Warn("realtime link closed by peer")
		}
	}
}

// stopping reports whether the session or its parent context has ended.
func (s *Session) stopping(ctx context.Context) bool {
	select {
	case <-s.closed:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false when the session ends first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
