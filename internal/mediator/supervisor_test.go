package mediator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyDialer fails a fixed number of connect attempts, then hands out fresh
// fake links.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	links    []*fakeLink
}

func (d *flakyDialer) dial(context.Context) (RealtimeLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failures {
		return nil, errors.New("connection refused")
	}
	l := newFakeLink()
	d.links = append(d.links, l)
	return l, nil
}

func (d *flakyDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *flakyDialer) linkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *flakyDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

func TestSupervisor_RetriesUntilConnected(t *testing.T) {
	dialer := &flakyDialer{failures: 2}
	s, _ := newTestSession(t, nil,
		WithDialer(dialer.dial),
		withBackoff(5*time.Millisecond, 40*time.Millisecond, 2.0),
	)
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 16000, 1))

	waitFor(t, "link up after retries", func() bool { return s.currentLink() != nil })
	if got := dialer.attemptCount(); got != 3 {
		t.Errorf("dial attempts = %d, want 3 (one success per outage)", got)
	}
	if s.Closed() {
		t.Error("session closed during upstream outage")
	}
}

func TestSupervisor_ReconnectsAfterLinkDeath(t *testing.T) {
	dialer := &flakyDialer{}
	s, _ := newTestSession(t, nil,
		WithDialer(dialer.dial),
		withBackoff(5*time.Millisecond, 40*time.Millisecond, 2.0),
	)
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 16000, 1))
	waitFor(t, "first link", func() bool { return dialer.linkCount() == 1 && s.currentLink() != nil })

	// Caller audio flows on the first link.
	s.HandleMessage(ctx, audioFrame(t, constantPCM(160, 50)))
	if got := dialer.link(0).appendCount(); got != 1 {
		t.Fatalf("first link appends = %d, want 1", got)
	}

	// Kill the link mid-call: the pump ends, the supervisor re-dials.
	close(dialer.link(0).events)

	waitFor(t, "second link", func() bool { return dialer.linkCount() == 2 && s.currentLink() != nil })
	if s.Closed() {
		t.Fatal("ACS session must survive an upstream link death")
	}

	// Audio resumes on the fresh link.
	waitFor(t, "audio resumes", func() bool {
		s.HandleMessage(ctx, audioFrame(t, constantPCM(160, 50)))
		return dialer.link(1).appendCount() > 0
	})
}

func TestSupervisor_AudioDroppedDuringOutageWithoutError(t *testing.T) {
	dialer := &flakyDialer{failures: 1000} // never connects
	s, _ := newTestSession(t, nil,
		WithDialer(dialer.dial),
		withBackoff(time.Millisecond, 4*time.Millisecond, 2.0),
	)
	ctx := context.Background()

	s.HandleMessage(ctx, metadataFrame(t, "PCM", 16000, 1))
	for i := 0; i < 20; i++ {
		s.HandleMessage(ctx, audioFrame(t, constantPCM(160, 7)))
	}

	if s.bytesIn != 20*320 {
		t.Errorf("bytesIn = %d, want %d (audio still counted)", s.bytesIn, 20*320)
	}
	if s.Closed() {
		t.Error("session closed while upstream is down")
	}
}

func TestSupervisor_BackoffGrowsAndCaps(t *testing.T) {
	s, _ := newTestSession(t, nil)

	backoff := s.backoffInitial
	var seq []time.Duration
	for i := 0; i < 10; i++ {
		seq = append(seq, backoff)
		backoff = time.Duration(float64(backoff) * s.backoffFactor)
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}

	if seq[0] != 500*time.Millisecond {
		t.Errorf("initial backoff = %v, want 500ms", seq[0])
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] < seq[i-1] {
			t.Errorf("backoff decreased: %v after %v", seq[i], seq[i-1])
		}
	}
	if seq[len(seq)-1] != 8*time.Second {
		t.Errorf("capped backoff = %v, want 8s", seq[len(seq)-1])
	}
}
