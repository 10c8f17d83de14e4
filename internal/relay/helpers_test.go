package relay

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock. Timers due on Advance run
// synchronously on the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testOpts struct {
	ring, queue, maxFrame int
	timeout, grace        time.Duration
}

func newTestService(t *testing.T, o testOpts) (*Service, *InMemoryRepository, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	repo := NewInMemoryRepository(o.ring, o.queue)
	svc := NewService(repo, Options{
		RingCapacity:   o.ring,
		QueueCapacity:  o.queue,
		MaxFrameBytes:  o.maxFrame,
		SessionTimeout: o.timeout,
		GracePeriod:    o.grace,
		Clock:          clock,
	}, discardLogger())
	t.Cleanup(svc.Shutdown)
	return svc, repo, clock
}

func mustStart(t *testing.T, svc *Service, key, producer, consumer string) SessionID {
	t.Helper()
	id, err := svc.StartSession(ChannelKey(key), producer, consumer)
	if err != nil {
		t.Fatalf("StartSession(%s): %v", key, err)
	}
	return id
}

func mustPush(t *testing.T, svc *Service, id SessionID, payload ...byte) PushResult {
	t.Helper()
	res, err := svc.PushFrame(id, payload, "audio/webm")
	if err != nil {
		t.Fatalf("PushFrame(%s): %v", id, err)
	}
	return res
}

func mustPull(t *testing.T, svc *Service, consumer, key string) PullResult {
	t.Helper()
	res, err := svc.PullFrames(consumer, ChannelKey(key))
	if err != nil {
		t.Fatalf("PullFrames(%s, %s): %v", consumer, key, err)
	}
	return res
}
