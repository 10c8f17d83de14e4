package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"broadcast-relay/internal/platform/metrics"

	"github.com/robfig/cron/v3"
)

// DefaultReapInterval is how often the reaper sweeps when none is configured.
const DefaultReapInterval = 30 * time.Second

// Reaper periodically evicts idle sessions, queues and index entries.
type Reaper struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewReaper returns a Reaper sweeping svc every interval. Intervals under a
// second are rounded up by the scheduler. Metrics may be nil.
func NewReaper(svc *Service, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if log == nil {
		log = svc.log
	}
	return &Reaper{svc: svc, interval: interval, log: log, metrics: m}
}

// Start schedules the sweep. Calling Start on a running reaper is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(r.RunOnce))
	r.cron.Start()
	r.running = true
	r.log.Info("reaper started", slog.Duration("interval", r.interval))
}

// Stop unschedules the sweep and waits for an in-flight pass to finish or
// for ctx to expire.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	done := r.cron.Stop()
	r.running = false
	r.mu.Unlock()

	select {
	case <-done.Done():
		r.log.Info("reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep at the service clock's current time.
func (r *Reaper) RunOnce() {
	res := r.svc.Sweep(r.svc.clock.Now())
	r.metrics.AddEvictions("session", res.Sessions)
	r.metrics.AddEvictions("queue", res.Queues)
	r.metrics.AddEvictions("index", res.Index)
	if res.Total() > 0 {
		r.log.Info("reaper sweep",
			slog.Int("sessions", res.Sessions),
			slog.Int("queues", res.Queues),
			slog.Int("index", res.Index))
	}
}
