package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"broadcast-relay/internal/platform/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReaper_RunOnce_evicts_and_counts(t *testing.T) {
	svc, _, clock := newTestService(t, testOpts{timeout: time.Minute})
	met := metrics.New()
	reaper := NewReaper(svc, time.Second, discardLogger(), met)

	mustStart(t, svc, "tourA", "adm1", "drv1")
	mustStart(t, svc, "tourB", "adm2", "drv2")
	mustPull(t, svc, "drv3", "tourB")

	reaper.RunOnce()
	if n := len(svc.ActiveBroadcasts()); n != 2 {
		t.Fatalf("nothing is stale yet, active = %d", n)
	}

	clock.Advance(2 * time.Minute)
	reaper.RunOnce()

	if n := len(svc.ActiveBroadcasts()); n != 0 {
		t.Errorf("active after reap = %d, want 0", n)
	}
	expected := `
# HELP relay_evictions_total Total number of entries evicted by the reaper
# TYPE relay_evictions_total counter
relay_evictions_total{kind="session"} 2
`
	if err := testutil.GatherAndCompare(met.Registry(), strings.NewReader(expected), "relay_evictions_total"); err != nil {
		t.Error(err)
	}
}

func TestReaper_Start_Stop(t *testing.T) {
	svc, _, _ := newTestService(t, testOpts{})
	reaper := NewReaper(svc, 0, nil, nil)
	if reaper.interval != DefaultReapInterval {
		t.Errorf("interval = %s, want default", reaper.interval)
	}

	reaper.Start()
	reaper.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reaper.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := reaper.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
