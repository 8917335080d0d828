package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/robfig/cron/v3"
)

type refreshCall struct {
	Name  string
	Force bool
}

type mockEngine struct {
	mu         sync.Mutex
	calls      []refreshCall
	cycleDelay time.Duration
}

func (m *mockEngine) record(name string, force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, refreshCall{Name: name, Force: force})
}

func (m *mockEngine) RefreshMain(context.Context) {
	m.record("main", true)
}

func (m *mockEngine) RefreshInvasions(_ context.Context, force bool) {
	m.record("invasions", force)
}

func (m *mockEngine) RefreshCycles(_ context.Context, force bool) time.Duration {
	m.record("cycles", force)
	return m.cycleDelay
}

func (m *mockEngine) getCalls() []refreshCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]refreshCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunStartupSequence(t *testing.T) {
	eng := &mockEngine{cycleDelay: time.Hour}
	s := New(eng, 1, testLogger())
	s.invasionTick = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The startup pass runs synchronously before the loops start.
	waitFor(t, func() bool { return len(eng.getCalls()) >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []refreshCall{
		{Name: "main", Force: true},
		{Name: "invasions", Force: true},
		{Name: "cycles", Force: true},
	}
	if diff := cmp.Diff(want, eng.getCalls()[:3]); diff != "" {
		t.Errorf("startup sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPeriodicInvasions(t *testing.T) {
	eng := &mockEngine{cycleDelay: time.Hour}
	s := New(eng, 1, testLogger())
	s.invasionTick = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool {
		var n int
		for _, c := range eng.getCalls() {
			if c.Name == "invasions" && !c.Force {
				n++
			}
		}
		return n >= 2
	})
	cancel()
	<-done
}

func TestRunSelfPacedCycles(t *testing.T) {
	eng := &mockEngine{cycleDelay: 5 * time.Millisecond}
	s := New(eng, 1, testLogger())
	s.invasionTick = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Startup refresh plus at least two timer-driven, unforced repolls.
	waitFor(t, func() bool {
		var n int
		for _, c := range eng.getCalls() {
			if c.Name == "cycles" && !c.Force {
				n++
			}
		}
		return n >= 2
	})
	cancel()
	<-done
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := &mockEngine{cycleDelay: time.Hour}
	s := New(eng, 1, testLogger())
	s.invasionTick = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return len(eng.getCalls()) >= 3 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestHourlyAnchorEvaluatedInUTC(t *testing.T) {
	s := New(&mockEngine{}, 1, testLogger())
	if s.clockZone != time.UTC {
		t.Fatalf("clock zone = %v, want UTC", s.clockZone)
	}

	sched, err := cron.ParseStandard("1 * * * *")
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}

	// 06:30 in a half-hour-offset zone is 01:00 UTC. Evaluated in UTC
	// the anchor fires at 01:01 UTC; evaluated in the host zone it
	// would land on :31 past the UTC hour.
	ist := time.FixedZone("IST", 5*3600+30*60)
	at := time.Date(2026, 8, 31, 6, 30, 0, 0, ist)

	next := sched.Next(at.In(s.clockZone)).UTC()
	if next.Hour() != 1 || next.Minute() != 1 {
		t.Errorf("next fire = %v, want 01:01 UTC", next)
	}

	if drifted := sched.Next(at).UTC(); drifted.Minute() == 1 {
		t.Errorf("half-hour zone evaluation unexpectedly aligned: %v", drifted)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
