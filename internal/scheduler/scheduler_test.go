package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/breaker"
	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/eventlog"
	"github.com/AlanKSorata/site-monitor-log/internal/hashstore"
	"github.com/AlanKSorata/site-monitor-log/internal/registry"
)

// fakeProber returns scripted results per target key and counts calls.
type fakeProber struct {
	mu      sync.Mutex
	scripts map[string][]domain.ProbeResult
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		scripts: make(map[string][]domain.ProbeResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeProber) push(key string, results ...domain.ProbeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[key] = append(f.scripts[key], results...)
}

func (f *fakeProber) Execute(ctx context.Context, t domain.Target) domain.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[t.Key]++
	q := f.scripts[t.Key]
	if len(q) == 0 {
		return domain.ProbeResult{URL: t.URL, Key: t.Key, Timestamp: time.Now().UTC(), StatusCode: 200, Status: domain.StatusUp}
	}
	res := q[0]
	f.scripts[t.Key] = q[1:]
	return res
}

func (f *fakeProber) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func up(key string, latencyMS int64) domain.ProbeResult {
	return domain.ProbeResult{URL: key, Key: key, Timestamp: time.Now().UTC(), StatusCode: 200, LatencyMS: latencyMS, Status: domain.StatusUp}
}

func down503(key string) domain.ProbeResult {
	return domain.ProbeResult{URL: key, Key: key, Timestamp: time.Now().UTC(), StatusCode: 503, Status: domain.StatusDown, Message: "Service Unavailable"}
}

func testScheduler(t *testing.T, targets string, prober Prober, threshold int) (*Scheduler, *eventlog.Writer) {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop()

	reg := registry.New(log, registry.Defaults{Interval: 60 * time.Second, Timeout: 5 * time.Second})
	_, err := reg.Load(strings.NewReader(targets))
	require.NoError(t, err)

	events, err := eventlog.NewWriter(log, dir, 10, 3)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	cfg := Config{
		ScanTick:            time.Second,
		MaxConcurrentChecks: 3,
		MaintenanceInterval: time.Hour,
		LogRetentionDays:    30,
		MaxRetryAttempts:    2,
		RetryDelay:          time.Millisecond,
		UptimeWindow:        time.Hour,
		DataDir:             dir,
		TargetsFile:         "",
	}
	s := New(log, cfg, reg, prober, breaker.NewManager(threshold, 5*time.Minute), hashstore.New(), events)
	s.syncTargets()
	return s, events
}

func scanEvents(t *testing.T, w *eventlog.Writer, f eventlog.Filter) []eventlog.Entry {
	t.Helper()
	entries, err := eventlog.ScanFile(w.Path(), f)
	require.NoError(t, err)
	return entries
}

const tgtA = "https://a.example.com"

func TestCycle_NextDueIsCompletionPlusInterval(t *testing.T) {
	fp := newFakeProber()
	fp.push(tgtA, up(tgtA, 150))
	s, _ := testScheduler(t, tgtA+"\n", fp, 5)

	before := time.Now()
	s.cycle(context.Background())

	st := s.states[tgtA]
	require.Equal(t, int64(1), st.CheckCount)
	require.Equal(t, domain.StatusUp, st.LastStatus)
	require.False(t, st.LastCheck.Before(before))
	require.Equal(t, st.LastCheck.Add(60*time.Second), st.NextDue)
	require.False(t, st.NextDue.Before(before.Add(60*time.Second)))
}

func TestCycle_NotDueNotProbed(t *testing.T) {
	fp := newFakeProber()
	s, _ := testScheduler(t, tgtA+"\n", fp, 5)
	s.states[tgtA].NextDue = time.Now().Add(time.Minute)

	s.cycle(context.Background())
	require.Zero(t, fp.callCount(tgtA))
}

func TestCycle_ConsecutiveErrorAccounting(t *testing.T) {
	fp := newFakeProber()
	fp.push(tgtA, down503(tgtA), down503(tgtA), up(tgtA, 90))
	s, _ := testScheduler(t, tgtA+"\n", fp, 10)

	for i, want := range []int{1, 2, 0} {
		s.states[tgtA].NextDue = time.Now().Add(-time.Second)
		s.cycle(context.Background())
		require.Equal(t, want, s.states[tgtA].ConsecutiveErrors, "cycle %d", i)
	}
}

func TestCycle_IncidentTransitions(t *testing.T) {
	fp := newFakeProber()
	fp.push(tgtA, up(tgtA, 100), down503(tgtA), down503(tgtA), up(tgtA, 100))
	s, events := testScheduler(t, tgtA+"\n", fp, 10)

	for i := 0; i < 4; i++ {
		s.states[tgtA].NextDue = time.Now().Add(-time.Second)
		s.cycle(context.Background())
	}

	starts := scanEvents(t, events, eventlog.Filter{Status: domain.StatusDowntimeStart})
	require.Len(t, starts, 1, "downtime starts only on the UP->down edge")
	require.Contains(t, starts[0].Message, "DOWNTIME started")
	require.Contains(t, starts[0].Message, "Service Unavailable")

	recoveries := scanEvents(t, events, eventlog.Filter{Status: domain.StatusRecovery})
	require.Len(t, recoveries, 1)
}

func TestCycle_ContentChangeReportsElapsed(t *testing.T) {
	fp := newFakeProber()
	now := time.Now().UTC()
	changed := up(tgtA, 100)
	changed.Timestamp = now
	changed.ContentStatus = domain.StatusContentChanged
	changed.ContentHash = "bbbbbbbbbbbbbbbb"
	changed.PrevHash = "aaaaaaaaaaaaaaaa"
	changed.PrevChangedAt = now.Add(-time.Hour)
	fp.push(tgtA, changed)
	s, events := testScheduler(t, tgtA+"\n", fp, 5)

	s.cycle(context.Background())

	entries := scanEvents(t, events, eventlog.Filter{Status: domain.StatusContentChanged})
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Message, "aaaaaaaaaaaa -> bbbbbbbbbbbb")
	require.Contains(t, entries[0].Message, "1h0m0s since previous change")
	require.Contains(t, entries[0].Message, changed.PrevChangedAt.Format(time.RFC3339))
}

func TestCycle_PersistentDowntimeReminder(t *testing.T) {
	fp := newFakeProber()
	s, events := testScheduler(t, tgtA+"\n", fp, 100)
	for i := 0; i < 12; i++ {
		fp.push(tgtA, down503(tgtA))
	}

	for i := 0; i < 12; i++ {
		s.states[tgtA].NextDue = time.Now().Add(-time.Second)
		s.cycle(context.Background())
	}

	reminders := scanEvents(t, events, eventlog.Filter{Status: domain.StatusPersistentDowntime})
	require.Len(t, reminders, 2) // at 5 and 10
}

func TestCycle_BreakerBlocksDispatchEntirely(t *testing.T) {
	fp := newFakeProber()
	s, events := testScheduler(t, tgtA+"\n", fp, 5)
	for i := 0; i < 12; i++ {
		fp.push(tgtA, down503(tgtA))
	}

	// 5 failures open the breaker.
	for i := 0; i < 5; i++ {
		s.states[tgtA].NextDue = time.Now().Add(-time.Second)
		s.cycle(context.Background())
	}
	require.Equal(t, 5, fp.callCount(tgtA))

	// 6th cycle: no transport call at all, next-due advances normally.
	s.states[tgtA].NextDue = time.Now().Add(-time.Second)
	before := time.Now()
	s.cycle(context.Background())
	require.Equal(t, 5, fp.callCount(tgtA), "open breaker must veto the dispatch")
	require.False(t, s.states[tgtA].NextDue.Before(before.Add(59*time.Second)))

	skips := scanEvents(t, events, eventlog.Filter{Status: domain.StatusCircuitOpen})
	require.Len(t, skips, 1)

	// Probe results in the log match the 5 real attempts.
	downs := scanEvents(t, events, eventlog.Filter{Status: domain.StatusDown})
	require.Len(t, downs, 5)
}

func TestProbeWithRetry_TransportFailuresRetried(t *testing.T) {
	fp := newFakeProber()
	errRes := domain.ProbeResult{URL: tgtA, Key: tgtA, Timestamp: time.Now().UTC(), Status: domain.StatusError, Message: "could not resolve host"}
	fp.push(tgtA, errRes, up(tgtA, 80))
	s, events := testScheduler(t, tgtA+"\n", fp, 5)

	s.cycle(context.Background())
	require.Equal(t, 2, fp.callCount(tgtA), "transport error retried")
	require.Equal(t, domain.StatusUp, s.states[tgtA].LastStatus)

	recovered := scanEvents(t, events, eventlog.Filter{Status: domain.StatusRetrySuccess})
	require.Len(t, recovered, 1)
}

func TestProbeWithRetry_HTTPDownNotRetried(t *testing.T) {
	fp := newFakeProber()
	fp.push(tgtA, down503(tgtA))
	s, _ := testScheduler(t, tgtA+"\n", fp, 5)

	s.cycle(context.Background())
	require.Equal(t, 1, fp.callCount(tgtA), "an HTTP answer is final")
}

func TestProbeWithRetry_ExhaustionLogged(t *testing.T) {
	fp := newFakeProber()
	errRes := domain.ProbeResult{URL: tgtA, Key: tgtA, Timestamp: time.Now().UTC(), Status: domain.StatusTimeout, Message: "request timed out"}
	fp.push(tgtA, errRes, errRes)
	s, events := testScheduler(t, tgtA+"\n", fp, 5)

	s.cycle(context.Background())
	require.Equal(t, 2, fp.callCount(tgtA))
	require.Equal(t, domain.StatusTimeout, s.states[tgtA].LastStatus)

	exhausted := scanEvents(t, events, eventlog.Filter{Status: domain.StatusRetryExhausted})
	require.Len(t, exhausted, 1)
}

func TestSnapshot_RollingFigures(t *testing.T) {
	fp := newFakeProber()
	fp.push(tgtA, up(tgtA, 100), up(tgtA, 300), down503(tgtA))
	s, _ := testScheduler(t, tgtA+"\n", fp, 10)

	for i := 0; i < 3; i++ {
		s.states[tgtA].NextDue = time.Now().Add(-time.Second)
		s.cycle(context.Background())
	}

	snaps := s.Snapshot()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	require.Equal(t, domain.StatusDown, snap.LastStatus)
	require.Equal(t, int64(3), snap.CheckCount)
	require.InDelta(t, 66.67, snap.UptimePercent, 0.1)
	require.InDelta(t, 133.3, snap.AvgResponseTimeMS, 0.5)
	require.Equal(t, "CLOSED", snap.BreakerState)
}

func TestRun_ShutdownDrains(t *testing.T) {
	fp := newFakeProber()
	s, _ := testScheduler(t, tgtA+"\n", fp, 5)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return !s.Heartbeat().IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after shutdown command")
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	fp := newFakeProber()
	s, _ := testScheduler(t, tgtA+"\n", fp, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

func TestSyncTargets_DropsRemovedState(t *testing.T) {
	fp := newFakeProber()
	s, _ := testScheduler(t, tgtA+"\nhttps://b.example.com\n", fp, 5)
	require.Len(t, s.states, 2)

	_, err := s.registry.Load(strings.NewReader(tgtA + "\n"))
	require.NoError(t, err)
	s.syncTargets()

	require.Len(t, s.states, 1)
	_, ok := s.states[tgtA]
	require.True(t, ok)
}
