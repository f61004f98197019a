// Package scheduler runs the monitoring core: a single loop that scans
// for due targets, dispatches bounded concurrent probes through the
// circuit breaker and retry controller, applies results to its own state
// map, writes the event log, and serves control commands between cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/breaker"
	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/eventlog"
	"github.com/AlanKSorata/site-monitor-log/internal/hashstore"
	"github.com/AlanKSorata/site-monitor-log/internal/registry"
	"github.com/AlanKSorata/site-monitor-log/internal/retry"
)

var (
	mCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_scheduler_cycles_total", Help: "Scan cycles completed.",
	})
	mProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_probes_total", Help: "Probe outcomes by final status.",
	}, []string{"status"})
	mSkippedOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_probes_skipped_open_total", Help: "Dispatches vetoed by an open circuit breaker.",
	})
	mIncidents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_incidents_total", Help: "Incident events by kind.",
	}, []string{"kind"})
	mCycleDur = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "monitor_scheduler_cycle_duration_seconds", Help: "Scan cycle duration.",
		Buckets: prometheus.DefBuckets,
	})
	mLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "monitor_probe_latency_seconds", Help: "Probe wall-clock latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Config is the scheduler's slice of the system settings.
type Config struct {
	ScanTick            time.Duration
	MaxConcurrentChecks int
	MaintenanceInterval time.Duration
	LogRetentionDays    int
	MaxRetryAttempts    int
	RetryDelay          time.Duration
	UptimeWindow        time.Duration
	DataDir             string
	TargetsFile         string
}

type cmdKind int

const (
	cmdReload cmdKind = iota
	cmdMaintenance
	cmdShutdown
)

type command struct {
	kind cmdKind
	done chan error
}

// Prober runs one classified check against a target.
type Prober interface {
	Execute(ctx context.Context, t domain.Target) domain.ProbeResult
}

// outcome travels from a probe goroutine back to the loop.
type outcome struct {
	target    domain.Target
	result    domain.ProbeResult
	completed time.Time
}

type sample struct {
	at      time.Time
	up      bool
	latency int64
}

// Scheduler owns all per-target runtime state. Only its Run goroutine
// reads or writes the state map; probes communicate results over a
// channel.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	registry *registry.Registry
	prober   Prober
	breakers *breaker.Manager
	hashes   *hashstore.Store
	events   *eventlog.Writer

	states  map[string]*domain.RuntimeState
	history map[string][]sample

	commands  chan command
	heartbeat atomic.Int64

	snapMu   sync.RWMutex
	snapshot []domain.TargetSnapshot
}

func New(
	log *zap.Logger,
	cfg Config,
	reg *registry.Registry,
	prober Prober,
	breakers *breaker.Manager,
	hashes *hashstore.Store,
	events *eventlog.Writer,
) *Scheduler {
	return &Scheduler{
		log:      log,
		cfg:      cfg,
		registry: reg,
		prober:   prober,
		breakers: breakers,
		hashes:   hashes,
		events:   events,
		states:   make(map[string]*domain.RuntimeState),
		history:  make(map[string][]sample),
		commands: make(chan command, 8),
	}
}

// Heartbeat returns the time the loop last completed an iteration, for
// the liveness supervisor.
func (s *Scheduler) Heartbeat() time.Time {
	ns := s.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot returns the current per-target state view.
func (s *Scheduler) Snapshot() []domain.TargetSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make([]domain.TargetSnapshot, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// Reload asks the loop to reload the target registry between cycles.
func (s *Scheduler) Reload(ctx context.Context) error { return s.send(ctx, cmdReload) }

// RunMaintenance asks the loop to run housekeeping now.
func (s *Scheduler) RunMaintenance(ctx context.Context) error { return s.send(ctx, cmdMaintenance) }

// Shutdown asks the loop to drain and stop.
func (s *Scheduler) Shutdown(ctx context.Context) error { return s.send(ctx, cmdShutdown) }

func (s *Scheduler) send(ctx context.Context, kind cmdKind) error {
	cmd := command{kind: kind, done: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the loop until ctx ends or a shutdown command arrives.
// Every cycle waits for its dispatched probes before the next one starts,
// so returning from Run means no probe is in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	s.syncTargets()
	s.publishSnapshot()
	s.beat()

	tick := time.NewTicker(s.cfg.ScanTick)
	defer tick.Stop()
	maint := time.NewTicker(s.cfg.MaintenanceInterval)
	defer maint.Stop()

	s.log.Info("scheduler started",
		zap.Duration("scan_tick", s.cfg.ScanTick),
		zap.Int("max_concurrent", s.cfg.MaxConcurrentChecks),
	)

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drainAndPersist()
			return ctx.Err()
		case cmd := <-s.commands:
			switch cmd.kind {
			case cmdReload:
				cmd.done <- s.reload()
			case cmdMaintenance:
				cmd.done <- s.maintenance()
			case cmdShutdown:
				s.drainAndPersist()
				cmd.done <- nil
				return nil
			}
		case <-maint.C:
			if err := s.maintenance(); err != nil {
				s.log.Warn("maintenance failed", zap.Error(err))
			}
		case <-tick.C:
			s.cycle(ctx)
		}
		s.beat()
	}
}

func (s *Scheduler) beat() { s.heartbeat.Store(time.Now().UnixNano()) }

// cycle scans for due targets and dispatches probes up to the concurrency
// cap, then waits for all of them before returning.
func (s *Scheduler) cycle(ctx context.Context) {
	start := time.Now()
	targets := s.registry.Targets()

	results := make(chan outcome, len(targets))
	sem := make(chan struct{}, s.cfg.MaxConcurrentChecks)
	var wg sync.WaitGroup
	dispatched := 0

	for _, t := range targets {
		st := s.state(t.Key)
		if st.NextDue.After(start) {
			continue
		}
		if !s.breakers.Allow(t.Key) {
			// Vetoed: retried on the normal schedule, not hot-looped, and
			// not counted against the concurrency budget.
			mSkippedOpen.Inc()
			st.NextDue = start.Add(t.Interval)
			s.append(eventlog.Entry{
				Timestamp:   time.Now().UTC(),
				Level:       eventlog.LevelWarn,
				Message:     "circuit open, check skipped",
				URL:         t.URL,
				FinalStatus: domain.StatusCircuitOpen,
			})
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		dispatched++
		tgt := t
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res := s.probeWithRetry(ctx, tgt)
			results <- outcome{target: tgt, result: res, completed: time.Now()}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	for out := range results {
		s.apply(out)
	}

	if dispatched > 0 {
		s.publishSnapshot()
	}
	mCycles.Inc()
	mCycleDur.Observe(time.Since(start).Seconds())
}

// probeWithRetry runs the probe, retrying transport-classified failures
// only. An HTTP 4xx/5xx is a final answer and comes back on the first
// attempt.
func (s *Scheduler) probeWithRetry(ctx context.Context, t domain.Target) domain.ProbeResult {
	var last domain.ProbeResult
	op := func() error {
		last = s.prober.Execute(ctx, t)
		if last.Status.IsTransportFailure() {
			return fmt.Errorf("%s: %s", last.Status, last.Message)
		}
		return nil
	}
	err := retry.Do(ctx, op, retry.Policy{
		Name:     "probe",
		Attempts: s.cfg.MaxRetryAttempts,
		Backoff:  retry.DefaultBackoff(s.cfg.RetryDelay),
		OnRecover: func(attempts int) {
			s.append(eventlog.Entry{
				Timestamp:      time.Now().UTC(),
				Level:          eventlog.LevelInfo,
				Message:        fmt.Sprintf("check succeeded on attempt %d", attempts),
				URL:            t.URL,
				ResponseTimeMS: last.LatencyMS,
				StatusCode:     last.StatusCode,
				FinalStatus:    domain.StatusRetrySuccess,
			})
		},
		OnExhaust: func(lastErr error) {
			if errors.Is(lastErr, context.Canceled) {
				return
			}
			s.append(eventlog.Entry{
				Timestamp:   time.Now().UTC(),
				Level:       eventlog.LevelError,
				Message:     fmt.Sprintf("all %d attempts failed: %v", s.cfg.MaxRetryAttempts, lastErr),
				URL:         t.URL,
				FinalStatus: domain.StatusRetryExhausted,
			})
		},
	})
	_ = err // the classified result carries the failure
	return last
}

// apply folds one probe outcome into the target's runtime state, the
// breaker, the event log and the rolling history.
func (s *Scheduler) apply(out outcome) {
	t, res := out.target, out.result
	st := s.state(t.Key)

	st.LastCheck = out.completed
	st.NextDue = out.completed.Add(t.Interval)
	st.CheckCount++

	prev := st.LastStatus
	if res.Status == domain.StatusUp {
		st.ConsecutiveErrors = 0
		s.breakers.RecordSuccess(t.Key)
	} else {
		st.ConsecutiveErrors++
		s.breakers.RecordFailure(t.Key)
	}
	st.LastStatus = res.Status

	mProbes.WithLabelValues(string(res.Status)).Inc()
	mLatency.Observe(float64(res.LatencyMS) / 1000)

	s.logProbe(t, res)
	s.recordIncidents(t, res, prev, st.ConsecutiveErrors)
	s.remember(t.Key, sample{at: out.completed, up: res.Status == domain.StatusUp, latency: res.LatencyMS})
}

func (s *Scheduler) logProbe(t domain.Target, res domain.ProbeResult) {
	level := eventlog.LevelInfo
	msg := res.Message
	if res.Status.IsDown() {
		level = eventlog.LevelError
	}
	if msg == "" {
		msg = "check ok"
	}
	s.append(eventlog.Entry{
		Timestamp:      res.Timestamp,
		Level:          level,
		Message:        msg,
		URL:            t.URL,
		ResponseTimeMS: res.LatencyMS,
		StatusCode:     res.StatusCode,
		FinalStatus:    res.Status,
	})

	if res.ThresholdFlag != "" {
		s.append(eventlog.Entry{
			Timestamp:      res.Timestamp,
			Level:          eventlog.LevelWarn,
			Message:        fmt.Sprintf("response time %dms exceeded %s threshold", res.LatencyMS, res.ThresholdFlag),
			URL:            t.URL,
			ResponseTimeMS: res.LatencyMS,
			StatusCode:     res.StatusCode,
			FinalStatus:    res.ThresholdFlag,
		})
	}

	switch res.ContentStatus {
	case domain.StatusContentInitial:
		s.append(eventlog.Entry{
			Timestamp:   res.Timestamp,
			Level:       eventlog.LevelInfo,
			Message:     fmt.Sprintf("content baseline %s", short(res.ContentHash)),
			URL:         t.URL,
			FinalStatus: domain.StatusContentInitial,
		})
	case domain.StatusContentChanged:
		s.append(eventlog.Entry{
			Timestamp: res.Timestamp,
			Level:     eventlog.LevelWarn,
			Message: fmt.Sprintf("content changed %s -> %s, %s since previous change (recorded %s)",
				short(res.PrevHash), short(res.ContentHash),
				res.Timestamp.Sub(res.PrevChangedAt).Round(time.Second),
				res.PrevChangedAt.Format(time.RFC3339)),
			URL:         t.URL,
			FinalStatus: domain.StatusContentChanged,
		})
	case domain.StatusContentUnchanged:
		s.append(eventlog.Entry{
			Timestamp:   res.Timestamp,
			Level:       eventlog.LevelDebug,
			Message:     "content unchanged",
			URL:         t.URL,
			FinalStatus: domain.StatusContentUnchanged,
		})
	}
}

// recordIncidents emits state-transition events: downtime start on the
// first failure after being up, recovery on the way back, and a reminder
// every 5th consecutive failure.
func (s *Scheduler) recordIncidents(t domain.Target, res domain.ProbeResult, prev domain.Status, consecutive int) {
	now := time.Now().UTC()
	switch {
	case res.Status.IsDown() && prev == domain.StatusUp:
		mIncidents.WithLabelValues("downtime_start").Inc()
		s.append(eventlog.Entry{
			Timestamp:   now,
			Level:       eventlog.LevelError,
			Message:     fmt.Sprintf("DOWNTIME started: %s", res.Message),
			URL:         t.URL,
			StatusCode:  res.StatusCode,
			FinalStatus: domain.StatusDowntimeStart,
		})
	case res.Status == domain.StatusUp && prev.IsDown():
		mIncidents.WithLabelValues("recovery").Inc()
		s.append(eventlog.Entry{
			Timestamp:      now,
			Level:          eventlog.LevelInfo,
			Message:        "RECOVERY: target is reachable again",
			URL:            t.URL,
			ResponseTimeMS: res.LatencyMS,
			StatusCode:     res.StatusCode,
			FinalStatus:    domain.StatusRecovery,
		})
	case res.Status.IsDown() && consecutive > 0 && consecutive%5 == 0:
		mIncidents.WithLabelValues("persistent_downtime").Inc()
		s.append(eventlog.Entry{
			Timestamp:   now,
			Level:       eventlog.LevelError,
			Message:     fmt.Sprintf("still down after %d consecutive failures", consecutive),
			URL:         t.URL,
			StatusCode:  res.StatusCode,
			FinalStatus: domain.StatusPersistentDowntime,
		})
	}
}

// reload swaps in a fresh target set. On a load failure the old set stays
// active.
func (s *Scheduler) reload() error {
	n, err := s.registry.LoadFile(s.cfg.TargetsFile)
	if err != nil && n == 0 {
		s.log.Error("reload failed, keeping previous target set", zap.Error(err))
		return fmt.Errorf("reload targets: %w", err)
	}
	if err != nil {
		s.log.Warn("reload skipped malformed lines", zap.Error(err))
	}
	s.syncTargets()
	s.publishSnapshot()
	s.log.Info("target registry reloaded", zap.Int("targets", n))
	return nil
}

// syncTargets initializes runtime state for new targets (due immediately)
// and discards state for removed ones.
func (s *Scheduler) syncTargets() {
	current := make(map[string]bool)
	now := time.Now()
	for _, t := range s.registry.Targets() {
		current[t.Key] = true
		if _, ok := s.states[t.Key]; !ok {
			s.states[t.Key] = &domain.RuntimeState{NextDue: now, LastStatus: domain.StatusUnknown}
		}
	}
	for key := range s.states {
		if !current[key] {
			delete(s.states, key)
			delete(s.history, key)
		}
	}
}

// maintenance runs housekeeping: event log retention pruning, persisted
// state snapshots, and stale temp file cleanup.
func (s *Scheduler) maintenance() error {
	var errs error

	dropped, err := s.events.Prune(s.cfg.LogRetentionDays)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("prune event log: %w", err))
	} else if dropped > 0 {
		s.log.Info("event log pruned", zap.Int("dropped", dropped))
	}

	if err := s.breakers.SaveFile(filepath.Join(s.cfg.DataDir, "breakers.json")); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.hashes.SaveFile(filepath.Join(s.cfg.DataDir, "hashes.json")); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.cleanStaleTemp()

	return errs
}

// cleanStaleTemp removes *.tmp files in the data dir older than an hour;
// they are leftovers of interrupted snapshot swaps.
func (s *Scheduler) cleanStaleTemp() {
	matches, err := filepath.Glob(filepath.Join(s.cfg.DataDir, "*.tmp"))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.ModTime().Before(cutoff) {
			if err := os.Remove(m); err == nil {
				s.log.Info("removed stale temp file", zap.String("path", m))
			}
		}
	}
}

func (s *Scheduler) drainAndPersist() {
	// cycle() already waited for its probes; only persistence remains.
	if err := s.maintenance(); err != nil {
		s.log.Warn("final persistence failed", zap.Error(err))
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) state(key string) *domain.RuntimeState {
	st, ok := s.states[key]
	if !ok {
		st = &domain.RuntimeState{NextDue: time.Now(), LastStatus: domain.StatusUnknown}
		s.states[key] = st
	}
	return st
}

func (s *Scheduler) append(e eventlog.Entry) {
	if err := s.events.Append(e); err != nil {
		s.log.Error("event log append failed", zap.Error(err))
	}
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
