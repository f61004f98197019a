// Package supervisor watches the scheduler's liveness and restarts it
// when it stalls.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/eventlog"
)

// Pulse reports when the watched loop last made progress.
type Pulse interface {
	Heartbeat() time.Time
}

// Events is the slice of the event log the supervisor writes to.
type Events interface {
	Append(e eventlog.Entry) error
}

// Config tunes the health loop.
type Config struct {
	// Interval between health checks.
	Interval time.Duration
	// Stale is how old a heartbeat may be before a check fails. Should
	// comfortably exceed the scheduler's scan tick.
	Stale time.Duration
	// MaxFailures is the consecutive unhealthy checks before recovery.
	MaxFailures int
}

// Supervisor runs periodic liveness checks against a Pulse and calls the
// restart action after MaxFailures consecutive failures.
type Supervisor struct {
	log     *zap.Logger
	cfg     Config
	pulse   Pulse
	events  Events
	restart func(ctx context.Context) error

	failures int
}

func New(log *zap.Logger, cfg Config, pulse Pulse, events Events, restart func(ctx context.Context) error) *Supervisor {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	return &Supervisor{log: log, cfg: cfg, pulse: pulse, events: events, restart: restart}
}

// Run checks until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.checkOnce(ctx)
		}
	}
}

func (s *Supervisor) checkOnce(ctx context.Context) {
	hb := s.pulse.Heartbeat()
	healthy := !hb.IsZero() && time.Since(hb) <= s.cfg.Stale

	if healthy {
		if s.failures > 0 {
			s.log.Info("scheduler healthy again", zap.Int("previous_failures", s.failures))
		}
		s.failures = 0
		s.log.Debug("health check ok", zap.Time("heartbeat", hb))
		return
	}

	s.failures++
	s.log.Warn("health check failed",
		zap.Time("heartbeat", hb),
		zap.Int("consecutive", s.failures),
		zap.Int("max", s.cfg.MaxFailures),
	)
	s.appendEvent(eventlog.LevelWarn, "scheduler heartbeat stale", "HEALTH_CHECK_FAILED")

	if s.failures < s.cfg.MaxFailures {
		return
	}

	s.appendEvent(eventlog.LevelError, "health failure threshold reached, restarting scheduler", "HEALTH_THRESHOLD")
	if err := s.restart(ctx); err != nil {
		s.log.Error("scheduler restart failed", zap.Error(err))
		s.appendEvent(eventlog.LevelError, "scheduler restart failed: "+err.Error(), "RECOVERY_FAILED")
		return
	}
	s.failures = 0
	s.log.Info("scheduler restarted")
	s.appendEvent(eventlog.LevelInfo, "scheduler restarted", "RECOVERY_ATTEMPT")
}

func (s *Supervisor) appendEvent(level, msg string, status domain.Status) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(eventlog.Entry{
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     msg,
		FinalStatus: status,
	}); err != nil {
		s.log.Error("event log append failed", zap.Error(err))
	}
}
