// Command monitord is the monitoring daemon: it loads the system settings
// and target registry, acquires the data-directory lock, and runs the
// scheduler, liveness supervisor and control API until it is told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/breaker"
	"github.com/AlanKSorata/site-monitor-log/internal/config"
	"github.com/AlanKSorata/site-monitor-log/internal/eventlog"
	"github.com/AlanKSorata/site-monitor-log/internal/hashstore"
	"github.com/AlanKSorata/site-monitor-log/internal/httpapi"
	"github.com/AlanKSorata/site-monitor-log/internal/lockfile"
	"github.com/AlanKSorata/site-monitor-log/internal/logging"
	"github.com/AlanKSorata/site-monitor-log/internal/probe"
	"github.com/AlanKSorata/site-monitor-log/internal/registry"
	"github.com/AlanKSorata/site-monitor-log/internal/scheduler"
	"github.com/AlanKSorata/site-monitor-log/internal/supervisor"
)

const (
	exitGeneral        = 1
	exitUsage          = 2
	exitAlreadyRunning = 3
	exitConfig         = 5
)

func main() {
	configPath := flag.String("config", "", "settings file (KEY=VALUE lines); defaults and environment apply when omitted")
	flag.Parse()
	if flag.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: monitord [-config file]")
		os.Exit(exitUsage)
	}
	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitord:", err)
		return exitConfig
	}

	log, err := logging.NewLogger(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitord:", err)
		return exitGeneral
	}
	defer log.Sync()

	lock, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "monitor.lock"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitord:", err)
		if errors.Is(err, lockfile.ErrLocked) {
			return exitAlreadyRunning
		}
		return exitGeneral
	}
	defer lock.Release()

	events, err := eventlog.NewWriter(log, cfg.DataDir, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitord:", err)
		return exitGeneral
	}
	defer events.Close()

	reg := registry.New(log, registry.Defaults{
		Interval:     cfg.DefaultInterval,
		Timeout:      cfg.DefaultTimeout,
		ContentCheck: cfg.ContentCheckEnabled,
	})
	n, err := reg.LoadFile(cfg.TargetsFile)
	if n == 0 {
		if err != nil {
			fmt.Fprintln(os.Stderr, "monitord:", err)
		}
		fmt.Fprintf(os.Stderr, "monitord: no valid targets in %s\n", cfg.TargetsFile)
		return exitConfig
	}
	if err != nil {
		// Targets loaded; the error only lists skipped lines.
		log.Warn("some target lines were skipped", zap.Error(err))
	}

	breakers := breaker.NewManager(cfg.BreakerThreshold, cfg.BreakerTimeout)
	if err := breakers.LoadFile(filepath.Join(cfg.DataDir, "breakers.json")); err != nil {
		log.Warn("breaker state not restored", zap.Error(err))
	}
	hashes := hashstore.New()
	if err := hashes.LoadFile(filepath.Join(cfg.DataDir, "hashes.json")); err != nil {
		log.Warn("content hashes not restored", zap.Error(err))
	}

	prober := probe.New(log, hashes, probe.Options{
		UserAgent:         cfg.UserAgent,
		SlowThreshold:     cfg.SlowThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
	})

	sched := scheduler.New(log, scheduler.Config{
		ScanTick:            cfg.ScanTick,
		MaxConcurrentChecks: cfg.MaxConcurrentChecks,
		MaintenanceInterval: cfg.MaintenanceInterval,
		LogRetentionDays:    cfg.LogRetentionDays,
		MaxRetryAttempts:    cfg.MaxRetryAttempts,
		RetryDelay:          cfg.RetryDelay,
		UptimeWindow:        cfg.UptimeWindow,
		DataDir:             cfg.DataDir,
		TargetsFile:         cfg.TargetsFile,
	}, reg, prober, breakers, hashes, events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sr := &schedRunner{sched: sched, log: log}
	sr.start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := sched.Reload(ctx); err != nil {
					log.Warn("reload on SIGHUP failed", zap.Error(err))
				}
			}
		}
	}()

	stale := 5 * cfg.ScanTick
	if stale < 30*time.Second {
		stale = 30 * time.Second
	}
	sup := supervisor.New(log, supervisor.Config{
		Interval:    cfg.HealthCheckInterval,
		Stale:       stale,
		MaxFailures: cfg.HealthMaxFailures,
	}, sched, events, sr.restart)
	go sup.Run(ctx)

	api := httpapi.NewServer(log, sched, events.Path())
	api.OnShutdown = stop
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", zap.Error(err))
			stop()
		}
	}()

	appendEvent(log, events, eventlog.Entry{
		Timestamp:   time.Now().UTC(),
		Level:       eventlog.LevelInfo,
		Message:     fmt.Sprintf("monitor started, %d targets", n),
		FinalStatus: "STARTUP",
	})
	log.Info("monitor started",
		zap.Int("targets", n),
		zap.String("api_addr", cfg.APIAddr),
		zap.Int("pid", os.Getpid()),
	)

	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
	sr.stop()

	appendEvent(log, events, eventlog.Entry{
		Timestamp:   time.Now().UTC(),
		Level:       eventlog.LevelInfo,
		Message:     "monitor stopped",
		FinalStatus: "SHUTDOWN",
	})
	log.Info("monitor stopped")
	return 0
}

// eventAppender is the slice of the event log the daemon writes its
// lifecycle entries to.
type eventAppender interface {
	Append(e eventlog.Entry) error
}

func appendEvent(log *zap.Logger, events eventAppender, e eventlog.Entry) {
	if err := events.Append(e); err != nil {
		log.Warn("event log append failed", zap.Error(err))
	}
}

// schedRunner owns the scheduler goroutine so the supervisor can replace
// it after a stall.
type schedRunner struct {
	mu     sync.Mutex
	sched  *scheduler.Scheduler
	log    *zap.Logger
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *schedRunner) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parent = ctx
	r.launch()
}

func (r *schedRunner) launch() {
	ctx, cancel := context.WithCancel(r.parent)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		if err := r.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("scheduler stopped", zap.Error(err))
		}
	}()
}

func (r *schedRunner) restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("scheduler did not stop within 10s")
	}
	if err := r.parent.Err(); err != nil {
		return err
	}
	r.launch()
	return nil
}

func (r *schedRunner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	<-r.done
}
