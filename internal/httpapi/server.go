// Package httpapi serves the snapshot/event read API and the control
// endpoints the lifecycle CLI drives. No auth: the listener is expected
// to bind loopback.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/eventlog"
)

// Monitor is the scheduler surface the API reads and controls.
type Monitor interface {
	Snapshot() []domain.TargetSnapshot
	Heartbeat() time.Time
	Reload(ctx context.Context) error
	RunMaintenance(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type Server struct {
	log       *zap.Logger
	monitor   Monitor
	eventPath string

	// OnShutdown is invoked after a control/shutdown request has drained
	// the scheduler; the daemon uses it to exit.
	OnShutdown func()
}

func NewServer(log *zap.Logger, monitor Monitor, eventPath string) *Server {
	return &Server{log: log, monitor: monitor, eventPath: eventPath}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/events", s.handleEvents)

	r.Post("/api/control/reload", s.handleReload)
	r.Post("/api/control/maintenance", s.handleMaintenance)
	r.Post("/api/control/shutdown", s.handleShutdown)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	hb := s.monitor.Heartbeat()
	if hb.IsZero() || time.Since(hb) > time.Minute {
		http.Error(w, "scheduler stalled", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"heartbeat": s.monitor.Heartbeat().UTC(),
		"targets":   s.monitor.Snapshot(),
	})
}

// handleEvents scans the event log with filters from the query string:
// from/to (RFC3339), url, status, q (message substring), limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := eventlog.Filter{
		URL:      q.Get("url"),
		Status:   domain.Status(q.Get("status")),
		Contains: q.Get("q"),
		Limit:    500,
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad from", http.StatusBadRequest)
			return
		}
		f.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad to", http.StatusBadRequest)
			return
		}
		f.To = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	entries, err := eventlog.ScanFile(s.eventPath, f)
	if err != nil {
		s.log.Error("event scan failed", zap.Error(err))
		http.Error(w, "scan error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, eventsPayload(entries))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Reload(r.Context()); err != nil {
		s.log.Error("reload failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("reloaded"))
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.RunMaintenance(r.Context()); err != nil {
		s.log.Error("maintenance failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("maintenance done"))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	// Drain first so the 200 means "stopped", then let the daemon exit.
	if err := s.monitor.Shutdown(r.Context()); err != nil {
		s.log.Error("shutdown failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("stopping"))
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
}

type eventJSON struct {
	Timestamp      time.Time     `json:"timestamp"`
	Level          string        `json:"level"`
	Message        string        `json:"message"`
	URL            string        `json:"url,omitempty"`
	ResponseTimeMS int64         `json:"response_time_ms"`
	StatusCode     int           `json:"status_code"`
	FinalStatus    domain.Status `json:"final_status"`
}

func eventsPayload(entries []eventlog.Entry) []eventJSON {
	out := make([]eventJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, eventJSON{
			Timestamp:      e.Timestamp,
			Level:          e.Level,
			Message:        e.Message,
			URL:            e.URL,
			ResponseTimeMS: e.ResponseTimeMS,
			StatusCode:     e.StatusCode,
			FinalStatus:    e.FinalStatus,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
