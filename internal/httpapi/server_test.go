package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/eventlog"
)

type fakeMonitor struct {
	snaps        []domain.TargetSnapshot
	hb           time.Time
	reloads      int
	maintenance  int
	shutdowns    int
	controlError error
}

func (f *fakeMonitor) Snapshot() []domain.TargetSnapshot { return f.snaps }
func (f *fakeMonitor) Heartbeat() time.Time              { return f.hb }
func (f *fakeMonitor) Reload(ctx context.Context) error {
	f.reloads++
	return f.controlError
}
func (f *fakeMonitor) RunMaintenance(ctx context.Context) error {
	f.maintenance++
	return f.controlError
}
func (f *fakeMonitor) Shutdown(ctx context.Context) error {
	f.shutdowns++
	return f.controlError
}

func testServer(t *testing.T, m *fakeMonitor) (*Server, *eventlog.Writer) {
	t.Helper()
	dir := t.TempDir()
	w, err := eventlog.NewWriter(zap.NewNop(), dir, 10, 3)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return NewServer(zap.NewNop(), m, w.Path()), w
}

func TestHealthz(t *testing.T) {
	m := &fakeMonitor{hb: time.Now()}
	s, _ := testServer(t, m)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	m.hb = time.Now().Add(-5 * time.Minute)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	m := &fakeMonitor{
		hb: time.Now(),
		snaps: []domain.TargetSnapshot{{
			URL:           "https://example.com",
			Name:          "example",
			LastStatus:    domain.StatusUp,
			UptimePercent: 99.5,
			BreakerState:  "CLOSED",
		}},
	}
	s, _ := testServer(t, m)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Targets []domain.TargetSnapshot `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Targets, 1)
	require.Equal(t, domain.StatusUp, body.Targets[0].LastStatus)
	require.Equal(t, "CLOSED", body.Targets[0].BreakerState)
}

func TestEvents_Filtered(t *testing.T) {
	m := &fakeMonitor{hb: time.Now()}
	s, w := testServer(t, m)

	now := time.Now().UTC()
	require.NoError(t, w.Append(eventlog.Entry{
		Timestamp: now, Level: eventlog.LevelInfo, Message: "check ok",
		URL: "https://a.example.com", ResponseTimeMS: 100, StatusCode: 200, FinalStatus: domain.StatusUp,
	}))
	require.NoError(t, w.Append(eventlog.Entry{
		Timestamp: now, Level: eventlog.LevelError, Message: "Service Unavailable",
		URL: "https://b.example.com", StatusCode: 503, FinalStatus: domain.StatusDown,
	}))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?status=DOWN", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []eventJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, "https://b.example.com", events[0].URL)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?from=not-a-time", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_MissingLogIsEmpty(t *testing.T) {
	m := &fakeMonitor{hb: time.Now()}
	s := NewServer(zap.NewNop(), m, filepath.Join(t.TempDir(), "absent.log"))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestControlEndpoints(t *testing.T) {
	m := &fakeMonitor{hb: time.Now()}
	s, _ := testServer(t, m)
	stopped := make(chan struct{})
	s.OnShutdown = func() { close(stopped) }

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, m.reloads)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control/maintenance", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, m.maintenance)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control/shutdown", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, m.shutdowns)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("OnShutdown not invoked")
	}
}
