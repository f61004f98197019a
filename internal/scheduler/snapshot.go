package scheduler

import (
	"github.com/AlanKSorata/site-monitor-log/internal/domain"
)

// remember appends a sample to the target's rolling history and trims
// everything outside the uptime window.
func (s *Scheduler) remember(key string, smp sample) {
	hist := append(s.history[key], smp)
	cutoff := smp.at.Add(-s.cfg.UptimeWindow)
	trim := 0
	for trim < len(hist) && hist[trim].at.Before(cutoff) {
		trim++
	}
	s.history[key] = hist[trim:]
}

// publishSnapshot rebuilds the per-target view served to the API. Called
// from the loop goroutine only; readers go through Snapshot().
func (s *Scheduler) publishSnapshot() {
	targets := s.registry.Targets()
	out := make([]domain.TargetSnapshot, 0, len(targets))
	for _, t := range targets {
		st, ok := s.states[t.Key]
		if !ok {
			st = &domain.RuntimeState{LastStatus: domain.StatusUnknown}
		}
		bst, _ := s.breakers.Status(t.Key)

		snap := domain.TargetSnapshot{
			URL:               t.URL,
			Name:              t.Name,
			LastStatus:        st.LastStatus,
			LastCheck:         st.LastCheck,
			CheckCount:        st.CheckCount,
			ConsecutiveErrors: st.ConsecutiveErrors,
			BreakerState:      bst.String(),
		}

		hist := s.history[t.Key]
		if len(hist) > 0 {
			last := hist[len(hist)-1]
			snap.LastResponseTimeMS = last.latency

			ups := 0
			var totalLatency int64
			for _, h := range hist {
				if h.up {
					ups++
				}
				totalLatency += h.latency
			}
			snap.UptimePercent = 100 * float64(ups) / float64(len(hist))
			snap.AvgResponseTimeMS = float64(totalLatency) / float64(len(hist))
		}
		out = append(out, snap)
	}

	s.snapMu.Lock()
	s.snapshot = out
	s.snapMu.Unlock()
}
