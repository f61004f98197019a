// Package breaker gates probe dispatch per target with a
// CLOSED/OPEN/HALF_OPEN failure-count state machine.
package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// State of one target's breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type entry struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// Manager holds one breaker per target key, created lazily. Keys for
// different targets never contend beyond the map lookup.
type Manager struct {
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(threshold int, timeout time.Duration) *Manager {
	if threshold < 1 {
		threshold = 1
	}
	return &Manager{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

func (m *Manager) get(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	return e
}

// Allow reports whether a probe for key may be dispatched. While OPEN it
// returns false until the timeout has elapsed since the last failure; the
// first call after that flips the breaker to HALF_OPEN and is the single
// trial allowed through. Further calls stay blocked until the trial's
// outcome is recorded.
func (m *Manager) Allow(key string) bool {
	e := m.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return true
	case Open:
		if m.now().Sub(e.lastFailure) >= m.timeout {
			e.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		// A trial is already in flight.
		return false
	}
	return false
}

// RecordSuccess resets the breaker: a HALF_OPEN trial success closes it,
// and any success clears the consecutive-failure count.
func (m *Manager) RecordSuccess(key string) {
	e := m.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Closed
	e.failures = 0
}

// RecordFailure counts a failure and returns the resulting state. Reaching
// the threshold opens the breaker; a failed HALF_OPEN trial reopens it.
func (m *Manager) RecordFailure(key string) State {
	e := m.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastFailure = m.now()
	switch e.state {
	case HalfOpen:
		e.state = Open
	case Closed:
		if e.failures >= m.threshold {
			e.state = Open
		}
	}
	return e.state
}

// Status returns the current state and consecutive failure count for key
// without creating an entry.
func (m *Manager) Status(key string) (State, int) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return Closed, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.failures
}

// PersistedState is the restart-durable form of one breaker.
type PersistedState struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

// SaveFile snapshots all breakers to path (tmp + rename).
func (m *Manager) SaveFile(path string) error {
	m.mu.Lock()
	out := make(map[string]PersistedState, len(m.entries))
	for k, e := range m.entries {
		e.mu.Lock()
		out[k] = PersistedState{State: e.state.String(), Failures: e.failures, LastFailure: e.lastFailure}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swap breaker state: %w", err)
	}
	return nil
}

// LoadFile restores breakers from an earlier snapshot. A missing file is
// not an error. HALF_OPEN is restored as OPEN: the in-flight trial did not
// survive the restart.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read breaker state: %w", err)
	}
	var in map[string]PersistedState
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal breaker state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range in {
		e := &entry{failures: p.Failures, lastFailure: p.LastFailure}
		switch p.State {
		case Open.String(), HalfOpen.String():
			e.state = Open
		default:
			e.state = Closed
		}
		m.entries[k] = e
	}
	return nil
}
