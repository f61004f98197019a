// Package hashstore keeps the last known content digest per target for
// change detection. History lives in the event log; this store only holds
// the latest record, overwritten on each update.
package hashstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Outcome of comparing a fresh digest against the stored one.
type Outcome int

const (
	Initial Outcome = iota
	Changed
	Unchanged
)

// Record is the stored digest for one target.
type Record struct {
	Digest     string    `json:"digest"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is an in-memory digest map with atomic per-key compare-and-store.
type Store struct {
	mu      sync.Mutex
	records map[string]Record
}

func New() *Store {
	return &Store{records: make(map[string]Record)}
}

// Compare checks digest against the stored record for key and stores it
// when new or different. The read-modify-write is atomic: two concurrent
// probes of the same target cannot both observe "changed" for the same
// digest. It returns the outcome, the previous record, and the elapsed
// time since that record for Changed outcomes.
func (s *Store) Compare(key, digest string, now time.Time) (Outcome, Record, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[key]
	switch {
	case !ok:
		s.records[key] = Record{Digest: digest, RecordedAt: now}
		return Initial, Record{}, 0
	case prev.Digest != digest:
		s.records[key] = Record{Digest: digest, RecordedAt: now}
		return Changed, prev, now.Sub(prev.RecordedAt)
	default:
		return Unchanged, prev, 0
	}
}

// Get returns the stored record for key, if any.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

// SaveFile snapshots the store to path via tmp + rename.
func (s *Store) SaveFile(path string) error {
	s.mu.Lock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hash store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write hash store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swap hash store: %w", err)
	}
	return nil
}

// LoadFile restores an earlier snapshot. A missing file is not an error.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hash store: %w", err)
	}
	in := make(map[string]Record)
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal hash store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range in {
		s.records[k] = v
	}
	return nil
}
