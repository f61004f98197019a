package domain

import "time"

// Status is the classified outcome of a probe or a derived event category
// recorded in the event log's final_status column.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusUp      Status = "UP"
	StatusDown    Status = "DOWN"
	StatusTimeout Status = "TIMEOUT"
	StatusError   Status = "ERROR"

	StatusSlow     Status = "SLOW"
	StatusCritical Status = "CRITICAL"

	StatusContentInitial   Status = "CONTENT_INITIAL"
	StatusContentChanged   Status = "CONTENT_CHANGED"
	StatusContentUnchanged Status = "CONTENT_UNCHANGED"

	StatusRecovery           Status = "RECOVERY"
	StatusDowntimeStart      Status = "DOWNTIME_START"
	StatusPersistentDowntime Status = "PERSISTENT_DOWNTIME"

	StatusRetrySuccess   Status = "RETRY_SUCCESS"
	StatusRetryExhausted Status = "RETRY_EXHAUSTED"
	StatusCircuitOpen    Status = "CIRCUIT_OPEN"
)

// IsTransportFailure reports whether the status describes a failure below
// the HTTP layer. Only these outcomes are eligible for retry; an HTTP 4xx
// or 5xx is a valid, final answer from the server.
func (s Status) IsTransportFailure() bool {
	return s == StatusError || s == StatusTimeout
}

// IsDown reports whether the status counts against a target's
// consecutive-error counter.
func (s Status) IsDown() bool {
	return s == StatusDown || s == StatusError || s == StatusTimeout
}

// Target is one monitored endpoint. Targets are immutable once loaded; a
// registry reload replaces the whole set.
type Target struct {
	// URL as configured (http or https).
	URL string `json:"url"`
	// Key is the canonical identity derived from URL. Breaker state,
	// content hashes and runtime state are all keyed by it.
	Key string `json:"key"`
	// Name is the display name.
	Name string `json:"name"`
	// Interval between checks. Never below 10s.
	Interval time.Duration `json:"interval"`
	// Timeout for a single request. Never below 1s.
	Timeout time.Duration `json:"timeout"`
	// ContentCheck enables body hashing for change detection.
	ContentCheck bool `json:"content_check"`
}

// ProbeResult is the outcome of one HTTP attempt against a target.
type ProbeResult struct {
	URL        string    `json:"url"`
	Key        string    `json:"key"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"` // 0 when no response was received
	LatencyMS  int64     `json:"latency_ms"`
	Status     Status    `json:"status"` // UP | DOWN | TIMEOUT | ERROR

	// ContentStatus is set only when content checking ran for this probe:
	// CONTENT_INITIAL, CONTENT_CHANGED or CONTENT_UNCHANGED.
	ContentStatus Status `json:"content_status,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	PrevHash      string `json:"prev_hash,omitempty"`
	// PrevChangedAt is when PrevHash was first recorded; set with it on
	// CONTENT_CHANGED so the log can report time elapsed since the last
	// change.
	PrevChangedAt time.Time `json:"prev_changed_at,omitempty"`

	// Threshold flag derived from latency on UP results: SLOW or CRITICAL.
	ThresholdFlag Status `json:"threshold_flag,omitempty"`

	// Message carries the HTTP status description or transport error text.
	Message string `json:"message,omitempty"`
}

// RuntimeState is the scheduler-owned mutable state for one target. Only
// the scheduler goroutine touches it.
type RuntimeState struct {
	LastCheck         time.Time
	NextDue           time.Time
	CheckCount        int64
	ConsecutiveErrors int
	LastStatus        Status
}

// TargetSnapshot is the externally visible per-target view served by the
// API and consumed by the reporting layer.
type TargetSnapshot struct {
	URL                string    `json:"url"`
	Name               string    `json:"name"`
	LastStatus         Status    `json:"last_status"`
	LastResponseTimeMS int64     `json:"last_response_time_ms"`
	LastCheck          time.Time `json:"last_check_timestamp"`
	CheckCount         int64     `json:"check_count"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
	UptimePercent      float64   `json:"uptime_percent"`
	AvgResponseTimeMS  float64   `json:"avg_response_time_ms"`
	BreakerState       string    `json:"breaker_state"`
}
