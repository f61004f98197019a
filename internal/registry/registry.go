// Package registry parses and holds the set of monitored targets. A load
// replaces the whole set atomically; individual targets are never mutated.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
)

const (
	minInterval = 10 * time.Second
	minTimeout  = time.Second
)

// Defaults fill in omitted per-target fields.
type Defaults struct {
	Interval     time.Duration
	Timeout      time.Duration
	ContentCheck bool
}

// Registry is the atomically swappable target set.
type Registry struct {
	log      *zap.Logger
	defaults Defaults

	targets []domain.Target // replaced wholesale, never mutated in place
}

func New(log *zap.Logger, d Defaults) *Registry {
	return &Registry{log: log, defaults: d}
}

// LoadFile parses the target list at path and swaps it in. Malformed lines
// are skipped with a warning; the returned error aggregates the skipped
// lines and is advisory (the load itself succeeded if err-per-line only).
// Callers decide whether an empty resulting set is fatal.
func (r *Registry) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open targets file: %w", err)
	}
	defer f.Close()
	return r.Load(f)
}

// Load parses pipe-delimited entries of the form
//
//	URL|Name|IntervalSeconds|TimeoutSeconds|ContentCheck
//
// Trailing fields may be omitted and fall back to the defaults. Lines
// starting with # and blank lines are ignored.
func (r *Registry) Load(src io.Reader) (int, error) {
	var (
		targets []domain.Target
		seen    = map[string]int{} // canonical key -> line number
		warns   error
		lineNo  int
	)

	sc := bufio.NewScanner(src)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		t, err := r.parseLine(line)
		if err != nil {
			r.log.Warn("skipping malformed target line",
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			warns = multierr.Append(warns, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		if prev, dup := seen[t.Key]; dup {
			r.log.Warn("skipping duplicate target",
				zap.Int("line", lineNo),
				zap.Int("first_seen_line", prev),
				zap.String("url", t.URL),
			)
			warns = multierr.Append(warns, fmt.Errorf("line %d: duplicate of line %d (%s)", lineNo, prev, t.URL))
			continue
		}
		seen[t.Key] = lineNo
		targets = append(targets, t)
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read targets: %w", err)
	}

	r.targets = targets
	r.log.Info("target registry loaded",
		zap.Int("targets", len(targets)),
		zap.Int("skipped", len(multierr.Errors(warns))),
	)
	return len(targets), warns
}

// Targets returns the current set. The slice is shared but never mutated;
// a reload installs a fresh slice.
func (r *Registry) Targets() []domain.Target {
	return r.targets
}

func (r *Registry) parseLine(line string) (domain.Target, error) {
	fields := strings.Split(line, "|")
	if len(fields) > 5 {
		return domain.Target{}, fmt.Errorf("expected at most 5 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	raw := fields[0]
	canon, err := Canonicalize(raw)
	if err != nil {
		return domain.Target{}, err
	}

	t := domain.Target{
		URL:          raw,
		Key:          canon,
		Name:         hostOf(canon),
		Interval:     r.defaults.Interval,
		Timeout:      r.defaults.Timeout,
		ContentCheck: r.defaults.ContentCheck,
	}

	if len(fields) > 1 && fields[1] != "" {
		t.Name = fields[1]
	}
	if len(fields) > 2 && fields[2] != "" {
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return domain.Target{}, fmt.Errorf("interval %q is not numeric", fields[2])
		}
		t.Interval = time.Duration(n) * time.Second
	}
	if len(fields) > 3 && fields[3] != "" {
		n, err := strconv.Atoi(fields[3])
		if err != nil {
			return domain.Target{}, fmt.Errorf("timeout %q is not numeric", fields[3])
		}
		t.Timeout = time.Duration(n) * time.Second
	}
	if len(fields) > 4 && fields[4] != "" {
		b, err := strconv.ParseBool(fields[4])
		if err != nil {
			return domain.Target{}, fmt.Errorf("content_check %q is not a boolean", fields[4])
		}
		t.ContentCheck = b
	}

	if t.Interval < minInterval {
		return domain.Target{}, fmt.Errorf("interval %s below minimum %s", t.Interval, minInterval)
	}
	if t.Timeout < minTimeout {
		return domain.Target{}, fmt.Errorf("timeout %s below minimum %s", t.Timeout, minTimeout)
	}
	return t, nil
}

// Canonicalize normalizes a target URL into its identity key: lowercased
// scheme and host, default ports stripped, fragment dropped, trailing
// slash trimmed off non-root paths.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("url %q must be absolute http or https", raw)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

func hostOf(canon string) string {
	u, err := url.Parse(canon)
	if err != nil {
		return canon
	}
	return u.Hostname()
}
