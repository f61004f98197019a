package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
)

// Filter selects entries during a scan. Zero values match everything.
type Filter struct {
	From     time.Time
	To       time.Time
	URL      string
	Status   domain.Status
	Contains string // case-insensitive substring of the message
	Limit    int    // 0 means unlimited
}

func (f Filter) matches(e Entry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.URL != "" && e.URL != f.URL {
		return false
	}
	if f.Status != "" && e.FinalStatus != f.Status {
		return false
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Contains)) {
		return false
	}
	return true
}

// Scan reads entries sequentially from r, returning those the filter
// accepts. Unparseable lines are skipped; the log is append-only and a
// torn final line must not poison the whole scan.
func Scan(r io.Reader, f Filter) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		e, err := Parse(sc.Text())
		if err != nil {
			continue
		}
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// ScanFile is Scan over the file at path. A missing file yields no entries.
func ScanFile(path string, f Filter) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()
	return Scan(file, f)
}
