// Package eventlog implements the append-only probe/incident record: a
// pipe-delimited line per event, size-rotated, retention-pruned, and
// scannable with filter predicates by the reporting layer.
package eventlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
)

// Severity levels, ordered.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Entry is one event log record. Line format:
//
//	timestamp|level|message|url|response_time_ms|status_code|final_status
//
// The message and url fields are escaped so a line always has exactly
// seven columns and round-trips exactly.
type Entry struct {
	Timestamp      time.Time
	Level          string
	Message        string
	URL            string
	ResponseTimeMS int64
	StatusCode     int
	FinalStatus    domain.Status
}

const fieldCount = 7

// Marshal renders the entry as a single line without trailing newline.
func (e Entry) Marshal() string {
	return strings.Join([]string{
		e.Timestamp.Format(time.RFC3339Nano),
		e.Level,
		escape(e.Message),
		escape(e.URL),
		strconv.FormatInt(e.ResponseTimeMS, 10),
		strconv.Itoa(e.StatusCode),
		string(e.FinalStatus),
	}, "|")
}

// Parse decodes one line produced by Marshal.
func Parse(line string) (Entry, error) {
	fields, err := splitEscaped(line)
	if err != nil {
		return Entry{}, err
	}
	if len(fields) != fieldCount {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	ts, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		return Entry{}, fmt.Errorf("bad timestamp %q: %w", fields[0], err)
	}
	rt, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("bad response_time_ms %q: %w", fields[4], err)
	}
	code, err := strconv.Atoi(fields[5])
	if err != nil {
		return Entry{}, fmt.Errorf("bad status_code %q: %w", fields[5], err)
	}

	return Entry{
		Timestamp:      ts,
		Level:          fields[1],
		Message:        fields[2],
		URL:            fields[3],
		ResponseTimeMS: rt,
		StatusCode:     code,
		FinalStatus:    domain.Status(fields[6]),
	}, nil
}

// escape protects the field delimiter, the escape character itself and
// newlines so one entry is always one line of seven columns.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '|':
			b.WriteString(`\|`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// splitEscaped splits on unescaped pipes and unescapes each field.
func splitEscaped(line string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		esc    bool
	)
	for _, r := range line {
		if esc {
			switch r {
			case '\\', '|':
				cur.WriteRune(r)
			case 'n':
				cur.WriteRune('\n')
			default:
				return nil, fmt.Errorf("invalid escape \\%c", r)
			}
			esc = false
			continue
		}
		switch r {
		case '\\':
			esc = true
		case '|':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if esc {
		return nil, fmt.Errorf("dangling escape at end of line")
	}
	fields = append(fields, cur.String())
	return fields, nil
}
