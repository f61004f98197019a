package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer appends entries to the event log file. Size-based rotation into a
// numbered backup series is delegated to lumberjack; retention pruning
// rewrites the live file (filter, tmp, swap).
type Writer struct {
	log  *zap.Logger
	path string

	mu   sync.Mutex
	sink *lumberjack.Logger
}

// NewWriter creates the event log under dir as events.log, rotating when
// it exceeds maxSizeMB and keeping maxBackups rotated files.
func NewWriter(log *zap.Logger, dir string, maxSizeMB, maxBackups int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dir, "events.log")
	return &Writer{
		log:  log,
		path: path,
		sink: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}, nil
}

// Path returns the live log file location for the read side.
func (w *Writer) Path() string { return w.path }

// Append writes one entry as a single line. The whole line goes out in one
// write call, so concurrent appenders never interleave fields.
func (w *Writer) Append(e Entry) error {
	line := e.Marshal() + "\n"
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.sink.Write([]byte(line)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Prune drops entries older than retentionDays from the live file. The
// surviving entries are written to a temp file which is renamed over the
// original, so a crash mid-prune never leaves a half-written log.
func (w *Writer) Prune(retentionDays int) (dropped int, err error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	w.mu.Lock()
	defer w.mu.Unlock()

	in, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer in.Close()

	tmp := w.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create prune temp file: %w", err)
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		e, perr := Parse(line)
		if perr != nil {
			// Keep unparseable lines rather than silently destroying them.
			w.log.Warn("unparseable event log line kept during prune", zap.Error(perr))
		} else if e.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		if _, err = bw.WriteString(line + "\n"); err != nil {
			return dropped, fmt.Errorf("write pruned log: %w", err)
		}
	}
	if err = sc.Err(); err != nil {
		return dropped, fmt.Errorf("scan event log: %w", err)
	}
	if err = bw.Flush(); err != nil {
		return dropped, fmt.Errorf("flush pruned log: %w", err)
	}
	if err = out.Sync(); err != nil {
		return dropped, fmt.Errorf("sync pruned log: %w", err)
	}

	// Release lumberjack's handle so the swap takes effect for the next
	// append, which reopens the file.
	if cerr := w.sink.Close(); cerr != nil {
		w.log.Warn("closing event log sink before swap", zap.Error(cerr))
	}
	if err = os.Rename(tmp, w.path); err != nil {
		return dropped, fmt.Errorf("swap pruned log: %w", err)
	}
	return dropped, nil
}

// Close flushes and releases the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.Close()
}
