// Command monitorctl manages a running monitord: process lifecycle,
// control-plane verbs over the local API, settings validation, and
// one-off checks.
//
// Exit codes: 0 ok, 1 general failure, 2 bad arguments, 3 already
// running, 4 not running, 5 configuration error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/config"
	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/hashstore"
	"github.com/AlanKSorata/site-monitor-log/internal/lockfile"
	"github.com/AlanKSorata/site-monitor-log/internal/probe"
	"github.com/AlanKSorata/site-monitor-log/internal/registry"
)

const (
	exitOK             = 0
	exitGeneral        = 1
	exitUsage          = 2
	exitAlreadyRunning = 3
	exitNotRunning     = 4
	exitConfig         = 5
)

const usage = `usage: monitorctl [-config file] <command>

commands:
  start          launch the daemon in the background
  stop           shut the daemon down and wait for it to exit
  restart        stop then start
  status         show per-target state from the running daemon
  reload         re-read the target list without restarting
  test           validate settings and target list, then exit
  check <url>    run a single check against one URL
`

func main() {
	configPath := flag.String("config", "", "settings file (KEY=VALUE lines)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitorctl:", err)
		os.Exit(exitConfig)
	}

	ctl := &control{cfg: cfg, configPath: *configPath}

	var code int
	switch verb := flag.Arg(0); verb {
	case "start":
		code = ctl.start()
	case "stop":
		code = ctl.stop()
	case "restart":
		if code = ctl.stop(); code == exitOK || code == exitNotRunning {
			code = ctl.start()
		}
	case "status":
		code = ctl.status()
	case "reload":
		code = ctl.reload()
	case "test":
		code = ctl.test()
	case "check":
		if flag.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: monitorctl check <url>")
			os.Exit(exitUsage)
		}
		code = ctl.check(flag.Arg(1))
	default:
		fmt.Fprintf(os.Stderr, "monitorctl: unknown command %q\n", verb)
		flag.Usage()
		code = exitUsage
	}
	os.Exit(code)
}

type control struct {
	cfg        *config.Config
	configPath string
}

func (c *control) lockPath() string {
	return filepath.Join(c.cfg.DataDir, "monitor.lock")
}

func (c *control) apiURL(path string) string {
	return "http://" + c.cfg.APIAddr + path
}

func (c *control) client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *control) start() int {
	if pid, running := lockfile.IsRunning(c.lockPath()); running {
		fmt.Fprintf(os.Stderr, "monitorctl: already running (pid %d)\n", pid)
		return exitAlreadyRunning
	}

	bin, err := daemonBinary()
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitorctl:", err)
		return exitGeneral
	}
	args := []string{}
	if c.configPath != "" {
		args = append(args, "-config", c.configPath)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "monitorctl: start daemon:", err)
		return exitGeneral
	}
	// Detach: the daemon outlives this process.
	go cmd.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pid, running := lockfile.IsRunning(c.lockPath()); running {
			fmt.Printf("started (pid %d)\n", pid)
			return exitOK
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "monitorctl: daemon did not come up within 5s")
	return exitGeneral
}

func (c *control) stop() int {
	pid, running := lockfile.IsRunning(c.lockPath())
	if !running {
		fmt.Fprintln(os.Stderr, "monitorctl: not running")
		return exitNotRunning
	}

	// Ask over the API first; the 200 means the scheduler has drained.
	resp, err := c.client().Post(c.apiURL("/api/control/shutdown"), "", nil)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	} else if proc, ferr := os.FindProcess(pid); ferr == nil {
		proc.Signal(os.Interrupt)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if _, still := lockfile.IsRunning(c.lockPath()); !still {
			fmt.Println("stopped")
			return exitOK
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "monitorctl: pid %d did not exit within 15s\n", pid)
	return exitGeneral
}

func (c *control) status() int {
	resp, err := c.client().Get(c.apiURL("/api/status"))
	if err != nil {
		if _, running := lockfile.IsRunning(c.lockPath()); !running {
			fmt.Fprintln(os.Stderr, "monitorctl: not running")
			return exitNotRunning
		}
		fmt.Fprintln(os.Stderr, "monitorctl:", err)
		return exitGeneral
	}
	defer resp.Body.Close()

	var body struct {
		Heartbeat time.Time               `json:"heartbeat"`
		Targets   []domain.TargetSnapshot `json:"targets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintln(os.Stderr, "monitorctl: decode status:", err)
		return exitGeneral
	}

	fmt.Printf("heartbeat: %s\n\n", body.Heartbeat.Local().Format(time.RFC3339))
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tSTATUS\tUPTIME\tAVG MS\tCHECKS\tBREAKER")
	for _, t := range body.Targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f%%\t%.0f\t%d\t%s\n",
			t.Name, t.URL, t.LastStatus, t.UptimePercent, t.AvgResponseTimeMS, t.CheckCount, t.BreakerState)
	}
	w.Flush()
	return exitOK
}

func (c *control) reload() int {
	resp, err := c.client().Post(c.apiURL("/api/control/reload"), "", nil)
	if err != nil {
		if _, running := lockfile.IsRunning(c.lockPath()); !running {
			fmt.Fprintln(os.Stderr, "monitorctl: not running")
			return exitNotRunning
		}
		fmt.Fprintln(os.Stderr, "monitorctl:", err)
		return exitGeneral
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "monitorctl: reload failed: %s\n", string(msg))
		return exitGeneral
	}
	fmt.Println("reloaded")
	return exitOK
}

// test validates the settings and target list the way the daemon would at
// startup, without touching a running instance.
func (c *control) test() int {
	reg := registry.New(zap.NewNop(), registry.Defaults{
		Interval:     c.cfg.DefaultInterval,
		Timeout:      c.cfg.DefaultTimeout,
		ContentCheck: c.cfg.ContentCheckEnabled,
	})
	n, err := reg.LoadFile(c.cfg.TargetsFile)
	if n == 0 {
		if err != nil {
			fmt.Fprintln(os.Stderr, "monitorctl:", err)
		}
		fmt.Fprintf(os.Stderr, "monitorctl: no valid targets in %s\n", c.cfg.TargetsFile)
		return exitConfig
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitorctl: warning:", err)
	}
	fmt.Printf("settings ok, %d targets\n", n)
	return exitOK
}

// check runs one probe against a single URL, with the configured
// fixed-delay retry on transport failures.
func (c *control) check(raw string) int {
	canon, err := registry.Canonicalize(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitorctl:", err)
		return exitUsage
	}
	target := domain.Target{
		URL:     raw,
		Key:     canon,
		Name:    raw,
		Timeout: c.cfg.DefaultTimeout,
	}

	p := probe.New(zap.NewNop(), hashstore.New(), probe.Options{
		UserAgent:         c.cfg.UserAgent,
		SlowThreshold:     c.cfg.SlowThreshold,
		CriticalThreshold: c.cfg.CriticalThreshold,
	})

	var res domain.ProbeResult
	for attempt := 1; attempt <= c.cfg.MaxRetryAttempts; attempt++ {
		res = p.Execute(context.Background(), target)
		if !res.Status.IsTransportFailure() {
			break
		}
		if attempt < c.cfg.MaxRetryAttempts {
			fmt.Fprintf(os.Stderr, "attempt %d: %s, retrying in %s\n", attempt, res.Message, c.cfg.RetryDelay)
			time.Sleep(c.cfg.RetryDelay)
		}
	}

	fmt.Printf("%s %s", res.URL, res.Status)
	if res.StatusCode != 0 {
		fmt.Printf(" %d", res.StatusCode)
	}
	fmt.Printf(" %dms", res.LatencyMS)
	if res.ThresholdFlag != "" {
		fmt.Printf(" [%s]", res.ThresholdFlag)
	}
	if res.Message != "" {
		fmt.Printf(" (%s)", res.Message)
	}
	fmt.Println()

	if res.Status == domain.StatusUp {
		return exitOK
	}
	return exitGeneral
}

// daemonBinary finds monitord next to this executable, falling back to
// PATH.
func daemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(self), "monitord")
		if st, err := os.Stat(cand); err == nil && !st.IsDir() {
			return cand, nil
		}
	}
	if p, err := exec.LookPath("monitord"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("monitord binary not found next to monitorctl or in PATH")
}
