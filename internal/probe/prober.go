// Package probe executes single HTTP checks: request, latency
// measurement, outcome classification and optional content-change
// detection. A Prober is stateless apart from the shared hash store.
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
	"github.com/AlanKSorata/site-monitor-log/internal/hashstore"
)

const maxRedirects = 5

// Limit on bodies we hash; beyond this a page is not a monitoring target.
const maxBodyBytes = 10 << 20

type Prober struct {
	log    *zap.Logger
	hashes *hashstore.Store
	client *http.Client

	userAgent string
	slow      time.Duration
	critical  time.Duration
}

type Options struct {
	UserAgent         string
	SlowThreshold     time.Duration
	CriticalThreshold time.Duration
}

func New(log *zap.Logger, hashes *hashstore.Store, opts Options) *Prober {
	return &Prober{
		log:    log,
		hashes: hashes,
		client: &http.Client{
			// Per-probe deadlines come from the request context; the
			// client itself must not impose a second, global timeout.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
		slow:      opts.SlowThreshold,
		critical:  opts.CriticalThreshold,
	}
}

// Execute runs one check against the target under its configured timeout.
// The result is always fully classified; Execute never returns an error.
func (p *Prober) Execute(ctx context.Context, t domain.Target) domain.ProbeResult {
	res := domain.ProbeResult{
		URL:       t.URL,
		Key:       t.Key,
		Timestamp: time.Now().UTC(),
	}

	cctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	// Wall-clock latency around the whole exchange, not the client
	// library's own accounting.
	start := time.Now()
	code, err := p.request(cctx, t.URL)
	res.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		res.Status, res.Message = Classify(err)
		return res
	}

	res.StatusCode = code
	if code >= 200 && code < 400 {
		res.Status = domain.StatusUp
	} else {
		res.Status = domain.StatusDown
		res.Message = http.StatusText(code)
	}

	if res.Status == domain.StatusUp {
		res.ThresholdFlag = p.thresholdFlag(time.Duration(res.LatencyMS) * time.Millisecond)
		if t.ContentCheck {
			p.contentCheck(ctx, t, &res)
		}
	}
	return res
}

// request issues the GET and discards the body; only the status matters
// for availability. Returns an error for transport failures.
func (p *Prober) request(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return resp.StatusCode, nil
}

// contentCheck fetches the full body in a separate request with the same
// timeout budget and compares its digest against the stored record. A
// fetch failure is reported on the result's message but never downgrades
// the probe: the availability classification stands.
func (p *Prober) contentCheck(ctx context.Context, t domain.Target, res *domain.ProbeResult) {
	cctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	digest, err := p.fetchDigest(cctx, t.URL)
	if err != nil {
		p.log.Warn("content fetch failed",
			zap.String("url", t.URL),
			zap.Error(err),
		)
		res.Message = fmt.Sprintf("content fetch failed: %v", err)
		return
	}

	outcome, prev, _ := p.hashes.Compare(t.Key, digest, res.Timestamp)
	res.ContentHash = digest
	switch outcome {
	case hashstore.Initial:
		res.ContentStatus = domain.StatusContentInitial
	case hashstore.Changed:
		res.ContentStatus = domain.StatusContentChanged
		res.PrevHash = prev.Digest
		res.PrevChangedAt = prev.RecordedAt
	case hashstore.Unchanged:
		res.ContentStatus = domain.StatusContentUnchanged
	}
}

func (p *Prober) fetchDigest(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(resp.Body, maxBodyBytes)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Prober) thresholdFlag(latency time.Duration) domain.Status {
	switch {
	case p.critical > 0 && latency > p.critical:
		return domain.StatusCritical
	case p.slow > 0 && latency > p.slow:
		return domain.StatusSlow
	default:
		return ""
	}
}

// HashBody computes the content digest used for change detection.
// Exposed for one-off CLI checks.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
