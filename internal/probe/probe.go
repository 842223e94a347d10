package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/utils"
)

// Failure classifies a probe that produced no HTTP response.
type Failure string

const (
	FailureNone       Failure = ""
	FailureTimeout    Failure = "timeout"
	FailureConnection Failure = "connection-error"
)

// DefaultUserAgent identifies probe traffic in access logs.
const DefaultUserAgent = "cutover-probe/1.0"

// DefaultMaxBody caps retained content when a caller asks for the body.
const DefaultMaxBody = 8 << 20

// Result is the outcome of one HTTP attempt. Either StatusCode is set or
// Failure is, never both.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Failure    Failure
	Err        error
}

// Responded reports whether the server produced a status line.
func (r Result) Responded() bool { return r.Failure == FailureNone }

// Is2xx reports a successful status.
func (r Result) Is2xx() bool {
	return r.Responded() && r.StatusCode >= 200 && r.StatusCode < 300
}

// redirectReady are the 3xx codes that still prove the app is serving.
var redirectReady = map[int]bool{
	http.StatusMultipleChoices:   true,
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusNotModified:       true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// IsReady reports a 2xx or a serving redirect.
func (r Result) IsReady() bool {
	return r.Is2xx() || (r.Responded() && redirectReady[r.StatusCode])
}

func (r Result) String() string {
	if !r.Responded() {
		return fmt.Sprintf("%s: %v", r.Failure, r.Err)
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// Options tweak a single probe.
type Options struct {
	KeepBody bool // retain the drained body in Result.Body
}

// Prober issues single bounded GET requests.
type Prober interface {
	Probe(ctx context.Context, ep Endpoint, timeout time.Duration, opts Options) Result
}

// Observer receives every settled probe. Used for metrics.
type Observer func(ep Endpoint, res Result)

// HTTPProber implements Prober over net/http.
type HTTPProber struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	observer  Observer
}

// Config configures an HTTPProber.
type Config struct {
	UserAgent     string
	SkipTLSVerify bool
	MaxBody       int64
	Observer      Observer
}

// NewHTTPProber builds a prober whose transport never pools connections, so
// an aborted probe cannot leave a half-read connection behind.
func NewHTTPProber(cfg Config) *HTTPProber {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			KeepAlive: -1,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.SkipTLSVerify, //nolint:gosec // opt-in
		},
		DisableKeepAlives: true,
	}

	return &HTTPProber{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Don't follow redirects
				return http.ErrUseLastResponse
			},
		},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBody,
		observer:  cfg.Observer,
	}
}

// Probe sends one GET and settles no later than timeout.
func (p *HTTPProber) Probe(ctx context.Context, ep Endpoint, timeout time.Duration, opts Options) Result {
	res := p.do(ctx, ep, timeout, opts)
	if p.observer != nil {
		p.observer(ep, res)
	}
	return res
}

func (p *HTTPProber) do(ctx context.Context, ep Endpoint, timeout time.Duration, opts Options) Result {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL(), http.NoBody)
	if err != nil {
		return Result{Failure: FailureConnection, Err: fmt.Errorf("failed to create request: %w", err), Elapsed: time.Since(start)}
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return failed(reqCtx, err, start)
	}
	defer utils.Close(resp.Body)

	res := Result{StatusCode: resp.StatusCode, Header: resp.Header}

	// Always drain so the response is fully consumed before the connection closes.
	if opts.KeepBody {
		body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody))
		if err != nil {
			return failed(reqCtx, err, start)
		}
		res.Body = body
		_, err = io.Copy(io.Discard, resp.Body)
		if err != nil {
			return failed(reqCtx, err, start)
		}
	} else if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return failed(reqCtx, err, start)
	}

	res.Elapsed = time.Since(start)
	return res
}

func failed(ctx context.Context, err error, start time.Time) Result {
	res := Result{Failure: FailureConnection, Err: err, Elapsed: time.Since(start)}
	if isTimeout(ctx, err) {
		res.Failure = FailureTimeout
	}
	return res
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
