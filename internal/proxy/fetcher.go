package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mirrorshield/internal/policy/breaker"
	"github.com/JakeFAU/mirrorshield/internal/policy/ratelimit"
)

const (
	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguageHeader = "en-US,en;q=0.9"
	acceptEncodingHeader = "gzip, deflate, br, zstd"
)

// FetcherConfig bounds upstream requests.
type FetcherConfig struct {
	// Timeout covers the limiter wait, connection, response headers and, for
	// HTML, the body read. Streamed passthrough bodies get it as an idle bound
	// between reads.
	Timeout time.Duration
}

// Fetcher issues exactly one GET per proxied request.
type Fetcher struct {
	client   *http.Client
	cfg      FetcherConfig
	breakers *breaker.Set
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewFetcher constructs a Fetcher. client may be nil to use the default transport.
func NewFetcher(
	client *http.Client,
	cfg FetcherConfig,
	breakers *breaker.Set,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Transport: NewTransport(cfg.Timeout)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:   client,
		cfg:      cfg,
		breakers: breakers,
		limiter:  limiter,
		logger:   logger,
	}
}

// FetchRequest names one upstream GET.
type FetchRequest struct {
	URL      string
	Mirror   string
	Identity Identity
}

// Upstream is a successful mirror response, owned by one request. Callers must Close it.
type Upstream struct {
	StatusCode      int
	ContentType     string
	ContentEncoding string
	ContentLength   int64
	Mirror          string
	// URL is the final URL after redirects.
	URL  *url.URL
	Body io.ReadCloser

	deadline *time.Timer
	timeout  time.Duration
	expired  atomic.Bool
	cancel   context.CancelFunc
	once     sync.Once
}

// Touch restarts the fetch timeout. Streaming callers touch after every read
// so only a silent upstream is cut off.
func (u *Upstream) Touch() {
	if u.deadline != nil && !u.expired.Load() {
		u.deadline.Reset(u.timeout)
	}
}

// Close releases the body and the request context.
func (u *Upstream) Close() error {
	var err error
	u.once.Do(func() {
		if u.deadline != nil {
			u.deadline.Stop()
		}
		if u.Body != nil {
			err = u.Body.Close()
		}
		if u.cancel != nil {
			u.cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("close upstream body: %w", err)
	}
	return nil
}

// read wraps Body reads so a fired deadline surfaces as ErrUpstreamTimeout.
func (u *Upstream) read(p []byte) (int, error) {
	n, err := u.Body.Read(p)
	if err != nil && err != io.EOF && u.expired.Load() {
		return n, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return n, err
}

// Fetch performs the GET. Any failure, including a non-2xx status, is returned
// as *UpstreamError; nothing is retried.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*Upstream, error) {
	ctx, cancel := context.WithCancel(ctx)
	up := &Upstream{Mirror: req.Mirror, timeout: f.cfg.Timeout, cancel: cancel}
	deadline := time.AfterFunc(f.cfg.Timeout, func() {
		up.expired.Store(true)
		cancel()
	})
	up.deadline = deadline
	fail := func(status int, cause error) (*Upstream, error) {
		deadline.Stop()
		cancel()
		return nil, &UpstreamError{StatusCode: status, Mirror: req.Mirror, Cause: cause}
	}

	if err := f.limiter.Wait(ctx, req.Mirror); err != nil {
		return fail(0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fail(0, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("User-Agent", req.Identity.UserAgent)
	httpReq.Header.Set("Referer", req.Identity.Referer)
	httpReq.Header.Set("Accept", acceptHeader)
	httpReq.Header.Set("Accept-Language", acceptLanguageHeader)
	httpReq.Header.Set("Accept-Encoding", acceptEncodingHeader)

	var resp *http.Response
	err = f.breakers.Execute(req.Mirror, func() error {
		r, doErr := f.client.Do(httpReq)
		if doErr != nil {
			return fmt.Errorf("do request: %w", doErr)
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			drainAndClose(r.Body)
			return &statusError{code: r.StatusCode}
		}
		resp = r
		return nil
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return fail(se.code, err)
		}
		return fail(0, err)
	}

	f.logger.Debug("upstream responded",
		zap.String("mirror", req.Mirror),
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
	)
	up.StatusCode = resp.StatusCode
	up.ContentType = resp.Header.Get("Content-Type")
	up.ContentEncoding = resp.Header.Get("Content-Encoding")
	up.ContentLength = resp.ContentLength
	up.URL = resp.Request.URL
	up.Body = resp.Body
	return up, nil
}

// IsMirrorHealthy classifies breaker outcomes: 4xx answers mean the mirror is up
// and only the requested content is missing.
func IsMirrorHealthy(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code < 500
	}
	return err == nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// NewTransport returns the upstream transport. Compression is disabled so
// passthrough bodies keep their original encoding; timeout bounds the wait for
// response headers.
func NewTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}
}
