package fetcher

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/popdensity/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher. Timeout bounds connecting,
// waiting for response headers, and any gap between body reads; it never
// bounds the whole transfer.
type HTTPOptions struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	RequestsPerSec float64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPFetcher implements Fetcher using net/http with per-host adaptive rate
// limiting and retry on 429 and 5xx responses.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "popdensity/1.0"
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 2
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTPFetcher{
		client:   &http.Client{Transport: transport},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// limiterFor returns the adaptive limiter for the URL's host, creating it on
// first use.
func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := max(1, int(math.Ceil(f.opts.RequestsPerSec)))
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RequestsPerSec), burst)
		f.limiters[host] = lim
	}
	return lim
}

func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.limiterFor(req.URL.String())
	log := zap.L().With(zap.String("url", req.URL.String()))

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "fetcher: request")
			}
			lastErr = err
			log.Warn("fetcher: request failed", zap.Int("attempt", attempt+1), zap.Error(err))
			f.backoff(ctx, attempt)
			continue
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			lastErr = resilience.NewTransientError(
				eris.Errorf("fetcher: http %d from %s", resp.StatusCode, req.URL.String()),
				resp.StatusCode,
			)
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.OnRateLimit()
			}
			log.Warn("fetcher: transient status",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			f.backoff(ctx, attempt)
			continue
		}

		lim.OnSuccess()
		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "fetcher: all retries exhausted")
}

// backoff waits before the next attempt. It returns at once after the last.
func (f *HTTPFetcher) backoff(ctx context.Context, attempt int) {
	if attempt+1 >= f.opts.MaxRetries {
		return
	}
	d := time.Duration(float64(f.opts.InitialBackoff) * math.Pow(2, float64(attempt)))
	d = min(d, f.opts.MaxBackoff)
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (f *HTTPFetcher) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	return req, nil
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := f.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: download")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to the given path, syncing
// the file before returning. The transfer is aborted when no bytes arrive
// for longer than the configured timeout.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rc, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	body := newIdleReader(rc, f.opts.Timeout, cancel)
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}

	n, err := io.Copy(file, body)
	if err != nil {
		_ = file.Close()
		if errors.Is(context.Cause(ctx), ErrStalled) {
			err = eris.Wrapf(ErrStalled, "no data for %s", f.opts.Timeout)
		}
		// Mid-stream failures are worth another whole-file attempt.
		return n, resilience.NewTransientError(eris.Wrap(err, "fetcher: write file"), 0)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return n, eris.Wrap(err, "fetcher: sync file")
	}
	if err := file.Close(); err != nil {
		return n, eris.Wrap(err, "fetcher: close file")
	}

	return n, nil
}

// Head performs a HEAD request and returns the advertised size and ETag.
func (f *HTTPFetcher) Head(ctx context.Context, rawURL string) (RemoteInfo, error) {
	req, err := f.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return RemoteInfo{}, err
	}

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return RemoteInfo{}, eris.Wrap(err, "fetcher: head")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return RemoteInfo{}, eris.Errorf("fetcher: unexpected status %d from HEAD %s", resp.StatusCode, rawURL)
	}

	return RemoteInfo{Size: resp.ContentLength, ETag: resp.Header.Get("ETag")}, nil
}

// ErrStalled reports a download that stopped receiving data.
var ErrStalled = eris.New("fetcher: download stalled")

// idleReader cancels the request when the gap between two reads exceeds
// idle. Each read re-arms the timer.
type idleReader struct {
	rc    io.ReadCloser
	idle  time.Duration
	timer *time.Timer
}

func newIdleReader(rc io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc) *idleReader {
	return &idleReader{
		rc:   rc,
		idle: idle,
		timer: time.AfterFunc(idle, func() { cancel(ErrStalled) }),
	}
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
