package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/metrics"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// Config holds retry and timeout settings
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	RequestTimeout  time.Duration // per attempt
	ResourceTimeout time.Duration // whole call, including backoff

	// BreakerThreshold trips a per-host breaker after that many
	// consecutive failures. Zero disables breakers.
	BreakerThreshold int64

	UserAgent string
}

// DefaultConfig returns the default transport settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		RequestTimeout:  30 * time.Second,
		ResourceTimeout: 60 * time.Second,
		UserAgent:       "offline-media-cache",
	}
}

// Resilient executes HTTP requests with connectivity gating, exponential
// backoff and a single credential refresh on 401.
type Resilient struct {
	config       Config
	reach        port.Reachability
	creds        port.CredentialsProvider
	httpClient   *http.Client
	streamClient *http.Client
	metrics      *metrics.Metrics
	logger       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	breakers sync.Map // host -> *circuit.Breaker
}

// Ensure Resilient implements port.Transport
var _ port.Transport = (*Resilient)(nil)

// Option configures a Resilient transport
type Option func(*Resilient)

// WithHTTPClient replaces both the request and the streaming client
func WithHTTPClient(c *http.Client) Option {
	return func(t *Resilient) {
		t.httpClient = c
		t.streamClient = c
	}
}

// WithSleep replaces the backoff wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Resilient) {
		t.sleep = sleep
	}
}

// WithMetrics records attempts and outcomes into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Resilient) {
		t.metrics = m
	}
}

// New creates a new Resilient transport. reach and creds may be nil.
func New(config Config, reach port.Reachability, creds port.CredentialsProvider, logger *zap.Logger, opts ...Option) *Resilient {
	defaults := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ResourceTimeout <= 0 {
		config.ResourceTimeout = defaults.ResourceTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	apiTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	streamTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     120 * time.Second,
		ForceAttemptHTTP2:   true,

		// Media is already compressed
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: config.RequestTimeout,
	}

	t := &Resilient{
		config:       config,
		reach:        reach,
		creds:        creds,
		httpClient:   &http.Client{Transport: apiTransport},
		streamClient: &http.Client{Transport: streamTransport},
		logger:       logger,
		sleep:        sleepContext,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute performs req and reads the whole response. A 2xx body is
// decoded into req.Into when set.
func (t *Resilient) Execute(ctx context.Context, req *port.Request) (*port.Response, error) {
	resp, body, attempts, err := t.call(ctx, req, false)
	if err != nil {
		t.metrics.Outcome(string(domain.Kind(err)))
		return nil, err
	}

	if req.Into != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(body, req.Into); err != nil {
			t.metrics.Outcome(string(domain.KindDecoding))
			return nil, &domain.RequestError{Kind: domain.ErrDecoding, Attempts: attempts, Err: err}
		}
	}

	t.metrics.Outcome("success")
	return &port.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Open performs req and returns the response body unread. The caller must
// close Stream.Body. Only establishing the response is bounded by the
// resource timeout; reading the body is bounded by ctx alone.
func (t *Resilient) Open(ctx context.Context, req *port.Request) (*port.Stream, error) {
	resp, _, _, err := t.call(ctx, req, true)
	if err != nil {
		t.metrics.Outcome(string(domain.Kind(err)))
		return nil, err
	}
	t.metrics.Outcome("success")

	stream := &port.Stream{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
	}
	if resp.StatusCode == http.StatusPartialContent {
		stream.Offset = contentRangeStart(resp.Header.Get("Content-Range"))
	}
	return stream, nil
}

// call runs the retry loop. On success the response has a 2xx status;
// for non-stream calls its body has been read into the returned slice.
func (t *Resilient) call(ctx context.Context, req *port.Request, stream bool) (*http.Response, []byte, int, error) {
	if t.reach != nil && !t.reach.Current().Satisfied {
		return nil, nil, 0, &domain.RequestError{Kind: domain.ErrNoConnection, Err: domain.ErrNoConnection}
	}

	if _, err := http.NewRequest(methodOf(req), req.URL, nil); err != nil {
		return nil, nil, 0, &domain.RequestError{Kind: domain.ErrInvalidInput, Err: err}
	}

	resourceCtx, cancelResource := context.WithTimeout(ctx, t.config.ResourceTimeout)
	defer cancelResource()

	host := hostOf(req.URL)
	cb := t.breaker(host)
	refreshed := false
	attempts := 0
	var lastErr error

	for retry := 0; ; {
		if resourceCtx.Err() != nil {
			return nil, nil, attempts, t.abandoned(ctx, attempts, lastErr)
		}
		if cb != nil && !cb.Ready() {
			return nil, nil, attempts, &domain.RequestError{Kind: domain.ErrCircuitOpen, Attempts: attempts, Err: lastErr}
		}

		attempts++
		t.metrics.Attempt(host)
		resp, body, err := t.attempt(ctx, resourceCtx, req, stream)
		if err != nil {
			if cb != nil {
				cb.Fail()
			}
			lastErr = err
			if ctx.Err() != nil || resourceCtx.Err() != nil {
				return nil, nil, attempts, t.abandoned(ctx, attempts, lastErr)
			}
			if retry >= t.config.MaxRetries {
				return nil, nil, attempts, &domain.RequestError{Kind: transportKind(err), Attempts: attempts, Err: err}
			}
			if err := t.backoff(resourceCtx, "transport", Backoff(t.config.BaseDelay, retry), req, err); err != nil {
				return nil, nil, attempts, t.abandoned(ctx, attempts, lastErr)
			}
			retry++
			continue
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status < 300:
			if cb != nil {
				cb.Success()
			}
			return resp, body, attempts, nil

		case status == http.StatusUnauthorized:
			discard(resp)
			if cb != nil {
				cb.Success()
			}
			lastErr = &domain.ServerError{StatusCode: status}
			if refreshed || t.creds == nil || !t.creds.Refresh(resourceCtx) {
				return nil, nil, attempts, &domain.RequestError{Kind: domain.ErrUnauthorized, Attempts: attempts, Err: lastErr}
			}
			// The refreshed retry does not consume retry budget
			refreshed = true
			t.metrics.Retry("unauthorized")
			continue

		case status == http.StatusTooManyRequests:
			discard(resp)
			if cb != nil {
				cb.Success()
			}
			lastErr = domain.NewRetryableError(&domain.ServerError{StatusCode: status}, retryAfter(resp.Header, t.now()))
			if retry >= t.config.MaxRetries {
				return nil, nil, attempts, &domain.RequestError{Kind: domain.ErrRateLimited, Attempts: attempts, Err: lastErr}
			}
			hint, _ := domain.GetRetryAfter(lastErr)
			delay := maxDuration(RateLimitBackoff(t.config.BaseDelay, retry), hint)
			if err := t.backoff(resourceCtx, "rate_limited", delay, req, lastErr); err != nil {
				return nil, nil, attempts, t.abandoned(ctx, attempts, lastErr)
			}
			retry++

		case status >= 500:
			discard(resp)
			if cb != nil {
				cb.Fail()
			}
			lastErr = &domain.ServerError{StatusCode: status}
			if retry >= t.config.MaxRetries {
				return nil, nil, attempts, &domain.RequestError{Kind: domain.ErrServer, Attempts: attempts, Err: lastErr}
			}
			delay := Backoff(t.config.BaseDelay, retry)
			if status == http.StatusServiceUnavailable {
				delay = maxDuration(delay, retryAfter(resp.Header, t.now()))
			}
			if err := t.backoff(resourceCtx, "server", delay, req, lastErr); err != nil {
				return nil, nil, attempts, t.abandoned(ctx, attempts, lastErr)
			}
			retry++

		default:
			discard(resp)
			if cb != nil {
				cb.Success()
			}
			return nil, nil, attempts, &domain.RequestError{
				Kind:     domain.ErrServer,
				Attempts: attempts,
				Err:      &domain.ServerError{StatusCode: status},
			}
		}
	}
}

// attempt issues a single HTTP request
func (t *Resilient) attempt(ctx, resourceCtx context.Context, req *port.Request, stream bool) (*http.Response, []byte, error) {
	if !stream {
		attemptCtx, cancel := context.WithTimeout(resourceCtx, t.config.RequestTimeout)
		defer cancel()

		httpReq, err := t.newRequest(attemptCtx, req)
		if err != nil {
			return nil, nil, err
		}
		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return resp, body, nil
	}

	// The stream outlives the resource timeout once headers arrive, so the
	// attempt hangs off ctx and is only tied to resourceCtx until then.
	attemptCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(resourceCtx, cancel)

	httpReq, err := t.newRequest(attemptCtx, req)
	if err != nil {
		stop()
		cancel()
		return nil, nil, err
	}
	resp, err := t.streamClient.Do(httpReq)
	if !stop() {
		// resourceCtx expired while waiting for headers
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, nil, err
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil, nil
}

func (t *Resilient) newRequest(ctx context.Context, req *port.Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, methodOf(req), req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", t.config.UserAgent)
	if t.creds != nil {
		if token, ok := t.creds.CurrentToken(); ok {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if req.RangeStart > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.RangeStart))
	}

	return httpReq, nil
}

func (t *Resilient) backoff(ctx context.Context, reason string, delay time.Duration, req *port.Request, cause error) error {
	t.metrics.Retry(reason)
	t.logger.Debug("retrying request",
		zap.String("url", req.URL),
		zap.String("reason", reason),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	return t.sleep(ctx, delay)
}

// abandoned builds the error for a call cut short by its context
func (t *Resilient) abandoned(ctx context.Context, attempts int, lastErr error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &domain.RequestError{Kind: domain.ErrCancelled, Attempts: attempts, Err: ctx.Err()}
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return &domain.RequestError{Kind: domain.ErrTimeout, Attempts: attempts, Err: lastErr}
}

func (t *Resilient) breaker(host string) *circuit.Breaker {
	if t.config.BreakerThreshold <= 0 {
		return nil
	}
	if cb, ok := t.breakers.Load(host); ok {
		return cb.(*circuit.Breaker)
	}
	cb, _ := t.breakers.LoadOrStore(host, circuit.NewConsecutiveBreaker(t.config.BreakerThreshold))
	return cb.(*circuit.Breaker)
}

// transportKind maps a failed round trip onto the error taxonomy
func transportKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrTimeout
	}
	return domain.ErrNoConnection
}

// discard drains a small amount of an unwanted body so the connection can
// be reused, then closes it
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.CopyN(io.Discard, resp.Body, 64*1024)
	resp.Body.Close()
}

func methodOf(req *port.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// contentRangeStart parses the first byte position of "bytes N-M/T"
func contentRangeStart(v string) int64 {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0
	}
	v = strings.TrimPrefix(v, "bytes ")
	dash := strings.IndexByte(v, '-')
	if dash <= 0 {
		return 0
	}
	n, err := strconv.ParseInt(v[:dash], 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
