// Package dispatch sends one logical request to a WAF endpoint with a fixed
// attempt budget and linear backoff, and classifies the response as blocked
// or not blocked.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// scanChunk is the read size used when searching a response for the block page.
const scanChunk = 32 << 10

// buildError marks a request that could not be constructed. Retrying cannot
// change the outcome, so Dispatch stops at the first one.
type buildError struct{ err error }

func (e buildError) Error() string { return "build request: " + e.err.Error() }
func (e buildError) Unwrap() error { return e.err }

// sleeper waits between attempts. Tests swap it to observe the backoff.
type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Dispatcher struct {
	client      *http.Client
	limiter     *ratelimit.Limiter
	logger      *logger.Logger
	timeout     time.Duration
	attempts    int
	backoffStep time.Duration
	marker      []byte
	sleeper     sleeper
}

type Option func(*Dispatcher)

func WithClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

func WithLimiter(limiter *ratelimit.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = limiter }
}

func WithLogger(log *logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = log.WithComponent("dispatcher") }
}

func New(cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout:     cfg.Timeout,
		attempts:    cfg.Attempts,
		backoffStep: cfg.BackoffStep,
		marker:      []byte(cfg.BlockPageMarker),
		sleeper:     realSleeper{},
		logger:      logger.NewNop(),
	}
	if d.timeout <= 0 {
		d.timeout = 500 * time.Millisecond
	}
	if d.attempts < 1 {
		d.attempts = 3
	}
	if len(d.marker) == 0 {
		d.marker = []byte(config.DefaultBlockPageMarker)
	}

	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = httpclient.NewDispatchClient(cfg.FollowRedirects)
	}
	return d
}

// Dispatch never fails: when every attempt hits a transport error it returns
// types.FailedResult(). Any HTTP status ends the retry loop.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.Request) types.DispatchResult {
	start := time.Now()
	headers := withoutHost(req.Headers)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}

	wireURL := RequoteURL(req.URL)
	attempts := d.attempts

	for attempt := 1; attempt <= d.attempts; attempt++ {
		result, err := d.try(ctx, req.Method, wireURL, headers, req.Body, timeout)
		if err == nil {
			d.logger.LogDispatch(ctx, req.Method, req.URL, result.StatusCode, result.Blocked, attempt, time.Since(start))
			return result
		}

		var be buildError
		if errors.As(err, &be) {
			d.logger.Warnw("Request could not be built, not retrying",
				"method", req.Method,
				"url", req.URL,
				"error", err,
			)
			attempts = attempt
			break
		}

		transient := &core.TransientNetworkError{
			Kind:    core.ClassifyTransportError(err),
			URL:     req.URL,
			Attempt: attempt,
			Err:     err,
		}
		d.logger.Debugw("Dispatch attempt failed",
			"attempt", attempt,
			"max_attempts", d.attempts,
			"failure_kind", string(transient.Kind),
			"error", transient.Error(),
		)

		if attempt < d.attempts {
			if err := d.sleeper.sleep(ctx, d.backoffStep*time.Duration(attempt)); err != nil {
				attempts = attempt
				break
			}
		}
	}

	result := types.FailedResult()
	d.logger.LogDispatch(ctx, req.Method, req.URL, result.StatusCode, result.Blocked, attempts, time.Since(start))
	return result
}

func (d *Dispatcher) try(ctx context.Context, method, rawURL string, headers map[string]string, body string, timeout time.Duration) (types.DispatchResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, rawURL, reqBody)
	if err != nil {
		return types.DispatchResult{}, buildError{err: err}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	if err := d.limiter.WaitForHost(ctx, httpReq.URL.Host); err != nil {
		return types.DispatchResult{}, err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return types.DispatchResult{}, err
	}
	defer httpclient.CloseBody(resp)

	blocked := resp.StatusCode == http.StatusForbidden
	if !blocked {
		blocked, err = containsMarker(resp.Body, d.marker)
		if err != nil {
			return types.DispatchResult{}, err
		}
	}

	return types.DispatchResult{
		StatusCode:      resp.StatusCode,
		ResponseHeaders: flattenHeaders(resp.Header),
		Blocked:         blocked,
	}, nil
}

// IsBlocked is true for a 403 or a body carrying the block page marker.
func IsBlocked(statusCode int, body []byte, marker []byte) bool {
	return statusCode == http.StatusForbidden || (len(marker) > 0 && bytes.Contains(body, marker))
}

// containsMarker scans r to the end, or until marker is found, keeping only
// len(marker)-1 bytes of overlap between reads.
func containsMarker(r io.Reader, marker []byte) (bool, error) {
	if len(marker) == 0 {
		return false, nil
	}
	keep := len(marker) - 1
	buf := make([]byte, keep+scanChunk)
	carry := 0
	for {
		n, err := r.Read(buf[carry:])
		window := buf[:carry+n]
		if bytes.Contains(window, marker) {
			return true, nil
		}
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if len(window) > keep {
			carry = copy(buf, window[len(window)-keep:])
		} else {
			carry = len(window)
		}
	}
}

// withoutHost copies headers minus any Host entry; the transport derives Host
// from the URL.
func withoutHost(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = v
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}

