/*
   Copyright The regfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package retry is the budgeted-deadline retry kernel shared by the
// registry file reader and the uploader (spec components C8/C9). Every
// network operation in this module derives a deadline from the caller's
// configured timeout at entry; sub-operations retry against that same
// deadline, never extending it.
package retry

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/ociregfs/regfs/version"
)

// ErrDeadlineExceeded is returned by Do when the deadline elapses between
// attempts. It maps to ETIMEDOUT at the call sites.
var ErrDeadlineExceeded = errors.New("retry: deadline exceeded")

// sleepFloor is the minimum cooperative sleep between attempts, matching
// the teacher's fixed 1ms floor (spec.md §4.9 / §9).
const sleepFloor = time.Millisecond

// ClientConfig configures the shared retryable HTTP client.
type ClientConfig struct {
	MaxRetries            int
	MinWait                time.Duration
	MaxWait                time.Duration
	DialTimeout            time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
	// RateLimitQPS, if > 0, throttles outbound requests made through the
	// returned client's Transport. Zero disables rate limiting entirely.
	RateLimitQPS float64
	// TLSClientConfig, if non-nil, overrides the transport's TLS trust
	// roots (e.g. a private registry's CA bundle). Nil keeps the
	// platform's default root pool.
	TLSClientConfig *tls.Config
}

// DefaultClientConfig mirrors the teacher's util/http.NewRetryableClientConfig
// defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxRetries:            3,
		MinWait:               30 * time.Millisecond,
		MaxWait:               5 * time.Second,
		DialTimeout:           3 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
		RequestTimeout:        30 * time.Second,
	}
}

// NewClient builds a *retryablehttp.Client configured per cfg, with jittered
// exponential backoff (jitter added to avoid a thundering-herd reconnect
// storm against a recovering registry).
func NewClient(cfg ClientConfig) *rhttp.Client {
	c := rhttp.NewClient()
	c.Logger = nil
	c.RetryMax = cfg.MaxRetries
	c.RetryWaitMin = cfg.MinWait
	c.RetryWaitMax = cfg.MaxWait
	c.Backoff = backoffStrategy
	c.CheckRetry = retryStrategy
	c.HTTPClient.Timeout = cfg.RequestTimeout

	transport := c.HTTPClient.Transport
	t, ok := transport.(*http.Transport)
	if !ok {
		t = http.DefaultTransport.(*http.Transport).Clone()
	}
	t.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext
	t.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	if cfg.TLSClientConfig != nil {
		t.TLSClientConfig = cfg.TLSClientConfig
	}

	var rt http.RoundTripper = t
	if cfg.RateLimitQPS > 0 {
		rt = &rateLimitedTransport{inner: t, limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitQPS), 1)}
	}
	c.HTTPClient.Transport = &userAgentTransport{inner: rt}
	return c
}

// NewSingleShotClient builds an *http.Client from cfg that makes exactly
// one attempt per call and never follows a redirect. The resolver's
// probe, its token acquisition, the blob GET, and the uploader's chunk
// PATCH/finalize PUT are each already wrapped in their own caller-level
// retry loop (File.fstat/preadv's retry.Do, Uploader's pushChunk/Close) and
// each needs to see a raw 3xx or 401/403 itself rather than have it
// resolved transparently underneath them — a second retry or an
// auto-followed redirect at the transport layer would both fight the
// caller's loop and hide the response it needs to classify.
//
// RetryMax is forced to 0 on the retryable client NewClient builds, and
// CheckRedirect is set to stop at the first redirect on both that client's
// own HTTPClient (the one actually performing each attempt) and on the
// *http.Client returned here (the one callers Do against) — setting it only
// on the outer client is not enough, since by the time Do sees a response
// the inner client has already followed it. The retryable client's
// ErrorHandler passes the last response through, so a final 5xx reaches
// the caller as a response rather than as a "giving up" error.
func NewSingleShotClient(cfg ClientConfig) *http.Client {
	single := cfg
	single.MaxRetries = 0
	c := NewClient(single)
	c.ErrorHandler = rhttp.PassthroughErrorHandler
	noFollow := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.HTTPClient.CheckRedirect = noFollow

	std := c.StandardClient()
	std.CheckRedirect = noFollow
	std.Timeout = c.HTTPClient.Timeout
	return std
}

// userAgentTransport stamps every outbound request with this build's
// User-Agent, so a registry operator can correlate traffic to a version.
type userAgentTransport struct {
	inner http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", version.UserAgent())
	}
	return t.inner.RoundTrip(req)
}

// rateLimitedTransport throttles outbound requests at a fixed QPS. This is
// an additive safety valve: a background prefetch loop driving this module
// should not be able to overwhelm a rate-limited mirror.
type rateLimitedTransport struct {
	inner   http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.inner.RoundTrip(req)
}

// jitter returns a duration in [d, d+d/divisor).
func jitter(d time.Duration, divisor int64) time.Duration {
	if d <= 0 || divisor <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/divisor+1))
}

func backoffStrategy(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return jitter(rhttp.DefaultBackoff(min, max, attemptNum, resp), 8)
}

func retryStrategy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, rerr := rhttp.DefaultRetryPolicy(ctx, resp, err)
	if retry {
		log.G(ctx).WithError(err).Debug("retrying registry request")
	}
	return retry, rerr
}

// Deadline wraps an absolute point in time and reports the remaining budget.
type Deadline struct {
	at time.Time
	// unbounded is true when the caller configured no timeout at all.
	unbounded bool
}

// NewDeadline derives a Deadline from timeout starting now. A zero or
// negative timeout means unbounded, per spec.md §6 ("timeout: microseconds
// | unbounded").
func NewDeadline(timeout time.Duration) Deadline {
	if timeout <= 0 {
		return Deadline{unbounded: true}
	}
	return Deadline{at: time.Now().Add(timeout)}
}

// Remaining reports how much budget is left. An unbounded deadline always
// has "plenty" of budget left.
func (d Deadline) Remaining() time.Duration {
	if d.unbounded {
		return time.Hour
	}
	return time.Until(d.at)
}

// Expired reports whether the deadline has already elapsed.
func (d Deadline) Expired() bool {
	return !d.unbounded && d.Remaining() <= 0
}

// Context returns a context bound to the deadline, plus its cancel func.
func (d Deadline) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if d.unbounded {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, d.at)
}

// Do runs fn in a bounded retry loop: up to maxAttempts tries, separated by
// a jittered, floor-enforced cooperative sleep, stopping early if deadline
// has no budget left for another attempt. An attempt already in flight is
// always allowed to finish; Do never cancels fn mid-call on deadline alone
// (the caller's own ctx, derived from deadline, does that).
func Do(ctx context.Context, deadline Deadline, maxAttempts int, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if deadline.Expired() {
				return ErrDeadlineExceeded
			}
			sleep := sleepFloor
			if s := jitter(sleepFloor<<uint(attempt-1), 4); s > sleep {
				sleep = s
			}
			if remaining := deadline.Remaining(); remaining > 0 && sleep > remaining {
				sleep = remaining
			}
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if deadline.Expired() {
			return ErrDeadlineExceeded
		}
	}
	return lastErr
}
