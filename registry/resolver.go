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

package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/log"

	"github.com/ociregfs/regfs/auth"
	"github.com/ociregfs/regfs/cache"
	"github.com/ociregfs/regfs/internal/httputil"
	"github.com/ociregfs/regfs/metrics"
)

// scopeTokenTTLFloor and urlInfoTTLFloor are the cache TTL floors spec.md
// §6 names: tokens at least 30s, resolved endpoints at least 300s. They
// are the defaults a Resolver starts with; SetTTLs overrides them, and
// config.Load clamps any configured value back up to these same floors.
const (
	scopeTokenTTLFloor = 30 * time.Second
	urlInfoTTLFloor    = 300 * time.Second
)

// Resolver implements the blob-fetch state machine: probe, acquire a
// scope token on challenge, reissue with the token, and interpret the
// result as either a redirect or a same-origin bearer endpoint.
type Resolver struct {
	client      *http.Client
	creds       PasswordCallback
	scopeTokens *cache.ExpiringCache[string, string]
	urlInfos    *cache.ExpiringCache[string, UrlInfo]
	tokenTTL    time.Duration
	urlInfoTTL  time.Duration
	rec         *metrics.Recorder
}

// NewResolver builds a Resolver sharing client for every HTTP call and
// consulting creds only on a scope-token cache miss.
func NewResolver(client *http.Client, creds PasswordCallback) *Resolver {
	return &Resolver{
		client:      client,
		creds:       creds,
		scopeTokens: cache.New[string, string](),
		urlInfos:    cache.New[string, UrlInfo](),
		tokenTTL:    scopeTokenTTLFloor,
		urlInfoTTL:  urlInfoTTLFloor,
	}
}

// SetTTLs overrides the token and url_info cache TTLs, normally sourced
// from config.CacheConfig. Zero leaves the current value (the floor set
// by NewResolver) in place.
func (r *Resolver) SetTTLs(token, urlInfo time.Duration) {
	if token > 0 {
		r.tokenTTL = token
	}
	if urlInfo > 0 {
		r.urlInfoTTL = urlInfo
	}
}

// SetRecorder attaches rec so the scope_token and url_info caches, and
// every blob GET issued through getData, report to it. A nil rec disables
// metrics; its methods are nil-receiver-safe no-ops either way.
func (r *Resolver) SetRecorder(rec *metrics.Recorder) {
	r.rec = rec
}

// Resolve produces the UrlInfo describing how reads against blobURL must
// be issued, acquiring and releasing the url_info cache entry itself —
// callers that only need a snapshot should use this directly; get_data
// (blobget.go) instead acquires the cache handle so it can poison it on
// a later 401/403 without a second round trip through Resolve.
func (r *Resolver) Resolve(ctx context.Context, blobURL string) (UrlInfo, error) {
	h, err := r.acquireURLInfo(ctx, blobURL)
	if err != nil {
		return UrlInfo{}, err
	}
	defer h.Release(false)
	return h.Value(), nil
}

func (r *Resolver) acquireURLInfo(ctx context.Context, blobURL string) (*cache.Handle[UrlInfo], error) {
	missed := false
	h, err := r.urlInfos.Acquire(ctx, blobURL, func(ctx context.Context) (UrlInfo, time.Duration, error) {
		missed = true
		info, err := r.resolve(ctx, blobURL)
		if err != nil {
			return UrlInfo{}, 0, err
		}
		return info, r.urlInfoTTL, nil
	})
	if err != nil {
		return nil, err
	}
	if missed {
		r.rec.CacheMiss(metrics.CacheURLInfo)
	} else {
		r.rec.CacheHit(metrics.CacheURLInfo)
	}
	return h, nil
}

// resolve runs the literal three-step state machine.
func (r *Resolver) resolve(ctx context.Context, blobURL string) (UrlInfo, error) {
	// Step 1: probe.
	resp, err := r.probe(ctx, blobURL, "")
	if err != nil {
		return UrlInfo{}, err
	}
	httputil.Drain(resp.Body)

	if resp.StatusCode/100 == 2 {
		return NewSelf(""), nil
	}
	challengeHeader := resp.Header.Get("WWW-Authenticate")
	if challengeHeader == "" {
		return UrlInfo{}, fmt.Errorf("%w: status %d with no WWW-Authenticate challenge for %s",
			ErrUnexpectedStatusCode, resp.StatusCode, httputil.RedactURLString(blobURL))
	}
	challenge, err := auth.ParseChallenge(challengeHeader)
	if err != nil {
		return UrlInfo{}, fmt.Errorf("%w: %w", ErrUnparseableChallenge, err)
	}

	// Step 2: acquire a scope token.
	token, err := r.acquireScopeToken(ctx, blobURL, challenge)
	if err != nil {
		return UrlInfo{}, err
	}

	// Step 3: reissue with token.
	resp2, err := r.probe(ctx, blobURL, token)
	if err != nil {
		return UrlInfo{}, err
	}
	defer httputil.Drain(resp2.Body)

	switch {
	case resp2.StatusCode/100 == 3:
		location := resp2.Header.Get("Location")
		if location == "" {
			return UrlInfo{}, fmt.Errorf("%w: status %d with no Location header for %s",
				ErrFailedToRedirect, resp2.StatusCode, httputil.RedactURLString(blobURL))
		}
		return NewRedirect(location), nil
	case resp2.StatusCode == http.StatusOK || resp2.StatusCode == http.StatusPartialContent:
		return NewSelf(token), nil
	case auth.ShouldReauthenticate(resp2):
		log.G(ctx).WithField("url", httputil.RedactURLString(blobURL)).Info("token invalid")
		r.scopeTokens.Invalidate(auth.NormalizeScope(challenge.Scope))
		return UrlInfo{}, fmt.Errorf("%w for %s", ErrTokenInvalid, httputil.RedactURLString(blobURL))
	default:
		return UrlInfo{}, fmt.Errorf("%w: status %d reissuing %s", ErrUnexpectedStatusCode, resp2.StatusCode, httputil.RedactURLString(blobURL))
	}
}

// probe issues a zero-cost GET against blobURL, attaching
// Authorization: Bearer token only when token is non-empty. r.client is
// built (retry.NewSingleShotClient) to make exactly one attempt and to
// stop at the first redirect, so a 3xx here is the raw response from the
// registry itself, not one already resolved beneath this call.
func (r *Resolver) probe(ctx context.Context, blobURL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Range", "bytes=0-0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	return resp, nil
}

func (r *Resolver) acquireScopeToken(ctx context.Context, blobURL string, challenge auth.Challenge) (string, error) {
	key := auth.NormalizeScope(challenge.Scope)
	missed := false
	h, err := r.scopeTokens.Acquire(ctx, key, func(ctx context.Context) (string, time.Duration, error) {
		missed = true
		user, pass, err := r.creds(blobURL)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %w", ErrCredentialsRefused, err)
		}
		token, err := auth.AcquireToken(ctx, r.client, challenge, user, pass)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
		return token, r.tokenTTL, nil
	})
	if err != nil {
		return "", err
	}
	if missed {
		r.rec.CacheMiss(metrics.CacheToken)
	} else {
		r.rec.CacheHit(metrics.CacheToken)
	}
	defer h.Release(false)
	return h.Value(), nil
}

// InvalidateURLInfo poisons the cached resolution for blobURL, forcing a
// fresh run of the state machine on the next Resolve or get_data call.
// Nothing in this module calls it; getData poisons url_info on a 5xx or
// transport error by releasing its own handle with Release(true).
func (r *Resolver) InvalidateURLInfo(blobURL string) {
	r.urlInfos.Invalidate(blobURL)
}
