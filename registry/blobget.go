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
	"sync/atomic"
	"time"

	"github.com/ociregfs/regfs/auth"
	"github.com/ociregfs/regfs/internal/httputil"
)

// acceleratorPrefix, when set, is prepended (by plain string
// concatenation, not url.JoinPath) to every resolved blob URL before the
// ranged GET is issued, per spec.md §4.5 — a P2P accelerator proxy
// expects "{accelerator}{original-url}", not a merged/normalized URL.
type acceleratorPrefix struct {
	v atomic.Pointer[string]
}

func (a *acceleratorPrefix) get() string {
	if p := a.v.Load(); p != nil {
		return *p
	}
	return ""
}

func (a *acceleratorPrefix) set(prefix string) {
	a.v.Store(&prefix)
}

// getData implements spec.md §4.5: resolve blobURL (cached), optionally
// rewrite through the accelerator, and issue a single ranged GET. No
// retry at this layer — retries happen in the caller (File.preadv, C5).
func (r *Resolver) getData(ctx context.Context, blobURL string, offset, count int64, deadline time.Time, accel *acceleratorPrefix) (*http.Response, error) {
	h, err := r.acquireURLInfo(ctx, blobURL)
	if err != nil {
		return nil, err
	}

	info := h.Value()
	effectiveURL := blobURL
	if loc, ok := info.Redirect(); ok {
		effectiveURL = loc
	}
	if prefix := accel.get(); prefix != "" {
		effectiveURL = prefix + effectiveURL
	}

	reqCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, effectiveURL, nil)
	if err != nil {
		h.Release(false)
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Range", httputil.FormatByteRange(offset, count))
	if bearer, ok := info.Self(); ok && bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.rec.GetResult(0, start)
		// Transport error: invalidate the resolved URL, not the token.
		h.Release(true)
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	r.rec.GetResult(resp.StatusCode, start)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
		h.Release(false)
		return resp, nil
	}

	reauth := auth.ShouldReauthenticate(resp)
	httputil.Drain(resp.Body)
	if reauth {
		h.Release(true)
		return nil, fmt.Errorf("%w: status %d fetching %s", ErrTokenInvalid, resp.StatusCode, httputil.RedactURLString(blobURL))
	}
	// 5xx or any other non-2xx: poison the resolved endpoint, not the
	// token — I3: the two caches invalidate independently except via the
	// explicit 401/403 path handled above.
	h.Release(true)
	return nil, fmt.Errorf("%w: status %d fetching %s", ErrUnexpectedStatusCode, resp.StatusCode, httputil.RedactURLString(blobURL))
}
