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
	"net/http"
	"time"

	"github.com/ociregfs/regfs/cache"
	"github.com/ociregfs/regfs/internal/retry"
	"github.com/ociregfs/regfs/metrics"
)

// metaSizeTTLFloor is the cache TTL floor spec.md §6 names for the
// per-path size cache: at least 300s, same floor as url_info.
const metaSizeTTLFloor = 300 * time.Second

// PasswordCallback resolves credentials for a given URL hint. There is no
// global registry and no dynamic dispatch: callers wire one function
// value all the way down. urlHint is the original blob URL (not the auth
// realm), so a callback keyed on registry hostname can parse it.
type PasswordCallback func(urlHint string) (user, password string, err error)

// Filesystem is the read-only virtual filesystem over a registry: Open
// hands back random-access File handles, Stat reports size without
// opening, and SetAcceleratorAddress rewires every subsequent GET issued
// by any File this Filesystem has already handed out. Filesystem owns
// the meta_size cache directly and the scope_token/url_info caches
// transitively through its Resolver — all three of spec.md §3's expiring
// caches, even though only one lives on this struct literally.
type Filesystem struct {
	resolver *Resolver
	accel    *acceleratorPrefix
	timeout  time.Duration // 0 means unbounded, per spec.md §6

	metaSize *cache.ExpiringCache[string, int64]
	metaTTL  time.Duration
	rec      *metrics.Recorder
}

// NewFilesystem builds a Filesystem. client is shared by every blob GET
// and token acquisition it issues; creds supplies credentials on a
// scope-token cache miss.
func NewFilesystem(client *http.Client, creds PasswordCallback) *Filesystem {
	return &Filesystem{
		resolver: NewResolver(client, creds),
		accel:    &acceleratorPrefix{},
		metaSize: cache.New[string, int64](),
		metaTTL:  metaSizeTTLFloor,
	}
}

// SetCacheTTLs overrides the meta_size, scope_token and url_info cache
// TTLs, normally sourced from config.CacheConfig after its floors have
// been clamped. A zero duration leaves that cache's current TTL in place.
func (fs *Filesystem) SetCacheTTLs(meta, token, urlInfo time.Duration) {
	if meta > 0 {
		fs.metaTTL = meta
	}
	fs.resolver.SetTTLs(token, urlInfo)
}

// SetRecorder attaches rec so the meta_size cache, and, transitively, the
// scope_token/url_info caches and every blob GET, report to it. A nil rec
// disables metrics; its methods are nil-receiver-safe no-ops either way.
func (fs *Filesystem) SetRecorder(rec *metrics.Recorder) {
	fs.rec = rec
	fs.resolver.SetRecorder(rec)
}

// Open returns a File for blobURL. Opening itself never issues network
// I/O: the size is learned lazily on first Stat/Read and then cached
// under blobURL in the meta_size cache, so a second File opened on the
// same blobURL (a fresh FUSE Lookup on a path already sized by an
// earlier one, say) hits that cache instead of the network. Direct
// library callers that need open-to-fail-fast semantics should call
// Stat immediately after Open, as the FUSE Lookup path already does.
func (fs *Filesystem) Open(blobURL string) *File {
	return newFile(fs.resolver, blobURL, fs.accel)
}

// Stat reports blobURL's size, consulting the meta_size cache first and
// issuing a network round trip only on a miss — whether that miss is
// because no File has ever sized this blobURL, or because a prior entry
// expired past its TTL.
func (fs *Filesystem) Stat(ctx context.Context, f *File) (int64, error) {
	missed := false
	h, err := fs.metaSize.Acquire(ctx, f.url, func(ctx context.Context) (int64, time.Duration, error) {
		missed = true
		size, err := f.fstat(ctx, retry.NewDeadline(fs.timeout))
		if err != nil {
			return 0, 0, err
		}
		return size, fs.metaTTL, nil
	})
	if err != nil {
		return 0, err
	}
	if missed {
		fs.rec.CacheMiss(metrics.CacheMeta)
	} else {
		fs.rec.CacheHit(metrics.CacheMeta)
	}
	defer h.Release(false)
	return h.Value(), nil
}

// Read reads up to len(p) bytes from f at offset, bounded by the
// Filesystem's configured per-operation deadline.
func (fs *Filesystem) Read(ctx context.Context, f *File, p []byte, offset int64) (int, error) {
	return f.preadv(ctx, p, offset, retry.NewDeadline(fs.timeout))
}

// SetAcceleratorAddress rewires every subsequent GET through prefix
// (e.g. "http://accelerator.local/"), applied by string concatenation
// ahead of the resolved blob URL. Pass "" to disable acceleration.
func (fs *Filesystem) SetAcceleratorAddress(prefix string) {
	fs.accel.set(prefix)
}

// SetTimeout sets the per-operation deadline budget used by Stat/Read.
// Zero means unbounded.
func (fs *Filesystem) SetTimeout(d time.Duration) {
	fs.timeout = d
}

// Close releases background resources. The three expiring caches, one
// owned directly and two owned transitively through Filesystem's
// Resolver, carry no goroutines of their own (eviction happens inline on
// Acquire/Release), so there is nothing to drain today; Close exists so
// a long-lived FUSE mount has a single symmetric shutdown hook regardless
// of whether a future cache implementation adds a background sweeper.
func (fs *Filesystem) Close() error {
	return nil
}

// Unsupported filesystem operations: this is a read-only view over
// immutable registry content blobs.
func (fs *Filesystem) Mkdir(string) error   { return ErrNotImplemented }
func (fs *Filesystem) Remove(string) error  { return ErrNotImplemented }
func (fs *Filesystem) Chmod(string) error   { return ErrNotImplemented }
func (fs *Filesystem) Symlink(string) error { return ErrNotImplemented }
