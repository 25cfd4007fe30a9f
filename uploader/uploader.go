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

// Package uploader implements the registry V2 chunked blob upload
// protocol: a sequence of PATCH chunks against an upload URL already
// obtained by the caller (POST /v2/<name>/blobs/uploads/), followed by a
// digest-finalizing PUT. Writes must be sequential; the digest is
// computed incrementally as bytes are pushed, never buffered whole.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ociregfs/regfs/internal/httputil"
	"github.com/ociregfs/regfs/internal/retry"
	"github.com/ociregfs/regfs/metrics"
)

// DefaultChunkSize is the chunk size used when no Option overrides it.
const DefaultChunkSize = 2 * 1024 * 1024

// maxChunkAttempts bounds retries per chunk; the uploader has no token
// negotiation of its own, so a 401 is never retried (see ErrUnauthorized).
const maxChunkAttempts = 3

var (
	// ErrNonSequentialWrite is returned when Write is called with an
	// offset that doesn't match the number of bytes already pushed.
	ErrNonSequentialWrite = errors.New("uploader: write offset is not sequential")
	// ErrUnauthorized is returned when the registry rejects a chunk PATCH
	// with 401. The uploader only does Basic auth; it cannot refresh.
	ErrUnauthorized = errors.New("uploader: unauthorized")
	// ErrFailed is returned by any call made after a prior failure moved
	// the uploader into the Failed state.
	ErrFailed = errors.New("uploader: upload previously failed")
	// ErrChunkPushFailed wraps the underlying transport/status error for
	// a chunk that could not be pushed within its retry budget.
	ErrChunkPushFailed = errors.New("uploader: chunk push failed")
	// ErrFinalizeFailed wraps the underlying error from the digest PUT.
	ErrFinalizeFailed = errors.New("uploader: finalize failed")
)

type state int

const (
	stateIdle state = iota
	statePushing
	stateFinalized
	stateFailed
)

// Option configures an Uploader at construction time.
type Option func(*Uploader)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.chunkSize = n
		}
	}
}

// WithRetryConfig overrides the client used for chunk PATCHes and the
// finalize PUT, built single-shot (retry.NewSingleShotClient): pushChunk
// and Close already retry each request themselves.
func WithRetryConfig(cfg retry.ClientConfig) Option {
	return func(u *Uploader) {
		u.client = retry.NewSingleShotClient(cfg)
	}
}

// WithRecorder attaches rec so every successfully pushed chunk is
// reported to it. A nil rec (the default) disables metrics.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(u *Uploader) {
		u.rec = rec
	}
}

// WithMediaType sets the OCI media type reported by Descriptor. Defaults
// to ocispec.MediaTypeImageLayerGzip, matching the most common blob this
// uploader pushes; pass the real media type when pushing anything else
// (a config blob, an uncompressed layer).
func WithMediaType(mt string) Option {
	return func(u *Uploader) {
		u.mediaType = mt
	}
}

// Uploader streams a sequence of sequential writes to a registry upload
// URL as fixed-size PATCH chunks, then finalizes with a digest PUT. It is
// a file surface: Write must be called with offsets matching the running
// total of bytes pushed so far.
type Uploader struct {
	uploadURL string
	username  string
	password  string
	client    *http.Client
	chunkSize int
	mediaType string
	id        string
	rec       *metrics.Recorder

	mu          sync.Mutex
	st          state
	totalPushed int64
	digester    digest.Digester
}

// New builds an Uploader targeting uploadURL. client is used for the
// chunk PATCHes and the finalizing PUT and must make exactly one attempt
// per call (build it with retry.NewSingleShotClient, as the nil-client
// default below does); pushChunk and Close already retry each request
// themselves. username/password supply Basic auth on every request; pass
// "" for an anonymous (unauthenticated) upload target.
func New(uploadURL string, client *http.Client, username, password string, opts ...Option) *Uploader {
	u := &Uploader{
		uploadURL: uploadURL,
		username:  username,
		password:  password,
		client:    client,
		chunkSize: DefaultChunkSize,
		mediaType: ocispec.MediaTypeImageLayerGzip,
		id:        uuid.NewString(),
		digester:  digest.Canonical.Digester(),
	}
	if u.client == nil {
		u.client = retry.NewSingleShotClient(retry.DefaultClientConfig())
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ID returns a correlation id unique to this Uploader instance, for
// tying together log lines from one upload.
func (u *Uploader) ID() string {
	return u.id
}

// TotalPushed reports how many bytes have been pushed so far.
func (u *Uploader) TotalPushed() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalPushed
}

// Write pushes buf as a sequence of chunkSize PATCH requests. off must
// equal the number of bytes already pushed (sequential writes only); any
// other offset fails EINVAL-equivalent with ErrNonSequentialWrite.
func (u *Uploader) Write(ctx context.Context, buf []byte, off int64, deadline retry.Deadline) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.st == stateFailed {
		return 0, ErrFailed
	}
	if off != u.totalPushed {
		return 0, ErrNonSequentialWrite
	}
	if len(buf) == 0 {
		return 0, nil
	}
	u.st = statePushing

	written := 0
	for written < len(buf) {
		end := written + u.chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[written:end]
		if err := u.pushChunk(ctx, chunk, deadline); err != nil {
			u.st = stateFailed
			return written, err
		}
		u.digester.Hash().Write(chunk)
		u.totalPushed += int64(len(chunk))
		written = end
	}
	return written, nil
}

// pushChunk retries a single PATCH bounded by deadline, but — unlike the
// generic retry.Do loop registry.File uses — aborts immediately on 401
// rather than spending retries on it: the uploader has no token
// negotiation to retry into, per spec.md §4.8/§7.
func (u *Uploader) pushChunk(ctx context.Context, chunk []byte, deadline retry.Deadline) error {
	start := u.totalPushed
	end := start + int64(len(chunk)) - 1

	var lastErr error
	for attempt := 0; attempt < maxChunkAttempts; attempt++ {
		if attempt > 0 {
			if deadline.Expired() {
				return retry.ErrDeadlineExceeded
			}
			time.Sleep(time.Millisecond)
		}
		err := u.doPatch(ctx, chunk, start, end)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		lastErr = err
		if deadline.Expired() {
			return retry.ErrDeadlineExceeded
		}
	}
	return lastErr
}

func (u *Uploader) doPatch(ctx context.Context, chunk []byte, start, end int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u.uploadURL, newByteReader(chunk))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChunkPushFailed, err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))
	req.Header.Set("Content-Length", strconv.Itoa(len(chunk)))
	req.Header.Set("Content-Type", "application/octet-stream")
	if u.username != "" {
		req.SetBasicAuth(u.username, u.password)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChunkPushFailed, err)
	}
	defer httputil.Drain(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: chunk at offset %d", ErrUnauthorized, start)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: status %d at offset %d", ErrChunkPushFailed, resp.StatusCode, start)
	}
	u.rec.UploadChunk(u.id, int64(len(chunk)))
	return nil
}

// Close finalizes the upload with a digest PUT, unless no chunk was ever
// pushed, in which case Close is a no-op. Close is idempotent once the
// uploader reaches Finalized.
func (u *Uploader) Close(ctx context.Context, deadline retry.Deadline) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.st {
	case stateIdle:
		return nil
	case stateFinalized:
		return nil
	case stateFailed:
		return ErrFailed
	}

	dgst := u.digester.Digest()
	err := retry.Do(ctx, deadline, maxChunkAttempts, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.uploadURL+"?digest="+dgst.String(), nil)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
		}
		req.ContentLength = 0
		if u.username != "" {
			req.SetBasicAuth(u.username, u.password)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
		}
		defer httputil.Drain(resp.Body)

		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: finalize", ErrUnauthorized)
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%w: status %d", ErrFinalizeFailed, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		u.st = stateFailed
		return err
	}
	u.st = stateFinalized
	return nil
}

// Digest returns the digest of all bytes pushed so far. It is only
// meaningful once Close has succeeded.
func (u *Uploader) Digest() digest.Digest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.digester.Digest()
}

// Descriptor returns an OCI descriptor for the pushed blob, suitable for
// embedding in a manifest. Only meaningful once Close has succeeded.
func (u *Uploader) Descriptor() ocispec.Descriptor {
	u.mu.Lock()
	defer u.mu.Unlock()
	return ocispec.Descriptor{
		MediaType: u.mediaType,
		Digest:    u.digester.Digest(),
		Size:      u.totalPushed,
	}
}

func newByteReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

// byteReader avoids pulling in bytes.Reader's Seek/ReadAt surface the
// uploader never needs; net/http only requires io.Reader. No GetBody is
// set: each retry builds a fresh request around a new byteReader.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
