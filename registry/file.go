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
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ociregfs/regfs/internal/httputil"
	"github.com/ociregfs/regfs/internal/retry"
)

// contentRangeRegexp matches a Content-Range response header of the form
// "bytes 0-1023/4096".
var contentRangeRegexp = regexp.MustCompile(`bytes ([0-9]+)-([0-9]+)/([0-9]+|\*)`)

// maxStatAttempts and maxReadAttempts are the retry budgets for fstat and
// preadv: one shared budget of 3 attempts for any failure, 401/403
// included. A 401/403 attempt poisons url_info, so the next attempt
// re-resolves.
const (
	maxStatAttempts = 3
	maxReadAttempts = 3
)

// File is a random-access handle on a single registry blob. Its filesize
// is learned at most once (I4); it never caches blob content, only the
// size and the resolved endpoint it rides on top of.
type File struct {
	resolver *Resolver
	url      string
	accel    *acceleratorPrefix

	sizeMu sync.Mutex
	size   int64 // -1 until known

	fetchedBytes int64 // atomic
}

func newFile(r *Resolver, url string, accel *acceleratorPrefix) *File {
	return &File{resolver: r, url: url, accel: accel, size: -1}
}

// FetchedSize reports the total number of bytes actually pulled over the
// wire by preadv for this file instance so far. It is a per-File counter
// only; the metrics package's bytes-fetched count is fed separately by the
// FUSE read path.
func (f *File) FetchedSize() int64 {
	return atomic.LoadInt64(&f.fetchedBytes)
}

// fstat returns the blob's total size, learning it on first call via a
// 1-byte ranged GET and caching it for the lifetime of the File.
func (f *File) fstat(ctx context.Context, deadline retry.Deadline) (int64, error) {
	f.sizeMu.Lock()
	defer f.sizeMu.Unlock()
	if f.size >= 0 {
		return f.size, nil
	}

	var size int64
	err := retry.Do(ctx, deadline, maxStatAttempts, func(ctx context.Context, attempt int) error {
		resp, err := f.resolver.getData(ctx, f.url, 0, 1, deadlineTime(deadline), f.accel)
		if err != nil {
			return err
		}
		defer httputil.Drain(resp.Body)
		s, perr := parseSize(resp)
		if perr != nil {
			return perr
		}
		size = s
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.size = size
	return size, nil
}

// preadv reads up to len(p) bytes at offset, returning a partial read
// as-is rather than looping to fill p — callers that need exactly len(p)
// bytes loop themselves (matching spec.md's "partial reads are returned
// as-is" edge case). count is clamped to max(0, filesize-offset) before
// any GET is issued (P4): a read past eof returns 0 bytes rather than
// asking the registry for a range it will answer 416 to.
func (f *File) preadv(ctx context.Context, p []byte, offset int64, deadline retry.Deadline) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	filesize, err := f.fstat(ctx, deadline)
	if err != nil {
		return 0, err
	}
	if offset >= filesize {
		return 0, nil
	}
	count := int64(len(p))
	if offset+count > filesize {
		count = filesize - offset
	}
	p = p[:count]

	var n int
	err = retry.Do(ctx, deadline, maxReadAttempts, func(ctx context.Context, attempt int) error {
		resp, rerr := f.resolver.getData(ctx, f.url, offset, count, deadlineTime(deadline), f.accel)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		read, cerr := io.ReadFull(resp.Body, p)
		if cerr != nil && cerr != io.ErrUnexpectedEOF && cerr != io.EOF {
			return cerr
		}
		n = read
		atomic.AddInt64(&f.fetchedBytes, int64(read))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func deadlineTime(d retry.Deadline) time.Time {
	if d.Remaining() >= time.Hour {
		return time.Time{}
	}
	return time.Now().Add(d.Remaining())
}

func parseSize(resp *http.Response) (int64, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrCannotParseContentLength, err)
		}
		return size, nil
	case http.StatusPartialContent:
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, size, err := parseContentRange(cr); err == nil {
				return size, nil
			}
		}
		size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrCannotParseContentLength, err)
		}
		return size, nil
	default:
		return 0, fmt.Errorf("%w: status %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}
}

// parseContentRange returns the range's begin offset and the total blob
// size (-1 when the total is "*").
func parseContentRange(header string) (begin int64, size int64, err error) {
	m := contentRangeRegexp.FindStringSubmatch(header)
	if len(m) < 4 {
		return 0, 0, fmt.Errorf("%w: %q doesn't have enough information", ErrCannotParseContentRange, header)
	}
	begin, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrCannotParseContentRange, err)
	}
	if m[3] == "*" {
		return begin, -1, nil
	}
	size, err = strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrCannotParseContentRange, err)
	}
	return begin, size, nil
}
