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

// Package httputil holds small HTTP helpers shared by the auth, registry and
// uploader packages: draining response bodies so connections can be reused,
// and redacting query values (tokens, signatures) before anything reaches a
// log line or an error string.
package httputil

import (
	"errors"
	"io"
	"net/url"
	"strconv"
)

// responseReadLimit bounds how much of a response body Drain will consume.
// Anything bigger would get better performance from just closing the
// connection and establishing a new one.
const responseReadLimit = int64(4096)

// Drain reads and closes body so the underlying connection can be reused.
// Only call this once the body is no longer needed.
func Drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	defer body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(body, responseReadLimit))
}

// RedactQueryValues redacts every query parameter value from u in place.
// Registry redirects routinely carry signed-URL query parameters
// (X-Amz-Signature, token, ...) that must never reach a log line.
func RedactQueryValues(u *url.URL) {
	if u == nil {
		return
	}
	if q := u.Query(); len(q) > 0 {
		for k := range q {
			q.Set(k, "redacted")
		}
		u.RawQuery = q.Encode()
	}
}

// RedactURLString parses s as an absolute URL, redacts its query values,
// and returns the result. If s does not parse as an absolute URL it is
// returned unchanged.
func RedactURLString(s string) string {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return s
	}
	RedactQueryValues(u)
	return u.String()
}

// RedactError redacts query values from a *url.Error's wrapped URL, if err
// is (or wraps) one. Any other error is returned unchanged.
func RedactError(err error) error {
	var uerr *url.Error
	if err != nil && errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			RedactQueryValues(u)
			uerr.URL = u.Redacted()
			return uerr
		}
	}
	return err
}

// FormatByteRange renders the inclusive byte range [off, off+count) as a
// Range header value: "bytes=off-end".
func FormatByteRange(off, count int64) string {
	end := off + count - 1
	if end < off {
		end = off
	}
	return "bytes=" + strconv.FormatInt(off, 10) + "-" + strconv.FormatInt(end, 10)
}
