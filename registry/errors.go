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
	"errors"
	"syscall"

	"github.com/containerd/errdefs"

	"github.com/ociregfs/regfs/internal/retry"
)

var (
	ErrUnexpectedStatusCode     = errors.New("registry: unexpected status code")
	ErrInvalidHost              = errors.New("registry: invalid host destination")
	ErrFailedToRedirect         = errors.New("registry: failed to redirect")
	ErrCannotParseContentLength = errors.New("registry: failed to parse Content-Length header")
	ErrCannotParseContentRange  = errors.New("registry: failed to parse Content-Range header")
	ErrRequestFailed            = errors.New("registry: request to registry failed")
	ErrTokenInvalid             = errors.New("registry: token invalid")
	ErrCredentialsRefused       = errors.New("registry: credential callback refused")
	ErrUnparseableChallenge     = errors.New("registry: unparseable auth challenge")
	ErrNotImplemented           = errdefs.ErrNotImplemented
)

// Classify maps an error from the blob-fetch state machine to the POSIX
// errno the filesystem layer should surface, per the error taxonomy:
// timeouts -> ETIMEDOUT, unsupported operations (ErrNotImplemented) ->
// ENOSYS, auth failure (ErrTokenInvalid, ErrCredentialsRefused) -> EPERM,
// an unparseable auth challenge -> EINVAL, anything else -> ENOENT. A
// token response without a token field surfaces as ErrTokenInvalid and so
// maps to EPERM, not EINVAL; a malformed Content-Range or Content-Length
// header maps to ENOENT.
func Classify(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, retry.ErrDeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, ErrNotImplemented):
		return syscall.ENOSYS
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrCredentialsRefused):
		return syscall.EPERM
	case errors.Is(err, ErrUnparseableChallenge):
		return syscall.EINVAL
	default:
		return syscall.ENOENT
	}
}
