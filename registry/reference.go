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
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// BlobURL turns a digest-qualified image reference
// ("host/repository@sha256:...") into the registry V2 blob URL this
// module's Filesystem can Open directly. Tag-only references are
// rejected: a tag names a manifest, not a fixed blob, and this module
// has no manifest-walking of its own.
func BlobURL(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("registry: invalid reference %q: %w", ref, err)
	}
	canonical, ok := named.(reference.Canonical)
	if !ok {
		return "", fmt.Errorf("registry: reference %q has no digest; a tag does not name a fixed blob", ref)
	}
	host := reference.Domain(named)
	if host == "" || strings.Contains(host, "/") {
		return "", fmt.Errorf("%w: %q (from reference %q)", ErrInvalidHost, host, ref)
	}
	path := reference.Path(named)
	return scheme(host) + "://" + host + "/v2/" + path + "/blobs/" + canonical.Digest().String(), nil
}

// scheme picks http for localhost/private mirrors and https otherwise,
// matching the teacher's docker.MatchLocalhost special case.
func scheme(host string) string {
	h := host
	if idx := strings.IndexByte(h, ':'); idx >= 0 {
		h = h[:idx]
	}
	switch h {
	case "localhost", "127.0.0.1", "::1":
		return "http"
	default:
		return "https"
	}
}
