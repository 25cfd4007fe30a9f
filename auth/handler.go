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

package auth

import (
	"io"
	"net/http"
	"strings"
)

// xmlBodyPeekLimit bounds how much of a non-JSON error body gets sniffed
// for the S3 ExpiredToken marker.
const xmlBodyPeekLimit = 2 * 1024

// ShouldReauthenticate reports whether resp signals that the caller's
// credentials (token or signed URL) are no longer valid and a fresh
// challenge/token round trip is warranted.
//
// Most registries answer with a plain 401 and a WWW-Authenticate header,
// which is all spec.md's literal {401,403} check needs. Two widely deployed
// backends don't play along:
//
//   - ECR answers an expired token with a bare 403 and no WWW-Authenticate
//     header at all, indistinguishable at the status-code level from a
//     genuine permission denial.
//   - S3 pre-signed URLs (what many registries redirect blob GETs to)
//     answer an expired signature with 400 and an XML body containing
//     "<Code>ExpiredToken</Code>" or "<Code>AccessDenied</Code>", not a 401.
//
// ShouldReauthenticate normalizes both into the same signal a plain 401
// would give, so the resolver's poison-and-retry path handles them
// uniformly.
func ShouldReauthenticate(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("WWW-Authenticate") == "" || looksLikeECRExpiry(resp)
	case http.StatusBadRequest:
		return looksLikeExpiredSignedURL(resp)
	default:
		return false
	}
}

// looksLikeECRExpiry peeks the body for ECR's characteristic error code.
// ECR's JSON error body is tiny; the peek limit is generous.
func looksLikeECRExpiry(resp *http.Response) bool {
	body := peekBody(resp)
	return strings.Contains(body, "ExpiredTokenException") || strings.Contains(body, "UnrecognizedClientException")
}

func looksLikeExpiredSignedURL(resp *http.Response) bool {
	body := peekBody(resp)
	return strings.Contains(body, "<Code>ExpiredToken</Code>") || strings.Contains(body, "<Code>AccessDenied</Code>")
}

// peekBody reads a bounded prefix of resp.Body and restores it so a later
// caller that also wants the body (e.g. for logging) isn't starved. This
// module's own call sites never re-read the body after calling
// ShouldReauthenticate, but a borrowed *http.Response shouldn't surprise
// whoever passes it in next.
func peekBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, xmlBodyPeekLimit))
	resp.Body = io.NopCloser(strings.NewReader(string(data)))
	return string(data)
}
