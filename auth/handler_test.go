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
	"testing"

	"github.com/stretchr/testify/assert"
)

func resp(status int, headers map[string]string, body string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestShouldReauthenticatePlain401(t *testing.T) {
	assert.True(t, ShouldReauthenticate(resp(http.StatusUnauthorized, nil, "")))
}

func TestShouldReauthenticate403WithChallengeIsDenial(t *testing.T) {
	assert.False(t, ShouldReauthenticate(resp(http.StatusForbidden, map[string]string{"WWW-Authenticate": `Bearer realm="x",service="y",scope="z"`}, "")))
}

func TestShouldReauthenticateECR403NoChallenge(t *testing.T) {
	assert.True(t, ShouldReauthenticate(resp(http.StatusForbidden, nil, `{"__type":"ExpiredTokenException"}`)))
}

func TestShouldReauthenticateS3ExpiredSignature(t *testing.T) {
	assert.True(t, ShouldReauthenticate(resp(http.StatusBadRequest, nil, `<Error><Code>ExpiredToken</Code></Error>`)))
}

func TestShouldReauthenticateUnrelated400(t *testing.T) {
	assert.False(t, ShouldReauthenticate(resp(http.StatusBadRequest, nil, `<Error><Code>MalformedXML</Code></Error>`)))
}

func TestShouldReauthenticateNilResponse(t *testing.T) {
	assert.False(t, ShouldReauthenticate(nil))
}

func TestShouldReauthenticate2xxIsFalse(t *testing.T) {
	assert.False(t, ShouldReauthenticate(resp(http.StatusOK, nil, "")))
}
