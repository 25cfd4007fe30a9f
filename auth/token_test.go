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
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ociregfs/regfs/internal/retry"
)

func testChallenge(t *testing.T, server *httptest.Server, service, scope string) Challenge {
	realm, err := url.Parse(server.URL + "/token")
	require.NoError(t, err)
	return Challenge{Realm: realm, Service: service, Scope: scope}
}

func TestAcquireTokenBasicAuthAndTokenField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		w.Write([]byte(`{"token":"T"}`))
	}))
	defer srv.Close()

	tok, err := AcquireToken(context.Background(), srv.Client(), testChallenge(t, srv, "reg", "repository:foo:pull"), "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "T", tok)
}

func TestAcquireTokenAccessTokenFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"AT"}`))
	}))
	defer srv.Close()

	tok, err := AcquireToken(context.Background(), srv.Client(), testChallenge(t, srv, "reg", "repository:foo:pull"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "AT", tok)
}

func TestAcquireTokenAnonymousHasNoAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"token":"T"}`))
	}))
	defer srv.Close()

	_, err := AcquireToken(context.Background(), srv.Client(), testChallenge(t, srv, "reg", "repository:foo:pull"), "", "")
	require.NoError(t, err)
}

func TestAcquireTokenNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := AcquireToken(context.Background(), srv.Client(), testChallenge(t, srv, "reg", "repository:foo:pull"), "u", "p")
	assert.Error(t, err)
}

func TestAcquireTokenMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"other":"x"}`))
	}))
	defer srv.Close()

	_, err := AcquireToken(context.Background(), srv.Client(), testChallenge(t, srv, "reg", "repository:foo:pull"), "u", "p")
	assert.Error(t, err)
}

func TestAcquireTokenDoesNotFollowRedirects(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			// Only reachable by following the redirect.
			w.Write([]byte(`{"token":"T"}`))
			return
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer target.Close()

	client := retry.NewSingleShotClient(retry.DefaultClientConfig())
	_, err := AcquireToken(context.Background(), client, testChallenge(t, target, "reg", "repository:foo:pull"), "u", "p")
	assert.Error(t, err)
}
