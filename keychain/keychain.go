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

// Package keychain supplies registry.PasswordCallback implementations:
// one backed by the local Docker config file, one a fixed static
// credential pair returned for every host, and a chain that tries several
// in order.
package keychain

import (
	"net/url"

	"github.com/docker/cli/cli/config"

	"github.com/ociregfs/regfs/registry"
)

// FromDockerConfig returns a PasswordCallback backed by the user's Docker
// config file (the same file `docker login` writes to). Credentials are
// indexed by registry hostname only, never by repository path, matching
// the docker config's own indexing scheme. A missing or unreadable config
// file is not an error: it simply yields no credentials, so a public blob
// still resolves.
func FromDockerConfig() registry.PasswordCallback {
	return func(urlHint string) (string, string, error) {
		cf, err := config.Load("")
		if err != nil {
			return "", "", nil
		}

		host, err := hostOf(urlHint)
		if err != nil {
			return "", "", nil
		}
		if host == "docker.io" || host == "registry-1.docker.io" {
			// Docker Hub credentials are stored keyed by this legacy URL,
			// not by either of the hostnames a pull actually talks to.
			host = "https://index.docker.io/v1/"
		}

		ac, err := cf.GetAuthConfig(host)
		if err != nil {
			return "", "", nil
		}
		if ac.IdentityToken != "" {
			return "", ac.IdentityToken, nil
		}
		return ac.Username, ac.Password, nil
	}
}

// Static returns a PasswordCallback that always supplies the same
// credential pair regardless of urlHint.
func Static(user, password string) registry.PasswordCallback {
	return func(string) (string, string, error) {
		return user, password, nil
	}
}

// Chain tries each callback in order and returns the first one that
// supplies a non-empty username or password. Credential lookup errors
// from an earlier callback do not stop the chain; a later callback still
// gets a chance.
func Chain(callbacks ...registry.PasswordCallback) registry.PasswordCallback {
	return func(urlHint string) (string, string, error) {
		for _, cb := range callbacks {
			if cb == nil {
				continue
			}
			user, pass, err := cb(urlHint)
			if err != nil {
				continue
			}
			if user != "" || pass != "" {
				return user, pass, nil
			}
		}
		return "", "", nil
	}
}

func hostOf(urlHint string) (string, error) {
	u, err := url.Parse(urlHint)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
