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

// Package auth implements the Docker Registry V2 bearer-token dance:
// parsing a WWW-Authenticate challenge, composing its auth URL, and
// acquiring a token from it. It also recognizes the handful of
// non-standard ways real registries signal that a previously issued
// token or signed URL has gone stale.
package auth

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Challenge is a parsed `WWW-Authenticate: Bearer realm="…",service="…",scope="…"`
// header.
type Challenge struct {
	Realm   *url.URL
	Service string
	Scope   string
}

const bearerPrefix = "bearer "

// ParseChallenge parses the raw value of a WWW-Authenticate response
// header. Only values whose case-insensitive prefix is "Bearer " are
// accepted; realm, service and scope are all required.
func ParseChallenge(header string) (Challenge, error) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return Challenge{}, fmt.Errorf("auth: not a Bearer challenge: %q", header)
	}
	rest := header[len(bearerPrefix):]

	params := make(map[string]string)
	for _, pair := range splitTopLevel(rest, ',') {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, `"`)
		v = strings.TrimSuffix(v, `"`)
		params[k] = v
	}

	realmStr, service, scope := params["realm"], params["service"], params["scope"]
	if realmStr == "" || service == "" || scope == "" {
		return Challenge{}, fmt.Errorf("auth: challenge missing required key (realm=%q service=%q scope=%q)", realmStr, service, scope)
	}
	realm, err := url.Parse(realmStr)
	if err != nil {
		return Challenge{}, fmt.Errorf("auth: invalid realm %q: %w", realmStr, err)
	}
	return Challenge{Realm: realm, Service: service, Scope: scope}, nil
}

// splitTopLevel splits s on sep, but not inside a double-quoted segment —
// a scope value can itself legally contain commas ("repository:a:pull,push").
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == sep && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// String renders the challenge back as a WWW-Authenticate header value.
func (c Challenge) String() string {
	realm := ""
	if c.Realm != nil {
		realm = c.Realm.String()
	}
	return fmt.Sprintf(`Bearer realm="%s",service="%s",scope="%s"`, realm, c.Service, c.Scope)
}

// AuthURL composes the token endpoint URL. Values are inserted verbatim,
// not re-encoded through url.Values.Encode, matching real registry
// behavior where the scope's colons and commas must survive untouched.
func (c Challenge) AuthURL() string {
	realm := ""
	if c.Realm != nil {
		realm = c.Realm.String()
	}
	return fmt.Sprintf("%s?service=%s&scope=%s", realm, c.Service, c.Scope)
}

// NormalizeScope canonicalizes a scope string for use as a cache key:
// lowercases the resource type and sorts the action list, so
// "repository:foo:pull,push" and "repository:foo:push,pull" collide.
// Scopes that don't match the "type:name:actions" shape are returned
// unchanged.
func NormalizeScope(scope string) string {
	parts := strings.SplitN(scope, ":", 3)
	if len(parts) != 3 {
		return scope
	}
	typ, name, actions := strings.ToLower(parts[0]), parts[1], parts[2]
	actionList := strings.Split(actions, ",")
	sort.Strings(actionList)
	return typ + ":" + name + ":" + strings.Join(actionList, ",")
}
