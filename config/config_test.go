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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesTTLFloors(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, int64(300), cfg.Cache.MetaTTLSec)
	assert.Equal(t, int64(30), cfg.Cache.TokenTTLSec)
	assert.Equal(t, int64(300), cfg.Cache.URLInfoTTLSec)
}

func TestLoadMissingDefaultPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(300), cfg.Cache.MetaTTLSec)
}

func TestLoadMissingExplicitPathErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestLoadClampsBelowFloorTTLs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	const body = `
[cache]
meta_ttl_sec = 5
token_ttl_sec = 1
url_info_ttl_sec = 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(300), cfg.Cache.MetaTTLSec)
	assert.Equal(t, int64(30), cfg.Cache.TokenTTLSec)
	assert.Equal(t, int64(300), cfg.Cache.URLInfoTTLSec)
}

func TestLoadPassesThroughAboveFloorTTLs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	const body = `
[cache]
meta_ttl_sec = 600
token_ttl_sec = 60
url_info_ttl_sec = 900

[accelerator]
address = "http://p2p.local"

[resolver.host."registry.example.com"]
mirrors = [{ host = "mirror.example.com", insecure = false, request_timeout_sec = 10 }]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(600), cfg.Cache.MetaTTLSec)
	assert.Equal(t, "http://p2p.local", cfg.Accelerator.Address)
	require.Contains(t, cfg.Resolver.Host, "registry.example.com")
	require.Len(t, cfg.Resolver.Host["registry.example.com"].Mirrors, 1)
	assert.Equal(t, "mirror.example.com", cfg.Resolver.Host["registry.example.com"].Mirrors[0].Host)
}
