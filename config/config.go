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

// Package config loads the TOML configuration file consumed by the
// regfs-mount and regfs-push commands.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigPath is the default filesystem path for the configuration
// file, consulted when no -config flag is given.
const DefaultConfigPath = "/etc/regfs/config.toml"

// Cache TTL floors, per spec.md §6.
const (
	metaTTLFloorSec    = 300
	tokenTTLFloorSec   = 30
	urlInfoTTLFloorSec = 300
)

// Config is the root configuration object.
type Config struct {
	Resolver    ResolverConfig    `toml:"resolver"`
	Cache       CacheConfig       `toml:"cache"`
	Retry       RetryConfig       `toml:"retry"`
	Accelerator AcceleratorConfig `toml:"accelerator"`
	Metrics     MetricsConfig     `toml:"metrics"`

	// CAFile overrides the TLS trust anchor used for every registry
	// connection. "" uses the system root pool.
	CAFile string `toml:"ca_file"`

	// TimeoutMsec is the default per-operation deadline budget. 0 means
	// unbounded.
	TimeoutMsec int64 `toml:"timeout_msec"`
}

// ResolverConfig holds per-host mirror overrides. They are parsed but no
// component consults them; requests go to the host named in the blob URL.
type ResolverConfig struct {
	Host map[string]HostConfig `toml:"host"`
}

// HostConfig lists mirrors for one registry host. The list is parsed
// only; no mirror is tried.
type HostConfig struct {
	Mirrors []MirrorConfig `toml:"mirrors"`
}

// MirrorConfig is one candidate endpoint for a host.
type MirrorConfig struct {
	Host              string `toml:"host"`
	Insecure          bool   `toml:"insecure"`
	RequestTimeoutSec int64  `toml:"request_timeout_sec"`
}

// CacheConfig sets the TTLs for the three expiring caches. Values below
// the spec's floors are clamped up rather than rejected.
type CacheConfig struct {
	MetaTTLSec    int64 `toml:"meta_ttl_sec"`
	TokenTTLSec   int64 `toml:"token_ttl_sec"`
	URLInfoTTLSec int64 `toml:"url_info_ttl_sec"`
}

// RetryConfig configures the shared retryable HTTP client.
type RetryConfig struct {
	MaxRetries            int     `toml:"max_retries"`
	MinWaitMsec           int64   `toml:"min_wait_msec"`
	MaxWaitMsec           int64   `toml:"max_wait_msec"`
	RequestTimeoutMsec    int64   `toml:"request_timeout_msec"`
	DialTimeoutMsec       int64   `toml:"dial_timeout_msec"`
	ResponseHeaderTimeoutMsec int64 `toml:"response_header_timeout_msec"`
	RateLimitQPS          float64 `toml:"rate_limit_qps"`
}

// AcceleratorConfig configures the P2P accelerator URL rewrite.
type AcceleratorConfig struct {
	Address string `toml:"address"`
}

// MetricsConfig configures metrics emission.
type MetricsConfig struct {
	Disabled bool   `toml:"disabled"`
	Address  string `toml:"address"`
	Network  string `toml:"network"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path as TOML into a default-initialized Config. A missing
// file at DefaultConfigPath is not an error — it yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("config: failed to open %q: %w", path, err)
	}
	defer f.Close()

	cfg := NewConfig()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
	}
	clampTTLFloors(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Cache.MetaTTLSec = metaTTLFloorSec
	cfg.Cache.TokenTTLSec = tokenTTLFloorSec
	cfg.Cache.URLInfoTTLSec = urlInfoTTLFloorSec

	cfg.Retry.MaxRetries = 3
	cfg.Retry.MinWaitMsec = 30
	cfg.Retry.MaxWaitMsec = 5_000
	cfg.Retry.DialTimeoutMsec = 3_000
	cfg.Retry.ResponseHeaderTimeoutMsec = 3_000
	cfg.Retry.RequestTimeoutMsec = 30_000

	cfg.Metrics.Network = "tcp"
}

// clampTTLFloors raises any cache TTL below its spec-mandated floor. TOML
// input is otherwise accepted as-is, matching the teacher's general style
// of lenient file input with code-enforced minimums.
func clampTTLFloors(cfg *Config) {
	if cfg.Cache.MetaTTLSec < metaTTLFloorSec {
		cfg.Cache.MetaTTLSec = metaTTLFloorSec
	}
	if cfg.Cache.TokenTTLSec < tokenTTLFloorSec {
		cfg.Cache.TokenTTLSec = tokenTTLFloorSec
	}
	if cfg.Cache.URLInfoTTLSec < urlInfoTTLFloorSec {
		cfg.Cache.URLInfoTTLSec = urlInfoTTLFloorSec
	}
}
