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

// Command regfs-mount mounts a fixed set of registry blob URLs as
// read-only files under a mountpoint.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/ociregfs/regfs/config"
	"github.com/ociregfs/regfs/fuse"
	"github.com/ociregfs/regfs/internal/retry"
	"github.com/ociregfs/regfs/keychain"
	"github.com/ociregfs/regfs/metrics"
	"github.com/ociregfs/regfs/registry"
)

func main() {
	var (
		configPath  = flag.String("config", config.DefaultConfigPath, "path to regfs config.toml")
		mountpoint  = flag.String("mountpoint", "", "directory to mount at")
		layoutFlag  = flag.String("blob", "", "name=url pairs to expose under the mountpoint, comma-separated")
		accelerator = flag.String("accelerator", "", "P2P accelerator URL prefix")
		debug       = flag.Bool("debug", false, "enable verbose FUSE logging")
		noMetrics   = flag.Bool("no-metrics", false, "disable metrics collection")
	)
	flag.Parse()

	if *mountpoint == "" {
		fmt.Fprintln(os.Stderr, "regfs-mount: -mountpoint is required")
		os.Exit(1)
	}
	layout, err := parseLayout(*layoutFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "regfs-mount: %v\n", err)
		os.Exit(1)
	}
	if len(layout) == 0 {
		fmt.Fprintln(os.Stderr, "regfs-mount: at least one -blob name=url pair is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "regfs-mount: %v\n", err)
		os.Exit(1)
	}

	client, err := buildClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "regfs-mount: %v\n", err)
		os.Exit(1)
	}

	creds := keychain.Chain(keychain.FromDockerConfig())
	rfs := registry.NewFilesystem(client, creds)
	rfs.SetCacheTTLs(
		time.Duration(cfg.Cache.MetaTTLSec)*time.Second,
		time.Duration(cfg.Cache.TokenTTLSec)*time.Second,
		time.Duration(cfg.Cache.URLInfoTTLSec)*time.Second,
	)
	accel := *accelerator
	if accel == "" {
		accel = cfg.Accelerator.Address
	}
	if accel != "" {
		rfs.SetAcceleratorAddress(accel)
	}
	if cfg.TimeoutMsec > 0 {
		rfs.SetTimeout(time.Duration(cfg.TimeoutMsec) * time.Millisecond)
	}

	var rec *metrics.Recorder
	if !*noMetrics && !cfg.Metrics.Disabled {
		rec = metrics.New()
		if cfg.Metrics.Address != "" {
			network := cfg.Metrics.Network
			if network == "" {
				network = "tcp"
			}
			if _, err := metrics.Serve(network, cfg.Metrics.Address); err != nil {
				fmt.Fprintf(os.Stderr, "regfs-mount: failed to serve metrics: %v\n", err)
				os.Exit(1)
			}
		}
	}
	rfs.SetRecorder(rec)

	root := fuse.Root(rfs, layout, rec)
	mountOpts := fuse.DefaultMountOptions()
	mountOpts.Debug = *debug

	server, err := fuse.Mount(*mountpoint, root, mountOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "regfs-mount: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.G(ctx).Info("unmounting")
	if err := server.Unmount(); err != nil {
		fmt.Fprintf(os.Stderr, "regfs-mount: unmount failed: %v\n", err)
		os.Exit(1)
	}
}

// parseLayout parses "name=url,name2=url2" into a map. Each value may be
// either a plain blob URL or a digest-qualified image reference
// ("host/repo@sha256:...", normalized via registry.BlobURL).
func parseLayout(s string) (map[string]string, error) {
	layout := map[string]string{}
	if s == "" {
		return layout, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -blob entry %q, want name=url", pair)
		}
		if strings.HasPrefix(val, "http://") || strings.HasPrefix(val, "https://") {
			layout[name] = val
			continue
		}
		blobURL, err := registry.BlobURL(val)
		if err != nil {
			return nil, fmt.Errorf("invalid -blob entry %q: %w", pair, err)
		}
		layout[name] = blobURL
	}
	return layout, nil
}

func buildClient(cfg *config.Config) (*http.Client, error) {
	rcfg := retry.ClientConfig{
		MaxRetries:            cfg.Retry.MaxRetries,
		MinWait:               time.Duration(cfg.Retry.MinWaitMsec) * time.Millisecond,
		MaxWait:               time.Duration(cfg.Retry.MaxWaitMsec) * time.Millisecond,
		DialTimeout:           time.Duration(cfg.Retry.DialTimeoutMsec) * time.Millisecond,
		ResponseHeaderTimeout: time.Duration(cfg.Retry.ResponseHeaderTimeoutMsec) * time.Millisecond,
		RequestTimeout:        time.Duration(cfg.Retry.RequestTimeoutMsec) * time.Millisecond,
		RateLimitQPS:          cfg.Retry.RateLimitQPS,
	}
	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		rcfg.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return retry.NewSingleShotClient(rcfg), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no valid certificates found in %q", path)
	}
	return pool, nil
}
