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

// Command regfs-push streams a file's contents to a registry blob upload
// URL obtained out of band (e.g. from a POST /v2/<name>/blobs/uploads/
// Location header), reporting the resulting digest on success.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/containerd/log"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ociregfs/regfs/config"
	"github.com/ociregfs/regfs/internal/retry"
	"github.com/ociregfs/regfs/keychain"
	"github.com/ociregfs/regfs/metrics"
	"github.com/ociregfs/regfs/uploader"
)

func main() {
	var (
		configPath = flag.String("config", config.DefaultConfigPath, "path to regfs config.toml")
		uploadURL  = flag.String("url", "", "upload session URL, as returned in a registry's Location header")
		username   = flag.String("username", "", "registry username (overrides docker config)")
		password   = flag.String("password", "", "registry password (overrides docker config)")
		chunkSize  = flag.Int("chunk-size", uploader.DefaultChunkSize, "bytes per PATCH chunk")
		mediaType  = flag.String("media-type", ocispec.MediaTypeImageLayerGzip, "OCI media type reported in the descriptor printed on success")
		asJSON     = flag.Bool("json", false, "print the full OCI descriptor as JSON instead of a bare digest")
		timeout    = flag.Duration("timeout", 5*time.Minute, "overall upload deadline, 0 for unbounded")
		noMetrics  = flag.Bool("no-metrics", false, "disable metrics collection")
	)
	flag.Parse()

	if *uploadURL == "" {
		fmt.Fprintln(os.Stderr, "regfs-push: -url is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "regfs-push: %v\n", err)
		os.Exit(1)
	}

	user, pass := *username, *password
	if user == "" && pass == "" {
		u, p, err := resolveCreds(*uploadURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "regfs-push: %v\n", err)
			os.Exit(1)
		}
		user, pass = u, p
	}

	rcfg := retry.ClientConfig{
		MaxRetries:            cfg.Retry.MaxRetries,
		MinWait:               time.Duration(cfg.Retry.MinWaitMsec) * time.Millisecond,
		MaxWait:               time.Duration(cfg.Retry.MaxWaitMsec) * time.Millisecond,
		DialTimeout:           time.Duration(cfg.Retry.DialTimeoutMsec) * time.Millisecond,
		ResponseHeaderTimeout: time.Duration(cfg.Retry.ResponseHeaderTimeoutMsec) * time.Millisecond,
		RequestTimeout:        time.Duration(cfg.Retry.RequestTimeoutMsec) * time.Millisecond,
		RateLimitQPS:          cfg.Retry.RateLimitQPS,
	}
	client := retry.NewSingleShotClient(rcfg)

	var rec *metrics.Recorder
	if !*noMetrics && !cfg.Metrics.Disabled {
		rec = metrics.New()
		if cfg.Metrics.Address != "" {
			network := cfg.Metrics.Network
			if network == "" {
				network = "tcp"
			}
			if _, err := metrics.Serve(network, cfg.Metrics.Address); err != nil {
				fmt.Fprintf(os.Stderr, "regfs-push: failed to serve metrics: %v\n", err)
				os.Exit(1)
			}
		}
	}

	up := uploader.New(*uploadURL, client, user, pass,
		uploader.WithChunkSize(*chunkSize),
		uploader.WithMediaType(*mediaType),
		uploader.WithRecorder(rec),
	)

	deadline := retry.NewDeadline(*timeout)
	ctx, cancel := deadline.Context(context.Background())
	defer cancel()

	if err := pushStdin(ctx, up, deadline); err != nil {
		fmt.Fprintf(os.Stderr, "regfs-push: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(up.Descriptor()); err != nil {
			fmt.Fprintf(os.Stderr, "regfs-push: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Println(up.Digest().String())
}

// pushStdin reads stdin into a uploader.DefaultChunkSize buffer and writes
// each read to up in order, then finalizes the upload.
func pushStdin(ctx context.Context, up *uploader.Uploader, deadline retry.Deadline) error {
	r := bufio.NewReaderSize(os.Stdin, uploader.DefaultChunkSize)
	buf := make([]byte, uploader.DefaultChunkSize)
	var off int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := up.Write(ctx, buf[:n], off, deadline); werr != nil {
				return fmt.Errorf("failed to push chunk at offset %d: %w", off, werr)
			}
			off += int64(n)
			log.G(ctx).WithField("bytes_pushed", off).Debug("pushed chunk")
		}
		if err != nil {
			break
		}
	}
	return up.Close(ctx, deadline)
}

// resolveCreds looks up stored credentials for the host in uploadURL via
// the local docker config, since -url alone carries no auth material.
func resolveCreds(uploadURL string) (string, string, error) {
	u, err := url.Parse(uploadURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid -url: %w", err)
	}
	cb := keychain.Chain(keychain.FromDockerConfig())
	return cb(u.Scheme + "://" + u.Host)
}
