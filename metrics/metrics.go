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

// Package metrics exposes Prometheus counters and timers for the
// resolver's three caches, blob GETs, and uploader chunk pushes. A nil
// *Recorder is a safe no-op: metrics are purely additive, never a
// behavioral dependency of the registry or uploader packages.
package metrics

import (
	"net"
	"net/http"
	"strconv"
	"time"

	gometrics "github.com/docker/go-metrics"
)

const namespacePrefix = "regfs"

// cacheKind names the three expiring caches for metric labeling.
type cacheKind = string

const (
	CacheMeta    cacheKind = "meta"
	CacheToken   cacheKind = "token"
	CacheURLInfo cacheKind = "url_info"
)

// Recorder owns the Prometheus namespace registered for this process. A
// nil *Recorder is valid and every method on it is a no-op.
type Recorder struct {
	ns *gometrics.Namespace

	cacheHits   gometrics.LabeledCounter
	cacheMisses gometrics.LabeledCounter

	getRequests  gometrics.LabeledCounter
	getStatus    gometrics.LabeledCounter
	getLatency   gometrics.LabeledTimer
	bytesFetched gometrics.LabeledCounter

	uploadChunks gometrics.LabeledCounter
	uploadBytes  gometrics.LabeledCounter
}

// New builds a Recorder and registers its namespace with go-metrics'
// default handler, so its metrics appear alongside whatever else in the
// process is already exposed on /metrics.
func New() *Recorder {
	ns := gometrics.NewNamespace(namespacePrefix, "resolver", nil)
	r := &Recorder{
		ns:           ns,
		cacheHits:    ns.NewLabeledCounter("cache_hits_total", "Number of cache hits", "cache"),
		cacheMisses:  ns.NewLabeledCounter("cache_misses_total", "Number of cache misses", "cache"),
		getRequests:  ns.NewLabeledCounter("get_requests_total", "Number of blob GETs issued", "outcome"),
		getStatus:    ns.NewLabeledCounter("get_status_total", "Blob GET responses by status code", "status"),
		getLatency:   ns.NewLabeledTimer("get_latency_seconds", "Blob GET latency", "outcome"),
		bytesFetched: ns.NewLabeledCounter("bytes_fetched_total", "Number of blob bytes read", "kind"),
		uploadChunks: ns.NewLabeledCounter("upload_chunks_total", "Number of upload PATCH chunks pushed", "upload"),
		uploadBytes:  ns.NewLabeledCounter("upload_bytes_total", "Number of bytes pushed by the uploader", "upload"),
	}
	gometrics.Register(ns)
	return r
}

// CacheHit records a cache hit for the named cache.
func (r *Recorder) CacheHit(cache cacheKind) {
	if r == nil {
		return
	}
	r.cacheHits.WithValues(cache).Inc(1)
}

// CacheMiss records a cache miss for the named cache.
func (r *Recorder) CacheMiss(cache cacheKind) {
	if r == nil {
		return
	}
	r.cacheMisses.WithValues(cache).Inc(1)
}

// GetResult records one blob GET outcome, its status code, and the
// elapsed time since start.
func (r *Recorder) GetResult(status int, start time.Time) {
	if r == nil {
		return
	}
	outcome := "success"
	if status < 200 || status >= 300 {
		outcome = "error"
	}
	r.getRequests.WithValues(outcome).Inc(1)
	r.getStatus.WithValues(statusLabel(status)).Inc(1)
	r.getLatency.WithValues(outcome).UpdateSince(start)
}

// BytesFetched adds n to the running total of blob bytes read.
func (r *Recorder) BytesFetched(n int64) {
	if r == nil {
		return
	}
	r.bytesFetched.WithValues("blob").Inc(float64(n))
}

// UploadChunk records one successfully pushed upload chunk of size n
// bytes for the given upload correlation id.
func (r *Recorder) UploadChunk(uploadID string, n int64) {
	if r == nil {
		return
	}
	r.uploadChunks.WithValues(uploadID).Inc(1)
	r.uploadBytes.WithValues(uploadID).Inc(float64(n))
}

// Serve starts an HTTP listener on network/address serving /metrics off
// the default go-metrics handler, returning the listener so the caller
// can shut it down. network is "tcp" or "unix".
func Serve(network, address string) (net.Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", gometrics.Handler())
	go http.Serve(l, mux) //nolint:errcheck // Serve's only error is listener close, already handled by the caller
	return l, nil
}

func statusLabel(status int) string {
	if status <= 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}
