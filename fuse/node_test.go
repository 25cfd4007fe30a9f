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

package fuse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ociregfs/regfs/registry"
)

func staticCreds(string) (string, string, error) { return "", "", nil }

func TestBlobNodeEntryToAttrReportsLearnedSize(t *testing.T) {
	const blob = "hello world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-1/"+strconv.Itoa(len(blob)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(blob[:2]))
	}))
	defer srv.Close()

	rfs := registry.NewFilesystem(srv.Client(), staticCreds)
	node := &BlobNode{file: rfs.Open(srv.URL + "/blob"), rfs: rfs}

	var attr fuse.Attr
	errno := node.entryToAttr(context.Background(), &attr)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint64(len(blob)), attr.Size)
	assert.Equal(t, uint32(fuse.S_IFREG|0o444), attr.Mode)
}

func TestRootLookupMissingNameIsENOENT(t *testing.T) {
	rfs := registry.NewFilesystem(http.DefaultClient, staticCreds)
	r := &root{rfs: rfs, layout: map[string]string{}}
	_, errno := r.Lookup(context.Background(), "missing", &fuse.EntryOut{})
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestRootReaddirIsNotImplemented(t *testing.T) {
	r := &root{}
	_, errno := r.Readdir(context.Background())
	assert.Equal(t, syscall.ENOSYS, errno)
}

func TestBlobNodeReadReturnsRequestedBytes(t *testing.T) {
	const blob = "abcdefghijklmnopqrstuvwxyz"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/"+strconv.Itoa(len(blob)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte(blob[:1]))
			return
		}
		w.Header().Set("Content-Range", "bytes 0-4/"+strconv.Itoa(len(blob)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(blob[:5]))
	}))
	defer srv.Close()

	rfs := registry.NewFilesystem(srv.Client(), staticCreds)
	node := &BlobNode{file: rfs.Open(srv.URL + "/blob"), rfs: rfs}

	dest := make([]byte, 5)
	res, errno := node.Read(context.Background(), nil, dest, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, status := res.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "abcde", string(data))
}
