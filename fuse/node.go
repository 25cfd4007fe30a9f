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

// Package fuse is the outer mount surface: a minimal go-fuse node tree
// that exposes a fixed set of registry blob URLs, named by a caller-
// supplied layout, as read-only regular files. Directory enumeration,
// permissions, symlinks and timestamps are all out of scope — every
// file is a flat child of the root with mode 0444 and a zero mtime.
package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ociregfs/regfs/metrics"
	"github.com/ociregfs/regfs/registry"
)

// blockSize is the st_blksize reported for every blob file.
const blockSize = 4096

// root is the filesystem's single directory, holding a static name ->
// blob URL layout decided at mount time. It never changes after Root
// returns, so Lookup needs no locking.
type root struct {
	fs.Inode
	rfs    *registry.Filesystem
	rec    *metrics.Recorder
	layout map[string]string
}

var _ fs.NodeLookuper = (*root)(nil)
var _ fs.NodeGetattrer = (*root)(nil)
var _ fs.NodeReaddirer = (*root)(nil)

// Root builds the InodeEmbedder tree NewNodeFS mounts. layout maps a
// file name visible under the mountpoint to the registry blob URL it
// reads from.
func Root(rfs *registry.Filesystem, layout map[string]string, rec *metrics.Recorder) fs.InodeEmbedder {
	return &root{rfs: rfs, rec: rec, layout: layout}
}

func (r *root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr.Mode = fuse.S_IFDIR | 0o555
	out.Attr.Nlink = 1
	return 0
}

func (r *root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	blobURL, ok := r.layout[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	node := &BlobNode{file: r.rfs.Open(blobURL), rfs: r.rfs, rec: r.rec}
	if _, err := r.rfs.Stat(ctx, node.file); err != nil {
		return nil, registry.Classify(err)
	}
	if err := node.entryToAttr(ctx, &out.Attr); err != 0 {
		return nil, err
	}
	child := r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	return child, 0
}

// Readdir is unimplemented: directory enumeration over registry blobs
// is explicitly out of scope. Only Lookup by exact name works.
func (r *root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return nil, syscall.ENOSYS
}

// BlobNode is a read-only FUSE file backed by one registry.File.
type BlobNode struct {
	fs.Inode
	file *registry.File
	rfs  *registry.Filesystem
	rec  *metrics.Recorder
}

var _ fs.NodeGetattrer = (*BlobNode)(nil)
var _ fs.NodeReader = (*BlobNode)(nil)

func (n *BlobNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return n.entryToAttr(ctx, &out.Attr)
}

// entryToAttr populates out from the blob's learned size, following the
// same shape as the teacher's node.entryToAttr: Blocks counts 512-byte
// units (Size/512), rounded down, never ceilinged; Blksize reports
// blockSize.
func (n *BlobNode) entryToAttr(ctx context.Context, out *fuse.Attr) syscall.Errno {
	size, err := n.rfs.Stat(ctx, n.file)
	if err != nil {
		return registry.Classify(err)
	}
	out.Size = uint64(size)
	out.Blksize = blockSize
	out.Blocks = out.Size / 512
	out.Mode = fuse.S_IFREG | 0o444
	out.Nlink = 1
	return 0
}

func (n *BlobNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	read, err := n.rfs.Read(ctx, n.file, dest, off)
	if err != nil {
		return nil, registry.Classify(err)
	}
	if n.rec != nil {
		n.rec.BytesFetched(int64(read))
	}
	return fuse.ReadResultData(dest[:read]), 0
}
