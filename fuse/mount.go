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
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures a Mount call.
type MountOptions struct {
	// AttrTimeout/EntryTimeout bound how long the kernel caches
	// attributes/entries before re-querying this filesystem. Blobs are
	// immutable by digest, so both can be generous.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	AllowOther   bool
	Debug        bool
}

// DefaultMountOptions mirrors the teacher's FUSE cache timeout defaults
// for an immutable, content-addressed backing store.
func DefaultMountOptions() MountOptions {
	return MountOptions{
		AttrTimeout:  time.Minute,
		EntryTimeout: time.Minute,
	}
}

// Mount mounts root at mountpoint and blocks until the kernel has
// acknowledged the mount, returning the running *fuse.Server so the
// caller can Wait()/Unmount() it.
func Mount(mountpoint string, root fs.InodeEmbedder, opts MountOptions) (*fuse.Server, error) {
	attrTimeout := opts.AttrTimeout
	entryTimeout := opts.EntryTimeout
	rawFS := fs.NewNodeFS(root, &fs.Options{
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NullPermissions: true,
	})
	mountOpts := &fuse.MountOptions{
		AllowOther: opts.AllowOther,
		FsName:     "regfs",
		Debug:      opts.Debug,
	}
	server, err := fuse.NewServer(rawFS, mountpoint, mountOpts)
	if err != nil {
		return nil, fmt.Errorf("fuse: failed to create server: %w", err)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return nil, fmt.Errorf("fuse: failed to mount at %s: %w", mountpoint, err)
	}
	log.L.WithField("mountpoint", mountpoint).Info("mounted")
	return server, nil
}
