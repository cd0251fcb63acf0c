// Copyright 2026 The Vesper Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"vesper.dev/vesper/pkg/blockdev"
	"vesper.dev/vesper/pkg/fsimpl/ext2"
	"vesper.dev/vesper/pkg/vfs"
)

// mountImage locks and maps the image at path and mounts it as the
// root filesystem of a fresh VFS.
func mountImage(path string) (*vfs.VirtualFilesystem, *ext2.Filesystem, *blockdev.File, error) {
	dev, err := blockdev.OpenFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	vfsObj := vfs.New()
	fs, err := ext2.NewFilesystem(dev, vfsObj.Cache())
	if err != nil {
		dev.Close()
		return nil, nil, nil, fmt.Errorf("mounting %q: %w", path, err)
	}
	vfsObj.MountRoot(fs)
	return vfsObj, fs, dev, nil
}
