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

// Package blockdev provides the block device backends the filesystems
// read and write: an in-memory image for tests and boot ramdisks, and a
// host-file image for the CLI.
package blockdev

import (
	"io"

	"vesper.dev/vesper/pkg/errors/kernerr"
)

// Device is a random-access block store. Filesystems address it in
// bytes; block arithmetic is theirs.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the device capacity in bytes.
	Size() int64

	// Close releases the backing store.
	Close() error
}

// Memory is a Device backed by a byte slice.
type Memory struct {
	data []byte
}

// NewMemory returns a memory device owning data.
func NewMemory(data []byte) *Memory {
	return &Memory{data: data}
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, kernerr.IoError
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, kernerr.IoError
	}
	return copy(m.data[off:], p), nil
}

// Size implements Device.Size.
func (m *Memory) Size() int64 { return int64(len(m.data)) }

// Close implements Device.Close.
func (m *Memory) Close() error { return nil }

// Bytes returns the underlying image. Test hook.
func (m *Memory) Bytes() []byte { return m.data }
