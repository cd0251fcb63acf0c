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

// Package tty implements the terminal character device: a blocking
// read side fed by the keyboard interrupt, a non-blocking write side,
// and the line discipline settings userspace adjusts through
// SetTerminalSettings.
package tty

import (
	"context"
	"io"
	"sync"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/kernel"
	"vesper.dev/vesper/pkg/vfs"
)

// Settings is the terminal line discipline, as adjusted by userspace.
type Settings struct {
	// Echo writes input bytes back to the output as they arrive.
	Echo bool

	// Canonical delivers input line by line instead of byte by byte.
	Canonical bool
}

// pendingRead is a task suspended in Read, waiting for input.
type pendingRead struct {
	pid uint64
	dst []byte
}

// Terminal is the /dev/tty character device.
type Terminal struct {
	k    *kernel.Kernel
	name string

	// out is the host sink for terminal output. Writes never block.
	out io.Writer

	mu       sync.Mutex
	settings Settings
	input    []byte
	line     []byte
	pending  *pendingRead
}

// NewTerminal returns a terminal named name writing output to out.
func NewTerminal(k *kernel.Kernel, name string, out io.Writer) *Terminal {
	return &Terminal{k: k, name: name, out: out}
}

// Name implements devfs.Device.Name.
func (tm *Terminal) Name() string { return tm.name }

// SetSettings replaces the line discipline. Leaving canonical mode
// flushes the partial line into the input queue.
func (tm *Terminal) SetSettings(s Settings) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.settings.Canonical && !s.Canonical && len(tm.line) > 0 {
		tm.input = append(tm.input, tm.line...)
		tm.line = nil
	}
	tm.settings = s
}

// Settings returns the current line discipline.
func (tm *Terminal) Settings() Settings {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.settings
}

// Read implements devfs.Device.Read. With an empty input queue the
// calling task blocks until the keyboard delivers data, unless the
// descriptor is non-blocking.
func (tm *Terminal) Read(ctx context.Context, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	tm.mu.Lock()
	if len(tm.input) > 0 {
		n := copy(dst, tm.input)
		tm.input = tm.input[n:]
		tm.mu.Unlock()
		return n, nil
	}
	if vfs.IsNonBlock(ctx) {
		tm.mu.Unlock()
		return 0, kernerr.WouldBlock
	}
	t := kernel.TaskFromContext(ctx)
	if t == nil {
		tm.mu.Unlock()
		return 0, kernerr.WouldBlock
	}
	if tm.pending != nil {
		// One blocked reader at a time.
		tm.mu.Unlock()
		return 0, kernerr.WouldBlock
	}

	t.BeginSuspend(kernel.TaskBlocked)
	tm.pending = &pendingRead{pid: t.PID(), dst: dst}
	tm.mu.Unlock()

	n := t.Park()
	return int(n), nil
}

// Write implements devfs.Device.Write. Terminal output never blocks.
func (tm *Terminal) Write(ctx context.Context, src []byte) (int, error) {
	if tm.out != nil {
		tm.out.Write(src)
	}
	return len(src), nil
}

// KeyboardInput is the keyboard interrupt's entry: it runs the byte
// through the line discipline and wakes a blocked reader.
func (tm *Terminal) KeyboardInput(b byte) {
	tm.mu.Lock()

	if tm.settings.Echo && tm.out != nil {
		tm.out.Write([]byte{b})
	}

	if tm.settings.Canonical {
		tm.line = append(tm.line, b)
		if b != '\n' {
			tm.mu.Unlock()
			return
		}
		line := tm.line
		tm.line = nil
		tm.deliverLocked(line)
		return
	}
	tm.deliverLocked([]byte{b})
}

// deliverLocked hands data to the blocked reader if there is one, else
// queues it. Unlocks tm.mu.
func (tm *Terminal) deliverLocked(data []byte) {
	p := tm.pending
	if p == nil {
		tm.input = append(tm.input, data...)
		tm.mu.Unlock()
		return
	}
	tm.pending = nil
	n := copy(p.dst, data)
	tm.input = append(tm.input, data[n:]...)
	tm.mu.Unlock()

	tm.k.Unsuspend(p.pid, uint64(n))
}

// InputQueued returns the number of undelivered input bytes. Test
// hook.
func (tm *Terminal) InputQueued() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.input)
}
