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

package syscalls

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/devices/tty"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/fsimpl/devfs"
	"vesper.dev/vesper/pkg/fsimpl/memfs"
	"vesper.dev/vesper/pkg/kernel"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/platform/hostsim"
	"vesper.dev/vesper/pkg/usermem"
	"vesper.dev/vesper/pkg/vfs"
)

// userBase is where tests map scratch user memory.
const userBase usermem.Addr = 0x10_0000

type testEnv struct {
	machine  *hostsim.Machine
	k        *kernel.Kernel
	s        *kernel.Scheduler
	fs       *memfs.Filesystem
	devFS    *devfs.Filesystem
	terminal *tty.Terminal
	out      bytes.Buffer
	task     *kernel.Task
	frame    *arch.InterruptFrame
	nextMap  usermem.Addr
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{machine: hostsim.New(8<<20, 1), nextMap: userBase}

	vfsObj := vfs.New()
	e.fs = memfs.NewFilesystem(vfsObj.Cache())
	vfsObj.MountRoot(e.fs)
	if _, err := e.fs.Create(e.fs.Root(), "dev", vfs.Directory); err != nil {
		t.Fatalf("creating /dev: %v", err)
	}

	e.k = kernel.New(e.machine, vfsObj)
	e.k.SetSyscallTable(NewTable())

	e.devFS = devfs.NewFilesystem(vfsObj.Cache())
	e.terminal = tty.NewTerminal(e.k, "tty", &e.out)
	e.devFS.Register(e.terminal)
	if err := vfsObj.Mount(e.devFS, "/dev"); err != nil {
		t.Fatalf("mounting devfs: %v", err)
	}

	if err := e.k.StartCores(); err != nil {
		t.Fatalf("StartCores: %v", err)
	}
	e.s = e.k.Scheduler(0)

	task, err := e.k.CreateTask(e.s, 0x40_0000, 0x7fff_0000, true)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	e.task = task
	e.s.Enqueue(task)

	e.frame = &arch.InterruptFrame{InterruptNumber: arch.TimerVector}
	e.s.HandleInterrupt(e.frame)
	if e.s.Current() != task {
		t.Fatal("test task not selected")
	}
	return e
}

// mapUser maps one fresh user page at the next scratch address.
func (e *testEnv) mapUser(t *testing.T) usermem.Addr {
	t.Helper()
	addr := e.nextMap
	e.nextMap += usermem.PageSize

	phys, err := e.machine.Frames().AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if err := e.task.AddressSpace().MapPage(addr, phys, platform.MapFlags{Writable: true, User: true}); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	clear(e.machine.Memory().Slice(phys, usermem.PageSize))
	return addr
}

// poke writes b into the task's user memory at addr.
func (e *testEnv) poke(t *testing.T, addr usermem.Addr, b []byte) {
	t.Helper()
	if err := platform.CopyOut(e.machine.Memory(), e.task.AddressSpace(), addr, b); err != nil {
		t.Fatalf("CopyOut(%#x): %v", addr, err)
	}
}

// peek reads n bytes of the task's user memory at addr.
func (e *testEnv) peek(t *testing.T, addr usermem.Addr, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if err := platform.CopyIn(e.machine.Memory(), e.task.AddressSpace(), addr, out); err != nil {
		t.Fatalf("CopyIn(%#x): %v", addr, err)
	}
	return out
}

// cstring maps the string into user memory and returns its address.
func (e *testEnv) cstring(t *testing.T, s string) usermem.Addr {
	t.Helper()
	addr := e.mapUser(t)
	e.poke(t, addr, append([]byte(s), 0))
	return addr
}

// syscall issues the call from the current task and returns the raw
// result register.
func (e *testEnv) syscall(t *testing.T, num uint64, args ...uint64) uint64 {
	t.Helper()
	e.frame.InterruptNumber = arch.SyscallVector
	e.frame.RAX = num
	regs := []*uint64{&e.frame.RDI, &e.frame.RSI, &e.frame.RDX, &e.frame.RCX, &e.frame.R8, &e.frame.R9}
	for i := range regs {
		*regs[i] = 0
	}
	for i, a := range args {
		*regs[i] = a
	}
	e.s.HandleInterrupt(e.frame)
	return e.frame.RAX
}

// resume ticks the scheduler until the suspended task drains its
// syscall and is selected again, returning the delivered result
// register. The first tick may itself be the wake source (timer
// expiry).
func (e *testEnv) resume(t *testing.T) uint64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		e.frame.InterruptNumber = arch.TimerVector
		e.s.HandleInterrupt(e.frame)
		if e.s.Current() == e.task {
			return e.frame.RAX
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never rescheduled; state %d", e.task.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func errnoOf(raw uint64) kernerr.Code {
	return kernerr.Code(-int64(raw))
}

func TestUnknownSyscall(t *testing.T) {
	e := newTestEnv(t)
	if got := errnoOf(e.syscall(t, 200)); got != kernerr.CodeInvalidArgument {
		t.Errorf("unknown syscall errno = %d, want InvalidArgument", got)
	}
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/nope")
	if got := errnoOf(e.syscall(t, SysOpen, uint64(path), 0)); got != kernerr.CodeNotFound {
		t.Errorf("open(/nope) errno = %d, want NotFound", got)
	}
}

func TestOpenWriteSeekReadClose(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/f.txt")
	buf := e.mapUser(t)

	fd := e.syscall(t, SysOpen, uint64(path), uint64(vfs.OpenCreate|vfs.OpenReadWrite))
	if int64(fd) < 0 {
		t.Fatalf("open = %d", int64(fd))
	}

	e.poke(t, buf, []byte("hello"))
	if got := e.syscall(t, SysWrite, fd, uint64(buf), 5); got != 5 {
		t.Fatalf("write = %d, want 5", int64(got))
	}

	if got := e.syscall(t, SysSeek, fd, 0, 0); got != 0 {
		t.Fatalf("seek = %d, want 0", int64(got))
	}

	out := e.mapUser(t)
	if got := e.syscall(t, SysRead, fd, uint64(out), 5); got != 5 {
		t.Fatalf("read = %d, want 5", int64(got))
	}
	if got := e.peek(t, out, 5); string(got) != "hello" {
		t.Errorf("read back %q, want hello", got)
	}

	// EOF: read at the end returns 0.
	if got := e.syscall(t, SysRead, fd, uint64(out), 5); got != 0 {
		t.Errorf("read at EOF = %d, want 0", int64(got))
	}

	if got := e.syscall(t, SysClose, fd); got != 0 {
		t.Errorf("close = %d", int64(got))
	}
	if got := errnoOf(e.syscall(t, SysRead, fd, uint64(out), 1)); got != kernerr.CodeNoSuchDescriptor {
		t.Errorf("read after close errno = %d, want NoSuchDescriptor", got)
	}
}

func TestBadUserPointer(t *testing.T) {
	e := newTestEnv(t)
	// 0xdead0000 is unmapped.
	if got := errnoOf(e.syscall(t, SysOpen, 0xdead_0000, 0)); got != kernerr.CodeInvalidArgument {
		t.Errorf("open with bad pointer errno = %d, want InvalidArgument", got)
	}
}

// TestBlockingTerminalRead is the keyboard scenario: a read from the
// terminal with no input suspends the task; the keyboard interrupt
// delivers a byte and wakes it with the read count.
func TestBlockingTerminalRead(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/dev/tty")
	buf := e.mapUser(t)

	fd := e.syscall(t, SysOpen, uint64(path), uint64(vfs.OpenReadWrite))
	if int64(fd) < 0 {
		t.Fatalf("open(/dev/tty) = %d", int64(fd))
	}

	e.syscall(t, SysRead, fd, uint64(buf), 1)
	if e.task.State() != kernel.TaskBlocked {
		t.Fatalf("task state after empty tty read = %d, want Blocked", e.task.State())
	}

	e.terminal.KeyboardInput('x')

	if got := e.resume(t); got != 1 {
		t.Fatalf("read returned %d, want 1", int64(got))
	}
	if got := e.peek(t, buf, 1); got[0] != 'x' {
		t.Errorf("buf[0] = %q, want x", got[0])
	}
}

func TestNonBlockingTerminalRead(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/dev/tty")
	buf := e.mapUser(t)

	fd := e.syscall(t, SysOpen, uint64(path), uint64(vfs.OpenReadWrite|vfs.OpenNonBlock))
	if got := errnoOf(e.syscall(t, SysRead, fd, uint64(buf), 1)); got != kernerr.CodeWouldBlock {
		t.Errorf("non-blocking empty read errno = %d, want WouldBlock", got)
	}
}

// TestMountCrossing opens /dev/tty and verifies the lookup was
// answered by the device filesystem, not the root filesystem.
func TestMountCrossing(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/dev/tty")

	fd := e.syscall(t, SysOpen, uint64(path), uint64(vfs.OpenReadWrite))
	if int64(fd) < 0 {
		t.Fatalf("open(/dev/tty) = %d", int64(fd))
	}

	v, err := e.k.VFS().Resolve("/dev/tty")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.Filesystem.(*devfs.Filesystem) != e.devFS {
		t.Error("vnode does not belong to the device filesystem")
	}
	if v.Type != vfs.CharacterDevice {
		t.Errorf("vnode type = %v", v.Type)
	}
}

func TestTerminalWrite(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/dev/tty")
	buf := e.mapUser(t)
	e.poke(t, buf, []byte("hi\n"))

	fd := e.syscall(t, SysOpen, uint64(path), uint64(vfs.OpenReadWrite))
	if got := e.syscall(t, SysWrite, fd, uint64(buf), 3); got != 3 {
		t.Fatalf("write = %d", int64(got))
	}
	if e.out.String() != "hi\n" {
		t.Errorf("terminal output = %q, want hi\\n", e.out.String())
	}
}

func TestStatAndFStat(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.fs.WriteFile(e.fs.Root(), "f", []byte("0123456789")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path := e.cstring(t, "/f")
	out := e.mapUser(t)
	if got := e.syscall(t, SysStat, uint64(path), uint64(out)); got != 0 {
		t.Fatalf("stat = %d", int64(got))
	}

	raw := e.peek(t, out, StatSize)
	typ := binary.LittleEndian.Uint32(raw[8:])
	size := binary.LittleEndian.Uint64(raw[16:])
	if typ != uint32(vfs.RegularFile) || size != 10 {
		t.Errorf("stat = type %d size %d, want type %d size 10", typ, size, uint32(vfs.RegularFile))
	}

	fd := e.syscall(t, SysOpen, uint64(path), 0)
	if got := e.syscall(t, SysFStat, fd, uint64(out)); got != 0 {
		t.Fatalf("fstat = %d", int64(got))
	}
	raw = e.peek(t, out, StatSize)
	if got := binary.LittleEndian.Uint64(raw[16:]); got != 10 {
		t.Errorf("fstat size = %d, want 10", got)
	}
}

func TestSleepSyscall(t *testing.T) {
	e := newTestEnv(t)

	e.syscall(t, SysSleep, 7)
	if e.task.State() != kernel.TaskBlocked {
		t.Fatalf("state after sleep = %d, want Blocked", e.task.State())
	}

	timer := e.s.Timer().(*hostsim.Timer)
	if got := timer.Armed(); got != 7 {
		t.Fatalf("timer armed to %d, want 7", got)
	}
	timer.Advance(7)

	if got := e.resume(t); got != 0 {
		t.Errorf("sleep returned %d, want 0", int64(got))
	}
}

func TestExitSyscall(t *testing.T) {
	e := newTestEnv(t)
	e.syscall(t, SysExit, 3)

	if e.task.State() != kernel.TaskZombie {
		t.Fatalf("state after exit = %d, want Zombie", e.task.State())
	}
	if e.task.ExitStatus() != 3 {
		t.Errorf("exit status = %d, want 3", e.task.ExitStatus())
	}
	if e.s.Current() == e.task {
		t.Error("exited task still current")
	}
}

func TestFileMapAnonymous(t *testing.T) {
	e := newTestEnv(t)
	noFD := uint64(0xffff_ffff_ffff_ffff) // -1: anonymous

	addr := e.syscall(t, SysFileMap, 0, 2*usermem.PageSize, noFD, 0)
	if int64(addr) < 0 {
		t.Fatalf("filemap = %d", int64(addr))
	}
	if got := e.peek(t, usermem.Addr(addr), 64); !bytes.Equal(got, make([]byte, 64)) {
		t.Error("anonymous mapping not zeroed")
	}

	// A second mapping must not overlap the first.
	addr2 := e.syscall(t, SysFileMap, 0, usermem.PageSize, noFD, 0)
	if addr2 == addr {
		t.Error("overlapping anonymous mappings")
	}
}

func TestFileMapFromFile(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.fs.WriteFile(e.fs.Root(), "data", []byte("mapped contents")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	path := e.cstring(t, "/data")
	fd := e.syscall(t, SysOpen, uint64(path), 0)

	addr := e.syscall(t, SysFileMap, 0, usermem.PageSize, fd, 0)
	if int64(addr) < 0 {
		t.Fatalf("filemap = %d", int64(addr))
	}
	if got := e.peek(t, usermem.Addr(addr), 15); string(got) != "mapped contents" {
		t.Errorf("mapping = %q", got)
	}
}

func TestTCBSet(t *testing.T) {
	e := newTestEnv(t)
	if got := e.syscall(t, SysTCBSet, 0x1122_3344); got != 0 {
		t.Fatalf("tcbset = %d", int64(got))
	}
	tls, ok := e.task.AddressSpace().(interface{ TLSBase() uint64 })
	if !ok {
		t.Skip("platform does not expose the TLS base")
	}
	if got := tls.TLSBase(); got != 0x1122_3344 {
		t.Errorf("TLS base = %#x, want 0x11223344", got)
	}
}

func TestSetTerminalSettings(t *testing.T) {
	e := newTestEnv(t)
	path := e.cstring(t, "/dev/tty")
	fd := e.syscall(t, SysOpen, uint64(path), uint64(vfs.OpenReadWrite))

	buf := e.mapUser(t)
	e.poke(t, buf, []byte{1, 1})
	if got := e.syscall(t, SysSetTerminalSettings, fd, uint64(buf)); got != 0 {
		t.Fatalf("set_terminal_settings = %d", int64(got))
	}
	if s := e.terminal.Settings(); !s.Echo || !s.Canonical {
		t.Errorf("settings = %+v, want echo and canonical", s)
	}

	// Not a terminal: a regular file rejects the call.
	if _, err := e.fs.WriteFile(e.fs.Root(), "plain", []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p2 := e.cstring(t, "/plain")
	fd2 := e.syscall(t, SysOpen, uint64(p2), 0)
	if got := errnoOf(e.syscall(t, SysSetTerminalSettings, fd2, uint64(buf))); got != kernerr.CodeInvalidArgument {
		t.Errorf("settings on a file errno = %d, want InvalidArgument", got)
	}
}

func TestLogSyscall(t *testing.T) {
	e := newTestEnv(t)
	msg := e.cstring(t, "hello from userspace")
	if got := e.syscall(t, SysLog, uint64(msg)); got != 0 {
		t.Errorf("log = %d", int64(got))
	}
}
