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

package kernel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"vesper.dev/vesper/pkg/abi/elf"
	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/fsimpl/devfs"
	"vesper.dev/vesper/pkg/fsimpl/memfs"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/platform/hostsim"
	"vesper.dev/vesper/pkg/usermem"
	"vesper.dev/vesper/pkg/vfs"
)

// Test syscall numbers, registered per test.
const (
	testSysBlock = 100
	testSysSleep = 101
)

// nullDevice satisfies the terminal dependency of exec without pulling
// in the real tty (which would form an import cycle from this
// package's tests).
type nullDevice struct{}

func (nullDevice) Name() string                                      { return "tty" }
func (nullDevice) Read(ctx context.Context, dst []byte) (int, error) { return 0, nil }
func (nullDevice) Write(ctx context.Context, src []byte) (int, error) {
	return len(src), nil
}

type testEnv struct {
	machine *hostsim.Machine
	k       *Kernel
	s       *Scheduler
	fs      *memfs.Filesystem
	timer   *hostsim.Timer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	machine := hostsim.New(4<<20, 1)

	vfsObj := vfs.New()
	fs := memfs.NewFilesystem(vfsObj.Cache())
	vfsObj.MountRoot(fs)
	if _, err := fs.Create(fs.Root(), "dev", vfs.Directory); err != nil {
		t.Fatalf("creating /dev: %v", err)
	}
	devFS := devfs.NewFilesystem(vfsObj.Cache())
	devFS.Register(nullDevice{})
	if err := vfsObj.Mount(devFS, "/dev"); err != nil {
		t.Fatalf("mounting devfs: %v", err)
	}

	k := New(machine, vfsObj)

	tbl := NewSyscallTable()
	tbl.Register(testSysBlock, Syscall{Name: "block", Fn: func(t *Task, args [6]uint64) (uint64, error) {
		return t.SuspendSyscall(TaskBlocked), nil
	}})
	tbl.Register(testSysSleep, Syscall{Name: "sleep", Fn: func(t *Task, args [6]uint64) (uint64, error) {
		return 0, t.Sleep(args[0])
	}})
	k.SetSyscallTable(tbl)

	if err := k.StartCores(); err != nil {
		t.Fatalf("StartCores: %v", err)
	}

	s := k.Scheduler(0)
	return &testEnv{
		machine: machine,
		k:       k,
		s:       s,
		fs:      fs,
		timer:   s.timer.(*hostsim.Timer),
	}
}

// spawn creates and enqueues a user task entering at entry.
func (e *testEnv) spawn(t *testing.T, entry uint64) *Task {
	t.Helper()
	task, err := e.k.CreateTask(e.s, entry, 0x7fff_0000, true)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	e.s.Enqueue(task)
	return task
}

// tick delivers a timer interrupt and returns the selected frame.
func (e *testEnv) tick(t *testing.T) *arch.InterruptFrame {
	t.Helper()
	frame := &arch.InterruptFrame{InterruptNumber: arch.TimerVector}
	e.s.HandleInterrupt(frame)
	return frame
}

// syscall enters the kernel from the current task with the given frame
// contents.
func (e *testEnv) syscall(t *testing.T, frame *arch.InterruptFrame, num uint64, args ...uint64) {
	t.Helper()
	frame.InterruptNumber = arch.SyscallVector
	frame.RAX = num
	regs := []*uint64{&frame.RDI, &frame.RSI, &frame.RDX, &frame.RCX, &frame.R8, &frame.R9}
	for i := range regs {
		*regs[i] = 0
	}
	for i, a := range args {
		*regs[i] = a
	}
	e.s.HandleInterrupt(frame)
}

// waitState polls for a task to reach the wanted state; the transition
// is completed by the task's service goroutine.
func waitState(t *testing.T, task *Task, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for task.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("task %d stuck in state %d, want %d", task.PID(), task.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIdleWhenQueueEmpty(t *testing.T) {
	e := newTestEnv(t)
	frame := e.tick(t)
	if cur := e.s.Current(); cur != e.s.idle {
		t.Fatalf("selected pid %d, want the idle task", cur.PID())
	}
	if frame.CS != arch.KernelCodeSegment {
		t.Errorf("idle frame CS = %#x, want kernel code segment", frame.CS)
	}
}

func TestRoundRobin(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	b := e.spawn(t, 0xb000)

	var order []uint64
	frame := &arch.InterruptFrame{}
	for i := 0; i < 4; i++ {
		// The timer interrupt pushes the running task's registers.
		frame.InterruptNumber = arch.TimerVector
		e.s.HandleInterrupt(frame)
		order = append(order, frame.RIP)
	}
	want := []uint64{0xa000, 0xb000, 0xa000, 0xb000}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("selection order %#x, want %#x (a=%d b=%d)", order, want, a.PID(), b.PID())
		}
	}

	// Each task appears at most once in queue+current.
	if n := e.s.QueueLen(); n != 1 {
		t.Errorf("queue length = %d, want 1 (one current, one queued)", n)
	}
}

func TestTaskPinnedAndTSSFollows(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	e.tick(t)
	if e.s.Current() != a {
		t.Fatal("task not selected")
	}
	if got := e.s.tss.SyscallStack(); got != a.stackTop {
		t.Errorf("TSS syscall stack = %#x, want %#x", got, a.stackTop)
	}
	if e.machine.Active() != a.as {
		t.Error("address space not activated with its task")
	}
}

func TestSuspendUnsuspendRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	frame := e.tick(t)

	// The task blocks inside the syscall; the CPU moves on.
	e.syscall(t, frame, testSysBlock)
	if a.State() != TaskBlocked {
		t.Fatalf("state after blocking syscall = %d", a.State())
	}
	if e.s.Current() != e.s.idle {
		t.Fatal("CPU did not switch away from the blocked task")
	}

	// Wake it with a value; once the handler drains, the value must
	// be in the saved return register.
	e.k.Unsuspend(a.PID(), 42)
	a.WaitSyscall()
	waitState(t, a, TaskNormal)

	frame = e.tick(t)
	if frame.RIP != 0xa000 || frame.RAX != 42 {
		t.Fatalf("resumed frame rip=%#x rax=%d, want rip=0xa000 rax=42", frame.RIP, frame.RAX)
	}
}

func TestUnblockKeepsReturnRegister(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	frame := e.tick(t)

	frame.RBX = 7 // unrelated state must survive
	e.syscall(t, frame, testSysBlock)

	e.k.Unblock(a.PID())
	a.WaitSyscall()

	frame = e.tick(t)
	if frame.RIP != 0xa000 {
		t.Fatalf("wrong task resumed: rip=%#x", frame.RIP)
	}
	if frame.RBX != 7 {
		t.Errorf("saved register state lost: rbx=%d", frame.RBX)
	}
	if frame.RAX != testSysBlock {
		t.Errorf("return register = %d, want the pre-suspension value %d", frame.RAX, testSysBlock)
	}
}

// TestSleepOrdering is the three-sleeper scenario: tasks sleeping 30,
// 10 and 20 ms wake in the order 10, 20, 30, and the final arming is
// the 100 ms guard.
func TestSleepOrdering(t *testing.T) {
	e := newTestEnv(t)
	t30 := e.spawn(t, 0x30)
	t10 := e.spawn(t, 0x10)
	t20 := e.spawn(t, 0x20)

	frame := e.tick(t)
	e.syscall(t, frame, testSysSleep, 30) // t30 blocks; t10 selected
	e.syscall(t, frame, testSysSleep, 10) // t10 blocks; t20 selected
	e.syscall(t, frame, testSysSleep, 20) // t20 blocks; idle

	if e.s.Current() != e.s.idle {
		t.Fatal("CPU should be idle while all three sleep")
	}
	if got := e.timer.Armed(); got != 10 {
		t.Fatalf("timer armed to %d ms, want 10 (the nearest sleeper)", got)
	}

	e.timer.Advance(10)
	e.tick(t)
	waitState(t, t10, TaskNormal)
	if t20.State() != TaskBlocked || t30.State() != TaskBlocked {
		t.Fatal("longer sleepers woke early")
	}

	e.timer.Advance(10)
	e.tick(t)
	waitState(t, t20, TaskNormal)
	if t30.State() != TaskBlocked {
		t.Fatal("the 30 ms sleeper woke early")
	}

	e.timer.Advance(10)
	e.tick(t)
	waitState(t, t30, TaskNormal)

	// All timer entries expired: the guard interval is re-armed.
	e.timer.Advance(5)
	e.tick(t)
	if got := e.timer.Armed(); got != maxTimerSliceMS {
		t.Errorf("final arming = %d ms, want the %d ms guard", got, uint64(maxTimerSliceMS))
	}
}

func TestSleepZeroRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	frame := e.tick(t)
	e.syscall(t, frame, testSysSleep, 0)
	a.WaitSyscall()
	if int64(frame.RAX) >= 0 {
		t.Errorf("sleep(0) returned %d, want a negative error", int64(frame.RAX))
	}
}

func TestFork(t *testing.T) {
	e := newTestEnv(t)
	parent := e.spawn(t, 0xa000)
	frame := e.tick(t)

	// Give the parent observable state everywhere fork must copy.
	if _, err := parent.fdTable.Open(context.Background(), e.k.VFS(), "/dev/tty", vfs.OpenReadWrite); err != nil {
		t.Fatalf("opening /dev/tty: %v", err)
	}
	stack := e.machine.Memory().Slice(parent.stackBase, syscallStackPages*usermem.PageSize)
	copy(stack, []byte("syscall stack residue"))

	phys, _ := e.machine.Frames().AllocFrame()
	if err := parent.as.MapPage(0x40_0000, phys, platform.MapFlags{Writable: true, User: true}); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	copy(e.machine.Memory().Slice(phys, 16), []byte("parent user page"))

	frame.RIP = 0x1234
	frame.RAX = 0xdead
	childPID, err := e.s.ForkCurrent(frame)
	if err != nil {
		t.Fatalf("ForkCurrent: %v", err)
	}
	child := e.k.TaskByPID(childPID)
	if child == nil {
		t.Fatal("child not registered")
	}

	// Same resume point, zero return value.
	if child.frame.RIP != 0x1234 || child.frame.RAX != 0 {
		t.Errorf("child frame rip=%#x rax=%d, want rip=0x1234 rax=0", child.frame.RIP, child.frame.RAX)
	}

	// Bytewise syscall stack copy.
	childStack := e.machine.Memory().Slice(child.stackBase, syscallStackPages*usermem.PageSize)
	if !bytes.Equal(stack, childStack) {
		t.Error("syscall stack not copied bytewise")
	}

	// Deep address space copy.
	cphys, ok := child.as.Translate(0x40_0000)
	if !ok {
		t.Fatal("child lost the user mapping")
	}
	if cphys == phys {
		t.Fatal("child shares the parent's frame")
	}
	if got := e.machine.Memory().Slice(cphys, 16); !bytes.Equal(got, []byte("parent user page")) {
		t.Errorf("child page = %q", got)
	}

	// Independent descriptor tables over shared vnodes.
	pd, _ := parent.fdTable.Get(0)
	cd, _ := child.fdTable.Get(0)
	if pd.Vnode() != cd.Vnode() {
		t.Error("fork did not share the vnode reference")
	}
	if err := child.fdTable.Close(0); err != nil {
		t.Fatalf("child Close: %v", err)
	}
	if _, err := parent.fdTable.Get(0); err != nil {
		t.Error("closing in the child leaked into the parent")
	}
}

func TestExitWaitReap(t *testing.T) {
	e := newTestEnv(t)
	parent := e.spawn(t, 0xa000)
	frame := e.tick(t)

	childPID, err := e.s.ForkCurrent(frame)
	if err != nil {
		t.Fatalf("ForkCurrent: %v", err)
	}

	// Run the child and have it exit.
	e.tick(t)
	if e.s.Current().PID() != childPID {
		t.Fatalf("current pid = %d, want the child %d", e.s.Current().PID(), childPID)
	}
	e.s.ExitCurrent(5, frame)

	child := e.k.TaskByPID(childPID)
	if child == nil || child.State() != TaskZombie {
		t.Fatal("exited child is not a zombie")
	}

	pid, status, err := e.k.WaitForChild(parent)
	if err != nil {
		t.Fatalf("WaitForChild: %v", err)
	}
	if pid != childPID || status != 5 {
		t.Errorf("wait = (%d, %d), want (%d, 5)", pid, status, childPID)
	}
	if e.k.TaskByPID(childPID) != nil {
		t.Error("zombie not reaped")
	}
}

func TestWaitBlocksUntilExit(t *testing.T) {
	e := newTestEnv(t)
	parent := e.spawn(t, 0xa000)
	frame := e.tick(t)

	childPID, err := e.s.ForkCurrent(frame)
	if err != nil {
		t.Fatalf("ForkCurrent: %v", err)
	}

	type result struct {
		pid    uint64
		status int
	}
	got := make(chan result, 1)
	go func() {
		pid, status, err := e.k.WaitForChild(parent)
		if err != nil {
			t.Errorf("WaitForChild: %v", err)
		}
		got <- result{pid, status}
	}()

	waitState(t, parent, TaskWaitingForChild)

	e.tick(t) // select the child
	e.s.ExitCurrent(9, frame)

	select {
	case r := <-got:
		if r.pid != childPID || r.status != 9 {
			t.Errorf("wait = (%d, %d), want (%d, 9)", r.pid, r.status, childPID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait never returned")
	}
}

func TestWaitWithoutChildren(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	if _, _, err := e.k.WaitForChild(a); err == nil {
		t.Fatal("waiting with no children succeeded")
	}
	if a.State() != TaskNormal {
		t.Error("failed wait left the task suspended")
	}
}

func TestPIDsUniqueAndMonotonic(t *testing.T) {
	e := newTestEnv(t)
	seen := map[uint64]bool{}
	var last uint64
	for i := 0; i < 5; i++ {
		task := e.spawn(t, 0x1000)
		if task.PID() == 0 {
			t.Fatal("user task allocated the idle PID")
		}
		if seen[task.PID()] {
			t.Fatalf("pid %d allocated twice", task.PID())
		}
		if task.PID() <= last {
			t.Fatalf("pids not monotonic: %d after %d", task.PID(), last)
		}
		seen[task.PID()] = true
		last = task.PID()
	}
}

func TestEnqueueTwicePanics(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	defer func() {
		if recover() == nil {
			t.Error("double enqueue did not panic")
		}
	}()
	e.s.Enqueue(a)
}

func TestExceptionKillsUserTask(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0xa000)
	frame := e.tick(t)

	frame.InterruptNumber = arch.PageFaultVector
	frame.ErrorCode = 0x2
	e.s.HandleInterrupt(frame)

	if a.State() != TaskZombie {
		t.Fatalf("faulting task state = %d, want zombie", a.State())
	}
	if got := a.ExitStatus(); got != 128+arch.PageFaultVector {
		t.Errorf("exit status = %d, want %d", got, 128+arch.PageFaultVector)
	}
	if e.s.Current() != e.s.idle {
		t.Error("CPU did not switch away from the killed task")
	}
}

// buildMinimalELF assembles the smallest loadable executable: one Load
// segment of code at 0x400000.
func buildMinimalELF(code []byte) []byte {
	hdr := elf.Header{
		Ident:                  [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:                   elf.TypeExecutable,
		Machine:                0x3e,
		Version:                1,
		Entry:                  0x40_0000,
		ProgramHeaderOffset:    elf.HeaderSize,
		HeaderSize:             elf.HeaderSize,
		ProgramHeaderEntrySize: elf.ProgramHeaderSize,
		ProgramHeaderCount:     1,
	}
	ph := elf.ProgramHeader{
		Type:         elf.ProgramTypeLoad,
		OffsetInFile: elf.HeaderSize + elf.ProgramHeaderSize,
		VirtAddr:     0x40_0000,
		SizeInFile:   uint64(len(code)),
		SizeInMemory: uint64(len(code)),
		Alignment:    usermem.PageSize,
	}
	out := make([]byte, elf.HeaderSize+elf.ProgramHeaderSize+len(code))
	hdr.MarshalBytes(out)
	ph.MarshalBytes(out[elf.HeaderSize:])
	copy(out[elf.HeaderSize+elf.ProgramHeaderSize:], code)
	return out
}

func TestCreateTaskFromELF(t *testing.T) {
	e := newTestEnv(t)
	bin, err := e.fs.Create(e.fs.Root(), "bin", vfs.Directory)
	if err != nil {
		t.Fatalf("creating /bin: %v", err)
	}
	if _, err := e.fs.WriteFile(bin, "init", buildMinimalELF([]byte{0xf4})); err != nil {
		t.Fatalf("writing /bin/init: %v", err)
	}

	task, err := e.k.CreateTaskFromELF("/bin/init", true, e.s)
	if err != nil {
		t.Fatalf("CreateTaskFromELF: %v", err)
	}

	if task.frame.RIP != 0x40_0000 {
		t.Errorf("entry rip = %#x, want 0x400000", task.frame.RIP)
	}
	for fd := 0; fd < 3; fd++ {
		d, err := task.fdTable.Get(fd)
		if err != nil {
			t.Fatalf("descriptor %d missing: %v", fd, err)
		}
		if d.Vnode().Type != vfs.CharacterDevice {
			t.Errorf("descriptor %d type = %v, want the terminal", fd, d.Vnode().Type)
		}
	}

	frame := e.tick(t)
	if frame.RIP != 0x40_0000 {
		t.Errorf("scheduled frame rip = %#x", frame.RIP)
	}
}
