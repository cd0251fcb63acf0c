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
	"fmt"
	"sync"

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/log"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/usermem"
)

// maxTimerSliceMS caps the one-shot timer so the scheduler runs at
// least every 100 ms even with no pending timer entries.
const maxTimerSliceMS = 100

// timerEntry is one pending timeout.
type timerEntry struct {
	ms              uint64
	unblockOnExpire bool
	pid             uint64
}

// Scheduler multiplexes one CPU across its run queue, round-robin.
// Tasks are pinned to the CPU that created them.
//
// The scheduler only runs in interrupt context with interrupts
// disabled; mu protects the queue, the saved frames and the timer
// entries against the cross-CPU unblock/unsuspend paths.
type Scheduler struct {
	k     *Kernel
	cpuID uint32

	timer platform.Timer
	tss   platform.TSS

	mu           sync.Mutex
	queue        []*Task
	current      *Task
	restoreFrame bool
	idle         *Task
	timerEntries []timerEntry
	currentTimer uint64
}

// newScheduler builds CPU id's scheduler and its idle task.
func newScheduler(k *Kernel, id uint32, timer platform.Timer, tss platform.TSS) (*Scheduler, error) {
	s := &Scheduler{k: k, cpuID: id, timer: timer, tss: tss}

	idleAS, err := k.plat.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	idle, err := k.newTask(taskOpts{
		sched:   s,
		as:      idleAS,
		fdTable: NewFDTable(),
		user:    false,
	})
	if err != nil {
		return nil, err
	}
	s.idle = idle
	s.current = idle
	return s, nil
}

// CPUID returns the scheduler's core id.
func (s *Scheduler) CPUID() uint32 { return s.cpuID }

// Timer returns the scheduler's one-shot timer.
func (s *Scheduler) Timer() platform.Timer { return s.timer }

// Current returns the task now holding the CPU.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// QueueLen returns the run queue length. Test hook.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Enqueue appends t to this CPU's run queue.
func (s *Scheduler) Enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		if q == t {
			panic(fmt.Sprintf("sched: task %d enqueued twice", t.pid))
		}
	}
	s.queue = append(s.queue, t)
}

// SwitchToNextTask saves the running task's frame (unless it was
// dropped), selects the first Normal task from the queue — or the idle
// task — and installs its frame, syscall stack and address space.
func (s *Scheduler) SwitchToNextTask(frame *arch.InterruptFrame) {
	s.updateTimerEntries()

	s.mu.Lock()
	if s.restoreFrame {
		s.current.frame = *frame
		s.queue = append(s.queue, s.current)
	} else {
		s.restoreFrame = true
	}

	found := false
	for i, t := range s.queue {
		if t.State() == TaskNormal && !t.SyscallRunning() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.current = t
			found = true
			break
		}
	}
	if !found {
		s.restoreFrame = false
		s.current = s.idle
	}
	next := s.current
	*frame = next.frame
	s.mu.Unlock()

	s.configureTimerClosestExpiry()
	s.tss.SetSyscallStack(next.stackTop)
	next.as.Activate()
}

// configureTimerClosestExpiry arms the one-shot to the nearest pending
// timer entry, capped at maxTimerSliceMS.
func (s *Scheduler) configureTimerClosestExpiry() {
	s.mu.Lock()
	closest := uint64(maxTimerSliceMS)
	for _, e := range s.timerEntries {
		if e.ms < closest {
			closest = e.ms
		}
	}
	s.currentTimer = closest
	s.mu.Unlock()

	s.timer.Arm(closest)
}

// updateTimerEntries charges the time elapsed since the last arming
// against every pending entry, unblocking and dropping the expired
// ones.
func (s *Scheduler) updateTimerEntries() {
	remaining := s.timer.Remaining()

	s.mu.Lock()
	if remaining > s.currentTimer {
		s.mu.Unlock()
		panic(fmt.Sprintf("sched: timer remaining %d exceeds armed %d", remaining, s.currentTimer))
	}
	delta := s.currentTimer - remaining

	var expired []uint64
	kept := s.timerEntries[:0]
	for _, e := range s.timerEntries {
		if e.ms <= delta {
			if e.unblockOnExpire {
				if e.pid == 0 {
					panic("sched: timer entry for the idle task")
				}
				expired = append(expired, e.pid)
			}
			continue
		}
		e.ms -= delta
		kept = append(kept, e)
	}
	s.timerEntries = kept
	s.mu.Unlock()

	for _, pid := range expired {
		s.k.Unblock(pid)
	}
}

// SuspendSyscall atomically moves t to state (Blocked or
// WaitingForChild), gives up the CPU and parks the syscall handler
// until unblock or unsuspend wakes it. The returned value is the one
// unsuspend supplied, or the saved return register if the task was
// merely unblocked.
//
// Preconditions: must run on t's service goroutine, from within a
// syscall handler; t must be Normal.
func (t *Task) SuspendSyscall(state TaskState) uint64 {
	t.BeginSuspend(state)
	return t.Park()
}

// BeginSuspend moves t out of Normal ahead of registering its wake
// condition (a timer entry, a device wait slot), so a wake arriving
// between registration and Park always finds the task suspended.
func (t *Task) BeginSuspend(state TaskState) {
	if got := t.State(); got != TaskNormal {
		panic(fmt.Sprintf("sched: suspending task %d in state %d", t.pid, got))
	}
	if state != TaskBlocked && state != TaskWaitingForChild {
		panic(fmt.Sprintf("sched: suspending task %d to invalid state %d", t.pid, state))
	}
	t.setState(state)
}

// CancelSuspend undoes BeginSuspend when the wake condition turns out
// to be already satisfied. A wake that raced in is drained.
func (t *Task) CancelSuspend() {
	select {
	case <-t.resume:
	default:
	}
	t.setState(TaskNormal)
}

// Park completes a suspension begun with BeginSuspend.
func (t *Task) Park() uint64 {
	if t.attached {
		// First suspension of this syscall: release the dispatcher
		// (the software interrupt that forces the context switch)
		// and wait for the CPU to save our frame.
		t.attached = false
		t.suspended = true
		t.yielded <- struct{}{}
		<-t.frameSaved
	}

	w := <-t.resume
	if got := t.State(); got != TaskNormal {
		panic(fmt.Sprintf("sched: task %d resumed in state %d", t.pid, got))
	}
	if w.has {
		return w.value
	}
	s := t.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.frame.RAX
}

// unblock moves a Blocked task back to Normal. No value is delivered;
// the suspended syscall resumes with the previously saved return
// register.
func (s *Scheduler) unblock(t *Task) {
	s.mu.Lock()
	if got := t.State(); got != TaskBlocked {
		s.mu.Unlock()
		panic(fmt.Sprintf("sched: unblocking task %d in state %d", t.pid, got))
	}
	t.setState(TaskNormal)
	s.mu.Unlock()

	t.resume <- wake{}
}

// unsuspend moves a Blocked or WaitingForChild task back to Normal and
// sets its syscall return value.
func (s *Scheduler) unsuspend(t *Task, value uint64) {
	s.mu.Lock()
	if got := t.State(); got != TaskBlocked && got != TaskWaitingForChild {
		s.mu.Unlock()
		panic(fmt.Sprintf("sched: unsuspending task %d in state %d", t.pid, got))
	}
	t.frame.SetReturn(value)
	t.setState(TaskNormal)
	s.mu.Unlock()

	t.resume <- wake{value: value, has: true}
}

// unsuspendIfWaiting is unsuspend for the child-exit notification: it
// is a no-op unless the task is currently WaitingForChild, so two
// children exiting back to back cannot double-wake the parent.
func (s *Scheduler) unsuspendIfWaiting(t *Task, value uint64) {
	s.mu.Lock()
	if t.State() != TaskWaitingForChild {
		s.mu.Unlock()
		return
	}
	t.frame.SetReturn(value)
	t.setState(TaskNormal)
	s.mu.Unlock()

	t.resume <- wake{value: value, has: true}
}

// Sleep parks t for ms milliseconds: a timer entry with
// unblock-on-expire plus a Blocked suspension.
func (t *Task) Sleep(ms uint64) error {
	if t.pid == 0 {
		panic("sched: the idle task cannot sleep")
	}
	if ms == 0 {
		return kernerr.InvalidArgument
	}
	t.BeginSuspend(TaskBlocked)
	s := t.sched
	s.mu.Lock()
	s.timerEntries = append(s.timerEntries, timerEntry{ms: ms, unblockOnExpire: true, pid: t.pid})
	s.mu.Unlock()

	t.Park()
	return nil
}

// ExitCurrent terminates the running task: its frame is dropped, the
// parent (if waiting) is notified, and the CPU switches away. The task
// remains a zombie until the parent reaps it.
func (s *Scheduler) ExitCurrent(status int, frame *arch.InterruptFrame) {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()

	log.Task(t.pid).Infof("task exited with status %d", status)

	t.mu.Lock()
	t.exitStatus = status
	t.mu.Unlock()
	t.setState(TaskZombie)

	if p := t.parent; p != nil {
		p.sched.unsuspendIfWaiting(p, t.pid)
	}

	s.mu.Lock()
	s.restoreFrame = false
	s.mu.Unlock()
	s.SwitchToNextTask(frame)
}

// ForkCurrent duplicates the running task: a deep copy of its
// userspace mappings, its descriptor table, its allocator and a
// bytewise copy of its syscall stack, so both tasks resume inside the
// same handler. The child's return register is 0; the parent receives
// the child's PID.
func (s *Scheduler) ForkCurrent(frame *arch.InterruptFrame) (uint64, error) {
	s.mu.Lock()
	parent := s.current
	s.mu.Unlock()

	as, err := s.k.plat.NewAddressSpace()
	if err != nil {
		return 0, err
	}
	if err := as.CopyUserspace(parent.as); err != nil {
		return 0, err
	}

	child, err := s.k.newTask(taskOpts{
		sched:   s,
		as:      as,
		fdTable: parent.fdTable.Fork(),
		alloc:   parent.alloc.Clone(),
		user:    true,
		setPID:  true,
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	child.frame = *frame
	child.frame.SetReturn(0)
	s.mu.Unlock()

	// Clone the syscall stack: the child resumes inside the same
	// handler at the same stack offset.
	mem := s.k.plat.Memory()
	size := uint64(syscallStackPages * usermem.PageSize)
	copy(mem.Slice(child.stackBase, size), mem.Slice(parent.stackBase, size))

	child.parent = parent
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	s.Enqueue(child)
	return child.pid, nil
}
