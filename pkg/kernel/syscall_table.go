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

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/log"
)

// SyscallFn is an ordinary syscall handler. It runs on the calling
// task's service goroutine and may suspend.
type SyscallFn func(t *Task, args [6]uint64) (uint64, error)

// SyscallCPUFn is a handler that must run in interrupt context because
// it manipulates the live interrupt frame (exit, fork).
type SyscallCPUFn func(s *Scheduler, frame *arch.InterruptFrame, args [6]uint64) (uint64, error)

// Syscall is one dispatch table entry. Exactly one of Fn and CPU is
// set. NoReturn entries leave the frame alone: by the time they return
// the frame belongs to another task.
type Syscall struct {
	Name     string
	Fn       SyscallFn
	CPU      SyscallCPUFn
	NoReturn bool
}

// SyscallTable maps call numbers to handlers. Populated at boot,
// read-only afterwards.
type SyscallTable struct {
	calls map[uint64]Syscall
}

// NewSyscallTable returns an empty table.
func NewSyscallTable() *SyscallTable {
	return &SyscallTable{calls: make(map[uint64]Syscall)}
}

// Register installs sc at call number num.
func (tbl *SyscallTable) Register(num uint64, sc Syscall) {
	if _, ok := tbl.calls[num]; ok {
		panic(fmt.Sprintf("syscall %d registered twice", num))
	}
	tbl.calls[num] = sc
}

// Lookup returns the entry for num.
func (tbl *SyscallTable) Lookup(num uint64) (Syscall, bool) {
	sc, ok := tbl.calls[num]
	return sc, ok
}

// unknownVectorLog rate-limits complaints about vectors nobody claims.
var unknownVectorLog = log.BasicRateLimitedLogger(2)

// HandleInterrupt is the ISR entry: every vector the kernel handles
// funnels through here with the frame the stub pushed.
func (s *Scheduler) HandleInterrupt(frame *arch.InterruptFrame) {
	switch {
	case frame.InterruptNumber == arch.TimerVector:
		s.SwitchToNextTask(frame)
		s.timer.EOI()
	case frame.InterruptNumber == arch.SyscallVector:
		s.handleSyscall(frame)
	case frame.InterruptNumber == arch.YieldVector:
		s.SwitchToNextTask(frame)
	case frame.InterruptNumber <= arch.ExceptionVectorMax:
		s.handleException(frame)
	default:
		unknownVectorLog.Warningf("no ISR for interrupt %#x", frame.InterruptNumber)
		panic(fmt.Sprintf("no ISR for interrupt %#x", frame.InterruptNumber))
	}
}

// faultExitStatus is the distinguished exit status of a task killed by
// CPU exception vector v.
func faultExitStatus(v uint64) int {
	return 128 + int(v)
}

// handleException logs the fault and kills the offending user task. A
// fault with no user task on the CPU is unrecoverable.
func (s *Scheduler) handleException(frame *arch.InterruptFrame) {
	entry := log.Core(s.cpuID)
	entry.Errorf("exception: %#x", frame.InterruptNumber)
	entry.Errorf("error code: %#x", frame.ErrorCode)
	entry.Errorf("rip: %#x rsp: %#x", frame.RIP, frame.RSP)
	if frame.InterruptNumber == arch.PageFaultVector {
		entry.Errorf("page fault while %s", pageFaultKind(frame.ErrorCode))
	}

	t := s.Current()
	if !t.user {
		panic(fmt.Sprintf("exception %#x in kernel context on core %d", frame.InterruptNumber, s.cpuID))
	}
	s.ExitCurrent(faultExitStatus(frame.InterruptNumber), frame)
}

// pageFaultKind decodes the page fault error code's access kind.
func pageFaultKind(code uint64) string {
	if code&0x2 != 0 {
		return "writing"
	}
	return "reading"
}

// handleSyscall decodes the call number and arguments from the frame,
// dispatches, and encodes the result: non-negative values are success,
// negative values are the negated error kind.
func (s *Scheduler) handleSyscall(frame *arch.InterruptFrame) {
	num := frame.SyscallNumber()
	args := frame.SyscallArgs()

	sc, ok := s.k.table.Lookup(num)
	if !ok {
		log.Warningf("unknown syscall %d", num)
		frame.SetReturn(kernerr.Errno(kernerr.InvalidArgument))
		return
	}

	if sc.CPU != nil {
		ret, err := sc.CPU(s, frame, args)
		if sc.NoReturn {
			return
		}
		if err != nil {
			frame.SetReturn(kernerr.Errno(err))
		} else {
			frame.SetReturn(ret)
		}
		return
	}

	t := s.Current()
	ret, suspended := t.serveSyscall(func() uint64 {
		r, err := sc.Fn(t, args)
		if err != nil {
			return kernerr.Errno(err)
		}
		return r
	})
	if !suspended {
		frame.SetReturn(ret)
		return
	}

	// The handler suspended: this is the voluntary software
	// interrupt's context switch, after which the suspended task's
	// frame is safely saved.
	s.SwitchToNextTask(frame)
	t.frameSaved <- struct{}{}
}
