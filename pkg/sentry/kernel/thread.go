// Copyright 2026 The NaOS Authors.
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
	"sync/atomic"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"github.com/meehoyuen/NaOS/pkg/sentry/mm"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// ThreadID is a process-local thread identifier.
type ThreadID int32

// ThreadState is the scheduling state of a thread.
type ThreadState uint32

// Thread states.
const (
	StateReady ThreadState = iota
	StateRunning
	StateInterruptible
	StateUninterruptible
	StateStop
	StateDestroy

	// stateSwitchToReady is passed to Policy.SetState by the schedule loop
	// to apply the block flags staged on the outgoing thread. No thread is
	// ever in this state.
	stateSwitchToReady

	// stateWake makes a blocked thread ready and cancels a staged block.
	// It leaves ready and exited threads alone, since a wakeup may race
	// with the thread being woken or killed by someone else.
	stateWake

	// stateParked blocks a ready or running thread uninterruptibly and
	// leaves blocked and exited threads alone.
	stateParked
)

var stateNames = [...]string{
	StateReady:           "ready",
	StateRunning:         "running",
	StateInterruptible:   "interruptible",
	StateUninterruptible: "uninterruptible",
	StateStop:            "stop",
	StateDestroy:         "destroy",
	stateSwitchToReady:   "switch-to-ready",
	stateWake:            "wake",
	stateParked:          "parked",
}

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("ThreadState(%d)", uint32(s))
}

// Blocked reports whether s is one of the blocked states.
func (s ThreadState) Blocked() bool {
	return s == StateInterruptible || s == StateUninterruptible
}

// legalTransitions[from] has bit to set for every legal from -> to.
var legalTransitions = [...]uint32{
	StateReady: 1<<StateRunning | 1<<StateInterruptible | 1<<StateUninterruptible |
		1<<StateStop,
	StateRunning: 1<<StateReady | 1<<StateInterruptible | 1<<StateUninterruptible |
		1<<StateStop,
	StateInterruptible:   1<<StateReady | 1<<StateStop,
	StateUninterruptible: 1<<StateReady | 1<<StateStop,
	StateStop:            1 << StateDestroy,
	StateDestroy:         0,
}

// checkTransition halts the kernel unless from -> to is a legal thread
// state change. It is the only authority on the state machine.
func checkTransition(from, to ThreadState) {
	if int(from) >= len(legalTransitions) || legalTransitions[from]&(1<<to) == 0 {
		halt.Fatalf("illegal thread state transition %v -> %v", from, to)
	}
}

// Attribute flags of a thread.
const (
	AttrNeedResched uint32 = 1 << iota
	AttrBlockIntr
	AttrBlockUnintr
	AttrDetached
	AttrMain
	AttrRemove
	AttrExiting
)

// CPUMask is a thread's affinity: bit i is set if the thread may run on
// core i.
type CPUMask uint64

// CPUMaskAll allows every core.
const CPUMaskAll = ^CPUMask(0)

// MaskOf returns a mask with only core cpu set.
func MaskOf(cpu int) CPUMask {
	return CPUMask(1) << uint(cpu)
}

// Has reports whether the mask allows core cpu.
func (m CPUMask) Has(cpu int) bool {
	return m&MaskOf(cpu) != 0
}

// ThreadFunc is the body of a kernel thread. Its return value becomes the
// thread's exit value.
type ThreadFunc func(k *Kernel, t *Thread, arg uint64) int64

// schedData is the per-policy scheduling state of a thread, tagged by the
// thread's class. Exactly the field of the owning class is set between
// Policy.Add and Policy.Remove.
type schedData struct {
	fair atomic.Pointer[fairEntity]
	rr   atomic.Pointer[rrEntity]
}

// Thread is a schedulable execution context.
type Thread struct {
	tid ThreadID

	// process is the owning process. It is a lookup, the process owns the
	// thread.
	process *Process

	class Class
	sched schedData

	state atomicbitops.Uint32
	attrs atomicbitops.Uint32
	mask  atomicbitops.Uint64

	// cpu is the id of the core whose run queues hold (or run) the thread.
	// It changes only under the destination queue lock on migration.
	cpu atomicbitops.Int32

	// onCPU is set while the thread's context is live on a core, from the
	// moment it is picked until the next context has taken over.
	onCPU atomicbitops.Uint32

	stack           *mm.Stack
	userStackTop    uintptr
	userStackBottom uintptr

	waitQ   WaitQueue
	waiters atomicbitops.Int32

	exitValue atomicbitops.Int64

	staticPriority  atomicbitops.Uint32
	dynamicPriority atomicbitops.Uint32

	ctx  *arch.Context
	fn   ThreadFunc
	arg  uint64
	name string
}

// TID returns the thread id.
func (t *Thread) TID() ThreadID {
	return t.tid
}

// Process returns the owning process.
func (t *Thread) Process() *Process {
	return t.process
}

// Name returns the name given at creation.
func (t *Thread) Name() string {
	return t.name
}

// Class returns the scheduling class.
func (t *Thread) Class() Class {
	return t.class
}

// State returns the current state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

// transition moves t from -> to. An illegal pair halts the kernel. It
// returns false if t was no longer in state from.
func (t *Thread) transition(from, to ThreadState) bool {
	checkTransition(from, to)
	return t.state.CompareAndSwap(uint32(from), uint32(to))
}

// Attrs returns the attribute flags.
func (t *Thread) Attrs() uint32 {
	return t.attrs.Load()
}

// Has reports whether all flags in attr are set.
func (t *Thread) Has(attr uint32) bool {
	return t.attrs.Load()&attr == attr
}

func (t *Thread) setAttr(attr uint32) {
	for {
		old := t.attrs.Load()
		if old&attr == attr || t.attrs.CompareAndSwap(old, old|attr) {
			return
		}
	}
}

// testAndSetAttr sets attr and reports whether this call set it.
func (t *Thread) testAndSetAttr(attr uint32) bool {
	for {
		old := t.attrs.Load()
		if old&attr != 0 {
			return false
		}
		if t.attrs.CompareAndSwap(old, old|attr) {
			return true
		}
	}
}

func (t *Thread) clearAttr(attr uint32) {
	for {
		old := t.attrs.Load()
		if old&attr == 0 || t.attrs.CompareAndSwap(old, old&^attr) {
			return
		}
	}
}

// CPUMask returns the affinity mask.
func (t *Thread) CPUMask() CPUMask {
	return CPUMask(t.mask.Load())
}

// CPU returns the id of the core the thread is assigned to.
func (t *Thread) CPU() int {
	return int(t.cpu.Load())
}

// KernelStack returns the thread's kernel stack.
func (t *Thread) KernelStack() *mm.Stack {
	return t.stack
}

// UserStack returns the user stack bounds, zero for kernel threads.
func (t *Thread) UserStack() (bottom, top uintptr) {
	return t.userStackBottom, t.userStackTop
}

// ExitValue returns the value stored by thread exit.
func (t *Thread) ExitValue() int64 {
	return t.exitValue.Load()
}

// Priority returns the static and dynamic priority.
func (t *Thread) Priority() (static, dynamic uint8) {
	return uint8(t.staticPriority.Load()), uint8(t.dynamicPriority.Load())
}

// Waiters returns the number of threads joining t.
func (t *Thread) Waiters() int32 {
	return t.waiters.Load()
}

// VTime returns the fair-class virtual runtime, or 0 for other classes.
func (t *Thread) VTime() int64 {
	if e := t.sched.fair.Load(); e != nil {
		return e.vtime.Load()
	}
	return 0
}

// isIdle reports whether t belongs to the kernel process, whose threads are
// the per-core idle threads.
func (t *Thread) isIdle() bool {
	return t.process.pid == 0
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("%d:%d", t.process.pid, t.tid)
}
