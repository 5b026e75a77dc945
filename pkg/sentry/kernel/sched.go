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
	"runtime"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/spinlock"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

// Class selects the scheduling policy that owns a thread.
type Class uint32

// Scheduling classes.
const (
	ClassRoundRobin Class = iota
	ClassFair

	numClasses
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassRoundRobin:
		return "rr"
	case ClassFair:
		return "fair"
	default:
		return fmt.Sprintf("Class(%d)", uint32(c))
	}
}

// SchedFlags modify a Schedule call.
type SchedFlags uint32

// SchedRemoveCurrent removes the calling thread from its policy before
// picking the next one.
const SchedRemoveCurrent SchedFlags = 1

// Policy is a scheduling policy. Each policy keeps one run queue per core.
//
// Methods taking a core c use it for interrupt masking; queue selection
// follows the thread's assigned core unless stated otherwise.
type Policy interface {
	// Class returns the class this policy serves.
	Class() Class

	// InitCPU allocates the run queue of core c.
	InitCPU(c *CPU)

	// DestroyCPU releases the run queue of core c.
	DestroyCPU(c *CPU)

	// Add creates t's scheduling data and inserts it into the ready queue
	// of its assigned core.
	Add(c *CPU, t *Thread)

	// Remove excises t from whichever queue holds it and drops its
	// scheduling data. Removing a thread twice is harmless.
	Remove(c *CPU, t *Thread)

	// Update is called after a priority change.
	Update(c *CPU, t *Thread)

	// SetState moves t towards state s and updates queue membership to
	// match. It returns the state t was in before the call. A change the
	// thread state machine forbids halts the kernel.
	SetState(c *CPU, t *Thread, s ThreadState) ThreadState

	// Schedule reschedules core c if its current thread needs it. It
	// returns whether a context switch happened.
	Schedule(c *CPU, flags SchedFlags) bool

	// Tick runs on every timer tick of core c for its current thread.
	Tick(c *CPU)

	// PickAvailable removes the next thread to run from c's ready queue
	// and marks it running. It returns nil if there is none.
	PickAvailable(c *CPU) *Thread

	// Runnable returns the length of core cpu's ready queue.
	Runnable(cpu int) int

	// SetAttribute sets a policy tunable, for t or for the policy when t
	// is nil.
	SetAttribute(name string, t *Thread, v uint64)

	// GetAttribute returns a policy tunable.
	GetAttribute(name string, t *Thread) uint64

	// OnMigrate assigns t to core dst and inserts it there according to
	// its state.
	OnMigrate(c *CPU, dst int, t *Thread)

	// MigratableTask returns a ready thread of core src allowed to run on
	// dst, or nil.
	MigratableTask(c *CPU, src, dst int) *Thread

	// CommitMigrate excises t from src's ready queue. It returns false if
	// t is no longer there.
	CommitMigrate(c *CPU, src int, t *Thread) bool

	// queued returns the membership of core cpu's queues.
	queued(c *CPU, cpu int) QueueSnapshot
}

// runQueue is the per-core queue of a policy as seen by the shared state
// machine. All methods are called with the queue locked.
type runQueue interface {
	lock() *spinlock.RWSpinLock
	cpuID() int
	insertReady(t *Thread)
	removeReady(t *Thread) bool
	insertBlocked(t *Thread)
	removeBlocked(t *Thread) bool
}

// queueBase is embedded by every run queue.
type queueBase struct {
	mu  spinlock.RWSpinLock
	cpu int

	// nready mirrors the ready queue length for lock-free load queries.
	nready atomicbitops.Int32

	blocked map[*Thread]struct{}
}

func (b *queueBase) lock() *spinlock.RWSpinLock {
	return &b.mu
}

func (b *queueBase) cpuID() int {
	return b.cpu
}

func (b *queueBase) insertBlocked(t *Thread) {
	b.blocked[t] = struct{}{}
}

func (b *queueBase) removeBlocked(t *Thread) bool {
	if _, ok := b.blocked[t]; !ok {
		return false
	}
	delete(b.blocked, t)
	return true
}

// lockThreadQueue write-locks the queue of the core t is assigned to. The
// assignment is re-checked under the lock since migration may move t in
// between.
func lockThreadQueue(c *CPU, t *Thread, queueOf func(cpu int) runQueue) (runQueue, spinlock.Guard) {
	for {
		cpu := t.CPU()
		q := queueOf(cpu)
		g := q.lock().LockIRQ(c.arch)
		if t.CPU() == cpu {
			return q, g
		}
		g.Unlock()
	}
}

// setStateOn is the SetState implementation shared by all policies.
func setStateOn(c *CPU, t *Thread, to ThreadState, queueOf func(cpu int) runQueue) ThreadState {
	for {
		q, g := lockThreadQueue(c, t, queueOf)
		from, ok := applyState(q, t, to)
		g.Unlock()
		if ok {
			return from
		}
		// t is between two cores' queues.
		runtime.Gosched()
	}
}

func mustTransition(t *Thread, from, to ThreadState) {
	if !t.transition(from, to) {
		halt.Fatalf("thread %v: state changed under queue lock, want %v -> %v, have %v", t, from, to, t.State())
	}
}

const blockFlags = AttrBlockIntr | AttrBlockUnintr

func blockFlag(s ThreadState) uint32 {
	if s == StateInterruptible {
		return AttrBlockIntr
	}
	return AttrBlockUnintr
}

// applyState applies a state change to t and its queue membership in q.
// It returns the previous state, and false if t could not be found where
// its state says it is, which happens only while t is being migrated.
// A request the state machine does not allow halts the kernel.
func applyState(q runQueue, t *Thread, to ThreadState) (ThreadState, bool) {
	from := t.State()
	if t.isIdle() {
		switch to {
		case StateReady, StateInterruptible, StateUninterruptible, stateWake, stateParked:
			// The idle thread never blocks.
			return from, true
		case stateSwitchToReady:
			if from == StateRunning {
				mustTransition(t, StateRunning, StateReady)
			}
			return from, true
		}
		halt.Fatalf("idle thread %v: set state %v -> %v", t, from, to)
	}

	switch to {
	case stateWake:
		switch from {
		case StateReady, StateStop, StateDestroy:
			return from, true
		}
		return applyState(q, t, StateReady)

	case stateParked:
		switch from {
		case StateInterruptible, StateUninterruptible, StateStop, StateDestroy:
			return from, true
		}
		return applyState(q, t, StateUninterruptible)

	case StateReady:
		switch {
		case from.Blocked():
			if !q.removeBlocked(t) {
				return from, false
			}
			mustTransition(t, from, StateReady)
			t.clearAttr(blockFlags)
			q.insertReady(t)
			return from, true
		case from == StateRunning:
			// A wakeup racing with a block that is staged but not yet
			// applied cancels it.
			t.clearAttr(blockFlags)
			return from, true
		}

	case StateInterruptible, StateUninterruptible:
		switch from {
		case StateRunning:
			t.setAttr(blockFlag(to) | AttrNeedResched)
			return from, true
		case StateReady:
			if !q.removeReady(t) {
				return from, false
			}
			mustTransition(t, StateReady, to)
			q.insertBlocked(t)
			return from, true
		}

	case StateStop:
		switch {
		case from == StateRunning:
			mustTransition(t, StateRunning, StateStop)
			t.setAttr(AttrRemove | AttrNeedResched)
			return from, true
		case from == StateReady:
			if !q.removeReady(t) {
				return from, false
			}
			mustTransition(t, StateReady, StateStop)
			return from, true
		case from.Blocked():
			if !q.removeBlocked(t) {
				return from, false
			}
			mustTransition(t, from, StateStop)
			return from, true
		}

	case stateSwitchToReady:
		if from != StateRunning {
			return from, true
		}
		switch {
		case t.Has(AttrBlockIntr):
			mustTransition(t, StateRunning, StateInterruptible)
			q.insertBlocked(t)
		case t.Has(AttrBlockUnintr):
			mustTransition(t, StateRunning, StateUninterruptible)
			q.insertBlocked(t)
		default:
			mustTransition(t, StateRunning, StateReady)
			q.insertReady(t)
		}
		return from, true
	}
	halt.Fatalf("thread %v: set state %v -> %v", t, from, to)
	return from, true
}

// SchedListener observes context switches.
type SchedListener interface {
	// OnSwitch is called with interrupts masked on core cpu, just before
	// from is switched out for to. It must not block.
	OnSwitch(cpu int, from, to *Thread)
}

// AddListener registers l for context switch notifications.
func (k *Kernel) AddListener(l SchedListener) {
	k.listenerMu.Lock()
	defer k.listenerMu.Unlock()
	old := k.listeners.Load()
	var ls []SchedListener
	if old != nil {
		ls = append(ls, *old...)
	}
	ls = append(ls, l)
	k.listeners.Store(&ls)
}

func (k *Kernel) notifySwitch(cpu int, from, to *Thread) {
	if ls := k.listeners.Load(); ls != nil {
		for _, l := range *ls {
			l.OnSwitch(cpu, from, to)
		}
	}
}

// Policy returns the policy serving class cl.
func (k *Kernel) Policy(cl Class) Policy {
	return k.policies[cl]
}

func (k *Kernel) policyOf(t *Thread) Policy {
	return k.policies[t.class]
}

// setState changes t's state through its policy.
func (k *Kernel) setState(c *CPU, t *Thread, s ThreadState) ThreadState {
	return k.policyOf(t).SetState(c, t, s)
}

// Schedule runs the policy of c's current thread. It must be called by the
// goroutine driving c, with interrupts and preemption enabled.
func (k *Kernel) Schedule(c *CPU, flags SchedFlags) bool {
	return k.policyOf(c.Current()).Schedule(c, flags)
}

// schedule is the reschedule loop shared by all policies.
func (k *Kernel) schedule(c *CPU, flags SchedFlags) bool {
	halt.Assert(c.arch.IRQDepth() == 0, "cpu %d: schedule with interrupts masked", c.id)
	halt.Assert(c.arch.PreemptCount() == 0, "cpu %d: schedule with preemption disabled", c.id)

	cur := c.Current()
	if flags&SchedRemoveCurrent != 0 {
		cur.setAttr(AttrRemove | AttrNeedResched)
	}
	switched := false
	for cur.Has(AttrNeedResched) {
		c.arch.DisableInterrupts()
		k.setState(c, cur, stateSwitchToReady)
		if cur.Has(AttrRemove) {
			k.policyOf(cur).Remove(c, cur)
			if cur.State() == StateStop {
				cur.ctx.MarkDead()
			}
		}
		cur.clearAttr(AttrNeedResched)

		next := k.pickNext(c)
		if next != cur {
			c.recordSwitch(k.clock.Now())
			next.onCPU.Store(1)
			c.prev = cur
			c.current.Store(next)
			k.notifySwitch(c.id, cur, next)
			k.switcher.Switch(c.arch, cur.ctx, next.ctx)
			switched = true

			// cur may have been resumed on another core.
			c = k.CPUOf(cur)
			k.finishSwitch(c)
		}
		c.arch.EnableInterrupts()
	}
	return switched
}

// pickNext returns the next thread of c in the running state. The fair
// policy comes last and falls back to the idle thread, so there always is
// one.
func (k *Kernel) pickNext(c *CPU) *Thread {
	for _, p := range k.order {
		if t := p.PickAvailable(c); t != nil {
			return t
		}
	}
	return pickIdle(c)
}

// pickIdle marks c's idle thread running and returns it. The caller holds
// c's fair queue lock, or c is not yet scheduling.
func pickIdle(c *CPU) *Thread {
	idle := c.idle
	if idle.State() != StateRunning {
		mustTransition(idle, StateReady, StateRunning)
	}
	return idle
}

// finishSwitch completes a switch on the resumed side: the previous thread
// is now off the core, and if it was exiting its exit is finished.
func (k *Kernel) finishSwitch(c *CPU) {
	prev := c.prev
	c.prev = nil
	if prev == nil || prev == c.Current() {
		return
	}
	prev.onCPU.Store(0)
	if prev.State() == StateStop && prev.Has(AttrRemove) {
		k.finishExit(c, prev)
	}
}

// CPUOf returns the core t is assigned to.
func (k *Kernel) CPUOf(t *Thread) *CPU {
	return k.cpus[t.CPU()]
}

// Wake makes a blocked thread ready. Waking a thread that is not blocked
// has no effect beyond cancelling a staged block; in particular a timer or
// wait queue may wake a thread that was killed in the meantime.
func (k *Kernel) Wake(c *CPU, t *Thread) {
	from := k.setState(c, t, stateWake)
	if from.Blocked() {
		k.kickIfIdle(t.CPU())
	}
}

// kickIfIdle interrupts core cpu if it is idling so it notices new work.
func (k *Kernel) kickIfIdle(cpu int) {
	tc := k.cpus[cpu]
	if cur := tc.Current(); cur == nil || cur.isIdle() {
		tc.arch.Raise(ReschedVector)
	}
}

// Yield gives up t's core. t must be running.
func (k *Kernel) Yield(t *Thread) {
	t.setAttr(AttrNeedResched)
	k.Schedule(k.CPUOf(t), 0)
}

// PreemptPoint delivers pending interrupts to t's core and reschedules if
// t has been asked to. Long-running threads call it periodically.
func (k *Kernel) PreemptPoint(t *Thread) {
	for k.CPUOf(t).arch.Deliver(true) {
	}
	c := k.CPUOf(t)
	if t.Has(AttrNeedResched) && c.arch.Preemptible() {
		k.Schedule(c, 0)
	}
}

// SetCPUMask changes t's affinity and asks it to reschedule.
func (k *Kernel) SetCPUMask(c *CPU, t *Thread, mask CPUMask) error {
	if mask&k.allCPUs == 0 {
		return fmt.Errorf("cpu mask %#x: %w", uint64(mask), ErrInvalid)
	}
	t.mask.Store(uint64(mask))
	t.setAttr(AttrNeedResched)
	if !mask.Has(t.CPU()) && t.State() == StateReady {
		for dst := range k.cpus {
			if mask.Has(dst) && k.migrateThread(c, t, t.CPU(), dst) {
				break
			}
		}
	}
	return nil
}

// SetPriority changes t's priorities and notifies its policy.
func (k *Kernel) SetPriority(c *CPU, t *Thread, static, dynamic uint8) {
	t.staticPriority.Store(uint32(static))
	t.dynamicPriority.Store(uint32(dynamic))
	k.policyOf(t).Update(c, t)
}

// SetAttribute forwards a tunable to the policy of class cl.
func (k *Kernel) SetAttribute(cl Class, name string, t *Thread, v uint64) {
	k.policies[cl].SetAttribute(name, t, v)
}

// GetAttribute reads a tunable of the policy of class cl.
func (k *Kernel) GetAttribute(cl Class, name string, t *Thread) uint64 {
	return k.policies[cl].GetAttribute(name, t)
}

// Runnable returns the number of ready threads on core cpu.
func (k *Kernel) Runnable(cpu int) int {
	n := 0
	for _, p := range k.order {
		n += p.Runnable(cpu)
	}
	return n
}

// Migrate moves one ready thread from core src to core dst, taking the
// first eligible thread of the most preferred class. It reports whether a
// thread moved.
func (k *Kernel) Migrate(c *CPU, src, dst int) bool {
	if src == dst || src < 0 || dst < 0 || src >= len(k.cpus) || dst >= len(k.cpus) {
		return false
	}
	k.snapMu.RLock()
	defer k.snapMu.RUnlock()
	for _, p := range k.order {
		t := p.MigratableTask(c, src, dst)
		if t == nil {
			continue
		}
		if !p.CommitMigrate(c, src, t) {
			continue
		}
		p.OnMigrate(c, dst, t)
		log.Debugf("migrated thread %v from cpu %d to cpu %d", t, src, dst)
		k.kickIfIdle(dst)
		return true
	}
	return false
}

// migrateThread moves a specific ready thread.
func (k *Kernel) migrateThread(c *CPU, t *Thread, src, dst int) bool {
	k.snapMu.RLock()
	defer k.snapMu.RUnlock()
	p := k.policyOf(t)
	if !p.CommitMigrate(c, src, t) {
		return false
	}
	p.OnMigrate(c, dst, t)
	k.kickIfIdle(dst)
	return true
}

// PullTask migrates a thread to c from the core with the most ready
// threads. It reports whether one moved.
func (k *Kernel) PullTask(c *CPU) bool {
	busiest, most := -1, 0
	for i := range k.cpus {
		if i == c.id {
			continue
		}
		if n := k.Runnable(i); n > most {
			busiest, most = i, n
		}
	}
	if busiest < 0 {
		return false
	}
	return k.Migrate(c, busiest, c.id)
}
