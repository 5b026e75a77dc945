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
	"time"

	"github.com/google/btree"
	"github.com/meehoyuen/NaOS/pkg/halt"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

const (
	// vtimeDelta is the virtual time charged per tick. It does not depend
	// on priority.
	vtimeDelta = 100

	// DefaultMinGranularity is how long a thread runs before a tick may
	// preempt it.
	DefaultMinGranularity = 2 * time.Millisecond

	defaultWakeupGranularity = time.Microsecond

	btreeDegree = 8
)

// fairEntity is the fair-class scheduling data of a thread.
type fairEntity struct {
	t     *Thread
	vtime atomicbitops.Int64
	delta int64

	// key and seq order the entity in the ready tree. key is vtime at
	// insertion; vtime only advances while the thread runs, so it never
	// changes under the tree.
	key int64
	seq uint64
}

func fairLess(a, b *fairEntity) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

// fairQueue is the fair run queue of one core.
type fairQueue struct {
	queueBase

	ready    *btree.BTreeG[*fairEntity]
	minVtime int64
	nextSeq  uint64
}

func newFairQueue(cpu int) *fairQueue {
	q := &fairQueue{ready: btree.NewG(btreeDegree, fairLess)}
	q.cpu = cpu
	q.blocked = make(map[*Thread]struct{})
	return q
}

func (q *fairQueue) insertReady(t *Thread) {
	e := t.sched.fair.Load()
	halt.Assert(e != nil, "fair queue %d: insert of %v without scheduling data", q.cpu, t)
	e.key = e.vtime.Load()
	q.nextSeq++
	e.seq = q.nextSeq
	if _, dup := q.ready.ReplaceOrInsert(e); dup {
		halt.Fatalf("fair queue %d: %v inserted twice", q.cpu, t)
	}
	q.nready.Store(int32(q.ready.Len()))
}

func (q *fairQueue) removeReady(t *Thread) bool {
	e := t.sched.fair.Load()
	if e == nil {
		return false
	}
	if _, ok := q.ready.Delete(e); !ok {
		return false
	}
	q.nready.Store(int32(q.ready.Len()))
	return true
}

// FairPolicy orders each core's ready threads by virtual runtime.
type FairPolicy struct {
	k      *Kernel
	queues []*fairQueue

	minGranularity    atomicbitops.Int64
	wakeupGranularity int64
}

func newFairPolicy(k *Kernel, numCPUs int, minGranularity time.Duration) *FairPolicy {
	if minGranularity <= 0 {
		minGranularity = DefaultMinGranularity
	}
	p := &FairPolicy{
		k:                 k,
		queues:            make([]*fairQueue, numCPUs),
		wakeupGranularity: defaultWakeupGranularity.Nanoseconds(),
	}
	p.minGranularity.Store(minGranularity.Nanoseconds())
	for i := range p.queues {
		p.queues[i] = newFairQueue(i)
	}
	return p
}

func (p *FairPolicy) queue(cpu int) runQueue {
	return p.queues[cpu]
}

// Class implements Policy.Class.
func (p *FairPolicy) Class() Class {
	return ClassFair
}

// InitCPU implements Policy.InitCPU. The idle thread gets scheduling data
// but is never queued.
func (p *FairPolicy) InitCPU(c *CPU) {
	p.queues[c.id] = newFairQueue(c.id)
	c.idle.sched.fair.Store(&fairEntity{t: c.idle, delta: vtimeDelta})
	now := p.k.clock.Now()
	c.lastSched.Store(now)
	c.lastTick.Store(now)
}

// DestroyCPU implements Policy.DestroyCPU.
func (p *FairPolicy) DestroyCPU(c *CPU) {
	q := p.queues[c.id]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	if n := q.ready.Len() + len(q.blocked); n != 0 {
		log.Warningf("fair queue %d: destroyed with %d threads", c.id, n)
	}
	q.ready.Clear(false)
	q.blocked = make(map[*Thread]struct{})
	q.nready.Store(0)
}

// Add implements Policy.Add.
func (p *FairPolicy) Add(c *CPU, t *Thread) {
	t.sched.fair.Store(&fairEntity{t: t, delta: vtimeDelta})
	q, g := lockThreadQueue(c, t, p.queue)
	q.insertReady(t)
	g.Unlock()
}

// Remove implements Policy.Remove.
func (p *FairPolicy) Remove(c *CPU, t *Thread) {
	if t.sched.fair.Load() == nil {
		return
	}
	q, g := lockThreadQueue(c, t, p.queue)
	if !q.removeBlocked(t) {
		q.removeReady(t)
	}
	t.sched.fair.Store(nil)
	g.Unlock()
}

// Update implements Policy.Update. Priorities do not affect virtual time.
func (p *FairPolicy) Update(c *CPU, t *Thread) {}

// SetState implements Policy.SetState.
func (p *FairPolicy) SetState(c *CPU, t *Thread, s ThreadState) ThreadState {
	return setStateOn(c, t, s, p.queue)
}

// Schedule implements Policy.Schedule.
func (p *FairPolicy) Schedule(c *CPU, flags SchedFlags) bool {
	return p.k.schedule(c, flags)
}

// Tick implements Policy.Tick. The current thread is charged one delta of
// virtual time. Once it has run for the minimum granularity it is asked to
// reschedule if some ready thread has run no more than it has.
func (p *FairPolicy) Tick(c *CPU) {
	cur := c.Current()
	q := p.queues[c.id]
	g := q.mu.RLockIRQ(c.arch)
	defer g.Unlock()

	e := cur.sched.fair.Load()
	if e == nil {
		return
	}
	vt := e.vtime.Add(e.delta)
	if p.k.clock.Now()-c.lastSched.Load() < p.minGranularity.Load() {
		return
	}
	next, ok := q.ready.Min()
	if !ok {
		return
	}
	if cur.isIdle() || next.key <= vt {
		cur.setAttr(AttrNeedResched)
	}
}

// PickAvailable implements Policy.PickAvailable. With nothing ready it
// returns the core's idle thread.
func (p *FairPolicy) PickAvailable(c *CPU) *Thread {
	q := p.queues[c.id]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	e, ok := q.ready.DeleteMin()
	if !ok {
		return pickIdle(c)
	}
	q.nready.Store(int32(q.ready.Len()))
	if e.key > q.minVtime {
		q.minVtime = e.key
	}
	mustTransition(e.t, StateReady, StateRunning)
	return e.t
}

// Runnable implements Policy.Runnable.
func (p *FairPolicy) Runnable(cpu int) int {
	return int(p.queues[cpu].nready.Load())
}

// SetAttribute implements Policy.SetAttribute. The fair policy has no
// tunables.
func (p *FairPolicy) SetAttribute(name string, t *Thread, v uint64) {
	log.Debugf("fair policy: ignoring attribute %q", name)
}

// GetAttribute implements Policy.GetAttribute.
func (p *FairPolicy) GetAttribute(name string, t *Thread) uint64 {
	return 0
}

// OnMigrate implements Policy.OnMigrate. Virtual time starts over on the
// new core.
func (p *FairPolicy) OnMigrate(c *CPU, dst int, t *Thread) {
	q := p.queues[dst]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	e := t.sched.fair.Load()
	halt.Assert(e != nil, "fair migrate of %v without scheduling data", t)
	e.vtime.Store(0)
	e.delta = vtimeDelta
	t.cpu.Store(int32(dst))
	switch s := t.State(); {
	case s == StateReady:
		q.insertReady(t)
	case s.Blocked():
		q.insertBlocked(t)
	default:
		halt.Fatalf("fair migrate of %v in state %v", t, s)
	}
}

// MigratableTask implements Policy.MigratableTask.
func (p *FairPolicy) MigratableTask(c *CPU, src, dst int) *Thread {
	q := p.queues[src]
	g := q.mu.RLockIRQ(c.arch)
	defer g.Unlock()
	var found *Thread
	q.ready.Ascend(func(e *fairEntity) bool {
		if e.t.CPUMask().Has(dst) && e.t.onCPU.Load() == 0 {
			found = e.t
			return false
		}
		return true
	})
	return found
}

// CommitMigrate implements Policy.CommitMigrate.
func (p *FairPolicy) CommitMigrate(c *CPU, src int, t *Thread) bool {
	q := p.queues[src]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	if t.CPU() != src || t.State() != StateReady || t.onCPU.Load() != 0 {
		return false
	}
	return q.removeReady(t)
}

func (p *FairPolicy) queued(c *CPU, cpu int) QueueSnapshot {
	q := p.queues[cpu]
	g := q.mu.RLockIRQ(c.arch)
	defer g.Unlock()
	s := QueueSnapshot{CPU: cpu, Class: ClassFair, MinVTime: q.minVtime}
	q.ready.Ascend(func(e *fairEntity) bool {
		s.Ready = append(s.Ready, snapshotThread(e.t))
		return true
	})
	s.Blocked = snapshotBlocked(q.blocked)
	return s
}

var _ Policy = (*FairPolicy)(nil)
