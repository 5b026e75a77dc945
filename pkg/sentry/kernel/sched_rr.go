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
	"sort"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

// DefaultTimeslice is the round-robin timeslice in ticks.
const DefaultTimeslice = 10

// Round-robin attribute names.
const (
	AttrNameTimeslice = "timeslice"
	AttrNameRotations = "rotations"
)

// rrEntity is the round-robin scheduling data of a thread.
type rrEntity struct {
	// remaining is the number of ticks left in the current slice.
	remaining atomicbitops.Int32

	// slice is the thread's timeslice, or 0 for the policy default.
	slice atomicbitops.Int32
}

// rrQueue is the round-robin run queue of one core. Ready threads are kept
// ordered by static priority, lowest value first, and in arrival order
// within a priority.
type rrQueue struct {
	queueBase

	ready []*Thread
}

func newRRQueue(cpu int) *rrQueue {
	q := &rrQueue{}
	q.cpu = cpu
	q.blocked = make(map[*Thread]struct{})
	return q
}

func (q *rrQueue) insertReady(t *Thread) {
	halt.Assert(t.sched.rr.Load() != nil, "rr queue %d: insert of %v without scheduling data", q.cpu, t)
	if q.isInReadyQueue(t) {
		halt.Fatalf("rr queue %d: %v inserted twice", q.cpu, t)
	}
	q.ready = append(q.ready, t)
	q.sortReadyQueue()
	q.nready.Store(int32(len(q.ready)))
}

func (q *rrQueue) removeReady(t *Thread) bool {
	if !q.removeFromReadyQueue(t) {
		return false
	}
	q.nready.Store(int32(len(q.ready)))
	return true
}

// sortReadyQueue orders the ready queue by static priority. The sort is
// stable so equal priorities rotate in arrival order.
func (q *rrQueue) sortReadyQueue() {
	sort.SliceStable(q.ready, func(i, j int) bool {
		return q.ready[i].staticPriority.Load() < q.ready[j].staticPriority.Load()
	})
}

func (q *rrQueue) removeFromReadyQueue(t *Thread) bool {
	for i, r := range q.ready {
		if r == t {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return true
		}
	}
	return false
}

func (q *rrQueue) isInReadyQueue(t *Thread) bool {
	for _, r := range q.ready {
		if r == t {
			return true
		}
	}
	return false
}

// RoundRobinPolicy runs fixed-priority threads in timeslices. It is
// preferred over the fair policy whenever it has a ready thread.
type RoundRobinPolicy struct {
	k      *Kernel
	queues []*rrQueue

	timeslice atomicbitops.Int32

	// rotations counts expired timeslices.
	rotations atomicbitops.Uint64
}

func newRoundRobinPolicy(k *Kernel, numCPUs int, timeslice int) *RoundRobinPolicy {
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	p := &RoundRobinPolicy{
		k:      k,
		queues: make([]*rrQueue, numCPUs),
	}
	p.timeslice.Store(int32(timeslice))
	for i := range p.queues {
		p.queues[i] = newRRQueue(i)
	}
	return p
}

func (p *RoundRobinPolicy) queue(cpu int) runQueue {
	return p.queues[cpu]
}

func (p *RoundRobinPolicy) sliceOf(e *rrEntity) int32 {
	if s := e.slice.Load(); s > 0 {
		return s
	}
	return p.timeslice.Load()
}

// Class implements Policy.Class.
func (p *RoundRobinPolicy) Class() Class {
	return ClassRoundRobin
}

// InitCPU implements Policy.InitCPU.
func (p *RoundRobinPolicy) InitCPU(c *CPU) {
	p.queues[c.id] = newRRQueue(c.id)
}

// DestroyCPU implements Policy.DestroyCPU.
func (p *RoundRobinPolicy) DestroyCPU(c *CPU) {
	q := p.queues[c.id]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	if n := len(q.ready) + len(q.blocked); n != 0 {
		log.Warningf("rr queue %d: destroyed with %d threads", c.id, n)
	}
	q.ready = nil
	q.blocked = make(map[*Thread]struct{})
	q.nready.Store(0)
}

// Add implements Policy.Add.
func (p *RoundRobinPolicy) Add(c *CPU, t *Thread) {
	e := &rrEntity{}
	e.remaining.Store(p.timeslice.Load())
	t.sched.rr.Store(e)
	q, g := lockThreadQueue(c, t, p.queue)
	q.insertReady(t)
	g.Unlock()
}

// Remove implements Policy.Remove.
func (p *RoundRobinPolicy) Remove(c *CPU, t *Thread) {
	if t.sched.rr.Load() == nil {
		return
	}
	q, g := lockThreadQueue(c, t, p.queue)
	if !q.removeBlocked(t) {
		q.removeReady(t)
	}
	t.sched.rr.Store(nil)
	g.Unlock()
}

// Update implements Policy.Update. A queued thread moves to its new
// priority position.
func (p *RoundRobinPolicy) Update(c *CPU, t *Thread) {
	if t.sched.rr.Load() == nil {
		return
	}
	q, g := lockThreadQueue(c, t, p.queue)
	p.queues[q.cpuID()].sortReadyQueue()
	g.Unlock()
}

// SetState implements Policy.SetState.
func (p *RoundRobinPolicy) SetState(c *CPU, t *Thread, s ThreadState) ThreadState {
	return setStateOn(c, t, s, p.queue)
}

// Schedule implements Policy.Schedule.
func (p *RoundRobinPolicy) Schedule(c *CPU, flags SchedFlags) bool {
	return p.k.schedule(c, flags)
}

// Tick implements Policy.Tick. When the current thread's slice runs out it
// is rotated behind its peers, if it has any.
func (p *RoundRobinPolicy) Tick(c *CPU) {
	cur := c.Current()
	e := cur.sched.rr.Load()
	if e == nil {
		return
	}
	if e.remaining.Add(-1) > 0 {
		return
	}
	e.remaining.Store(p.sliceOf(e))
	p.rotations.Add(1)
	if p.Runnable(c.id) > 0 {
		cur.setAttr(AttrNeedResched)
	}
}

// PickAvailable implements Policy.PickAvailable.
func (p *RoundRobinPolicy) PickAvailable(c *CPU) *Thread {
	q := p.queues[c.id]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	if len(q.ready) == 0 {
		return nil
	}
	t := q.ready[0]
	q.ready = q.ready[1:]
	q.nready.Store(int32(len(q.ready)))
	mustTransition(t, StateReady, StateRunning)
	if e := t.sched.rr.Load(); e != nil {
		e.remaining.Store(p.sliceOf(e))
	}
	return t
}

// Runnable implements Policy.Runnable.
func (p *RoundRobinPolicy) Runnable(cpu int) int {
	return int(p.queues[cpu].nready.Load())
}

// SetAttribute implements Policy.SetAttribute. AttrNameTimeslice sets the
// timeslice in ticks, of t or of the policy.
func (p *RoundRobinPolicy) SetAttribute(name string, t *Thread, v uint64) {
	if name != AttrNameTimeslice || v == 0 {
		log.Debugf("rr policy: ignoring attribute %q=%d", name, v)
		return
	}
	if t == nil {
		p.timeslice.Store(int32(v))
		return
	}
	if e := t.sched.rr.Load(); e != nil {
		e.slice.Store(int32(v))
	}
}

// GetAttribute implements Policy.GetAttribute.
func (p *RoundRobinPolicy) GetAttribute(name string, t *Thread) uint64 {
	switch name {
	case AttrNameTimeslice:
		if t != nil {
			if e := t.sched.rr.Load(); e != nil {
				return uint64(p.sliceOf(e))
			}
		}
		return uint64(p.timeslice.Load())
	case AttrNameRotations:
		return p.rotations.Load()
	}
	return 0
}

// OnMigrate implements Policy.OnMigrate.
func (p *RoundRobinPolicy) OnMigrate(c *CPU, dst int, t *Thread) {
	q := p.queues[dst]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	t.cpu.Store(int32(dst))
	switch s := t.State(); {
	case s == StateReady:
		q.insertReady(t)
	case s.Blocked():
		q.insertBlocked(t)
	default:
		halt.Fatalf("rr migrate of %v in state %v", t, s)
	}
}

// MigratableTask implements Policy.MigratableTask.
func (p *RoundRobinPolicy) MigratableTask(c *CPU, src, dst int) *Thread {
	q := p.queues[src]
	g := q.mu.RLockIRQ(c.arch)
	defer g.Unlock()
	for _, t := range q.ready {
		if t.CPUMask().Has(dst) && t.onCPU.Load() == 0 {
			return t
		}
	}
	return nil
}

// CommitMigrate implements Policy.CommitMigrate.
func (p *RoundRobinPolicy) CommitMigrate(c *CPU, src int, t *Thread) bool {
	q := p.queues[src]
	g := q.mu.LockIRQ(c.arch)
	defer g.Unlock()
	if t.CPU() != src || t.State() != StateReady || t.onCPU.Load() != 0 {
		return false
	}
	return q.removeReady(t)
}

func (p *RoundRobinPolicy) queued(c *CPU, cpu int) QueueSnapshot {
	q := p.queues[cpu]
	g := q.mu.RLockIRQ(c.arch)
	defer g.Unlock()
	s := QueueSnapshot{CPU: cpu, Class: ClassRoundRobin}
	for _, t := range q.ready {
		s.Ready = append(s.Ready, snapshotThread(t))
	}
	s.Blocked = snapshotBlocked(q.blocked)
	return s
}

var _ Policy = (*RoundRobinPolicy)(nil)
