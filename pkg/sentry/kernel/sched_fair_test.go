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
	"testing"
	"time"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/rand"
)

func fairThread(tid int, vtime int64) *Thread {
	t := &Thread{tid: ThreadID(tid), process: &Process{pid: 1}}
	e := &fairEntity{t: t, delta: vtimeDelta}
	e.vtime.Store(vtime)
	t.sched.fair.Store(e)
	return t
}

func TestFairQueuePicksMinimum(t *testing.T) {
	src := rand.New(42)
	for round := 0; round < 20; round++ {
		q := newFairQueue(0)
		n := 1 + src.Intn(50)
		for i := 0; i < n; i++ {
			q.insertReady(fairThread(i+1, int64(src.Intn(1000))))
		}
		if got := int(q.nready.Load()); got != n {
			t.Fatalf("round %d: nready = %d, want %d", round, got, n)
		}
		last := int64(-1)
		var lastSeq uint64
		for q.ready.Len() > 0 {
			e, _ := q.ready.DeleteMin()
			if e.key < last || (e.key == last && e.seq < lastSeq) {
				t.Fatalf("round %d: picked key %d seq %d after key %d seq %d", round, e.key, e.seq, last, lastSeq)
			}
			last, lastSeq = e.key, e.seq
		}
	}
}

func TestFairQueueEqualVtimeFIFO(t *testing.T) {
	q := newFairQueue(0)
	var ts []*Thread
	for i := 0; i < 5; i++ {
		th := fairThread(i+1, 100)
		ts = append(ts, th)
		q.insertReady(th)
	}
	for i, want := range ts {
		e, ok := q.ready.DeleteMin()
		if !ok || e.t != want {
			t.Fatalf("pick %d = %v, want %v", i, e.t, want)
		}
	}
}

func TestFairQueueDoubleInsertHalts(t *testing.T) {
	q := newFairQueue(0)
	th := fairThread(1, 0)
	q.insertReady(th)
	defer func() {
		if _, ok := halt.FromPanic(recover()); !ok {
			t.Error("double insert did not halt")
		}
	}()
	q.insertReady(th)
}

func TestFairQueueRemove(t *testing.T) {
	q := newFairQueue(0)
	a, b := fairThread(1, 5), fairThread(2, 6)
	q.insertReady(a)
	q.insertReady(b)
	if !q.removeReady(a) {
		t.Fatal("removeReady(a) = false")
	}
	if q.removeReady(a) {
		t.Error("second removeReady(a) = true")
	}
	if got := q.nready.Load(); got != 1 {
		t.Errorf("nready = %d, want 1", got)
	}
}

// TestFairRunnableMatchesStates drives random creations, blocks, wakeups
// and exits, and checks that the ready count always matches the threads in
// the ready state.
func TestFairRunnableMatchesStates(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "worker", retArg, 0, 0)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	threads := []*Thread{p.MainThread(c)}
	src := rand.New(7)
	for step := 0; step < 500; step++ {
		switch op := src.Intn(4); {
		case op == 0 && len(threads) < 64:
			th, err := k.CreateThread(c, p, "t", retArg, 0, 0)
			if err != nil {
				t.Fatalf("step %d: CreateThread: %v", step, err)
			}
			threads = append(threads, th)
		case op == 1:
			th := threads[src.Intn(len(threads))]
			if th.State() == StateReady {
				k.setState(c, th, StateInterruptible)
			}
		case op == 2:
			k.Wake(c, threads[src.Intn(len(threads))])
		case op == 3 && len(threads) > 1:
			i := 1 + src.Intn(len(threads)-1)
			k.ExitThread(c, threads[i], 0)
			if _, err := k.JoinThread(threads[0], threads[i]); err != nil {
				t.Fatalf("step %d: JoinThread: %v", step, err)
			}
			threads = append(threads[:i], threads[i+1:]...)
		}

		ready := 0
		for _, th := range threads {
			if th.State() == StateReady {
				ready++
			}
		}
		if got := k.Runnable(0); got != ready {
			t.Fatalf("step %d: Runnable = %d, want %d", step, got, ready)
		}
		if v := k.Snapshot(c).Violations(); len(v) != 0 {
			t.Fatalf("step %d: violations: %v", step, v)
		}
	}
}

// TestFairPolicyPicksMinimumVtime interleaves adds, removals, ticks and
// picks on one core and checks every pick against a model of the ready set:
// the lowest vtime wins, ties go to the earliest queued, and an empty queue
// yields the idle thread.
func TestFairPolicyPicksMinimumVtime(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	p := k.policies[ClassFair].(*FairPolicy)
	idle := c.Idle()
	proc := &Process{pid: 1}

	type queued struct {
		key int64
		seq uint64
	}
	model := make(map[*Thread]queued)
	var ready []*Thread
	removed := make(map[*Thread]bool)
	var seq uint64
	enqueue := func(th *Thread) {
		seq++
		model[th] = queued{key: th.VTime(), seq: seq}
		ready = append(ready, th)
	}
	dequeue := func(i int) *Thread {
		th := ready[i]
		delete(model, th)
		ready = append(ready[:i], ready[i+1:]...)
		return th
	}

	src := rand.New(11)
	nextTID := 1
	picks, idlePicks := 0, 0
	for step := 0; step < 3000; step++ {
		switch op := src.Intn(4); {
		case op == 0 && len(ready) < 32:
			th := &Thread{tid: ThreadID(nextTID), process: proc}
			nextTID++
			p.Add(c, th)
			enqueue(th)

		case op == 1 && len(ready) > 0:
			th := dequeue(src.Intn(len(ready)))
			p.Remove(c, th)
			removed[th] = true

		default:
			got := p.PickAvailable(c)
			if len(ready) == 0 {
				if got != idle {
					t.Fatalf("step %d: empty queue picked %v, want idle", step, got)
				}
				idlePicks++
				continue
			}
			if removed[got] {
				t.Fatalf("step %d: picked removed thread %v", step, got)
			}
			want := 0
			for i, th := range ready {
				m, w := model[th], model[ready[want]]
				if m.key < w.key || (m.key == w.key && m.seq < w.seq) {
					want = i
				}
			}
			if got != ready[want] {
				t.Fatalf("step %d: picked %v (vtime %d), want %v (vtime %d)",
					step, got, model[got].key, ready[want], model[ready[want]].key)
			}
			if got.State() != StateRunning {
				t.Fatalf("step %d: picked thread in state %v", step, got.State())
			}
			dequeue(want)
			picks++

			// Run it for a few ticks and put it back.
			before := got.VTime()
			ticks := src.Intn(5)
			c.current.Store(got)
			for i := 0; i < ticks; i++ {
				p.Tick(c)
			}
			c.current.Store(idle)
			if d := got.VTime() - before; d != int64(ticks)*vtimeDelta {
				t.Fatalf("step %d: %d ticks charged %d vtime, want %d", step, ticks, d, int64(ticks)*vtimeDelta)
			}
			got.clearAttr(AttrNeedResched)
			p.SetState(c, got, stateSwitchToReady)
			enqueue(got)
		}
		if got := p.Runnable(0); got != len(ready) {
			t.Fatalf("step %d: Runnable = %d, want %d", step, got, len(ready))
		}
	}
	if picks == 0 || idlePicks == 0 {
		t.Errorf("%d picks, %d idle picks: sequence did not cover both", picks, idlePicks)
	}
}

func TestFairTickRespectsGranularity(t *testing.T) {
	k, vc, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "worker", retArg, 0, 0)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	main := runFirst(t, k, c)
	if _, err := k.CreateThread(c, p, "second", retArg, 0, 0); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	vc.Advance((DefaultMinGranularity / 2).Nanoseconds())
	k.Tick(c)
	if main.Has(AttrNeedResched) {
		t.Error("preempted before the minimum granularity")
	}
	vc.Advance(DefaultMinGranularity.Nanoseconds())
	k.Tick(c)
	if !main.Has(AttrNeedResched) {
		t.Error("not preempted after the minimum granularity")
	}
}

func TestFairMigrationResetsVtime(t *testing.T) {
	k, vc, _ := newTestKernel(t, 2)
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "worker", retArg, 0, 0)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	main := runFirst(t, k, c)
	for i := 0; i < 10; i++ {
		vc.Advance(time.Millisecond.Nanoseconds())
		k.Tick(c)
	}
	k.Yield(main)
	second, err := k.CreateThread(c, p, "second", retArg, 0, 0)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	// second has the lower vtime, so yielding hands it the core and leaves
	// main ready.
	main.setAttr(AttrNeedResched)
	k.Schedule(c, 0)
	if c.Current() != second {
		t.Fatalf("current = %v, want %v", c.Current(), second)
	}
	if main.VTime() == 0 {
		t.Fatal("main has no vtime to reset")
	}
	if !k.Migrate(c, 0, 1) {
		t.Fatal("Migrate(0, 1) moved nothing")
	}
	if main.CPU() != 1 {
		t.Errorf("main on cpu %d, want 1", main.CPU())
	}
	if main.VTime() != 0 {
		t.Errorf("migrated vtime = %d, want 0", main.VTime())
	}
	if k.Runnable(0) != 0 || k.Runnable(1) != 1 {
		t.Errorf("runnable = %d, %d, want 0, 1", k.Runnable(0), k.Runnable(1))
	}
}
