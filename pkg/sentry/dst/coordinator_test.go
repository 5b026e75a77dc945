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

package dst

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meehoyuen/NaOS/pkg/rand"
	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"github.com/meehoyuen/NaOS/pkg/sentry/kernel"
	ktime "github.com/meehoyuen/NaOS/pkg/sentry/time"
)

func idleFn(k *kernel.Kernel, t *kernel.Thread, arg uint64) int64 {
	return 0
}

// newSimKernel returns a kernel on a virtual clock whose switches are only
// recorded, with a process of nthreads threads.
func newSimKernel(t *testing.T, numCPUs, nthreads int, seed uint64) (*kernel.Kernel, *kernel.Process) {
	t.Helper()
	k, err := kernel.New(kernel.Config{
		NumCPUs:  numCPUs,
		Clock:    ktime.NewVirtualClock(ktime.VirtualClockConfig{}),
		Switcher: &arch.RecordingSwitcher{},
		Rand:     rand.ReaderFor(seed),
	})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "workload", idleFn, 0, 0)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	for i := 1; i < nthreads; i++ {
		if _, err := k.CreateThread(c, p, "worker", idleFn, 0, 0); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}
	return k, p
}

func lockstepConfig(seed uint64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	cfg.MaxSteps = 200
	cfg.CheckEvery = 1
	cfg.CheckpointEvery = 50
	cfg.Lockstep = true
	cfg.Probabilities = ProbabilitiesChaos()
	return cfg
}

type recorder struct {
	mu          sync.Mutex
	started     bool
	runID       uuid.UUID
	steps       uint64
	events      []Event
	applied     int
	checked     int
	checkpoints []CheckpointID
	endReason   string
}

func (r *recorder) OnStart(runID uuid.UUID, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	r.runID = runID
}

func (r *recorder) OnStep(step uint64, timeNS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = step
}

func (r *recorder) OnEvent(ev Event, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if applied {
		r.applied++
	}
}

func (r *recorder) OnPropertyChecked(name string, res CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checked++
}

func (r *recorder) OnCheckpoint(id CheckpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints = append(r.checkpoints, id)
}

func (r *recorder) OnEnd(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endReason = reason
}

func TestNewCoordinatorNeedsVirtualClock(t *testing.T) {
	k, err := kernel.New(kernel.Config{NumCPUs: 1})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	if _, err := NewCoordinator(k, DefaultConfig()); err == nil {
		t.Error("NewCoordinator accepted a host clock")
	}
}

func TestStepBeforeStart(t *testing.T) {
	k, _ := newSimKernel(t, 1, 1, 1)
	c, err := NewCoordinator(k, lockstepConfig(1))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if r := c.Step(0); r.Running || r.Step != 0 {
		t.Errorf("Step before Start = %+v", r)
	}
}

func TestCoordinatorLockstepRun(t *testing.T) {
	k, _ := newSimKernel(t, 2, 4, 5)
	c, err := NewCoordinator(k, lockstepConfig(5))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	rec := &recorder{}
	c.AddListener(rec)
	c.Start()
	for c.Running() {
		c.Step(0)
	}

	if !rec.started || rec.runID != c.RunID() {
		t.Errorf("start not observed: %+v", rec)
	}
	if rec.steps != 200 {
		t.Errorf("steps = %d, want 200", rec.steps)
	}
	if rec.endReason != "max steps reached" {
		t.Errorf("end reason = %q", rec.endReason)
	}
	if len(rec.events) == 0 {
		t.Error("chaos injected no events")
	}
	if rec.checked != 200*len(DefaultProperties()) {
		t.Errorf("properties checked %d times, want %d", rec.checked, 200*len(DefaultProperties()))
	}
	if f := c.Checker().Failures(); len(f) != 0 {
		t.Errorf("property failures: %v", f)
	}
	if !reflect.DeepEqual(rec.checkpoints, []CheckpointID{1, 2, 3, 4}) {
		t.Errorf("checkpoints = %v", rec.checkpoints)
	}

	st := c.State()
	if st.Running || st.Step != 200 || st.TimeNS != 200*int64(time.Millisecond) {
		t.Errorf("state = %+v", st)
	}
	stats := c.Stats()
	var ticks uint64
	for _, cs := range stats.Kernel.CPUs {
		ticks += cs.Ticks
	}
	if ticks != 400 {
		t.Errorf("ticks = %d, want 400", ticks)
	}
	if stats.Injector.Injected != uint64(len(rec.events)) {
		t.Errorf("injected = %d, want %d", stats.Injector.Injected, len(rec.events))
	}
}

func TestCoordinatorDeterminism(t *testing.T) {
	run := func() (*recorder, kernel.Snapshot) {
		k, _ := newSimKernel(t, 3, 6, 77)
		c, err := NewCoordinator(k, lockstepConfig(77))
		if err != nil {
			t.Fatalf("NewCoordinator: %v", err)
		}
		rec := &recorder{}
		c.AddListener(rec)
		c.Start()
		for c.Running() {
			c.Step(0)
		}
		return rec, c.Snapshot()
	}
	a, sa := run()
	b, sb := run()
	if a.runID != b.runID {
		t.Errorf("run ids %v and %v differ", a.runID, b.runID)
	}
	if !reflect.DeepEqual(a.events, b.events) || a.applied != b.applied {
		t.Error("same seed injected different events")
	}
	if !reflect.DeepEqual(sa, sb) {
		t.Errorf("final snapshots differ:\n%+v\n%+v", sa, sb)
	}
}

func TestCoordinatorStopsOnFailure(t *testing.T) {
	k, _ := newSimKernel(t, 1, 1, 3)
	cfg := lockstepConfig(3)
	cfg.CheckEvery = 5
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	c.Checker().Add(Property{
		Name:  "always-fails",
		Check: func(*kernel.Snapshot) CheckResult { return Fail("boom") },
	})
	c.Start()
	var last StepResult
	for c.Running() {
		last = c.Step(0)
	}
	if last.Step != 5 || last.Running {
		t.Errorf("last step = %+v, want stop at step 5", last)
	}
	if r := c.EndReason(); !strings.Contains(r, "always-fails") {
		t.Errorf("end reason = %q", r)
	}
	if got := len(c.Checker().Failures()["always-fails"]); got != 1 {
		t.Errorf("failures recorded = %d, want 1", got)
	}
}

func TestCoordinatorMaxTime(t *testing.T) {
	k, _ := newSimKernel(t, 1, 1, 3)
	cfg := lockstepConfig(3)
	cfg.MaxSteps = 0
	cfg.MaxTimeNS = int64(10 * time.Millisecond)
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	c.Start()
	c.Step(int64(4 * time.Millisecond))
	c.Step(int64(4 * time.Millisecond))
	if !c.Running() {
		t.Fatal("run ended early")
	}
	if r := c.Step(int64(4 * time.Millisecond)); r.Running {
		t.Error("run continued past max time")
	}
	if c.EndReason() != "max time reached" {
		t.Errorf("end reason = %q", c.EndReason())
	}
}

func TestScheduledMigration(t *testing.T) {
	k, p := newSimKernel(t, 2, 3, 9)
	cfg := lockstepConfig(9)
	cfg.Probabilities = ProbabilitiesCalm()
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	rec := &recorder{}
	c.AddListener(rec)
	c.Injector().Schedule(int64(time.Millisecond), Event{Kind: EventMigrate, CPU: 0, Dst: 1})
	c.Start()
	c.Step(0)

	if len(rec.events) != 1 || rec.applied != 1 {
		t.Fatalf("events %v, %d applied, want one applied migration", rec.events, rec.applied)
	}
	moved := 0
	for _, th := range p.Threads(k.CPU(0)) {
		if th.CPU() == 1 {
			moved++
		}
	}
	if moved != 1 {
		t.Errorf("%d threads on cpu 1, want 1", moved)
	}
}

func TestWakeupSkipsUninterruptible(t *testing.T) {
	k, p := newSimKernel(t, 1, 2, 4)
	cfg := lockstepConfig(4)
	cfg.Probabilities = ProbabilitiesCalm()
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	kc := k.NewServiceCPU()
	threads := p.Threads(kc)
	stopped := threads[len(threads)-1]
	k.StopThread(kc, stopped)

	rec := &recorder{}
	c.AddListener(rec)
	c.Injector().Schedule(0, Event{Kind: EventWakeup, CPU: -1})
	c.Start()
	c.Step(0)
	if len(rec.events) != 1 || rec.applied != 0 {
		t.Errorf("events %v, %d applied, want one unapplied wakeup", rec.events, rec.applied)
	}
	if stopped.State() != kernel.StateUninterruptible {
		t.Errorf("stopped thread state = %v", stopped.State())
	}
}

func TestSpuriousInterruptIgnored(t *testing.T) {
	k, _ := newSimKernel(t, 2, 2, 6)
	cfg := lockstepConfig(6)
	cfg.Probabilities = ProbabilitiesCalm()
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	c.Injector().Schedule(0, Event{Kind: EventSpuriousIRQ, CPU: 1})
	c.Injector().Schedule(0, Event{Kind: EventSpuriousIRQ, CPU: 7})
	rec := &recorder{}
	c.AddListener(rec)
	c.Start()
	r := c.Step(0)
	if !r.Running || len(r.Events) != 2 {
		t.Fatalf("step = %+v", r)
	}
	if rec.applied != 1 {
		t.Errorf("%d spurious interrupts applied, want 1", rec.applied)
	}
	if f := c.Checker().Failures(); len(f) != 0 {
		t.Errorf("property failures: %v", f)
	}
}

func TestRunPauseResume(t *testing.T) {
	k, _ := newSimKernel(t, 1, 2, 8)
	cfg := lockstepConfig(8)
	cfg.MaxSteps = 0
	cfg.MaxTimeNS = 0
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	c.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	if st := c.State(); st.Step != 0 || !st.Paused {
		t.Errorf("paused run stepped: %+v", st)
	}
	c.Resume()
	deadline := time.Now().Add(10 * time.Second)
	for c.State().Step < 10 {
		if time.Now().After(deadline) {
			t.Fatal("resumed run did not step")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case reason := <-done:
		if reason != "cancelled" {
			t.Errorf("end reason = %q, want cancelled", reason)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
