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

package arch

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

var nextContextID atomicbitops.Uint64

// Context is a thread's register context. In this architecture it is a
// goroutine that runs only while it holds its permit.
type Context struct {
	id uint64

	// entry is run the first time the context is switched to.
	entry func()

	// permit receives the id of the core handing control to this context.
	permit chan int

	started atomicbitops.Uint32
	dead    atomicbitops.Uint32

	switches atomicbitops.Uint64
}

// NewContext returns a context that will run entry on first switch.
func NewContext(entry func()) *Context {
	return &Context{
		id:     nextContextID.Add(1),
		entry:  entry,
		permit: make(chan int, 1),
	}
}

// NewBootContext returns the context of code that is already running, such
// as a core's boot goroutine which becomes its idle thread.
func NewBootContext() *Context {
	x := NewContext(nil)
	x.started.Store(1)
	return x
}

// ID returns a unique context id.
func (x *Context) ID() uint64 {
	return x.id
}

// MarkDead records that the owning thread has exited. The next switch away
// from a dead context terminates its goroutine.
func (x *Context) MarkDead() {
	x.dead.Store(1)
}

// Dead reports whether MarkDead was called.
func (x *Context) Dead() bool {
	return x.dead.Load() != 0
}

// Switches returns how many times this context was switched to.
func (x *Context) Switches() uint64 {
	return x.switches.Load()
}

// Switcher performs register context switches on a core.
type Switcher interface {
	// Switch saves from and resumes to on core c. It returns when from is
	// next resumed (possibly on another core).
	Switch(c *CPU, from, to *Context)
}

// GoroutineSwitcher hands the run permit of a core between goroutines.
type GoroutineSwitcher struct {
	// PinHostCPUs pins each resumed goroutine to the host CPU matching the
	// simulated core id.
	PinHostCPUs bool
}

// Switch implements Switcher.Switch.
func (s *GoroutineSwitcher) Switch(c *CPU, from, to *Context) {
	to.switches.Add(1)
	if to.started.CompareAndSwap(0, 1) {
		go s.run(to)
	}
	to.permit <- c.ID()
	if from.Dead() {
		runtime.Goexit()
	}
	s.resumed(<-from.permit)
}

// Resume blocks the calling goroutine until x is switched to. It is used by
// a boot goroutine that hands its core to the first thread.
func (s *GoroutineSwitcher) Resume(x *Context) {
	s.resumed(<-x.permit)
}

func (s *GoroutineSwitcher) run(x *Context) {
	s.resumed(<-x.permit)
	x.entry()
}

func (s *GoroutineSwitcher) resumed(cpu int) {
	if !s.PinHostCPUs {
		return
	}
	if err := PinToHostCPU(cpu); err != nil {
		log.Warningf("pinning core %d to host cpu: %v", cpu, err)
	}
}

// SwitchRecord is one switch observed by a RecordingSwitcher.
type SwitchRecord struct {
	CPU  int
	From uint64
	To   uint64
}

// RecordingSwitcher records switches without transferring control. The
// caller keeps running as if the target had been resumed and immediately
// switched back; it is used for single-goroutine tests and dry runs.
type RecordingSwitcher struct {
	mu      sync.Mutex
	records []SwitchRecord
}

// Switch implements Switcher.Switch.
func (s *RecordingSwitcher) Switch(c *CPU, from, to *Context) {
	to.switches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, SwitchRecord{CPU: c.ID(), From: from.id, To: to.id})
}

// Records returns a copy of the recorded switches.
func (s *RecordingSwitcher) Records() []SwitchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SwitchRecord, len(s.records))
	copy(out, s.records)
	return out
}

var (
	_ Switcher = (*GoroutineSwitcher)(nil)
	_ Switcher = (*RecordingSwitcher)(nil)
)
