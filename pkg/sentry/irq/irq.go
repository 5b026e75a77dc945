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

// Package irq dispatches hardware interrupt vectors to registered handlers
// and drains deferred soft vectors.
//
// Hard handlers run at interrupt entry with interrupts masked and preemption
// disabled; they should do the minimum and raise a soft vector for the rest.
// Soft vectors are drained on the interrupt return path by CheckAndWakeup.
package irq

import (
	"reflect"

	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"github.com/meehoyuen/NaOS/pkg/spinlock"
	"gvisor.dev/gvisor/pkg/log"
)

// Soft vector numbers.
const (
	SoftTimer uint = iota
	SoftSched
	SoftTasklet
	SoftNet
	SoftBlock

	// NumSoftVectors is the size of the soft vector table.
	NumSoftVectors = 8
)

// drainPasses bounds the work done by one DoSoftIRQ call when handlers keep
// re-raising their own vector.
const drainPasses = 4

// Result is returned by a hard handler.
type Result int

const (
	// NotHandled means the handler did not recognize the interrupt.
	NotHandled Result = iota

	// Handled means the handler serviced the interrupt.
	Handled
)

// Handler services a hardware vector. extra is the architecture datum
// delivered with the interrupt, data is the value given at registration.
type Handler func(c *arch.CPU, regs *arch.Regs, extra uint64, data any) Result

// SoftHandler services a soft vector.
type SoftHandler func(c *arch.CPU, vector uint, data any)

type hardEntry struct {
	fn   Handler
	key  uintptr
	data any
}

type softEntry struct {
	fn   SoftHandler
	key  uintptr
	data any
}

type hardList struct {
	mu       spinlock.SpinLock
	handlers []hardEntry
}

type softList struct {
	mu       spinlock.SpinLock
	handlers []softEntry
}

// Dispatcher holds the hard and soft handler registries.
type Dispatcher struct {
	hard [arch.NumVectors]hardList
	soft [NumSoftVectors]softList
}

// NewDispatcher returns a dispatcher with empty registries.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func funcKey(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Register appends fn to the handler list of hardware vector v. Handlers are
// invoked in registration order.
func (d *Dispatcher) Register(c *arch.CPU, v uint8, fn Handler, data any) {
	l := &d.hard[v]
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	l.handlers = append(l.handlers, hardEntry{fn: fn, key: funcKey(fn), data: data})
}

// Unregister removes the first registration of fn from vector v. Removing a
// handler that is not registered does nothing.
func (d *Dispatcher) Unregister(c *arch.CPU, v uint8, fn Handler) {
	l := &d.hard[v]
	key := funcKey(fn)
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	for i, e := range l.handlers {
		if e.key == key {
			l.handlers = append(l.handlers[:i:i], l.handlers[i+1:]...)
			return
		}
	}
}

// RegisterSoft appends fn to the handler list of soft vector v.
func (d *Dispatcher) RegisterSoft(c *arch.CPU, v uint, fn SoftHandler, data any) {
	l := &d.soft[v]
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	l.handlers = append(l.handlers, softEntry{fn: fn, key: funcKey(fn), data: data})
}

// UnregisterSoft removes the first registration of fn from soft vector v.
func (d *Dispatcher) UnregisterSoft(c *arch.CPU, v uint, fn SoftHandler) {
	l := &d.soft[v]
	key := funcKey(fn)
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	for i, e := range l.handlers {
		if e.key == key {
			l.handlers = append(l.handlers[:i:i], l.handlers[i+1:]...)
			return
		}
	}
}

// DoIRQ runs every handler registered for regs.Vector and reports whether
// any of them handled it. It is called at interrupt entry.
func (d *Dispatcher) DoIRQ(c *arch.CPU, regs *arch.Regs, extra uint64) Result {
	c.DisablePreempt()
	defer c.EnablePreempt()

	l := &d.hard[regs.Vector%arch.NumVectors]
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	if len(l.handlers) == 0 {
		log.Debugf("cpu %d: no handler for vector %d", c.ID(), regs.Vector)
		return NotHandled
	}
	res := NotHandled
	for _, e := range l.handlers {
		if e.fn(c, regs, extra, e.data) == Handled {
			res = Handled
		}
	}
	return res
}

// Raise marks soft vector v pending on c.
func (d *Dispatcher) Raise(c *arch.CPU, v uint) {
	c.DisableInterrupts()
	c.SetSoftPending(v)
	c.EnableInterrupts()
}

// DoSoftIRQ drains the soft vectors pending on c. Each pass clears a
// vector's pending bit before running its handlers, so a handler that
// raises its own vector runs again on the next pass. At most drainPasses
// passes are made; work raised after that stays pending for the next drain.
//
// A drain that starts while another is in progress on c returns at once.
func (d *Dispatcher) DoSoftIRQ(c *arch.CPU) {
	if !c.EnterSoftIRQ() {
		return
	}
	defer c.LeaveSoftIRQ()
	for pass := 0; pass < drainPasses; pass++ {
		if c.SoftPendingMask() == 0 {
			return
		}
		for v := uint(0); v < NumSoftVectors; v++ {
			if !c.TestAndClearSoftPending(v) {
				continue
			}
			d.runSoft(c, v)
		}
	}
}

// runSoft invokes the handlers of v with the list lock dropped around each
// call.
func (d *Dispatcher) runSoft(c *arch.CPU, v uint) {
	l := &d.soft[v]
	for i := 0; ; i++ {
		g := l.mu.LockIRQ(c)
		if i >= len(l.handlers) {
			g.Unlock()
			return
		}
		e := l.handlers[i]
		g.Unlock()
		e.fn(c, v, e.data)
	}
}

// CheckAndWakeup drains soft vectors inline on the interrupt return path if
// c has a current task or the interrupted context was in kernel mode.
func (d *Dispatcher) CheckAndWakeup(c *arch.CPU, regs *arch.Regs, hasTask bool) {
	if hasTask || regs.KernelMode {
		d.DoSoftIRQ(c)
	}
}

// HandlerCount returns the number of handlers registered for hardware
// vector v.
func (d *Dispatcher) HandlerCount(c *arch.CPU, v uint8) int {
	l := &d.hard[v]
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	return len(l.handlers)
}

// SoftHandlerCount returns the number of handlers registered for soft
// vector v.
func (d *Dispatcher) SoftHandlerCount(c *arch.CPU, v uint) int {
	l := &d.soft[v]
	g := l.mu.LockIRQ(c)
	defer g.Unlock()
	return len(l.handlers)
}
