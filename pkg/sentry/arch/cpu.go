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

// Package arch is the simulated architecture layer: per-core interrupt
// enable state, preemption counting, latched interrupt lines, the per-core
// soft interrupt pending bitmap, and register context switching.
//
// A CPU is driven by exactly one goroutine at a time (whichever goroutine
// currently holds that core's run permit, see Switcher). Interrupt lines
// may be raised from any goroutine; they are latched and delivered by the
// owning goroutine at the next Deliver with interrupts enabled.
package arch

import (
	"math/bits"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// NumVectors is the number of hardware interrupt vectors.
const NumVectors = 256

// MaxSoftVectors bounds the per-core soft pending bitmap.
const MaxSoftVectors = 64

// Regs is the raw register snapshot handed to interrupt handlers.
type Regs struct {
	// Vector is the interrupt vector being serviced.
	Vector uint32

	// SP is the interrupted stack pointer.
	SP uintptr

	// KernelMode is true if the interrupted context ran in kernel mode.
	KernelMode bool

	// ErrorCode is the exception error code, if any.
	ErrorCode uint64
}

// InterruptHandler is invoked by Deliver for each delivered vector.
type InterruptHandler func(c *CPU, regs *Regs, extra uint64)

// Vectors are the interrupt entry and return callbacks installed on a core.
//
// Entry runs with interrupts masked. Exit runs after the mask has been
// restored and is where deferred work and preemption happen.
type Vectors struct {
	Entry InterruptHandler
	Exit  InterruptHandler
}

// CPU is one simulated processor core.
type CPU struct {
	id int

	// irqDepth is the interrupt-mask nesting level. Interrupts are enabled
	// iff irqDepth is zero.
	irqDepth atomicbitops.Int32

	// preempt is the preempt-disable nesting level.
	preempt atomicbitops.Int32

	// hardPending holds one latched bit per hardware vector.
	hardPending [NumVectors / 64]atomicbitops.Uint64

	// extra is the architecture datum handed along with the next delivery.
	extra atomicbitops.Uint64

	// softPending holds one bit per soft vector.
	softPending atomicbitops.Uint64

	// inSoft is set while soft vectors are being drained on this core.
	inSoft atomicbitops.Uint32

	// wake is signalled whenever a hardware line is raised.
	wake chan struct{}

	// done is closed by Stop.
	done chan struct{}

	vectors Vectors
}

// NewCPU returns a core with interrupts enabled and nothing pending.
func NewCPU(id int) *CPU {
	return &CPU{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// ID returns the core id.
func (c *CPU) ID() int {
	return c.id
}

// InstallVectors sets the interrupt entry and exit callbacks.
func (c *CPU) InstallVectors(v Vectors) {
	c.vectors = v
}

// DisableInterrupts masks interrupts on c, nesting.
func (c *CPU) DisableInterrupts() {
	c.irqDepth.Add(1)
}

// EnableInterrupts undoes one DisableInterrupts.
func (c *CPU) EnableInterrupts() {
	d := c.irqDepth.Add(-1)
	halt.Assert(d >= 0, "cpu %d: interrupt mask underflow", c.id)
}

// InterruptsEnabled reports whether interrupts are unmasked on c.
func (c *CPU) InterruptsEnabled() bool {
	return c.irqDepth.Load() == 0
}

// IRQDepth returns the interrupt-mask nesting level.
func (c *CPU) IRQDepth() int32 {
	return c.irqDepth.Load()
}

// DisablePreempt increments the preempt-disable count.
func (c *CPU) DisablePreempt() {
	c.preempt.Add(1)
}

// EnablePreempt decrements the preempt-disable count.
func (c *CPU) EnablePreempt() {
	d := c.preempt.Add(-1)
	halt.Assert(d >= 0, "cpu %d: preempt count underflow", c.id)
}

// Preemptible reports whether neither preemption nor interrupts are
// disabled on c.
func (c *CPU) Preemptible() bool {
	return c.preempt.Load() == 0 && c.irqDepth.Load() == 0
}

// PreemptCount returns the preempt-disable nesting level.
func (c *CPU) PreemptCount() int32 {
	return c.preempt.Load()
}

// Raise latches hardware vector v on c. Safe from any goroutine.
func (c *CPU) Raise(v uint8) {
	c.RaiseWithData(v, 0)
}

// RaiseWithData latches vector v and records the architecture datum (for
// example a faulting address) handed to handlers on delivery.
func (c *CPU) RaiseWithData(v uint8, extra uint64) {
	if extra != 0 {
		c.extra.Store(extra)
	}
	word := &c.hardPending[v/64]
	bit := uint64(1) << (v % 64)
	for {
		old := word.Load()
		if old&bit != 0 || word.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// HardPending reports whether any hardware line is latched.
func (c *CPU) HardPending() bool {
	for i := range c.hardPending {
		if c.hardPending[i].Load() != 0 {
			return true
		}
	}
	return false
}

// takeHighest clears and returns the highest latched vector.
func (c *CPU) takeHighest() (uint32, bool) {
	for i := len(c.hardPending) - 1; i >= 0; i-- {
		word := &c.hardPending[i]
		for {
			old := word.Load()
			if old == 0 {
				break
			}
			hi := 63 - bits.LeadingZeros64(old)
			if word.CompareAndSwap(old, old&^(uint64(1)<<hi)) {
				return uint32(i*64 + hi), true
			}
		}
	}
	return 0, false
}

// Deliver delivers the highest latched vector, provided interrupts are
// enabled on c. It must be called by the goroutine currently driving c and
// reports whether a vector was delivered.
//
// Only one vector is delivered per call: the Exit callback may switch
// contexts, after which the caller may be running on another core.
func (c *CPU) Deliver(kernelMode bool) bool {
	if !c.InterruptsEnabled() {
		return false
	}
	v, ok := c.takeHighest()
	if !ok {
		return false
	}
	regs := Regs{Vector: v, KernelMode: kernelMode}
	extra := c.extra.Swap(0)
	c.DisableInterrupts()
	if c.vectors.Entry != nil {
		c.vectors.Entry(c, &regs, extra)
	}
	c.EnableInterrupts()
	if c.vectors.Exit != nil {
		c.vectors.Exit(c, &regs, extra)
	}
	return true
}

// WaitForInterrupt blocks until a hardware line is raised or c is stopped.
// It returns false once c has been stopped, even with lines still pending.
func (c *CPU) WaitForInterrupt() bool {
	if c.Stopped() {
		return false
	}
	if c.HardPending() {
		// The pending line already accounts for its wake token.
		select {
		case <-c.wake:
		default:
		}
		return true
	}
	select {
	case <-c.wake:
		return !c.Stopped()
	case <-c.done:
		return false
	}
}

// Stop makes WaitForInterrupt return false from now on.
func (c *CPU) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Stopped reports whether Stop has been called.
func (c *CPU) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SetSoftPending sets the pending bit of soft vector v.
func (c *CPU) SetSoftPending(v uint) {
	bit := uint64(1) << v
	for {
		old := c.softPending.Load()
		if old&bit != 0 || c.softPending.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// SoftPending reports whether soft vector v is pending.
func (c *CPU) SoftPending(v uint) bool {
	return c.softPending.Load()&(uint64(1)<<v) != 0
}

// TestAndClearSoftPending atomically clears the pending bit of v and
// reports whether it was set.
func (c *CPU) TestAndClearSoftPending(v uint) bool {
	bit := uint64(1) << v
	for {
		old := c.softPending.Load()
		if old&bit == 0 {
			return false
		}
		if c.softPending.CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// SoftPendingMask returns the whole soft pending bitmap.
func (c *CPU) SoftPendingMask() uint64 {
	return c.softPending.Load()
}

// EnterSoftIRQ marks c as draining soft vectors. It returns false if a drain
// is already in progress on c.
func (c *CPU) EnterSoftIRQ() bool {
	return c.inSoft.CompareAndSwap(0, 1)
}

// LeaveSoftIRQ ends a drain started by EnterSoftIRQ.
func (c *CPU) LeaveSoftIRQ() {
	c.inSoft.Store(0)
}

// InSoftIRQ reports whether c is draining soft vectors.
func (c *CPU) InSoftIRQ() bool {
	return c.inSoft.Load() != 0
}
