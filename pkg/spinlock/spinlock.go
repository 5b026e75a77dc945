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

// Package spinlock provides busy-waiting locks usable from interrupt context.
//
// State that an interrupt handler may touch must be locked with LockIRQ (or
// RLockIRQ), which masks interrupts on the calling core before spinning. A
// plain Lock taken by thread code would deadlock against a handler on the
// same core trying to take it again.
package spinlock

import (
	"runtime"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// SpinLock is a mutual exclusion lock that spins instead of sleeping.
//
// The zero value is an unlocked lock.
type SpinLock struct {
	state atomicbitops.Uint32

	// owner is the core id plus one of an interrupt-masked holder, or 0.
	owner atomicbitops.Int32
}

// Lock spins until l is acquired.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires l if it is free.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases l. Unlocking a free lock halts the kernel.
func (l *SpinLock) Unlock() {
	l.owner.Store(0)
	if !l.state.CompareAndSwap(1, 0) {
		halt.Fatalf("spinlock: unlock of unlocked lock")
	}
}

// Locked reports whether l is currently held.
func (l *SpinLock) Locked() bool {
	return l.state.Load() != 0
}

// Guard restores the interrupt state of a core when the lock it protects
// is released.
type Guard struct {
	c      *arch.CPU
	unlock func()
}

// Unlock releases the lock, then undoes the interrupt mask taken by the
// matching LockIRQ or RLockIRQ.
func (g Guard) Unlock() {
	g.unlock()
	g.c.EnableInterrupts()
}

// LockIRQ masks interrupts on c and acquires l.
//
// Acquiring a lock already held by c halts the kernel: no other context can
// run on c to release it.
func (l *SpinLock) LockIRQ(c *arch.CPU) Guard {
	c.DisableInterrupts()
	self := int32(c.ID()) + 1
	for !l.state.CompareAndSwap(0, 1) {
		if l.owner.Load() == self {
			halt.Fatalf("spinlock: recursive acquisition on core %d", c.ID())
		}
		runtime.Gosched()
	}
	l.owner.Store(self)
	return Guard{c: c, unlock: l.Unlock}
}

// RWSpinLock is a reader/writer spinlock. Writers are preferred once waiting.
//
// The zero value is an unlocked lock.
type RWSpinLock struct {
	// readers is the number of readers holding the lock.
	readers atomicbitops.Int32

	// w serializes writers and blocks new readers while held.
	w SpinLock
}

// Lock acquires the lock for writing.
func (l *RWSpinLock) Lock() {
	l.w.Lock()
	for l.readers.Load() != 0 {
		runtime.Gosched()
	}
}

// Unlock releases a write lock.
func (l *RWSpinLock) Unlock() {
	l.w.Unlock()
}

// RLock acquires the lock for reading.
func (l *RWSpinLock) RLock() {
	for {
		for l.w.Locked() {
			runtime.Gosched()
		}
		l.readers.Add(1)
		if !l.w.Locked() {
			return
		}
		l.readers.Add(-1)
	}
}

// RUnlock releases a read lock.
func (l *RWSpinLock) RUnlock() {
	if l.readers.Add(-1) < 0 {
		halt.Fatalf("rwspinlock: read unlock of unlocked lock")
	}
}

// LockIRQ masks interrupts on c and acquires the lock for writing.
func (l *RWSpinLock) LockIRQ(c *arch.CPU) Guard {
	c.DisableInterrupts()
	self := int32(c.ID()) + 1
	for !l.w.state.CompareAndSwap(0, 1) {
		if l.w.owner.Load() == self {
			halt.Fatalf("rwspinlock: recursive write acquisition on core %d", c.ID())
		}
		runtime.Gosched()
	}
	l.w.owner.Store(self)
	for l.readers.Load() != 0 {
		runtime.Gosched()
	}
	return Guard{c: c, unlock: l.Unlock}
}

// RLockIRQ masks interrupts on c and acquires the lock for reading.
func (l *RWSpinLock) RLockIRQ(c *arch.CPU) Guard {
	c.DisableInterrupts()
	if l.w.owner.Load() == int32(c.ID())+1 {
		halt.Fatalf("rwspinlock: read acquisition on core %d holding the write lock", c.ID())
	}
	l.RLock()
	return Guard{c: c, unlock: l.RUnlock}
}
