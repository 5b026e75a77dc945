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

package mm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// KernelStackSize is the size of a thread's kernel stack.
const KernelStackSize = 8 << 10

// stackBase is where the simulated kernel stack region begins.
const stackBase uintptr = 0xffff_8800_0000_0000

// Stack is a kernel stack. Top is the initial stack pointer.
type Stack struct {
	Base uintptr
	Top  uintptr
	slot uintptr
}

// StackAllocator hands out kernel stacks from a fixed number of slots.
type StackAllocator struct {
	slab *Slab[Stack]

	mu   sync.Mutex
	next uintptr

	// slots records the slot numbers released for reuse.
	slots []uintptr
}

// NewStackAllocator returns an allocator of at most max stacks.
func NewStackAllocator(max int) *StackAllocator {
	return &StackAllocator{slab: NewSlab[Stack]("kernel-stack", max)}
}

// Alloc returns a fresh kernel stack.
func (a *StackAllocator) Alloc() (*Stack, error) {
	s, err := a.slab.New()
	if err != nil {
		return nil, fmt.Errorf("kernel stack: %w", err)
	}
	a.mu.Lock()
	var slot uintptr
	if n := len(a.slots); n > 0 {
		slot = a.slots[n-1]
		a.slots = a.slots[:n-1]
	} else {
		slot = a.next
		a.next++
	}
	a.mu.Unlock()
	s.slot = slot
	s.Base = stackBase + slot*KernelStackSize
	s.Top = s.Base + KernelStackSize
	return s, nil
}

// Free releases s. Freeing a stack twice halts the kernel.
func (a *StackAllocator) Free(s *Stack) {
	slot := s.slot
	a.slab.Delete(s)
	a.mu.Lock()
	a.slots = append(a.slots, slot)
	a.mu.Unlock()
}

// Stats returns the allocator's accounting.
func (a *StackAllocator) Stats() SlabStats {
	return a.slab.Stats()
}
