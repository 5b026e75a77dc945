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

// Package mm provides the allocation services consumed by the kernel:
// accounted fixed-size object slabs and kernel stacks.
//
// Objects are backed by the Go heap. The slab only keeps the accounting
// the kernel relies on: a bounded capacity (exhaustion is a recoverable
// error) and exact tracking of live objects (a double free halts).
package mm

import (
	"fmt"

	"github.com/meehoyuen/NaOS/pkg/halt"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
)

// ErrNoMemory is returned when a slab or stack allocator is exhausted.
var ErrNoMemory = linuxerr.ENOMEM

// Slab is an accounted pool of objects of type T.
type Slab[T any] struct {
	name string

	mu sync.Mutex

	// limit is the maximum number of live objects, 0 for unbounded.
	limit int

	// live holds every allocated object that has not been freed. Freed
	// objects are never handed out again, so a stale pointer stays
	// recognizably dead.
	live map[*T]struct{}

	allocs uint64
	frees  uint64
}

// NewSlab returns a slab named name holding at most limit live objects
// (unbounded if limit is 0).
func NewSlab[T any](name string, limit int) *Slab[T] {
	return &Slab[T]{
		name:  name,
		limit: limit,
		live:  make(map[*T]struct{}),
	}
}

// New returns a zeroed object.
func (s *Slab[T]) New() (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.live) >= s.limit {
		return nil, fmt.Errorf("slab %s: %w", s.name, ErrNoMemory)
	}
	obj := new(T)
	s.live[obj] = struct{}{}
	s.allocs++
	return obj, nil
}

// Delete returns obj to the slab. Freeing an object the slab does not
// consider live halts the kernel.
func (s *Slab[T]) Delete(obj *T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[obj]; !ok {
		halt.Fatalf("slab %s: free of object %p not in use", s.name, obj)
	}
	delete(s.live, obj)
	s.frees++
}

// InUse reports whether obj is a live object of s.
func (s *Slab[T]) InUse(obj *T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[obj]
	return ok
}

// SlabStats is a snapshot of slab accounting.
type SlabStats struct {
	Name   string `json:"name"`
	Live   int    `json:"live"`
	Allocs uint64 `json:"allocs"`
	Frees  uint64 `json:"frees"`
}

// Stats returns the slab's accounting.
func (s *Slab[T]) Stats() SlabStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlabStats{Name: s.name, Live: len(s.live), Allocs: s.allocs, Frees: s.frees}
}
