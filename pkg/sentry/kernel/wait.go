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
	"github.com/meehoyuen/NaOS/pkg/spinlock"
)

// WaitQueue is a list of threads parked until a condition holds.
//
// The zero value is an empty queue.
type WaitQueue struct {
	mu      spinlock.SpinLock
	waiters []*Thread
}

// Len returns the number of parked threads.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// wait parks t on q until cond returns true. cond is evaluated with q
// locked, so a waker that changes the condition before calling wakeUp
// cannot be missed.
func (k *Kernel) wait(t *Thread, q *WaitQueue, cond func() bool, state ThreadState) {
	for {
		c := k.CPUOf(t)
		g := q.mu.LockIRQ(c.arch)
		if cond() {
			g.Unlock()
			return
		}
		queued := false
		for _, w := range q.waiters {
			if w == t {
				queued = true
				break
			}
		}
		if !queued {
			q.waiters = append(q.waiters, t)
		}
		k.setState(c, t, state)
		g.Unlock()

		k.Schedule(c, 0)
	}
}

// wakeUp makes every thread parked on q ready.
func (k *Kernel) wakeUp(c *CPU, q *WaitQueue) {
	g := q.mu.LockIRQ(c.arch)
	waiters := q.waiters
	q.waiters = nil
	for _, w := range waiters {
		k.Wake(c, w)
	}
	g.Unlock()
}
