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
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// sleepTimer wakes the threads sleeping until deadline.
type sleepTimer struct {
	deadline int64
	seq      uint64
	fired    atomicbitops.Uint32
	q        WaitQueue
}

func timerLess(a, b *sleepTimer) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// Sleep suspends the calling thread t for at least d of kernel clock time.
// Timers expire on scheduler ticks, so the resolution is one tick. A
// non-positive d yields.
func (k *Kernel) Sleep(t *Thread, d time.Duration) {
	if d <= 0 {
		k.Yield(t)
		return
	}
	c := k.CPUOf(t)
	tm := &sleepTimer{deadline: k.clock.Now() + d.Nanoseconds()}
	g := k.timerMu.LockIRQ(c.arch)
	k.timerSeq++
	tm.seq = k.timerSeq
	k.timers.ReplaceOrInsert(tm)
	g.Unlock()

	k.wait(t, &tm.q, func() bool { return tm.fired.Load() != 0 }, StateInterruptible)
}

// expireTimers wakes the sleepers of every timer due at now.
func (k *Kernel) expireTimers(c *CPU, now int64) {
	var due []*sleepTimer
	g := k.timerMu.LockIRQ(c.arch)
	for {
		tm, ok := k.timers.Min()
		if !ok || tm.deadline > now {
			break
		}
		k.timers.DeleteMin()
		due = append(due, tm)
	}
	g.Unlock()

	for _, tm := range due {
		tm.fired.Store(1)
		k.wakeUp(c, &tm.q)
	}
}
