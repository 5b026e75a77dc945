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
	"sync/atomic"

	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// CPU is the kernel's per-core state.
type CPU struct {
	arch *arch.CPU
	id   int

	// current is the thread whose context owns the core.
	current atomic.Pointer[Thread]

	// idle runs when nothing else is runnable. It is nil on service cores.
	idle *Thread

	// prev is the thread switched away from. It is only touched by the
	// goroutine driving the core, and is consumed by finishSwitch on the
	// other side of the switch.
	prev *Thread

	// Load accounting, in clock nanoseconds.
	lastSched atomicbitops.Int64
	lastTick  atomicbitops.Int64
	busyNS    atomicbitops.Int64
	idleNS    atomicbitops.Int64
	ticks     atomicbitops.Uint64
	switches  atomicbitops.Uint64
}

// Arch returns the simulated hardware core.
func (c *CPU) Arch() *arch.CPU {
	return c.arch
}

// ID returns the core id.
func (c *CPU) ID() int {
	return c.id
}

// Current returns the thread running on the core.
func (c *CPU) Current() *Thread {
	return c.current.Load()
}

// Idle returns the core's idle thread.
func (c *CPU) Idle() *Thread {
	return c.idle
}

// accountTick charges the time since the previous tick to the running or
// idle bucket.
func (c *CPU) accountTick(now int64, idle bool) {
	last := c.lastTick.Swap(now)
	c.ticks.Add(1)
	if last == 0 || now < last {
		return
	}
	if idle {
		c.idleNS.Add(now - last)
	} else {
		c.busyNS.Add(now - last)
	}
}

func (c *CPU) recordSwitch(now int64) {
	c.lastSched.Store(now)
	c.switches.Add(1)
}

// CPUStats is the load accounting of one core.
type CPUStats struct {
	ID        int    `json:"id"`
	Current   string `json:"current"`
	Ticks     uint64 `json:"ticks"`
	Switches  uint64 `json:"switches"`
	BusyNS    int64  `json:"busy_ns"`
	IdleNS    int64  `json:"idle_ns"`
	LastSched int64  `json:"last_sched"`
}

// Stats returns the core's load accounting.
func (c *CPU) Stats() CPUStats {
	s := CPUStats{
		ID:        c.id,
		Ticks:     c.ticks.Load(),
		Switches:  c.switches.Load(),
		BusyNS:    c.busyNS.Load(),
		IdleNS:    c.idleNS.Load(),
		LastSched: c.lastSched.Load(),
	}
	if cur := c.Current(); cur != nil {
		s.Current = cur.String()
	}
	return s
}
