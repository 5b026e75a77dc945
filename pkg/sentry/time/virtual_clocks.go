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

package time

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
)

// VirtualClock is a Clock that only advances when told to. The simulator
// advances it once per step, so the same step sequence always observes the
// same times.
type VirtualClock struct {
	mu sync.RWMutex

	// monotonic is nanoseconds since boot.
	monotonic int64

	// realtime is nanoseconds since the Unix epoch.
	realtime int64
}

// VirtualClockConfig contains configuration for VirtualClock.
type VirtualClockConfig struct {
	InitialMonotonic int64
	InitialRealtime  int64
}

// NewVirtualClock returns a virtual clock.
func NewVirtualClock(cfg VirtualClockConfig) *VirtualClock {
	return &VirtualClock{
		monotonic: cfg.InitialMonotonic,
		realtime:  cfg.InitialRealtime,
	}
}

// Now implements Clock.Now.
func (vc *VirtualClock) Now() int64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.monotonic
}

// GetTime implements Clock.GetTime.
func (vc *VirtualClock) GetTime(c ClockID) (int64, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	switch c {
	case Monotonic:
		return vc.monotonic, nil
	case Realtime:
		return vc.realtime, nil
	default:
		return 0, linuxerr.EINVAL
	}
}

// Advance moves both clocks forward by deltaNS, which must not be negative.
func (vc *VirtualClock) Advance(deltaNS int64) {
	if deltaNS < 0 {
		panic(fmt.Sprintf("VirtualClock.Advance: negative delta %d", deltaNS))
	}
	if deltaNS == 0 {
		return
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.monotonic += deltaNS
	vc.realtime += deltaNS
}

// VirtualClockState is the complete clock state.
type VirtualClockState struct {
	Monotonic int64 `json:"monotonic"`
	Realtime  int64 `json:"realtime"`
}

// GetState returns the clock state.
func (vc *VirtualClock) GetState() VirtualClockState {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return VirtualClockState{Monotonic: vc.monotonic, Realtime: vc.realtime}
}

var _ Clock = (*VirtualClock)(nil)
