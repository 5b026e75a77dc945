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

// Package time provides the high resolution clock consumed by the scheduler
// and the timer queue.
package time

import (
	gotime "time"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// ClockID selects a clock.
type ClockID int32

const (
	// Monotonic is time since boot. It never goes backwards.
	Monotonic ClockID = iota

	// Realtime is wall clock time in nanoseconds since the Unix epoch.
	Realtime
)

// Clock is a source of time.
type Clock interface {
	// Now returns monotonic time in nanoseconds.
	Now() int64

	// GetTime returns the time of clock c in nanoseconds.
	GetTime(c ClockID) (int64, error)
}

// HostClock reads the host clocks. Monotonic time starts at zero when the
// clock is created.
type HostClock struct {
	start gotime.Time
}

// NewHostClock returns a clock backed by the host.
func NewHostClock() *HostClock {
	return &HostClock{start: gotime.Now()}
}

// Now implements Clock.Now.
func (h *HostClock) Now() int64 {
	return int64(gotime.Since(h.start))
}

// GetTime implements Clock.GetTime.
func (h *HostClock) GetTime(c ClockID) (int64, error) {
	switch c {
	case Monotonic:
		return h.Now(), nil
	case Realtime:
		return gotime.Now().UnixNano(), nil
	default:
		return 0, linuxerr.EINVAL
	}
}

// Config selects and configures a clock.
type Config struct {
	// Virtual selects a VirtualClock; otherwise the host clock is used.
	Virtual bool

	// InitialRealtime is the initial wall clock time of a virtual clock.
	InitialRealtime int64
}

// NewClock returns the clock described by cfg.
func NewClock(cfg Config) Clock {
	if cfg.Virtual {
		return NewVirtualClock(VirtualClockConfig{InitialRealtime: cfg.InitialRealtime})
	}
	return NewHostClock()
}

// AsVirtual returns c as a VirtualClock, or nil if it is not one.
func AsVirtual(c Clock) *VirtualClock {
	vc, _ := c.(*VirtualClock)
	return vc
}

var _ Clock = (*HostClock)(nil)
