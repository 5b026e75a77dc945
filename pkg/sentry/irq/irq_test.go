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

package irq

import (
	"sync"
	"testing"

	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

func installDispatcher(c *arch.CPU, d *Dispatcher) {
	c.InstallVectors(arch.Vectors{
		Entry: func(c *arch.CPU, regs *arch.Regs, extra uint64) {
			d.DoIRQ(c, regs, extra)
		},
		Exit: func(c *arch.CPU, regs *arch.Regs, extra uint64) {
			d.CheckAndWakeup(c, regs, true)
		},
	})
}

func TestDoIRQHandled(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	var order []int
	first := func(c *arch.CPU, regs *arch.Regs, extra uint64, data any) Result {
		order = append(order, data.(int))
		return NotHandled
	}
	second := func(c *arch.CPU, regs *arch.Regs, extra uint64, data any) Result {
		order = append(order, data.(int))
		if c.Preemptible() {
			t.Error("handler ran preemptible")
		}
		return Handled
	}
	d.Register(c, 33, first, 1)
	d.Register(c, 33, second, 2)

	if got := d.DoIRQ(c, &arch.Regs{Vector: 33}, 0); got != Handled {
		t.Errorf("DoIRQ = %v, want Handled", got)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handler order = %v, want [1 2]", order)
	}
	if c.PreemptCount() != 0 {
		t.Errorf("PreemptCount after DoIRQ = %d, want 0", c.PreemptCount())
	}
}

func TestDoIRQNoHandler(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	if got := d.DoIRQ(c, &arch.Regs{Vector: 7}, 0); got != NotHandled {
		t.Errorf("DoIRQ on empty vector = %v, want NotHandled", got)
	}
	if !c.Preemptible() {
		t.Error("preemption not restored after empty dispatch")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	h := func(*arch.CPU, *arch.Regs, uint64, any) Result { return Handled }
	s := func(*arch.CPU, uint, any) {}
	d.Register(c, 9, h, nil)
	d.RegisterSoft(c, SoftTasklet, s, nil)
	d.Unregister(c, 9, h)
	d.Unregister(c, 9, h)
	d.UnregisterSoft(c, SoftTasklet, s)
	d.UnregisterSoft(c, SoftTasklet, s)
	if n := d.HandlerCount(c, 9); n != 0 {
		t.Errorf("HandlerCount = %d, want 0", n)
	}
	if n := d.SoftHandlerCount(c, SoftTasklet); n != 0 {
		t.Errorf("SoftHandlerCount = %d, want 0", n)
	}
}

func TestSoftBeforeLowerUrgencyHard(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	installDispatcher(c, d)

	var trace []string
	d.Register(c, 200, func(c *arch.CPU, regs *arch.Regs, extra uint64, data any) Result {
		trace = append(trace, "hard200")
		d.Raise(c, SoftTimer)
		return Handled
	}, nil)
	d.Register(c, 100, func(c *arch.CPU, regs *arch.Regs, extra uint64, data any) Result {
		trace = append(trace, "hard100")
		return Handled
	}, nil)
	d.RegisterSoft(c, SoftTimer, func(c *arch.CPU, v uint, data any) {
		trace = append(trace, "soft")
	}, nil)

	c.Raise(100)
	c.Raise(200)
	for c.Deliver(true) {
	}

	want := []string{"hard200", "soft", "hard100"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("trace[%d] = %q, want %q", i, trace[i], want[i])
		}
	}
}

func TestSoftAtMostOncePerRaise(t *testing.T) {
	const (
		cores  = 4
		raises = 500
	)
	d := NewDispatcher()
	var counts [cores]atomicbitops.Uint64
	boot := arch.NewCPU(0)
	d.RegisterSoft(boot, SoftTasklet, func(c *arch.CPU, v uint, data any) {
		counts[c.ID()].Add(1)
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < cores; i++ {
		wg.Add(1)
		go func(c *arch.CPU) {
			defer wg.Done()
			for j := 0; j < raises; j++ {
				d.Raise(c, SoftTasklet)
				d.DoSoftIRQ(c)
			}
		}(arch.NewCPU(i))
	}
	wg.Wait()
	for i := range counts {
		if got := counts[i].Load(); got != raises {
			t.Errorf("core %d ran handler %d times, want %d", i, got, raises)
		}
	}
}

func TestSoftRaisesCoalesce(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	n := 0
	d.RegisterSoft(c, SoftSched, func(*arch.CPU, uint, any) { n++ }, nil)
	d.Raise(c, SoftSched)
	d.Raise(c, SoftSched)
	d.DoSoftIRQ(c)
	d.DoSoftIRQ(c)
	if n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestSoftDrainBounded(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	n := 0
	d.RegisterSoft(c, SoftTasklet, func(c *arch.CPU, v uint, data any) {
		n++
		d.Raise(c, v)
	}, nil)
	d.Raise(c, SoftTasklet)
	d.DoSoftIRQ(c)
	if n != drainPasses {
		t.Errorf("handler ran %d times, want %d", n, drainPasses)
	}
	if !c.SoftPending(SoftTasklet) {
		t.Error("re-raised vector should remain pending after bounded drain")
	}
}

func TestCheckAndWakeup(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	n := 0
	d.RegisterSoft(c, SoftTimer, func(*arch.CPU, uint, any) { n++ }, nil)

	d.Raise(c, SoftTimer)
	d.CheckAndWakeup(c, &arch.Regs{KernelMode: false}, false)
	if n != 0 {
		t.Errorf("drained from user mode without a task: n = %d", n)
	}
	d.CheckAndWakeup(c, &arch.Regs{KernelMode: true}, false)
	if n != 1 {
		t.Errorf("n = %d after kernel-mode return, want 1", n)
	}
}

func TestSoftHandlerMayUnregister(t *testing.T) {
	d := NewDispatcher()
	c := arch.NewCPU(0)
	n := 0
	var self SoftHandler
	self = func(c *arch.CPU, v uint, data any) {
		n++
		d.UnregisterSoft(c, v, self)
	}
	d.RegisterSoft(c, SoftBlock, self, nil)
	d.Raise(c, SoftBlock)
	d.DoSoftIRQ(c)
	d.Raise(c, SoftBlock)
	d.DoSoftIRQ(c)
	if n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}
