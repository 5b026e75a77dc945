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
	"testing"
	"time"
)

func readyKeys(k *Kernel, c *CPU, cpu int, cl Class) []string {
	var keys []string
	for _, q := range k.Snapshot(c).CPUs[cpu].Queues {
		if q.Class != cl {
			continue
		}
		for _, t := range q.Ready {
			keys = append(keys, t.Key)
		}
	}
	return keys
}

func TestRoundRobinPreemptsFair(t *testing.T) {
	k, vc, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "worker", retArg, 0, 0)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	main := runFirst(t, k, c)

	rt, err := k.CreateThread(c, p, "rt", retArg, 0, CreateRealTimeRR)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if rt.Class() != ClassRoundRobin {
		t.Fatalf("class = %v, want %v", rt.Class(), ClassRoundRobin)
	}
	vc.Advance(time.Microsecond.Nanoseconds())
	k.Tick(c)
	if !main.Has(AttrNeedResched) {
		t.Fatal("fair thread not preempted by a ready round-robin thread")
	}
	k.Schedule(c, 0)
	if c.Current() != rt {
		t.Errorf("current = %v, want %v", c.Current(), rt)
	}
}

func TestRoundRobinRotation(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	k.SetAttribute(ClassRoundRobin, AttrNameTimeslice, nil, 3)
	if got := k.GetAttribute(ClassRoundRobin, AttrNameTimeslice, nil); got != 3 {
		t.Fatalf("timeslice = %d, want 3", got)
	}
	p, err := k.CreateKernelProcess(c, "rt", retArg, 0, CreateRealTimeRR)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	r1 := p.MainThread(c)
	r2, err := k.CreateThread(c, p, "rt2", retArg, 0, CreateRealTimeRR)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if got := runFirst(t, k, c); got != r1 {
		t.Fatalf("current = %v, want %v", got, r1)
	}

	for i := 0; i < 2; i++ {
		k.Tick(c)
		if r1.Has(AttrNeedResched) {
			t.Fatalf("tick %d: rotated before the timeslice ran out", i)
		}
	}
	k.Tick(c)
	if !r1.Has(AttrNeedResched) {
		t.Fatal("not rotated when the timeslice ran out")
	}
	k.Schedule(c, 0)
	if c.Current() != r2 {
		t.Errorf("current = %v, want %v", c.Current(), r2)
	}
	if got := readyKeys(k, c, 0, ClassRoundRobin); len(got) != 1 || got[0] != r1.String() {
		t.Errorf("ready queue = %v, want [%v]", got, r1)
	}
	if got := k.GetAttribute(ClassRoundRobin, AttrNameRotations, nil); got != 1 {
		t.Errorf("rotations = %d, want 1", got)
	}
}

func TestRoundRobinAloneKeepsRunning(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	if _, err := k.CreateKernelProcess(c, "rt", retArg, 0, CreateRealTimeRR); err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	r := runFirst(t, k, c)
	for i := 0; i < 3*DefaultTimeslice; i++ {
		k.Tick(c)
	}
	if r.Has(AttrNeedResched) {
		t.Error("lone round-robin thread asked to reschedule")
	}
}

func TestRoundRobinPriorityOrder(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "rt", retArg, 0, CreateRealTimeRR)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	a := p.MainThread(c)
	b, err := k.CreateThread(c, p, "b", retArg, 0, CreateRealTimeRR)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	k.SetPriority(c, a, 20, 0)
	k.SetPriority(c, b, 10, 0)
	got := readyKeys(k, c, 0, ClassRoundRobin)
	if len(got) != 2 || got[0] != b.String() || got[1] != a.String() {
		t.Errorf("ready queue = %v, want [%v %v]", got, b, a)
	}
	if static, _ := b.Priority(); static != 10 {
		t.Errorf("static priority = %d, want 10", static)
	}
	if runFirst(t, k, c) != b {
		t.Errorf("current = %v, want %v", c.Current(), b)
	}
}

func TestRoundRobinPerThreadTimeslice(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	c := k.CPU(0)
	p, err := k.CreateKernelProcess(c, "rt", retArg, 0, CreateRealTimeRR)
	if err != nil {
		t.Fatalf("CreateKernelProcess: %v", err)
	}
	r := p.MainThread(c)
	k.SetAttribute(ClassRoundRobin, AttrNameTimeslice, r, 2)
	if got := k.GetAttribute(ClassRoundRobin, AttrNameTimeslice, r); got != 2 {
		t.Errorf("thread timeslice = %d, want 2", got)
	}
	if got := k.GetAttribute(ClassRoundRobin, AttrNameTimeslice, nil); got != DefaultTimeslice {
		t.Errorf("policy timeslice = %d, want %d", got, DefaultTimeslice)
	}
	// Unknown attributes are ignored.
	k.SetAttribute(ClassRoundRobin, "bogus", nil, 1)
	k.SetAttribute(ClassFair, AttrNameTimeslice, nil, 1)
	if got := k.GetAttribute(ClassFair, AttrNameTimeslice, nil); got != 0 {
		t.Errorf("fair timeslice = %d, want 0", got)
	}
}
