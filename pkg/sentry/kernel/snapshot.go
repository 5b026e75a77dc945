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
	"fmt"
	"sort"
)

// ThreadSnapshot is the scheduling state of one thread.
type ThreadSnapshot struct {
	PID   ProcessID `json:"pid"`
	TID   ThreadID  `json:"tid"`
	Key   string    `json:"key"`
	Name  string    `json:"name"`
	State string    `json:"state"`
	Class string    `json:"class"`
	CPU   int       `json:"cpu"`
	VTime int64     `json:"vtime"`
	OnCPU bool      `json:"on_cpu"`
	Attrs uint32    `json:"attrs"`
}

func snapshotThread(t *Thread) ThreadSnapshot {
	return ThreadSnapshot{
		PID:   t.process.pid,
		TID:   t.tid,
		Key:   t.String(),
		Name:  t.name,
		State: t.State().String(),
		Class: t.class.String(),
		CPU:   t.CPU(),
		VTime: t.VTime(),
		OnCPU: t.onCPU.Load() != 0,
		Attrs: t.Attrs(),
	}
}

// snapshotBlocked returns the threads of a blocked set ordered by pid and
// tid.
func snapshotBlocked(blocked map[*Thread]struct{}) []ThreadSnapshot {
	var s []ThreadSnapshot
	for t := range blocked {
		s = append(s, snapshotThread(t))
	}
	sort.Slice(s, func(i, j int) bool {
		if s[i].PID != s[j].PID {
			return s[i].PID < s[j].PID
		}
		return s[i].TID < s[j].TID
	})
	return s
}

// QueueSnapshot is the content of one policy's run queue on one core.
// Ready threads are in pick order.
type QueueSnapshot struct {
	CPU      int              `json:"cpu"`
	Class    Class            `json:"class"`
	Ready    []ThreadSnapshot `json:"ready"`
	Blocked  []ThreadSnapshot `json:"blocked"`
	MinVTime int64            `json:"min_vtime,omitempty"`
}

// CPUSnapshot is the scheduling state of one core.
type CPUSnapshot struct {
	ID      int             `json:"id"`
	Current ThreadSnapshot  `json:"current"`
	Idle    ThreadSnapshot  `json:"idle"`
	Queues  []QueueSnapshot `json:"queues"`
}

// Snapshot is the scheduling state of every core. Each queue is read
// consistently, and no migration runs while a snapshot is taken, but
// threads keep running and switching between queues being read.
type Snapshot struct {
	BootID string        `json:"boot_id"`
	Now    int64         `json:"now"`
	CPUs   []CPUSnapshot `json:"cpus"`
}

// Snapshot captures the scheduling state of every core.
func (k *Kernel) Snapshot(c *CPU) Snapshot {
	k.snapMu.Lock()
	defer k.snapMu.Unlock()
	s := Snapshot{
		BootID: k.bootID.String(),
		Now:    k.clock.Now(),
	}
	for _, kc := range k.cpus {
		cs := CPUSnapshot{
			ID:      kc.id,
			Current: snapshotThread(kc.Current()),
			Idle:    snapshotThread(kc.idle),
		}
		for _, p := range k.order {
			cs.Queues = append(cs.Queues, p.queued(c, kc.id))
		}
		s.CPUs = append(s.CPUs, cs)
	}
	return s
}

// Violations checks the queue invariants of s: ready threads are in the
// ready state, blocked threads in a blocked state, no thread is in two
// queues, and idle threads are never queued. It returns one description
// per violation.
func (s Snapshot) Violations() []string {
	var out []string
	seen := make(map[string]string)
	idle := make(map[string]bool)
	for _, cs := range s.CPUs {
		idle[cs.Idle.Key] = true
	}
	check := func(where string, t ThreadSnapshot) {
		if prev, ok := seen[t.Key]; ok {
			out = append(out, fmt.Sprintf("thread %s in %s and %s", t.Key, prev, where))
		}
		seen[t.Key] = where
		if idle[t.Key] {
			out = append(out, fmt.Sprintf("idle thread %s queued in %s", t.Key, where))
		}
	}
	for _, cs := range s.CPUs {
		for _, q := range cs.Queues {
			where := fmt.Sprintf("cpu %d %v ready", cs.ID, q.Class)
			for _, t := range q.Ready {
				check(where, t)
				if t.State != StateReady.String() {
					out = append(out, fmt.Sprintf("thread %s in %s has state %s", t.Key, where, t.State))
				}
			}
			where = fmt.Sprintf("cpu %d %v blocked", cs.ID, q.Class)
			for _, t := range q.Blocked {
				check(where, t)
				if t.State != StateInterruptible.String() && t.State != StateUninterruptible.String() {
					out = append(out, fmt.Sprintf("thread %s in %s has state %s", t.Key, where, t.State))
				}
			}
		}
	}
	return out
}
