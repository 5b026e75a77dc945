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

package dst

import (
	"sort"

	"github.com/meehoyuen/NaOS/pkg/rand"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// EventKind is the kind of an injected event.
type EventKind string

const (
	// EventSpuriousIRQ raises a vector nobody handles on a core.
	EventSpuriousIRQ EventKind = "spurious_irq"

	// EventWakeup wakes a random interruptibly blocked thread.
	EventWakeup EventKind = "wakeup"

	// EventMigrate asks for a ready thread to move between two cores.
	EventMigrate EventKind = "migrate"
)

// SpuriousVector is the vector raised by EventSpuriousIRQ.
const SpuriousVector uint8 = 0x27

// Event is one injected event.
type Event struct {
	Kind   EventKind `json:"kind" yaml:"kind"`
	CPU    int       `json:"cpu" yaml:"cpu"`
	Dst    int       `json:"dst,omitempty" yaml:"dst,omitempty"`
	TimeNS int64     `json:"time_ns" yaml:"time_ns"`
}

// ScheduledEvent is an event waiting for its trigger time.
type ScheduledEvent struct {
	ID     uint64 `json:"id"`
	TimeNS int64  `json:"time_ns"`
	Event  Event  `json:"event"`
}

// Probabilities are the per-step probabilities of random events.
type Probabilities struct {
	SpuriousIRQ float64 `json:"spurious_irq" yaml:"spurious_irq"`
	Wakeup      float64 `json:"wakeup" yaml:"wakeup"`
	Migrate     float64 `json:"migrate" yaml:"migrate"`
}

// ProbabilitiesCalm injects nothing.
func ProbabilitiesCalm() Probabilities {
	return Probabilities{}
}

// ProbabilitiesModerate injects an event every few dozen steps.
func ProbabilitiesModerate() Probabilities {
	return Probabilities{
		SpuriousIRQ: 0.01,
		Wakeup:      0.02,
		Migrate:     0.01,
	}
}

// ProbabilitiesChaos injects events on most steps.
func ProbabilitiesChaos() Probabilities {
	return Probabilities{
		SpuriousIRQ: 0.2,
		Wakeup:      0.3,
		Migrate:     0.2,
	}
}

// ProbabilitiesByName returns the preset called name.
func ProbabilitiesByName(name string) (Probabilities, bool) {
	switch name {
	case "calm", "":
		return ProbabilitiesCalm(), true
	case "moderate":
		return ProbabilitiesModerate(), true
	case "chaos":
		return ProbabilitiesChaos(), true
	}
	return Probabilities{}, false
}

func (p Probabilities) nonZero() bool {
	return p.SpuriousIRQ > 0 || p.Wakeup > 0 || p.Migrate > 0
}

// ppm is the resolution of probabilities.
const ppm = 1000000

// InjectorStats counts injected events.
type InjectorStats struct {
	Rolls    uint64               `json:"rolls"`
	Injected uint64               `json:"injected"`
	ByKind   map[EventKind]uint64 `json:"by_kind"`
}

func (s InjectorStats) clone() InjectorStats {
	out := s
	out.ByKind = make(map[EventKind]uint64, len(s.ByKind))
	for k, v := range s.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Injector produces scheduled and random events from a seeded source, so
// that a seed determines every random decision of a run.
type Injector struct {
	mu sync.Mutex

	// +checklocks:mu
	enabled bool

	rng *rand.Source

	// +checklocks:mu
	probs Probabilities

	// scheduled is ordered by trigger time, then by id.
	// +checklocks:mu
	scheduled []ScheduledEvent

	// +checklocks:mu
	nextID uint64

	// +checklocks:mu
	stats InjectorStats
}

// NewInjector returns an enabled injector with calm probabilities.
func NewInjector(seed uint64) *Injector {
	return &Injector{
		enabled: true,
		rng:     rand.New(seed),
		nextID:  1,
		stats:   InjectorStats{ByKind: make(map[EventKind]uint64)},
	}
}

// Enable enables or disables injection.
func (f *Injector) Enable(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

// Enabled reports whether injection is enabled.
func (f *Injector) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// SetProbabilities sets the random event probabilities. Injection is
// enabled if any of them is non-zero.
func (f *Injector) SetProbabilities(p Probabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log.Debugf("injector probabilities: spurious=%.4f wakeup=%.4f migrate=%.4f", p.SpuriousIRQ, p.Wakeup, p.Migrate)
	f.probs = p
	if p.nonZero() {
		f.enabled = true
	}
}

// Probabilities returns the random event probabilities.
func (f *Injector) Probabilities() Probabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probs
}

// Schedule queues ev for injection at timeNS and returns its id.
func (f *Injector) Schedule(timeNS int64, ev Event) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.scheduled = append(f.scheduled, ScheduledEvent{ID: id, TimeNS: timeNS, Event: ev})
	sort.SliceStable(f.scheduled, func(i, j int) bool {
		return f.scheduled[i].TimeNS < f.scheduled[j].TimeNS
	})
	return id
}

// Cancel removes scheduled event id.
func (f *Injector) Cancel(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, se := range f.scheduled {
		if se.ID == id {
			f.scheduled = append(f.scheduled[:i], f.scheduled[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of scheduled events.
func (f *Injector) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

// Due removes and returns the scheduled events whose time is at or before
// now, in trigger order.
func (f *Injector) Due(now int64) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil
	}
	n := 0
	for n < len(f.scheduled) && f.scheduled[n].TimeNS <= now {
		n++
	}
	if n == 0 {
		return nil
	}
	evs := make([]Event, 0, n)
	for _, se := range f.scheduled[:n] {
		ev := se.Event
		ev.TimeNS = se.TimeNS
		evs = append(evs, ev)
		f.record(ev)
	}
	f.scheduled = append(f.scheduled[:0], f.scheduled[n:]...)
	return evs
}

// Roll draws the random events of one step on a machine of numCPUs cores.
func (f *Injector) Roll(now int64, numCPUs int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled || !f.probs.nonZero() || numCPUs <= 0 {
		return nil
	}
	f.stats.Rolls++
	var evs []Event
	if f.chance(f.probs.SpuriousIRQ) {
		evs = append(evs, Event{Kind: EventSpuriousIRQ, CPU: f.rng.Intn(numCPUs), TimeNS: now})
	}
	if f.chance(f.probs.Wakeup) {
		evs = append(evs, Event{Kind: EventWakeup, CPU: -1, TimeNS: now})
	}
	if numCPUs > 1 && f.chance(f.probs.Migrate) {
		src := f.rng.Intn(numCPUs)
		dst := f.rng.Intn(numCPUs - 1)
		if dst >= src {
			dst++
		}
		evs = append(evs, Event{Kind: EventMigrate, CPU: src, Dst: dst, TimeNS: now})
	}
	for _, ev := range evs {
		f.record(ev)
	}
	return evs
}

// chance must be called with f.mu held.
func (f *Injector) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return f.rng.Chance(int(p*ppm), ppm)
}

// Intn draws a value in [0, n) from the injector's source.
func (f *Injector) Intn(n int) int {
	return f.rng.Intn(n)
}

// record must be called with f.mu held.
func (f *Injector) record(ev Event) {
	f.stats.Injected++
	f.stats.ByKind[ev.Kind]++
}

// Stats returns a copy of the injection statistics.
func (f *Injector) Stats() InjectorStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats.clone()
}

// InjectorState is a checkpoint of an Injector.
type InjectorState struct {
	Enabled       bool             `json:"enabled"`
	Rand          rand.State       `json:"rand"`
	Probabilities Probabilities    `json:"probabilities"`
	Scheduled     []ScheduledEvent `json:"scheduled,omitempty"`
	NextID        uint64           `json:"next_id"`
	Stats         InjectorStats    `json:"stats"`
}

// State returns a checkpoint of f.
func (f *Injector) State() InjectorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return InjectorState{
		Enabled:       f.enabled,
		Rand:          f.rng.State(),
		Probabilities: f.probs,
		Scheduled:     append([]ScheduledEvent(nil), f.scheduled...),
		NextID:        f.nextID,
		Stats:         f.stats.clone(),
	}
}

// SetState restores f from a checkpoint.
func (f *Injector) SetState(st InjectorState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = st.Enabled
	f.rng.Restore(st.Rand)
	f.probs = st.Probabilities
	f.scheduled = append([]ScheduledEvent(nil), st.Scheduled...)
	f.nextID = st.NextID
	f.stats = st.Stats.clone()
	if f.stats.ByKind == nil {
		f.stats.ByKind = make(map[EventKind]uint64)
	}
}
