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
	"encoding/json"
	"fmt"
	"io"

	"github.com/meehoyuen/NaOS/pkg/sentry/kernel"
	ktime "github.com/meehoyuen/NaOS/pkg/sentry/time"
	"gvisor.dev/gvisor/pkg/sync"
)

// CheckpointID identifies a checkpoint. Zero is never assigned.
type CheckpointID uint64

// InvalidCheckpointID is the zero id.
const InvalidCheckpointID CheckpointID = 0

// DefaultMaxCheckpoints bounds a History created with a non-positive limit.
const DefaultMaxCheckpoints = 1024

// Checkpoint is the state of a run at one step: the scheduling state of the
// kernel, and the injector state from which the rest of the run's random
// decisions follow.
type Checkpoint struct {
	ID       CheckpointID            `json:"id"`
	Parent   CheckpointID            `json:"parent"`
	Step     uint64                  `json:"step"`
	TimeNS   int64                   `json:"time_ns"`
	Clock    ktime.VirtualClockState `json:"clock"`
	Injector InjectorState           `json:"injector"`
	Kernel   kernel.Snapshot         `json:"kernel"`
}

// History keeps the most recent checkpoints of a run. Each checkpoint's
// parent is the one recorded before it.
type History struct {
	mu sync.RWMutex

	// entries is ordered oldest first.
	// +checklocks:mu
	entries []*Checkpoint

	// +checklocks:mu
	nextID CheckpointID

	// +checklocks:mu
	evicted uint64

	max int
}

// NewHistory returns a history of at most max checkpoints.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultMaxCheckpoints
	}
	return &History{nextID: 1, max: max}
}

// Record appends cp, evicting the oldest checkpoint if the history is full.
// It returns the id assigned to cp.
func (h *History) Record(cp Checkpoint) CheckpointID {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp.ID = h.nextID
	h.nextID++
	if n := len(h.entries); n > 0 {
		cp.Parent = h.entries[n-1].ID
	}
	if len(h.entries) == h.max {
		h.entries[0] = nil
		h.entries = h.entries[1:]
		h.evicted++
	}
	h.entries = append(h.entries, &cp)
	return cp.ID
}

// Get returns checkpoint id.
func (h *History) Get(id CheckpointID) (*Checkpoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	// Ids are consecutive, so the position follows from the oldest id.
	if len(h.entries) == 0 || id < h.entries[0].ID {
		return nil, fmt.Errorf("checkpoint %d not found", id)
	}
	i := int(id - h.entries[0].ID)
	if i >= len(h.entries) {
		return nil, fmt.Errorf("checkpoint %d not found", id)
	}
	return h.entries[i], nil
}

// Latest returns the most recent checkpoint, or nil.
func (h *History) Latest() *Checkpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[len(h.entries)-1]
}

// IDs returns the ids of the retained checkpoints, oldest first.
func (h *History) IDs() []CheckpointID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]CheckpointID, 0, len(h.entries))
	for _, cp := range h.entries {
		ids = append(ids, cp.ID)
	}
	return ids
}

// Len returns the number of retained checkpoints.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Evicted returns the number of checkpoints dropped to respect the limit.
func (h *History) Evicted() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.evicted
}

// Write encodes the retained checkpoints to w as a JSON array.
func (h *History) Write(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h.entries); err != nil {
		return fmt.Errorf("encoding checkpoints: %w", err)
	}
	return nil
}

// ReadCheckpoints decodes checkpoints written by History.Write.
func ReadCheckpoints(r io.Reader) ([]Checkpoint, error) {
	var cps []Checkpoint
	if err := json.NewDecoder(r).Decode(&cps); err != nil {
		return nil, fmt.Errorf("decoding checkpoints: %w", err)
	}
	return cps, nil
}
