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
	"bytes"
	"reflect"
	"sync"
	"testing"
)

func TestHistoryRecord(t *testing.T) {
	h := NewHistory(0)
	if h.Latest() != nil {
		t.Error("empty history has a latest checkpoint")
	}
	a := h.Record(Checkpoint{Step: 10})
	b := h.Record(Checkpoint{Step: 20})
	if a != 1 || b != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", a, b)
	}
	cp, err := h.Get(b)
	if err != nil {
		t.Fatalf("Get(%d): %v", b, err)
	}
	if cp.Parent != a || cp.Step != 20 {
		t.Errorf("checkpoint = %+v", cp)
	}
	if h.Latest().ID != b {
		t.Errorf("Latest() = %d, want %d", h.Latest().ID, b)
	}
	if _, err := h.Get(InvalidCheckpointID); err == nil {
		t.Error("Get(0) succeeded")
	}
	if _, err := h.Get(3); err == nil {
		t.Error("Get of an unassigned id succeeded")
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(Checkpoint{Step: uint64(i)})
	}
	if got := h.IDs(); !reflect.DeepEqual(got, []CheckpointID{3, 4, 5}) {
		t.Errorf("IDs() = %v, want [3 4 5]", got)
	}
	if h.Evicted() != 2 || h.Len() != 3 {
		t.Errorf("evicted %d, len %d, want 2, 3", h.Evicted(), h.Len())
	}
	if _, err := h.Get(2); err == nil {
		t.Error("evicted checkpoint still found")
	}
	cp, err := h.Get(4)
	if err != nil || cp.Step != 3 {
		t.Errorf("Get(4) = %+v, %v", cp, err)
	}
}

func TestHistoryWriteRead(t *testing.T) {
	h := NewHistory(4)
	f := NewInjector(5)
	f.SetProbabilities(ProbabilitiesChaos())
	f.Roll(0, 2)
	h.Record(Checkpoint{Step: 1, TimeNS: 1000, Injector: f.State()})
	h.Record(Checkpoint{Step: 2, TimeNS: 2000})

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cps, err := ReadCheckpoints(&buf)
	if err != nil {
		t.Fatalf("ReadCheckpoints: %v", err)
	}
	if len(cps) != 2 || cps[1].Parent != 1 || cps[0].TimeNS != 1000 {
		t.Fatalf("checkpoints = %+v", cps)
	}
	g := NewInjector(0)
	g.SetState(cps[0].Injector)
	if !reflect.DeepEqual(g.Roll(1, 2), f.Roll(1, 2)) {
		t.Error("injector restored from a written checkpoint diverged")
	}
}

func TestHistoryConcurrent(t *testing.T) {
	h := NewHistory(16)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := h.Record(Checkpoint{})
				h.Get(id)
				h.IDs()
			}
		}()
	}
	wg.Wait()
	if h.Len() != 16 || h.Evicted() != 200-16 {
		t.Errorf("len %d, evicted %d", h.Len(), h.Evicted())
	}
	ids := h.IDs()
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Fatalf("ids not consecutive: %v", ids)
		}
	}
}
