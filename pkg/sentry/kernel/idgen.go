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
	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/spinlock"
	"gvisor.dev/gvisor/pkg/bitmap"
)

// NullID is returned by IDGenerator.Next when the id space is exhausted.
const NullID int64 = -1

// Id space ceilings. Each level is allocated only once the levels below it
// are full, so ids stay small while few are in use.
var (
	processIDLevels = []uint32{0x1000, 0x8000, 0x40000, 0x80000}
	threadIDLevels  = []uint32{0x1000, 0x8000, 0x40000}
	fileIDLevels    = []uint32{0x400}
)

// IDGenerator is a multi-level bounded id allocator. Level i covers ids in
// [levels[i-1], levels[i]).
type IDGenerator struct {
	mu     spinlock.SpinLock
	levels []uint32
	maps   []*bitmap.Bitmap
	inUse  uint32
}

// NewIDGenerator returns a generator with the given ascending level
// ceilings. The last ceiling bounds the id space.
func NewIDGenerator(levels []uint32) *IDGenerator {
	for i := 1; i < len(levels); i++ {
		halt.Assert(levels[i] > levels[i-1], "id generator levels not ascending: %v", levels)
	}
	return &IDGenerator{
		levels: levels,
		maps:   make([]*bitmap.Bitmap, len(levels)),
	}
}

func (g *IDGenerator) level(i int) (lo, size uint32) {
	if i > 0 {
		lo = g.levels[i-1]
	}
	return lo, g.levels[i] - lo
}

// Next returns the smallest free id, or NullID if every level is full.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.levels {
		lo, size := g.level(i)
		if g.maps[i] == nil {
			bm := bitmap.New(size)
			g.maps[i] = &bm
		}
		bm := g.maps[i]
		if bm.GetNumOnes() >= size {
			continue
		}
		off, err := bm.FirstZero(0)
		if err != nil || off >= size {
			continue
		}
		bm.Add(off)
		g.inUse++
		return int64(lo + off)
	}
	return NullID
}

// find returns the level bitmap holding id and the offset within it.
func (g *IDGenerator) find(id int64) (*bitmap.Bitmap, uint32, bool) {
	if id < 0 || id >= int64(g.levels[len(g.levels)-1]) {
		return nil, 0, false
	}
	for i := range g.levels {
		lo, size := g.level(i)
		if uint32(id) < lo+size {
			if g.maps[i] == nil {
				bm := bitmap.New(size)
				g.maps[i] = &bm
			}
			return g.maps[i], uint32(id) - lo, true
		}
	}
	return nil, 0, false
}

func contains(bm *bitmap.Bitmap, off uint32) bool {
	first, err := bm.FirstOne(off)
	return err == nil && first == off
}

// Collect returns id to the generator. Returning an id that is not
// allocated halts the kernel.
func (g *IDGenerator) Collect(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bm, off, ok := g.find(id)
	if !ok || !contains(bm, off) {
		halt.Fatalf("id generator: collect of unallocated id %d", id)
	}
	bm.Remove(off)
	g.inUse--
}

// Tag reserves a specific id. It returns false if id is out of range or
// already allocated.
func (g *IDGenerator) Tag(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	bm, off, ok := g.find(id)
	if !ok || contains(bm, off) {
		return false
	}
	bm.Add(off)
	g.inUse++
	return true
}

// InUse returns the number of allocated ids.
func (g *IDGenerator) InUse() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
