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

package mm

import (
	"errors"
	"testing"

	"github.com/meehoyuen/NaOS/pkg/halt"
)

type object struct {
	a, b int
}

func TestSlabAccounting(t *testing.T) {
	s := NewSlab[object]("obj", 2)
	o1, err := s.New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	o1.a = 5
	o2, err := s.New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := s.New(); !errors.Is(err, ErrNoMemory) {
		t.Errorf("New() on full slab = %v, want ErrNoMemory", err)
	}
	s.Delete(o1)
	if s.InUse(o1) {
		t.Error("freed object still in use")
	}
	o3, err := s.New()
	if err != nil {
		t.Fatalf("New() after free failed: %v", err)
	}
	if o3 == o1 {
		t.Error("freed object handed out again")
	}
	st := s.Stats()
	if st.Live != 2 || st.Allocs != 3 || st.Frees != 1 {
		t.Errorf("Stats() = %+v, want live 2 allocs 3 frees 1", st)
	}
	s.Delete(o2)
	s.Delete(o3)
}

func TestSlabDoubleFreeHalts(t *testing.T) {
	s := NewSlab[object]("obj", 0)
	o, _ := s.New()
	s.Delete(o)
	defer func() {
		if _, ok := halt.FromPanic(recover()); !ok {
			t.Error("expected kernel halt on double free")
		}
	}()
	s.Delete(o)
}

func TestStackAllocator(t *testing.T) {
	a := NewStackAllocator(4)
	s1, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	s2, _ := a.Alloc()
	if s1.Base == s2.Base {
		t.Errorf("two live stacks share base %#x", s1.Base)
	}
	if s1.Top-s1.Base != KernelStackSize {
		t.Errorf("stack size = %d, want %d", s1.Top-s1.Base, KernelStackSize)
	}
	base := s1.Base
	a.Free(s1)
	s3, _ := a.Alloc()
	if s3.Base != base {
		t.Errorf("freed slot not reused: got %#x, want %#x", s3.Base, base)
	}
	if st := a.Stats(); st.Live != 2 {
		t.Errorf("live stacks = %d, want 2", st.Live)
	}
}
