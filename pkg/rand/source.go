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

package rand

import (
	"encoding/binary"
	"math/bits"

	"gvisor.dev/gvisor/pkg/sync"
)

const blockSize = 64

// Source is a seeded ChaCha20 keystream. The same seed always yields the
// same bytes, which makes simulation runs replayable. It is not suitable
// for cryptographic use.
type Source struct {
	mu sync.Mutex

	seed  uint64
	input [16]uint32
	block uint64

	// pending holds the unread tail of the last generated block.
	pending []byte
}

// New returns a source seeded with seed.
func New(seed uint64) *Source {
	s := &Source{}
	s.Seed(seed)
	return s
}

// Seed restarts the stream for seed.
func (s *Source) Seed(seed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
	s.input = [16]uint32{0x61707865, 0x3320646e, 0x79622d32, 0x6b206574}
	for i := 0; i < 8; i++ {
		s.input[4+i] = uint32(seed>>uint(i*4)) ^ uint32(i)*0x9e3779b9
	}
	s.input[14] = uint32(seed)
	s.input[15] = uint32(seed >> 32)
	s.setBlock(0)
	s.pending = nil
}

func (s *Source) setBlock(n uint64) {
	s.block = n
	s.input[12] = uint32(n)
	s.input[13] = uint32(n >> 32)
}

// Read implements io.Reader. It never fails.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill(p)
	return len(p), nil
}

func (s *Source) fill(p []byte) {
	for len(p) > 0 {
		if len(s.pending) == 0 {
			var b [blockSize]byte
			chachaBlock(&b, &s.input)
			s.setBlock(s.block + 1)
			s.pending = b[:]
		}
		n := copy(p, s.pending)
		p = p[n:]
		s.pending = s.pending[n:]
	}
}

// Uint64 returns the next 8 bytes of the stream as an integer.
func (s *Source) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b [8]byte
	s.fill(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Intn returns a value in [0, n). It panics if n <= 0.
func (s *Source) Intn(n int) int {
	if n <= 0 {
		panic("rand: Intn of non-positive bound")
	}
	// Lemire's multiply-shift with rejection.
	bound := uint64(n)
	hi, lo := bits.Mul64(s.Uint64(), bound)
	if lo < bound {
		thresh := -bound % bound
		for lo < thresh {
			hi, lo = bits.Mul64(s.Uint64(), bound)
		}
	}
	return int(hi)
}

// Chance returns true with probability num/den.
func (s *Source) Chance(num, den int) bool {
	return s.Intn(den) < num
}

// Shuffle permutes n elements with swap.
func (s *Source) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, s.Intn(i+1))
	}
}

// State is a checkpoint of a Source.
type State struct {
	Seed    uint64 `json:"seed" yaml:"seed"`
	Block   uint64 `json:"block" yaml:"block"`
	Pending []byte `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// State returns a checkpoint from which Restore resumes the stream.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Seed:    s.seed,
		Block:   s.block,
		Pending: append([]byte(nil), s.pending...),
	}
}

// Restore resumes the stream at st.
func (s *Source) Restore(st State) {
	s.Seed(st.Seed)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBlock(st.Block)
	if len(st.Pending) > 0 {
		s.pending = append([]byte(nil), st.Pending...)
	}
}

// chachaBlock computes the ChaCha20 block of in into out.
func chachaBlock(out *[blockSize]byte, in *[16]uint32) {
	x := *in
	for i := 0; i < 10; i++ {
		quarter(&x, 0, 4, 8, 12)
		quarter(&x, 1, 5, 9, 13)
		quarter(&x, 2, 6, 10, 14)
		quarter(&x, 3, 7, 11, 15)
		quarter(&x, 0, 5, 10, 15)
		quarter(&x, 1, 6, 11, 12)
		quarter(&x, 2, 7, 8, 13)
		quarter(&x, 3, 4, 9, 14)
	}
	for i := range x {
		binary.LittleEndian.PutUint32(out[4*i:], x[i]+in[i])
	}
}

func quarter(x *[16]uint32, a, b, c, d int) {
	x[a] += x[b]
	x[d] = bits.RotateLeft32(x[d]^x[a], 16)
	x[c] += x[d]
	x[b] = bits.RotateLeft32(x[b]^x[c], 12)
	x[a] += x[b]
	x[d] = bits.RotateLeft32(x[d]^x[a], 8)
	x[c] += x[d]
	x[b] = bits.RotateLeft32(x[b]^x[c], 7)
}
