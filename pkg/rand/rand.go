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

// Package rand provides the random sources used by the kernel and the
// simulator: the host entropy source, and a seeded source whose output is
// reproducible.
package rand

import (
	crand "crypto/rand"
	"io"
)

// Reader is the host entropy source. Kernels built without a seed draw
// their identifiers from it.
var Reader io.Reader = crand.Reader

// ReaderFor returns a reproducible source for seed, or Reader if seed is 0.
func ReaderFor(seed uint64) io.Reader {
	if seed == 0 {
		return Reader
	}
	return New(seed)
}
