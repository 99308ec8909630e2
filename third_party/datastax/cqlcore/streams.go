// Copyright (c) DataStax, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cqlcore

import (
	"math/bits"
	"sync"
)

// streamIDs hands out the non-negative stream ids of one connection. Negative
// ids are reserved for server pushed events.
type streamIDs struct {
	mu    sync.Mutex
	words []uint64
	size  int
	inUse int
	next  int
}

func newStreamIDs(size int) *streamIDs {
	return &streamIDs{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// Alloc returns a free id, scanning from just after the last one handed out
// so that a recently freed id is not reused immediately.
func (s *streamIDs) Alloc() (int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse == s.size {
		return 0, false
	}
	n := len(s.words)
	start := s.next / 64
	for i := 0; i <= n; i++ {
		w := (start + i) % n
		free := ^s.words[w]
		if i == 0 {
			// skip bits below the hint on the first pass
			free &= ^uint64(0) << uint(s.next%64)
		}
		if w == n-1 && s.size%64 != 0 {
			free &= (uint64(1) << uint(s.size%64)) - 1
		}
		if free == 0 {
			continue
		}
		bit := bits.TrailingZeros64(free)
		s.words[w] |= 1 << uint(bit)
		s.inUse++
		id := w*64 + bit
		s.next = (id + 1) % s.size
		return int16(id), true
	}
	return 0, false
}

// Free returns id to the pool. Freeing an id that is not allocated is a no-op.
func (s *streamIDs) Free(id int16) {
	if id < 0 || int(id) >= s.size {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, bit := int(id)/64, uint(id)%64
	if s.words[w]&(1<<bit) == 0 {
		return
	}
	s.words[w] &^= 1 << bit
	s.inUse--
}

func (s *streamIDs) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}
