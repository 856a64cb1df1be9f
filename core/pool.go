// Copyright 2024 The Flowdev Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "sync"

// idPool allocates small dense integer ids out of a fixed [base, limit)
// range. It refuses allocation once exhausted and treats a double-free
// as a bug (component 4.A).
type idPool struct {
	mu        sync.Mutex
	base      uint32
	limit     uint32
	next      uint32          // next never-yet-issued id
	free      []uint32        // recycled ids, LIFO
	allocated map[uint32]bool // id -> currently held
}

func newIDPool(base, limit uint32) *idPool {
	return &idPool{
		base:      base,
		limit:     limit,
		next:      base,
		allocated: make(map[uint32]bool),
	}
}

// alloc returns a free id, or ok=false if the pool is exhausted.
func (p *idPool) alloc() (id uint32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else if p.next < p.limit {
		id = p.next
		p.next++
	} else {
		return 0, false
	}

	p.allocated[id] = true
	return id, true
}

// freeID returns id to the pool. A double-free is an invariant violation
// and panics rather than returning an error (spec §7: fatal).
func (p *idPool) freeID(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated[id] {
		invariantViolated("idPool.free", errDoubleFree(id))
	}

	delete(p.allocated, id)
	p.free = append(p.free, id)
}

func errDoubleFree(id uint32) error {
	return &poolError{id: id}
}

type poolError struct{ id uint32 }

func (e *poolError) Error() string {
	return "double free of pool id"
}

// InvalidOuterID is the sentinel returned by TunnelRegistry.GetOrAlloc
// when the outer-id pool is exhausted.
const InvalidOuterID uint32 = 0xffff_ffff
