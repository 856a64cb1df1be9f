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

// TunnelKey is the 3-tuple a tunnel intern is keyed by (spec §3).
type TunnelKey struct {
	DstIP [4]byte
	SrcIP [4]byte
	TunID uint64
}

type tunnelEntry struct {
	key      TunnelKey
	outerID  uint32
	refcount int32
}

// TunnelRegistry interns (dst-IP, src-IP, tun-id) tuples into a dense
// outer-id with a refcount (spec §4.B). The key→entry and
// outer-id→entry maps always agree on membership; both are updated
// under mu so a reader never observes one without the other.
type TunnelRegistry struct {
	pool  *idPool
	byKey *shardedMap[TunnelKey, *tunnelEntry]
	byID  *shardedMap[uint32, *tunnelEntry]
	mu    sync.Mutex
}

// newTunnelRegistry builds a registry backed by the outer-id pool
// [1, 65536) of spec §4.A.
func newTunnelRegistry() *TunnelRegistry {
	return &TunnelRegistry{
		pool:  newIDPool(1, 65536),
		byKey: newShardedMap[TunnelKey, *tunnelEntry](),
		byID:  newShardedMap[uint32, *tunnelEntry](),
	}
}

// GetOrAlloc interns key, incrementing its refcount on a hit or
// allocating a fresh outer-id on a miss. It returns InvalidOuterID
// (without mutating the registry) if the pool is exhausted.
func (r *TunnelRegistry) GetOrAlloc(key TunnelKey) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byKey.Load(key); ok {
		e.refcount++
		return e.outerID, nil
	}

	id, ok := r.pool.alloc()
	if !ok {
		return InvalidOuterID, newErr("TunnelRegistry.GetOrAlloc", KindExhausted, errString("outer-id pool exhausted"))
	}

	e := &tunnelEntry{key: key, outerID: id, refcount: 1}
	r.byKey.Store(key, e)
	r.byID.Store(id, e)
	return id, nil
}

// Unref decrements key's refcount, removing the entry from both maps
// and returning the id to the pool when it reaches zero.
func (r *TunnelRegistry) Unref(key TunnelKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey.Load(key)
	if !ok {
		invariantViolated("TunnelRegistry.Unref", errString("unref of unknown tunnel key"))
	}

	e.refcount--
	if e.refcount < 0 {
		invariantViolated("TunnelRegistry.Unref", errString("tunnel refcount underflow"))
	}
	if e.refcount == 0 {
		r.byKey.Delete(key)
		r.byID.Delete(e.outerID)
		r.pool.freeID(e.outerID)
	}
	return nil
}

// LookupByID returns the tunnel 3-tuple interned under id, used by the
// preprocessor to restore packet metadata on miss.
func (r *TunnelRegistry) LookupByID(id uint32) (TunnelKey, bool) {
	e, ok := r.byID.Load(id)
	if !ok {
		return TunnelKey{}, false
	}
	return e.key, true
}
