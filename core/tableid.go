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

// tableIDKey identifies the external key a dynamic table is interned
// under: either a recirculation id or a physical port id, never both
// (spec §4.C: "two distinct key spaces keyed by a boolean is_port").
type tableIDKey struct {
	isPort bool
	key    uint32
}

type tableIDEntry struct {
	key      tableIDKey
	table    TableID
	refcount int32
}

// TableIDRegistry mirrors TunnelRegistry but over two key spaces that
// share one id pool (spec §4.C). Recirc-id entries lazily allocate a
// fresh hw-table-id from the pool on first reference — creating the
// actual hardware table is the driver's job, out of scope here. Port
// entries are intern-only: the hw-table-id supplied is the physical
// port's own dispatch table, not one drawn from the pool.
type TableIDRegistry struct {
	pool    *idPool
	byKey   *shardedMap[tableIDKey, *tableIDEntry]
	mu      sync.Mutex
}

// newTableIDRegistry builds a registry backed by the hw-table-id pool
// [64, 65280) of spec §4.A.
func newTableIDRegistry() *TableIDRegistry {
	return &TableIDRegistry{
		pool:  newIDPool(uint32(dynamicTableBase), uint32(dynamicTableLimit)),
		byKey: newShardedMap[tableIDKey, *tableIDEntry](),
	}
}

// GetOrAllocRecirc interns recircID, lazily allocating a dynamic
// hw-table-id from the shared pool on first reference.
func (r *TableIDRegistry) GetOrAllocRecirc(recircID uint32) (TableID, error) {
	return r.getOrAlloc(tableIDKey{isPort: false, key: recircID}, 0, true)
}

// GetOrAllocPort interns portID against its own dispatch table
// (hwTable), intern-only: no id is drawn from the pool.
func (r *TableIDRegistry) GetOrAllocPort(portID uint32, hwTable TableID) (TableID, error) {
	return r.getOrAlloc(tableIDKey{isPort: true, key: portID}, hwTable, false)
}

func (r *TableIDRegistry) getOrAlloc(key tableIDKey, hwTable TableID, fromPool bool) (TableID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byKey.Load(key); ok {
		e.refcount++
		return e.table, nil
	}

	table := hwTable
	if fromPool {
		id, ok := r.pool.alloc()
		if !ok {
			return TableUnknown, newErr("TableIDRegistry.getOrAlloc", KindExhausted, errString("hw-table-id pool exhausted"))
		}
		table = TableID(id)
	}

	e := &tableIDEntry{key: key, table: table, refcount: 1}
	r.byKey.Store(key, e)
	return table, nil
}

// UnrefRecirc decrements recircID's refcount, freeing its hw-table-id
// back to the pool on last unref.
func (r *TableIDRegistry) UnrefRecirc(recircID uint32) error {
	return r.unref(tableIDKey{isPort: false, key: recircID}, true)
}

// UnrefPort decrements portID's refcount. No pool id is returned since
// none was drawn (intern-only).
func (r *TableIDRegistry) UnrefPort(portID uint32) error {
	return r.unref(tableIDKey{isPort: true, key: portID}, false)
}

func (r *TableIDRegistry) unref(key tableIDKey, toPool bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey.Load(key)
	if !ok {
		invariantViolated("TableIDRegistry.unref", errString("unref of unknown table-id key"))
	}

	e.refcount--
	if e.refcount < 0 {
		invariantViolated("TableIDRegistry.unref", errString("table-id refcount underflow"))
	}
	if e.refcount == 0 {
		r.byKey.Delete(key)
		if toPool {
			r.pool.freeID(uint32(e.table))
		}
	}
	return nil
}
