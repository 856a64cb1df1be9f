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

import "github.com/google/uuid"

// flowRegistry is one port's map from logical flow-id to its
// OffloadRecord (spec §4.E). Both Put and Remove are idempotent with
// respect to the flow-id.
type flowRegistry struct {
	m *shardedMap[uuid.UUID, *OffloadRecord]
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{m: newShardedMap[uuid.UUID, *OffloadRecord]()}
}

// put installs rec, returning the previous record for the same
// flow-id if one existed. The caller (the translator, under FlowPut)
// is responsible for destroying the old record's rules before or
// after this call per the atomic-replace contract of spec §4.J; put
// itself only swaps the map entry.
func (f *flowRegistry) put(rec *OffloadRecord) (old *OffloadRecord, hadOld bool) {
	old, hadOld = f.m.LoadAndDelete(rec.FlowID)
	f.m.Store(rec.FlowID, rec)
	return old, hadOld
}

// remove unlinks flowID's record from the map without destroying its
// rules.
func (f *flowRegistry) remove(flowID uuid.UUID) (*OffloadRecord, bool) {
	return f.m.LoadAndDelete(flowID)
}

func (f *flowRegistry) get(flowID uuid.UUID) (*OffloadRecord, bool) {
	return f.m.Load(flowID)
}

func (f *flowRegistry) all() []*OffloadRecord {
	var out []*OffloadRecord
	f.m.Range(func(_ uuid.UUID, rec *OffloadRecord) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// FlowIndex is the process-global side index flow-id→datapath-port
// (spec §4.E), used by FlowDel to find the owning port without the
// caller supplying the netdev.
type FlowIndex struct {
	m *shardedMap[uuid.UUID, uint32]
}

func newFlowIndex() *FlowIndex {
	return &FlowIndex{m: newShardedMap[uuid.UUID, uint32]()}
}

func (fi *FlowIndex) set(flowID uuid.UUID, dpPort uint32) { fi.m.Store(flowID, dpPort) }

func (fi *FlowIndex) lookup(flowID uuid.UUID) (uint32, bool) { return fi.m.Load(flowID) }

func (fi *FlowIndex) delete(flowID uuid.UUID) { fi.m.Delete(flowID) }
