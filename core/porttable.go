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

import "sync/atomic"

// PortTable is the process-global map from datapath port to
// PortRecord, plus the secondary mark→port index the preprocessor
// uses (spec §4.D).
type PortTable struct {
	ports         *shardedMap[uint32, *PortRecord]
	markIndex     *shardedMap[uint32, *PortRecord]
	physicalCount int32 // atomic
}

func newPortTable() *PortTable {
	return &PortTable{
		ports:     newShardedMap[uint32, *PortRecord](),
		markIndex: newShardedMap[uint32, *PortRecord](),
	}
}

// Add installs rec and, for physical ports, increments the global
// physical-port counter that sizes tunnel fan-out; for vxlan ports,
// indexes rec by its exception mark.
func (pt *PortTable) Add(rec *PortRecord) {
	pt.ports.Store(rec.DPPort, rec)
	switch rec.Kind {
	case PortKindPhysical:
		atomic.AddInt32(&pt.physicalCount, 1)
	case PortKindVXLAN:
		pt.markIndex.Store(rec.ExceptionMark, rec)
	}
}

func (pt *PortTable) Get(dpPort uint32) (*PortRecord, bool) {
	return pt.ports.Load(dpPort)
}

// Del removes and returns dpPort's record. Callers must destroy its
// offload records and default rules themselves (spec §4.D).
func (pt *PortTable) Del(dpPort uint32) (*PortRecord, bool) {
	rec, ok := pt.ports.LoadAndDelete(dpPort)
	if !ok {
		return nil, false
	}
	switch rec.Kind {
	case PortKindPhysical:
		atomic.AddInt32(&pt.physicalCount, -1)
	case PortKindVXLAN:
		pt.markIndex.Delete(rec.ExceptionMark)
	}
	return rec, true
}

// ByMark resolves the vxlan PortRecord that owns an exception mark,
// used by the preprocessor on a vxlan-miss.
func (pt *PortTable) ByMark(mark uint32) (*PortRecord, bool) {
	return pt.markIndex.Load(mark)
}

// PhysicalPortCount returns the current count of physical ports,
// which sizes a tunnel-decap rule's fan-out capacity.
func (pt *PortTable) PhysicalPortCount() int {
	return int(atomic.LoadInt32(&pt.physicalCount))
}

// PhysicalPorts returns a snapshot of every physical PortRecord.
func (pt *PortTable) PhysicalPorts() []*PortRecord {
	var out []*PortRecord
	pt.ports.Range(func(_ uint32, rec *PortRecord) bool {
		if rec.Kind == PortKindPhysical {
			out = append(out, rec)
		}
		return true
	})
	return out
}
