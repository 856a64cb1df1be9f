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

// MissKind tags the variant of a MissContext record (spec §3).
type MissKind int

const (
	MissKindCT MissKind = iota
	MissKindFlow
	MissKindFlowCT
	MissKindVXLAN
)

// Direction distinguishes the two halves of a connection-tracking
// flow that share one CT-miss entry.
type Direction int

const (
	DirInit Direction = iota
	DirReply
)

// CTMissRecord is the CT-miss variant's payload (spec §3).
type CTMissRecord struct {
	CTMark  uint32
	Zone    uint16
	CTState uint32
	OuterID uint32 // 0 if the flow was not tunnelled

	// Per-direction fields; DirInit and DirReply share one entry.
	InPort     [2]uint32
	RuleHandle [2]RuleHandle
	haveDir    [2]bool
}

// FlowMissRecord is the flow-miss variant's payload (spec §3).
type FlowMissRecord struct {
	OuterID uint32
	HWID    uint32
	IsPort  bool
	InPort  uint32
}

// MissContext is the tagged union stored per mark value (spec §9
// "tagged unions over inheritance").
type MissContext struct {
	Kind MissKind
	CT   *CTMissRecord
	Flow *FlowMissRecord
}

// MissContextTable is the process-global mark→recovery-record map
// (spec §4.F).
type MissContextTable struct {
	m *shardedMap[uint32, *MissContext]
}

func newMissContextTable() *MissContextTable {
	return &MissContextTable{m: newShardedMap[uint32, *MissContext]()}
}

// SaveFlow inserts a flow-miss record, or a flow-and-CT-miss record
// when hasCT is true (the action list both marks and carries a CT
// action that the hardware could not fully offload).
func (t *MissContextTable) SaveFlow(mark uint32, hwID uint32, isPort bool, outerID uint32, inPort uint32, hasCT bool) error {
	kind := MissKindFlow
	if hasCT {
		kind = MissKindFlowCT
	}
	t.m.Store(mark, &MissContext{
		Kind: kind,
		Flow: &FlowMissRecord{OuterID: outerID, HWID: hwID, IsPort: isPort, InPort: inPort},
	})
	return nil
}

// SaveCT inserts or updates a CT-miss record for mark. DirInit and
// DirReply calls for the same mark merge into a single entry, per
// spec §3/§4.F. A nil error is success; the Open Question about
// inverted return polarity in the source is resolved by not
// reproducing it (spec §9).
func (t *MissContextTable) SaveCT(mark uint32, handle RuleHandle, ctMark uint32, zone uint16, ctState uint32, outerID uint32, dir Direction) error {
	existing, ok := t.m.Load(mark)
	if !ok || existing.Kind != MissKindCT {
		existing = &MissContext{Kind: MissKindCT, CT: &CTMissRecord{}}
	}
	ct := existing.CT
	ct.CTMark = ctMark
	ct.Zone = zone
	ct.CTState = ctState
	ct.OuterID = outerID
	ct.RuleHandle[dir] = handle
	ct.haveDir[dir] = true
	t.m.Store(mark, existing)
	return nil
}

// SetCTInPort records the ingress port observed for direction dir of
// mark's CT-miss entry. Split from SaveCT because the in-port is
// known at a different point in translation than the rule handle.
func (t *MissContextTable) SetCTInPort(mark uint32, dir Direction, inPort uint32) {
	if existing, ok := t.m.Load(mark); ok && existing.Kind == MissKindCT {
		existing.CT.InPort[dir] = inPort
	}
}

func (t *MissContextTable) Lookup(mark uint32) (*MissContext, bool) {
	return t.m.Load(mark)
}

func (t *MissContextTable) Delete(mark uint32) {
	t.m.Delete(mark)
}
