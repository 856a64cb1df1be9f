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

import (
	"sync"

	"github.com/google/uuid"
)

// TableID identifies a table in the pipeline's fixed, totally-ordered
// table space. Rule jumps must always be from a lower id to a higher
// one (spec §3).
type TableID uint32

// Fixed pipeline tables. The remaining range is reserved for
// dynamically-created per-recirc-id / per-port tables.
const (
	TableUnknown TableID = 0
	TableRoot    TableID = 1
	TableVXLAN   TableID = 2
	TableCT      TableID = 3
	TableCTNAT   TableID = 4

	dynamicTableBase  TableID = 64
	dynamicTableLimit TableID = 65280
)

// canJumpTo reports whether a rule in table `from` may jump to table
// `to`. The source's own Open Question #3 notes that TableUnknown is
// both the sentinel and a valid-looking "table 0"; reject it
// explicitly here rather than let it compare true as a jump target.
func canJumpTo(from, to TableID) bool {
	if to == TableUnknown {
		return false
	}
	return to > from
}

// PortKind classifies a datapath port.
type PortKind int

const (
	PortKindUnknown PortKind = iota
	PortKindPhysical
	PortKindVXLAN
)

func (k PortKind) String() string {
	switch k {
	case PortKindPhysical:
		return "physical"
	case PortKindVXLAN:
		return "vxlan"
	default:
		return "unknown"
	}
}

// maxDefaultRules bounds the number of destination tables a single
// port can hold a default (miss) rule in, matching the "bounded array
// of 31" of spec §3.
const maxDefaultRules = 31

// defaultRuleSlot pairs a destination table with the installed default
// rule's handle, so PortDel and invariant (iii) can find and destroy
// it.
type defaultRuleSlot struct {
	table  TableID
	handle RuleHandle
	netdev NetDev
}

// PortRecord is the per-datapath-port state of spec §3.
type PortRecord struct {
	DPPort uint32
	Kind   PortKind

	// Physical-only fields.
	HWPortID uint16
	NRxQ     uint16
	NetDev   NetDev

	// Virtual (vxlan)-only fields.
	TableID       TableID
	ExceptionMark uint32

	mu           sync.Mutex
	defaultRules []defaultRuleSlot // len <= maxDefaultRules

	flows     *flowRegistry
}

func newPortRecord(dpPort uint32) *PortRecord {
	return &PortRecord{
		DPPort: dpPort,
		flows:  newFlowRegistry(),
	}
}

// defaultRuleFor returns the handle of the default rule installed in
// table, if any.
func (p *PortRecord) defaultRuleFor(table TableID) (RuleHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.defaultRules {
		if s.table == table {
			return s.handle, true
		}
	}
	return nil, false
}

// addDefaultRule records a newly-installed default rule for table. It
// returns an exhausted error if the bounded array is full.
func (p *PortRecord) addDefaultRule(table TableID, handle RuleHandle, netdev NetDev) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.defaultRules {
		if s.table == table {
			// Already present: invariant (iii) is satisfied by the
			// existing rule, nothing to do.
			return nil
		}
	}
	if len(p.defaultRules) >= maxDefaultRules {
		return newErr("addDefaultRule", KindExhausted, errTooManyDefaultRules)
	}
	p.defaultRules = append(p.defaultRules, defaultRuleSlot{table: table, handle: handle, netdev: netdev})
	return nil
}

// removeDefaultRule drops the bookkeeping for table's default rule
// without destroying it; the caller is responsible for the driver
// call.
func (p *PortRecord) removeDefaultRule(table TableID) (defaultRuleSlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.defaultRules {
		if s.table == table {
			p.defaultRules = append(p.defaultRules[:i], p.defaultRules[i+1:]...)
			return s, true
		}
	}
	return defaultRuleSlot{}, false
}

// allDefaultRules returns a snapshot of every default rule slot, for
// PortDel teardown.
func (p *PortRecord) allDefaultRules() []defaultRuleSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]defaultRuleSlot, len(p.defaultRules))
	copy(out, p.defaultRules)
	p.defaultRules = nil
	return out
}

var errTooManyDefaultRules = errString("too many default rules for port")

type errString string

func (e errString) Error() string { return string(e) }

// offloadState is the per-offload-record lifecycle of spec §4.L.
type offloadState int

const (
	stateEmpty offloadState = iota
	statePartial
	stateInstalled
	stateReplacing
	stateDestroyed
)

// ruleRef is one hardware rule owned by an OffloadRecord, together
// with the netdev it was installed against (fan-out installs one rule
// per uplink, each on a different netdev).
type ruleRef struct {
	Handle RuleHandle
	NetDev NetDev
	Table  TableID
}

// OffloadRecord binds one logical flow-id to the vector of hardware
// rules it produced (spec §3). Capacity is fixed at allocation: 1 for
// a local rule, N for a tunnel-decap rule that fans out across N
// uplinks.
type OffloadRecord struct {
	FlowID   uuid.UUID
	Capacity int

	// Resources held on this record's behalf in the shared registries,
	// released by Core.destroyRecordRules when the record is torn down.
	// TunnelKey is nil unless the CT path interned the flow's outer
	// 3-tuple; HasRecirc is false unless a recirc-id's hw-table-id was
	// allocated or referenced.
	TunnelKey *TunnelKey
	HasRecirc bool
	RecircID  uint32

	// HasMatchRecirc/MatchRecircID track the separate reference taken
	// when this record's own match sits in a recirc table, as opposed
	// to RecircID above, which an action (ct) allocates for a future
	// downstream match (spec §4.C, §4.I).
	HasMatchRecirc bool
	MatchRecircID  uint32

	// Marks holds every mark this record's ct path (representable or
	// mark-and-RSS fallback) allocated from Core.marks, so
	// destroyRecordRules can delete the
	// matching MissContextTable entries and return the marks to the
	// pool (spec §9 "the miss-context is always deleted before the rule
	// is destroyed").
	Marks []uint32

	mu    sync.Mutex
	rules []ruleRef
	state offloadState
}

func newOffloadRecord(flowID uuid.UUID, capacity int) *OffloadRecord {
	return &OffloadRecord{FlowID: flowID, Capacity: capacity, state: stateEmpty}
}

// addRule appends a rule to the record. It is an invariant violation
// to add past Capacity (spec §3: "rules installed past capacity are
// destroyed immediately and dropped" — the caller is expected to check
// remaining() before calling addRule and destroy-on-the-spot instead).
func (r *OffloadRecord) addRule(ref ruleRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rules) >= r.Capacity {
		invariantViolated("OffloadRecord.addRule", errString("offload record overflow past capacity"))
	}
	r.rules = append(r.rules, ref)
	switch {
	case len(r.rules) == r.Capacity:
		r.state = stateInstalled
	default:
		r.state = statePartial
	}
}

// remaining reports how many more rules addRule can accept.
func (r *OffloadRecord) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Capacity - len(r.rules)
}

func (r *OffloadRecord) ruleSnapshot() []ruleRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ruleRef, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *OffloadRecord) markReplacing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateReplacing
}

func (r *OffloadRecord) markDestroyed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateDestroyed
}
