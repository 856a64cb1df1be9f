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

// RuleHandle is the driver-opaque value returned by RuleCreate and
// later passed back to RuleDestroy. The core never inspects it.
type RuleHandle interface{}

// NetDev is the subset of the vendor netdev object the core needs
// (spec §6 "Driver surface (consumed)"). The real implementation lives
// in the out-of-scope NIC vendor driver; driverfake provides a test
// double.
type NetDev interface {
	Name() string
	NRxQ() uint16
	HWPortID() uint16
	IsUplink() bool
	TypeString() string
	PopHeader(pkt *Packet)
}

// RuleAttr carries the per-rule metadata the driver needs beyond the
// pattern/action lists: which table to install into and at what
// priority.
type RuleAttr struct {
	Table    TableID
	Priority uint32
}

// Driver is the NIC vendor driver's rule-offload surface (spec §6).
// It is synchronous: RuleCreate/RuleDestroy do not retry on transient
// failure (spec §1 non-goals) and are never called from the packet
// fast path (spec §5).
type Driver interface {
	RuleCreate(netdev NetDev, attr RuleAttr, patterns []PatternItem, actions []ActionItem) (RuleHandle, error)
	RuleDestroy(netdev NetDev, handle RuleHandle) error
}
