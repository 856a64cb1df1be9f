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

// Package driverfake provides an in-memory core.Driver and core.NetDev
// implementation for tests, grounded on the fake-dial pattern
// ovsnl_test uses for genetlink (genltest.Dial): a deterministic stand-in
// that speaks the same wire encoding a real vendor driver would,
// without a real NIC underneath.
package driverfake

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowdev/hwoffload/core"
	"github.com/flowdev/hwoffload/internal/rtewire"
	"github.com/mdlayher/genetlink"
)

// ruleCreateCommand/ruleDestroyCommand stand in for the vendor
// command numbers a real NIC driver exposed over generic netlink
// would register, framing each fake rule the way ovsnl frames an
// "ovs_flow" request: a genetlink.Header plus a TLV-encoded body.
const (
	ruleCreateCommand  uint8 = 1
	ruleDestroyCommand uint8 = 2
	ruleWireVersion    uint8 = 1
)

// ErrForcedFailure is returned by RuleCreate while a Driver's FailNext
// counter is positive, simulating a vendor driver rejecting a rule.
var ErrForcedFailure = errors.New("driverfake: forced rule-create failure")

// NetDev is a minimal core.NetDev test double.
type NetDev struct {
	name       string
	nrxq       uint16
	hwPortID   uint16
	uplink     bool
	typeString string

	mu      sync.Mutex
	popped  []*core.Packet
}

// NewPhysicalNetDev builds a NetDev reporting TypeString "dpdk", the
// kind core.Core.PortAdd classifies as a physical port.
func NewPhysicalNetDev(name string, hwPortID, nrxq uint16, uplink bool) *NetDev {
	return &NetDev{name: name, hwPortID: hwPortID, nrxq: nrxq, uplink: uplink, typeString: "dpdk"}
}

// NewVXLANNetDev builds a NetDev reporting TypeString "vxlan", the
// kind core.Core.PortAdd classifies as a virtual tunnel port.
func NewVXLANNetDev(name string) *NetDev {
	return &NetDev{name: name, typeString: "vxlan"}
}

func (n *NetDev) Name() string       { return n.name }
func (n *NetDev) NRxQ() uint16       { return n.nrxq }
func (n *NetDev) HWPortID() uint16   { return n.hwPortID }
func (n *NetDev) IsUplink() bool     { return n.uplink }
func (n *NetDev) TypeString() string { return n.typeString }

// PopHeader records the call and zeroes the packet's tunnel metadata,
// standing in for a real vendor driver finishing a vxlan decap that
// hardware only partially performed (core §4.K "vxlan-miss").
func (n *NetDev) PopHeader(pkt *core.Packet) {
	n.mu.Lock()
	n.popped = append(n.popped, pkt)
	n.mu.Unlock()
	pkt.TunnelSrc = 0
	pkt.TunnelDst = 0
	pkt.TunnelID = 0
}

// PopHeaderCalls reports how many times PopHeader has been invoked.
func (n *NetDev) PopHeaderCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.popped)
}

// Rule is one installed hardware rule, kept for test assertions.
type Rule struct {
	Handle   uint64
	NetDev   *NetDev
	Table    core.TableID
	Priority uint32

	PatternWire []byte
	ActionWire  []byte

	// Framed is the genetlink-style envelope around PatternWire and
	// ActionWire: a generic-netlink Header whose Command records which
	// operation produced this rule, the way a real vendor driver
	// exposed over genetlink would frame a rule-create response.
	Framed genetlink.Message
}

// Driver is an in-memory core.Driver. It is safe for concurrent use.
type Driver struct {
	mu         sync.Mutex
	nextHandle uint64
	rules      map[uint64]*Rule
	calls      []string

	// FailNext, when positive, makes the next N RuleCreate calls fail
	// with ErrForcedFailure and decrements by one per call; it is the
	// test hook for exercising fan-out partial-failure and rollback
	// behaviour.
	FailNext int32
}

// New builds an empty Driver.
func New() *Driver {
	return &Driver{rules: make(map[uint64]*Rule)}
}

// RuleCreate implements core.Driver.
func (d *Driver) RuleCreate(netdev core.NetDev, attr core.RuleAttr, patterns []core.PatternItem, actions []core.ActionItem) (core.RuleHandle, error) {
	if atomic.LoadInt32(&d.FailNext) > 0 {
		atomic.AddInt32(&d.FailNext, -1)
		return nil, ErrForcedFailure
	}

	nd, ok := netdev.(*NetDev)
	if !ok {
		return nil, fmt.Errorf("driverfake: netdev is not a *driverfake.NetDev: %T", netdev)
	}

	pw, err := rtewire.EncodePatterns(patternWireItems(patterns))
	if err != nil {
		return nil, err
	}
	aw, err := rtewire.EncodeActions(actionWireItems(actions))
	if err != nil {
		return nil, err
	}

	body := append(append([]byte{}, pw...), aw...)
	framed := genetlink.Message{
		Header: genetlink.Header{Command: ruleCreateCommand, Version: ruleWireVersion},
		Data:   body,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	handle := d.nextHandle
	d.rules[handle] = &Rule{
		Handle: handle, NetDev: nd, Table: attr.Table, Priority: attr.Priority,
		PatternWire: pw, ActionWire: aw, Framed: framed,
	}
	d.calls = append(d.calls, fmt.Sprintf("create:%d", handle))
	return handle, nil
}

// RuleDestroy implements core.Driver.
func (d *Driver) RuleDestroy(netdev core.NetDev, handle core.RuleHandle) error {
	h, ok := handle.(uint64)
	if !ok {
		return fmt.Errorf("driverfake: handle is not a uint64: %T", handle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rules[h]; !ok {
		return fmt.Errorf("driverfake: unknown rule handle %d", h)
	}
	delete(d.rules, h)
	d.calls = append(d.calls, fmt.Sprintf("destroy:%d", h))
	return nil
}

// CallLog returns every RuleCreate/RuleDestroy call in invocation
// order, as "create:<handle>"/"destroy:<handle>" entries, so tests can
// assert on ordering (e.g. that a replace destroys before it creates).
func (d *Driver) CallLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// Rules returns a snapshot of every currently-installed rule, for test
// assertions.
func (d *Driver) Rules() []*Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Rule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, r)
	}
	return out
}

// RuleCount returns the number of currently-installed rules.
func (d *Driver) RuleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rules)
}

func patternWireItems(patterns []core.PatternItem) []rtewire.Item {
	items := make([]rtewire.Item, 0, len(patterns))
	for _, p := range patterns {
		items = append(items, rtewire.Item{Type: rtewire.AttrType(p.Type)})
	}
	return items
}

func actionWireItems(actions []core.ActionItem) []rtewire.Item {
	items := make([]rtewire.Item, 0, len(actions))
	for _, a := range actions {
		switch conf := a.Conf.(type) {
		case *core.PortIDConf:
			items = append(items, rtewire.EncodeUint32(rtewire.AttrType(a.Type), uint32(conf.HWPortID)))
		case *core.JumpConf:
			items = append(items, rtewire.EncodeUint32(rtewire.AttrType(a.Type), uint32(conf.Table)))
		case *core.MarkConf:
			items = append(items, rtewire.EncodeUint32(rtewire.AttrType(a.Type), conf.Mark))
		default:
			items = append(items, rtewire.Item{Type: rtewire.AttrType(a.Type)})
		}
	}
	return items
}
