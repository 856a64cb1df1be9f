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

package core_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/flowdev/hwoffload/core"
	"github.com/flowdev/hwoffload/driverfake"
)

const dpPortUplink = 1
const dpPortVXLAN = 2

func newTestCore() (*core.Core, *driverfake.Driver) {
	d := driverfake.New()
	return core.New(d), d
}

func tcpMatch(inPort uint32) core.Match {
	return core.Match{
		Flow: core.FlowKey{
			InPort:  inPort,
			DlType:  0x0800,
			NwProto: 6,
			TpDst:   80,
		},
		Wildcards: core.FlowKey{
			InPort:  0xffffffff,
			DlType:  0xffff,
			NwProto: 0xff,
			TpDst:   0xffff,
		},
	}
}

func TestFlowPutOutputInstallsOneRule(t *testing.T) {
	c, d := newTestCore()
	uplink := driverfake.NewPhysicalNetDev("eth0", 1, 4, true)
	target := driverfake.NewPhysicalNetDev("eth1", 2, 4, true)

	if err := c.PortAdd(uplink, dpPortUplink); err != nil {
		t.Fatalf("PortAdd(uplink): %v", err)
	}
	if err := c.PortAdd(target, 3); err != nil {
		t.Fatalf("PortAdd(target): %v", err)
	}

	match := tcpMatch(dpPortUplink)
	actions := []core.Action{{Kind: core.ActionOutput, OutputPort: 3}}
	flowID := uuid.New()

	if _, err := c.FlowPut(uplink, match, actions, flowID, core.FlowPutInfo{}); err != nil {
		t.Fatalf("FlowPut: %v", err)
	}
	if d.RuleCount() != 1 {
		t.Fatalf("RuleCount() = %d, want 1", d.RuleCount())
	}

	if _, err := c.FlowDel(uplink, flowID); err != nil {
		t.Fatalf("FlowDel: %v", err)
	}
	if d.RuleCount() != 0 {
		t.Fatalf("RuleCount() after FlowDel = %d, want 0", d.RuleCount())
	}
}

func TestFlowPutTunnelPopInstallsJumpAndDefault(t *testing.T) {
	c, d := newTestCore()
	uplink := driverfake.NewPhysicalNetDev("eth0", 1, 4, true)
	vxlan := driverfake.NewVXLANNetDev("vxlan0")

	if err := c.PortAdd(uplink, dpPortUplink); err != nil {
		t.Fatalf("PortAdd(uplink): %v", err)
	}
	if err := c.PortAdd(vxlan, dpPortVXLAN); err != nil {
		t.Fatalf("PortAdd(vxlan): %v", err)
	}

	match := core.Match{
		Flow: core.FlowKey{
			InPort:  dpPortUplink,
			DlType:  0x0800,
			NwProto: 17,
			TpDst:   4789,
		},
		Wildcards: core.FlowKey{
			InPort:  0xffffffff,
			DlType:  0xffff,
			NwProto: 0xff,
			TpDst:   0xffff,
		},
	}
	actions := []core.Action{{Kind: core.ActionTunnelPop, TunnelPopPort: dpPortVXLAN}}
	flowID := uuid.New()

	if _, err := c.FlowPut(uplink, match, actions, flowID, core.FlowPutInfo{}); err != nil {
		t.Fatalf("FlowPut(tunnel_pop): %v", err)
	}
	// One jump rule in root plus one default (mark+RSS) rule installed
	// the first time this table's default is needed.
	if d.RuleCount() != 2 {
		t.Fatalf("RuleCount() = %d, want 2 (jump + default)", d.RuleCount())
	}

	// A second tunnel_pop flow through the same uplink/vxlan pair must
	// not install a second default rule.
	match2 := match
	match2.Flow.TpSrc = 12345
	match2.Wildcards.TpSrc = 0xffff
	flowID2 := uuid.New()
	if _, err := c.FlowPut(uplink, match2, actions, flowID2, core.FlowPutInfo{}); err != nil {
		t.Fatalf("FlowPut(second tunnel_pop): %v", err)
	}
	if d.RuleCount() != 3 {
		t.Fatalf("RuleCount() after second flow = %d, want 3 (2 jumps + 1 default)", d.RuleCount())
	}
}

func TestFlowPutRejectsUnknownInPort(t *testing.T) {
	c, _ := newTestCore()
	match := tcpMatch(99)
	_, err := c.FlowPut(driverfake.NewPhysicalNetDev("eth0", 1, 4, true), match, []core.Action{{Kind: core.ActionOutput, OutputPort: 1}}, uuid.New(), core.FlowPutInfo{})
	if !core.IsNotFound(err) {
		t.Fatalf("FlowPut(unknown in-port) = %v, want a not-found error", err)
	}
}

func TestFlowDelUnknownFlowID(t *testing.T) {
	c, _ := newTestCore()
	_, err := c.FlowDel(driverfake.NewPhysicalNetDev("eth0", 1, 4, true), uuid.New())
	if !core.IsNotFound(err) {
		t.Fatalf("FlowDel(unknown flow_id) = %v, want a not-found error", err)
	}
}

func TestPortDelTearsDownOwnedFlows(t *testing.T) {
	c, d := newTestCore()
	uplink := driverfake.NewPhysicalNetDev("eth0", 1, 4, true)
	target := driverfake.NewPhysicalNetDev("eth1", 2, 4, true)
	if err := c.PortAdd(uplink, dpPortUplink); err != nil {
		t.Fatalf("PortAdd(uplink): %v", err)
	}
	if err := c.PortAdd(target, 3); err != nil {
		t.Fatalf("PortAdd(target): %v", err)
	}

	match := tcpMatch(dpPortUplink)
	actions := []core.Action{{Kind: core.ActionOutput, OutputPort: 3}}
	flowID := uuid.New()
	if _, err := c.FlowPut(uplink, match, actions, flowID, core.FlowPutInfo{}); err != nil {
		t.Fatalf("FlowPut: %v", err)
	}
	if d.RuleCount() != 1 {
		t.Fatalf("RuleCount() before PortDel = %d, want 1", d.RuleCount())
	}

	if err := c.PortDel(dpPortUplink); err != nil {
		t.Fatalf("PortDel: %v", err)
	}
	if d.RuleCount() != 0 {
		t.Fatalf("RuleCount() after PortDel = %d, want 0", d.RuleCount())
	}

	if _, err := c.FlowDel(uplink, flowID); !core.IsNotFound(err) {
		t.Fatalf("FlowDel after owning port deleted = %v, want a not-found error", err)
	}
}

func TestFlowPutFanoutFirstCreateFailureLeavesNoStaleState(t *testing.T) {
	c, d := newTestCore()
	vxlan := driverfake.NewVXLANNetDev("vxlan0")
	up1 := driverfake.NewPhysicalNetDev("eth0", 1, 4, true)
	up2 := driverfake.NewPhysicalNetDev("eth1", 2, 4, true)
	if err := c.PortAdd(up1, 10); err != nil {
		t.Fatalf("PortAdd(up1): %v", err)
	}
	if err := c.PortAdd(up2, 11); err != nil {
		t.Fatalf("PortAdd(up2): %v", err)
	}
	if err := c.PortAdd(vxlan, dpPortVXLAN); err != nil {
		t.Fatalf("PortAdd(vxlan): %v", err)
	}

	match := core.Match{
		Flow:      core.FlowKey{InPort: dpPortVXLAN, DlType: 0x0800, NwProto: 6, TpDst: 80},
		Wildcards: core.FlowKey{InPort: 0xffffffff, DlType: 0xffff, NwProto: 0xff, TpDst: 0xffff},
	}
	actions := []core.Action{{Kind: core.ActionOutput, OutputPort: 10}}

	d.FailNext = 1 // the first fan-out rule create fails
	flowID := uuid.New()
	_, err := c.FlowPut(vxlan, match, actions, flowID, core.FlowPutInfo{})
	if err == nil {
		t.Fatalf("FlowPut(fan-out, one target failing): want an error, got nil")
	}
	// Fan-out target order is not guaranteed, so either uplink may be
	// the one whose create fails. A failure at the first rule stops the
	// fan-out and installs nothing; the checks below allow at most one
	// live rule and require FlowDel to clean up whatever state resulted.
	if n := d.RuleCount(); n > 1 {
		t.Fatalf("RuleCount() after partial fan-out failure = %d, want at most 1", n)
	}
	installed := d.RuleCount()

	_, delErr := c.FlowDel(vxlan, flowID)
	if installed > 0 {
		if delErr != nil {
			t.Fatalf("FlowDel(partially-installed record): %v", delErr)
		}
		if d.RuleCount() != 0 {
			t.Fatalf("RuleCount() after FlowDel = %d, want 0", d.RuleCount())
		}
	} else if !core.IsNotFound(delErr) {
		t.Fatalf("FlowDel(wholly-failed record) = %v, want a not-found error", delErr)
	}
}
