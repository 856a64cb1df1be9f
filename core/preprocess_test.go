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

import "testing"

// fakeDriver/fakeNetDev are minimal Driver/NetDev doubles local to this
// package's tests, since driverfake lives in a separate package that
// imports core and cannot be imported back here without a cycle.
type fakeDriver struct{ nextHandle uint64 }

func (d *fakeDriver) RuleCreate(NetDev, RuleAttr, []PatternItem, []ActionItem) (RuleHandle, error) {
	d.nextHandle++
	return d.nextHandle, nil
}
func (d *fakeDriver) RuleDestroy(NetDev, RuleHandle) error { return nil }

type fakeNetDev struct {
	name       string
	typeString string
	nrxq       uint16
	hwPortID   uint16
	uplink     bool
	popped     int
}

func (n *fakeNetDev) Name() string       { return n.name }
func (n *fakeNetDev) NRxQ() uint16       { return n.nrxq }
func (n *fakeNetDev) HWPortID() uint16   { return n.hwPortID }
func (n *fakeNetDev) IsUplink() bool     { return n.uplink }
func (n *fakeNetDev) TypeString() string { return n.typeString }
func (n *fakeNetDev) PopHeader(pkt *Packet) {
	n.popped++
	pkt.TunnelSrc, pkt.TunnelDst, pkt.TunnelID = 0, 0, 0
}

func TestPreprocessUnknownMarkIsNoop(t *testing.T) {
	c := New(&fakeDriver{})
	pkt := &Packet{InPort: 5}
	c.Preprocess(pkt, 0xdeadbeef)
	if pkt.InPort != 5 {
		t.Errorf("Preprocess(unknown mark) mutated the packet: %+v", pkt)
	}
}

func TestPreprocessRestoresCTState(t *testing.T) {
	c := New(&fakeDriver{})
	key := TunnelKey{SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{10, 0, 0, 2}, TunID: 7}
	outerID, err := c.tunnels.GetOrAlloc(key)
	if err != nil {
		t.Fatalf("GetOrAlloc: %v", err)
	}
	if err := c.missCtx.SaveCT(42, RuleHandle(1), 0xaa, 3, CTStateEstablished, outerID, DirInit); err != nil {
		t.Fatalf("SaveCT: %v", err)
	}

	pkt := &Packet{}
	c.Preprocess(pkt, 42)

	if pkt.CTState != CTStateEstablished || pkt.CTZone != 3 || pkt.CTMark != 0xaa {
		t.Fatalf("Preprocess(ct-miss) = %+v, want ct_state/zone/mark restored", pkt)
	}
	if pkt.TunnelSrc != 0x0a000001 || pkt.TunnelDst != 0x0a000002 || pkt.TunnelID != 7 {
		t.Fatalf("Preprocess(ct-miss, tunnelled) = %+v, want the interned tunnel 3-tuple restored", pkt)
	}
}

func TestPreprocessRestoresFlowMiss(t *testing.T) {
	c := New(&fakeDriver{})
	if err := c.missCtx.SaveFlow(43, 64, false, 0, 9, false); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	pkt := &Packet{}
	c.Preprocess(pkt, 43)
	if pkt.InPort != 9 {
		t.Fatalf("Preprocess(flow-miss) = %+v, want in_port restored to 9", pkt)
	}
}

func TestPreprocessRestoresVXLANMiss(t *testing.T) {
	c := New(&fakeDriver{})
	nd := &fakeNetDev{name: "vxlan0", typeString: netdevTypeVXLAN}
	if err := c.PortAdd(nd, 2); err != nil {
		t.Fatalf("PortAdd: %v", err)
	}

	pkt := &Packet{TunnelSrc: 1, TunnelDst: 2, TunnelID: 3}
	c.Preprocess(pkt, MinReservedMark)

	if pkt.InPort != 2 {
		t.Fatalf("Preprocess(vxlan-miss) in_port = %d, want 2", pkt.InPort)
	}
	if pkt.TunnelSrc != 0 || pkt.TunnelDst != 0 || pkt.TunnelID != 0 {
		t.Fatalf("Preprocess(vxlan-miss) tunnel fields not cleared by PopHeader: %+v", pkt)
	}
	if nd.popped != 1 {
		t.Fatalf("PopHeader called %d times, want 1", nd.popped)
	}
}
