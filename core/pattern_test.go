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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func lastType(items []PatternItem) PatternType {
	return items[len(items)-1].Type
}

func TestBuildPatternItemsUDPTunnelPop(t *testing.T) {
	m := Match{
		Flow: FlowKey{
			DlType:  0x0800,
			NwProto: 17,
			TpDst:   vxlanUDPPort,
		},
		Wildcards: FlowKey{
			DlType:  0xffff,
			NwProto: 0xff,
			TpDst:   0xffff,
		},
	}

	items, err := buildPatternItems(m, false)
	if err != nil {
		t.Fatalf("buildPatternItems: %v", err)
	}

	wantTypes := []PatternType{PatternTypeEth, PatternTypeIPv4, PatternTypeUDP, PatternTypeEnd}
	if len(items) != len(wantTypes) {
		t.Fatalf("buildPatternItems returned %d items, want %d (%v)", len(items), len(wantTypes), items)
	}
	for i, want := range wantTypes {
		if items[i].Type != want {
			t.Errorf("item %d type = %v, want %v", i, items[i].Type, want)
		}
	}

	ipv4 := items[1].Spec.(*IPv4Spec)
	if ipv4.Proto != 17 {
		t.Errorf("ipv4 spec proto = %d, want 17", ipv4.Proto)
	}
	ipv4Mask := items[1].Mask.(*IPv4Spec)
	if ipv4Mask.Proto != 0 {
		t.Errorf("ipv4 mask proto = %d, want 0 (cleared in favor of the L4 item)", ipv4Mask.Proto)
	}

	udp := items[2].Spec.(*UDPSpec)
	if udp.DstPort != vxlanUDPPort {
		t.Errorf("udp spec dst port = %d, want %d", udp.DstPort, vxlanUDPPort)
	}
}

func TestBuildPatternItemsNonIPSkipsL3L4(t *testing.T) {
	m := Match{
		Wildcards: FlowKey{DlType: 0xffff},
		Flow:      FlowKey{DlType: 0x0806}, // ARP ethertype, not matched on IPv4
	}
	items, err := buildPatternItems(m, false)
	if err != nil {
		t.Fatalf("buildPatternItems: %v", err)
	}
	if lastType(items) != PatternTypeEnd {
		t.Fatalf("buildPatternItems result not sentinel-terminated: %v", items)
	}
	if len(items) != 2 { // eth + end
		t.Fatalf("buildPatternItems(non-ip dl_type) = %d items, want 2 (eth, end)", len(items))
	}
}

func TestBuildPatternItemsRejectsPartialPortMask(t *testing.T) {
	m := Match{
		Flow:      FlowKey{DlType: 0x0800, NwProto: 6, TpDst: 80},
		Wildcards: FlowKey{DlType: 0xffff, NwProto: 0xff, TpDst: 0x00ff},
	}
	_, err := buildPatternItems(m, false)
	if !IsUnsupported(err) {
		t.Fatalf("buildPatternItems(partial port mask) = %v, want KindUnsupported", err)
	}
}

func TestBuildPatternItemsTunnelMatchShape(t *testing.T) {
	m := Match{
		Flow: FlowKey{
			TunnelSrc: 0x0a000001,
			TunnelDst: 0x0a000002,
			TunnelID:  uint64(0x2a) << 32,
		},
		Wildcards: FlowKey{
			TunnelSrc: 0xffffffff,
			TunnelDst: 0xffffffff,
			TunnelID:  0xffffffff << 32,
		},
	}

	items, err := buildPatternItems(m, true)
	if err != nil {
		t.Fatalf("buildPatternItems(tunnel match): %v", err)
	}
	wantTypes := []PatternType{PatternTypeEth, PatternTypeIPv4, PatternTypeUDP, PatternTypeVXLAN, PatternTypeEnd}
	if len(items) != len(wantTypes) {
		t.Fatalf("buildPatternItems(tunnel match) returned %d items, want %d (%v)", len(items), len(wantTypes), items)
	}
	for i, want := range wantTypes {
		if items[i].Type != want {
			t.Errorf("item %d type = %v, want %v", i, items[i].Type, want)
		}
	}

	wantUDP := &UDPSpec{DstPort: vxlanUDPPort}
	if diff := cmp.Diff(wantUDP, items[2].Spec); diff != "" {
		t.Errorf("tunnel match udp spec mismatch (-want +got):\n%s", diff)
	}

	wantVXLAN := &VXLANSpec{VNI: 0x2a}
	if diff := cmp.Diff(wantVXLAN, items[3].Spec); diff != "" {
		t.Errorf("tunnel match vxlan spec mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPatternItemsGrowsPastEight(t *testing.T) {
	// Exercise patternBuilder's doubling path directly: the real
	// pattern shapes stay inside the initial capacity of 8, so 20 items
	// are added here to force growth (8 -> 16 -> 32) and check that no
	// item is lost on the way.
	pb := newPatternBuilder()
	for i := 0; i < 20; i++ {
		pb.add(PatternItem{Type: PatternTypeEth})
	}
	items := pb.build()
	if len(items) != 21 {
		t.Fatalf("patternBuilder.build() = %d items, want 21 (20 + end sentinel)", len(items))
	}
	if lastType(items) != PatternTypeEnd {
		t.Errorf("patternBuilder.build() not sentinel-terminated")
	}
}
