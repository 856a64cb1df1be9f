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

import "net"

// PatternType enumerates the hardware pattern item kinds the
// translator can emit (spec §4.G/§4.J).
type PatternType int

const (
	PatternTypeEth PatternType = iota
	PatternTypeVLAN
	PatternTypeIPv4
	PatternTypeTCP
	PatternTypeUDP
	PatternTypeSCTP
	PatternTypeICMP
	PatternTypeVXLAN
	PatternTypeEnd
)

// EthSpec, VLANSpec, ... are the hardware-facing specs a PatternItem
// borrows a pointer to. Nothing frees them explicitly; the garbage
// collector keeps them alive for as long as the PatternItem slice the
// driver call receives is reachable.
type EthSpec struct{ Src, Dst net.HardwareAddr }
type VLANSpec struct{ TCI uint16 }
type IPv4Spec struct {
	Proto    uint8
	Src, Dst uint32
}
type TCPSpec struct{ SrcPort, DstPort uint16 }
type UDPSpec struct{ SrcPort, DstPort uint16 }
type SCTPSpec struct{ SrcPort, DstPort uint16 }
type ICMPSpec struct{ Type, Code uint8 }

// VXLANSpec carries the 24-bit VNI extracted from the high 32 bits of
// a tunnel id (spec §4.J).
type VXLANSpec struct{ VNI uint32 }

// PatternItem is one entry of the pattern list handed to the driver:
// a type tag plus borrowed spec/mask pointers. Last is always nil in
// this pipeline (no range matches are synthesised), kept only because
// spec §4.G names it as part of the item shape.
type PatternItem struct {
	Type PatternType
	Spec interface{}
	Mask interface{}
	Last interface{}
}

// patternBuilder is the growable pattern-item vector of spec §4.G: it
// doubles capacity starting from 8, mirroring the reference
// implementation's vector growth, and is terminated with a
// PatternTypeEnd sentinel by Build.
type patternBuilder struct {
	items []PatternItem
}

func newPatternBuilder() *patternBuilder {
	return &patternBuilder{items: make([]PatternItem, 0, 8)}
}

func (b *patternBuilder) grow() {
	if len(b.items) < cap(b.items) {
		return
	}
	newCap := cap(b.items) * 2
	if newCap == 0 {
		newCap = 8
	}
	grown := make([]PatternItem, len(b.items), newCap)
	copy(grown, b.items)
	b.items = grown
}

func (b *patternBuilder) add(item PatternItem) {
	b.grow()
	b.items = append(b.items, item)
}

// build returns the finished, sentinel-terminated pattern list.
func (b *patternBuilder) build() []PatternItem {
	out := make([]PatternItem, len(b.items), len(b.items)+1)
	copy(out, b.items)
	return append(out, PatternItem{Type: PatternTypeEnd})
}
