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

// Package rtewire encodes the pattern/action item lists core builds
// (core.PatternItem, core.ActionItem) into a netlink-style
// type-length-value attribute stream, and decodes them back. It plays
// the same role for this pipeline's driver boundary that
// github.com/mdlayher/netlink plays for ovsnl's genetlink messages:
// neither the NIC vendor driver's wire format nor genetlink itself is
// in scope here, but the attribute codec underneath both is the same
// shape, so driverfake uses it to build a realistic fake wire
// encoding for tests instead of passing Go structs across the
// boundary unencoded.
package rtewire

import (
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// AttrType is the wire tag for one TLV entry. The pattern and action
// item kinds each get their own numbering, matching how core keeps
// PatternType and ActionItemType distinct enumerations for the same
// underlying TLV shape.
type AttrType uint16

// Pattern item attribute types, numbered to match core.PatternType's
// ordering so a decoded stream can be mapped straight back.
const (
	AttrPatternEth AttrType = iota
	AttrPatternVLAN
	AttrPatternIPv4
	AttrPatternTCP
	AttrPatternUDP
	AttrPatternSCTP
	AttrPatternICMP
	AttrPatternVXLAN
	AttrPatternEnd
)

// Action item attribute types, numbered to match core.ActionItemType.
const (
	AttrActionCount AttrType = iota
	AttrActionPortID
	AttrActionJump
	AttrActionRawEncap
	AttrActionMark
	AttrActionRSS
	AttrActionEnd
)

// Item is one TLV entry: a type tag plus its raw payload. The payload
// layout is fixed per type: empty, or a single uint32 produced by
// EncodeUint32 and read back by DecodeUint32.
type Item struct {
	Type AttrType
	Data []byte
}

// EncodePatterns serialises a pattern-item list into a netlink
// attribute stream, one attribute per item in order.
func EncodePatterns(items []Item) ([]byte, error) {
	return encodeItems(items)
}

// EncodeActions serialises an action-item list the same way.
func EncodeActions(items []Item) ([]byte, error) {
	return encodeItems(items)
}

func encodeItems(items []Item) ([]byte, error) {
	attrs := make([]netlink.Attribute, 0, len(items))
	for _, it := range items {
		attrs = append(attrs, netlink.Attribute{Type: uint16(it.Type), Data: it.Data})
	}
	b, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("rtewire: marshal attributes: %w", err)
	}
	return b, nil
}

// DecodeItems parses b back into its TLV entries.
func DecodeItems(b []byte) ([]Item, error) {
	attrs, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return nil, fmt.Errorf("rtewire: unmarshal attributes: %w", err)
	}
	items := make([]Item, 0, len(attrs))
	for _, a := range attrs {
		items = append(items, Item{Type: AttrType(a.Type), Data: a.Data})
	}
	return items, nil
}

// EncodeUint32 builds the single-uint32-field payload shared by
// several item kinds (mark, port-id, jump table).
func EncodeUint32(t AttrType, v uint32) Item {
	return Item{Type: t, Data: nlenc.Uint32Bytes(v)}
}

// DecodeUint32 reads back a single-uint32 payload built by
// EncodeUint32.
func DecodeUint32(data []byte) uint32 {
	return nlenc.Uint32(data)
}
