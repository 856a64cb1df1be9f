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

// FlowKey is the datapath's header-field view of a packet (spec §6
// "Datapath attributes consumed"). A Match pairs one FlowKey holding
// concrete values with a second FlowKey used as a wildcard mask: a
// zero field in Wildcards means "don't care", matching OVS kernel
// flow-key/mask pair semantics.
type FlowKey struct {
	InPort   uint32
	RecircID uint32

	DlSrc net.HardwareAddr
	DlDst net.HardwareAddr
	DlType uint16

	VlanTCI uint16

	NwProto uint8
	NwSrc   uint32
	NwDst   uint32
	NwFrag  uint8

	TpSrc uint16
	TpDst uint16

	// Tunnel metadata.
	TunnelSrc uint32
	TunnelDst uint32
	TunnelID  uint64

	// Connection-tracking metadata.
	CTState   uint32
	CTZone    uint16
	CTMark    uint32
	CTLabel   [4]uint32
	CTNwProto uint8
	CTTpSrc   uint16
	CTTpDst   uint16

	// Fields the validator rejects whenever non-zero (spec §4.H);
	// carried on FlowKey so a single struct models the full datapath
	// attribute set.
	Metadata     uint64
	SkbPriority  uint32
	PktMark      uint32
	DpHash       uint32
	ConjID       uint32
	ActsetOutput uint32

	// Presence flags for header families this pipeline never
	// represents in hardware (MPLS, IPv6, ND, NSH, ARP, IGMP): the
	// validator rejects the match whenever any of these are set,
	// rather than modelling their payloads in full.
	HasMPLS, HasIPv6, HasND, HasNSH, HasARP, HasIGMP bool
}

// Match pairs a concrete FlowKey with its wildcard mask.
type Match struct {
	Flow      FlowKey
	Wildcards FlowKey
}

// CT connection-tracking states recognised beyond "established" are
// rejected by the validator (spec §4.H).
const (
	CTStateNew         uint32 = 1 << 0
	CTStateEstablished uint32 = 1 << 1
	CTStateRelated     uint32 = 1 << 2
	CTStateReplyDir    uint32 = 1 << 3
	CTStateInvalid     uint32 = 1 << 4
	CTStateTracked     uint32 = 1 << 5
)

// ActionKind enumerates the action TLV kinds the datapath may send
// (spec §6).
type ActionKind int

const (
	ActionOutput ActionKind = iota
	ActionTunnelPop
	ActionTunnelPush
	ActionClone
	ActionCT
	ActionRecirc
	ActionPushVLAN
	ActionPopVLAN
	ActionSet
	ActionSetMasked
)

// TunnelPushAttr is the raw-encapsulation header pushed by a
// tunnel_push action.
type TunnelPushAttr struct {
	SrcIP, DstIP net.IP
	SrcMAC, DstMAC net.HardwareAddr
	TunnelID       uint64
	UDPSrc, UDPDst uint16
}

// CTAttr is the CT sub-TLV stream of spec §6.
type CTAttr struct {
	Zone         uint16
	Commit       bool
	ForceCommit  bool
	Helper       string
	Mark         uint32
	MarkMask     uint32
	Labels       [4]uint32
	LabelsMask   [4]uint32
	EventMask    uint32
	NAT          bool
}

// Action is one entry of the action-list TLV stream. Exactly one of
// the pointer fields is meaningful, selected by Kind.
type Action struct {
	Kind ActionKind

	OutputPort uint32 // ActionOutput: datapath port to output to

	// ActionTunnelPop: the vxlan datapath port being decapsulated to.
	TunnelPopPort uint32

	TunnelPush *TunnelPushAttr // ActionTunnelPush

	Clone []Action // ActionClone: nested action list, e.g. [tunnel_push, output]

	CT *CTAttr // ActionCT

	RecircID uint32 // ActionRecirc

	VLANTCI uint16 // ActionPushVLAN

	// ActionSet / ActionSetMasked: which field is rewritten. Only
	// tracked for classification; the translator does not need to
	// synthesise arbitrary set actions for this pipeline.
	SetField string
}
