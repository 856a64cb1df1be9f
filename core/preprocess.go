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

import "go.uber.org/zap"

// preprocess recovers the metadata a partial-offload hit implicitly
// consumed before handing the packet to software (spec §4.K). It
// dispatches on the MissContext tagged union stored under mark; an
// unknown mark is logged and dropped rather than treated as an error,
// since a stale or racing mark is expected at the packet fast path
// (spec §9 "Preprocessor never mutates core state").
func (c *Core) preprocess(pkt *Packet, mark uint32) {
	mc, ok := c.missCtx.Lookup(mark)
	if !ok {
		c.log.Debug("preprocess: unknown mark", zap.Uint32("mark", mark))
		return
	}

	switch mc.Kind {
	case MissKindCT:
		c.restoreCT(pkt, mc)
	case MissKindFlow, MissKindFlowCT:
		c.restoreFlow(pkt, mc)
	case MissKindVXLAN:
		c.restoreVXLAN(pkt, mark, mc)
	default:
		invariantViolated("preprocess", errString("unrecognised miss-context kind"))
	}
}

// restoreCT replays a CT-miss record's saved ct_state/ct_zone/ct_mark
// onto pkt and, when the flow was tunnelled, the tunnel 3-tuple looked
// up from its outer-id (spec §4.K "ct-miss").
func (c *Core) restoreCT(pkt *Packet, mc *MissContext) {
	if mc.CT == nil {
		invariantViolated("restoreCT", errString("ct-miss context missing its CT payload"))
	}
	ct := mc.CT
	pkt.CTState = ct.CTState
	pkt.CTZone = ct.Zone
	pkt.CTMark = ct.CTMark

	if ct.OuterID == 0 {
		return
	}
	key, ok := c.tunnels.LookupByID(ct.OuterID)
	if !ok {
		c.log.Warn("restoreCT: outer-id no longer interned", zap.Uint32("outer_id", ct.OuterID))
		return
	}
	pkt.TunnelSrc = be32(key.SrcIP)
	pkt.TunnelDst = be32(key.DstIP)
	pkt.TunnelID = key.TunID
}

// restoreFlow replays a flow-miss record's in-port onto pkt (spec
// §4.K "flow-miss" / "flow-and-ct-miss" — the ct half, when present,
// is recovered from the packet's own ct_state by the datapath above
// the core, not from this record).
func (c *Core) restoreFlow(pkt *Packet, mc *MissContext) {
	if mc.Flow == nil {
		invariantViolated("restoreFlow", errString("flow-miss context missing its Flow payload"))
	}
	pkt.InPort = mc.Flow.InPort
	if mc.Flow.OuterID == 0 {
		return
	}
	key, ok := c.tunnels.LookupByID(mc.Flow.OuterID)
	if !ok {
		c.log.Warn("restoreFlow: outer-id no longer interned", zap.Uint32("outer_id", mc.Flow.OuterID))
		return
	}
	pkt.TunnelSrc = be32(key.SrcIP)
	pkt.TunnelDst = be32(key.DstIP)
	pkt.TunnelID = key.TunID
}

// restoreVXLAN handles a miss against a vxlan default rule: the
// hardware delivered the packet still encapsulated, so software must
// finish the decap itself before further processing (spec §4.K
// "vxlan-miss").
func (c *Core) restoreVXLAN(pkt *Packet, mark uint32, mc *MissContext) {
	vxlanPort, ok := c.ports.ByMark(mark)
	if !ok {
		c.log.Warn("restoreVXLAN: no vxlan port owns this mark", zap.Uint32("mark", mark))
		return
	}
	if vxlanPort.NetDev != nil {
		vxlanPort.NetDev.PopHeader(pkt)
	}
	pkt.InPort = vxlanPort.DPPort
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
