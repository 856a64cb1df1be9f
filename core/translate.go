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
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// translateRequest bundles everything the translator needs to turn a
// classified (match, actions) pair into hardware rules (spec §4.J).
type translateRequest struct {
	netdev     NetDev
	port       *PortRecord
	match      Match
	actions    []Action
	matchKind  MatchKind
	actionKind ActionKindTag
	flowID     uuid.UUID
	info       FlowPutInfo
}

// translateResult carries the installed rules plus whatever shared
// resources (tunnel outer-id, recirc hw-table-id) they depend on, so
// FlowPut/destroyRecordRules can keep the registries' refcounts
// balanced across the record's lifetime.
type translateResult struct {
	rules     []ruleRef
	capacity  int
	tunnelKey *TunnelKey
	hasRecirc bool
	recircID  uint32

	// hasMatchRecirc/matchRecircID track the *separate* reference
	// tableForMatch takes on req.match.Flow.RecircID's hw-table-id
	// whenever the match itself sits in a recirc table — distinct from
	// hasRecirc/recircID above, which track an action's own recirc-id
	// (spec §4.C, §4.I).
	hasMatchRecirc bool
	matchRecircID  uint32

	missRegs []func(*MissContextTable)
	marks    []uint32
}

// priority constants for the two rule shapes this pipeline installs:
// everything except default (miss) rules runs at priorityNormal, so
// that default rules - always at priorityLowest - never shadow a real
// match (spec §4.J "default rule... lowest priority").
const (
	priorityNormal uint32 = 32768
	priorityLowest uint32 = 1
)

// tableCloneEncap is a fixed table reserved for the second hop of a
// clone(tunnel_push, output) chain. The source material describes this
// as "table 1", which would collide with TableRoot; that can only be a
// generic placeholder, since a rule can never jump to its own table
// (spec §3 "jumps strictly increase table id"). Treating it as its own
// fixed table keeps the chain two real hops, analogous to how VXLAN/CT
// /CT_NAT are themselves fixed tables above ROOT.
const tableCloneEncap TableID = 63

// vxlanUDPPort is the well-known VXLAN destination UDP port matched by
// a tunnel_pop rule's pattern.
const vxlanUDPPort uint16 = 4789

// translate is the single entry point FlowPut calls after validation
// and classification (spec §4.J). It dispatches on actionKind; each
// branch builds patterns, builds actions, and installs via c.driver.
func (c *Core) translate(req translateRequest) (translateResult, error) {
	switch req.actionKind {
	case ActionTagTunnelPop:
		return c.synthTunnelPop(req)
	case ActionTagCT:
		return c.synthCT(req)
	case ActionTagOutput:
		return c.synthOutput(req)
	default:
		return translateResult{}, newErr("translate", KindUnsupported, errString("unrecognised action kind"))
	}
}

// tableForMatch resolves the table a rule belongs in from its
// classified kind (spec §4.I/§4.J). When mk is MatchKindRecirc this
// takes a reference on recircID's hw-table-id intern entry; the caller
// owns that reference and must fold it into its translateResult's
// hasMatchRecirc/matchRecircID so destroyRecordRules can release it.
func (c *Core) tableForMatch(mk MatchKind, recircID uint32) (TableID, error) {
	switch mk {
	case MatchKindRoot:
		return TableRoot, nil
	case MatchKindVportRoot:
		return TableVXLAN, nil
	case MatchKindRecirc:
		return c.tableIDs.GetOrAllocRecirc(recircID)
	default:
		return TableUnknown, newErr("tableForMatch", KindInvariantViolated, errString("unrecognised match kind"))
	}
}

// fanoutTargets returns the physical ports a rule for req must be
// installed against: the ingress port itself for root/recirc matches,
// or every uplink physical port when the ingress is virtual, since a
// vxlan port is not bound to any one uplink (spec §4.J "fan-out",
// §4.L "virtual port -> fan-out path").
func (c *Core) fanoutTargets(req translateRequest) ([]*PortRecord, error) {
	if req.matchKind != MatchKindVportRoot {
		return []*PortRecord{req.port}, nil
	}
	var out []*PortRecord
	for _, p := range c.ports.PhysicalPorts() {
		if p.NetDev != nil && p.NetDev.IsUplink() {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, newErr("fanoutTargets", KindNotFound, errString("no uplink physical ports available for fan-out"))
	}
	return out, nil
}

// ruleBuildFunc builds the pattern/action lists for one fan-out
// target, so installAcrossTargets can share the best-effort install
// policy (no retry; stop at the first driver failure) across every
// action-synthesis branch.
type ruleBuildFunc func(target *PortRecord) ([]PatternItem, []ActionItem)

// installAcrossTargets installs one rule per target in table, stopping
// at the first driver failure. A failure before any rule succeeds
// rolls back to nothing installed; a failure partway through a fan-out
// keeps what already succeeded (spec §7 "driver-failure at first rule
// -> rollback... driver-failure mid-fan-out -> partial install
// retained").
func (c *Core) installAcrossTargets(targets []*PortRecord, build ruleBuildFunc, table TableID) ([]ruleRef, error) {
	var refs []ruleRef
	for _, t := range targets {
		patterns, actions := build(t)
		handle, err := c.driver.RuleCreate(t.NetDev, RuleAttr{Table: table, Priority: priorityNormal}, patterns, actions)
		if err != nil {
			if len(refs) == 0 {
				return nil, newErr("installAcrossTargets", KindDriverFailure, err)
			}
			c.metrics.FanoutPartial.Inc()
			return refs, newErr("installAcrossTargets", KindDriverFailure, err)
		}
		refs = append(refs, ruleRef{Handle: handle, NetDev: t.NetDev, Table: table})
	}
	return refs, nil
}

// synthOutput builds the direct-output or clone(tunnel_push, output)
// rule shape (spec §4.J "output", "clone(tunnel_push, output)").
func (c *Core) synthOutput(req translateRequest) (translateResult, error) {
	outDPPort, ok := findOutput(req.actions)
	if !ok {
		return translateResult{}, newErr("synthOutput", KindUnsupported, errString("action list has no output target"))
	}
	outPort, ok := c.ports.Get(outDPPort)
	if !ok || outPort.Kind != PortKindPhysical {
		return translateResult{}, newErr("synthOutput", KindNotFound, errString("output target is not a physical port"))
	}

	table, err := c.tableForMatch(req.matchKind, req.match.Flow.RecircID)
	if err != nil {
		return translateResult{}, err
	}
	releaseMatchRecirc := req.matchKind == MatchKindRecirc
	defer func() {
		if releaseMatchRecirc {
			_ = c.tableIDs.UnrefRecirc(req.match.Flow.RecircID)
		}
	}()

	patterns, err := buildPatternItems(req.match, false)
	if err != nil {
		return translateResult{}, err
	}

	if push, isClone := findTunnelPush(req.actions); isClone {
		result, err := c.synthCloneEncap(req, table, patterns, outPort, push)
		if len(result.rules) > 0 {
			releaseMatchRecirc = false
			result.hasMatchRecirc = req.matchKind == MatchKindRecirc
			result.matchRecircID = req.match.Flow.RecircID
		}
		return result, err
	}

	targets, err := c.fanoutTargets(req)
	if err != nil {
		return translateResult{}, err
	}

	refs, instErr := c.installAcrossTargets(targets, func(*PortRecord) ([]PatternItem, []ActionItem) {
		ab := newActionBuilder()
		ab.add(ActionItem{Type: ActionItemCount})
		ab.add(ActionItem{Type: ActionItemPortID, Conf: &PortIDConf{HWPortID: outPort.HWPortID}})
		return patterns, ab.build()
	}, table)

	result := translateResult{rules: refs, capacity: len(targets)}
	if len(refs) > 0 {
		releaseMatchRecirc = false
		result.hasMatchRecirc = req.matchKind == MatchKindRecirc
		result.matchRecircID = req.match.Flow.RecircID
	}
	return result, instErr
}

// synthCloneEncap builds the two-hop clone(tunnel_push, output) chain:
// a jump rule in the match's own table, and a raw_encap+count+port_id
// rule in the shared encap table (spec §4.J).
func (c *Core) synthCloneEncap(req translateRequest, fromTable TableID, basePatterns []PatternItem, outPort *PortRecord, push *TunnelPushAttr) (translateResult, error) {
	if !canJumpTo(fromTable, tableCloneEncap) {
		return translateResult{}, newErr("synthCloneEncap", KindUnsupported, errString("match's table cannot reach the encap table"))
	}

	targets, err := c.fanoutTargets(req)
	if err != nil {
		return translateResult{}, err
	}

	jumpRefs, jumpErr := c.installAcrossTargets(targets, func(*PortRecord) ([]PatternItem, []ActionItem) {
		ab := newActionBuilder()
		ab.add(ActionItem{Type: ActionItemCount})
		ab.add(ActionItem{Type: ActionItemJump, Conf: &JumpConf{Table: tableCloneEncap}})
		return basePatterns, ab.build()
	}, fromTable)
	capacity := len(targets) * 2
	if jumpErr != nil && len(jumpRefs) == 0 {
		return translateResult{capacity: capacity}, jumpErr
	}

	// Only the targets whose jump rule landed get the second hop: a
	// partial fan-out must not leave an orphaned encap rule with no
	// jump feeding it.
	jumpTargets := make([]*PortRecord, 0, len(jumpRefs))
	for _, r := range jumpRefs {
		for _, t := range targets {
			if t.NetDev == r.NetDev {
				jumpTargets = append(jumpTargets, t)
				break
			}
		}
	}

	encapRefs, encapErr := c.installAcrossTargets(jumpTargets, func(*PortRecord) ([]PatternItem, []ActionItem) {
		ab := newActionBuilder()
		ab.add(ActionItem{Type: ActionItemRawEncap, Conf: &RawEncapConf{Push: push}})
		ab.add(ActionItem{Type: ActionItemCount})
		ab.add(ActionItem{Type: ActionItemPortID, Conf: &PortIDConf{HWPortID: outPort.HWPortID}})
		return []PatternItem{{Type: PatternTypeEnd}}, ab.build()
	}, tableCloneEncap)

	all := append(jumpRefs, encapRefs...)
	if jumpErr != nil {
		return translateResult{rules: all, capacity: capacity}, jumpErr
	}
	if encapErr != nil {
		return translateResult{rules: all, capacity: capacity}, encapErr
	}
	return translateResult{rules: all, capacity: capacity}, nil
}

// synthTunnelPop builds a root rule matching the outer vxlan envelope
// and jumping into the vxlan port's table, ensuring that table's
// default (miss) rule exists (spec §4.J "tunnel_pop").
func (c *Core) synthTunnelPop(req translateRequest) (translateResult, error) {
	popDPPort, ok := findTunnelPopPort(req.actions)
	if !ok {
		return translateResult{}, newErr("synthTunnelPop", KindUnsupported, errString("tunnel_pop has no target port"))
	}
	vxlanPort, ok := c.ports.Get(popDPPort)
	if !ok || vxlanPort.Kind != PortKindVXLAN {
		return translateResult{}, newErr("synthTunnelPop", KindNotFound, errString("tunnel_pop target is not a vxlan port"))
	}
	if !canJumpTo(TableRoot, vxlanPort.TableID) {
		return translateResult{}, newErr("synthTunnelPop", KindUnsupported, errString("invalid jump from root to vxlan table"))
	}

	patterns, err := buildPatternItems(req.match, false)
	if err != nil {
		return translateResult{}, err
	}

	ab := newActionBuilder()
	ab.add(ActionItem{Type: ActionItemCount})
	ab.add(ActionItem{Type: ActionItemJump, Conf: &JumpConf{Table: vxlanPort.TableID}})

	handle, err := c.driver.RuleCreate(req.netdev, RuleAttr{Table: TableRoot, Priority: priorityNormal}, patterns, ab.build())
	if err != nil {
		return translateResult{}, newErr("synthTunnelPop", KindDriverFailure, err)
	}
	ref := ruleRef{Handle: handle, NetDev: req.netdev, Table: TableRoot}

	if _, exists := req.port.defaultRuleFor(vxlanPort.TableID); !exists {
		if err := c.installDefaultRule(req.port, vxlanPort); err != nil {
			// Open Question (spec §4.J): a failed default-rule install
			// rolls the new rule back rather than leaving a tunnel_pop
			// rule live with no miss path behind it.
			if destroyErr := c.driver.RuleDestroy(req.netdev, handle); destroyErr != nil {
				c.log.Warn("rollback of tunnel_pop rule failed", zap.Error(destroyErr))
			}
			return translateResult{}, err
		}
	}

	return translateResult{rules: []ruleRef{ref}, capacity: 1}, nil
}

// installDefaultRule installs the wildcard, lowest-priority mark+RSS
// rule invariant (iii) requires to exist in destTable before any
// tunnel_pop rule jumps into it from physPort (spec §3, §4.J).
func (c *Core) installDefaultRule(physPort, vxlanPort *PortRecord) error {
	pb := newPatternBuilder()

	ab := newActionBuilder()
	ab.add(ActionItem{Type: ActionItemRSS, Conf: &RSSConf{Queues: allQueues(physPort.NRxQ)}})
	ab.add(ActionItem{Type: ActionItemMark, Conf: &MarkConf{Mark: vxlanPort.ExceptionMark}})

	handle, err := c.driver.RuleCreate(physPort.NetDev, RuleAttr{Table: vxlanPort.TableID, Priority: priorityLowest}, pb.build(), ab.build())
	if err != nil {
		return newErr("installDefaultRule", KindDriverFailure, err)
	}
	if err := physPort.addDefaultRule(vxlanPort.TableID, handle, physPort.NetDev); err != nil {
		if destroyErr := c.driver.RuleDestroy(physPort.NetDev, handle); destroyErr != nil {
			c.log.Warn("rollback of default rule failed", zap.Error(destroyErr))
		}
		return err
	}
	c.metrics.RulesInstalled.Inc()
	return nil
}

// synthCT builds the representable ct offload (mark + jump to CT or
// CT_NAT) when the action list carries both a ct and a following
// recirc action, falling back to mark-and-RSS otherwise (spec §4.J
// "ct").
func (c *Core) synthCT(req translateRequest) (translateResult, error) {
	ctAttr, hasCT := findCT(req.actions)
	actionRecircID, hasRecirc := findRecirc(req.actions)

	if !hasCT || !hasRecirc {
		return c.synthMarkAndRSS(req)
	}

	fromTable, err := c.tableForMatch(req.matchKind, req.match.Flow.RecircID)
	if err != nil {
		return translateResult{}, err
	}
	releaseMatchRecirc := req.matchKind == MatchKindRecirc
	defer func() {
		if releaseMatchRecirc {
			_ = c.tableIDs.UnrefRecirc(req.match.Flow.RecircID)
		}
	}()

	destTable := TableCT
	if ctAttr.NAT {
		destTable = TableCTNAT
	}
	if !canJumpTo(fromTable, destTable) {
		return translateResult{}, newErr("synthCT", KindUnsupported, errString("match's table cannot reach the ct table"))
	}

	// Allocate the action's recirc-id's hw-table-id up front so a
	// downstream recirc match against this same id resolves to the
	// same table (spec §4.C); release it on any failure below. This is
	// a distinct reference from fromTable's own, tracked above.
	if _, err := c.tableIDs.GetOrAllocRecirc(actionRecircID); err != nil {
		return translateResult{}, err
	}
	releaseActionRecirc := true
	defer func() {
		if releaseActionRecirc {
			_ = c.tableIDs.UnrefRecirc(actionRecircID)
		}
	}()

	var tunnelKeyPtr *TunnelKey
	var outerID uint32
	patterns, err := buildPatternItems(req.match, req.matchKind == MatchKindVportRoot)
	if err != nil {
		return translateResult{}, err
	}
	if req.matchKind == MatchKindVportRoot {
		key := TunnelKey{
			SrcIP: ipv4Bytes(req.match.Flow.TunnelSrc),
			DstIP: ipv4Bytes(req.match.Flow.TunnelDst),
			TunID: req.match.Flow.TunnelID,
		}
		id, err := c.tunnels.GetOrAlloc(key)
		if err != nil {
			return translateResult{}, err
		}
		tunnelKeyPtr = &key
		outerID = id
	}

	targets, err := c.fanoutTargets(req)
	if err != nil {
		if tunnelKeyPtr != nil {
			_ = c.tunnels.Unref(*tunnelKeyPtr)
		}
		return translateResult{}, err
	}

	// The rule's own action mark is the 24-bit recovery mark
	// Preprocess keys on, not ctAttr.Mark (the connection's ct_mark
	// metadata, a separate glossary concept written into SaveCT below
	// instead). Allocating one here wires component F's CT-miss
	// variant into the representable path, not just the mark-and-RSS
	// fallback (spec §2, §4.F, invariant (iv)).
	mark, ok := c.marks.alloc()
	if !ok {
		if tunnelKeyPtr != nil {
			_ = c.tunnels.Unref(*tunnelKeyPtr)
		}
		return translateResult{capacity: 0}, newErr("synthCT", KindExhausted, errString("mark pool exhausted"))
	}

	refs, instErr := c.installAcrossTargets(targets, func(*PortRecord) ([]PatternItem, []ActionItem) {
		ab := newActionBuilder()
		ab.add(ActionItem{Type: ActionItemMark, Conf: &MarkConf{Mark: mark}})
		ab.add(ActionItem{Type: ActionItemCount})
		ab.add(ActionItem{Type: ActionItemJump, Conf: &JumpConf{Table: destTable}})
		return patterns, ab.build()
	}, fromTable)

	if instErr != nil && len(refs) == 0 {
		c.marks.freeID(mark)
		if tunnelKeyPtr != nil {
			_ = c.tunnels.Unref(*tunnelKeyPtr)
		}
		return translateResult{capacity: len(targets)}, instErr
	}

	missReg := func(mt *MissContextTable) {
		_ = mt.SaveCT(mark, refs[0].Handle, ctAttr.Mark, ctAttr.Zone, req.match.Flow.CTState, outerID, DirInit)
	}

	releaseActionRecirc = false // ownership moves to the record via HasRecirc
	releaseMatchRecirc = false  // ownership moves to the record via HasMatchRecirc
	return translateResult{
		rules:          refs,
		capacity:       len(targets),
		tunnelKey:      tunnelKeyPtr,
		hasRecirc:      true,
		recircID:       actionRecircID,
		hasMatchRecirc: req.matchKind == MatchKindRecirc,
		matchRecircID:  req.match.Flow.RecircID,
		missRegs:       []func(*MissContextTable){missReg},
		marks:          []uint32{mark},
	}, instErr
}

// synthMarkAndRSS is the ct-unrepresentable fallback: mark the packet,
// RSS it across the ingress physical port's queues, and register a
// flow-miss (or flow-and-ct-miss) context so Preprocess can restore
// state in software (spec §4.J "If the action list is not
// representable this way, fall back to mark-and-RSS").
func (c *Core) synthMarkAndRSS(req translateRequest) (translateResult, error) {
	targets, err := c.fanoutTargets(req)
	if err != nil {
		return translateResult{}, err
	}
	table, err := c.tableForMatch(req.matchKind, req.match.Flow.RecircID)
	if err != nil {
		return translateResult{}, err
	}
	releaseMatchRecirc := req.matchKind == MatchKindRecirc
	defer func() {
		if releaseMatchRecirc {
			_ = c.tableIDs.UnrefRecirc(req.match.Flow.RecircID)
		}
	}()

	patterns, err := buildPatternItems(req.match, false)
	if err != nil {
		return translateResult{}, err
	}

	mark, ok := c.marks.alloc()
	if !ok {
		return translateResult{}, newErr("synthMarkAndRSS", KindExhausted, errString("mark pool exhausted"))
	}

	refs, instErr := c.installAcrossTargets(targets, func(t *PortRecord) ([]PatternItem, []ActionItem) {
		ab := newActionBuilder()
		ab.add(ActionItem{Type: ActionItemMark, Conf: &MarkConf{Mark: mark}})
		ab.add(ActionItem{Type: ActionItemCount})
		ab.add(ActionItem{Type: ActionItemRSS, Conf: &RSSConf{Queues: allQueues(t.NRxQ)}})
		return patterns, ab.build()
	}, table)

	if instErr != nil && len(refs) == 0 {
		c.marks.freeID(mark)
		return translateResult{}, instErr
	}

	hwID, isPort := uint32(table), false
	hasCT := req.actionKind == ActionTagCT
	missReg := func(mt *MissContextTable) {
		_ = mt.SaveFlow(mark, hwID, isPort, 0, req.match.Flow.InPort, hasCT)
	}
	c.metrics.FallbacksMarkRSS.Inc()

	releaseMatchRecirc = false
	return translateResult{
		rules:          refs,
		capacity:       len(targets),
		hasMatchRecirc: req.matchKind == MatchKindRecirc,
		matchRecircID:  req.match.Flow.RecircID,
		missRegs:       []func(*MissContextTable){missReg},
		marks:          []uint32{mark},
	}, instErr
}

// buildPatternItems synthesises the pattern-item list for a match
// (spec §4.J "Pattern synthesis"). isTunnelMatch selects the vxlan
// source-port shape: outer IPv4 (next-proto forced to UDP), UDP, and
// VXLAN items built from the tunnel 3-tuple, used when a ct rule keyed
// on a vport-root match needs to re-match the packet's original
// tunnel envelope rather than its (already-decapsulated) inner
// headers.
func buildPatternItems(m Match, isTunnelMatch bool) ([]PatternItem, error) {
	pb := newPatternBuilder()

	if hasNonZero(m.Wildcards.DlSrc) || hasNonZero(m.Wildcards.DlDst) {
		pb.add(PatternItem{
			Type: PatternTypeEth,
			Spec: &EthSpec{Src: m.Flow.DlSrc, Dst: m.Flow.DlDst},
			Mask: &EthSpec{Src: m.Wildcards.DlSrc, Dst: m.Wildcards.DlDst},
		})
	} else {
		pb.add(PatternItem{Type: PatternTypeEth, Spec: &EthSpec{}, Mask: &EthSpec{}})
	}

	if m.Flow.VlanTCI != 0 && m.Wildcards.VlanTCI != 0 {
		pb.add(PatternItem{
			Type: PatternTypeVLAN,
			Spec: &VLANSpec{TCI: m.Flow.VlanTCI},
			Mask: &VLANSpec{TCI: m.Wildcards.VlanTCI},
		})
	}

	if isTunnelMatch {
		pb.add(PatternItem{
			Type: PatternTypeIPv4,
			Spec: &IPv4Spec{Proto: uint8(unix.IPPROTO_UDP), Src: m.Flow.TunnelSrc, Dst: m.Flow.TunnelDst},
			Mask: &IPv4Spec{Proto: 0xff, Src: m.Wildcards.TunnelSrc, Dst: m.Wildcards.TunnelDst},
		})
		pb.add(PatternItem{
			Type: PatternTypeUDP,
			Spec: &UDPSpec{DstPort: vxlanUDPPort},
			Mask: &UDPSpec{DstPort: 0xffff},
		})
		vni := uint32(m.Flow.TunnelID>>32) & 0xffffff
		vniMask := uint32(m.Wildcards.TunnelID>>32) & 0xffffff
		pb.add(PatternItem{
			Type: PatternTypeVXLAN,
			Spec: &VXLANSpec{VNI: vni},
			Mask: &VXLANSpec{VNI: vniMask},
		})
		return pb.build(), nil
	}

	if m.Flow.DlType != 0x0800 {
		return pb.build(), nil
	}

	l4Type, haveL4 := l4PatternType(m.Flow.NwProto)

	ipv4Mask := &IPv4Spec{Proto: m.Wildcards.NwProto, Src: m.Wildcards.NwSrc, Dst: m.Wildcards.NwDst}
	if haveL4 {
		// The L4 item itself constrains the protocol; spec §4.J clears
		// the IPv4 item's own proto mask in that case.
		ipv4Mask.Proto = 0
	}
	pb.add(PatternItem{
		Type: PatternTypeIPv4,
		Spec: &IPv4Spec{Proto: m.Flow.NwProto, Src: m.Flow.NwSrc, Dst: m.Flow.NwDst},
		Mask: ipv4Mask,
	})

	if !haveL4 {
		return pb.build(), nil
	}

	if err := checkPortMask(m.Wildcards.TpSrc); err != nil {
		return nil, err
	}
	if err := checkPortMask(m.Wildcards.TpDst); err != nil {
		return nil, err
	}

	switch l4Type {
	case PatternTypeTCP:
		pb.add(PatternItem{
			Type: PatternTypeTCP,
			Spec: &TCPSpec{SrcPort: m.Flow.TpSrc, DstPort: m.Flow.TpDst},
			Mask: &TCPSpec{SrcPort: m.Wildcards.TpSrc, DstPort: m.Wildcards.TpDst},
		})
	case PatternTypeUDP:
		pb.add(PatternItem{
			Type: PatternTypeUDP,
			Spec: &UDPSpec{SrcPort: m.Flow.TpSrc, DstPort: m.Flow.TpDst},
			Mask: &UDPSpec{SrcPort: m.Wildcards.TpSrc, DstPort: m.Wildcards.TpDst},
		})
	case PatternTypeSCTP:
		pb.add(PatternItem{
			Type: PatternTypeSCTP,
			Spec: &SCTPSpec{SrcPort: m.Flow.TpSrc, DstPort: m.Flow.TpDst},
			Mask: &SCTPSpec{SrcPort: m.Wildcards.TpSrc, DstPort: m.Wildcards.TpDst},
		})
	case PatternTypeICMP:
		pb.add(PatternItem{
			Type: PatternTypeICMP,
			Spec: &ICMPSpec{Type: uint8(m.Flow.TpSrc), Code: uint8(m.Flow.TpDst)},
			Mask: &ICMPSpec{Type: uint8(m.Wildcards.TpSrc), Code: uint8(m.Wildcards.TpDst)},
		})
	}

	return pb.build(), nil
}

func l4PatternType(nwProto uint8) (PatternType, bool) {
	switch nwProto {
	case unix.IPPROTO_TCP:
		return PatternTypeTCP, true
	case unix.IPPROTO_UDP:
		return PatternTypeUDP, true
	case unix.IPPROTO_SCTP:
		return PatternTypeSCTP, true
	case unix.IPPROTO_ICMP:
		return PatternTypeICMP, true
	default:
		return 0, false
	}
}

func checkPortMask(mask uint16) error {
	if mask != 0 && mask != 0xffff {
		return newErr("buildPatternItems", KindUnsupported, errString("unsupported port mask: only exact-match or wildcard allowed"))
	}
	return nil
}

func hasNonZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return true
		}
	}
	return false
}

func ipv4Bytes(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// findOutput returns the action list's final output target, whether a
// bare output action or the tail of a clone(tunnel_push, output).
func findOutput(actions []Action) (uint32, bool) {
	last := actions[len(actions)-1]
	if last.Kind == ActionOutput {
		return last.OutputPort, true
	}
	if last.Kind == ActionClone && len(last.Clone) > 0 {
		inner := last.Clone[len(last.Clone)-1]
		if inner.Kind == ActionOutput {
			return inner.OutputPort, true
		}
	}
	return 0, false
}

// findTunnelPush reports the tunnel_push attributes nested inside a
// clone action, if any.
func findTunnelPush(actions []Action) (*TunnelPushAttr, bool) {
	for _, a := range actions {
		if a.Kind != ActionClone {
			continue
		}
		for _, ca := range a.Clone {
			if ca.Kind == ActionTunnelPush && ca.TunnelPush != nil {
				return ca.TunnelPush, true
			}
		}
	}
	return nil, false
}

func findCT(actions []Action) (*CTAttr, bool) {
	for _, a := range actions {
		if a.Kind == ActionCT && a.CT != nil {
			return a.CT, true
		}
	}
	return nil, false
}

func findRecirc(actions []Action) (uint32, bool) {
	for _, a := range actions {
		if a.Kind == ActionRecirc {
			return a.RecircID, true
		}
	}
	return 0, false
}

func findTunnelPopPort(actions []Action) (uint32, bool) {
	for _, a := range actions {
		if a.Kind == ActionTunnelPop {
			return a.TunnelPopPort, true
		}
	}
	return 0, false
}
