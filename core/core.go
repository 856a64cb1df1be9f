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
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinReservedMark is the lowest mark value the core itself assigns,
// as opposed to marks the datapath assigns for its own miss paths
// (spec §6 "Reserved marks"). exceptionMark = MinReservedMark + 0 is
// the mark carried by a vxlan port's default tunnel-decap miss rule.
const MinReservedMark uint32 = 1

// markReserveEnd bounds the range Core itself draws recovery marks from
// for ct rules, both the representable mark+jump shape and the
// mark-and-RSS fallback (spec §6 "Reserved marks"), keeping it disjoint
// from the single well-known exceptionMark value.
const markReserveEnd uint32 = 1 << 24

// netdevKind strings recognised from NetDev.TypeString().
const (
	netdevTypeDPDK  = "dpdk"
	netdevTypeVXLAN = "vxlan"
)

// Core is the single explicit handle to every registry in spec §2 — no
// ambient state (spec §9 "Global registries"). One Core is created per
// process and passed to every operation (here, as the receiver).
type Core struct {
	driver  Driver
	log     *zap.Logger
	metrics *Metrics

	ports       *PortTable
	flowIndex   *FlowIndex
	tunnels     *TunnelRegistry
	tableIDs    *TableIDRegistry
	missCtx     *MissContextTable
	marks       *idPool

	// installMu serialises FlowPut/FlowDel/PortAdd/PortDel against each
	// other at the Core level. Spec §5 says the datapath above the core
	// serialises same-flow-id operations and the core relies on that
	// contract; this mutex is coarser than the contract requires, but
	// keeps cross-table bookkeeping (tunnel/table-id refcounts, the
	// flow-id side index) consistent without per-flow lock objects,
	// since control operations are never on the packet fast path
	// (spec §5 "Suspension points").
	installMu sync.Mutex
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithLogger attaches a structured logger. The default is a no-op
// logger (zap.NewNop()).
func WithLogger(log *zap.Logger) Option {
	return func(c *Core) { c.log = log }
}

// WithMetrics attaches a Metrics. The default is an unregistered,
// inert Metrics so call sites never need a nil check.
func WithMetrics(m *Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// New constructs a Core bound to driver.
func New(driver Driver, opts ...Option) *Core {
	c := &Core{
		driver:    driver,
		log:       zap.NewNop(),
		metrics:   noopMetrics(),
		ports:     newPortTable(),
		flowIndex: newFlowIndex(),
		tunnels:   newTunnelRegistry(),
		tableIDs:  newTableIDRegistry(),
		missCtx:   newMissContextTable(),
		marks:     newIDPool(MinReservedMark+1, markReserveEnd),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Packet is the minimal view of a packet the preprocessor needs to
// restore (spec §4.K). The real packet structure is out of scope
// (spec §1); this is the subset the core reads and writes.
type Packet struct {
	InPort    uint32
	TunnelSrc uint32
	TunnelDst uint32
	TunnelID  uint64
	CTState   uint32
	CTZone    uint16
	CTMark    uint32
}

// FlowPutInfo carries optional per-install hints. It is intentionally
// small: the translator derives everything else from match/actions.
type FlowPutInfo struct {
	// Priority is carried through to the translator but not read by
	// it: every non-default rule is installed at priorityNormal
	// whatever this field holds.
	Priority uint32
}

// FlowStats is the output parameter flow_put/flow_del report counters
// through; populating it from the driver's own stats query is out of
// scope here, so it is always returned zeroed.
type FlowStats struct {
	Packets uint64
	Bytes   uint64
}

// PortAdd classifies netdev's kind and installs its PortRecord (spec
// §4.D, §4.L).
func (c *Core) PortAdd(netdev NetDev, dpPort uint32) error {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	rec := newPortRecord(dpPort)
	rec.NetDev = netdev

	switch netdev.TypeString() {
	case netdevTypeDPDK:
		rec.Kind = PortKindPhysical
		rec.NRxQ = netdev.NRxQ()
		rec.HWPortID = netdev.HWPortID()
	case netdevTypeVXLAN:
		rec.Kind = PortKindVXLAN
		rec.TableID = TableVXLAN
		rec.ExceptionMark = MinReservedMark + 0
	default:
		rec.Kind = PortKindUnknown
	}

	if rec.Kind == PortKindVXLAN {
		if _, err := c.tableIDs.GetOrAllocPort(dpPort, rec.TableID); err != nil {
			return wrapErrno(err)
		}
		// A miss against this port's own default rule carries its
		// exception mark with no per-flow payload (spec §4.K
		// "vxlan-miss"); register it once, for the port's lifetime.
		c.missCtx.m.Store(rec.ExceptionMark, &MissContext{Kind: MissKindVXLAN})
	}

	c.ports.Add(rec)
	c.log.Debug("port added", zap.Uint32("dp_port", dpPort), zap.String("kind", rec.Kind.String()))
	return nil
}

// PortDel destroys every offload record and default rule owned by
// dpPort, then removes its record (spec §4.D, §4.L).
func (c *Core) PortDel(dpPort uint32) error {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	rec, ok := c.ports.Del(dpPort)
	if !ok {
		return notFound("PortDel", ErrNoDevice, errString("unknown dp_port"))
	}

	for _, old := range rec.flows.all() {
		c.destroyRecord(old)
		c.flowIndex.delete(old.FlowID)
		c.metrics.FlowsLive.Dec()
	}

	for _, slot := range rec.allDefaultRules() {
		if err := c.driver.RuleDestroy(slot.netdev, slot.handle); err != nil {
			c.log.Warn("default rule destroy failed during port_del", zap.Uint32("dp_port", dpPort), zap.Error(err))
		} else {
			c.metrics.RulesDestroyed.Inc()
		}
	}

	if rec.Kind == PortKindVXLAN {
		_ = c.tableIDs.UnrefPort(dpPort)
		c.missCtx.Delete(rec.ExceptionMark)
	}

	return nil
}

// FlowPut validates, classifies, translates, and installs the hardware
// rule(s) for (match, actions, flowID), replacing any prior rules for
// the same flow-id (spec §4.J "Atomic replace").
func (c *Core) FlowPut(netdev NetDev, match Match, actions []Action, flowID uuid.UUID, info FlowPutInfo) (FlowStats, error) {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	port, ok := c.ports.Get(match.Flow.InPort)
	if !ok {
		return FlowStats{}, notFound("FlowPut", ErrNoDevice, errString("unknown in-port"))
	}

	if err := Validate(match, false); err != nil {
		return FlowStats{}, wrapErrno(err)
	}

	matchKind, err := ClassifyMatch(match, c.isVirtualPort)
	if err != nil {
		return FlowStats{}, wrapErrno(err)
	}
	actionKind, err := ClassifyActions(actions, matchKind, port.Kind == PortKindVXLAN)
	if err != nil {
		return FlowStats{}, wrapErrno(err)
	}

	// Atomic replace destroys every rule of an existing record for
	// flowID before the new one is translated and installed: there is
	// a transient window where flowID is not offloaded at all, rather
	// than briefly double-offloaded (spec §4.J "Atomic replace"). If
	// translation below fails outright, flowID stays un-offloaded
	// instead of being rolled back to the old rules.
	if old, hadOld := port.flows.remove(flowID); hadOld {
		old.markReplacing()
		c.destroyRecordRules(old)
		c.flowIndex.delete(flowID)
		c.metrics.FlowsLive.Dec()
	}

	result, err := c.translate(translateRequest{
		netdev:     netdev,
		port:       port,
		match:      match,
		actions:    actions,
		matchKind:  matchKind,
		actionKind: actionKind,
		flowID:     flowID,
		info:       info,
	})
	// A fan-out install that succeeded on at least one uplink is kept
	// and reported as an error (spec §7 "partial install retained");
	// only a wholly-failed translate aborts without touching state.
	if err != nil && len(result.rules) == 0 {
		return FlowStats{}, wrapErrno(err)
	}

	rec := newOffloadRecord(flowID, result.capacity)
	rec.TunnelKey = result.tunnelKey
	rec.HasRecirc = result.hasRecirc
	rec.RecircID = result.recircID
	rec.HasMatchRecirc = result.hasMatchRecirc
	rec.MatchRecircID = result.matchRecircID
	rec.Marks = result.marks
	for _, ref := range result.rules {
		rec.addRule(ref)
		c.metrics.RulesInstalled.Inc()
	}

	port.flows.put(rec)
	c.metrics.FlowsLive.Inc()
	c.flowIndex.set(flowID, port.DPPort)

	for _, mr := range result.missRegs {
		mr(c.missCtx)
	}

	if err != nil {
		return FlowStats{}, wrapErrno(err)
	}
	return FlowStats{}, nil
}

// FlowDel destroys every hardware rule owned by flowID and its
// miss-context, if any (spec §4.L).
func (c *Core) FlowDel(netdev NetDev, flowID uuid.UUID) (FlowStats, error) {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	dpPort, ok := c.flowIndex.lookup(flowID)
	if !ok {
		return FlowStats{}, notFound("FlowDel", ErrInvalid, errString("unknown flow-id"))
	}
	port, ok := c.ports.Get(dpPort)
	if !ok {
		return FlowStats{}, notFound("FlowDel", ErrNoDevice, errString("flow-id side index points at unknown port"))
	}
	rec, ok := port.flows.remove(flowID)
	if !ok {
		return FlowStats{}, notFound("FlowDel", ErrInvalid, errString("stale flow-id"))
	}

	c.destroyRecord(rec)
	c.flowIndex.delete(flowID)
	c.metrics.FlowsLive.Dec()

	return FlowStats{}, nil
}

// Preprocess recovers the metadata a partial-offload hit implicitly
// consumed (spec §4.K). It is a no-op if mark is unknown.
func (c *Core) Preprocess(pkt *Packet, mark uint32) {
	c.preprocess(pkt, mark)
}

func (c *Core) isVirtualPort(dpPort uint32) (bool, bool) {
	rec, ok := c.ports.Get(dpPort)
	if !ok {
		return false, false
	}
	return rec.Kind == PortKindVXLAN, true
}

// destroyRecord destroys rec's rules and its miss-context (spec §9:
// "the miss-context is always deleted before the rule is destroyed").
func (c *Core) destroyRecord(rec *OffloadRecord) {
	c.destroyRecordRules(rec)
}

func (c *Core) destroyRecordRules(rec *OffloadRecord) {
	for _, mark := range rec.Marks {
		c.missCtx.Delete(mark)
		c.marks.freeID(mark)
	}
	for _, ref := range rec.ruleSnapshot() {
		if err := c.driver.RuleDestroy(ref.NetDev, ref.Handle); err != nil {
			c.log.Warn("rule destroy failed", zap.Stringer("flow_id", stringerUUID(rec.FlowID)), zap.Error(err))
			continue
		}
		c.metrics.RulesDestroyed.Inc()
	}
	if rec.TunnelKey != nil {
		if err := c.tunnels.Unref(*rec.TunnelKey); err != nil {
			c.log.Warn("tunnel unref failed", zap.Stringer("flow_id", stringerUUID(rec.FlowID)), zap.Error(err))
		}
	}
	if rec.HasRecirc {
		if err := c.tableIDs.UnrefRecirc(rec.RecircID); err != nil {
			c.log.Warn("table-id unref failed", zap.Stringer("flow_id", stringerUUID(rec.FlowID)), zap.Error(err))
		}
	}
	if rec.HasMatchRecirc {
		if err := c.tableIDs.UnrefRecirc(rec.MatchRecircID); err != nil {
			c.log.Warn("match table-id unref failed", zap.Stringer("flow_id", stringerUUID(rec.FlowID)), zap.Error(err))
		}
	}
	rec.markDestroyed()
}

type stringerUUID uuid.UUID

func (s stringerUUID) String() string { return uuid.UUID(s).String() }

// notFound builds the errno-shaped wrapper for a not-found condition,
// choosing EINVAL or ENODEV per call site as spec §7 directs.
func notFound(op string, sentinel error, cause error) error {
	return &wrappedErrno{inner: newErr(op, KindNotFound, cause), sentinel: sentinel}
}

// wrapErrno classifies an internal *Error into the errno-shaped
// sentinel spec §7 calls for, while preserving the detailed error via
// errors.Unwrap.
func wrapErrno(err error) error {
	ce, ok := err.(*Error)
	if !ok {
		return err
	}
	return &wrappedErrno{inner: ce, sentinel: errno(ce.Kind)}
}

type wrappedErrno struct {
	inner    *Error
	sentinel error
}

func (w *wrappedErrno) Error() string { return w.inner.Error() }
func (w *wrappedErrno) Unwrap() error { return w.sentinel }
func (w *wrappedErrno) Is(target error) bool {
	return target == w.sentinel
}
