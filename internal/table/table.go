// Package table implements the RouteTable contract (spec.md §4.1) and the
// nine concrete tables that make up one AFI/SAFI pipeline. Every table
// conforms to the same interface; polymorphism is a capability set
// (interface + embedded Base defaults), not an inheritance hierarchy, and
// tables are told each other's role through an explicit Role tag rather
// than recovered via a runtime type switch.
package table

import (
	"fmt"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// Role tags what kind of table a RouteTable is, used where a caller needs
// to branch on table identity (e.g. Fanout recognising a DumpTable splice)
// without a type assertion.
type Role int

const (
	RoleRibIn Role = iota
	RoleFilterBank
	RoleDamping
	RoleNextHop
	RoleDecision
	RoleAggregation
	RoleFanout
	RoleDump
	RoleRibOut
)

func (r Role) String() string {
	switch r {
	case RoleRibIn:
		return "ribin"
	case RoleFilterBank:
		return "filterbank"
	case RoleDamping:
		return "damping"
	case RoleNextHop:
		return "nexthop"
	case RoleDecision:
		return "decision"
	case RoleAggregation:
		return "aggregation"
	case RoleFanout:
		return "fanout"
	case RoleDump:
		return "dump"
	case RoleRibOut:
		return "ribout"
	default:
		return "unknown"
	}
}

// LifeState is the explicit state-enum replacement for the "rewrite
// next/parent to a known-bad pointer" sentinel pattern (spec.md §9): a
// table is Active, has begun Dying (self-scheduled for removal but not
// yet removed), or is fully Unplumbed. Dispatch to an Unplumbed table is
// a fatal assertion.
type LifeState int

const (
	Active LifeState = iota
	Dying
	Unplumbed
)

// Result is the outcome of an add/replace/route_dump call.
type Result int

const (
	Used Result = iota
	Unused
	Filtered
)

func (r Result) String() string {
	switch r {
	case Used:
		return "used"
	case Unused:
		return "unused"
	case Filtered:
		return "filtered"
	default:
		return "unknown"
	}
}

// RouteTable is the complete contract every table in the pipeline
// implements (spec.md §4.1).
type RouteTable interface {
	Role() Role
	Name() string
	AddRoute(caller RouteTable, msg *route.Message) Result
	DeleteRoute(caller RouteTable, msg *route.Message)
	ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result
	Push(caller RouteTable)
	RouteDump(caller RouteTable, msg *route.Message, dumpPeer *route.PeerHandle) Result
	LookupRoute(prefix route.Prefix) (*route.SubnetRoute, route.Genid, *attrs.PathAttributeList, bool)
	RouteUsed(caller RouteTable, r *route.SubnetRoute, inUse bool)
	PeeringIsDown(peer *route.PeerHandle, genid route.Genid)
	PeeringWentDown(peer *route.PeerHandle, genid route.Genid)
	PeeringDownComplete(peer *route.PeerHandle, genid route.Genid)
	PeeringCameUp(peer *route.PeerHandle, genid route.Genid)
	GetNextMessage(next RouteTable) bool
	Wakeup()
}

// FatalError is the diagnostic payload for spec.md §7 class-4 invariant
// violations: parent mismatch, a REPLACE_OLD without its REPLACE_NEW, a
// stuck branch past the wake deadline, or a message delivered under a
// dead genid. It always carries enough context (table, peer, prefix,
// genid) to diagnose without re-deriving state.
type FatalError struct {
	Table  string
	Peer   *route.PeerHandle
	Prefix route.Prefix
	Genid  route.Genid
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bgpcore: invariant violation in %s: %s (peer=%s prefix=%s genid=%d)",
		e.Table, e.Reason, e.Peer, e.Prefix, e.Genid)
}

// Abort logs a fatal invariant violation with full diagnostic context and
// panics. The event loop is expected to let this propagate: a route table
// graph caught in an inconsistent state is not something to paper over
// with a recover and a log line, it corrupts routing silently if ignored.
func Abort(logger *zap.Logger, err *FatalError) {
	if logger != nil {
		logger.Error("fatal invariant violation",
			zap.String("table", err.Table),
			zap.String("reason", err.Reason),
			zap.String("peer", err.Peer.String()),
			zap.String("prefix", err.Prefix.String()),
			zap.Uint64("genid", uint64(err.Genid)),
		)
	}
	panic(err)
}

// Base supplies the default implementation for every RouteTable method a
// concrete table does not need to specialise: single-parent/single-next
// plumbing, caller verification, and straight pass-through of the
// operations that are conceptually "forward to my one neighbour" unless a
// table (Fanout, DumpTable, RibOut) has a more interesting topology.
type Base struct {
	role         Role
	name         string
	logger       *zap.Logger
	state        LifeState
	parent       RouteTable
	next         RouteTable
	selfFn       RouteTable
	wakeupSource RouteTable
}

// NewBase constructs a Base. logger may be nil in tests that do not care
// about fatal-path diagnostics.
func NewBase(role Role, name string, logger *zap.Logger) Base {
	return Base{role: role, name: name, logger: logger, state: Active}
}

func (b *Base) Role() Role   { return b.role }
func (b *Base) Name() string { return b.name }
func (b *Base) State() LifeState { return b.state }

// SetParent records this table's one legitimate upstream caller.
func (b *Base) SetParent(p RouteTable) { b.parent = p }

// Parent returns the current upstream table, or nil if unplumbed.
func (b *Base) Parent() RouteTable { return b.parent }

// SetNext records this table's one downstream neighbour, for tables with
// a single linear successor (RibIn, FilterBank, DampingTable,
// NextHopResolver, DecisionTable, AggregationTable). Fanout and DumpTable
// override the methods that would use it.
func (b *Base) SetNext(n RouteTable) { b.next = n }

func (b *Base) Next() RouteTable { return b.next }

// MarkDying transitions the table out of Active. Dispatch methods should
// check State() and Abort rather than operate on a Dying/Unplumbed table.
func (b *Base) MarkDying()      { b.state = Dying }
func (b *Base) MarkUnplumbed()  { b.state = Unplumbed }

// CheckCaller enforces "a table rejects with a fatal assertion if caller
// is not its known parent". A nil parent (not yet spliced in) is
// permissive, which lets unit tests exercise a table in isolation.
func (b *Base) CheckCaller(caller RouteTable) {
	if b.parent == nil {
		return
	}
	if caller != b.parent {
		Abort(b.logger, &FatalError{
			Table:  b.name,
			Reason: fmt.Sprintf("add/delete/replace/push from unknown caller (got %v, want %v)", callerName(caller), b.parent.Name()),
		})
	}
}

func callerName(c RouteTable) string {
	if c == nil {
		return "<nil>"
	}
	return c.Name()
}

// CheckActive aborts if this table has already begun teardown. Concrete
// tables call this at the top of AddRoute/DeleteRoute/ReplaceRoute so a
// message delivered to an Unplumbed table is a loud failure, not a
// silent no-op.
func (b *Base) CheckActive() {
	if b.state != Active {
		Abort(b.logger, &FatalError{Table: b.name, Reason: fmt.Sprintf("dispatch to table in state %v", b.state)})
	}
}

// Default pass-through behaviour. Concrete tables override whichever of
// these they need real logic for.

func (b *Base) Push(caller RouteTable) {
	b.CheckCaller(caller)
	if b.next != nil {
		b.next.Push(b.self())
	}
}

func (b *Base) RouteDump(caller RouteTable, msg *route.Message, dumpPeer *route.PeerHandle) Result {
	return Unused
}

func (b *Base) LookupRoute(prefix route.Prefix) (*route.SubnetRoute, route.Genid, *attrs.PathAttributeList, bool) {
	if b.parent != nil {
		return b.parent.LookupRoute(prefix)
	}
	return nil, 0, nil, false
}

// RouteUsed is a downstream-initiated signal; the default forwards it
// upstream to the parent, which is where NextHopResolver and RibIn care
// about it.
func (b *Base) RouteUsed(caller RouteTable, r *route.SubnetRoute, inUse bool) {
	if b.parent != nil {
		b.parent.RouteUsed(b.self(), r, inUse)
	}
}

func (b *Base) PeeringIsDown(peer *route.PeerHandle, genid route.Genid) {
	if b.next != nil {
		b.next.PeeringIsDown(peer, genid)
	}
}

func (b *Base) PeeringWentDown(peer *route.PeerHandle, genid route.Genid) {
	if b.next != nil {
		b.next.PeeringWentDown(peer, genid)
	}
}

func (b *Base) PeeringDownComplete(peer *route.PeerHandle, genid route.Genid) {
	if b.next != nil {
		b.next.PeeringDownComplete(peer, genid)
	}
}

func (b *Base) PeeringCameUp(peer *route.PeerHandle, genid route.Genid) {
	if b.next != nil {
		b.next.PeeringCameUp(peer, genid)
	}
}

// GetNextMessage defaults to "nothing buffered here"; only Fanout
// overrides it for real.
func (b *Base) GetNextMessage(next RouteTable) bool { return false }

// SetWakeupSource marks src (a FanoutTable) as the table this one should
// drain via GetNextMessage whenever notified. Set on whichever table is
// registered as a Fanout branch destination — an egress FilterBank once a
// peer's dump has completed, or a DumpTable while one is in progress — so
// Wakeup's default pull loop has somewhere to pull from.
func (b *Base) SetWakeupSource(src RouteTable) { b.wakeupSource = src }

// Wakeup's default behaviour is the pull half of Fanout's push/pull
// split: drain every message currently available from wakeupSource, if
// one was registered. A table with domain-specific wakeup semantics
// (NextHopResolver re-resolving against IGP state) overrides this
// outright instead of calling it.
func (b *Base) Wakeup() {
	if b.wakeupSource == nil {
		return
	}
	for b.wakeupSource.GetNextMessage(b.self()) {
	}
}

// self exists because Base does not know the identity of the concrete
// struct embedding it; every concrete table overrides it is not strictly
// required since Go method sets already resolve through the interface
// when called via the RouteTable, but Base's own forwarding calls
// (Push, PeeringWentDown, ...) need the outer identity, not &Base, to
// pass as `caller`. selfFn is set by NewBase's caller via SetSelf.
func (b *Base) self() RouteTable {
	if b.selfFn == nil {
		return nil
	}
	return b.selfFn
}

// SetSelf records the concrete table's own interface value so Base's
// forwarding methods can pass the right identity as `caller` downstream.
func (b *Base) SetSelf(self RouteTable) { b.selfFn = self }
