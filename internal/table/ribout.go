package table

import (
	"fmt"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// UpdateBatch is one UPDATE-shaped unit of work handed to the socket
// writer: either a set of prefixes all carrying exactly the same path
// attributes (NLRI + PA, wire-efficient the way a real UPDATE message
// is), or a set of withdrawals, never both.
type UpdateBatch struct {
	PA        *attrs.PathAttributeList
	NLRI      []route.Prefix
	Withdrawn []route.Prefix
}

// RibOut is the leaf of a branch: it receives the fully filtered,
// fanned-out message stream for one peer and holds it until the
// transport is ready to write, at which point NextBatch groups
// consecutive same-attribute entries together. Ready tracks backpressure
// from the peer's socket: a write-busy connection leaves pending to grow
// (bounded upstream by Fanout's own per-branch queue cap) rather than
// block the event loop.
type RibOut struct {
	Base
	peer    *route.PeerHandle
	pending []fanoutEntry
	ready   bool
}

func NewRibOut(peer *route.PeerHandle, logger *zap.Logger) *RibOut {
	r := &RibOut{
		Base:  NewBase(RoleRibOut, fmt.Sprintf("ribout[%s]", peer), logger),
		peer:  peer,
		ready: true,
	}
	r.SetSelf(r)
	return r
}

func (r *RibOut) AddRoute(caller RouteTable, msg *route.Message) Result {
	r.CheckCaller(caller)
	r.CheckActive()
	r.pending = append(r.pending, fanoutEntry{kind: entryAdd, new: msg, originPeer: msg.Peer})
	return Used
}

func (r *RibOut) DeleteRoute(caller RouteTable, msg *route.Message) {
	r.CheckCaller(caller)
	r.CheckActive()
	r.pending = append(r.pending, fanoutEntry{kind: entryDelete, old: msg, originPeer: msg.Peer})
}

func (r *RibOut) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	r.CheckCaller(caller)
	r.CheckActive()
	r.pending = append(r.pending, fanoutEntry{kind: entryReplace, old: oldMsg, new: newMsg, originPeer: newMsg.Peer})
	return Used
}

// SetReady toggles transport writability. The FSM/socket layer calls
// this; false means NextBatch should hold everything until further
// notice rather than spin trying to write into a full send buffer.
func (r *RibOut) SetReady(ready bool) { r.ready = ready }

func (r *RibOut) Pending() int { return len(r.pending) }

func entryPA(e fanoutEntry) *attrs.PathAttributeList {
	if e.new != nil {
		return e.new.PA
	}
	return nil
}

func entryPrefix(e fanoutEntry) route.Prefix {
	if e.new != nil {
		return e.new.Route.Prefix
	}
	return e.old.Route.Prefix
}

// NextBatch pops and groups as many leading pending entries as share one
// shape (all withdrawals, or all announcements with an identical PA
// pointer) up to maxPrefixes. It returns ok=false if not ready or
// nothing is pending.
func (r *RibOut) NextBatch(maxPrefixes int) (batch *UpdateBatch, ok bool) {
	if !r.ready || len(r.pending) == 0 {
		return nil, false
	}
	head := r.pending[0]
	if head.kind == entryDelete {
		b := &UpdateBatch{Withdrawn: []route.Prefix{entryPrefix(head)}}
		r.pending = r.pending[1:]
		for len(r.pending) > 0 && len(b.Withdrawn) < maxPrefixes && r.pending[0].kind == entryDelete {
			b.Withdrawn = append(b.Withdrawn, entryPrefix(r.pending[0]))
			r.pending = r.pending[1:]
		}
		return b, true
	}

	pa := entryPA(head)
	b := &UpdateBatch{PA: pa, NLRI: []route.Prefix{entryPrefix(head)}}
	r.pending = r.pending[1:]
	for len(r.pending) > 0 && len(b.NLRI) < maxPrefixes {
		next := r.pending[0]
		if next.kind == entryDelete || entryPA(next) != pa {
			break
		}
		b.NLRI = append(b.NLRI, entryPrefix(next))
		r.pending = r.pending[1:]
	}
	return b, true
}
