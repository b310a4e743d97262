package table

import (
	"fmt"

	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// DumpState is DumpTable's own lifecycle, distinct from LifeState: a
// dump walks through Dumping, optionally waits out an in-flight deletion
// walk for a prior incarnation of the same peer, and ends Completed (at
// which point it unplumbs itself and the branch talks to Fanout
// directly). Suspended is an operator/backpressure pause that does not
// advance the iterator but keeps buffering live deltas.
type DumpState int

const (
	DumpStateDumping DumpState = iota
	DumpStateWaitingForDeletionCompletion
	DumpStateCompleted
	DumpStateSuspended
)

func (s DumpState) String() string {
	switch s {
	case DumpStateDumping:
		return "dumping"
	case DumpStateWaitingForDeletionCompletion:
		return "waiting-for-deletion"
	case DumpStateCompleted:
		return "completed"
	case DumpStateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// DumpTable is spliced in as a newly-coming-up peer's Fanout branch
// destination: it first replays a snapshot of the current winning routes
// (a RIB dump), buffering any live deltas Fanout pushes at it in the
// meantime, then — once the dump is done and, if awaitDeletion was set,
// a prior incarnation's RibIn deletion walk has signalled
// PeeringDownComplete for the same peer — flushes the buffered deltas in
// order and calls onComplete so the pipeline can unplumb it and point
// the branch directly at dest. The genid guard in Step skips any
// snapshot entry whose genid predates this dump's: it was superseded
// before the dump reached it and a withdrawal or replacement for it is
// already queued in the buffer.
type DumpTable struct {
	Base
	peer          *route.PeerHandle
	genid         route.Genid
	dest          RouteTable
	snapshot      []*route.SubnetRoute
	pos           int
	state         DumpState
	awaitDeletion bool
	buffered      []fanoutEntry
	onComplete    func()
}

func NewDumpTable(peer *route.PeerHandle, genid route.Genid, snapshot []*route.SubnetRoute, dest RouteTable, awaitDeletion bool, onComplete func(), logger *zap.Logger) *DumpTable {
	d := &DumpTable{
		Base:          NewBase(RoleDump, fmt.Sprintf("dump[%s]", peer), logger),
		peer:          peer,
		genid:         genid,
		dest:          dest,
		snapshot:      snapshot,
		state:         DumpStateDumping,
		awaitDeletion: awaitDeletion,
		onComplete:    onComplete,
	}
	d.SetSelf(d)
	return d
}

func (d *DumpTable) State() DumpState { return d.state }

// Step delivers at most one snapshot entry to dest and reports whether
// one was delivered. The pipeline drives this in bounded bursts off the
// event loop, the same shape RibIn's background deletion walk uses.
func (d *DumpTable) Step() bool {
	if d.state != DumpStateDumping {
		return false
	}
	for d.pos < len(d.snapshot) {
		sr := d.snapshot[d.pos]
		d.pos++
		if sr.Genid < d.genid {
			continue // superseded before the dump reached it
		}
		if d.dest != nil {
			d.dest.AddRoute(d.self(), &route.Message{Route: sr, PA: sr.PA, Peer: sr.Origin, Genid: sr.Genid})
		}
		return true
	}
	d.finishDumping()
	return false
}

func (d *DumpTable) finishDumping() {
	if d.awaitDeletion {
		d.state = DumpStateWaitingForDeletionCompletion
		return
	}
	d.complete()
}

func (d *DumpTable) complete() {
	d.state = DumpStateCompleted
	buffered := d.buffered
	d.buffered = nil
	for _, e := range buffered {
		d.flush(e)
	}
	if d.onComplete != nil {
		d.onComplete()
	}
}

func (d *DumpTable) flush(e fanoutEntry) {
	if d.dest == nil {
		return
	}
	switch e.kind {
	case entryAdd:
		d.dest.AddRoute(d.self(), e.new)
	case entryDelete:
		d.dest.DeleteRoute(d.self(), e.old)
	case entryReplace:
		d.dest.ReplaceRoute(d.self(), e.old, e.new)
	}
}

// Suspend pauses Step without discarding buffered deltas, for a branch
// whose transport is not currently write-ready.
func (d *DumpTable) Suspend() {
	if d.state == DumpStateDumping {
		d.state = DumpStateSuspended
	}
}

// Resume undoes Suspend.
func (d *DumpTable) Resume() {
	if d.state == DumpStateSuspended {
		d.state = DumpStateDumping
	}
}

func (d *DumpTable) AddRoute(caller RouteTable, msg *route.Message) Result {
	if d.state == DumpStateCompleted {
		if d.dest == nil {
			return Unused
		}
		return d.dest.AddRoute(d.self(), msg)
	}
	d.buffered = append(d.buffered, fanoutEntry{kind: entryAdd, new: msg, originPeer: msg.Peer})
	return Used
}

func (d *DumpTable) DeleteRoute(caller RouteTable, msg *route.Message) {
	if d.state == DumpStateCompleted {
		if d.dest != nil {
			d.dest.DeleteRoute(d.self(), msg)
		}
		return
	}
	d.buffered = append(d.buffered, fanoutEntry{kind: entryDelete, old: msg, originPeer: msg.Peer})
}

func (d *DumpTable) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	if d.state == DumpStateCompleted {
		if d.dest == nil {
			return Unused
		}
		return d.dest.ReplaceRoute(d.self(), oldMsg, newMsg)
	}
	d.buffered = append(d.buffered, fanoutEntry{kind: entryReplace, old: oldMsg, new: newMsg, originPeer: newMsg.Peer})
	return Used
}

// PeeringDownComplete is the signal DumpTable waits for when
// awaitDeletion is set: a prior incarnation's RibIn deletion walk for
// the same peer has fully propagated.
func (d *DumpTable) PeeringDownComplete(peer *route.PeerHandle, genid route.Genid) {
	if d.state == DumpStateWaitingForDeletionCompletion && peer.Same(d.peer) {
		d.complete()
	}
}
