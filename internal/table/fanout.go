package table

import (
	"time"

	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

type fanoutEntryKind int

const (
	entryAdd fanoutEntryKind = iota
	entryReplace
	entryDelete
	entryPush
)

// fanoutEntry is one slot in the shared queue. A REPLACE is a single
// entry carrying both the old and new message so every branch delivers
// it as one atomic ReplaceRoute call rather than racing a split
// delete-then-add against its own cursor.
type fanoutEntry struct {
	kind       fanoutEntryKind
	old, new   *route.Message
	originPeer *route.PeerHandle
}

func (e fanoutEntry) prefix() route.Prefix {
	if e.new != nil {
		return e.new.Route.Prefix
	}
	return e.old.Route.Prefix
}

// fanoutBranch is one destination peer's view into the shared queue: its
// own read cursor, queue-depth cap, and the table (typically that peer's
// egress FilterBank) that messages are delivered to.
type fanoutBranch struct {
	peer         *route.PeerHandle
	table        RouteTable
	cursor       int
	queueCap     int
	lastProgress time.Time
	ready        bool
}

// FanoutTable is the hard kernel of the pipeline: one shared, append-only
// queue of outbound messages, read independently by every destination
// peer's branch through its own cursor. A message is never copied
// per-branch; only indices move. Three invariants matter here:
//
//   - split horizon: a branch never receives a message whose origin peer
//     is itself;
//   - REPLACE atomicity: a queued replace is delivered to a branch as one
//     ReplaceRoute call, never observable as a bare delete or bare add;
//   - queue-head GC: once every branch's cursor has advanced past an
//     entry, it is trimmed from the front so the queue cannot grow
//     without bound while peers are keeping up.
//
// A branch whose backlog (queue length minus its cursor) exceeds its
// configured cap, or that has made no progress past WakeDeadline while
// backlogged, is reported to ResetFunc so the owning pipeline can reset
// that peering rather than let one slow consumer hold the whole queue
// from being garbage collected.
type FanoutTable struct {
	Base
	queue           []fanoutEntry
	baseIndex       int
	branches        map[RouteTable]*fanoutBranch
	defaultQueueCap int
	wakeDeadline    time.Duration
	ResetFunc       func(peer *route.PeerHandle)
}

func NewFanoutTable(defaultQueueCap int, wakeDeadline time.Duration, logger *zap.Logger) *FanoutTable {
	f := &FanoutTable{
		Base:            NewBase(RoleFanout, "fanout", logger),
		branches:        make(map[RouteTable]*fanoutBranch),
		defaultQueueCap: defaultQueueCap,
		wakeDeadline:    wakeDeadline,
	}
	f.SetSelf(f)
	return f
}

// AddBranch registers a destination peer's egress table. queueCap of 0
// uses the table's default, which may itself be 0 (uncapped).
func (f *FanoutTable) AddBranch(peer *route.PeerHandle, dest RouteTable, queueCap int) {
	if queueCap == 0 {
		queueCap = f.defaultQueueCap
	}
	f.branches[dest] = &fanoutBranch{
		peer: peer, table: dest, cursor: f.baseIndex + len(f.queue),
		queueCap: queueCap, lastProgress: time.Now(), ready: true,
	}
}

// SetBranchReady records transport-level backpressure for dest, the same
// table value passed to AddBranch. ready=false (the branch's downstream
// RibOut signalled it cannot accept more, e.g. a full socket send buffer)
// stops Wakeup/GetNextMessage from pulling into that branch at all, so its
// backlog accumulates in this table's own capped, observed queue instead
// of an unbounded buffer further downstream. ready=true resumes pulling
// immediately, draining whatever built up while the branch was paused.
func (f *FanoutTable) SetBranchReady(dest RouteTable, ready bool) {
	br, ok := f.branches[dest]
	if !ok {
		return
	}
	br.ready = ready
	br.lastProgress = time.Now()
	if ready {
		br.table.Wakeup()
	}
}

// RemoveBranch unregisters a destination peer, used once its peering is
// fully torn down. This may unblock queue-head GC if it was the
// slowest reader.
func (f *FanoutTable) RemoveBranch(dest RouteTable) {
	delete(f.branches, dest)
	f.gcHead()
}

func (f *FanoutTable) append(e fanoutEntry) {
	f.queue = append(f.queue, e)
	for _, br := range f.branches {
		if br.queueCap > 0 && f.backlog(br) > br.queueCap && f.ResetFunc != nil {
			f.ResetFunc(br.peer)
			continue
		}
		if !br.ready {
			continue
		}
		br.table.Wakeup()
	}
}

func (f *FanoutTable) backlog(br *fanoutBranch) int {
	return (f.baseIndex + len(f.queue)) - br.cursor
}

func (f *FanoutTable) gcHead() {
	if len(f.branches) == 0 {
		return
	}
	min := -1
	for _, br := range f.branches {
		pos := br.cursor - f.baseIndex
		if min == -1 || pos < min {
			min = pos
		}
	}
	if min <= 0 {
		return
	}
	if min > len(f.queue) {
		min = len(f.queue)
	}
	f.queue = f.queue[min:]
	f.baseIndex += min
}

func (f *FanoutTable) AddRoute(caller RouteTable, msg *route.Message) Result {
	f.CheckCaller(caller)
	f.CheckActive()
	f.append(fanoutEntry{kind: entryAdd, new: msg, originPeer: msg.Peer})
	return Used
}

func (f *FanoutTable) DeleteRoute(caller RouteTable, msg *route.Message) {
	f.CheckCaller(caller)
	f.CheckActive()
	f.append(fanoutEntry{kind: entryDelete, old: msg, originPeer: msg.Peer})
}

func (f *FanoutTable) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	f.CheckCaller(caller)
	f.CheckActive()
	f.append(fanoutEntry{kind: entryReplace, old: oldMsg, new: newMsg, originPeer: newMsg.Peer})
	return Used
}

// GetNextMessage is how a branch pulls: next identifies the calling
// branch by the same RouteTable value passed to AddBranch. It delivers
// at most one message (skipping any whose origin is the branch's own
// peer) and reports whether one was delivered.
func (f *FanoutTable) GetNextMessage(next RouteTable) bool {
	br, ok := f.branches[next]
	if !ok || !br.ready {
		return false
	}
	for {
		idx := br.cursor - f.baseIndex
		if idx >= len(f.queue) {
			return false
		}
		entry := f.queue[idx]
		br.cursor++
		br.lastProgress = time.Now()
		f.gcHead()
		if br.peer != nil && entry.originPeer != nil && entry.originPeer.Same(br.peer) {
			continue
		}
		f.deliver(br, entry)
		return true
	}
}

func (f *FanoutTable) deliver(br *fanoutBranch, entry fanoutEntry) {
	switch entry.kind {
	case entryAdd:
		br.table.AddRoute(f.self(), entry.new)
	case entryDelete:
		br.table.DeleteRoute(f.self(), entry.old)
	case entryReplace:
		br.table.ReplaceRoute(f.self(), entry.old, entry.new)
	case entryPush:
		br.table.Push(f.self())
	}
}

// CheckStuckBranches reports (via ResetFunc) any branch that has a
// pending backlog but has not advanced its cursor within wakeDeadline.
// The pipeline owner calls this periodically from the event loop.
func (f *FanoutTable) CheckStuckBranches() {
	if f.wakeDeadline <= 0 {
		return
	}
	now := time.Now()
	for _, br := range f.branches {
		if !br.ready {
			// paused by transport backpressure, not stuck; SetBranchReady
			// resets lastProgress when the pause lifts.
			continue
		}
		if f.backlog(br) > 0 && now.Sub(br.lastProgress) > f.wakeDeadline && f.ResetFunc != nil {
			f.ResetFunc(br.peer)
		}
	}
}

// Push forwards the push boundary through the same shared queue every
// add/delete/replace flows through: a ready branch with no other backlog
// receives it immediately (its cursor was already caught up, so it is
// advanced past the new entry here rather than waiting for a future
// Wakeup); a backlogged branch only has Wakeup poked so it keeps draining
// in order and dispatches the push via GetNextMessage once its cursor
// reaches it in turn, never ahead of the adds/deletes queued before it.
func (f *FanoutTable) Push(caller RouteTable) {
	f.CheckCaller(caller)
	entry := fanoutEntry{kind: entryPush}
	f.queue = append(f.queue, entry)
	for _, br := range f.branches {
		if !br.ready {
			continue
		}
		if f.backlog(br) == 1 {
			br.cursor++
			br.lastProgress = time.Now()
			f.deliver(br, entry)
			continue
		}
		br.table.Wakeup()
	}
	f.gcHead()
}

func (f *FanoutTable) PeeringIsDown(peer *route.PeerHandle, genid route.Genid) {
	for _, br := range f.branches {
		br.table.PeeringIsDown(peer, genid)
	}
}

func (f *FanoutTable) PeeringWentDown(peer *route.PeerHandle, genid route.Genid) {
	for _, br := range f.branches {
		br.table.PeeringWentDown(peer, genid)
	}
}

func (f *FanoutTable) PeeringDownComplete(peer *route.PeerHandle, genid route.Genid) {
	for _, br := range f.branches {
		br.table.PeeringDownComplete(peer, genid)
	}
}

func (f *FanoutTable) PeeringCameUp(peer *route.PeerHandle, genid route.Genid) {
	for _, br := range f.branches {
		br.table.PeeringCameUp(peer, genid)
	}
}
