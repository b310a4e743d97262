package table

import (
	"fmt"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/eventloop"
	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// RibIn stores the most recent route from its origin peer for each prefix
// advertised, keyed by prefix. It is the ingress boundary: the FSM/codec
// collaborator calls AddRoute/DeleteRoute/ReplaceRoute directly (there is
// no RouteTable upstream of a RibIn, so CheckCaller stays permissive).
type RibIn struct {
	Base
	peer   *route.PeerHandle
	loop   *eventloop.Loop
	routes map[route.Prefix]*route.SubnetRoute

	// stepSize bounds how many prefixes a single background-deletion step
	// processes before yielding back to the event loop.
	stepSize int
}

// NewRibIn constructs a RibIn for peer. loop may be nil, in which case
// background deletion runs synchronously (used by tests).
func NewRibIn(peer *route.PeerHandle, loop *eventloop.Loop, logger *zap.Logger) *RibIn {
	r := &RibIn{
		Base:     NewBase(RoleRibIn, fmt.Sprintf("ribin[%s]", peer), logger),
		peer:     peer,
		loop:     loop,
		routes:   make(map[route.Prefix]*route.SubnetRoute),
		stepSize: 64,
	}
	r.SetSelf(r)
	return r
}

func (r *RibIn) Len() int { return len(r.routes) }

func (r *RibIn) requirePeer(msg *route.Message) {
	if msg.Peer == nil || !msg.Peer.Same(r.peer) {
		Abort(r.logger, &FatalError{
			Table: r.Name(), Reason: "message from unexpected peer",
			Peer: msg.Peer, Prefix: msg.Route.Prefix, Genid: msg.Genid,
		})
	}
}

func (r *RibIn) AddRoute(caller RouteTable, msg *route.Message) Result {
	r.CheckCaller(caller)
	r.CheckActive()
	r.requirePeer(msg)

	existing, had := r.routes[msg.Route.Prefix]
	r.routes[msg.Route.Prefix] = msg.Route

	if r.Next() == nil {
		return Unused
	}
	if had {
		oldMsg := &route.Message{Route: existing, PA: existing.PA, Peer: r.peer, Genid: existing.Genid}
		return r.Next().ReplaceRoute(r, oldMsg, msg)
	}
	return r.Next().AddRoute(r, msg)
}

func (r *RibIn) DeleteRoute(caller RouteTable, msg *route.Message) {
	r.CheckCaller(caller)
	r.CheckActive()
	r.requirePeer(msg)

	existing, had := r.routes[msg.Route.Prefix]
	if !had {
		return
	}
	delete(r.routes, msg.Route.Prefix)
	if r.Next() != nil {
		delMsg := &route.Message{Route: existing, PA: existing.PA, Peer: r.peer, Genid: existing.Genid}
		r.Next().DeleteRoute(r, delMsg)
	}
}

func (r *RibIn) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	r.CheckCaller(caller)
	r.CheckActive()
	r.requirePeer(newMsg)

	r.routes[newMsg.Route.Prefix] = newMsg.Route
	if r.Next() == nil {
		return Unused
	}
	return r.Next().ReplaceRoute(r, oldMsg, newMsg)
}

func (r *RibIn) LookupRoute(prefix route.Prefix) (*route.SubnetRoute, route.Genid, *attrs.PathAttributeList, bool) {
	sr, ok := r.routes[prefix]
	if !ok {
		return nil, 0, nil, false
	}
	return sr, sr.Genid, sr.PA, true
}

// PeeringWentDown forwards the bracket-open notice downstream immediately
// (so Fanout/DumpTable/DampingTable can start reacting), then walks this
// RibIn's own contents in bounded steps, emitting a DeleteRoute for each
// stored prefix. PeeringDownComplete is only sent once every delete has
// propagated.
func (r *RibIn) PeeringWentDown(peer *route.PeerHandle, genid route.Genid) {
	if !peer.Same(r.peer) {
		return
	}
	if r.Next() != nil {
		r.Next().PeeringWentDown(peer, genid)
	}

	keys := make([]route.Prefix, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	r.scheduleStep(peer, genid, keys, 0)
}

func (r *RibIn) scheduleStep(peer *route.PeerHandle, genid route.Genid, keys []route.Prefix, idx int) {
	step := func() { r.runDeletionStep(peer, genid, keys, idx) }
	if r.loop != nil {
		r.loop.PostStep(step)
		return
	}
	step()
}

func (r *RibIn) runDeletionStep(peer *route.PeerHandle, genid route.Genid, keys []route.Prefix, idx int) {
	end := idx + r.stepSize
	if end > len(keys) {
		end = len(keys)
	}
	for _, pfx := range keys[idx:end] {
		existing, had := r.routes[pfx]
		if !had {
			continue
		}
		delete(r.routes, pfx)
		if r.Next() != nil {
			r.Next().DeleteRoute(r, &route.Message{Route: existing, PA: existing.PA, Peer: r.peer, Genid: existing.Genid})
		}
	}
	if end >= len(keys) {
		if r.Next() != nil {
			r.Next().PeeringDownComplete(peer, genid)
		}
		return
	}
	r.scheduleStep(peer, genid, keys, end)
}

func (r *RibIn) PeeringCameUp(peer *route.PeerHandle, genid route.Genid) {
	if !peer.Same(r.peer) {
		return
	}
	if r.Next() != nil {
		r.Next().PeeringCameUp(peer, genid)
	}
}
