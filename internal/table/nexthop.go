package table

import (
	"net/netip"

	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// IGPMetricSource answers whether a next-hop is currently IGP-reachable
// and, if so, at what metric. A real speaker backs this with its IGP's
// routing information base; tests and the aggregation-only pipeline can
// supply a static map.
type IGPMetricSource interface {
	Resolve(nh netip.Addr) (metric uint32, reachable bool)
}

// StaticIGPMetrics is a fixed next-hop -> metric table, useful for tests
// and for a speaker with no dynamic IGP underneath it.
type StaticIGPMetrics map[netip.Addr]uint32

func (s StaticIGPMetrics) Resolve(nh netip.Addr) (uint32, bool) {
	m, ok := s[nh]
	return m, ok
}

// NextHopResolver stamps each route with its IGP metric and
// NextHopResolved flag before DecisionTable ever sees it: an unresolved
// next-hop makes a route ineligible no matter how good its other
// attributes look. It also tracks, per next-hop, which routes currently
// depend on it, so a RouteUsed signal from downstream can be attributed
// back to the right set of routes when an IGP change invalidates a
// next-hop outright (Wakeup).
type NextHopResolver struct {
	Base
	igp        IGPMetricSource
	dependents map[netip.Addr]map[route.Prefix]*route.SubnetRoute
}

func NewNextHopResolver(igp IGPMetricSource, logger *zap.Logger) *NextHopResolver {
	n := &NextHopResolver{
		Base:       NewBase(RoleNextHop, "nexthop", logger),
		igp:        igp,
		dependents: make(map[netip.Addr]map[route.Prefix]*route.SubnetRoute),
	}
	n.SetSelf(n)
	return n
}

func (n *NextHopResolver) resolve(msg *route.Message) *route.Message {
	metric, reachable := n.igp.Resolve(msg.PA.NextHop)
	sr := msg.Route.Clone()
	sr.NextHopResolved = reachable
	sr.IGPMetric = metric
	out := &route.Message{Route: sr, PA: msg.PA, Peer: msg.Peer, Genid: msg.Genid, Push: msg.Push, FromPreviousPeering: msg.FromPreviousPeering}
	n.track(sr, msg.PA.NextHop)
	return out
}

func (n *NextHopResolver) track(sr *route.SubnetRoute, nh netip.Addr) {
	set, ok := n.dependents[nh]
	if !ok {
		set = make(map[route.Prefix]*route.SubnetRoute)
		n.dependents[nh] = set
	}
	set[sr.Prefix] = sr
}

func (n *NextHopResolver) untrack(prefix route.Prefix, nh netip.Addr) {
	if set, ok := n.dependents[nh]; ok {
		delete(set, prefix)
		if len(set) == 0 {
			delete(n.dependents, nh)
		}
	}
}

func (n *NextHopResolver) AddRoute(caller RouteTable, msg *route.Message) Result {
	n.CheckCaller(caller)
	n.CheckActive()
	out := n.resolve(msg)
	if !out.Route.NextHopResolved {
		return Filtered
	}
	if n.Next() == nil {
		return Unused
	}
	return n.Next().AddRoute(n.self(), out)
}

func (n *NextHopResolver) DeleteRoute(caller RouteTable, msg *route.Message) {
	n.CheckCaller(caller)
	n.CheckActive()
	n.untrack(msg.Route.Prefix, msg.PA.NextHop)
	if n.Next() != nil {
		n.Next().DeleteRoute(n.self(), msg)
	}
}

func (n *NextHopResolver) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	n.CheckCaller(caller)
	n.CheckActive()

	n.untrack(oldMsg.Route.Prefix, oldMsg.PA.NextHop)
	out := n.resolve(newMsg)

	switch {
	case !out.Route.NextHopResolved:
		if n.Next() != nil {
			n.Next().DeleteRoute(n.self(), oldMsg)
		}
		return Filtered
	default:
		if n.Next() == nil {
			return Unused
		}
		return n.Next().ReplaceRoute(n.self(), oldMsg, out)
	}
}

func (n *NextHopResolver) RouteDump(caller RouteTable, msg *route.Message, dumpPeer *route.PeerHandle) Result {
	n.CheckCaller(caller)
	out := n.resolve(msg)
	if !out.Route.NextHopResolved {
		return Filtered
	}
	if n.Next() == nil {
		return Unused
	}
	return n.Next().RouteDump(n.self(), out, dumpPeer)
}

// Wakeup re-resolves every tracked route against the current IGP state,
// used after an external IGP change notification. Routes whose next-hop
// newly resolves are announced; routes whose next-hop newly fails are
// withdrawn.
func (n *NextHopResolver) Wakeup() {
	for nh, set := range n.dependents {
		metric, reachable := n.igp.Resolve(nh)
		for prefix, sr := range set {
			wasResolved := sr.NextHopResolved
			sr.IGPMetric = metric
			sr.NextHopResolved = reachable
			if n.Next() == nil {
				continue
			}
			msg := &route.Message{Route: sr, PA: sr.PA, Peer: sr.Origin, Genid: sr.Genid}
			switch {
			case wasResolved && !reachable:
				n.Next().DeleteRoute(n.self(), msg)
				delete(set, prefix)
			case !wasResolved && reachable:
				n.Next().AddRoute(n.self(), msg)
			case wasResolved && reachable:
				n.Next().ReplaceRoute(n.self(), msg, msg)
			}
		}
		if len(set) == 0 {
			delete(n.dependents, nh)
		}
	}
}
