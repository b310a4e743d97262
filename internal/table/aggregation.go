package table

import (
	"net/netip"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// AggregateConfig describes one configured aggregate: a covering prefix
// and whether its more-specific contributors are suppressed on EBGP
// output while the aggregate itself is announced.
type AggregateConfig struct {
	Prefix                route.Prefix
	SuppressMoreSpecifics bool
}

type aggregateState struct {
	cfg          AggregateConfig
	contributors map[route.Prefix]*route.SubnetRoute
	aggregate    *route.SubnetRoute
}

// AggregationTable sits downstream of the single shared DecisionTable. It
// recognises winning routes that fall under a configured aggregate,
// reclassifies them with an AggregationMarker so each branch's egress
// FilterBank can steer them correctly, and synthesises/withdraws the
// aggregate route itself as contributors come and go.
//
// A route not covered by any configured aggregate passes through
// unmarked (MarkerIgnore) and untouched.
type AggregationTable struct {
	Base
	localAS  uint32
	routerID uint32
	byConfig map[route.Prefix]*aggregateState
}

func NewAggregationTable(localAS, routerID uint32, configs []AggregateConfig, logger *zap.Logger) *AggregationTable {
	a := &AggregationTable{
		Base:     NewBase(RoleAggregation, "aggregation", logger),
		localAS:  localAS,
		routerID: routerID,
		byConfig: make(map[route.Prefix]*aggregateState),
	}
	for _, c := range configs {
		a.byConfig[c.Prefix] = &aggregateState{cfg: c, contributors: make(map[route.Prefix]*route.SubnetRoute)}
	}
	a.SetSelf(a)
	return a
}

// AddAggregate registers a new aggregate definition at runtime (a
// configuration reload), with no contributors yet.
func (a *AggregationTable) AddAggregate(cfg AggregateConfig) {
	if _, exists := a.byConfig[cfg.Prefix]; exists {
		return
	}
	a.byConfig[cfg.Prefix] = &aggregateState{cfg: cfg, contributors: make(map[route.Prefix]*route.SubnetRoute)}
}

func (a *AggregationTable) covering(prefix route.Prefix) *aggregateState {
	for aggPfx, st := range a.byConfig {
		if aggPfx.Length >= prefix.Length || aggPfx == prefix {
			continue
		}
		net, err := netip.ParsePrefix(aggPfx.String())
		if err != nil {
			continue
		}
		if net.Contains(prefix.Addr) {
			return st
		}
	}
	return nil
}

func marker(suppress bool) route.AggregationMarker {
	if suppress {
		return route.MarkerEBGPWasAggregated
	}
	return route.MarkerEBGPNotAggregated
}

func (a *AggregationTable) synthesizeAggregate(st *aggregateState) *route.SubnetRoute {
	var origin attrs.Origin
	asSet := make([]uint32, 0, len(st.contributors))
	seen := make(map[uint32]bool)
	for _, c := range st.contributors {
		origin = origin.Max(c.PA.Origin)
		if asn, ok := c.PA.ASPath.OriginASN(); ok && !seen[asn] {
			seen[asn] = true
			asSet = append(asSet, asn)
		}
	}
	pa := &attrs.PathAttributeList{
		Origin:          origin,
		ASPath:          attrs.ASPath{{Type: attrs.ASSet, ASNs: asSet}},
		AtomicAggregate: true,
		Aggregator:      &attrs.Aggregator{ASN: a.localAS, Address: routerIDToAddr(a.routerID)},
	}
	return &route.SubnetRoute{
		Prefix: st.cfg.Prefix,
		PA:     pa,
		Origin: &route.PeerHandle{ID: a.routerID, ASN: a.localAS, Type: route.PeerInternal},
		AFI:    st.cfg.Prefix.AFI(),
		SAFI:   route.SAFIUnicast,
		Marker: route.MarkerEBGPAggregate,
	}
}

func (a *AggregationTable) reconcileAggregate(st *aggregateState) {
	if len(st.contributors) == 0 {
		if st.aggregate != nil && a.Next() != nil {
			old := st.aggregate
			a.Next().DeleteRoute(a.self(), &route.Message{Route: old, PA: old.PA, Peer: old.Origin})
		}
		st.aggregate = nil
		return
	}
	next := a.synthesizeAggregate(st)
	if a.Next() == nil {
		st.aggregate = next
		return
	}
	if st.aggregate == nil {
		a.Next().AddRoute(a.self(), &route.Message{Route: next, PA: next.PA, Peer: next.Origin})
	} else {
		old := st.aggregate
		a.Next().ReplaceRoute(a.self(),
			&route.Message{Route: old, PA: old.PA, Peer: old.Origin},
			&route.Message{Route: next, PA: next.PA, Peer: next.Origin})
	}
	st.aggregate = next
}

func (a *AggregationTable) AddRoute(caller RouteTable, msg *route.Message) Result {
	a.CheckCaller(caller)
	a.CheckActive()

	st := a.covering(msg.Route.Prefix)
	if st == nil {
		msg.Route.Marker = route.MarkerIgnore
		if a.Next() == nil {
			return Unused
		}
		return a.Next().AddRoute(a.self(), msg)
	}

	msg.Route.Marker = marker(st.cfg.SuppressMoreSpecifics)
	st.contributors[msg.Route.Prefix] = msg.Route
	a.reconcileAggregate(st)

	if a.Next() == nil {
		return Unused
	}
	return a.Next().AddRoute(a.self(), msg)
}

func (a *AggregationTable) DeleteRoute(caller RouteTable, msg *route.Message) {
	a.CheckCaller(caller)
	a.CheckActive()

	st := a.covering(msg.Route.Prefix)
	if st != nil {
		delete(st.contributors, msg.Route.Prefix)
		a.reconcileAggregate(st)
	}
	if a.Next() != nil {
		a.Next().DeleteRoute(a.self(), msg)
	}
}

func (a *AggregationTable) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	a.CheckCaller(caller)
	a.CheckActive()

	st := a.covering(newMsg.Route.Prefix)
	if st == nil {
		newMsg.Route.Marker = route.MarkerIgnore
		if a.Next() == nil {
			return Unused
		}
		return a.Next().ReplaceRoute(a.self(), oldMsg, newMsg)
	}

	newMsg.Route.Marker = marker(st.cfg.SuppressMoreSpecifics)
	st.contributors[newMsg.Route.Prefix] = newMsg.Route
	a.reconcileAggregate(st)

	if a.Next() == nil {
		return Unused
	}
	return a.Next().ReplaceRoute(a.self(), oldMsg, newMsg)
}
