package table

import (
	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

const defaultLocalPref = 100

// DecisionTable is the convergence point for every peer branch of one
// AFI/SAFI pipeline: unlike every other table, it legitimately has many
// parents (one NextHopResolver per peer), so it does not use Base's
// single-parent CheckCaller and instead tracks the set of branches it
// has been spliced to.
//
// For each prefix it holds every candidate route offered by any branch
// and runs the standard BGP best-path tiebreak order to pick a winner:
// LOCAL_PREF, AS_PATH length, ORIGIN, MED (only between routes from the
// same neighbouring AS), eBGP over iBGP, IGP metric to
// NEXT_HOP, and finally the lowest BGP router id as a deterministic
// last resort.
// WinnerChangeFunc is notified of every best-path transition
// ("add"/"replace"/"delete"), used to drive decision-change metrics and
// the optional event-feed publisher without either one becoming a
// RouteTable itself.
type WinnerChangeFunc func(kind string, prefix route.Prefix, winner *route.SubnetRoute)

type DecisionTable struct {
	Base
	parents    map[RouteTable]bool
	candidates map[route.Prefix]map[uint32]*route.SubnetRoute
	winner     map[route.Prefix]*route.SubnetRoute

	OnWinnerChange WinnerChangeFunc
}

func NewDecisionTable(logger *zap.Logger) *DecisionTable {
	d := &DecisionTable{
		Base:       NewBase(RoleDecision, "decision", logger),
		parents:    make(map[RouteTable]bool),
		candidates: make(map[route.Prefix]map[uint32]*route.SubnetRoute),
		winner:     make(map[route.Prefix]*route.SubnetRoute),
	}
	d.SetSelf(d)
	return d
}

// RegisterBranch authorizes caller as a legitimate source of routes, one
// call per peer branch spliced into this DecisionTable.
func (d *DecisionTable) RegisterBranch(caller RouteTable) {
	d.parents[caller] = true
}

func (d *DecisionTable) checkBranch(caller RouteTable) {
	if len(d.parents) == 0 {
		return // permissive before any branch has registered, for unit tests
	}
	if !d.parents[caller] {
		Abort(d.Base.logger, &FatalError{Table: d.Name(), Reason: "add/delete/replace from unregistered branch"})
	}
}

func better(a, b *route.SubnetRoute) bool {
	al, bl := localPrefOf(a), localPrefOf(b)
	if al != bl {
		return al > bl
	}
	alen, blen := a.PA.ASPath.Length(), b.PA.ASPath.Length()
	if alen != blen {
		return alen < blen
	}
	if a.PA.Origin != b.PA.Origin {
		return a.PA.Origin < b.PA.Origin
	}
	if neighborASOf(a) == neighborASOf(b) {
		amed, bmed := medOf(a), medOf(b)
		if amed != bmed {
			return amed < bmed
		}
	}
	aEBGP, bEBGP := a.Origin != nil && a.Origin.Type.IsEBGP(), b.Origin != nil && b.Origin.Type.IsEBGP()
	if aEBGP != bEBGP {
		return aEBGP
	}
	if a.IGPMetric != b.IGPMetric {
		return a.IGPMetric < b.IGPMetric
	}
	aID, bID := routerIDOf(a), routerIDOf(b)
	return aID < bID
}

func localPrefOf(r *route.SubnetRoute) uint32 {
	if r.PA.LocalPref != nil {
		return *r.PA.LocalPref
	}
	return defaultLocalPref
}

func medOf(r *route.SubnetRoute) uint32 {
	if r.PA.MED != nil {
		return *r.PA.MED
	}
	return 0
}

// neighborASOf returns the leftmost ASN of the route's first AS_SEQUENCE
// segment (the AS it was learned from), or 0 if the path has none.
func neighborASOf(r *route.SubnetRoute) uint32 {
	for _, seg := range r.PA.ASPath {
		if seg.Type == attrs.ASSequence && len(seg.ASNs) > 0 {
			return seg.ASNs[0]
		}
	}
	return 0
}

func routerIDOf(r *route.SubnetRoute) uint32 {
	if r.Origin != nil {
		return r.Origin.ID
	}
	return 0
}

func (d *DecisionTable) candidateSet(prefix route.Prefix) map[uint32]*route.SubnetRoute {
	set, ok := d.candidates[prefix]
	if !ok {
		set = make(map[uint32]*route.SubnetRoute)
		d.candidates[prefix] = set
	}
	return set
}

// recompute picks the best candidate for prefix and dispatches the
// delta (none / add / replace / delete) downstream.
func (d *DecisionTable) recompute(prefix route.Prefix) {
	set := d.candidates[prefix]
	var best *route.SubnetRoute
	for _, c := range set {
		if best == nil || better(c, best) {
			best = c
		}
	}
	prevWinner, hadPrev := d.winner[prefix]

	switch {
	case best == nil && hadPrev:
		delete(d.winner, prefix)
		if d.Next() != nil {
			d.Next().DeleteRoute(d.self(), &route.Message{Route: prevWinner, PA: prevWinner.PA, Peer: prevWinner.Origin, Genid: prevWinner.Genid})
		}
		d.notify("delete", prefix, prevWinner)
	case best != nil && !hadPrev:
		best.Winner = true
		d.winner[prefix] = best
		if d.Next() != nil {
			d.Next().AddRoute(d.self(), &route.Message{Route: best, PA: best.PA, Peer: best.Origin, Genid: best.Genid})
		}
		d.notify("add", prefix, best)
	case best != nil && hadPrev && best != prevWinner:
		prevWinner.Winner = false
		best.Winner = true
		d.winner[prefix] = best
		if d.Next() != nil {
			oldMsg := &route.Message{Route: prevWinner, PA: prevWinner.PA, Peer: prevWinner.Origin, Genid: prevWinner.Genid}
			newMsg := &route.Message{Route: best, PA: best.PA, Peer: best.Origin, Genid: best.Genid}
			d.Next().ReplaceRoute(d.self(), oldMsg, newMsg)
		}
		d.notify("replace", prefix, best)
	}
	if len(set) == 0 {
		delete(d.candidates, prefix)
	}
}

func (d *DecisionTable) notify(kind string, prefix route.Prefix, winner *route.SubnetRoute) {
	if d.OnWinnerChange != nil {
		d.OnWinnerChange(kind, prefix, winner)
	}
}

func (d *DecisionTable) AddRoute(caller RouteTable, msg *route.Message) Result {
	d.checkBranch(caller)
	d.CheckActive()
	d.candidateSet(msg.Route.Prefix)[msg.Peer.ID] = msg.Route
	d.recompute(msg.Route.Prefix)
	return Used
}

func (d *DecisionTable) DeleteRoute(caller RouteTable, msg *route.Message) {
	d.checkBranch(caller)
	d.CheckActive()
	delete(d.candidateSet(msg.Route.Prefix), msg.Peer.ID)
	d.recompute(msg.Route.Prefix)
}

func (d *DecisionTable) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	d.checkBranch(caller)
	d.CheckActive()
	d.candidateSet(newMsg.Route.Prefix)[newMsg.Peer.ID] = newMsg.Route
	d.recompute(newMsg.Route.Prefix)
	return Used
}

// Winners returns every current best-path route, used by the pipeline
// orchestrator to build a DumpTable's snapshot for a peer coming up.
func (d *DecisionTable) Winners() []*route.SubnetRoute {
	out := make([]*route.SubnetRoute, 0, len(d.winner))
	for _, sr := range d.winner {
		out = append(out, sr)
	}
	return out
}

func (d *DecisionTable) LookupRoute(prefix route.Prefix) (*route.SubnetRoute, route.Genid, *attrs.PathAttributeList, bool) {
	sr, ok := d.winner[prefix]
	if !ok {
		return nil, 0, nil, false
	}
	return sr, sr.Genid, sr.PA, true
}
