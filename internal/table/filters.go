package table

import (
	"net/netip"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
)

// FilterDecision is what a single filter in a FilterBank's chain decided
// to do with a message.
type FilterDecision int

const (
	FilterPass FilterDecision = iota
	FilterDrop
)

// Direction tells a filter which side of a peer it is running on: a
// RibIn's input chain (In) or a peer's output chain (Out). Several
// filters (LOCAL_PREF, MED, RR purge) behave oppositely on the two sides.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// FilterContext is the router- and branch-local information every filter
// needs: who the branch peer is, which direction we are filtering, and
// whether the route under consideration was self-originated.
type FilterContext struct {
	LocalAS        uint32
	RouterID       uint32
	ClusterID      uint32
	Peer           *route.PeerHandle
	Direction      Direction
	SelfOriginated bool
}

// Filter is one step of a FilterBank's ordered chain.
type Filter interface {
	Name() string
	Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message)
}

func routerIDToAddr(id uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)})
}

func addrToRouterID(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// AggregationSteeringFilter drops routes whose aggregation marker forbids
// this branch: an IBGP_ONLY contributor never reaches an EBGP branch, and
// a contributor currently folded into a suppressed-but-announced
// aggregate (EBGP_WAS_AGGREGATED) is likewise held back from EBGP.
type AggregationSteeringFilter struct{}

func (AggregationSteeringFilter) Name() string { return "aggregation-steering" }

func (AggregationSteeringFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if !ctx.Peer.Type.IsEBGP() {
		return FilterPass, msg
	}
	switch msg.Route.Marker {
	case route.MarkerIBGPOnly, route.MarkerEBGPWasAggregated:
		return FilterDrop, msg
	default:
		return FilterPass, msg
	}
}

// SimpleASFilter drops a route whose AS_PATH already contains ForbiddenASN,
// used on EBGP ingress for loop prevention.
type SimpleASFilter struct {
	ForbiddenASN uint32
}

func (SimpleASFilter) Name() string { return "simple-as" }

func (f SimpleASFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if msg.PA != nil && msg.PA.ASPath.Contains(f.ForbiddenASN) {
		return FilterDrop, msg
	}
	return FilterPass, msg
}

// RRInputFilter drops a route a route reflector is about to receive back
// from itself: ORIGINATOR_ID equal to our own router id, or our cluster
// id already present in CLUSTER_LIST.
type RRInputFilter struct {
	RouterID  uint32
	ClusterID uint32
}

func (RRInputFilter) Name() string { return "rr-input" }

func (f RRInputFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if msg.PA.OriginatorID.IsValid() && addrToRouterID(msg.PA.OriginatorID) == f.RouterID {
		return FilterDrop, msg
	}
	for _, c := range msg.PA.ClusterList {
		if c == f.ClusterID {
			return FilterDrop, msg
		}
	}
	return FilterPass, msg
}

// ASPrependFilter prepends the local AS to AS_PATH, using an
// AS_CONFED_SEQUENCE segment when the branch peer is a confederation peer.
type ASPrependFilter struct {
	LocalAS uint32
}

func (ASPrependFilter) Name() string { return "as-prepend" }

func (f ASPrependFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	pa := msg.PA.Clone()
	if ctx.Peer.ConfederationPeer {
		pa.ASPath = pa.ASPath.PrependConfed(f.LocalAS)
	} else {
		pa.ASPath = pa.ASPath.Prepend(f.LocalAS)
	}
	return FilterPass, msg.WithPA(pa)
}

// NextHopRewriteFilter replaces NEXT_HOP with the branch's local address,
// unless the peer is directly connected and the existing next-hop is not
// the peer's own address (third-party next-hop preservation).
type NextHopRewriteFilter struct{}

func (NextHopRewriteFilter) Name() string { return "nexthop-rewrite" }

func (NextHopRewriteFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if ctx.Peer.DirectlyConnected && msg.PA.NextHop.IsValid() && msg.PA.NextHop != ctx.Peer.Address {
		return FilterPass, msg
	}
	pa := msg.PA.Clone()
	pa.NextHop = ctx.Peer.LocalNextHop
	return FilterPass, msg.WithPA(pa)
}

// NextHopPeerCheckFilter rewrites a self-originated route's next-hop back
// to our local address if it happens to equal the destination peer's own
// address — sending a route's next-hop back to its owner is forbidden.
type NextHopPeerCheckFilter struct{}

func (NextHopPeerCheckFilter) Name() string { return "nexthop-peer-check" }

func (NextHopPeerCheckFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if !ctx.SelfOriginated || msg.PA.NextHop != ctx.Peer.Address {
		return FilterPass, msg
	}
	pa := msg.PA.Clone()
	pa.NextHop = ctx.Peer.LocalNextHop
	return FilterPass, msg.WithPA(pa)
}

// IBGPLoopFilter drops a route received from a plain IBGP peer when the
// output branch is also a plain (non-reflector) IBGP peer.
type IBGPLoopFilter struct{}

func (IBGPLoopFilter) Name() string { return "ibgp-loop" }

func (IBGPLoopFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if ctx.Peer.Type == route.PeerIBGP && msg.Peer != nil && msg.Peer.Type == route.PeerIBGP {
		return FilterDrop, msg
	}
	return FilterPass, msg
}

// RRIBGPLoopFilter implements the route-reflector side of IBGP loop
// prevention: towards a reflector client it stamps ORIGINATOR_ID (if
// absent) and prepends the local cluster id to CLUSTER_LIST; towards a
// plain IBGP peer it drops routes that came from another plain IBGP peer.
type RRIBGPLoopFilter struct {
	RouterID  uint32
	ClusterID uint32
}

func (RRIBGPLoopFilter) Name() string { return "rr-ibgp-loop" }

func (f RRIBGPLoopFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if ctx.Peer.Type == route.PeerIBGPClient {
		pa := msg.PA.Clone()
		if !pa.OriginatorID.IsValid() {
			originID := f.RouterID
			if msg.Peer != nil {
				originID = msg.Peer.ID
			}
			pa.OriginatorID = routerIDToAddr(originID)
		}
		pa.ClusterList = append([]uint32{f.ClusterID}, pa.ClusterList...)
		return FilterPass, msg.WithPA(pa)
	}
	if ctx.Peer.Type == route.PeerIBGP && msg.Peer != nil && msg.Peer.Type == route.PeerIBGP {
		return FilterDrop, msg
	}
	return FilterPass, msg
}

// RRPurgeFilter strips ORIGINATOR_ID and CLUSTER_LIST on egress to EBGP:
// reflector-internal bookkeeping never leaves the AS.
type RRPurgeFilter struct{}

func (RRPurgeFilter) Name() string { return "rr-purge" }

func (RRPurgeFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if !ctx.Peer.Type.IsEBGP() {
		return FilterPass, msg
	}
	if !msg.PA.OriginatorID.IsValid() && len(msg.PA.ClusterList) == 0 {
		return FilterPass, msg
	}
	pa := msg.PA.Clone()
	pa.OriginatorID = netip.Addr{}
	pa.ClusterList = nil
	return FilterPass, msg.WithPA(pa)
}

// LocalPrefFilter inserts LOCAL_PREF (from Default) on EBGP ingress when
// absent, and removes it on EBGP egress: LOCAL_PREF never crosses an AS
// boundary in either direction.
type LocalPrefFilter struct {
	Default uint32
}

func (LocalPrefFilter) Name() string { return "local-pref" }

func (f LocalPrefFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if ctx.Direction == DirIn && ctx.Peer.Type.IsEBGP() && msg.PA.LocalPref == nil {
		pa := msg.PA.Clone()
		v := f.Default
		pa.LocalPref = &v
		return FilterPass, msg.WithPA(pa)
	}
	if ctx.Direction == DirOut && ctx.Peer.Type.IsEBGP() && msg.PA.LocalPref != nil {
		pa := msg.PA.Clone()
		pa.LocalPref = nil
		return FilterPass, msg.WithPA(pa)
	}
	return FilterPass, msg
}

// MEDFilter optionally sets MED from the route's resolved IGP metric on
// egress, and optionally strips an incoming MED on ingress per policy.
type MEDFilter struct {
	SetFromIGPMetric bool
	StripOnIngress   bool
}

func (MEDFilter) Name() string { return "med" }

func (f MEDFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if ctx.Direction == DirIn && f.StripOnIngress && msg.PA.MED != nil {
		pa := msg.PA.Clone()
		pa.MED = nil
		return FilterPass, msg.WithPA(pa)
	}
	if ctx.Direction == DirOut && f.SetFromIGPMetric {
		pa := msg.PA.Clone()
		v := msg.Route.IGPMetric
		pa.MED = &v
		return FilterPass, msg.WithPA(pa)
	}
	return FilterPass, msg
}

// KnownCommunityFilter enforces NO_ADVERTISE, NO_EXPORT, and
// NO_EXPORT_SUBCONFED against the output peer type.
type KnownCommunityFilter struct{}

func (KnownCommunityFilter) Name() string { return "known-community" }

func (KnownCommunityFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if msg.PA.HasWellKnown(attrs.NoAdvertise) {
		return FilterDrop, msg
	}
	if msg.PA.HasWellKnown(attrs.NoExportSubconfed) && ctx.Peer.Type.IsEBGP() {
		return FilterDrop, msg
	}
	if msg.PA.HasWellKnown(attrs.NoExport) && ctx.Peer.Type.IsEBGP() && !ctx.Peer.ConfederationPeer {
		return FilterDrop, msg
	}
	return FilterPass, msg
}

// UnknownAttributeFilter applies RFC 4271 §5 unknown-attribute handling:
// optional non-transitive attributes this speaker does not recognise are
// discarded, optional transitive ones are kept with the partial bit set.
type UnknownAttributeFilter struct{}

func (UnknownAttributeFilter) Name() string { return "unknown-attribute" }

func (UnknownAttributeFilter) Apply(ctx *FilterContext, msg *route.Message) (FilterDecision, *route.Message) {
	if len(msg.PA.Unknown) == 0 {
		return FilterPass, msg
	}
	changed := false
	kept := make([]attrs.UnknownAttr, 0, len(msg.PA.Unknown))
	for _, u := range msg.PA.Unknown {
		switch {
		case !u.Optional():
			kept = append(kept, u)
		case !u.Transitive():
			changed = true
		case !u.Partial():
			u.Flags |= 0x20
			changed = true
			kept = append(kept, u)
		default:
			kept = append(kept, u)
		}
	}
	if !changed {
		return FilterPass, msg
	}
	pa := msg.PA.Clone()
	pa.Unknown = kept
	return FilterPass, msg.WithPA(pa)
}
