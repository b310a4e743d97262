// Package route holds the carrier types that flow through the
// route-processing pipeline: prefixes, peers, the per-incarnation genid,
// the reference-counted-by-the-Go-runtime SubnetRoute, and the
// InternalMessage that tables exchange.
package route

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/eventloop"
)

// AFI selects the address family a pipeline instance serves.
type AFI uint8

const (
	AFIv4 AFI = 4
	AFIv6 AFI = 6
)

func (a AFI) String() string {
	if a == AFIv6 {
		return "ipv6"
	}
	return "ipv4"
}

// SAFI selects the subsequent address family.
type SAFI uint8

const (
	SAFIUnicast   SAFI = 1
	SAFIMulticast SAFI = 2
)

func (s SAFI) String() string {
	if s == SAFIMulticast {
		return "multicast"
	}
	return "unicast"
}

// Prefix is a network prefix keyed into every table by (family, address,
// length). It is a plain comparable value so it can be used directly as a
// map key.
type Prefix struct {
	Addr   netip.Addr
	Length int
}

func (p Prefix) AFI() AFI {
	if p.Addr.Is4() {
		return AFIv4
	}
	return AFIv6
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr.String(), p.Length)
}

// ParsePrefix parses CIDR notation into a Prefix.
func ParsePrefix(s string) (Prefix, error) {
	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, err
	}
	return Prefix{Addr: pfx.Addr(), Length: pfx.Bits()}, nil
}

// Genid is assigned to a peer each time its peering comes up. Every
// message carrying that incarnation's state is tagged with it; tables
// compare against the genid they last recorded for a peer to discriminate
// current from stale (a prior incarnation's) state.
type Genid uint64

// GenidAllocator hands out strictly increasing genids. It is only ever
// touched from the event-loop goroutine, so it needs no lock.
type GenidAllocator struct {
	next Genid
}

func (a *GenidAllocator) Next() Genid {
	a.next++
	return a.next
}

// PeerType classifies a peer for filter and decision purposes.
type PeerType int

const (
	PeerEBGP PeerType = iota
	PeerIBGP
	PeerIBGPClient
	PeerEBGPConfed
	PeerInternal
)

func (t PeerType) IsEBGP() bool {
	return t == PeerEBGP || t == PeerEBGPConfed
}

func (t PeerType) IsIBGP() bool {
	return t == PeerIBGP || t == PeerIBGPClient
}

func (t PeerType) String() string {
	switch t {
	case PeerEBGP:
		return "ebgp"
	case PeerIBGP:
		return "ibgp"
	case PeerIBGPClient:
		return "ibgp-client"
	case PeerEBGPConfed:
		return "ebgp-confed"
	case PeerInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// PeerHandle is the opaque identity of a peer, shared by every table that
// needs to know who a route came from or is going to.
type PeerHandle struct {
	ID                uint32 // router id, 32 bits
	Address           netip.Addr
	ASN               uint32
	Type              PeerType
	DirectlyConnected bool
	LocalNextHop      netip.Addr
	ConfederationPeer bool
	Loop              *eventloop.Loop
}

func (p *PeerHandle) String() string {
	if p == nil {
		return "<nil-peer>"
	}
	return fmt.Sprintf("peer(id=%d addr=%s as=%d)", p.ID, p.Address, p.ASN)
}

// Same reports whether two peer handles denote the same peer.
func (p *PeerHandle) Same(other *PeerHandle) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID == other.ID
}

// AggregationMarker steers a route through FilterBank once AggregationTable
// has classified it.
type AggregationMarker int

const (
	// MarkerIgnore: not a candidate for, or product of, aggregation.
	MarkerIgnore AggregationMarker = iota
	// MarkerIBGPOnly: contributor is propagated to IBGP/local-RIB only.
	MarkerIBGPOnly
	// MarkerEBGPWasAggregated: contributor is suppressed on EBGP output
	// because an enclosing aggregate is currently announced.
	MarkerEBGPWasAggregated
	// MarkerEBGPNotAggregated: contributor is not currently suppressed
	// (no covering aggregate announced, or the aggregate is suppressed).
	MarkerEBGPNotAggregated
	// MarkerEBGPAggregate: this route is the aggregate itself.
	MarkerEBGPAggregate
)

func (m AggregationMarker) String() string {
	switch m {
	case MarkerIgnore:
		return "ignore"
	case MarkerIBGPOnly:
		return "ibgp-only"
	case MarkerEBGPWasAggregated:
		return "ebgp-was-aggregated"
	case MarkerEBGPNotAggregated:
		return "ebgp-not-aggregated"
	case MarkerEBGPAggregate:
		return "ebgp-aggregate"
	default:
		return "unknown"
	}
}

// SubnetRoute is the unit of route state. Lifetime is ordinary Go
// reference lifetime: whichever map, queue entry, or in-flight Message
// still points at a SubnetRoute keeps it alive; there is no manual
// ref/unref. A table that owns storage (RibIn, AggregationTable,
// DecisionTable's winner map) holds the authoritative copy; everything
// else holds a borrowed pointer to it.
type SubnetRoute struct {
	Prefix  Prefix
	PA      *attrs.PathAttributeList
	Origin  *PeerHandle
	Genid   Genid
	AFI     AFI
	SAFI    SAFI

	IGPMetric       uint32
	NextHopResolved bool
	Winner          bool
	InUse           bool
	Marker          AggregationMarker
	Filtered        bool
	FromPrevPeering bool
}

// Clone returns a shallow copy with a new identity; used when a table
// needs to overlay flags on a route without mutating the copy another
// table still holds (e.g. NextHopResolver flips NextHopResolved without
// touching RibIn's stored route).
func (r *SubnetRoute) Clone() *SubnetRoute {
	cp := *r
	return &cp
}

// Message is the carrier that flows between tables. It is not persisted;
// it lives only for the duration of one dispatch, so callers must not
// retain a *Message past the call that received it — retain .Route or
// .PA instead, which do have independent lifetime.
type Message struct {
	Route               *SubnetRoute
	PA                  *attrs.PathAttributeList
	Peer                *PeerHandle
	Genid               Genid
	Push                bool
	FromPreviousPeering bool
}

// WithPA returns a shallow copy of the message carrying a different
// working PA-list, used by FilterBank to thread a mutated attribute set
// through the rest of the chain without touching the caller's Message.
func (m *Message) WithPA(pa *attrs.PathAttributeList) *Message {
	cp := *m
	cp.PA = pa
	return &cp
}
