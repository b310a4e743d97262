// Package attrs implements the canonicalised path-attribute list (PA-list):
// the order-normalised collection of BGP path attributes that RibIn stores
// and that flows, by reference, through the route-processing pipeline.
//
// A *PathAttributeList returned by a table's storage (RibIn, AggregationTable)
// is the canonical form: callers must treat it as read-only and share it by
// pointer. A filter that needs to change an attribute calls Clone to obtain
// a private working copy, mutates that, and hands the new pointer downstream
// in place of the old one. Nothing in this package keeps a global registry
// of lists; lifetime is ordinary Go reference lifetime; a list is collected
// once nothing downstream still points at it.
package attrs

import (
	"fmt"
	"net/netip"
	"strings"
)

// Origin is the BGP ORIGIN attribute value.
type Origin uint8

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "IGP"
	case OriginEGP:
		return "EGP"
	case OriginIncomplete:
		return "INCOMPLETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}

// Max returns the higher of two origins under the IGP < EGP < INCOMPLETE
// ordering AggregationTable uses to pick an aggregate's ORIGIN.
func (o Origin) Max(other Origin) Origin {
	if other > o {
		return other
	}
	return o
}

// ASSegmentType identifies an AS_PATH segment kind.
type ASSegmentType uint8

const (
	ASSet            ASSegmentType = 1
	ASSequence       ASSegmentType = 2
	ASConfedSequence ASSegmentType = 3
	ASConfedSet      ASSegmentType = 4
)

// ASSegment is one segment of an AS_PATH.
type ASSegment struct {
	Type ASSegmentType
	ASNs []uint32
}

func (s ASSegment) clone() ASSegment {
	asns := make([]uint32, len(s.ASNs))
	copy(asns, s.ASNs)
	return ASSegment{Type: s.Type, ASNs: asns}
}

func (s ASSegment) String() string {
	parts := make([]string, len(s.ASNs))
	for i, a := range s.ASNs {
		parts[i] = fmt.Sprintf("%d", a)
	}
	switch s.Type {
	case ASSet:
		return "{" + strings.Join(parts, ",") + "}"
	case ASConfedSequence:
		return "(" + strings.Join(parts, " ") + ")"
	case ASConfedSet:
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return strings.Join(parts, " ")
	}
}

// ASPath is an ordered list of AS_PATH segments.
type ASPath []ASSegment

func (p ASPath) clone() ASPath {
	out := make(ASPath, len(p))
	for i, s := range p {
		out[i] = s.clone()
	}
	return out
}

func (p ASPath) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}

// Length is the AS_PATH length used as DecisionTable's second tiebreaker:
// each ASN in a SEQUENCE counts once, a SET counts once regardless of size,
// and confederation segments count zero (RFC 5065) since they are stripped
// before the path leaves the confederation.
func (p ASPath) Length() int {
	n := 0
	for _, s := range p {
		switch s.Type {
		case ASSequence:
			n += len(s.ASNs)
		case ASSet:
			if len(s.ASNs) > 0 {
				n++
			}
		case ASConfedSequence, ASConfedSet:
			// not counted
		}
	}
	return n
}

// Contains reports whether asn appears anywhere in the path, used by the
// simple AS filter for EBGP ingress loop prevention.
func (p ASPath) Contains(asn uint32) bool {
	for _, s := range p {
		for _, a := range s.ASNs {
			if a == asn {
				return true
			}
		}
	}
	return false
}

// OriginASN returns the rightmost ASN of the path (the route's origin AS),
// or (0, false) if the path is empty or ends in an AS_SET, where the
// origin AS is ambiguous.
func (p ASPath) OriginASN() (uint32, bool) {
	if len(p) == 0 {
		return 0, false
	}
	last := p[len(p)-1]
	if last.Type == ASSet || len(last.ASNs) == 0 {
		return 0, false
	}
	return last.ASNs[len(last.ASNs)-1], true
}

// Prepend adds asn to the front of the path as a plain AS_SEQUENCE,
// merging into an existing leading AS_SEQUENCE segment rather than
// creating a new one-ASN segment each time.
func (p ASPath) Prepend(asn uint32) ASPath {
	return prepend(p, asn, ASSequence)
}

// PrependConfed adds asn to the front of the path as an AS_CONFED_SEQUENCE
// segment, used by the AS-prepend filter when the receiving peer is a
// confederation member.
func (p ASPath) PrependConfed(asn uint32) ASPath {
	return prepend(p, asn, ASConfedSequence)
}

func prepend(p ASPath, asn uint32, segType ASSegmentType) ASPath {
	if len(p) > 0 && p[0].Type == segType {
		out := p.clone()
		out[0].ASNs = append([]uint32{asn}, out[0].ASNs...)
		return out
	}
	out := make(ASPath, 0, len(p)+1)
	out = append(out, ASSegment{Type: segType, ASNs: []uint32{asn}})
	out = append(out, p.clone()...)
	return out
}

// StripConfed removes every AS_CONFED_SEQUENCE/AS_CONFED_SET segment,
// applied by the RR-purge / egress-to-non-confederation-EBGP filters
// per RFC 5065.
func (p ASPath) StripConfed() ASPath {
	out := make(ASPath, 0, len(p))
	for _, s := range p {
		if s.Type == ASConfedSequence || s.Type == ASConfedSet {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// Community is a standard 32-bit BGP community (RFC 1997).
type Community uint32

const (
	NoExport         Community = 0xFFFFFF01
	NoAdvertise      Community = 0xFFFFFF02
	NoExportSubconfed Community = 0xFFFFFF03
)

func (c Community) Has(list []Community) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

// ExtCommunity is an opaque 8-byte extended community.
type ExtCommunity [8]byte

// LargeCommunity is a 3x32-bit large community (RFC 8092).
type LargeCommunity struct {
	Global, Local1, Local2 uint32
}

// Aggregator records the AGGREGATOR attribute: the ASN and router address
// of the speaker that formed an aggregate.
type Aggregator struct {
	ASN     uint32
	Address netip.Addr
}

// UnknownAttr preserves an attribute this speaker does not recognise,
// tagged with its flags so the unknown-attribute filter can apply
// transitive/partial handling per RFC 4271 §5.
type UnknownAttr struct {
	TypeCode uint8
	Flags    uint8
	Value    []byte
}

func (u UnknownAttr) Transitive() bool { return u.Flags&0x40 != 0 }
func (u UnknownAttr) Optional() bool   { return u.Flags&0x80 != 0 }
func (u UnknownAttr) Partial() bool    { return u.Flags&0x20 != 0 }

func (u UnknownAttr) clone() UnknownAttr {
	v := make([]byte, len(u.Value))
	copy(v, u.Value)
	return UnknownAttr{TypeCode: u.TypeCode, Flags: u.Flags, Value: v}
}

// MPReach carries the parts of MP_REACH_NLRI relevant once the core
// receives already-decoded attributes: the next-hop for the family.
// AFI/SAFI-specific NLRI is represented by the owning SubnetRoute's
// own prefix, not duplicated here; MPReach exists so the invariant
// "MP_REACH/MP_UNREACH never coexist with an IPv4 NEXT_HOP for the
// IPv6 pipeline" is checkable without re-deriving it from wire bytes.
type MPReach struct {
	NextHop netip.Addr
}

// MPUnreach marks that reachability for this AFI was withdrawn via
// MP_UNREACH_NLRI rather than classic WITHDRAWN_ROUTES.
type MPUnreach struct{}

// PathAttributeList is the canonical, order-normalised attribute set
// attached to a route. Treat a list obtained from table storage as
// read-only; call Clone to get a mutable working copy.
type PathAttributeList struct {
	Origin           Origin
	ASPath           ASPath
	NextHop          netip.Addr
	MED              *uint32
	LocalPref        *uint32
	AtomicAggregate  bool
	Aggregator       *Aggregator
	Communities      []Community
	ExtCommunities   []ExtCommunity
	LargeCommunities []LargeCommunity
	OriginatorID     netip.Addr
	ClusterList      []uint32
	MPReach          *MPReach
	MPUnreach        *MPUnreach
	Unknown          []UnknownAttr
}

// Clone returns a private, independently mutable deep copy. Filters call
// this before editing an attribute so the canonical list held by upstream
// storage and any other in-flight message referencing it is unaffected.
func (p *PathAttributeList) Clone() *PathAttributeList {
	if p == nil {
		return nil
	}
	out := &PathAttributeList{
		Origin:          p.Origin,
		ASPath:          p.ASPath.clone(),
		NextHop:         p.NextHop,
		AtomicAggregate: p.AtomicAggregate,
	}
	if p.MED != nil {
		v := *p.MED
		out.MED = &v
	}
	if p.LocalPref != nil {
		v := *p.LocalPref
		out.LocalPref = &v
	}
	if p.Aggregator != nil {
		a := *p.Aggregator
		out.Aggregator = &a
	}
	if p.Communities != nil {
		out.Communities = append([]Community(nil), p.Communities...)
	}
	if p.ExtCommunities != nil {
		out.ExtCommunities = append([]ExtCommunity(nil), p.ExtCommunities...)
	}
	if p.LargeCommunities != nil {
		out.LargeCommunities = append([]LargeCommunity(nil), p.LargeCommunities...)
	}
	out.OriginatorID = p.OriginatorID
	if p.ClusterList != nil {
		out.ClusterList = append([]uint32(nil), p.ClusterList...)
	}
	if p.MPReach != nil {
		mp := *p.MPReach
		out.MPReach = &mp
	}
	if p.MPUnreach != nil {
		mu := *p.MPUnreach
		out.MPUnreach = &mu
	}
	if p.Unknown != nil {
		out.Unknown = make([]UnknownAttr, len(p.Unknown))
		for i, u := range p.Unknown {
			out.Unknown[i] = u.clone()
		}
	}
	return out
}

// Validate rejects an MP_REACH carrying an IPv4 NEXT_HOP on the IPv6
// pipeline, and MP_REACH and MP_UNREACH present together. It does not
// reject a missing AS_PATH or NEXT_HOP, and does not check next-hop
// resolution.
func (p *PathAttributeList) Validate(isIPv6Pipeline bool) error {
	if len(p.ASPath) == 0 {
		// An empty AS_PATH is legitimate only for a locally originated or
		// brief-mode aggregate route; callers that need "present" in the
		// stronger sense (leaving the core) check OriginASN separately.
	}
	if isIPv6Pipeline && p.MPReach != nil && p.NextHop.Is4() {
		return fmt.Errorf("attrs: MP_REACH next-hop pipeline carries an IPv4 NEXT_HOP")
	}
	if p.MPReach != nil && p.MPUnreach != nil {
		return fmt.Errorf("attrs: MP_REACH and MP_UNREACH both present")
	}
	return nil
}

// HasWellKnown reports whether community c is present; the known-community
// filter calls it once each for NO_ADVERTISE / NO_EXPORT /
// NO_EXPORT_SUBCONFED.
func (p *PathAttributeList) HasWellKnown(c Community) bool {
	for _, v := range p.Communities {
		if v == c {
			return true
		}
	}
	return false
}
