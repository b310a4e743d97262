package table

import (
	"testing"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
)

func decisionMsg(prefix string, peer *route.PeerHandle, localPref *uint32, asPathLen int) *route.Message {
	pfx, _ := route.ParsePrefix(prefix)
	segASNs := make([]uint32, asPathLen)
	for i := range segASNs {
		segASNs[i] = uint32(64500 + i)
	}
	pa := &attrs.PathAttributeList{
		Origin:    attrs.OriginIGP,
		ASPath:    attrs.ASPath{{Type: attrs.ASSequence, ASNs: segASNs}},
		NextHop:   mustAddr("192.0.2.1"),
		LocalPref: localPref,
	}
	sr := &route.SubnetRoute{Prefix: pfx, PA: pa, Origin: peer, AFI: route.AFIv4, SAFI: route.SAFIUnicast}
	return &route.Message{Route: sr, PA: pa, Peer: peer}
}

func u32(v uint32) *uint32 { return &v }

func TestDecisionTablePrefersHigherLocalPref(t *testing.T) {
	next := newRecordingTable()
	d := NewDecisionTable(nil)
	d.SetNext(next)

	peerA := &route.PeerHandle{ID: 1, Type: route.PeerEBGP}
	peerB := &route.PeerHandle{ID: 2, Type: route.PeerEBGP}

	d.AddRoute(nil, decisionMsg("198.51.100.0/24", peerA, u32(100), 2))
	d.AddRoute(nil, decisionMsg("198.51.100.0/24", peerB, u32(200), 2))

	sr, _, _, ok := d.LookupRoute(mustPrefix("198.51.100.0/24"))
	if !ok {
		t.Fatal("expected a winner")
	}
	if sr.Origin.ID != peerB.ID {
		t.Errorf("expected higher LOCAL_PREF peer to win, got peer %d", sr.Origin.ID)
	}
	if next.lastAdd == nil {
		t.Fatal("expected downstream dispatch for the winner change")
	}
}

func TestDecisionTableBreaksTieOnASPathLength(t *testing.T) {
	d := NewDecisionTable(nil)
	next := newRecordingTable()
	d.SetNext(next)

	peerA := &route.PeerHandle{ID: 1, Type: route.PeerEBGP}
	peerB := &route.PeerHandle{ID: 2, Type: route.PeerEBGP}

	d.AddRoute(nil, decisionMsg("198.51.100.0/24", peerA, u32(100), 3))
	d.AddRoute(nil, decisionMsg("198.51.100.0/24", peerB, u32(100), 1))

	sr, _, _, ok := d.LookupRoute(mustPrefix("198.51.100.0/24"))
	if !ok {
		t.Fatal("expected a winner")
	}
	if sr.Origin.ID != peerB.ID {
		t.Errorf("expected shorter AS_PATH peer to win, got peer %d", sr.Origin.ID)
	}
}

func TestDecisionTablePrefersEBGPOverIBGP(t *testing.T) {
	d := NewDecisionTable(nil)
	next := newRecordingTable()
	d.SetNext(next)

	ebgpPeer := &route.PeerHandle{ID: 1, Type: route.PeerEBGP}
	ibgpPeer := &route.PeerHandle{ID: 2, Type: route.PeerIBGP}

	d.AddRoute(nil, decisionMsg("198.51.100.0/24", ibgpPeer, u32(100), 2))
	d.AddRoute(nil, decisionMsg("198.51.100.0/24", ebgpPeer, u32(100), 2))

	sr, _, _, _ := d.LookupRoute(mustPrefix("198.51.100.0/24"))
	if sr.Origin.ID != ebgpPeer.ID {
		t.Errorf("expected EBGP peer to win over equal IBGP candidate, got peer %d", sr.Origin.ID)
	}
}

func TestDecisionTableWithdrawsWhenLastCandidateLeaves(t *testing.T) {
	d := NewDecisionTable(nil)
	next := newRecordingTable()
	d.SetNext(next)

	peer := &route.PeerHandle{ID: 1, Type: route.PeerEBGP}
	msg := decisionMsg("198.51.100.0/24", peer, u32(100), 2)
	d.AddRoute(nil, msg)
	d.DeleteRoute(nil, msg)

	if _, _, _, ok := d.LookupRoute(mustPrefix("198.51.100.0/24")); ok {
		t.Error("expected no winner after the only candidate is withdrawn")
	}
	if next.lastDeleted == nil {
		t.Error("expected downstream DeleteRoute")
	}
}

func mustPrefix(s string) route.Prefix {
	p, err := route.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}
