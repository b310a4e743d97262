package pipeline

import (
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
	"github.com/route-beacon/bgpcore/internal/table"
	"go.uber.org/zap"
)

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func testConfig() PipelineConfig {
	return PipelineConfig{
		Router:          RouterIdentity{LocalAS: 65001, RouterID: 1, ClusterID: 1, DefaultLocalPref: 100},
		Damping:         table.DefaultDampingConfig(),
		DefaultQueueCap: 0,
		WakeDeadline:    time.Minute,
	}
}

func addMsg(prefix string, peer *route.PeerHandle) *route.Message {
	pfx, _ := route.ParsePrefix(prefix)
	pa := &attrs.PathAttributeList{
		Origin:  attrs.OriginIGP,
		ASPath:  attrs.ASPath{{Type: attrs.ASSequence, ASNs: []uint32{uint32(peer.ASN)}}},
		NextHop: peer.LocalNextHop,
	}
	return &route.Message{
		Route: &route.SubnetRoute{Prefix: pfx, PA: pa, AFI: route.AFIv4, SAFI: route.SAFIUnicast},
		PA:    pa,
		Peer:  peer,
	}
}

func TestAddPeeringPlumbsIngressAndEgress(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, testConfig()); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}

	peerA := &route.PeerHandle{ID: 1, ASN: 65002, Type: route.PeerEBGP, LocalNextHop: mustAddr("192.0.2.1")}
	if err := mgr.AddPeering(route.AFIv4, route.SAFIUnicast, PeerSpec{Handle: peerA}); err != nil {
		t.Fatalf("AddPeering: %v", err)
	}

	p := mgr.pipelines[pipelineKey{route.AFIv4, route.SAFIUnicast}]
	pb := p.peers[peerA.ID]

	pb.ribin.AddRoute(nil, addMsg("198.51.100.0/24", peerA))

	winners := p.decision.Winners()
	if len(winners) != 1 {
		t.Fatalf("expected one winner, got %d", len(winners))
	}
	if winners[0].Prefix.String() != "198.51.100.0/24" {
		t.Errorf("unexpected winner prefix %s", winners[0].Prefix)
	}
}

func TestAddPeeringSecondPeerDumpsExistingWinners(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, testConfig()); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}

	peerA := &route.PeerHandle{ID: 1, ASN: 65002, Type: route.PeerEBGP, LocalNextHop: mustAddr("192.0.2.1")}
	if err := mgr.AddPeering(route.AFIv4, route.SAFIUnicast, PeerSpec{Handle: peerA}); err != nil {
		t.Fatalf("AddPeering peerA: %v", err)
	}
	p := mgr.pipelines[pipelineKey{route.AFIv4, route.SAFIUnicast}]
	pbA := p.peers[peerA.ID]
	pbA.ribin.AddRoute(nil, addMsg("198.51.100.0/24", peerA))

	peerB := &route.PeerHandle{ID: 2, ASN: 65003, Type: route.PeerEBGP, LocalNextHop: mustAddr("192.0.2.2")}
	if err := mgr.AddPeering(route.AFIv4, route.SAFIUnicast, PeerSpec{Handle: peerB}); err != nil {
		t.Fatalf("AddPeering peerB: %v", err)
	}

	pbB := p.peers[peerB.ID]
	if pbB.dump != nil {
		t.Fatal("expected the synchronous dump to have completed with a nil loop")
	}
	if got := pbB.ribout.Pending(); got != 1 {
		t.Fatalf("expected peerB's RibOut to receive the pre-existing winner, got %d pending", got)
	}
}

func TestDeletePeeringRemovesBranch(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, testConfig()); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}

	peerA := &route.PeerHandle{ID: 1, ASN: 65002, Type: route.PeerEBGP, LocalNextHop: mustAddr("192.0.2.1")}
	if err := mgr.AddPeering(route.AFIv4, route.SAFIUnicast, PeerSpec{Handle: peerA}); err != nil {
		t.Fatalf("AddPeering: %v", err)
	}
	if err := mgr.DeletePeering(route.AFIv4, route.SAFIUnicast, peerA.ID); err != nil {
		t.Fatalf("DeletePeering: %v", err)
	}

	p := mgr.pipelines[pipelineKey{route.AFIv4, route.SAFIUnicast}]
	if _, exists := p.peers[peerA.ID]; exists {
		t.Error("expected peer branch to be removed")
	}
	if mgr.ActivePeerings() != 0 {
		t.Errorf("expected zero active peerings, got %d", mgr.ActivePeerings())
	}
}

func TestAddPipelineRejectsDuplicate(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, testConfig()); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, testConfig()); err == nil {
		t.Error("expected an error re-adding the same AFI/SAFI pipeline")
	}
}

func TestOnWinnerChangeFeedsCallbacks(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	cfg := testConfig()
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, cfg); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}

	var gotKind string
	var gotAuditKind string
	mgr.SetWinnerFeedFunc(func(afi route.AFI, safi route.SAFI, kind string, prefix route.Prefix, winner *route.SubnetRoute) {
		gotKind = kind
	})
	mgr.SetAuditRecordFunc(func(afi route.AFI, safi route.SAFI, kind, peer, prefix, reason string, genid uint64) {
		gotAuditKind = kind
	})

	peerA := &route.PeerHandle{ID: 1, ASN: 65002, Type: route.PeerEBGP, LocalNextHop: mustAddr("192.0.2.1")}
	if err := mgr.AddPeering(route.AFIv4, route.SAFIUnicast, PeerSpec{Handle: peerA}); err != nil {
		t.Fatalf("AddPeering: %v", err)
	}
	p := mgr.pipelines[pipelineKey{route.AFIv4, route.SAFIUnicast}]
	pb := p.peers[peerA.ID]
	pb.ribin.AddRoute(nil, addMsg("198.51.100.0/24", peerA))

	if gotKind != "add" {
		t.Errorf("expected winner-feed kind 'add', got %q", gotKind)
	}
	if gotAuditKind != "decision_add" {
		t.Errorf("expected audit kind 'decision_add', got %q", gotAuditKind)
	}
}
