package pipeline

import (
	"testing"

	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

func TestListRoutesPaginatesInPrefixOrder(t *testing.T) {
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

	prefixes := []string{"203.0.113.0/24", "198.51.100.0/24", "192.0.2.0/24"}
	for _, pfx := range prefixes {
		pb.ribin.AddRoute(nil, addMsg(pfx, peerA))
	}

	reader := NewRouteReader(mgr)

	page1, cursor1, err := reader.ListRoutes("ipv4", "unicast", "", 2)
	if err != nil {
		t.Fatalf("ListRoutes page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 routes on page1, got %d", len(page1))
	}
	if page1[0].Prefix != "192.0.2.0/24" || page1[1].Prefix != "198.51.100.0/24" {
		t.Errorf("expected lexicographic prefix order, got %+v", page1)
	}
	if cursor1 == "" {
		t.Fatal("expected a non-empty cursor with more routes remaining")
	}

	page2, cursor2, err := reader.ListRoutes("ipv4", "unicast", cursor1, 2)
	if err != nil {
		t.Fatalf("ListRoutes page2: %v", err)
	}
	if len(page2) != 1 || page2[0].Prefix != "203.0.113.0/24" {
		t.Errorf("expected the remaining route on page2, got %+v", page2)
	}
	if cursor2 != "" {
		t.Errorf("expected an empty cursor once exhausted, got %q", cursor2)
	}
}

func TestListRoutesRejectsUnknownFamily(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	if err := mgr.AddPipeline(route.AFIv4, route.SAFIUnicast, testConfig()); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}
	reader := NewRouteReader(mgr)

	if _, _, err := reader.ListRoutes("ipv9", "unicast", "", 10); err == nil {
		t.Error("expected an error for an unknown afi")
	}
	if _, _, err := reader.ListRoutes("ipv4", "vpn", "", 10); err == nil {
		t.Error("expected an error for an unknown safi")
	}
}

func TestListRoutesUnconfiguredPipelineErrors(t *testing.T) {
	mgr := NewManager(nil, zap.NewNop())
	reader := NewRouteReader(mgr)

	if _, _, err := reader.ListRoutes("ipv6", "unicast", "", 10); err == nil {
		t.Error("expected an error for a pipeline that was never configured")
	}
}
