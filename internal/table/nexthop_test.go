package table

import (
	"testing"
)

func TestNextHopResolverFiltersUnreachable(t *testing.T) {
	next := newRecordingTable()
	n := NewNextHopResolver(StaticIGPMetrics{}, nil)
	n.SetNext(next)

	res := n.AddRoute(nil, testMsg())
	if res != Filtered {
		t.Fatalf("expected Filtered for unresolvable next-hop, got %v", res)
	}
	if next.lastAdd != nil {
		t.Error("expected no downstream AddRoute")
	}
}

func TestNextHopResolverPassesResolvable(t *testing.T) {
	next := newRecordingTable()
	nh := mustAddr("192.0.2.1")
	n := NewNextHopResolver(StaticIGPMetrics{nh: 10}, nil)
	n.SetNext(next)

	res := n.AddRoute(nil, testMsg())
	if res != Used {
		t.Fatalf("expected Used, got %v", res)
	}
	if next.lastAdd == nil {
		t.Fatal("expected downstream AddRoute")
	}
	if !next.lastAdd.Route.NextHopResolved {
		t.Error("expected NextHopResolved to be set")
	}
	if next.lastAdd.Route.IGPMetric != 10 {
		t.Errorf("expected IGPMetric 10, got %d", next.lastAdd.Route.IGPMetric)
	}
}

func TestNextHopResolverWakeupWithdrawsOnLostReachability(t *testing.T) {
	next := newRecordingTable()
	nh := mustAddr("192.0.2.1")
	metrics := StaticIGPMetrics{nh: 10}
	n := NewNextHopResolver(metrics, nil)
	n.SetNext(next)

	n.AddRoute(nil, testMsg())
	delete(metrics, nh)

	n.Wakeup()
	if next.lastDeleted == nil {
		t.Fatal("expected Wakeup to withdraw the now-unreachable route")
	}
	if len(n.dependents) != 0 {
		t.Errorf("expected dependents to be cleared, got %d entries", len(n.dependents))
	}
}

func TestNextHopResolverDeleteUntracks(t *testing.T) {
	n := NewNextHopResolver(StaticIGPMetrics{mustAddr("192.0.2.1"): 1}, nil)
	msg := testMsg()
	n.AddRoute(nil, msg)
	if len(n.dependents) != 1 {
		t.Fatalf("expected one tracked next-hop, got %d", len(n.dependents))
	}
	n.DeleteRoute(nil, msg)
	if len(n.dependents) != 0 {
		t.Errorf("expected dependents cleared after delete, got %d", len(n.dependents))
	}
}
