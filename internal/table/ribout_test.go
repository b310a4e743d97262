package table

import (
	"testing"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
)

func TestRibOutNotReadyYieldsNoBatch(t *testing.T) {
	r := NewRibOut(&route.PeerHandle{ID: 1}, nil)
	r.SetReady(false)
	r.AddRoute(nil, testMsg())

	if _, ok := r.NextBatch(10); ok {
		t.Error("expected no batch while not ready")
	}
}

func TestRibOutGroupsSharedAttributesIntoOneBatch(t *testing.T) {
	r := NewRibOut(&route.PeerHandle{ID: 1}, nil)
	pa := &attrs.PathAttributeList{Origin: attrs.OriginIGP, NextHop: mustAddr("192.0.2.1")}

	for _, pfx := range []string{"198.51.100.0/24", "198.51.101.0/24"} {
		p, _ := route.ParsePrefix(pfx)
		sr := &route.SubnetRoute{Prefix: p, PA: pa}
		r.AddRoute(nil, &route.Message{Route: sr, PA: pa})
	}

	batch, ok := r.NextBatch(10)
	if !ok {
		t.Fatal("expected a batch")
	}
	if len(batch.NLRI) != 2 {
		t.Errorf("expected both prefixes grouped into one batch, got %d", len(batch.NLRI))
	}
	if r.Pending() != 0 {
		t.Errorf("expected pending drained, got %d", r.Pending())
	}
}

func TestRibOutStopsGroupingAtDifferentAttributes(t *testing.T) {
	r := NewRibOut(&route.PeerHandle{ID: 1}, nil)
	pa1 := &attrs.PathAttributeList{Origin: attrs.OriginIGP}
	pa2 := &attrs.PathAttributeList{Origin: attrs.OriginEGP}

	p1, _ := route.ParsePrefix("198.51.100.0/24")
	p2, _ := route.ParsePrefix("198.51.101.0/24")
	r.AddRoute(nil, &route.Message{Route: &route.SubnetRoute{Prefix: p1, PA: pa1}, PA: pa1})
	r.AddRoute(nil, &route.Message{Route: &route.SubnetRoute{Prefix: p2, PA: pa2}, PA: pa2})

	batch, _ := r.NextBatch(10)
	if len(batch.NLRI) != 1 {
		t.Errorf("expected the second, differently-attributed prefix to start a new batch, got %d in first", len(batch.NLRI))
	}
	if r.Pending() != 1 {
		t.Errorf("expected one entry left pending, got %d", r.Pending())
	}
}

func TestRibOutWithdrawalsBatchSeparately(t *testing.T) {
	r := NewRibOut(&route.PeerHandle{ID: 1}, nil)
	msg := testMsg()
	r.AddRoute(nil, msg)
	r.DeleteRoute(nil, msg)

	addBatch, _ := r.NextBatch(10)
	if addBatch.PA == nil || len(addBatch.Withdrawn) != 0 {
		t.Error("expected first batch to be the announcement")
	}
	delBatch, _ := r.NextBatch(10)
	if len(delBatch.Withdrawn) != 1 {
		t.Error("expected second batch to be the withdrawal")
	}
}
