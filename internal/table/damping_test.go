package table

import (
	"testing"
	"time"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
)

func dampingTestMsg(prefix string) *route.Message {
	pfx, _ := route.ParsePrefix(prefix)
	pa := &attrs.PathAttributeList{Origin: attrs.OriginIGP, NextHop: mustAddr("192.0.2.1")}
	sr := &route.SubnetRoute{Prefix: pfx, PA: pa, Origin: &route.PeerHandle{ID: 1}}
	return &route.Message{Route: sr, PA: pa, Peer: sr.Origin}
}

func TestDampingTablePassesFirstAnnouncement(t *testing.T) {
	next := newRecordingTable()
	cfg := DefaultDampingConfig()
	d := NewDampingTable(cfg, nil, nil)
	d.SetNext(next)

	res := d.AddRoute(nil, dampingTestMsg("203.0.113.0/24"))
	if res != Used {
		t.Fatalf("expected Used, got %v", res)
	}
	if next.lastAdd == nil {
		t.Fatal("expected downstream AddRoute")
	}
}

func TestDampingTableSuppressesAfterRepeatedFlaps(t *testing.T) {
	next := newRecordingTable()
	cfg := DefaultDampingConfig()
	cfg.Penalty = 2000
	cfg.CutoffThreshold = 3000
	cfg.HalfLife = time.Hour
	d := NewDampingTable(cfg, nil, nil)
	d.SetNext(next)

	msg := dampingTestMsg("203.0.113.0/24")
	d.AddRoute(nil, msg)
	d.DeleteRoute(nil, msg)
	res := d.AddRoute(nil, msg)
	if res != Filtered {
		t.Fatalf("expected Filtered after repeated flaps, got %v", res)
	}
}

func TestDampingTableEntryForReusesExistingState(t *testing.T) {
	d := NewDampingTable(DefaultDampingConfig(), nil, nil)
	pfx, _ := route.ParsePrefix("203.0.113.0/24")
	e1 := d.entryFor(pfx)
	e2 := d.entryFor(pfx)
	if e1 != e2 {
		t.Error("expected entryFor to return the same entry on repeated calls")
	}
}
