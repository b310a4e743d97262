package table

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/bgpcore/internal/attrs"
	"github.com/route-beacon/bgpcore/internal/route"
)

type recordingTable struct {
	Base
	lastAdd     *route.Message
	lastDeleted *route.Message
	addResult   Result
	pushed      bool
}

func newRecordingTable() *recordingTable {
	rt := &recordingTable{Base: NewBase(RoleRibOut, "recording", nil)}
	rt.SetSelf(rt)
	rt.addResult = Used
	return rt
}

func (rt *recordingTable) AddRoute(caller RouteTable, msg *route.Message) Result {
	rt.lastAdd = msg
	return rt.addResult
}

func (rt *recordingTable) DeleteRoute(caller RouteTable, msg *route.Message) {
	rt.lastDeleted = msg
}

func (rt *recordingTable) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	rt.lastAdd = newMsg
	rt.lastDeleted = oldMsg
	return rt.addResult
}

func (rt *recordingTable) Push(caller RouteTable) { rt.pushed = true }

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func ebgpCtx() FilterContext {
	return FilterContext{
		LocalAS: 65001,
		Peer: &route.PeerHandle{
			ID:           2,
			Address:      mustAddr("192.0.2.2"),
			ASN:          65002,
			Type:         route.PeerEBGP,
			LocalNextHop: mustAddr("192.0.2.1"),
		},
		Direction: DirOut,
	}
}

func testMsg() *route.Message {
	pfx, _ := route.ParsePrefix("198.51.100.0/24")
	pa := &attrs.PathAttributeList{
		Origin:  attrs.OriginIGP,
		ASPath:  attrs.ASPath{{Type: attrs.ASSequence, ASNs: []uint32{65003}}},
		NextHop: mustAddr("192.0.2.1"),
	}
	sr := &route.SubnetRoute{Prefix: pfx, PA: pa, AFI: route.AFIv4, SAFI: route.SAFIUnicast}
	return &route.Message{Route: sr, PA: pa}
}

func TestFilterBankAddRoutePassesThrough(t *testing.T) {
	next := newRecordingTable()
	fb := NewFilterBank(ebgpCtx(), []Filter{ASPrependFilter{LocalAS: 65001}}, nil)
	fb.SetNext(next)

	res := fb.AddRoute(nil, testMsg())
	if res != Used {
		t.Fatalf("expected Used, got %v", res)
	}
	if next.lastAdd == nil {
		t.Fatal("expected downstream AddRoute to be called")
	}
	if got := next.lastAdd.PA.ASPath.Length(); got != 2 {
		t.Errorf("expected prepended AS_PATH length 2, got %d", got)
	}
}

func TestFilterBankDropsOnAggregationSteering(t *testing.T) {
	next := newRecordingTable()
	fb := NewFilterBank(ebgpCtx(), []Filter{AggregationSteeringFilter{}}, nil)
	fb.SetNext(next)

	msg := testMsg()
	msg.Route.Marker = route.MarkerIBGPOnly

	res := fb.AddRoute(nil, msg)
	if res != Filtered {
		t.Fatalf("expected Filtered, got %v", res)
	}
	if next.lastAdd != nil {
		t.Error("expected downstream AddRoute not to be called")
	}
}

func TestFilterBankReplaceNewFilteredBecomesDelete(t *testing.T) {
	next := newRecordingTable()
	fb := NewFilterBank(ebgpCtx(), []Filter{KnownCommunityFilter{}}, nil)
	fb.SetNext(next)

	oldMsg := testMsg()
	newMsg := testMsg()
	newMsg.PA.Communities = []attrs.Community{attrs.NoAdvertise}

	res := fb.ReplaceRoute(nil, oldMsg, newMsg)
	if res != Filtered {
		t.Fatalf("expected Filtered, got %v", res)
	}
	if next.lastDeleted == nil {
		t.Fatal("expected downstream DeleteRoute for the now-filtered replacement")
	}
}

func TestLocalPrefFilterInsertsOnIngressAndStripsOnEgress(t *testing.T) {
	ingress := ebgpCtx()
	ingress.Direction = DirIn
	f := LocalPrefFilter{Default: 100}

	msg := testMsg()
	decision, out := f.Apply(&ingress, msg)
	if decision != FilterPass {
		t.Fatal("expected pass")
	}
	if out.PA.LocalPref == nil || *out.PA.LocalPref != 100 {
		t.Fatalf("expected LOCAL_PREF inserted as 100, got %v", out.PA.LocalPref)
	}

	egress := ebgpCtx()
	egress.Direction = DirOut
	decision2, out2 := f.Apply(&egress, out)
	if decision2 != FilterPass {
		t.Fatal("expected pass")
	}
	if out2.PA.LocalPref != nil {
		t.Errorf("expected LOCAL_PREF stripped on EBGP egress, got %v", *out2.PA.LocalPref)
	}
}

func TestRRIBGPLoopFilterStampsOriginatorAndCluster(t *testing.T) {
	ctx := FilterContext{
		Peer: &route.PeerHandle{ID: 9, Type: route.PeerIBGPClient},
	}
	f := RRIBGPLoopFilter{RouterID: 1, ClusterID: 42}
	msg := testMsg()
	msg.Peer = &route.PeerHandle{ID: 7, Type: route.PeerIBGP}

	_, out := f.Apply(&ctx, msg)
	if !out.PA.OriginatorID.IsValid() {
		t.Fatal("expected ORIGINATOR_ID to be stamped")
	}
	if len(out.PA.ClusterList) != 1 || out.PA.ClusterList[0] != 42 {
		t.Fatalf("expected cluster list [42], got %v", out.PA.ClusterList)
	}
}

func TestRRIBGPLoopFilterDropsPlainIBGPToPlainIBGP(t *testing.T) {
	ctx := FilterContext{Peer: &route.PeerHandle{ID: 9, Type: route.PeerIBGP}}
	f := RRIBGPLoopFilter{}
	msg := testMsg()
	msg.Peer = &route.PeerHandle{ID: 7, Type: route.PeerIBGP}

	decision, _ := f.Apply(&ctx, msg)
	if decision != FilterDrop {
		t.Error("expected drop for plain-IBGP to plain-IBGP reflection")
	}
}

func TestUnknownAttributeFilterDropsNonTransitiveAndMarksPartial(t *testing.T) {
	f := UnknownAttributeFilter{}
	msg := testMsg()
	msg.PA.Unknown = []attrs.UnknownAttr{
		{TypeCode: 200, Flags: 0x80}, // optional, non-transitive: discard
		{TypeCode: 201, Flags: 0xC0}, // optional, transitive, not partial: keep + mark partial
	}
	_, out := f.Apply(&FilterContext{}, msg)
	if len(out.PA.Unknown) != 1 {
		t.Fatalf("expected one surviving unknown attribute, got %d", len(out.PA.Unknown))
	}
	if !out.PA.Unknown[0].Partial() {
		t.Error("expected surviving optional transitive attribute marked partial")
	}
}
