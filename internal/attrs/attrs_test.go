package attrs

import (
	"net/netip"
	"testing"
)

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestASPathLength(t *testing.T) {
	tests := []struct {
		name string
		path ASPath
		want int
	}{
		{"empty", nil, 0},
		{"sequence", ASPath{{Type: ASSequence, ASNs: []uint32{65001, 65002, 65003}}}, 3},
		{"set counts once", ASPath{{Type: ASSet, ASNs: []uint32{65001, 65002}}}, 1},
		{"confed not counted", ASPath{
			{Type: ASConfedSequence, ASNs: []uint32{64512, 64513}},
			{Type: ASSequence, ASNs: []uint32{65001}},
		}, 1},
		{"mixed", ASPath{
			{Type: ASSequence, ASNs: []uint32{65001}},
			{Type: ASSet, ASNs: []uint32{65002, 65003}},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.path.Length(); got != tt.want {
				t.Errorf("Length() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestASPathPrependMergesLeadingSequence(t *testing.T) {
	p := ASPath{{Type: ASSequence, ASNs: []uint32{65010}}}
	got := p.Prepend(65001)

	if len(got) != 1 {
		t.Fatalf("expected one segment after merge, got %d", len(got))
	}
	want := []uint32{65001, 65010}
	if len(got[0].ASNs) != 2 || got[0].ASNs[0] != want[0] || got[0].ASNs[1] != want[1] {
		t.Errorf("got ASNs %v, want %v", got[0].ASNs, want)
	}
	// Original must be untouched.
	if len(p[0].ASNs) != 1 || p[0].ASNs[0] != 65010 {
		t.Errorf("Prepend mutated the receiver: %v", p[0].ASNs)
	}
}

func TestASPathPrependDoesNotMergeIntoSet(t *testing.T) {
	p := ASPath{{Type: ASSet, ASNs: []uint32{65010, 65020}}}
	got := p.Prepend(65001)
	if len(got) != 2 {
		t.Fatalf("expected a new leading segment, got %d segments", len(got))
	}
	if got[0].Type != ASSequence || len(got[0].ASNs) != 1 || got[0].ASNs[0] != 65001 {
		t.Errorf("unexpected leading segment: %+v", got[0])
	}
}

func TestASPathStripConfed(t *testing.T) {
	p := ASPath{
		{Type: ASConfedSequence, ASNs: []uint32{64512}},
		{Type: ASSequence, ASNs: []uint32{65001, 65010}},
	}
	got := p.StripConfed()
	if len(got) != 1 || got[0].Type != ASSequence {
		t.Fatalf("StripConfed left confed segments: %+v", got)
	}
}

func TestASPathOriginASN(t *testing.T) {
	tests := []struct {
		name    string
		path    ASPath
		wantASN uint32
		wantOK  bool
	}{
		{"empty", nil, 0, false},
		{"sequence", ASPath{{Type: ASSequence, ASNs: []uint32{65001, 65010}}}, 65010, true},
		{"trailing set ambiguous", ASPath{
			{Type: ASSequence, ASNs: []uint32{65001}},
			{Type: ASSet, ASNs: []uint32{65010, 65020}},
		}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asn, ok := tt.path.OriginASN()
			if ok != tt.wantOK || (ok && asn != tt.wantASN) {
				t.Errorf("OriginASN() = (%d, %v), want (%d, %v)", asn, ok, tt.wantASN, tt.wantOK)
			}
		})
	}
}

func TestOriginMax(t *testing.T) {
	if got := OriginIGP.Max(OriginEGP); got != OriginEGP {
		t.Errorf("Max(IGP, EGP) = %v, want EGP", got)
	}
	if got := OriginIncomplete.Max(OriginIGP); got != OriginIncomplete {
		t.Errorf("Max(INCOMPLETE, IGP) = %v, want INCOMPLETE", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	med := uint32(100)
	orig := &PathAttributeList{
		ASPath:      ASPath{{Type: ASSequence, ASNs: []uint32{65001}}},
		MED:         &med,
		Communities: []Community{NoExport},
	}
	clone := orig.Clone()
	clone.ASPath[0].ASNs[0] = 65099
	*clone.MED = 999
	clone.Communities[0] = NoAdvertise

	if orig.ASPath[0].ASNs[0] != 65001 {
		t.Errorf("clone mutation leaked into original ASPath")
	}
	if *orig.MED != 100 {
		t.Errorf("clone mutation leaked into original MED")
	}
	if orig.Communities[0] != NoExport {
		t.Errorf("clone mutation leaked into original Communities")
	}
}

func TestValidateMPReachRejectsIPv4NextHopOnV6Pipeline(t *testing.T) {
	p := &PathAttributeList{MPReach: &MPReach{}}
	p.NextHop = mustAddr("192.0.2.1")
	if err := p.Validate(true); err == nil {
		t.Errorf("expected error for IPv4 next-hop on IPv6 pipeline with MP_REACH present")
	}
	if err := p.Validate(false); err != nil {
		t.Errorf("unexpected error on IPv4 pipeline: %v", err)
	}
}

func TestValidateRejectsBothMPAttributes(t *testing.T) {
	p := &PathAttributeList{MPReach: &MPReach{}, MPUnreach: &MPUnreach{}}
	if err := p.Validate(false); err == nil {
		t.Errorf("expected error when MP_REACH and MP_UNREACH coexist")
	}
}
