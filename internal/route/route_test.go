package route

import "testing"

func TestGenidAllocatorMonotonic(t *testing.T) {
	var a GenidAllocator
	g1 := a.Next()
	g2 := a.Next()
	g3 := a.Next()
	if !(g1 < g2 && g2 < g3) {
		t.Fatalf("genids not strictly increasing: %d %d %d", g1, g2, g3)
	}
}

func TestPrefixAFI(t *testing.T) {
	p4, err := ParsePrefix("192.0.2.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if p4.AFI() != AFIv4 {
		t.Errorf("expected AFIv4, got %v", p4.AFI())
	}
	p6, err := ParsePrefix("2001:db8::/32")
	if err != nil {
		t.Fatal(err)
	}
	if p6.AFI() != AFIv6 {
		t.Errorf("expected AFIv6, got %v", p6.AFI())
	}
}

func TestPrefixAsMapKey(t *testing.T) {
	p1, _ := ParsePrefix("192.0.2.0/24")
	p2, _ := ParsePrefix("192.0.2.0/24")
	m := map[Prefix]bool{p1: true}
	if !m[p2] {
		t.Errorf("equal prefixes did not hash/compare equal as map keys")
	}
}

func TestPeerHandleSame(t *testing.T) {
	a := &PeerHandle{ID: 1}
	b := &PeerHandle{ID: 1}
	c := &PeerHandle{ID: 2}
	if !a.Same(b) {
		t.Errorf("peers with equal id should be Same")
	}
	if a.Same(c) {
		t.Errorf("peers with different id should not be Same")
	}
	var nilPeer *PeerHandle
	if nilPeer.Same(a) {
		t.Errorf("nil peer should not be Same as a non-nil peer")
	}
}

func TestSubnetRouteCloneIsIndependent(t *testing.T) {
	orig := &SubnetRoute{Prefix: Prefix{}, Winner: false}
	clone := orig.Clone()
	clone.Winner = true
	if orig.Winner {
		t.Errorf("Clone mutation leaked back into original")
	}
}

func TestMessageWithPADoesNotMutateOriginal(t *testing.T) {
	m := &Message{Genid: 5}
	m2 := m.WithPA(nil)
	if m2 == m {
		t.Errorf("WithPA should return a distinct Message")
	}
	if m2.Genid != m.Genid {
		t.Errorf("WithPA should preserve other fields")
	}
}
