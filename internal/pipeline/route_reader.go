package pipeline

import (
	"sort"
	"strconv"
	"strings"

	"github.com/route-beacon/bgpcore/internal/http"
	"github.com/route-beacon/bgpcore/internal/route"
)

// winners returns a pipeline's current best-path set, keyed by afi/safi.
// Used by RouteReader and by tests that want to assert on convergence.
func (m *Manager) winners(afi route.AFI, safi route.SAFI) ([]*route.SubnetRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return nil, err
	}
	return p.decision.Winners(), nil
}

// RouteReader adapts a Manager's per-pipeline DecisionTable winners into
// http.RouteReader's cursor-paginated view, parsing the wire AFI/SAFI
// names the HTTP layer hands it ("ipv4"/"ipv6", "unicast"/"multicast").
type RouteReader struct {
	mgr *Manager
}

// NewRouteReader wraps mgr for the HTTP route-dump endpoint.
func NewRouteReader(mgr *Manager) *RouteReader {
	return &RouteReader{mgr: mgr}
}

func parseAFI(s string) (route.AFI, bool) {
	switch strings.ToLower(s) {
	case "ipv4":
		return route.AFIv4, true
	case "ipv6":
		return route.AFIv6, true
	default:
		return 0, false
	}
}

func parseSAFI(s string) (route.SAFI, bool) {
	switch strings.ToLower(s) {
	case "unicast":
		return route.SAFIUnicast, true
	case "multicast":
		return route.SAFIMulticast, true
	default:
		return 0, false
	}
}

// ListRoutes implements http.RouteReader. The cursor is the last prefix
// string delivered on the previous page; routes are walked in a stable
// lexicographic order over Prefix.String() so a cursor stays valid across
// calls even as the winner set changes underneath it (an entry sorting at
// or before the cursor is skipped, one after it is not).
func (r *RouteReader) ListRoutes(afiName, safiName, cursor string, limit int) ([]http.RouteView, string, error) {
	afi, ok := parseAFI(afiName)
	if !ok {
		return nil, "", &unknownFamilyError{what: "afi", value: afiName}
	}
	safi, ok := parseSAFI(safiName)
	if !ok {
		return nil, "", &unknownFamilyError{what: "safi", value: safiName}
	}

	winners, err := r.mgr.winners(afi, safi)
	if err != nil {
		return nil, "", err
	}

	sort.Slice(winners, func(i, j int) bool {
		return winners[i].Prefix.String() < winners[j].Prefix.String()
	})

	start := 0
	if cursor != "" {
		start = sort.Search(len(winners), func(i int) bool {
			return winners[i].Prefix.String() > cursor
		})
	}

	end := start + limit
	if end > len(winners) {
		end = len(winners)
	}

	out := make([]http.RouteView, 0, end-start)
	for _, sr := range winners[start:end] {
		out = append(out, toRouteView(sr))
	}

	next := ""
	if end < len(winners) {
		next = winners[end-1].Prefix.String()
	}
	return out, next, nil
}

func toRouteView(sr *route.SubnetRoute) http.RouteView {
	v := http.RouteView{
		Prefix: sr.Prefix.String(),
		Origin: sr.PA.Origin.String(),
		Winner: sr.Winner,
	}
	if sr.PA.NextHop.IsValid() {
		v.NextHop = sr.PA.NextHop.String()
	}
	for _, seg := range sr.PA.ASPath {
		v.ASPath = append(v.ASPath, seg.ASNs...)
	}
	if sr.PA.LocalPref != nil {
		lp := *sr.PA.LocalPref
		v.LocalPref = &lp
	}
	if sr.PA.MED != nil {
		med := *sr.PA.MED
		v.MED = &med
	}
	if sr.Origin != nil {
		v.PeerID = sr.Origin.ID
	}
	return v
}

type unknownFamilyError struct {
	what  string
	value string
}

func (e *unknownFamilyError) Error() string {
	return "pipeline: unknown " + e.what + " " + strconv.Quote(e.value)
}
