package table

import (
	"math"
	"time"

	"github.com/route-beacon/bgpcore/internal/eventloop"
	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// DampingConfig holds the RFC 2439 figure-of-merit parameters for one
// DampingTable instance.
type DampingConfig struct {
	// HalfLife is the time it takes an unreinforced figure of merit to
	// decay to half its value.
	HalfLife time.Duration
	// Penalty is added to a prefix's figure of merit on every flap: a
	// withdrawal, or an announcement/replace following one.
	Penalty float64
	// CutoffThreshold: crossing this from below suppresses the route.
	CutoffThreshold float64
	// ReuseThreshold: decaying back below this from above reinstates it.
	ReuseThreshold float64
	// MaxSuppressTime bounds how long a route can stay suppressed
	// regardless of figure of merit, as a backstop against clock skew
	// pushing a half-life computation out absurdly far.
	MaxSuppressTime time.Duration
}

// DefaultDampingConfig mirrors the commonly deployed RFC 2439 defaults.
func DefaultDampingConfig() DampingConfig {
	return DampingConfig{
		HalfLife:        15 * time.Minute,
		Penalty:         1000,
		CutoffThreshold: 2000,
		ReuseThreshold:  750,
		MaxSuppressTime: 60 * time.Minute,
	}
}

type dampingEntry struct {
	merit        float64
	lastUpdate   time.Time
	suppressed   bool
	suppressedAt time.Time
	forwarded    bool
	current      *route.SubnetRoute
	reuseTimer   *time.Timer
}

// DampingTable sits between FilterBank and NextHopResolver. It tracks a
// figure of merit per prefix; a prefix whose merit crosses
// CutoffThreshold is held down (withdrawn downstream) until decay carries
// it back below ReuseThreshold, at which point the last-known route is
// replayed as a fresh announcement.
type DampingTable struct {
	Base
	cfg   DampingConfig
	loop  *eventloop.Loop
	state map[route.Prefix]*dampingEntry
}

func NewDampingTable(cfg DampingConfig, loop *eventloop.Loop, logger *zap.Logger) *DampingTable {
	d := &DampingTable{
		Base:  NewBase(RoleDamping, "damping", logger),
		cfg:   cfg,
		loop:  loop,
		state: make(map[route.Prefix]*dampingEntry),
	}
	d.SetSelf(d)
	return d
}

// WithName overrides Base's fixed name, for callers that run one
// DampingTable per peer and want the peer identity in the table name.
func (d *DampingTable) WithName(name string) *DampingTable {
	d.Base.name = name
	return d
}

func (d *DampingTable) decayTo(e *dampingEntry, now time.Time) {
	elapsed := now.Sub(e.lastUpdate)
	if elapsed <= 0 {
		return
	}
	halflives := float64(elapsed) / float64(d.cfg.HalfLife)
	e.merit *= math.Exp2(-halflives)
	e.lastUpdate = now
}

func (d *DampingTable) entryFor(prefix route.Prefix) *dampingEntry {
	e, ok := d.state[prefix]
	if !ok {
		e = &dampingEntry{lastUpdate: time.Now()}
		d.state[prefix] = e
	}
	return e
}

// flap decays prefix's figure of merit to now and adds Penalty, arming
// the reuse timer the moment it newly crosses CutoffThreshold.
func (d *DampingTable) flap(prefix route.Prefix) *dampingEntry {
	now := time.Now()
	e := d.entryFor(prefix)
	d.decayTo(e, now)
	e.merit += d.cfg.Penalty
	if !e.suppressed && e.merit >= d.cfg.CutoffThreshold {
		e.suppressed = true
		e.suppressedAt = now
		d.armReuseTimer(prefix, e)
	}
	return e
}

// timeToReuse computes, from the current merit, how long until decay
// carries it below ReuseThreshold (capped by MaxSuppressTime).
func (d *DampingTable) timeToReuse(e *dampingEntry) time.Duration {
	if e.merit <= d.cfg.ReuseThreshold {
		return 0
	}
	halflives := math.Log2(e.merit / d.cfg.ReuseThreshold)
	wait := time.Duration(halflives * float64(d.cfg.HalfLife))
	if wait > d.cfg.MaxSuppressTime {
		wait = d.cfg.MaxSuppressTime
	}
	return wait
}

func (d *DampingTable) armReuseTimer(prefix route.Prefix, e *dampingEntry) {
	if e.reuseTimer != nil {
		e.reuseTimer.Stop()
		e.reuseTimer = nil
	}
	wait := d.timeToReuse(e)
	if wait <= 0 {
		d.checkReuse(prefix)
		return
	}
	if d.loop != nil {
		e.reuseTimer = d.loop.ScheduleOneOff(wait, func() { d.checkReuse(prefix) })
	}
	// loop == nil and wait > 0: no timer source available (synchronous
	// construction, typically in tests); the route stays suppressed until
	// an explicit decay check is driven by the caller.
}

func (d *DampingTable) checkReuse(prefix route.Prefix) {
	e, ok := d.state[prefix]
	if !ok || !e.suppressed {
		return
	}
	now := time.Now()
	d.decayTo(e, now)
	if e.merit >= d.cfg.ReuseThreshold && now.Sub(e.suppressedAt) < d.cfg.MaxSuppressTime {
		d.armReuseTimer(prefix, e)
		return
	}
	e.suppressed = false
	if e.current != nil && d.Next() != nil {
		d.Next().AddRoute(d.self(), &route.Message{
			Route: e.current, PA: e.current.PA, Peer: e.current.Origin, Genid: e.current.Genid,
		})
		e.forwarded = true
	}
}

func (d *DampingTable) AddRoute(caller RouteTable, msg *route.Message) Result {
	d.CheckCaller(caller)
	d.CheckActive()

	_, existed := d.state[msg.Route.Prefix]
	e := d.entryFor(msg.Route.Prefix)
	e.current = msg.Route
	if existed {
		d.flap(msg.Route.Prefix)
	}
	if e.suppressed {
		if e.forwarded && d.Next() != nil {
			d.Next().DeleteRoute(d.self(), msg)
		}
		e.forwarded = false
		return Filtered
	}
	if d.Next() == nil {
		return Unused
	}
	var res Result
	if e.forwarded {
		res = d.Next().ReplaceRoute(d.self(), msg, msg)
	} else {
		res = d.Next().AddRoute(d.self(), msg)
	}
	e.forwarded = true
	return res
}

func (d *DampingTable) DeleteRoute(caller RouteTable, msg *route.Message) {
	d.CheckCaller(caller)
	d.CheckActive()

	e, ok := d.state[msg.Route.Prefix]
	if !ok {
		return
	}
	wasForwarded := e.forwarded
	e.current = nil
	e.forwarded = false
	d.flap(msg.Route.Prefix)
	if wasForwarded && d.Next() != nil {
		d.Next().DeleteRoute(d.self(), msg)
	}
}

func (d *DampingTable) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	d.CheckCaller(caller)
	d.CheckActive()

	e := d.entryFor(newMsg.Route.Prefix)
	wasForwarded := e.forwarded
	e.current = newMsg.Route
	d.flap(newMsg.Route.Prefix)

	if e.suppressed {
		if wasForwarded && d.Next() != nil {
			d.Next().DeleteRoute(d.self(), oldMsg)
		}
		e.forwarded = false
		return Filtered
	}
	if d.Next() == nil {
		return Unused
	}
	var res Result
	if wasForwarded {
		res = d.Next().ReplaceRoute(d.self(), oldMsg, newMsg)
	} else {
		res = d.Next().AddRoute(d.self(), newMsg)
	}
	e.forwarded = true
	return res
}

func (d *DampingTable) RouteDump(caller RouteTable, msg *route.Message, dumpPeer *route.PeerHandle) Result {
	d.CheckCaller(caller)
	if e, ok := d.state[msg.Route.Prefix]; ok && e.suppressed {
		return Filtered
	}
	if d.Next() == nil {
		return Unused
	}
	return d.Next().RouteDump(d.self(), msg, dumpPeer)
}
