package table

import (
	"fmt"

	"github.com/route-beacon/bgpcore/internal/route"
	"go.uber.org/zap"
)

// FilterBank runs an ordered chain of Filters over every message that
// passes through it. Reconfiguring the chain (Reconfigure) swaps the
// slice outright: because dispatch is synchronous on the single
// event-loop goroutine, there is never an in-flight message still
// referencing the old chain by the time a reconfiguration call returns,
// so no generational/refcounted bookkeeping of old chain versions is
// needed — unlike a dynamically-compiled policy engine under concurrent
// dispatch, ours has nothing to race with.
type FilterBank struct {
	Base
	ctx     FilterContext
	filters []Filter
}

// NewFilterBank constructs a FilterBank bound to ctx (the branch this
// chain runs for) with the given ordered filters.
func NewFilterBank(ctx FilterContext, filters []Filter, logger *zap.Logger) *FilterBank {
	fb := &FilterBank{
		Base:    NewBase(RoleFilterBank, fmt.Sprintf("filterbank[%s]", ctx.Peer), logger),
		ctx:     ctx,
		filters: filters,
	}
	fb.SetSelf(fb)
	return fb
}

// Reconfigure replaces the filter chain for subsequent messages.
func (fb *FilterBank) Reconfigure(filters []Filter) {
	fb.filters = filters
}

// runChain applies every filter in order, short-circuiting on the first
// drop. It returns the (possibly rewritten) message and whether it was
// dropped.
func (fb *FilterBank) runChain(msg *route.Message) (*route.Message, bool) {
	for _, f := range fb.filters {
		decision, next := f.Apply(&fb.ctx, msg)
		if decision == FilterDrop {
			return msg, true
		}
		msg = next
	}
	return msg, false
}

func (fb *FilterBank) AddRoute(caller RouteTable, msg *route.Message) Result {
	fb.CheckCaller(caller)
	fb.CheckActive()

	out, dropped := fb.runChain(msg)
	if dropped {
		return Filtered
	}
	if fb.Next() == nil {
		return Unused
	}
	return fb.Next().AddRoute(fb.self(), out)
}

func (fb *FilterBank) DeleteRoute(caller RouteTable, msg *route.Message) {
	fb.CheckCaller(caller)
	fb.CheckActive()
	if fb.Next() != nil {
		fb.Next().DeleteRoute(fb.self(), msg)
	}
}

func (fb *FilterBank) ReplaceRoute(caller RouteTable, oldMsg, newMsg *route.Message) Result {
	fb.CheckCaller(caller)
	fb.CheckActive()

	outOld, dropOld := fb.runChain(oldMsg)
	outNew, dropNew := fb.runChain(newMsg)

	switch {
	case dropOld && dropNew:
		return Filtered
	case dropOld && !dropNew:
		if fb.Next() == nil {
			return Unused
		}
		return fb.Next().AddRoute(fb.self(), outNew)
	case !dropOld && dropNew:
		if fb.Next() != nil {
			fb.Next().DeleteRoute(fb.self(), outOld)
		}
		return Filtered
	default:
		if fb.Next() == nil {
			return Unused
		}
		return fb.Next().ReplaceRoute(fb.self(), outOld, outNew)
	}
}

func (fb *FilterBank) RouteDump(caller RouteTable, msg *route.Message, dumpPeer *route.PeerHandle) Result {
	fb.CheckCaller(caller)

	out, dropped := fb.runChain(msg)
	if dropped {
		return Filtered
	}
	if fb.Next() == nil {
		return Unused
	}
	return fb.Next().RouteDump(fb.self(), out, dumpPeer)
}
