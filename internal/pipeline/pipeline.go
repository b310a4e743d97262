// Package pipeline is the plumbing orchestrator: it owns one
// route-table graph per AFI/SAFI pair — the shared DecisionTable,
// AggregationTable and FanoutTable plus one ingress/egress branch per
// peer — and drives add_peering / peering_went_down / peering_came_up /
// delete_peering, splicing and unsplicing DumpTable as each peer's
// initial snapshot completes.
package pipeline

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/route-beacon/bgpcore/internal/eventloop"
	"github.com/route-beacon/bgpcore/internal/metrics"
	"github.com/route-beacon/bgpcore/internal/route"
	"github.com/route-beacon/bgpcore/internal/table"
	"go.uber.org/zap"
)

// dumpStepBatch bounds how many snapshot entries one scheduled dump step
// delivers before yielding back to the event loop, the same shape RibIn's
// background deletion walk uses.
const dumpStepBatch = 64

// RouterIdentity is the local speaker's identity, stamped into every
// branch's FilterContext.
type RouterIdentity struct {
	LocalAS          uint32
	RouterID         uint32
	ClusterID        uint32
	DefaultLocalPref uint32
}

// staticReachable is the zero-configuration IGPMetricSource: every
// next-hop resolves reachable at metric 0. A speaker with a real IGP
// underneath it supplies its own table.IGPMetricSource instead.
type staticReachable struct{}

func (staticReachable) Resolve(nh netip.Addr) (uint32, bool) { return 0, true }

// PipelineConfig is the per-AFI/SAFI setup the orchestrator needs once,
// at AddPipeline time.
type PipelineConfig struct {
	Router          RouterIdentity
	Damping         table.DampingConfig
	Aggregates      []table.AggregateConfig
	DefaultQueueCap int
	WakeDeadline    time.Duration
	IGP             table.IGPMetricSource
}

// PeerSpec is what AddPeering needs about one peer branch.
type PeerSpec struct {
	Handle        *route.PeerHandle
	QueueCap      int  // 0 inherits PipelineConfig.DefaultQueueCap
	AwaitDeletion bool // wait for a prior incarnation's RibIn deletion walk before flushing the dump's buffer
	IngressFilter []table.Filter
	EgressFilter  []table.Filter
}

// ResetReason names why the orchestrator asked a peering to be reset.
type ResetReason string

const (
	ResetQueueOverflow ResetReason = "queue_overflow"
	ResetStuckBranch   ResetReason = "stuck_branch"
)

// PeerResetFunc is called when a peer's fanout branch must be reset: it
// exceeded its queue cap, or stopped making progress past the wake
// deadline. The FSM/codec collaborator owns actually tearing the session
// down; the pipeline only detects and reports it.
type PeerResetFunc func(afi route.AFI, safi route.SAFI, peer *route.PeerHandle, reason ResetReason)

type peerBranch struct {
	handle    *route.PeerHandle
	ribin     *table.RibIn
	ingressFB *table.FilterBank
	damping   *table.DampingTable
	nexthop   *table.NextHopResolver
	egressFB  *table.FilterBank
	ribout    *table.RibOut
	dump      *table.DumpTable
	queueCap  int
	up        bool
}

// afiSafiPipeline is one independent (AFI, SAFI) route-table graph.
type afiSafiPipeline struct {
	afi         route.AFI
	safi        route.SAFI
	cfg         PipelineConfig
	decision    *table.DecisionTable
	aggregation *table.AggregationTable
	fanout      *table.FanoutTable
	peers       map[uint32]*peerBranch
	loop        *eventloop.Loop
	logger      *zap.Logger
}

// Manager owns every configured AFI/SAFI pipeline and is the single
// entry point a session-layer FSM/codec collaborator drives peering
// lifecycle through.
type Manager struct {
	mu            sync.Mutex
	loop          *eventloop.Loop
	logger        *zap.Logger
	pipelines     map[pipelineKey]*afiSafiPipeline
	onPeerReset   PeerResetFunc
	onWinnerFeed  WinnerFeedFunc
	onAuditRecord AuditRecordFunc
	genids        route.GenidAllocator
}

// WinnerFeedFunc is notified of every best-path transition across every
// pipeline, for wiring into the optional event-feed publisher.
type WinnerFeedFunc func(afi route.AFI, safi route.SAFI, kind string, prefix route.Prefix, winner *route.SubnetRoute)

// AuditRecordFunc is notified of dump/fanout diagnostic events, for wiring
// into the optional audit sink. kind matches audit.Kind's string values
// without this package depending on the audit package directly.
type AuditRecordFunc func(afi route.AFI, safi route.SAFI, kind, peer, prefix, reason string, genid uint64)

type pipelineKey struct {
	afi  route.AFI
	safi route.SAFI
}

// NewManager constructs an empty Manager. loop may be nil, in which case
// every bounded walk (dump steps, RibIn deletion) runs synchronously —
// the shape the table package's own tests use.
func NewManager(loop *eventloop.Loop, logger *zap.Logger) *Manager {
	return &Manager{
		loop:      loop,
		logger:    logger,
		pipelines: make(map[pipelineKey]*afiSafiPipeline),
	}
}

// SetPeerResetFunc registers the callback invoked when a peer's fanout
// branch must be reset. Not required; a Manager with none set simply
// logs the condition via CheckStuckBranches/append's zap-less path.
func (m *Manager) SetPeerResetFunc(fn PeerResetFunc) { m.onPeerReset = fn }

// SetWinnerFeedFunc registers the callback invoked on every best-path
// transition, across every configured pipeline.
func (m *Manager) SetWinnerFeedFunc(fn WinnerFeedFunc) { m.onWinnerFeed = fn }

// SetAuditRecordFunc registers the callback invoked for dump/fanout
// diagnostic events, across every configured pipeline.
func (m *Manager) SetAuditRecordFunc(fn AuditRecordFunc) { m.onAuditRecord = fn }

// AddPipeline builds the shared DecisionTable -> AggregationTable ->
// FanoutTable graph for one AFI/SAFI pair. Call once per pair before any
// AddPeering for it.
func (m *Manager) AddPipeline(afi route.AFI, safi route.SAFI, cfg PipelineConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pipelineKey{afi, safi}
	if _, exists := m.pipelines[key]; exists {
		return fmt.Errorf("pipeline: %s/%s already configured", afi, safi)
	}
	if cfg.IGP == nil {
		cfg.IGP = staticReachable{}
	}

	logger := m.logger.Named(fmt.Sprintf("pipeline.%s.%s", afi, safi))

	decision := table.NewDecisionTable(logger.Named("decision"))
	decision.OnWinnerChange = func(kind string, prefix route.Prefix, winner *route.SubnetRoute) {
		metrics.DecisionChangesTotal.WithLabelValues(afi.String(), safi.String(), kind).Inc()
		if m.onWinnerFeed != nil {
			m.onWinnerFeed(afi, safi, kind, prefix, winner)
		}
		if m.onAuditRecord != nil {
			peer := ""
			if winner != nil && winner.Origin != nil {
				peer = winner.Origin.String()
			}
			var genid uint64
			if winner != nil {
				genid = uint64(winner.Genid)
			}
			m.onAuditRecord(afi, safi, "decision_"+kind, peer, prefix.String(), "", genid)
		}
	}

	aggregation := table.NewAggregationTable(cfg.Router.LocalAS, cfg.Router.RouterID, cfg.Aggregates, logger.Named("aggregation"))
	fanout := table.NewFanoutTable(cfg.DefaultQueueCap, cfg.WakeDeadline, logger.Named("fanout"))

	decision.SetNext(aggregation)
	aggregation.SetParent(decision)
	aggregation.SetNext(fanout)
	fanout.SetParent(aggregation)

	fanout.ResetFunc = func(peer *route.PeerHandle) {
		reason := ResetQueueOverflow
		metrics.FanoutResetTotal.WithLabelValues(afi.String(), safi.String(), peer.String(), string(reason)).Inc()
		if m.onAuditRecord != nil {
			m.onAuditRecord(afi, safi, "fanout_reset", peer.String(), "", string(reason), 0)
		}
		if m.onPeerReset != nil {
			m.onPeerReset(afi, safi, peer, reason)
		}
	}

	m.pipelines[key] = &afiSafiPipeline{
		afi: afi, safi: safi, cfg: cfg,
		decision: decision, aggregation: aggregation, fanout: fanout,
		peers: make(map[uint32]*peerBranch), loop: m.loop, logger: logger,
	}
	return nil
}

func (m *Manager) pipeline(afi route.AFI, safi route.SAFI) (*afiSafiPipeline, error) {
	p, ok := m.pipelines[pipelineKey{afi, safi}]
	if !ok {
		return nil, fmt.Errorf("pipeline: no %s/%s pipeline configured", afi, safi)
	}
	return p, nil
}

// AddPeering splices a newly-configured peer into the named pipeline: it
// wires the ingress chain (RibIn -> FilterBank -> DampingTable ->
// NextHopResolver -> shared DecisionTable), the egress chain (FilterBank
// -> RibOut), and a DumpTable seeded from DecisionTable.Winners() as the
// peer's initial Fanout branch destination.
func (m *Manager) AddPeering(afi route.AFI, safi route.SAFI, spec PeerSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	if _, exists := p.peers[spec.Handle.ID]; exists {
		return fmt.Errorf("pipeline: peer %s already plumbed on %s/%s", spec.Handle, afi, safi)
	}

	peer := spec.Handle
	logger := p.logger.Named(fmt.Sprintf("peer.%d", peer.ID))

	ribin := table.NewRibIn(peer, p.loop, logger)

	ingressCtx := table.FilterContext{
		LocalAS: p.cfg.Router.LocalAS, RouterID: p.cfg.Router.RouterID, ClusterID: p.cfg.Router.ClusterID,
		Peer: peer, Direction: table.DirIn,
	}
	ingressFB := table.NewFilterBank(ingressCtx, spec.IngressFilter, logger)

	damping := table.NewDampingTable(p.cfg.Damping, p.loop, logger).WithName(fmt.Sprintf("damping[%s]", peer))
	nexthop := table.NewNextHopResolver(p.cfg.IGP, logger)

	ribin.SetNext(ingressFB)
	ingressFB.SetParent(ribin)
	ingressFB.SetNext(damping)
	damping.SetParent(ingressFB)
	damping.SetNext(nexthop)
	nexthop.SetParent(damping)
	nexthop.SetNext(p.decision)
	p.decision.RegisterBranch(nexthop)

	egressCtx := table.FilterContext{
		LocalAS: p.cfg.Router.LocalAS, RouterID: p.cfg.Router.RouterID, ClusterID: p.cfg.Router.ClusterID,
		Peer: peer, Direction: table.DirOut,
	}
	egressFB := table.NewFilterBank(egressCtx, spec.EgressFilter, logger)
	ribout := table.NewRibOut(peer, logger)
	egressFB.SetNext(ribout)
	ribout.SetParent(egressFB)

	pb := &peerBranch{
		handle: peer, ribin: ribin, ingressFB: ingressFB, damping: damping,
		nexthop: nexthop, egressFB: egressFB, ribout: ribout, queueCap: spec.QueueCap, up: true,
	}
	p.peers[peer.ID] = pb

	genid := m.genids.Next()
	start := time.Now()
	snapshot := p.decision.Winners()
	dump := table.NewDumpTable(peer, genid, snapshot, egressFB, spec.AwaitDeletion, func() {
		if p.loop == nil {
			m.completeDump(p, pb, start)
			return
		}
		// Unplumb on a later loop task, never inside the dispatch that
		// finished the dump.
		p.loop.Post(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if p.peers[peer.ID] == pb && pb.dump != nil {
				m.completeDump(p, pb, start)
			}
		})
	}, logger)
	pb.dump = dump
	egressFB.SetParent(dump)

	p.fanout.AddBranch(peer, dump, spec.QueueCap)
	dump.SetWakeupSource(p.fanout)

	p.scheduleDumpStep(pb, m.onAuditRecord)
	return nil
}

// completeDump swaps a peer's branch destination from the now-finished
// DumpTable directly to its egress FilterBank, the same moment RibOut
// starts seeing the ordinary Fanout-driven message stream.
func (m *Manager) completeDump(p *afiSafiPipeline, pb *peerBranch, start time.Time) {
	metrics.DumpDuration.WithLabelValues(p.afi.String(), p.safi.String()).Observe(time.Since(start).Seconds())

	p.fanout.RemoveBranch(pb.dump)
	p.fanout.AddBranch(pb.handle, pb.egressFB, pb.queueCap)
	pb.egressFB.SetParent(p.fanout)
	pb.egressFB.SetWakeupSource(p.fanout)
	pb.dump = nil
}

func (p *afiSafiPipeline) scheduleDumpStep(pb *peerBranch, onAudit AuditRecordFunc) {
	step := func() { p.runDumpStep(pb, onAudit) }
	if p.loop != nil {
		p.loop.PostStep(step)
		return
	}
	step()
}

func (p *afiSafiPipeline) runDumpStep(pb *peerBranch, onAudit AuditRecordFunc) {
	if pb.dump == nil {
		return
	}
	delivered := 0
	for i := 0; i < dumpStepBatch; i++ {
		if !pb.dump.Step() {
			break
		}
		delivered++
	}
	if delivered > 0 {
		metrics.DumpEntriesTotal.WithLabelValues(p.afi.String(), p.safi.String(), pb.handle.String()).Add(float64(delivered))
		if onAudit != nil {
			onAudit(p.afi, p.safi, "dump_entry", pb.handle.String(), "", "", uint64(delivered))
		}
	}
	if pb.dump != nil && pb.dump.State() == table.DumpStateDumping {
		p.scheduleDumpStep(pb, onAudit)
	}
}

// SuspendDump pauses a peer's in-progress initial dump without
// discarding buffered live deltas, for a branch whose transport is not
// currently write-ready.
func (m *Manager) SuspendDump(afi route.AFI, safi route.SAFI, peerID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok || pb.dump == nil {
		return nil
	}
	pb.dump.Suspend()
	return nil
}

// ResumeDump undoes SuspendDump and resumes the stepped walk.
func (m *Manager) ResumeDump(afi route.AFI, safi route.SAFI, peerID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok || pb.dump == nil {
		return nil
	}
	pb.dump.Resume()
	p.scheduleDumpStep(pb, m.onAuditRecord)
	return nil
}

// SetPeerReady toggles write backpressure for a peer's live egress branch:
// ready=false means the transport (the FSM/codec collaborator's socket
// write path) cannot currently accept more, so both RibOut stops handing
// NextBatch anything new and Fanout stops pulling into that branch at
// all — the backlog stays in Fanout's own capped, observed queue rather
// than growing RibOut's pending buffer without bound. ready=true (the
// transport's "no longer busy" notice) resumes both immediately.
func (m *Manager) SetPeerReady(afi route.AFI, safi route.SAFI, peerID uint32, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok {
		return fmt.Errorf("pipeline: peer %d not plumbed on %s/%s", peerID, afi, safi)
	}
	pb.ribout.SetReady(ready)
	dest := table.RouteTable(pb.egressFB)
	if pb.dump != nil {
		dest = pb.dump
	}
	p.fanout.SetBranchReady(dest, ready)
	return nil
}

// PeeringIsDown notifies the branch that the peering's transport is
// gone but state has not yet started unwinding (§7's transient
// peer-level-failure class).
func (m *Manager) PeeringIsDown(afi route.AFI, safi route.SAFI, peerID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok {
		return fmt.Errorf("pipeline: peer %d not plumbed on %s/%s", peerID, afi, safi)
	}
	pb.ribin.PeeringIsDown(pb.handle, 0)
	return nil
}

// PeeringWentDown begins tearing down a peer's ingress state: RibIn
// forwards the bracket-open notice downstream immediately, then walks
// its own contents in bounded steps, finally signalling
// PeeringDownComplete once every delete has propagated.
func (m *Manager) PeeringWentDown(afi route.AFI, safi route.SAFI, peerID uint32, genid route.Genid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok {
		return fmt.Errorf("pipeline: peer %d not plumbed on %s/%s", peerID, afi, safi)
	}
	pb.up = false
	pb.ribin.PeeringWentDown(pb.handle, genid)
	return nil
}

// PeeringCameUp announces a fresh incarnation of a peer to the chain.
func (m *Manager) PeeringCameUp(afi route.AFI, safi route.SAFI, peerID uint32, genid route.Genid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok {
		return fmt.Errorf("pipeline: peer %d not plumbed on %s/%s", peerID, afi, safi)
	}
	pb.up = true
	pb.ribin.PeeringCameUp(pb.handle, genid)
	return nil
}

// DeletePeering unplumbs a peer's branch entirely: its Fanout branch
// (whichever destination currently holds it — DumpTable or its egress
// FilterBank) is removed and the peer's tables drop out of the graph.
func (m *Manager) DeletePeering(afi route.AFI, safi route.SAFI, peerID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipeline(afi, safi)
	if err != nil {
		return err
	}
	pb, ok := p.peers[peerID]
	if !ok {
		return fmt.Errorf("pipeline: peer %d not plumbed on %s/%s", peerID, afi, safi)
	}
	if pb.dump != nil {
		p.fanout.RemoveBranch(pb.dump)
	} else {
		p.fanout.RemoveBranch(pb.egressFB)
	}
	delete(p.peers, peerID)
	return nil
}

// ActivePeerings implements http.PeeringStatus: the count of peers across
// every configured pipeline currently considered up, used by /readyz.
func (m *Manager) ActivePeerings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pipelines {
		for _, pb := range p.peers {
			if pb.up {
				n++
			}
		}
	}
	return n
}

// CheckStuckBranches runs FanoutTable's periodic stuck-branch sweep
// (default wake deadline 20 minutes) across every configured pipeline.
// The caller schedules this from the event loop on a timer.
func (m *Manager) CheckStuckBranches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pipelines {
		p.fanout.CheckStuckBranches()
	}
}
