// Package health implements NodeHealthMonitor: a periodic loop marking
// nodes online/offline based on heartbeat recency and force-erroring
// Running VMs on nodes that go dark. Grounded on the teacher's
// pkg/reconciler reconcileNodes ticker-loop shape.
package health

import (
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Monitor runs the node heartbeat-staleness sweep.
type Monitor struct {
	store         *store.Store
	lifecycle     *lifecycle.Manager
	clock         clock.Clock
	tick          time.Duration
	staleAfter    time.Duration
	stopCh        chan struct{}
}

// New constructs a Monitor. tick is HEALTH_TICK_SECONDS (default 30s),
// staleAfter is HEARTBEAT_STALE_SECONDS (default 90s).
func New(st *store.Store, lc *lifecycle.Manager, clk clock.Clock, tick, staleAfter time.Duration) *Monitor {
	return &Monitor{store: st, lifecycle: lc, clock: clk, tick: tick, staleAfter: staleAfter, stopCh: make(chan struct{})}
}

// Start begins the periodic sweep.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends the periodic sweep.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep marks nodes offline whose heartbeat age strictly exceeds
// staleAfter (a gap exactly equal to the threshold is NOT offline, per
// spec.md §8's boundary behavior) and force-errors their Running VMs. A
// single failed node must not block the rest of the sweep.
func (m *Monitor) sweep() {
	now := m.clock.Now()
	for _, n := range m.store.ListNodes(nil) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithComponent("health").Error().Msg("panic in node health sweep, continuing")
				}
			}()
			m.checkNode(n, now)
		}()
	}
}

func (m *Monitor) checkNode(n types.Node, now time.Time) {
	delta := now.Sub(n.LastHeartbeat)

	if delta > m.staleAfter && n.Status == types.NodeOnline {
		m.store.MutateNode(n.NodeID, func(node *types.Node) { node.Status = types.NodeOffline })
		m.store.AppendEvent(events.Event{
			Kind:      events.EventNodeOffline,
			SubjectID: n.NodeID,
			Message:   "heartbeat stale",
			Severity:  events.SeverityWarn,
		})
		log.WithNodeID(n.NodeID).Warn().Msg("node marked offline: heartbeat stale")

		for _, v := range m.store.ListVMs(func(v *types.VM) bool { return v.NodeID == n.NodeID && v.Status == types.VMRunning }) {
			if err := m.lifecycle.Transition(v.VMID, types.VMError, lifecycle.TransitionContext{
				Source: lifecycle.SourceHealthLost,
				Reason: "node_offline",
			}); err != nil {
				log.WithVMID(v.VMID).Error().Msg("failed to force-error vm on node offline: " + err.Error())
			}
		}
	}
}

// Heartbeat records telemetry from a node and recovers it to Online if it
// was previously marked Offline. VMs force-errored while offline are not
// automatically brought back; the user must act.
func (m *Monitor) Heartbeat(nodeID string, now time.Time) bool {
	var wasOffline bool
	ok := m.store.MutateNode(nodeID, func(n *types.Node) {
		wasOffline = n.Status == types.NodeOffline
		n.LastHeartbeat = now
		n.Status = types.NodeOnline
	})
	if ok && wasOffline {
		m.store.AppendEvent(events.Event{Kind: events.EventNodeOnline, SubjectID: nodeID, Message: "heartbeat recovered"})
	}
	return ok
}
