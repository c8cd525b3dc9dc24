// Package scheduler places Pending VMs onto nodes. Grounded on the
// teacher's pkg/scheduler loop shape (a ticker-driven Start/Stop/run plus
// a synchronous per-item scheduling path) with the ranking and capacity-
// reservation rules replaced per this orchestrator's own policy.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

const sweepInterval = 5 * time.Second

// Request carries the optional placement constraints a caller can attach
// to a VM at create/start time.
type Request struct {
	PinnedNodeID string
	Region       string
	Zone         string
}

// Scheduler is triggered by API create-vm/start-vm and, defensively, by a
// periodic sweep that picks up any VM still stuck in Pending.
type Scheduler struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	bus       *commandbus.Bus
	clock     clock.Clock
	minUptime float64
	stopCh    chan struct{}
}

// New constructs a Scheduler. minUptimeForScheduling is
// MIN_UPTIME_FOR_SCHEDULING (default 90).
func New(st *store.Store, lc *lifecycle.Manager, bus *commandbus.Bus, clk clock.Clock, minUptimeForScheduling float64) *Scheduler {
	return &Scheduler{
		store:     st,
		lifecycle: lc,
		bus:       bus,
		clock:     clk,
		minUptime: minUptimeForScheduling,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the defensive periodic sweep. The primary path is Trigger,
// called directly from API handlers.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the periodic sweep.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) sweep() {
	pending := s.store.ListVMs(func(v *types.VM) bool { return v.Status == types.VMPending })
	for _, vm := range pending {
		s.Trigger(vm.VMID, Request{PinnedNodeID: vm.PinnedNodeID, Region: vm.Region, Zone: vm.Zone})
	}
}

// Trigger attempts to schedule vmID. Two concurrent Trigger calls for the
// same VM are safe: the loser either reads status != Pending and returns
// nil, or fails the Pending -> Scheduling transition and returns its
// InvalidTransition error; either way it reserves no capacity.
func (s *Scheduler) Trigger(vmID string, req Request) error {
	vm, ok := s.store.GetVM(vmID)
	if !ok || vm.Status != types.VMPending {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	if err := s.lifecycle.Transition(vmID, types.VMScheduling, lifecycle.TransitionContext{Source: lifecycle.SourceSchedulerPickNode}); err != nil {
		return err
	}

	nodeID, err := s.placeOnce(vm, req)
	if err != nil {
		nodeID, err = s.placeOnce(vm, req) // the spec's single re-filter on a lost race
	}
	if err != nil {
		metrics.VMsSchedulingFailed.WithLabelValues("no_capacity").Inc()
		return s.lifecycle.Transition(vmID, types.VMError, lifecycle.TransitionContext{
			Source: lifecycle.SourceSchedulerNoCapacity,
			Reason: "no_capacity",
		})
	}

	metrics.VMsScheduled.Inc()
	return s.dispatchCreate(vmID, nodeID)
}

// placeOnce filters and ranks candidate nodes once and attempts to
// reserve capacity on the top-ranked one.
func (s *Scheduler) placeOnce(vm types.VM, req Request) (string, error) {
	candidates := s.store.ListNodes(func(n *types.Node) bool {
		return s.eligible(n, vm, req)
	})
	if len(candidates) == 0 {
		return "", store.ErrNoCapacity
	}

	rank(candidates)

	for _, n := range candidates {
		if err := s.store.ScheduleVM(n.NodeID, vm.VMID, vm.Spec.Capacity()); err == nil {
			return n.NodeID, nil
		}
	}
	return "", store.ErrNoCapacity
}

func (s *Scheduler) eligible(n *types.Node, vm types.VM, req Request) bool {
	if n.Status != types.NodeOnline {
		return false
	}
	avail := n.Available()
	spec := vm.Spec
	if avail.CPUCores < spec.CPUCores || avail.MemoryMB < spec.MemoryMB || avail.DiskGB < spec.DiskGB {
		return false
	}
	if spec.RequiresGPU && !n.GPU.Present {
		return false
	}
	if req.PinnedNodeID != "" && req.PinnedNodeID != n.NodeID {
		return false
	}
	if req.Region != "" && req.Region != n.Region {
		return false
	}
	if req.Zone != "" && req.Zone != n.Zone {
		return false
	}
	if n.UptimePct < s.minUptime {
		return false
	}
	return true
}

// rank sorts candidates in place per spec.md §4.3's deterministic
// ranking: lowest utilization, then highest uptime_pct, then most
// successful_completions, then lexicographically smallest node_id.
func rank(candidates []types.Node) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ua, ub := a.UtilizationRatio(), b.UtilizationRatio(); ua != ub {
			return ua < ub
		}
		if a.UptimePct != b.UptimePct {
			return a.UptimePct > b.UptimePct
		}
		if a.SuccessfulCompletions != b.SuccessfulCompletions {
			return a.SuccessfulCompletions > b.SuccessfulCompletions
		}
		return a.NodeID < b.NodeID
	})
}

func (s *Scheduler) dispatchCreate(vmID, nodeID string) error {
	cmdID, err := s.bus.Issue(context.Background(), types.CommandCreateVM, nodeID, vmID, nil, func(outcome commandbus.Outcome, reason string) {
		s.onCreateTerminal(vmID, outcome, reason)
	})
	if err != nil {
		return err
	}
	log.WithCommandID(cmdID).Info().Msg("create command dispatched")
	return s.lifecycle.Transition(vmID, types.VMProvisioning, lifecycle.TransitionContext{Source: lifecycle.SourceCommandBusCreateSent})
}

func (s *Scheduler) onCreateTerminal(vmID string, outcome commandbus.Outcome, reason string) {
	switch outcome {
	case commandbus.OutcomeOK:
		_ = s.lifecycle.Transition(vmID, types.VMRunning, lifecycle.TransitionContext{Source: lifecycle.SourceNodeAckCreateOK})
	case commandbus.OutcomeFail:
		_ = s.lifecycle.Transition(vmID, types.VMError, lifecycle.TransitionContext{Source: lifecycle.SourceNodeAckFail, Reason: reason})
	case commandbus.OutcomeTimeout:
		// CommandBus already drove the Error transition for Provisioning VMs.
	}
	s.store.AppendEvent(events.Event{Kind: events.EventVMCreated, SubjectID: vmID, Message: "create command reached terminal state: " + string(outcome)})
}
