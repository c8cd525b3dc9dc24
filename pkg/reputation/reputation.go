// Package reputation implements ReputationEngine: a slow-cadence loop
// that recomputes each node's uptime_pct and successful_completions from
// the bounded Event log. Grounded on the teacher's pkg/reconciler ticker
// loop shape, with a startup delay added per spec.md §4.7.
package reputation

import (
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

const (
	lookbackWindow  = 30 * 24 * time.Hour
	jitterThreshold = 2 * time.Minute
)

// Engine recomputes node reputation on a slow cadence.
type Engine struct {
	store        *store.Store
	clock        clock.Clock
	tick         time.Duration
	startupDelay time.Duration
	stopCh       chan struct{}
}

// New constructs an Engine. tick is REPUTATION_TICK_SECONDS (3600),
// startupDelay is REPUTATION_STARTUP_DELAY_SECONDS (300).
func New(st *store.Store, clk clock.Clock, tick, startupDelay time.Duration) *Engine {
	return &Engine{store: st, clock: clk, tick: tick, startupDelay: startupDelay, stopCh: make(chan struct{})}
}

// Start begins the startup-delay-then-ticker loop.
func (e *Engine) Start() {
	go func() {
		select {
		case <-time.After(e.startupDelay):
		case <-e.stopCh:
			return
		}
		e.recompute()

		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.recompute()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) recompute() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReputationRecomputeDuration)

	now := e.clock.Now()
	windowStart := now.Add(-lookbackWindow)
	allEvents := e.store.ListEvents(0)

	completions := successfulCompletionsByNode(allEvents, windowStart)

	for _, n := range e.store.ListNodes(nil) {
		uptime := uptimePct(allEvents, n.NodeID, n.Status, now, windowStart)
		count := completions[n.NodeID]
		e.store.MutateNode(n.NodeID, func(node *types.Node) {
			node.UptimePct = uptime
			// completions is a full recount of the trailing window on every
			// tick (the same ring entries are still in range next cycle), so
			// this must be a set, not an accumulate, or the count would grow
			// every tick for VMs that stay in the window.
			node.SuccessfulCompletions = count
		})
	}
	log.WithComponent("reputation").Info().Msg("reputation recompute cycle complete")
}

// uptimePct derives uptime from NodeOffline/NodeOnline event pairs within
// the lookback window, ignoring gaps shorter than jitterThreshold.
func uptimePct(all []events.Event, nodeID string, currentStatus types.NodeStatus, now, windowStart time.Time) float64 {
	var downtime time.Duration
	var offlineSince *time.Time

	for _, ev := range all {
		if ev.SubjectID != nodeID || ev.At.Before(windowStart) {
			continue
		}
		switch ev.Kind {
		case events.EventNodeOffline:
			if offlineSince == nil {
				t := ev.At
				offlineSince = &t
			}
		case events.EventNodeOnline:
			if offlineSince != nil {
				gap := ev.At.Sub(*offlineSince)
				if gap >= jitterThreshold {
					downtime += gap
				}
				offlineSince = nil
			}
		}
	}
	if offlineSince != nil && currentStatus == types.NodeOffline {
		gap := now.Sub(*offlineSince)
		if gap >= jitterThreshold {
			downtime += gap
		}
	}

	total := now.Sub(windowStart)
	if total <= 0 {
		return 100
	}
	pct := 100 * (1 - downtime.Seconds()/total.Seconds())
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// successfulCompletionsByNode counts, per node, VMs whose event history
// within the window reached Deleted from Running without an intervening
// Error — read entirely from the bounded Event log, as spec.md §4.7
// requires, since purged VMs are no longer in Store.
func successfulCompletionsByNode(all []events.Event, windowStart time.Time) map[string]int {
	type subjectState struct {
		sawRunning bool
		hadError   bool
		nodeID     string
	}
	states := make(map[string]*subjectState)
	counts := make(map[string]int)

	for _, ev := range all {
		if ev.At.Before(windowStart) {
			continue
		}
		st, ok := states[ev.SubjectID]
		if !ok {
			st = &subjectState{}
			states[ev.SubjectID] = st
		}
		if nid, ok := ev.Metadata["node_id"]; ok && nid != "" {
			st.nodeID = nid
		}
		switch ev.Kind {
		case events.EventVMRunning:
			st.sawRunning = true
			st.hadError = false
		case events.EventVMError:
			st.hadError = true
		case events.EventVMDeleted:
			if st.sawRunning && !st.hadError && st.nodeID != "" {
				counts[st.nodeID]++
			}
			delete(states, ev.SubjectID)
		}
	}
	return counts
}
