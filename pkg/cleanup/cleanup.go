// Package cleanup implements CleanupLoop: the hourly janitorial pass that
// expires stale commands, drops orphaned pending-command entries, and
// purges long-deleted VMs. Grounded on the teacher's pkg/reconciler
// ticker-loop shape.
package cleanup

import (
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Loop runs the hourly cleanup tasks in the order spec.md §4.8 lists
// them.
type Loop struct {
	store          *store.Store
	bus            *commandbus.Bus
	clock          clock.Clock
	tick           time.Duration
	commandTimeout time.Duration
	retention      time.Duration
	stopCh         chan struct{}
}

// New constructs a Loop. tick is CLEANUP_TICK_SECONDS (3600),
// commandTimeout is COMMAND_TIMEOUT_SECONDS (300), retention is
// DELETED_RETENTION_DAYS (7 days).
func New(st *store.Store, bus *commandbus.Bus, clk clock.Clock, tick, commandTimeout, retention time.Duration) *Loop {
	return &Loop{store: st, bus: bus, clock: clk, tick: tick, commandTimeout: commandTimeout, retention: retention, stopCh: make(chan struct{})}
}

// Start begins the hourly loop.
func (l *Loop) Start() {
	go l.run()
}

// Stop ends the loop.
func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Tick()
		case <-l.stopCh:
			return
		}
	}
}

// Tick runs one cleanup pass. Exported so tests and a process restart's
// catch-up pass can invoke it directly.
func (l *Loop) Tick() {
	now := l.clock.Now()
	expired := l.expireTimedOutCommands(now)
	dropped := l.dropStaleAckEntries()
	purged := l.purgeLongDeletedVMs(now)

	log.WithComponent("cleanup").Info().Msg("cleanup cycle complete")
	if expired > 0 {
		l.store.AppendEvent(events.Event{Kind: events.EventCommandExpired, Message: "cleanup expired stale commands", Severity: events.SeverityWarn})
	}
	_ = dropped
	_ = purged
}

func (l *Loop) expireTimedOutCommands(now time.Time) int {
	count := 0
	for _, cmd := range l.store.ListPendingCommands() {
		if cmd.Age(now) <= l.commandTimeout {
			continue
		}
		taken, ok := l.store.TakePendingCommand(cmd.CommandID)
		if !ok {
			continue
		}
		l.bus.Expire(taken)
		metrics.CleanupExpiredCommandsTotal.Inc()
		count++
	}
	return count
}

// dropStaleAckEntries removes pending commands whose target VM no longer
// exists or is no longer active, silently (no Event, per spec.md §4.8).
func (l *Loop) dropStaleAckEntries() int {
	count := 0
	for _, cmd := range l.store.ListPendingCommands() {
		if cmd.TargetResourceID == "" {
			continue
		}
		vm, ok := l.store.GetVM(cmd.TargetResourceID)
		if ok && vm.IsActive() {
			continue
		}
		if _, ok := l.store.TakePendingCommand(cmd.CommandID); ok {
			count++
		}
	}
	return count
}

func (l *Loop) purgeLongDeletedVMs(now time.Time) int {
	count := 0
	for _, vm := range l.store.ListVMs(func(v *types.VM) bool {
		return v.Status == types.VMDeleted && now.Sub(v.UpdatedAt) > l.retention
	}) {
		l.store.RemoveVM(vm.VMID)
		l.store.AppendEvent(events.Event{Kind: events.EventVMPurged, SubjectID: vm.VMID, Message: "purged after retention window"})
		metrics.CleanupPurgedVMsTotal.Inc()
		count++
	}
	return count
}
