// Package lifecycle is the sole mutator of VM status. It enforces the
// state-machine transitions of the orchestration kernel and notifies
// registered observers after every successful transition, grounded on the
// teacher's Raft FSM Apply-switch shape but re-expressed without Raft: a
// single in-process authority instead of a replicated log.
package lifecycle

import (
	"fmt"

	"github.com/cuemby/orchestrator/pkg/apierr"
	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Source identifies who/what requested a transition, matching the
// `TransitionContext.source` strings named in spec.md §4.2.
type Source string

const (
	SourceSchedulerPickNode      Source = "scheduler.pick-node"
	SourceSchedulerNoCapacity    Source = "scheduler.no-capacity"
	SourceCommandBusCreateSent   Source = "command-bus.create-sent"
	SourceNodeAckCreateOK        Source = "node.ack-create-ok"
	SourceNodeAckFail            Source = "node.ack-fail"
	SourceCommandBusTimeout      Source = "command-bus.timeout"
	SourceUserStop               Source = "user.stop"
	SourceUserDelete             Source = "user.delete"
	SourceUserStart              Source = "user.start"
	SourceHealthLost             Source = "health.lost"
	SourceAttestationFatal       Source = "attestation.failed-fatal"
	SourceNodeAckStopOK          Source = "node.ack-stop-ok"
	SourceNodeAckDeleteOK        Source = "node.ack-delete-ok"
)

// TransitionContext accompanies every status change.
type TransitionContext struct {
	Source Source
	Reason string
	Err    error
}

// Timeout builds a TransitionContext for a CommandBus timeout, per
// spec.md §4.4 ("TransitionContext.Timeout(type, message)").
func Timeout(cmdType types.CommandType, message string) TransitionContext {
	return TransitionContext{
		Source: SourceCommandBusTimeout,
		Reason: fmt.Sprintf("%s command timed out: %s", cmdType, message),
	}
}

// Observer is notified after a successful transition. Observers run
// synchronously, in registration order, inside the same call that
// performed the transition — they must not block on network I/O.
type Observer func(vm types.VM, from types.VMStatus, ctx TransitionContext)

// allowed enumerates the state machine of spec.md §4.2. The zero value of
// a missing (from,to) pair means "not allowed".
var allowed = map[types.VMStatus]map[types.VMStatus]bool{
	types.VMPending: {
		types.VMScheduling: true,
	},
	types.VMScheduling: {
		types.VMProvisioning: true,
		types.VMError:        true,
	},
	types.VMProvisioning: {
		types.VMRunning: true,
		types.VMError:   true,
	},
	types.VMRunning: {
		types.VMStopping:  true,
		types.VMDeleting:  true,
		types.VMError:     true,
		types.VMMigrating: true,
	},
	types.VMStopping: {
		types.VMStopped: true,
		types.VMError:   true,
	},
	types.VMStopped: {
		types.VMPending:  true,
		types.VMDeleting: true,
	},
	types.VMDeleting: {
		types.VMDeleted: true,
		types.VMError:   true,
	},
	types.VMMigrating: {
		types.VMRunning: true,
		types.VMError:   true,
	},
	types.VMError: {
		types.VMDeleting: true,
	},
}

// Manager is the single authority for VM status mutation.
type Manager struct {
	store     *store.Store
	clock     clock.Clock
	observers []Observer
}

// New constructs a Manager bound to store and clk.
func New(st *store.Store, clk clock.Clock) *Manager {
	return &Manager{store: st, clock: clk}
}

// RegisterObserver appends an observer invoked after every successful
// transition. Used to seed LivenessState on Running, release node
// capacity on exit from an occupying state, and drop liveness on exit
// from Running.
func (m *Manager) RegisterObserver(obs Observer) {
	m.observers = append(m.observers, obs)
}

// Transition is the only way a VM's status changes. It validates the
// transition table, mutates status/updated_at/started_at under the
// Store's VM lock, appends an Event, and fires observers.
func (m *Manager) Transition(vmID string, to types.VMStatus, ctx TransitionContext) error {
	vm, ok := m.store.GetVM(vmID)
	if !ok {
		return apierr.VMNotFound(vmID)
	}

	from := vm.Status
	if !allowed[from][to] {
		m.store.AppendEvent(events.Event{
			Kind:      events.EventVMError,
			SubjectID: vmID,
			Message:   fmt.Sprintf("rejected invalid transition %s -> %s (source=%s)", from, to, ctx.Source),
			Severity:  events.SeverityError,
		})
		return apierr.InvalidTransition(string(from), string(to))
	}

	now := m.clock.Now()
	var result types.VM
	applied, found := m.store.MutateVMCAS(vmID, from, func(v *types.VM) {
		v.Status = to
		v.UpdatedAt = now
		if to == types.VMRunning && v.Billing.StartedAt == nil {
			v.Billing.StartedAt = &now
		}
		result = *v
	})
	if !found {
		return apierr.VMNotFound(vmID)
	}
	if !applied {
		// The VM moved off `from` between our unlocked read and the locked
		// mutation (e.g. health.lost and user.stop racing on the same
		// Running VM). Re-validating under the same lock that performs the
		// mutation is what makes this a real compare-and-swap instead of a
		// check-then-act race.
		m.store.AppendEvent(events.Event{
			Kind:      events.EventVMError,
			SubjectID: vmID,
			Message:   fmt.Sprintf("rejected invalid transition %s -> %s (source=%s): vm status changed concurrently", from, to, ctx.Source),
			Severity:  events.SeverityError,
		})
		return apierr.InvalidTransition(string(from), string(to))
	}

	meta := map[string]string{}
	if result.NodeID != "" {
		meta["node_id"] = result.NodeID
	}
	m.store.AppendEvent(events.Event{
		Kind:      eventKindFor(to),
		SubjectID: vmID,
		Message:   fmt.Sprintf("%s -> %s (%s)", from, to, ctx.Source),
		Severity:  severityFor(to),
		Metadata:  meta,
	})

	for _, obs := range m.observers {
		obs(result, from, ctx)
	}

	logTransition(vmID, from, to, ctx)
	return nil
}

func logTransition(vmID string, from, to types.VMStatus, ctx TransitionContext) {
	l := log.WithVMID(vmID)
	msg := fmt.Sprintf("%s -> %s (%s) %s", from, to, ctx.Source, ctx.Reason)
	log.EventLevel(l, severityFor(to)).Msg(msg)
}

func eventKindFor(status types.VMStatus) events.EventType {
	switch status {
	case types.VMScheduling:
		return events.EventVMScheduled
	case types.VMProvisioning:
		return events.EventVMProvisioning
	case types.VMRunning:
		return events.EventVMRunning
	case types.VMStopping:
		return events.EventVMStopping
	case types.VMStopped:
		return events.EventVMStopped
	case types.VMDeleting:
		return events.EventVMDeleting
	case types.VMDeleted:
		return events.EventVMDeleted
	case types.VMError:
		return events.EventVMError
	default:
		return events.EventVMCreated
	}
}

func severityFor(status types.VMStatus) events.Severity {
	if status == types.VMError {
		return events.SeverityError
	}
	return events.SeverityInfo
}
