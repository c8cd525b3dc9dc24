// Package commandbus provides reliable-once, time-bounded delivery of
// commands to nodes. Grounded on the teacher's (cuemby-warren)
// pkg/worker dispatch loop — issue a command, wait for an ack or a
// timeout, call back on whichever happens first — re-expressed around
// this orchestrator's Store instead of a direct node-agent RPC.
package commandbus

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Outcome is the terminal result of a command.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFail    Outcome = "fail"
	OutcomeTimeout Outcome = "timeout"
)

// OnTerminal is invoked exactly once per issued command, whichever
// terminal event arrives first.
type OnTerminal func(outcome Outcome, reason string)

// NodeTransport is the seam between CommandBus and a node's agent
// process. A future gRPC or queue-based transport implements this without
// touching CommandBus or its callers.
type NodeTransport interface {
	Dispatch(ctx context.Context, agentHost string, agentPort int, cmd types.PendingCommand) error
}

// Bus issues commands, tracks outstanding acks, and applies per-command
// timeouts.
type Bus struct {
	store     *store.Store
	clock     clock.Clock
	transport NodeTransport
	lifecycle *lifecycle.Manager
	timeout   time.Duration

	mu        sync.Mutex
	callbacks map[string]OnTerminal
	cancels   map[string]chan struct{}
}

// New constructs a Bus. timeout is COMMAND_TIMEOUT_SECONDS (default 5min).
func New(st *store.Store, clk clock.Clock, transport NodeTransport, lc *lifecycle.Manager, timeout time.Duration) *Bus {
	return &Bus{
		store:     st,
		clock:     clk,
		transport: transport,
		lifecycle: lc,
		timeout:   timeout,
		callbacks: make(map[string]OnTerminal),
		cancels:   make(map[string]chan struct{}),
	}
}

// Issue records a new PendingCommand, dispatches it to the node over the
// transport, and starts a timeout watcher. The caller-supplied
// onTerminal fires exactly once: on ack-ok, ack-fail, or timeout.
func (b *Bus) Issue(ctx context.Context, cmdType types.CommandType, targetNodeID, targetResourceID string, payload any, onTerminal OnTerminal) (string, error) {
	cmdID := b.clock.NewID()
	cmd := types.PendingCommand{
		CommandID:        cmdID,
		Type:             cmdType,
		TargetResourceID: targetResourceID,
		TargetNodeID:     targetNodeID,
		IssuedAt:         b.clock.Now(),
		Payload:          payload,
	}
	b.store.PutPendingCommand(cmd)

	b.mu.Lock()
	b.callbacks[cmdID] = onTerminal
	stop := make(chan struct{})
	b.cancels[cmdID] = stop
	b.mu.Unlock()

	metrics.CommandsIssuedTotal.WithLabelValues(string(cmdType)).Inc()
	go b.watchTimeout(cmd, stop)

	node, ok := b.store.GetNode(targetNodeID)
	if !ok {
		log.WithCommandID(cmdID).Warn().Msg("dispatch target node not found; command will time out")
		return cmdID, nil
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.transport.Dispatch(dispatchCtx, node.AgentHost, node.AgentPort, cmd); err != nil {
		// Transport is assumed asynchronous and at-least-once from the
		// node's perspective; a failed send here is transient and
		// absorbed — the command still ages out via watchTimeout.
		log.WithCommandID(cmdID).Warn().Msg("command dispatch failed: " + err.Error())
	}

	return cmdID, nil
}

func (b *Bus) watchTimeout(cmd types.PendingCommand, stop chan struct{}) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-stop:
		return
	case <-timer.C:
	}

	if _, ok := b.store.TakePendingCommand(cmd.CommandID); !ok {
		// Already acked between the timer firing and us taking the lock.
		return
	}

	b.mu.Lock()
	onTerminal := b.callbacks[cmd.CommandID]
	delete(b.callbacks, cmd.CommandID)
	delete(b.cancels, cmd.CommandID)
	b.mu.Unlock()

	reason := "command exceeded timeout without an acknowledgement"
	metrics.CommandsTerminalTotal.WithLabelValues(string(cmd.Type), string(OutcomeTimeout)).Inc()
	b.store.AppendEvent(events.Event{
		Kind:      events.EventCommandTimeout,
		SubjectID: cmd.TargetResourceID,
		Message:   reason,
		Severity:  events.SeverityWarn,
	})
	log.WithCommandID(cmd.CommandID).Warn().Msg(reason)

	if cmd.TargetResourceID != "" {
		if vm, ok := b.store.GetVM(cmd.TargetResourceID); ok {
			if vm.Status == types.VMProvisioning || vm.Status == types.VMDeleting {
				_ = b.lifecycle.Transition(vm.VMID, types.VMError, lifecycle.Timeout(cmd.Type, reason))
			}
		}
	}

	if onTerminal != nil {
		onTerminal(OutcomeTimeout, reason)
	}
}

// Ack consumes a command's terminal ack. Re-posting the same command_id
// is a no-op (TakePendingCommand only succeeds once).
func (b *Bus) Ack(commandID string, ok bool, reason string) {
	cmd, found := b.store.TakePendingCommand(commandID)
	if !found {
		return
	}

	b.mu.Lock()
	onTerminal := b.callbacks[commandID]
	stop := b.cancels[commandID]
	delete(b.callbacks, commandID)
	delete(b.cancels, commandID)
	b.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeFail
	}
	metrics.CommandsTerminalTotal.WithLabelValues(string(cmd.Type), string(outcome)).Inc()

	if onTerminal != nil {
		onTerminal(outcome, reason)
	}
}

// AckAttestation consumes an Attest command's terminal response. Per
// spec.md §4.6, success requires the response to carry the nonce the
// orchestrator issued for this command_id — a mismatch (wrong nonce,
// replay against a stale command, or a node that never saw the
// challenge) fails closed regardless of the node's self-reported ok.
func (b *Bus) AckAttestation(commandID string, ok bool, nonce, reason string) {
	cmd, found := b.store.PeekPendingCommand(commandID)
	if found && !nonceMatches(cmd.Payload, nonce) {
		ok = false
		reason = "nonce mismatch"
	}
	b.Ack(commandID, ok, reason)
}

// nonceMatches compares the nonce a node returned against the one
// Scheduler.challenge/VerifyNow stored on the PendingCommand's Payload
// when it issued the Attest command. Payload is `any` because CommandBus
// is agnostic to command shape; it may be the original
// map[string]string (normal in-process path) or a
// map[string]interface{} (after a snapshot round-trip through
// encoding/json in pkg/store/boltsnap).
func nonceMatches(payload any, nonce string) bool {
	switch p := payload.(type) {
	case map[string]string:
		return p["nonce"] == nonce
	case map[string]interface{}:
		v, _ := p["nonce"].(string)
		return v == nonce
	default:
		return false
	}
}

// Expire is called by the CleanupLoop for commands whose age exceeds the
// timeout but whose watcher goroutine hasn't fired yet (process restart,
// clock skew). It performs the same lifecycle routing and onTerminal
// callback as watchTimeout, but appends no per-command timeout Event,
// writes no log line and records no terminal-outcome metric; CleanupLoop
// appends one summary Event per pass instead.
func (b *Bus) Expire(cmd types.PendingCommand) {
	b.mu.Lock()
	onTerminal := b.callbacks[cmd.CommandID]
	stop := b.cancels[cmd.CommandID]
	delete(b.callbacks, cmd.CommandID)
	delete(b.cancels, cmd.CommandID)
	b.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	if cmd.TargetResourceID != "" {
		if vm, ok := b.store.GetVM(cmd.TargetResourceID); ok {
			if vm.Status == types.VMProvisioning || vm.Status == types.VMDeleting {
				_ = b.lifecycle.Transition(vm.VMID, types.VMError, lifecycle.Timeout(cmd.Type, "expired by cleanup loop"))
			}
		}
	}

	if onTerminal != nil {
		onTerminal(OutcomeTimeout, "expired by cleanup loop")
	}
}
