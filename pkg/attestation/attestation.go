// Package attestation implements AttestationScheduler: a per-VM nonce-
// challenge liveness probe that pauses/resumes billing accrual and can
// drive a VM fatal on sustained failure. Grounded on the teacher's
// pkg/worker health_monitor.go per-task monitor-goroutine-plus-
// cancelFunc-map pattern and pkg/health's consecutive-success/failure
// bookkeeping, re-targeted at VMs instead of containers.
package attestation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/pkg/apierr"
	"github.com/cuemby/orchestrator/pkg/billing"
	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Outcome is a single attestation's verdict.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Scheduler runs per-VM attestation cadences.
type Scheduler struct {
	store         *store.Store
	lifecycle     *lifecycle.Manager
	bus           *commandbus.Bus
	billingClock  billing.Clock
	clock         clock.Clock
	tick          time.Duration
	pauseThreshold int
	fatalThreshold int

	mu      sync.Mutex
	cancels map[string]chan struct{}
	stopCh  chan struct{}
}

// New constructs a Scheduler. tick is ATTESTATION_TICK_SECONDS (default
// 60s), pauseThreshold/fatalThreshold are ATTESTATION_PAUSE_THRESHOLD (3)
// and ATTESTATION_FATAL_THRESHOLD (10).
func New(st *store.Store, lc *lifecycle.Manager, bus *commandbus.Bus, bc billing.Clock, clk clock.Clock, tick time.Duration, pauseThreshold, fatalThreshold int) *Scheduler {
	return &Scheduler{
		store: st, lifecycle: lc, bus: bus, billingClock: bc, clock: clk,
		tick: tick, pauseThreshold: pauseThreshold, fatalThreshold: fatalThreshold,
		cancels: make(map[string]chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start launches a defensive sync loop that starts a monitor goroutine
// for every currently-Running VM lacking one, mirroring the teacher's
// syncHealthChecks. The primary start/stop path is the lifecycle
// observer wired by the orchestrator (StartMonitoring/StopMonitoring on
// Running enter/exit).
func (s *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.syncMonitors()
		for {
			select {
			case <-ticker.C:
				s.syncMonitors()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends every monitor goroutine.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.cancels {
		close(c)
		delete(s.cancels, id)
	}
}

func (s *Scheduler) syncMonitors() {
	for _, vm := range s.store.ListVMs(func(v *types.VM) bool { return v.Status == types.VMRunning }) {
		s.StartMonitoring(vm.VMID)
	}
}

// StartMonitoring seeds liveness state and launches the per-VM cadence
// goroutine, if one isn't already running. Safe to call more than once.
func (s *Scheduler) StartMonitoring(vmID string) {
	s.mu.Lock()
	if _, exists := s.cancels[vmID]; exists {
		s.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	s.cancels[vmID] = cancel
	s.mu.Unlock()

	if _, ok := s.store.GetLiveness(vmID); !ok {
		s.store.SeedLiveness(vmID)
	}

	go s.monitorLoop(vmID, cancel)
}

// StopMonitoring cancels vmID's monitor goroutine and drops its liveness
// record. Called when a VM leaves Running.
func (s *Scheduler) StopMonitoring(vmID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[vmID]
	if ok {
		delete(s.cancels, vmID)
	}
	s.mu.Unlock()
	if ok {
		close(cancel)
	}
	s.store.RemoveLiveness(vmID)
}

func (s *Scheduler) monitorLoop(vmID string, cancel chan struct{}) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.challenge(vmID)
		case <-cancel:
			return
		case <-s.stopCh:
			return
		}
	}
}

// challenge issues one Attest command and applies the liveness bookkeeping
// in its terminal callback.
func (s *Scheduler) challenge(vmID string) {
	vm, ok := s.store.GetVM(vmID)
	if !ok || vm.Status != types.VMRunning {
		return
	}
	nonce := newNonce()
	issuedAt := s.clock.Now()

	_, _ = s.bus.Issue(context.Background(), types.CommandAttest, vm.NodeID, vmID, map[string]string{"nonce": nonce}, func(outcome commandbus.Outcome, reason string) {
		measured := s.clock.Now().Sub(issuedAt)
		switch outcome {
		case commandbus.OutcomeOK:
			s.recordOutcome(vmID, OutcomeSuccess, measured)
		default:
			s.recordOutcome(vmID, OutcomeFailure, measured)
		}
	})
}

// VerifyNow bypasses the cadence for a user-initiated manual check: it
// issues one Attest command and blocks until the terminal outcome,
// returning it synchronously while updating liveness state identically.
func (s *Scheduler) VerifyNow(ctx context.Context, vmID string) (Outcome, error) {
	vm, ok := s.store.GetVM(vmID)
	if !ok {
		return "", apierr.VMNotFound(vmID)
	}

	nonce := newNonce()
	issuedAt := s.clock.Now()
	result := make(chan Outcome, 1)

	_, err := s.bus.Issue(ctx, types.CommandAttest, vm.NodeID, vmID, map[string]string{"nonce": nonce}, func(outcome commandbus.Outcome, reason string) {
		measured := s.clock.Now().Sub(issuedAt)
		var o Outcome
		if outcome == commandbus.OutcomeOK {
			o = OutcomeSuccess
		} else {
			o = OutcomeFailure
		}
		s.recordOutcome(vmID, o, measured)
		result <- o
	})
	if err != nil {
		return "", err
	}

	select {
	case o := <-result:
		return o, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// recordOutcome applies spec.md §4.6's success/failure bookkeeping.
func (s *Scheduler) recordOutcome(vmID string, outcome Outcome, measured time.Duration) {
	now := s.clock.Now()
	var paused, resumed, fatal bool

	s.store.MutateLiveness(vmID, func(l *types.LivenessState) {
		l.TotalChallenges++
		if outcome == OutcomeSuccess {
			l.ConsecutiveFailures = 0
			l.ConsecutiveSuccesses++
			l.SuccessCount++
			t := now
			l.LastSuccessfulAt = &t
			l.AvgResponseMS = ema(l.AvgResponseMS, float64(measured.Milliseconds()), 0.2)
			if l.BillingPaused {
				l.BillingPaused = false
				l.PauseReason = ""
				l.PausedAt = nil
				resumed = true
			}
			return
		}

		l.ConsecutiveSuccesses = 0
		l.ConsecutiveFailures++
		l.FailCount++
		if l.ConsecutiveFailures >= s.pauseThreshold && !l.BillingPaused {
			l.BillingPaused = true
			l.PauseReason = "attestation_failure"
			t := now
			l.PausedAt = &t
			paused = true
		}
		if l.ConsecutiveFailures >= s.fatalThreshold {
			fatal = true
		}
	})

	s.store.MutateVM(vmID, func(v *types.VM) {
		if paused {
			billing.Pause(v, "attestation_failure", now)
		}
		if resumed {
			billing.Resume(v)
		}
	})

	if paused {
		metrics.AttestationPausedTotal.Inc()
		s.store.AppendEvent(events.Event{Kind: events.EventAttestationPaused, SubjectID: vmID, Message: "billing paused: attestation_failure", Severity: events.SeverityWarn})
		log.WithVMID(vmID).Warn().Msg("billing paused after consecutive attestation failures")
	}
	if resumed {
		metrics.AttestationResumedTotal.Inc()
		s.store.AppendEvent(events.Event{Kind: events.EventAttestationResumed, SubjectID: vmID, Message: "billing resumed after successful attestation"})
	}
	if fatal {
		metrics.AttestationFatalTotal.Inc()
		s.store.AppendEvent(events.Event{Kind: events.EventAttestationFatal, SubjectID: vmID, Message: "vm driven to error: attestation fatal threshold reached", Severity: events.SeverityError})
		_ = s.lifecycle.Transition(vmID, types.VMError, lifecycle.TransitionContext{Source: lifecycle.SourceAttestationFatal, Reason: "attestation_fatal_threshold"})
	}
}

func ema(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
