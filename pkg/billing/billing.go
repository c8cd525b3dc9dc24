// Package billing defines the BillingClock collaborator named in
// spec.md §1 and §2: the orchestrator accrues elapsed billable time per
// VM but never touches payment/escrow — that lives entirely outside this
// core.
package billing

import (
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Clock is the external collaborator the core consumes. A concrete
// implementation decides rate and whether accrual applies; AttestationScheduler
// calls Pause/Resume around it.
type Clock interface {
	// Accrue is called with the elapsed wall time since the VM's last
	// billing tick and returns the amount to add to total_billed. It must
	// not mutate vm; callers apply the returned amount themselves.
	Accrue(vm types.VM, elapsed time.Duration) (amount float64)
}

// SimpleClock is the in-memory reference implementation: hourly_rate *
// elapsed, accruing only while status=Running and not billing_paused —
// resolving the Open Question in spec.md §9 the same way the notes say
// the original does (Provisioning/Stopping never accrue).
type SimpleClock struct{}

func (SimpleClock) Accrue(vm types.VM, elapsed time.Duration) float64 {
	if vm.Status != types.VMRunning || vm.Billing.Paused {
		return 0
	}
	hours := elapsed.Hours()
	return vm.Billing.HourlyRate * hours
}

// Tick applies one accrual step to vm in place, updating total_billed,
// total_runtime, and last_billing_at. Intended to be called by a
// component that owns the VM's Store mutation (not by Clock itself,
// which must stay a pure rate function for testability).
func Tick(clk Clock, vm *types.VM, now time.Time) {
	last := vm.Billing.LastBillingAt
	if last == nil {
		vm.Billing.LastBillingAt = &now
		return
	}
	elapsed := now.Sub(*last)
	if elapsed <= 0 {
		return
	}
	amount := clk.Accrue(*vm, elapsed)
	vm.Billing.TotalBilled += amount
	if vm.Status == types.VMRunning && !vm.Billing.Paused {
		vm.Billing.TotalRuntime += elapsed
	}
	vm.Billing.LastBillingAt = &now
}

// Pause marks a VM's billing as paused with the given reason, recording
// paused_at. Called by AttestationScheduler on PAUSE_THRESHOLD failures.
func Pause(vm *types.VM, reason string, now time.Time) {
	if vm.Billing.Paused {
		return
	}
	vm.Billing.Paused = true
	vm.Billing.PauseReason = reason
	vm.Billing.PausedAt = &now
}

// Resume clears a paused billing state. Called by AttestationScheduler on
// the next successful attestation after a pause.
func Resume(vm *types.VM) {
	vm.Billing.Paused = false
	vm.Billing.PauseReason = ""
	vm.Billing.PausedAt = nil
}

// Loop periodically applies Tick to every Running VM. It is the
// collaborator that actually exercises Clock end to end — without it
// total_billed/total_runtime never advance. Grounded on the same ticker
// Start/Stop/unexported-run shape as reputation.Engine and cleanup.Loop.
type Loop struct {
	store *store.Store
	clock clock.Clock
	bclk  Clock
	tick  time.Duration

	stopCh chan struct{}
}

// NewLoop constructs a Loop. tick is BILLING_TICK_SECONDS (default 60).
func NewLoop(st *store.Store, clk clock.Clock, bclk Clock, tick time.Duration) *Loop {
	return &Loop{store: st, clock: clk, bclk: bclk, tick: tick, stopCh: make(chan struct{})}
}

// Start begins the ticker loop.
func (l *Loop) Start() {
	go func() {
		ticker := time.NewTicker(l.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.run()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop.
func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	now := l.clock.Now()
	for _, vm := range l.store.ListVMs(func(v *types.VM) bool { return v.Status == types.VMRunning }) {
		vmID := vm.VMID
		l.store.MutateVM(vmID, func(v *types.VM) {
			Tick(l.bclk, v, now)
		})
	}
}
