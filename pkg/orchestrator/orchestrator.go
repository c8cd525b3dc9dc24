// Package orchestrator is the composition root: it wires the store,
// command bus, lifecycle manager and its observers, the scheduler and
// the background loops (health, attestation, reputation, cleanup) into
// one running process, grounded on wisbric-nightowl's internal/app.Run
// shutdown pattern (context cancellation, errgroup-free select on an
// error channel, bounded-timeout HTTP shutdown).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/orchestrator/pkg/api"
	"github.com/cuemby/orchestrator/pkg/attestation"
	"github.com/cuemby/orchestrator/pkg/auth"
	"github.com/cuemby/orchestrator/pkg/billing"
	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/cleanup"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/config"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/health"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/reputation"
	"github.com/cuemby/orchestrator/pkg/scheduler"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/store/boltsnap"
	"github.com/cuemby/orchestrator/pkg/types"
)

// Kernel holds every long-lived collaborator the process needs, wired
// and ready to Start/Stop as a unit.
type Kernel struct {
	Store       *store.Store
	Clock       clock.Clock
	Broker      *events.Broker
	Bus         *commandbus.Bus
	Lifecycle   *lifecycle.Manager
	Scheduler   *scheduler.Scheduler
	Health      *health.Monitor
	Attestation *attestation.Scheduler
	Reputation  *reputation.Engine
	Cleanup     *cleanup.Loop
	Billing     *billing.Loop
	Auth        *auth.Registry
	Persister   *boltsnap.Persister

	httpSrv *http.Server
}

// New wires every collaborator from cfg but starts nothing.
func New(cfg *config.Config) (*Kernel, error) {
	clk := clock.NewSystem()
	broker := events.NewBroker()
	st := store.New(clk, cfg.EventRingCapacity, broker)

	lc := lifecycle.New(st, clk)
	transport := commandbus.NewHTTPTransport(cfg.NodeAgentTimeout())
	bus := commandbus.New(st, clk, transport, lc, cfg.CommandTimeout())

	sched := scheduler.New(st, lc, bus, clk, float64(cfg.MinUptimeForScheduling))
	healthMon := health.New(st, lc, clk, cfg.HealthTick(), cfg.HeartbeatStale())
	attestSched := attestation.New(st, lc, bus, billing.SimpleClock{}, clk, cfg.AttestationTick(),
		cfg.AttestationPauseThreshold, cfg.AttestationFatalThreshold)
	repEngine := reputation.New(st, clk, cfg.ReputationTick(), cfg.ReputationStartupDelay())
	cleanupLoop := cleanup.New(st, bus, clk, cfg.CleanupTick(), cfg.CommandTimeout(), cfg.DeletedRetention())
	billingLoop := billing.NewLoop(st, clk, billing.SimpleClock{}, cfg.BillingTick())

	registerObservers(lc, st, attestSched)

	k := &Kernel{
		Store:       st,
		Clock:       clk,
		Broker:      broker,
		Bus:         bus,
		Lifecycle:   lc,
		Scheduler:   sched,
		Health:      healthMon,
		Attestation: attestSched,
		Reputation:  repEngine,
		Cleanup:     cleanupLoop,
		Billing:     billingLoop,
		Auth:        auth.New(),
	}

	if cfg.SnapshotPath != "" {
		persister, err := boltsnap.Open(cfg.SnapshotPath, st, 5*time.Minute, 12)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot store: %w", err)
		}
		restored, err := persister.LoadLatest()
		if err != nil {
			return nil, fmt.Errorf("restoring snapshot: %w", err)
		}
		if restored {
			log.WithComponent("orchestrator").Info().Msg("restored state from snapshot")
		}
		k.Persister = persister
	}

	router := api.NewRouter(api.Deps{
		Store:       st,
		Lifecycle:   lc,
		Scheduler:   sched,
		Bus:         bus,
		Health:      healthMon,
		Attestation: attestSched,
		Auth:        k.Auth,
		Clock:       clk,
	})
	k.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return k, nil
}

// registerObservers wires the lifecycle side effects that do not belong
// to any single caller: capacity release on exit from an occupying
// state, and attestation monitoring start/stop around Running.
func registerObservers(lc *lifecycle.Manager, st *store.Store, attestSched *attestation.Scheduler) {
	lc.RegisterObserver(func(vm types.VM, from types.VMStatus, ctx lifecycle.TransitionContext) {
		wasOccupying := (&types.VM{Status: from}).Occupies()
		if wasOccupying && !vm.Occupies() && vm.NodeID != "" {
			st.ReleaseCapacity(vm.NodeID, vm.Spec.Capacity())
		}
	})
	lc.RegisterObserver(func(vm types.VM, from types.VMStatus, ctx lifecycle.TransitionContext) {
		if vm.Status == types.VMRunning {
			attestSched.StartMonitoring(vm.VMID)
			return
		}
		if from == types.VMRunning {
			attestSched.StopMonitoring(vm.VMID)
		}
	})
}

// Run starts every background loop and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (k *Kernel) Run(ctx context.Context) error {
	k.Broker.Start()
	k.Scheduler.Start()
	k.Health.Start()
	k.Attestation.Start()
	k.Reputation.Start()
	k.Cleanup.Start()
	k.Billing.Start()
	if k.Persister != nil {
		k.Persister.Start()
	}
	defer k.stopLoops()

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("orchestrator").Info().Str("addr", k.httpSrv.Addr).Msg("api server listening")
		if err := k.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.WithComponent("orchestrator").Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return k.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (k *Kernel) stopLoops() {
	k.Scheduler.Stop()
	k.Health.Stop()
	k.Attestation.Stop()
	k.Reputation.Stop()
	k.Cleanup.Stop()
	k.Billing.Stop()
	k.Broker.Stop()
	if k.Persister != nil {
		if err := k.Persister.PersistNow(); err != nil {
			log.WithComponent("orchestrator").Error().Msg("final snapshot: " + err.Error())
		}
		k.Persister.Stop()
		k.Persister.Close()
	}
}
