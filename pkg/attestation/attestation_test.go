package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/pkg/billing"
	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopTransport struct{}

func (noopTransport) Dispatch(ctx context.Context, host string, port int, cmd types.PendingCommand) error {
	return nil
}

func newTestScheduler() (*Scheduler, *store.Store, *commandbus.Bus) {
	st := store.New(clock.NewSystem(), 100, nil)
	lc := lifecycle.New(st, clock.NewSystem())
	bus := commandbus.New(st, clock.NewSystem(), noopTransport{}, lc, time.Minute)
	return New(st, lc, bus, billing.SimpleClock{}, clock.NewSystem(), time.Minute, 3, 10), st, bus
}

func ackLatestAttest(t *testing.T, st *store.Store, bus *commandbus.Bus, ok bool) {
	cmds := st.ListPendingCommands()
	require.NotEmpty(t, cmds)
	bus.Ack(cmds[len(cmds)-1].CommandID, ok, "")
}

func TestThreeFailuresPauseBilling(t *testing.T) {
	s, st, bus := newTestScheduler()
	st.UpsertNode(types.Node{NodeID: "n1"})
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning, NodeID: "n1", Billing: types.Billing{HourlyRate: 1}})
	st.SeedLiveness("v1")

	for i := 0; i < 3; i++ {
		s.challenge("v1")
		ackLatestAttest(t, st, bus, false)
	}

	l, _ := st.GetLiveness("v1")
	assert.True(t, l.BillingPaused)
	assert.Equal(t, "attestation_failure", l.PauseReason)

	v, _ := st.GetVM("v1")
	assert.True(t, v.Billing.Paused)
}

func TestSuccessAfterPauseResumesBilling(t *testing.T) {
	s, st, bus := newTestScheduler()
	st.UpsertNode(types.Node{NodeID: "n1"})
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning, NodeID: "n1"})
	st.SeedLiveness("v1")

	for i := 0; i < 3; i++ {
		s.challenge("v1")
		ackLatestAttest(t, st, bus, false)
	}
	s.challenge("v1")
	ackLatestAttest(t, st, bus, true)

	l, _ := st.GetLiveness("v1")
	assert.False(t, l.BillingPaused)
	assert.Equal(t, 0, l.ConsecutiveFailures)
}

func TestTenConsecutiveFailuresIsFatal(t *testing.T) {
	s, st, bus := newTestScheduler()
	st.UpsertNode(types.Node{NodeID: "n1"})
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning, NodeID: "n1"})
	st.SeedLiveness("v1")

	for i := 0; i < 10; i++ {
		s.challenge("v1")
		ackLatestAttest(t, st, bus, false)
	}

	v, _ := st.GetVM("v1")
	assert.Equal(t, types.VMError, v.Status)
}

func TestPauseThresholdBoundary(t *testing.T) {
	s, st, bus := newTestScheduler()
	st.UpsertNode(types.Node{NodeID: "n1"})
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning, NodeID: "n1"})
	st.SeedLiveness("v1")

	for i := 0; i < 2; i++ {
		s.challenge("v1")
		ackLatestAttest(t, st, bus, false)
	}
	l, _ := st.GetLiveness("v1")
	assert.False(t, l.BillingPaused, "consecutive_failures == PAUSE_THRESHOLD-1 must not pause")
}
