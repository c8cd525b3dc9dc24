package cleanup

import (
	"context"
	"testing"
	"time"

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

func newTestLoop() (*Loop, *store.Store, *commandbus.Bus) {
	st := store.New(clock.NewSystem(), 100, nil)
	lc := lifecycle.New(st, clock.NewSystem())
	bus := commandbus.New(st, clock.NewSystem(), noopTransport{}, lc, time.Minute)
	l := New(st, bus, clock.NewSystem(), time.Hour, 5*time.Minute, 7*24*time.Hour)
	return l, st, bus
}

func TestExpireTimedOutCommandsDropsStaleEntry(t *testing.T) {
	l, st, _ := newTestLoop()
	now := time.Now()
	st.PutPendingCommand(types.PendingCommand{CommandID: "c1", Type: types.CommandAttest, IssuedAt: now.Add(-10 * time.Minute)})
	st.PutPendingCommand(types.PendingCommand{CommandID: "c2", Type: types.CommandAttest, IssuedAt: now})

	n := l.expireTimedOutCommands(now)
	assert.Equal(t, 1, n)

	_, ok := st.PeekPendingCommand("c1")
	assert.False(t, ok)
	_, ok = st.PeekPendingCommand("c2")
	assert.True(t, ok)
}

func TestDropStaleAckEntriesRemovesOrphanedCommand(t *testing.T) {
	l, st, _ := newTestLoop()
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMDeleted})
	st.PutPendingCommand(types.PendingCommand{CommandID: "c1", Type: types.CommandStopVM, TargetResourceID: "v1", IssuedAt: time.Now()})
	st.PutPendingCommand(types.PendingCommand{CommandID: "c2", Type: types.CommandAttest, IssuedAt: time.Now()})

	n := l.dropStaleAckEntries()
	assert.Equal(t, 1, n)

	_, ok := st.PeekPendingCommand("c1")
	assert.False(t, ok)
	_, ok = st.PeekPendingCommand("c2")
	assert.True(t, ok, "commands with no target resource are untouched")
}

func TestPurgeLongDeletedVMsRespectsRetentionWindow(t *testing.T) {
	l, st, _ := newTestLoop()
	now := time.Now()
	st.UpsertVM(types.VM{VMID: "old", Status: types.VMDeleted, UpdatedAt: now.Add(-8 * 24 * time.Hour)})
	st.UpsertVM(types.VM{VMID: "recent", Status: types.VMDeleted, UpdatedAt: now.Add(-time.Hour)})
	st.UpsertVM(types.VM{VMID: "running", Status: types.VMRunning, UpdatedAt: now.Add(-30 * 24 * time.Hour)})

	n := l.purgeLongDeletedVMs(now)
	assert.Equal(t, 1, n)

	_, ok := st.GetVM("old")
	assert.False(t, ok)
	_, ok = st.GetVM("recent")
	assert.True(t, ok)
	_, ok = st.GetVM("running")
	assert.True(t, ok)
}

func TestTickRunsAllThreeStagesWithoutPanic(t *testing.T) {
	l, st, _ := newTestLoop()
	now := time.Now()
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMDeleted, UpdatedAt: now.Add(-8 * 24 * time.Hour)})
	st.PutPendingCommand(types.PendingCommand{CommandID: "c1", Type: types.CommandAttest, IssuedAt: now.Add(-10 * time.Minute)})

	require.NotPanics(t, func() { l.Tick() })

	_, ok := st.GetVM("v1")
	assert.False(t, ok)
}
