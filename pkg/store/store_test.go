package store

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return New(clock.NewSystem(), 5, nil)
}

func TestUpsertAndGetVM(t *testing.T) {
	s := newTestStore()
	s.UpsertVM(types.VM{VMID: "v1", Status: types.VMPending})

	got, ok := s.GetVM("v1")
	require.True(t, ok)
	assert.Equal(t, types.VMPending, got.Status)

	_, ok = s.GetVM("missing")
	assert.False(t, ok)
}

func TestGetActiveVMsExcludesDeleted(t *testing.T) {
	s := newTestStore()
	s.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning})
	s.UpsertVM(types.VM{VMID: "v2", Status: types.VMDeleted})

	active := s.GetActiveVMs()
	require.Len(t, active, 1)
	assert.Equal(t, "v1", active[0].VMID)
}

func TestScheduleVMReservesCapacity(t *testing.T) {
	s := newTestStore()
	s.UpsertNode(types.Node{NodeID: "n1", Capacity: types.Capacity{CPUCores: 8, MemoryMB: 16384, DiskGB: 200}})
	s.UpsertVM(types.VM{VMID: "v1", Status: types.VMScheduling, Spec: types.Spec{CPUCores: 2, MemoryMB: 2048, DiskGB: 20}})

	err := s.ScheduleVM("n1", "v1", types.Capacity{CPUCores: 2, MemoryMB: 2048, DiskGB: 20})
	require.NoError(t, err)

	n, _ := s.GetNode("n1")
	avail := n.Available()
	assert.Equal(t, 6, avail.CPUCores)
	assert.Equal(t, 16384-2048, avail.MemoryMB)

	v, _ := s.GetVM("v1")
	assert.Equal(t, "n1", v.NodeID)
}

func TestScheduleVMNoCapacity(t *testing.T) {
	s := newTestStore()
	s.UpsertNode(types.Node{NodeID: "n1", Capacity: types.Capacity{CPUCores: 1, MemoryMB: 1024, DiskGB: 10}})
	s.UpsertVM(types.VM{VMID: "v1", Status: types.VMScheduling})

	err := s.ScheduleVM("n1", "v1", types.Capacity{CPUCores: 2, MemoryMB: 1024, DiskGB: 10})
	assert.ErrorIs(t, err, ErrNoCapacity)

	n, _ := s.GetNode("n1")
	assert.Equal(t, 1, n.Available().CPUCores)
}

func TestMutateVMCASRejectsStaleFrom(t *testing.T) {
	s := newTestStore()
	s.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning})

	applied, found := s.MutateVMCAS("v1", types.VMRunning, func(v *types.VM) { v.Status = types.VMError })
	assert.True(t, found)
	assert.True(t, applied, "a CAS against the VM's actual current status must apply")

	applied, found = s.MutateVMCAS("v1", types.VMRunning, func(v *types.VM) { v.Status = types.VMStopping })
	assert.True(t, found)
	assert.False(t, applied, "a second CAS against a now-stale `from` must not mutate, even though the VM still exists")

	v, _ := s.GetVM("v1")
	assert.Equal(t, types.VMError, v.Status, "only the first, still-valid CAS may have taken effect")
}

func TestMutateVMCASMissingVM(t *testing.T) {
	s := newTestStore()
	applied, found := s.MutateVMCAS("missing", types.VMRunning, func(v *types.VM) {})
	assert.False(t, found)
	assert.False(t, applied)
}

func TestTakePendingCommandIsIdempotent(t *testing.T) {
	s := newTestStore()
	s.PutPendingCommand(types.PendingCommand{CommandID: "c1", IssuedAt: time.Now()})

	_, ok := s.TakePendingCommand("c1")
	assert.True(t, ok)

	_, ok = s.TakePendingCommand("c1")
	assert.False(t, ok, "re-posting the same ack must be a no-op")
}

func TestEventRingCapsAtLimit(t *testing.T) {
	s := newTestStore() // ringCap = 5
	for i := 0; i < 8; i++ {
		s.AppendEvent(events.Event{Kind: events.EventVMCreated, Message: "tick"})
	}

	all := s.ListEvents(0)
	assert.Len(t, all, 5, "ring must never exceed its capacity")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestStore()
	s.UpsertNode(types.Node{NodeID: "n1", Capacity: types.Capacity{CPUCores: 4}})
	s.UpsertVM(types.VM{VMID: "v1", Status: types.VMRunning})
	s.AppendEvent(events.Event{Kind: events.EventVMRunning, SubjectID: "v1"})

	snap := s.Snapshot()

	fresh := newTestStore()
	require.NoError(t, fresh.Restore(snap))

	n, ok := fresh.GetNode("n1")
	require.True(t, ok)
	assert.Equal(t, 4, n.Capacity.CPUCores)

	v, ok := fresh.GetVM("v1")
	require.True(t, ok)
	assert.Equal(t, types.VMRunning, v.Status)
}
