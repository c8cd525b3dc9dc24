package health

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(staleAfter time.Duration) (*Monitor, *store.Store) {
	st := store.New(clock.NewSystem(), 100, nil)
	lc := lifecycle.New(st, clock.NewSystem())
	return New(st, lc, clock.NewSystem(), time.Hour, staleAfter), st
}

func TestHeartbeatExactlyAtThresholdIsNotOffline(t *testing.T) {
	m, st := newTestMonitor(90 * time.Second)
	now := time.Now()
	st.UpsertNode(types.Node{NodeID: "n1", Status: types.NodeOnline, LastHeartbeat: now.Add(-90 * time.Second)})

	m.checkNode(mustGetNode(st, "n1"), now)

	n, _ := st.GetNode("n1")
	assert.Equal(t, types.NodeOnline, n.Status, "gap exactly equal to the threshold must not mark offline")
}

func TestHeartbeatBeyondThresholdGoesOfflineAndErrorsRunningVM(t *testing.T) {
	m, st := newTestMonitor(90 * time.Second)
	now := time.Now()
	st.UpsertNode(types.Node{NodeID: "n2", Status: types.NodeOnline, LastHeartbeat: now.Add(-121 * time.Second)})
	st.UpsertVM(types.VM{VMID: "v2", NodeID: "n2", Status: types.VMRunning})

	m.checkNode(mustGetNode(st, "n2"), now)

	n, _ := st.GetNode("n2")
	assert.Equal(t, types.NodeOffline, n.Status)

	v, _ := st.GetVM("v2")
	assert.Equal(t, types.VMError, v.Status)
}

func TestHeartbeatRecoversOfflineNode(t *testing.T) {
	m, st := newTestMonitor(90 * time.Second)
	st.UpsertNode(types.Node{NodeID: "n3", Status: types.NodeOffline})

	ok := m.Heartbeat("n3", time.Now())
	require.True(t, ok)

	n, _ := st.GetNode("n3")
	assert.Equal(t, types.NodeOnline, n.Status)
}

func mustGetNode(st *store.Store, id string) types.Node {
	n, _ := st.GetNode(id)
	return n
}
