package boltsnap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestPersistNowThenLoadLatestRestoresState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")

	st := store.New(clock.NewSystem(), 100, nil)
	st.UpsertNode(types.Node{NodeID: "n1", Status: types.NodeOnline})
	st.UpsertVM(types.VM{VMID: "v1", NodeID: "n1", Status: types.VMRunning})

	p, err := Open(dbPath, st, time.Hour, 5)
	require.NoError(t, err)

	require.NoError(t, p.PersistNow())
	// Open holds an exclusive lock on the file; release it before reopening.
	require.NoError(t, p.Close())

	fresh := store.New(clock.NewSystem(), 100, nil)
	p2, err := Open(dbPath, fresh, time.Hour, 5)
	require.NoError(t, err)
	defer p2.Close()

	found, err := p2.LoadLatest()
	require.NoError(t, err)
	assert.True(t, found)

	v, ok := fresh.GetVM("v1")
	require.True(t, ok)
	assert.Equal(t, types.VMRunning, v.Status)
}

func TestLoadLatestReturnsFalseWhenEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	st := store.New(clock.NewSystem(), 100, nil)

	p, err := Open(dbPath, st, time.Hour, 5)
	require.NoError(t, err)
	defer p.Close()

	found, err := p.LoadLatest()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTrimRetainsOnlyKeepMostRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trim.db")
	st := store.New(clock.NewSystem(), 100, nil)

	p, err := Open(dbPath, st, time.Hour, 2)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.PersistNow())
		time.Sleep(time.Millisecond)
	}

	err = p.db.View(func(tx *bolt.Tx) error {
		assert.LessOrEqual(t, tx.Bucket(bucketSnapshots).Stats().KeyN, 2)
		return nil
	})
	require.NoError(t, err)
}
