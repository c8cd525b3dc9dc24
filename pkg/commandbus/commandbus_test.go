package commandbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/store"
	"github.com/cuemby/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTransport) Dispatch(ctx context.Context, host string, port int, cmd types.PendingCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestBus(timeout time.Duration) (*Bus, *store.Store, *fakeTransport) {
	st := store.New(clock.NewSystem(), 100, nil)
	lc := lifecycle.New(st, clock.NewSystem())
	transport := &fakeTransport{}
	bus := New(st, clock.NewSystem(), transport, lc, timeout)
	return bus, st, transport
}

func TestIssueThenAckOK(t *testing.T) {
	bus, st, _ := newTestBus(time.Minute)
	st.UpsertNode(types.Node{NodeID: "n1", AgentHost: "127.0.0.1", AgentPort: 9999})
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMProvisioning})

	var outcome Outcome
	done := make(chan struct{})
	cmdID, err := bus.Issue(context.Background(), types.CommandCreateVM, "n1", "v1", nil, func(o Outcome, reason string) {
		outcome = o
		close(done)
	})
	require.NoError(t, err)
	require.NotEmpty(t, cmdID)

	bus.Ack(cmdID, true, "")
	<-done
	assert.Equal(t, OutcomeOK, outcome)

	_, stillPending := st.PeekPendingCommand(cmdID)
	assert.False(t, stillPending)
}

func TestRePostedAckIsNoOp(t *testing.T) {
	bus, _, _ := newTestBus(time.Minute)

	calls := 0
	cmdID, _ := bus.Issue(context.Background(), types.CommandAttest, "n1", "v1", nil, func(o Outcome, reason string) {
		calls++
	})

	bus.Ack(cmdID, true, "")
	bus.Ack(cmdID, true, "")

	assert.Equal(t, 1, calls, "a re-posted ack for the same command_id must be a no-op")
}

func TestAckAttestationFailsClosedOnNonceMismatch(t *testing.T) {
	bus, _, _ := newTestBus(time.Minute)

	var outcome Outcome
	done := make(chan struct{})
	cmdID, err := bus.Issue(context.Background(), types.CommandAttest, "n1", "v1", map[string]string{"nonce": "issued-nonce"}, func(o Outcome, reason string) {
		outcome = o
		close(done)
	})
	require.NoError(t, err)

	bus.AckAttestation(cmdID, true, "wrong-nonce", "")
	<-done
	assert.Equal(t, OutcomeFail, outcome, "a node claiming ok=true with the wrong nonce must still fail")
}

func TestAckAttestationSucceedsOnMatchingNonce(t *testing.T) {
	bus, _, _ := newTestBus(time.Minute)

	var outcome Outcome
	done := make(chan struct{})
	cmdID, err := bus.Issue(context.Background(), types.CommandAttest, "n1", "v1", map[string]string{"nonce": "issued-nonce"}, func(o Outcome, reason string) {
		outcome = o
		close(done)
	})
	require.NoError(t, err)

	bus.AckAttestation(cmdID, true, "issued-nonce", "")
	<-done
	assert.Equal(t, OutcomeOK, outcome)
}

func TestTimeoutDrivesErrorForProvisioningVM(t *testing.T) {
	bus, st, _ := newTestBus(20 * time.Millisecond)
	st.UpsertVM(types.VM{VMID: "v1", Status: types.VMProvisioning})

	done := make(chan Outcome, 1)
	_, err := bus.Issue(context.Background(), types.CommandCreateVM, "missing-node", "v1", nil, func(o Outcome, reason string) {
		done <- o
	})
	require.NoError(t, err)

	select {
	case o := <-done:
		assert.Equal(t, OutcomeTimeout, o)
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	v, _ := st.GetVM("v1")
	assert.Equal(t, types.VMError, v.Status)
}
