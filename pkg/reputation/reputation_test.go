package reputation

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestUptimePctIgnoresJitterBelowTwoMinutes(t *testing.T) {
	now := time.Now()
	windowStart := now.Add(-lookbackWindow)
	offlineAt := now.Add(-time.Hour)
	onlineAt := offlineAt.Add(90 * time.Second) // below jitterThreshold

	all := []events.Event{
		{SubjectID: "n1", Kind: events.EventNodeOffline, At: offlineAt},
		{SubjectID: "n1", Kind: events.EventNodeOnline, At: onlineAt},
	}

	pct := uptimePct(all, "n1", types.NodeOnline, now, windowStart)
	assert.Equal(t, 100.0, pct, "a gap under the jitter threshold must not count as downtime")
}

func TestUptimePctCountsSustainedOutage(t *testing.T) {
	now := time.Now()
	windowStart := now.Add(-24 * time.Hour)
	offlineAt := now.Add(-12 * time.Hour)
	onlineAt := offlineAt.Add(6 * time.Hour)

	all := []events.Event{
		{SubjectID: "n1", Kind: events.EventNodeOffline, At: offlineAt},
		{SubjectID: "n1", Kind: events.EventNodeOnline, At: onlineAt},
	}

	pct := uptimePct(all, "n1", types.NodeOnline, now, windowStart)
	assert.InDelta(t, 75.0, pct, 0.5)
}

func TestSuccessfulCompletionsCountsCleanDeleteOnly(t *testing.T) {
	now := time.Now()
	windowStart := now.Add(-lookbackWindow)

	all := []events.Event{
		{SubjectID: "v1", Kind: events.EventVMRunning, At: now.Add(-time.Hour), Metadata: map[string]string{"node_id": "n1"}},
		{SubjectID: "v1", Kind: events.EventVMDeleted, At: now.Add(-time.Minute), Metadata: map[string]string{"node_id": "n1"}},

		{SubjectID: "v2", Kind: events.EventVMRunning, At: now.Add(-time.Hour), Metadata: map[string]string{"node_id": "n1"}},
		{SubjectID: "v2", Kind: events.EventVMError, At: now.Add(-30 * time.Minute), Metadata: map[string]string{"node_id": "n1"}},
		{SubjectID: "v2", Kind: events.EventVMDeleted, At: now.Add(-time.Minute), Metadata: map[string]string{"node_id": "n1"}},
	}

	counts := successfulCompletionsByNode(all, windowStart)
	assert.Equal(t, 1, counts["n1"], "only the VM that avoided Error should count")
}
