package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionKeyShapes(t *testing.T) {
	const id = "abc123"

	assert.Equal(t, "session:abc123:status", StatusKey(id))
	assert.Equal(t, "session:abc123:capabilities", CapabilitiesKey(id))
	assert.Equal(t, "session:abc123:capabilities.actual", ActualCapabilitiesKey(id))
	assert.Equal(t, "session:abc123:downstream", DownstreamKey(id))
	assert.Equal(t, "session:abc123:upstream", UpstreamKey(id))
	assert.Equal(t, "session:abc123:slot", SlotKey(id))
	assert.Equal(t, "session:abc123:orchestrator", OrchestratorKey(id))
	assert.Equal(t, "session:abc123:metadata", MetadataKey(id))
	assert.Equal(t, "session:abc123:heartbeat.manager", HeartbeatManagerKey(id))
	assert.Equal(t, "session:abc123:heartbeat.node", HeartbeatNodeKey(id))
	assert.Equal(t, "session:abc123:queuedAt", QueuedAtKey(id))
	assert.Equal(t, "session:abc123:aliveAt", AliveAtKey(id))

	assert.Equal(t, "sessions.active", ActiveSetKey())
	assert.Equal(t, "sessions.terminated", TerminatedSetKey())
}

func TestProvisionerKeyShapes(t *testing.T) {
	const id = "dock-1"

	assert.Equal(t, "orchestrator:dock-1:slots", ProvisionerSlotsKey(id))
	assert.Equal(t, "orchestrator:dock-1:slots.available", ProvisionerSlotsAvailableKey(id))
	assert.Equal(t, "orchestrator:dock-1:slots.reclaimed", ProvisionerSlotsReclaimedKey(id))
	assert.Equal(t, "orchestrator:dock-1:slots.in-use", ProvisionerSlotsInUseKey(id))
	assert.Equal(t, "orchestrator:dock-1:backlog", ProvisionerBacklogKey(id))
	assert.Equal(t, "orchestrator:dock-1:heartbeat", ProvisionerHeartbeatKey(id))
	assert.Equal(t, "orchestrator:dock-1:retain", ProvisionerRetainKey(id))
	assert.Equal(t, "orchestrator:dock-1:capabilities.platformName", ProvisionerPlatformKey(id))
	assert.Equal(t, "orchestrator:dock-1:capabilities.browsers", ProvisionerBrowsersKey(id))

	assert.Equal(t, "orchestrators.all", ProvisionersSetKey())
}

func TestBrowserEntryFormat(t *testing.T) {
	assert.Equal(t, "chrome::120", BrowserEntry("chrome", "120"))
	assert.Equal(t, "firefox::", BrowserEntry("firefox", ""))
}

func TestStateRank(t *testing.T) {
	assert.Equal(t, 0, Rank(StateQueued))
	assert.Equal(t, 1, Rank(StateScheduled))
	assert.Equal(t, 2, Rank(StateProvisioned))
	assert.Equal(t, 3, Rank(StateOperational))
	assert.Equal(t, 4, Rank(StateTerminated))
	assert.Equal(t, -1, Rank(State("bogus")))
}

func TestStateRankIsStrictlyIncreasing(t *testing.T) {
	order := []State{StateQueued, StateScheduled, StateProvisioned, StateOperational, StateTerminated}
	for i := 1; i < len(order); i++ {
		assert.Less(t, Rank(order[i-1]), Rank(order[i]))
	}
}
