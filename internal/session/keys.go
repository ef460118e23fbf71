// Package session defines the domain types (Session, Slot, Provisioner) and
// the broker KV namespace (spec §6 "KV schema") shared by every component
// that touches session state.
package session

import "fmt"

// Session key helpers, mirroring api/internal/cache/keys.go's prefix+fmt.Sprintf
// style but addressed at the broker's KV schema from spec §6 rather than an
// HTTP response cache.

func StatusKey(id string) string       { return fmt.Sprintf("session:%s:status", id) }
func CapabilitiesKey(id string) string { return fmt.Sprintf("session:%s:capabilities", id) }
func ActualCapabilitiesKey(id string) string {
	return fmt.Sprintf("session:%s:capabilities.actual", id)
}
func DownstreamKey(id string) string   { return fmt.Sprintf("session:%s:downstream", id) }
func UpstreamKey(id string) string     { return fmt.Sprintf("session:%s:upstream", id) }
func SlotKey(id string) string         { return fmt.Sprintf("session:%s:slot", id) }
func OrchestratorKey(id string) string { return fmt.Sprintf("session:%s:orchestrator", id) }
func MetadataKey(id string) string     { return fmt.Sprintf("session:%s:metadata", id) }
func HeartbeatManagerKey(id string) string { return fmt.Sprintf("session:%s:heartbeat.manager", id) }
func HeartbeatNodeKey(id string) string    { return fmt.Sprintf("session:%s:heartbeat.node", id) }
func QueuedAtKey(id string) string         { return fmt.Sprintf("session:%s:queuedAt", id) }
func AliveAtKey(id string) string          { return fmt.Sprintf("session:%s:aliveAt", id) }

func ActiveSetKey() string     { return "sessions.active" }
func TerminatedSetKey() string { return "sessions.terminated" }

// Provisioner key helpers.

func ProvisionerSlotsKey(id string) string          { return fmt.Sprintf("orchestrator:%s:slots", id) }
func ProvisionerSlotsAvailableKey(id string) string { return fmt.Sprintf("orchestrator:%s:slots.available", id) }
func ProvisionerSlotsReclaimedKey(id string) string { return fmt.Sprintf("orchestrator:%s:slots.reclaimed", id) }
func ProvisionerSlotsInUseKey(id string) string     { return fmt.Sprintf("orchestrator:%s:slots.in-use", id) }
func ProvisionerBacklogKey(id string) string        { return fmt.Sprintf("orchestrator:%s:backlog", id) }
func ProvisionerHeartbeatKey(id string) string       { return fmt.Sprintf("orchestrator:%s:heartbeat", id) }
func ProvisionerRetainKey(id string) string          { return fmt.Sprintf("orchestrator:%s:retain", id) }
func ProvisionerPlatformKey(id string) string        { return fmt.Sprintf("orchestrator:%s:capabilities.platformName", id) }
func ProvisionerBrowsersKey(id string) string        { return fmt.Sprintf("orchestrator:%s:capabilities.browsers", id) }

// ProvisionersSetKey is the set of all registered provisioner ids, used by
// the manager to discover candidates (spec §4.F step 2: "Query the set of
// registered provisioners").
func ProvisionersSetKey() string { return "orchestrators.all" }

// BrowserEntry formats a (name, version) pair the way the broker stores it
// in a provisioner's declared-browsers set: "name::version".
func BrowserEntry(name, version string) string { return fmt.Sprintf("%s::%s", name, version) }
