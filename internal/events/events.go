// Package events defines the event taxonomy from spec §6: queue keys and
// payload shapes produced/consumed across the scheduler, provisioner, node,
// manager, and gangway.
package events

import "encoding/json"

// Queue keys, one constant per row of the spec §6 event taxonomy table.
const (
	QueueSessionCreated           = "session.created"
	QueueSessionScheduled         = "session.scheduled"
	QueueProvisioningAssignedFmt  = "provisioning.assigned/%s" // formatted with provisioner id
	QueueSessionProvisioned       = "session.provisioned"
	QueueSessionOperational       = "session.operational"
	QueueSessionTerminated        = "session.terminated"
	QueueSessionMetadataModified  = "session.metadata.modified"
	QueueProvisionerMatchRequest  = "provisioner.match.request"
)

// TerminationReason is the closed set of reasons from spec §6/§7.
type TerminationReason string

const (
	ReasonStartupFailed         TerminationReason = "StartupFailed"
	ReasonModuleTimeout         TerminationReason = "ModuleTimeout"
	ReasonClosedByClient        TerminationReason = "ClosedByClient"
	ReasonIdleTimeoutReached    TerminationReason = "IdleTimeoutReached"
	ReasonTerminatedExternally  TerminationReason = "TerminatedExternally"
)

// SessionCreated is published by Manager/Gangway, consumed by Scheduler.
type SessionCreated struct {
	ID           string `json:"id"`
	Capabilities []byte `json:"capabilities"`
}

// SessionScheduled is published by Scheduler (read side).
type SessionScheduled struct {
	ID          string `json:"id"`
	Provisioner string `json:"provisioner"`
}

// ProvisioningJobAssigned is published by Scheduler, consumed by one
// specific provisioner (addressed via QueueProvisioningAssignedFmt).
type ProvisioningJobAssigned struct {
	SessionID    string `json:"sessionId"`
	Capabilities []byte `json:"capabilities"`
}

// SessionProvisioned is published by Provisioner (read side).
type SessionProvisioned struct {
	ID   string            `json:"id"`
	Meta map[string]string `json:"meta"`
}

// SessionOperational is published by Node, consumed by Gangway/Manager.
type SessionOperational struct {
	ID                 string          `json:"id"`
	ActualCapabilities json.RawMessage `json:"actualCapabilities"`
}

// SessionTerminated is published by Node or GC.
type SessionTerminated struct {
	ID             string            `json:"id"`
	Reason         TerminationReason `json:"reason"`
	Error          string            `json:"error,omitempty"`
	RecordingBytes int64             `json:"recordingBytes"`
}

// SessionMetadataModified is published by Scheduler or Node.
type SessionMetadataModified struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// ProvisionerMatchRequest is the payload of the scheduler's broadcast
// request/response (spec §4.G step 4).
type ProvisionerMatchRequest struct {
	Capabilities []byte `json:"capabilities"`
}

// ProvisionerMatchResponse is a provisioner's self-election reply.
type ProvisionerMatchResponse struct {
	ProvisionerID string `json:"provisionerId"`
}
