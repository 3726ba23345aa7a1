package eventsourcing

import (
	"encoding/json"
	"time"
)

// CommandMetadata is the base envelope every command carries. EntityID routes
// the command to its aggregate; CorrelationID threads multi-step workflows;
// InitiatedByID records the acting principal.
type CommandMetadata struct {
	// CommandID is the unique identifier for this command. It seeds
	// deterministic event IDs so redelivery cannot fork an event stream.
	CommandID string `json:"command_id"`

	// EntityID is the aggregate this command targets.
	EntityID string `json:"entity_id"`

	// OrgID is the organization the aggregate belongs to.
	OrgID string `json:"org_id"`

	// CorrelationID ties this command to the workflow that produced it.
	CorrelationID string `json:"correlation_id"`

	// InitiatedByID identifies the principal (user, service, system).
	InitiatedByID string `json:"initiated_by_id"`

	// Timestamp is when the command was created.
	Timestamp time.Time `json:"timestamp"`
}

// EventMetadata derives the metadata recorded on events this command produces.
func (m CommandMetadata) EventMetadata() EventMetadata {
	return EventMetadata{
		CausationID:   m.CommandID,
		CorrelationID: m.CorrelationID,
		InitiatedByID: m.InitiatedByID,
		OrgID:         m.OrgID,
	}
}

// WireCommand is the serialized form a command travels in between processes:
// the metadata plus a type tag and the JSON payload. The aggregate layer owns
// the payload registry that resolves CommandType back to a typed command.
type WireCommand struct {
	Metadata    CommandMetadata `json:"metadata"`
	CommandType string          `json:"command_type"`
	Data        json.RawMessage `json:"data"`
}
