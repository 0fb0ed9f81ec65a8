package models

import (
	"encoding/json"
	"time"
)

// PushOperation is one outbound mutation in a push batch. Snapshot carries
// the entity content for create/update; it is empty for delete.
type PushOperation struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      Operation       `json:"operation"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	ModifiedBy     string          `json:"modified_by"`
}

// PushOutcomeStatus is the remote's verdict for one pushed operation.
type PushOutcomeStatus string

const (
	PushAccepted PushOutcomeStatus = "accepted"
	PushConflict PushOutcomeStatus = "conflict"
	PushRejected PushOutcomeStatus = "rejected"
)

// PushOutcome reports the remote's decision for one operation in a batch.
// On conflict the remote returns its current version so the resolver can
// compare without a second round trip.
type PushOutcome struct {
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	Status        PushOutcomeStatus `json:"status"`
	Message       string            `json:"message,omitempty"`
	RemoteVersion *ChangeRecord     `json:"remote_version,omitempty"`
}

// ChangeRecord is one remote-originated change, used both by incremental
// pull and by the websocket change feed. LastModifiedAt is server-comparable
// across devices.
type ChangeRecord struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      Operation       `json:"operation"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	ModifiedBy     string          `json:"modified_by"`
}
