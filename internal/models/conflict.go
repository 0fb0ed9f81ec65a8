package models

import (
	"encoding/json"
	"time"
)

// ResolutionType classifies how a divergence was settled.
type ResolutionType string

const (
	ResolutionRejectedImmutable ResolutionType = "rejected_immutable"
	ResolutionRejectedLocked    ResolutionType = "rejected_locked"
	ResolutionLocalWins         ResolutionType = "local_wins"
	ResolutionServerWins        ResolutionType = "server_wins"
)

// VersionSnapshot captures one side of a conflict: the serialized entity
// plus the modification metadata it carried.
type VersionSnapshot struct {
	Content        json.RawMessage `json:"content"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	ModifiedBy     string          `json:"modified_by"`
}

// ConflictRecord is one append-only archive row. Every resolution writes
// exactly one, atomically with the winning version, before the loser is
// discarded. Rows are never deleted automatically.
type ConflictRecord struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolution ResolutionType  `json:"resolution"`
	Reason     string          `json:"reason"`
	Archived   VersionSnapshot `json:"archived"` // the losing version
	Chosen     VersionSnapshot `json:"chosen"`   // the winning version
	IsResolved bool            `json:"is_resolved"`
}
