package models

import (
	"time"
)

// SyncStatus tracks an entity's replication state.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// SyncTracked is the capability every replicated entity carries: an opaque
// identifier plus the modification metadata the resolver compares.
type SyncTracked interface {
	EntityID() string
	EntityType() string
	LastModified() time.Time
	ModifiedBy() string
	SyncState() SyncStatus

	// Stamp records an accepted mutation. The stored LastModified value
	// never moves backward; callers pass the injected clock's now.
	Stamp(now time.Time, userID string)
	SetSyncState(status SyncStatus)

	// Snapshot returns a JSON snapshot of the entity for archival.
	Snapshot() ([]byte, error)
}

// HasSignature is the capability of entities that can be signed into
// immutability. SignatureInfo values are meaningful only when IsSigned.
type HasSignature interface {
	SyncTracked
	IsSigned() bool
	SignatureInfo() (hash string, signedAt time.Time, signedBy string)
}

// HasLock marks entities that can be locked after downstream use (for
// example a form consumed by billing). Lock state blocks incoming writes
// but, unlike a signature, is reversible by an operator.
type HasLock interface {
	Locked() bool
}

// SyncMeta implements the SyncTracked bookkeeping for embedding in domain
// entities.
type SyncMeta struct {
	LastModifiedAt time.Time  `json:"last_modified_at"`
	ModifiedByID   string     `json:"modified_by_id"`
	SyncStatus     SyncStatus `json:"sync_status"`
}

// Stamp records modification metadata. A now earlier than the stored value
// is ignored so the timestamp never regresses on replays.
func (m *SyncMeta) Stamp(now time.Time, userID string) {
	if now.After(m.LastModifiedAt) {
		m.LastModifiedAt = now.UTC()
	}
	m.ModifiedByID = userID
	m.SyncStatus = SyncPending
}

func (m *SyncMeta) LastModified() time.Time { return m.LastModifiedAt }

func (m *SyncMeta) ModifiedBy() string { return m.ModifiedByID }

func (m *SyncMeta) SyncState() SyncStatus { return m.SyncStatus }

func (m *SyncMeta) SetSyncState(status SyncStatus) { m.SyncStatus = status }
