package store

import (
	"context"
	"time"

	"github.com/clinsync/clinsync/internal/models"
)

// Clock supplies the current time. The core never reads the ambient clock;
// callers inject one so determinism and tests stay straightforward.
type Clock func() time.Time

// UTCClock returns wall-clock time in UTC.
func UTCClock() time.Time {
	return time.Now().UTC()
}

// Store is the persistence collaborator: transactional CRUD over notes,
// addenda, the outbox queue, and the conflict archive. Compound writes
// (resolution + archive row, signature stamp) commit in one transaction so
// a crash never leaves them half-applied.
type Store interface {
	// Clinical notes
	GetNote(ctx context.Context, id string) (*models.ClinicalNote, error)
	// SaveNote writes note content. It fails with ImmutableViolationError
	// when the stored version is signed and LockedViolationError when it
	// is locked; sync metadata updates go through SetNoteSyncState.
	SaveNote(ctx context.Context, note *models.ClinicalNote) error
	DeleteNote(ctx context.Context, id string) error
	// ListPatientNotes returns a patient's notes ordered by date of
	// service, oldest first.
	ListPatientNotes(ctx context.Context, patientID string) ([]*models.ClinicalNote, error)
	SetNoteSyncState(ctx context.Context, id string, status models.SyncStatus) error
	// MarkSigned stamps hash, timestamp and signer atomically. It fails
	// with ErrAlreadySigned when a signature is present.
	MarkSigned(ctx context.Context, id, hash string, signedAt time.Time, signedBy string) error

	// Addenda
	SaveAddendum(ctx context.Context, addendum *models.Addendum) error
	ListAddenda(ctx context.Context, noteID string) ([]*models.Addendum, error)

	// Outbox queue
	// UpsertQueueItem merges into the existing pending item for the same
	// entity, keeping at most one pending row per (entity type, id).
	UpsertQueueItem(ctx context.Context, entityType, entityID string, op models.Operation, now time.Time) error
	// ClaimQueueItems moves pending and retriable failed items to
	// processing, FIFO by enqueue time, and returns them.
	ClaimQueueItems(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error)
	CompleteQueueItem(ctx context.Context, id string) error
	// FailQueueItem records an attempt failure and increments the retry
	// count. Exhausted items stay failed until an explicit reset.
	FailQueueItem(ctx context.Context, id, errMsg string, now time.Time) error
	CancelQueueItem(ctx context.Context, id string) error
	// ResetFailedItems returns exhausted items to pending with a cleared
	// retry count. Operator action, never called by the engine.
	ResetFailedItems(ctx context.Context) (int, error)
	// ResetFailedItem resets one entity's exhausted item. Fails with
	// NotFoundError when the entity has no exhausted item.
	ResetFailedItem(ctx context.Context, entityType, entityID string) error
	QueueStatus(ctx context.Context) (*models.QueueStatus, error)

	// Conflict archive
	// ApplyResolution writes the archive row and, when winner is non-nil,
	// commits the winning version in the same transaction.
	ApplyResolution(ctx context.Context, record *models.ConflictRecord, winner *models.ClinicalNote) error
	ListUnresolvedConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id string) error

	// Sync bookkeeping
	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, t time.Time) error

	Close() error
}
