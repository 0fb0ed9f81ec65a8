// Package sync implements the offline-first replication core: the durable
// outbox queue, push and pull against the remote, and deterministic conflict
// resolution with an append-only archive.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
)

// Resolver settles divergence between a local note and a remote version.
// The decision order is fixed: a signed local version always wins, then a
// locked one, then the newer timestamp with the remote winning ties. The
// losing version is archived in the same transaction that commits the
// winner, so resolution never destroys data.
type Resolver struct {
	store  store.Store
	clock  store.Clock
	audit  events.AuditSink
	logger *events.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(s store.Store, clock store.Clock, audit events.AuditSink, logger *events.Logger) *Resolver {
	return &Resolver{
		store:  s,
		clock:  clock,
		audit:  audit,
		logger: logger.WithField("component", "resolver"),
	}
}

// Resolve settles one local-versus-remote divergence and returns the
// resolution summary. Callers only invoke it when both sides changed; a
// clean fast-forward is not a conflict.
func (r *Resolver) Resolve(ctx context.Context, local *models.ClinicalNote, remote *models.ChangeRecord) (*models.ConflictSummary, error) {
	switch {
	case local.IsSigned():
		_, signedAt, signedBy := local.SignatureInfo()
		reason := fmt.Sprintf("local version signed by %s at %s", signedBy, signedAt.UTC().Format("2006-01-02T15:04:05Z"))
		return r.keepLocal(ctx, local, remote, models.ResolutionRejectedImmutable, reason)

	case local.Locked():
		return r.keepLocal(ctx, local, remote, models.ResolutionRejectedLocked, "local version locked by downstream use")

	case remote.LastModifiedAt.Before(local.LastModified()):
		reason := fmt.Sprintf("local modified %s, remote %s",
			local.LastModified().UTC().Format("2006-01-02T15:04:05Z"),
			remote.LastModifiedAt.UTC().Format("2006-01-02T15:04:05Z"))
		return r.keepLocal(ctx, local, remote, models.ResolutionLocalWins, reason)

	default:
		// Remote is newer, or the timestamps tie. Ties go to the remote
		// so every device converges on the same version.
		return r.takeRemote(ctx, local, remote)
	}
}

// keepLocal archives the remote version and leaves the stored local note
// untouched. The local mutation stays queued so the next push reasserts it.
func (r *Resolver) keepLocal(ctx context.Context, local *models.ClinicalNote, remote *models.ChangeRecord, resolution models.ResolutionType, reason string) (*models.ConflictSummary, error) {
	localSnapshot, err := local.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot local note %s: %w", local.ID, err)
	}

	record := r.newRecord(local, remote, resolution, reason)
	record.Archived = models.VersionSnapshot{
		Content:        remote.Snapshot,
		LastModifiedAt: remote.LastModifiedAt,
		ModifiedBy:     remote.ModifiedBy,
	}
	record.Chosen = models.VersionSnapshot{
		Content:        localSnapshot,
		LastModifiedAt: local.LastModified(),
		ModifiedBy:     local.ModifiedBy(),
	}

	if err := r.store.ApplyResolution(ctx, record, nil); err != nil {
		return nil, fmt.Errorf("archive remote version of %s: %w", local.ID, err)
	}

	return r.finish(ctx, record)
}

// takeRemote commits the remote version and archives the local one in a
// single transaction. A remote delete removes the local note after its
// snapshot is archived.
func (r *Resolver) takeRemote(ctx context.Context, local *models.ClinicalNote, remote *models.ChangeRecord) (*models.ConflictSummary, error) {
	localSnapshot, err := local.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot local note %s: %w", local.ID, err)
	}

	record := r.newRecord(local, remote, models.ResolutionServerWins, "remote version is newer or equal")
	record.Archived = models.VersionSnapshot{
		Content:        localSnapshot,
		LastModifiedAt: local.LastModified(),
		ModifiedBy:     local.ModifiedBy(),
	}
	record.Chosen = models.VersionSnapshot{
		Content:        remote.Snapshot,
		LastModifiedAt: remote.LastModifiedAt,
		ModifiedBy:     remote.ModifiedBy,
	}

	if remote.Operation == models.OpDelete {
		if err := r.store.ApplyResolution(ctx, record, nil); err != nil {
			return nil, fmt.Errorf("archive local version of %s: %w", local.ID, err)
		}
		if err := r.store.DeleteNote(ctx, local.ID); err != nil {
			return nil, fmt.Errorf("apply remote delete of %s: %w", local.ID, err)
		}
		return r.finish(ctx, record)
	}

	winner, err := decodeRemoteNote(remote)
	if err != nil {
		return nil, err
	}

	if err := r.store.ApplyResolution(ctx, record, winner); err != nil {
		return nil, fmt.Errorf("commit remote version of %s: %w", local.ID, err)
	}

	return r.finish(ctx, record)
}

func (r *Resolver) newRecord(local *models.ClinicalNote, remote *models.ChangeRecord, resolution models.ResolutionType, reason string) *models.ConflictRecord {
	return &models.ConflictRecord{
		ID:         uuid.New().String(),
		EntityType: remote.EntityType,
		EntityID:   local.ID,
		DetectedAt: r.clock(),
		Resolution: resolution,
		Reason:     reason,
	}
}

func (r *Resolver) finish(ctx context.Context, record *models.ConflictRecord) (*models.ConflictSummary, error) {
	r.logger.WithFields(map[string]interface{}{
		"entity_id":  record.EntityID,
		"resolution": record.Resolution,
	}).Info("Conflict resolved")

	event := events.NewAuditEvent(ctx, events.AuditConflict, record.EntityType, record.EntityID, "", string(record.Resolution))
	event.Detail = map[string]any{"reason": record.Reason, "conflict_id": record.ID}
	if err := r.audit.Record(ctx, event); err != nil {
		r.logger.WithError(err).Warn("Audit sink rejected conflict event")
	}

	return &models.ConflictSummary{
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Resolution: record.Resolution,
		Reason:     record.Reason,
	}, nil
}

// decodeRemoteNote rebuilds a note from a remote snapshot and marks it
// synced, since it now matches the server.
func decodeRemoteNote(remote *models.ChangeRecord) (*models.ClinicalNote, error) {
	var note models.ClinicalNote
	if err := json.Unmarshal(remote.Snapshot, &note); err != nil {
		return nil, models.PermanentSyncError("pull", remote.EntityType, remote.EntityID,
			fmt.Errorf("decode remote snapshot: %w", err))
	}
	if note.ID == "" {
		note.ID = remote.EntityID
	}
	note.LastModifiedAt = remote.LastModifiedAt
	note.ModifiedByID = remote.ModifiedBy
	note.SyncStatus = models.SyncSynced
	return &note, nil
}
