package sync

import (
	"context"
	"fmt"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
)

// Queue is the caller-facing outbox surface. Enqueue is idempotent per
// entity: repeated local edits collapse into one pending item.
type Queue struct {
	store  store.Store
	clock  store.Clock
	audit  events.AuditSink
	logger *events.Logger
}

// NewQueue creates the outbox service.
func NewQueue(s store.Store, clock store.Clock, audit events.AuditSink, logger *events.Logger) *Queue {
	return &Queue{
		store:  s,
		clock:  clock,
		audit:  audit,
		logger: logger.WithField("component", "queue"),
	}
}

// Enqueue records a local mutation for the next push. An existing pending
// item for the same entity absorbs the new operation instead of producing
// a duplicate.
func (q *Queue) Enqueue(ctx context.Context, entity models.SyncTracked, op models.Operation) error {
	now := q.clock()
	if err := q.store.UpsertQueueItem(ctx, entity.EntityType(), entity.EntityID(), op, now); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", entity.EntityType(), entity.EntityID(), err)
	}

	q.logger.WithFields(map[string]interface{}{
		"entity_type": entity.EntityType(),
		"entity_id":   entity.EntityID(),
		"operation":   op,
	}).Debug("Mutation queued")
	return nil
}

// Status reports outbox depth, failures and the last completed sync.
func (q *Queue) Status(ctx context.Context) (*models.QueueStatus, error) {
	status, err := q.store.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, err := q.store.LastSyncAt(ctx)
	if err != nil {
		return nil, err
	}
	status.LastSyncAt = lastSync
	return status, nil
}

// ResetFailed returns terminally failed items to pending. This is an
// operator action and is audited as such.
func (q *Queue) ResetFailed(ctx context.Context, userID string) (int, error) {
	count, err := q.store.ResetFailedItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}

	if count > 0 {
		event := events.NewAuditEvent(ctx, events.AuditQueueReset, "sync_queue", "", userID, "reset")
		event.Detail = map[string]any{"items": count}
		if err := q.audit.Record(ctx, event); err != nil {
			q.logger.WithError(err).Warn("Audit sink rejected reset event")
		}
		q.logger.WithField("items", count).Info("Failed queue items reset")
	}
	return count, nil
}

// ResetFailedEntity returns one entity's terminally failed item to pending.
func (q *Queue) ResetFailedEntity(ctx context.Context, entityType, entityID, userID string) error {
	if err := q.store.ResetFailedItem(ctx, entityType, entityID); err != nil {
		return fmt.Errorf("reset failed item for %s %s: %w", entityType, entityID, err)
	}

	event := events.NewAuditEvent(ctx, events.AuditQueueReset, entityType, entityID, userID, "reset")
	if err := q.audit.Record(ctx, event); err != nil {
		q.logger.WithError(err).Warn("Audit sink rejected reset event")
	}
	q.logger.WithFields(map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
	}).Info("Failed queue item reset")
	return nil
}

// Cancel withdraws a queued mutation before it is pushed.
func (q *Queue) Cancel(ctx context.Context, itemID string) error {
	return q.store.CancelQueueItem(ctx, itemID)
}
