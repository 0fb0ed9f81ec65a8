package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
	"github.com/clinsync/clinsync/internal/transport"
)

// Engine drives replication: it pushes queued local mutations, pulls remote
// changes, and routes divergence through the resolver. One cycle runs at a
// time; a concurrent SyncNow fails fast with ErrSyncInProgress.
type Engine struct {
	store    store.Store
	remote   transport.Remote
	queue    *Queue
	resolver *Resolver
	clock    store.Clock
	logger   *events.Logger

	batchSize int

	mu      stdsync.Mutex
	syncing bool
}

// NewEngine creates a sync engine.
func NewEngine(s store.Store, remote transport.Remote, queue *Queue, resolver *Resolver, clock store.Clock, batchSize int, logger *events.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{
		store:     s,
		remote:    remote,
		queue:     queue,
		resolver:  resolver,
		clock:     clock,
		batchSize: batchSize,
		logger:    logger.WithField("component", "sync_engine"),
	}
}

// SyncNow runs one push-then-pull cycle.
func (e *Engine) SyncNow(ctx context.Context) (*models.SyncResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	started := e.clock()
	e.logger.Info("Sync cycle started")

	result := &models.SyncResult{}

	pushResult, err := e.push(ctx)
	if err != nil {
		return nil, err
	}
	result.Push = *pushResult

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pullResult, err := e.pull(ctx)
	if err != nil {
		return nil, err
	}
	result.Pull = *pullResult

	result.Duration = e.clock().Sub(started)
	e.logger.WithFields(map[string]interface{}{
		"pushed":    result.Push.SuccessCount,
		"pulled":    result.Pull.AppliedCount,
		"conflicts": result.Push.ConflictCount + result.Pull.ConflictCount,
		"duration":  result.Duration,
	}).Info("Sync cycle finished")

	return result, nil
}

// Push sends queued local mutations without pulling.
func (e *Engine) Push(ctx context.Context) (*models.PushResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	return e.push(ctx)
}

// Pull fetches and applies remote changes without pushing.
func (e *Engine) Pull(ctx context.Context) (*models.PullResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	return e.pull(ctx)
}

func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return models.ErrSyncInProgress
	}
	e.syncing = true
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

// push drains the outbox in FIFO batches until no claimable items remain.
func (e *Engine) push(ctx context.Context) (*models.PushResult, error) {
	result := &models.PushResult{}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		items, err := e.store.ClaimQueueItems(ctx, e.batchSize, e.clock())
		if err != nil {
			return result, fmt.Errorf("claim queue items: %w", err)
		}
		if len(items) == 0 {
			return result, nil
		}

		requeued, err := e.pushBatch(ctx, items, result)
		if err != nil {
			return result, err
		}
		// Reasserted conflict items wait for the next cycle so a
		// standing conflict cannot spin the drain loop.
		if requeued > 0 {
			return result, nil
		}
	}
}

func (e *Engine) pushBatch(ctx context.Context, items []*models.SyncQueueItem, result *models.PushResult) (int, error) {
	ops := make([]models.PushOperation, 0, len(items))
	opItems := make([]*models.SyncQueueItem, 0, len(items))

	for _, item := range items {
		op, err := e.buildOperation(ctx, item)
		if err != nil {
			// The entity vanished between enqueue and claim. A delete
			// still pushes; anything else is cancelled as stale.
			if errors.Is(err, models.ErrNotFound) {
				if cancelErr := e.store.CancelQueueItem(ctx, item.ID); cancelErr != nil {
					return 0, fmt.Errorf("cancel stale item %s: %w", item.ID, cancelErr)
				}
				continue
			}
			return 0, fmt.Errorf("build push operation %s: %w", item.ID, err)
		}
		ops = append(ops, op)
		opItems = append(opItems, item)
	}

	if len(ops) == 0 {
		return 0, nil
	}

	result.TotalPushed += len(ops)

	outcomes, err := e.remote.Push(ctx, ops)
	if err != nil {
		// The batch never reached a verdict. Every claimed item records
		// a failed attempt so retry accounting stays per item.
		for _, item := range opItems {
			if failErr := e.store.FailQueueItem(ctx, item.ID, err.Error(), e.clock()); failErr != nil {
				return 0, fmt.Errorf("record push failure for %s: %w", item.ID, failErr)
			}
		}
		result.FailureCount += len(opItems)
		result.Errors = append(result.Errors, err)
		e.logger.WithError(err).Warn("Push batch failed")
		return 0, nil
	}

	requeued := 0
	for i, outcome := range outcomes {
		n, err := e.settleOutcome(ctx, opItems[i], ops[i], outcome, result)
		if err != nil {
			return requeued, err
		}
		requeued += n
	}
	return requeued, nil
}

// buildOperation loads the entity's current state for the wire. Deletes
// carry no snapshot.
func (e *Engine) buildOperation(ctx context.Context, item *models.SyncQueueItem) (models.PushOperation, error) {
	op := models.PushOperation{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
	}

	if item.Operation == models.OpDelete {
		op.LastModifiedAt = item.EnqueuedAt
		return op, nil
	}

	note, err := e.store.GetNote(ctx, item.EntityID)
	if err != nil {
		return models.PushOperation{}, err
	}

	snapshot, err := note.Snapshot()
	if err != nil {
		return models.PushOperation{}, fmt.Errorf("snapshot %s: %w", note.ID, err)
	}

	op.Snapshot = snapshot
	op.LastModifiedAt = note.LastModified()
	op.ModifiedBy = note.ModifiedBy()
	// A reasserted conflict winner is requeued after the version it beat,
	// so the enqueue time must supersede the remote's timestamp.
	if item.EnqueuedAt.After(op.LastModifiedAt) {
		op.LastModifiedAt = item.EnqueuedAt
	}
	return op, nil
}

func (e *Engine) settleOutcome(ctx context.Context, item *models.SyncQueueItem, op models.PushOperation, outcome models.PushOutcome, result *models.PushResult) (int, error) {
	switch outcome.Status {
	case models.PushAccepted:
		if err := e.store.CompleteQueueItem(ctx, item.ID); err != nil {
			return 0, fmt.Errorf("complete item %s: %w", item.ID, err)
		}
		if op.Operation != models.OpDelete {
			if err := e.store.SetNoteSyncState(ctx, item.EntityID, models.SyncSynced); err != nil && !errors.Is(err, models.ErrNotFound) {
				return 0, fmt.Errorf("mark %s synced: %w", item.EntityID, err)
			}
		}
		result.SuccessCount++
		return 0, nil

	case models.PushConflict:
		return e.settleConflict(ctx, item, outcome, result)

	case models.PushRejected:
		if err := e.store.FailQueueItem(ctx, item.ID, outcome.Message, e.clock()); err != nil {
			return 0, fmt.Errorf("record rejection for %s: %w", item.ID, err)
		}
		result.FailureCount++
		result.Errors = append(result.Errors,
			models.PermanentSyncError("push", item.EntityType, item.EntityID, errors.New(outcome.Message)))
		return 0, nil

	default:
		return 0, models.PermanentSyncError("push", item.EntityType, item.EntityID,
			fmt.Errorf("unknown push outcome %q", outcome.Status))
	}
}

// settleConflict routes a push conflict through the resolver. When the
// remote wins the queued mutation is withdrawn; when the local side wins
// it is re-queued with a fresh timestamp so the next push reasserts it.
func (e *Engine) settleConflict(ctx context.Context, item *models.SyncQueueItem, outcome models.PushOutcome, result *models.PushResult) (int, error) {
	if outcome.RemoteVersion == nil {
		return 0, models.PermanentSyncError("push", item.EntityType, item.EntityID,
			errors.New("conflict outcome without remote version"))
	}

	local, err := e.store.GetNote(ctx, item.EntityID)
	if err != nil {
		return 0, fmt.Errorf("load conflicted note %s: %w", item.EntityID, err)
	}

	summary, err := e.resolver.Resolve(ctx, local, outcome.RemoteVersion)
	if err != nil {
		return 0, err
	}

	result.ConflictCount++
	result.Conflicts = append(result.Conflicts, *summary)

	if summary.Resolution == models.ResolutionServerWins {
		// Local mutation superseded. The winning remote version is
		// already committed by the resolver.
		if err := e.store.CancelQueueItem(ctx, item.ID); err != nil {
			return 0, fmt.Errorf("withdraw superseded item %s: %w", item.ID, err)
		}
		return 0, nil
	}

	if err := e.store.CompleteQueueItem(ctx, item.ID); err != nil {
		return 0, fmt.Errorf("complete item %s: %w", item.ID, err)
	}
	if err := e.store.UpsertQueueItem(ctx, item.EntityType, item.EntityID, item.Operation, e.clock()); err != nil {
		return 0, fmt.Errorf("requeue %s: %w", item.EntityID, err)
	}
	return 1, nil
}

// pull fetches remote changes since the stored watermark and applies them.
func (e *Engine) pull(ctx context.Context) (*models.PullResult, error) {
	result := &models.PullResult{}

	since, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return result, fmt.Errorf("load sync watermark: %w", err)
	}

	changes, err := e.remote.Pull(ctx, since)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result, err
	}

	result.TotalPulled = len(changes)

	var watermark time.Time
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.applyChange(ctx, change, result); err != nil {
			return result, err
		}
		if change.LastModifiedAt.After(watermark) {
			watermark = change.LastModifiedAt
		}
	}

	if !watermark.IsZero() {
		if err := e.store.SetLastSyncAt(ctx, watermark); err != nil {
			return result, fmt.Errorf("advance sync watermark: %w", err)
		}
	}
	return result, nil
}

// applyChange integrates one remote change. A change against untouched
// local state fast-forwards; anything against local edits, a signature or
// a lock goes through the resolver.
func (e *Engine) applyChange(ctx context.Context, change models.ChangeRecord, result *models.PullResult) error {
	local, err := e.store.GetNote(ctx, change.EntityID)
	if errors.Is(err, models.ErrNotFound) {
		if change.Operation == models.OpDelete {
			result.SkippedCount++
			return nil
		}
		winner, err := decodeRemoteNote(&change)
		if err != nil {
			return err
		}
		if err := e.store.SaveNote(ctx, winner); err != nil {
			return fmt.Errorf("apply remote create %s: %w", change.EntityID, err)
		}
		result.AppliedCount++
		return nil
	}
	if err != nil {
		return fmt.Errorf("load note %s: %w", change.EntityID, err)
	}

	diverged := local.SyncState() != models.SyncSynced || local.IsSigned() || local.Locked()
	if diverged {
		summary, err := e.resolver.Resolve(ctx, local, &change)
		if err != nil {
			return err
		}
		result.ConflictCount++
		result.Conflicts = append(result.Conflicts, *summary)
		if summary.Resolution == models.ResolutionServerWins {
			result.AppliedCount++
		} else {
			result.SkippedCount++
		}
		return nil
	}

	// Replays of changes this device already holds are skipped.
	if !change.LastModifiedAt.After(local.LastModified()) {
		result.SkippedCount++
		return nil
	}

	if change.Operation == models.OpDelete {
		if err := e.store.DeleteNote(ctx, change.EntityID); err != nil {
			return fmt.Errorf("apply remote delete %s: %w", change.EntityID, err)
		}
		result.AppliedCount++
		return nil
	}

	winner, err := decodeRemoteNote(&change)
	if err != nil {
		return err
	}
	if err := e.store.SaveNote(ctx, winner); err != nil {
		return fmt.Errorf("apply remote update %s: %w", change.EntityID, err)
	}
	result.AppliedCount++
	return nil
}

// Watch applies the live change feed until the context ends. Each record
// goes through the same apply path as pull, under the cycle guard so a
// concurrent SyncNow and the feed never interleave writes.
func (e *Engine) Watch(ctx context.Context) error {
	feed, err := e.remote.Watch(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("Watching remote change feed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-feed:
			if !ok {
				return nil
			}
			if err := e.applyLive(ctx, change); err != nil {
				e.logger.WithError(err).WithField("entity_id", change.EntityID).Warn("Live change not applied")
			}
		}
	}
}

func (e *Engine) applyLive(ctx context.Context, change models.ChangeRecord) error {
	if err := e.acquire(); err != nil {
		// A sync cycle is running; it will pull this change itself.
		return nil
	}
	defer e.release()

	var result models.PullResult
	if err := e.applyChange(ctx, change, &result); err != nil {
		return err
	}
	if !change.LastModifiedAt.IsZero() {
		current, err := e.store.LastSyncAt(ctx)
		if err == nil && change.LastModifiedAt.After(current) {
			return e.store.SetLastSyncAt(ctx, change.LastModifiedAt)
		}
	}
	return nil
}
