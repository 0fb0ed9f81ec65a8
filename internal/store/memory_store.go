package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinsync/clinsync/internal/models"
)

// MemoryStore is an in-memory Store for tests. Behavior mirrors the SQLite
// store, including the write guards and atomic resolution semantics.
type MemoryStore struct {
	mu              sync.RWMutex
	notes           map[string]*models.ClinicalNote
	addenda         map[string][]*models.Addendum
	queue           map[string]*models.SyncQueueItem
	conflicts       []*models.ConflictRecord
	lastSyncAt      time.Time
	queueMaxRetries int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes:           make(map[string]*models.ClinicalNote),
		addenda:         make(map[string][]*models.Addendum),
		queue:           make(map[string]*models.SyncQueueItem),
		queueMaxRetries: models.DefaultMaxRetries,
	}
}

// SetQueueMaxRetries overrides the retry bound stamped onto new queue items.
func (m *MemoryStore) SetQueueMaxRetries(n int) {
	if n > 0 {
		m.mu.Lock()
		m.queueMaxRetries = n
		m.mu.Unlock()
	}
}

func (m *MemoryStore) GetNote(_ context.Context, id string) (*models.ClinicalNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	note, ok := m.notes[id]
	if !ok {
		return nil, &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}
	return note.Clone(), nil
}

func (m *MemoryStore) SaveNote(_ context.Context, note *models.ClinicalNote) error {
	if err := note.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.guardWritable(note.ID); err != nil {
		return err
	}
	m.notes[note.ID] = note.Clone()
	return nil
}

func (m *MemoryStore) guardWritable(id string) error {
	existing, ok := m.notes[id]
	if !ok {
		return nil
	}
	if existing.IsSigned() {
		return &models.ImmutableViolationError{
			EntityType: "clinical_note",
			EntityID:   id,
			SignedBy:   existing.SignedBy,
			SignedAt:   existing.SignedAt,
		}
	}
	if existing.IsLocked {
		return &models.LockedViolationError{EntityType: "clinical_note", EntityID: id}
	}
	return nil
}

func (m *MemoryStore) DeleteNote(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notes[id]; !ok {
		return &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}
	if err := m.guardWritable(id); err != nil {
		return err
	}
	delete(m.notes, id)
	return nil
}

func (m *MemoryStore) ListPatientNotes(_ context.Context, patientID string) ([]*models.ClinicalNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var notes []*models.ClinicalNote
	for _, n := range m.notes {
		if n.PatientID == patientID {
			notes = append(notes, n.Clone())
		}
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].ServiceDate.Equal(notes[j].ServiceDate) {
			return notes[i].ID < notes[j].ID
		}
		return notes[i].ServiceDate.Before(notes[j].ServiceDate)
	})
	return notes, nil
}

func (m *MemoryStore) SetNoteSyncState(_ context.Context, id string, status models.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	note, ok := m.notes[id]
	if !ok {
		return &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}
	note.SyncStatus = status
	return nil
}

func (m *MemoryStore) MarkSigned(_ context.Context, id, hash string, signedAt time.Time, signedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	note, ok := m.notes[id]
	if !ok {
		return &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}
	if note.IsSigned() {
		return models.ErrAlreadySigned
	}
	note.SignatureHash = hash
	note.SignedAt = signedAt.UTC()
	note.SignedBy = signedBy
	return nil
}

func (m *MemoryStore) SaveAddendum(_ context.Context, a *models.Addendum) error {
	if err := a.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	clone := *a
	m.addenda[a.NoteID] = append(m.addenda[a.NoteID], &clone)
	return nil
}

func (m *MemoryStore) ListAddenda(_ context.Context, noteID string) ([]*models.Addendum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Addendum
	for _, a := range m.addenda[noteID] {
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpsertQueueItem(_ context.Context, entityType, entityID string, op models.Operation, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.queue {
		if item.EntityType == entityType && item.EntityID == entityID && item.Status == models.ItemPending {
			item.MergeOperation(op)
			item.EnqueuedAt = now.UTC()
			return nil
		}
	}

	item := &models.SyncQueueItem{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Status:     models.ItemPending,
		MaxRetries: m.queueMaxRetries,
		EnqueuedAt: now.UTC(),
	}
	if err := item.Validate(); err != nil {
		return err
	}
	m.queue[item.ID] = item
	return nil
}

func (m *MemoryStore) ClaimQueueItems(_ context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimable []*models.SyncQueueItem
	for _, item := range m.queue {
		if item.Status == models.ItemPending || item.Retriable() {
			claimable = append(claimable, item)
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		if claimable[i].EnqueuedAt.Equal(claimable[j].EnqueuedAt) {
			return claimable[i].ID < claimable[j].ID
		}
		return claimable[i].EnqueuedAt.Before(claimable[j].EnqueuedAt)
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	out := make([]*models.SyncQueueItem, 0, len(claimable))
	for _, item := range claimable {
		item.Status = models.ItemProcessing
		item.LastAttemptAt = now.UTC()
		clone := *item
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) CompleteQueueItem(_ context.Context, id string) error {
	return m.setQueueStatus(id, models.ItemCompleted)
}

func (m *MemoryStore) CancelQueueItem(_ context.Context, id string) error {
	return m.setQueueStatus(id, models.ItemCancelled)
}

func (m *MemoryStore) setQueueStatus(id string, status models.QueueItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.queue[id]
	if !ok {
		return &models.NotFoundError{EntityType: "sync_queue_item", EntityID: id}
	}
	item.Status = status
	return nil
}

func (m *MemoryStore) FailQueueItem(_ context.Context, id, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.queue[id]
	if !ok {
		return &models.NotFoundError{EntityType: "sync_queue_item", EntityID: id}
	}
	item.Status = models.ItemFailed
	item.RetryCount++
	item.LastAttemptAt = now.UTC()
	item.ErrorMessage = errMsg
	return nil
}

func (m *MemoryStore) ResetFailedItems(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, item := range m.queue {
		if item.Exhausted() {
			item.Status = models.ItemPending
			item.RetryCount = 0
			item.ErrorMessage = ""
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ResetFailedItem(_ context.Context, entityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.queue {
		if item.EntityType == entityType && item.EntityID == entityID && item.Status == models.ItemFailed {
			item.Status = models.ItemPending
			item.RetryCount = 0
			item.ErrorMessage = ""
			return nil
		}
	}
	return &models.NotFoundError{EntityType: "sync_queue_item", EntityID: entityID}
}

func (m *MemoryStore) QueueStatus(_ context.Context) (*models.QueueStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &models.QueueStatus{LastSyncAt: m.lastSyncAt}
	for _, item := range m.queue {
		switch item.Status {
		case models.ItemPending:
			status.PendingCount++
			if status.OldestPendingAt.IsZero() || item.EnqueuedAt.Before(status.OldestPendingAt) {
				status.OldestPendingAt = item.EnqueuedAt
			}
		case models.ItemProcessing:
			status.ProcessingCount++
		case models.ItemFailed:
			status.FailedCount++
		}
	}
	return status, nil
}

func (m *MemoryStore) ApplyResolution(_ context.Context, record *models.ConflictRecord, winner *models.ClinicalNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	clone := *record
	m.conflicts = append(m.conflicts, &clone)

	if winner != nil {
		m.notes[winner.ID] = winner.Clone()
	}
	return nil
}

func (m *MemoryStore) ListUnresolvedConflicts(_ context.Context) ([]*models.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ConflictRecord
	for _, r := range m.conflicts {
		if !r.IsResolved {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkConflictResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.conflicts {
		if r.ID == id {
			r.IsResolved = true
			return nil
		}
	}
	return &models.NotFoundError{EntityType: "conflict_record", EntityID: id}
}

// Conflicts returns all archive rows, resolved or not. Test helper.
func (m *MemoryStore) Conflicts() []*models.ConflictRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ConflictRecord, 0, len(m.conflicts))
	for _, r := range m.conflicts {
		clone := *r
		out = append(out, &clone)
	}
	return out
}

// QueueItems returns all queue rows. Test helper.
func (m *MemoryStore) QueueItems() []*models.SyncQueueItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.SyncQueueItem, 0, len(m.queue))
	for _, item := range m.queue {
		clone := *item
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func (m *MemoryStore) LastSyncAt(_ context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSyncAt, nil
}

func (m *MemoryStore) SetLastSyncAt(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSyncAt = t.UTC()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
