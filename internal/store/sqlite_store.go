package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
)

// SQLiteStore implements Store on a single SQLite database holding notes,
// addenda, the outbox queue, and the conflict archive.
type SQLiteStore struct {
	db              *sql.DB
	logger          *events.Logger
	queueMaxRetries int
}

// SetQueueMaxRetries overrides the retry bound stamped onto new queue items.
func (s *SQLiteStore) SetQueueMaxRetries(n int) {
	if n > 0 {
		s.queueMaxRetries = n
	}
}

// NewSQLiteStore opens (and if needed creates) the database.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{
		db:              db,
		logger:          logger.WithField("component", "sqlite_store"),
		queueMaxRetries: models.DefaultMaxRetries,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS clinical_notes (
        id TEXT PRIMARY KEY,
        patient_id TEXT NOT NULL,
        therapist_id TEXT NOT NULL,
        note_type TEXT NOT NULL,
        service_date TIMESTAMP NOT NULL,
        subjective TEXT NOT NULL DEFAULT '',
        objective TEXT NOT NULL DEFAULT '',
        assessment TEXT NOT NULL DEFAULT '',
        plan TEXT NOT NULL DEFAULT '',
        visit_minutes INTEGER NOT NULL DEFAULT 0,
        billed_units INTEGER NOT NULL DEFAULT 0,
        is_locked INTEGER NOT NULL DEFAULT 0,
        signature_hash TEXT,
        signed_at TIMESTAMP,
        signed_by TEXT,
        last_modified_at TIMESTAMP NOT NULL,
        modified_by TEXT NOT NULL DEFAULT '',
        sync_status TEXT NOT NULL DEFAULT 'pending'
    );

    CREATE INDEX IF NOT EXISTS idx_notes_patient
        ON clinical_notes(patient_id, service_date);

    CREATE TABLE IF NOT EXISTS addenda (
        id TEXT PRIMARY KEY,
        note_id TEXT NOT NULL REFERENCES clinical_notes(id),
        content TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        created_by TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_addenda_note ON addenda(note_id);

    CREATE TABLE IF NOT EXISTS sync_queue (
        id TEXT PRIMARY KEY,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        operation TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        retry_count INTEGER NOT NULL DEFAULT 0,
        max_retries INTEGER NOT NULL DEFAULT 3,
        enqueued_at TIMESTAMP NOT NULL,
        last_attempt_at TIMESTAMP,
        error_message TEXT
    );

    CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_pending_entity
        ON sync_queue(entity_type, entity_id) WHERE status = 'pending';
    CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, enqueued_at);

    CREATE TABLE IF NOT EXISTS conflict_archive (
        id TEXT PRIMARY KEY,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        detected_at TIMESTAMP NOT NULL,
        resolution TEXT NOT NULL,
        reason TEXT NOT NULL,
        archived_content TEXT NOT NULL,
        archived_modified_at TIMESTAMP NOT NULL,
        archived_modified_by TEXT NOT NULL,
        chosen_content TEXT NOT NULL,
        chosen_modified_at TIMESTAMP NOT NULL,
        chosen_modified_by TEXT NOT NULL,
        is_resolved INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_archive_entity
        ON conflict_archive(entity_type, entity_id);

    CREATE TABLE IF NOT EXISTS sync_info (
        key TEXT PRIMARY KEY,
        value TIMESTAMP
    );
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// GetNote loads one note.
func (s *SQLiteStore) GetNote(ctx context.Context, id string) (*models.ClinicalNote, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, patient_id, therapist_id, note_type, service_date,
               subjective, objective, assessment, plan,
               visit_minutes, billed_units, is_locked,
               signature_hash, signed_at, signed_by,
               last_modified_at, modified_by, sync_status
        FROM clinical_notes WHERE id = ?`, id)

	note, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query note: %w", err)
	}
	return note, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row rowScanner) (*models.ClinicalNote, error) {
	var n models.ClinicalNote
	var sigHash, signedBy sql.NullString
	var signedAt sql.NullTime
	var locked int

	err := row.Scan(
		&n.ID, &n.PatientID, &n.TherapistID, &n.Type, &n.ServiceDate,
		&n.Subjective, &n.Objective, &n.Assessment, &n.Plan,
		&n.VisitMinutes, &n.BilledUnits, &locked,
		&sigHash, &signedAt, &signedBy,
		&n.LastModifiedAt, &n.ModifiedByID, &n.SyncStatus,
	)
	if err != nil {
		return nil, err
	}

	n.IsLocked = locked != 0
	if sigHash.Valid {
		n.SignatureHash = sigHash.String
	}
	if signedAt.Valid {
		n.SignedAt = signedAt.Time.UTC()
	}
	if signedBy.Valid {
		n.SignedBy = signedBy.String
	}
	n.ServiceDate = n.ServiceDate.UTC()
	n.LastModifiedAt = n.LastModifiedAt.UTC()
	return &n, nil
}

// SaveNote upserts note content, guarding signed and locked rows.
func (s *SQLiteStore) SaveNote(ctx context.Context, note *models.ClinicalNote) error {
	if err := note.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := guardNoteWritable(tx, note.ID); err != nil {
		return err
	}

	if err := upsertNote(tx, note); err != nil {
		return err
	}

	return tx.Commit()
}

// guardNoteWritable rejects content writes to signed or locked rows.
func guardNoteWritable(tx *sql.Tx, id string) error {
	var sigHash, signedBy sql.NullString
	var signedAt sql.NullTime
	var locked int

	err := tx.QueryRow(`
        SELECT signature_hash, signed_at, signed_by, is_locked
        FROM clinical_notes WHERE id = ?`, id).
		Scan(&sigHash, &signedAt, &signedBy, &locked)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query note guard: %w", err)
	}

	if sigHash.Valid && sigHash.String != "" {
		return &models.ImmutableViolationError{
			EntityType: "clinical_note",
			EntityID:   id,
			SignedBy:   signedBy.String,
			SignedAt:   signedAt.Time.UTC(),
		}
	}
	if locked != 0 {
		return &models.LockedViolationError{EntityType: "clinical_note", EntityID: id}
	}
	return nil
}

func upsertNote(tx *sql.Tx, n *models.ClinicalNote) error {
	_, err := tx.Exec(`
        INSERT INTO clinical_notes (
            id, patient_id, therapist_id, note_type, service_date,
            subjective, objective, assessment, plan,
            visit_minutes, billed_units, is_locked,
            signature_hash, signed_at, signed_by,
            last_modified_at, modified_by, sync_status
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            patient_id = excluded.patient_id,
            therapist_id = excluded.therapist_id,
            note_type = excluded.note_type,
            service_date = excluded.service_date,
            subjective = excluded.subjective,
            objective = excluded.objective,
            assessment = excluded.assessment,
            plan = excluded.plan,
            visit_minutes = excluded.visit_minutes,
            billed_units = excluded.billed_units,
            is_locked = excluded.is_locked,
            signature_hash = excluded.signature_hash,
            signed_at = excluded.signed_at,
            signed_by = excluded.signed_by,
            last_modified_at = excluded.last_modified_at,
            modified_by = excluded.modified_by,
            sync_status = excluded.sync_status
    `,
		n.ID, n.PatientID, n.TherapistID, n.Type, n.ServiceDate.UTC(),
		n.Subjective, n.Objective, n.Assessment, n.Plan,
		n.VisitMinutes, n.BilledUnits, boolToInt(n.IsLocked),
		nullString(n.SignatureHash), nullTime(n.SignedAt), nullString(n.SignedBy),
		n.LastModifiedAt.UTC(), n.ModifiedByID, n.SyncStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// DeleteNote removes a note, guarding signed and locked rows.
func (s *SQLiteStore) DeleteNote(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := guardNoteWritable(tx, id); err != nil {
		return err
	}

	res, err := tx.Exec("DELETE FROM clinical_notes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}

	return tx.Commit()
}

// ListPatientNotes returns a patient's notes ordered by date of service.
func (s *SQLiteStore) ListPatientNotes(ctx context.Context, patientID string) ([]*models.ClinicalNote, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, patient_id, therapist_id, note_type, service_date,
               subjective, objective, assessment, plan,
               visit_minutes, billed_units, is_locked,
               signature_hash, signed_at, signed_by,
               last_modified_at, modified_by, sync_status
        FROM clinical_notes
        WHERE patient_id = ?
        ORDER BY service_date ASC, id ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.ClinicalNote
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note row: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// SetNoteSyncState updates only the replication status.
func (s *SQLiteStore) SetNoteSyncState(ctx context.Context, id string, status models.SyncStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE clinical_notes SET sync_status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
	}
	return nil
}

// MarkSigned stamps the signature fields in one statement; the WHERE clause
// makes signing single-shot.
func (s *SQLiteStore) MarkSigned(ctx context.Context, id, hash string, signedAt time.Time, signedBy string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE clinical_notes
        SET signature_hash = ?, signed_at = ?, signed_by = ?
        WHERE id = ? AND signature_hash IS NULL`,
		hash, signedAt.UTC(), signedBy, id)
	if err != nil {
		return fmt.Errorf("mark signed: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already signed.
		var exists int
		err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM clinical_notes WHERE id = ?", id).Scan(&exists)
		if err == sql.ErrNoRows {
			return &models.NotFoundError{EntityType: "clinical_note", EntityID: id}
		}
		if err != nil {
			return fmt.Errorf("query note: %w", err)
		}
		return models.ErrAlreadySigned
	}
	return nil
}

// SaveAddendum appends an addendum row.
func (s *SQLiteStore) SaveAddendum(ctx context.Context, a *models.Addendum) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO addenda (id, note_id, content, created_at, created_by)
        VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.NoteID, a.Content, a.CreatedAt.UTC(), a.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert addendum: %w", err)
	}
	return nil
}

// ListAddenda returns a note's addenda, oldest first.
func (s *SQLiteStore) ListAddenda(ctx context.Context, noteID string) ([]*models.Addendum, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, note_id, content, created_at, created_by
        FROM addenda WHERE note_id = ?
        ORDER BY created_at ASC, id ASC`, noteID)
	if err != nil {
		return nil, fmt.Errorf("query addenda: %w", err)
	}
	defer rows.Close()

	var addenda []*models.Addendum
	for rows.Next() {
		var a models.Addendum
		if err := rows.Scan(&a.ID, &a.NoteID, &a.Content, &a.CreatedAt, &a.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan addendum row: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		addenda = append(addenda, &a)
	}
	return addenda, rows.Err()
}

// UpsertQueueItem merges into the pending item for the entity or inserts a
// fresh one.
func (s *SQLiteStore) UpsertQueueItem(ctx context.Context, entityType, entityID string, op models.Operation, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	var existing models.Operation
	err = tx.QueryRow(`
        SELECT id, operation FROM sync_queue
        WHERE entity_type = ? AND entity_id = ? AND status = 'pending'`,
		entityType, entityID).Scan(&id, &existing)

	switch {
	case err == sql.ErrNoRows:
		item := &models.SyncQueueItem{
			ID:         uuid.NewString(),
			EntityType: entityType,
			EntityID:   entityID,
			Operation:  op,
			Status:     models.ItemPending,
			MaxRetries: s.queueMaxRetries,
			EnqueuedAt: now.UTC(),
		}
		if err := item.Validate(); err != nil {
			return err
		}
		_, err = tx.Exec(`
            INSERT INTO sync_queue (id, entity_type, entity_id, operation, status,
                retry_count, max_retries, enqueued_at)
            VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			item.ID, item.EntityType, item.EntityID, item.Operation,
			item.Status, item.MaxRetries, item.EnqueuedAt)
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query pending item: %w", err)
	default:
		merged := &models.SyncQueueItem{Operation: existing}
		merged.MergeOperation(op)
		_, err = tx.Exec(`
            UPDATE sync_queue SET operation = ?, enqueued_at = ?
            WHERE id = ?`, merged.Operation, now.UTC(), id)
		if err != nil {
			return fmt.Errorf("merge queue item: %w", err)
		}
	}

	return tx.Commit()
}

// ClaimQueueItems transitions claimable items to processing and returns
// them FIFO by enqueue time.
func (s *SQLiteStore) ClaimQueueItems(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
        SELECT id, entity_type, entity_id, operation, status,
               retry_count, max_retries, enqueued_at, last_attempt_at, error_message
        FROM sync_queue
        WHERE status = 'pending'
           OR (status = 'failed' AND retry_count < max_retries)
        ORDER BY enqueued_at ASC, id ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query claimable items: %w", err)
	}

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	rows.Close()

	for _, item := range items {
		_, err := tx.Exec(`
            UPDATE sync_queue SET status = 'processing', last_attempt_at = ?
            WHERE id = ?`, now.UTC(), item.ID)
		if err != nil {
			return nil, fmt.Errorf("claim queue item: %w", err)
		}
		item.Status = models.ItemProcessing
		item.LastAttemptAt = now.UTC()
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var lastAttempt sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation,
		&item.Status, &item.RetryCount, &item.MaxRetries, &item.EnqueuedAt,
		&lastAttempt, &errMsg)
	if err != nil {
		return nil, err
	}

	item.EnqueuedAt = item.EnqueuedAt.UTC()
	if lastAttempt.Valid {
		item.LastAttemptAt = lastAttempt.Time.UTC()
	}
	if errMsg.Valid {
		item.ErrorMessage = errMsg.String
	}
	return &item, nil
}

// CompleteQueueItem marks a processing item done.
func (s *SQLiteStore) CompleteQueueItem(ctx context.Context, id string) error {
	return s.setQueueItemStatus(ctx, id, models.ItemCompleted)
}

// CancelQueueItem marks an item cancelled.
func (s *SQLiteStore) CancelQueueItem(ctx context.Context, id string) error {
	return s.setQueueItemStatus(ctx, id, models.ItemCancelled)
}

func (s *SQLiteStore) setQueueItemStatus(ctx context.Context, id string, status models.QueueItemStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{EntityType: "sync_queue_item", EntityID: id}
	}
	return nil
}

// FailQueueItem records a failed attempt.
func (s *SQLiteStore) FailQueueItem(ctx context.Context, id, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_queue
        SET status = 'failed', retry_count = retry_count + 1,
            last_attempt_at = ?, error_message = ?
        WHERE id = ?`, now.UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{EntityType: "sync_queue_item", EntityID: id}
	}
	return nil
}

// ResetFailedItems returns exhausted items to pending. Explicit operator
// action; the engine never calls it.
func (s *SQLiteStore) ResetFailedItems(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_queue
        SET status = 'pending', retry_count = 0, error_message = NULL
        WHERE status = 'failed' AND retry_count >= max_retries`)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetFailedItem resets a single entity's exhausted item to pending.
func (s *SQLiteStore) ResetFailedItem(ctx context.Context, entityType, entityID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_queue
        SET status = 'pending', retry_count = 0, error_message = NULL
        WHERE entity_type = ? AND entity_id = ? AND status = 'failed'`,
		entityType, entityID)
	if err != nil {
		return fmt.Errorf("reset failed item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{EntityType: "sync_queue_item", EntityID: entityID}
	}
	return nil
}

// QueueStatus summarizes the outbox.
func (s *SQLiteStore) QueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	status := &models.QueueStatus{}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("query queue counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.QueueItemStatus
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		switch st {
		case models.ItemPending:
			status.PendingCount = count
		case models.ItemProcessing:
			status.ProcessingCount = count
		case models.ItemFailed:
			status.FailedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		"SELECT enqueued_at FROM sync_queue WHERE status = 'pending' ORDER BY enqueued_at ASC LIMIT 1").Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query oldest pending: %w", err)
	}
	if oldest.Valid {
		status.OldestPendingAt = oldest.Time.UTC()
	}

	if lastSync, err := s.LastSyncAt(ctx); err == nil {
		status.LastSyncAt = lastSync
	}

	return status, nil
}

// ApplyResolution writes the archive row and commits the winner in one
// transaction. The archive row lands even when the local version stands.
func (s *SQLiteStore) ApplyResolution(ctx context.Context, record *models.ConflictRecord, winner *models.ClinicalNote) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	_, err = tx.Exec(`
        INSERT INTO conflict_archive (
            id, entity_type, entity_id, detected_at, resolution, reason,
            archived_content, archived_modified_at, archived_modified_by,
            chosen_content, chosen_modified_at, chosen_modified_by, is_resolved
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.EntityType, record.EntityID, record.DetectedAt.UTC(),
		record.Resolution, record.Reason,
		string(record.Archived.Content), record.Archived.LastModifiedAt.UTC(), record.Archived.ModifiedBy,
		string(record.Chosen.Content), record.Chosen.LastModifiedAt.UTC(), record.Chosen.ModifiedBy,
		boolToInt(record.IsResolved))
	if err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}

	if winner != nil {
		if err := upsertNote(tx, winner); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"entity_type": record.EntityType,
		"entity_id":   record.EntityID,
		"resolution":  record.Resolution,
	}).Info("Conflict archived")
	return nil
}

// ListUnresolvedConflicts returns archive rows flagged for manual review.
func (s *SQLiteStore) ListUnresolvedConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, entity_type, entity_id, detected_at, resolution, reason,
               archived_content, archived_modified_at, archived_modified_by,
               chosen_content, chosen_modified_at, chosen_modified_by, is_resolved
        FROM conflict_archive
        WHERE is_resolved = 0
        ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var records []*models.ConflictRecord
	for rows.Next() {
		var r models.ConflictRecord
		var archivedContent, chosenContent string
		var resolved int
		err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.DetectedAt,
			&r.Resolution, &r.Reason,
			&archivedContent, &r.Archived.LastModifiedAt, &r.Archived.ModifiedBy,
			&chosenContent, &r.Chosen.LastModifiedAt, &r.Chosen.ModifiedBy,
			&resolved)
		if err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		r.DetectedAt = r.DetectedAt.UTC()
		r.Archived.Content = []byte(archivedContent)
		r.Archived.LastModifiedAt = r.Archived.LastModifiedAt.UTC()
		r.Chosen.Content = []byte(chosenContent)
		r.Chosen.LastModifiedAt = r.Chosen.LastModifiedAt.UTC()
		r.IsResolved = resolved != 0
		records = append(records, &r)
	}
	return records, rows.Err()
}

// MarkConflictResolved closes a manual-review item.
func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conflict_archive SET is_resolved = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{EntityType: "conflict_record", EntityID: id}
	}
	return nil
}

// LastSyncAt returns the last successful cycle time, zero when none.
func (s *SQLiteStore) LastSyncAt(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_info WHERE key = 'last_sync_at'").Scan(&t)
	if err == sql.ErrNoRows || !t.Valid {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last sync: %w", err)
	}
	return t.Time.UTC(), nil
}

// SetLastSyncAt records a successful cycle.
func (s *SQLiteStore) SetLastSyncAt(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_info (key, value) VALUES ('last_sync_at', ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value`, t.UTC())
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
