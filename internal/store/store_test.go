package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testNote(id, patientID string) *models.ClinicalNote {
	return &models.ClinicalNote{
		ID:           id,
		PatientID:    patientID,
		TherapistID:  "therapist-1",
		Type:         models.NoteDaily,
		ServiceDate:  baseTime,
		Subjective:   "Reports mild soreness.",
		Objective:    "Completed full exercise set.",
		Assessment:   "Tolerating progression.",
		Plan:         "Advance resistance next visit.",
		VisitMinutes: 40,
		BilledUnits:  3,
		SyncMeta: models.SyncMeta{
			LastModifiedAt: baseTime,
			ModifiedByID:   "therapist-1",
			SyncStatus:     models.SyncPending,
		},
	}
}

// The suite runs against every Store implementation.
func runStoreSuite(t *testing.T, open func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("note round trip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		note := testNote("note-1", "patient-1")
		require.NoError(t, s.SaveNote(ctx, note))

		got, err := s.GetNote(ctx, "note-1")
		require.NoError(t, err)
		assert.Equal(t, note.Subjective, got.Subjective)
		assert.Equal(t, note.BilledUnits, got.BilledUnits)
		assert.True(t, got.ServiceDate.Equal(note.ServiceDate))
		assert.False(t, got.IsSigned())

		_, err = s.GetNote(ctx, "missing")
		var nf *models.NotFoundError
		require.ErrorAs(t, err, &nf)
	})

	t.Run("signed note rejects content writes", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		note := testNote("note-1", "patient-1")
		require.NoError(t, s.SaveNote(ctx, note))
		require.NoError(t, s.MarkSigned(ctx, "note-1", "deadbeef", baseTime.Add(time.Hour), "therapist-1"))

		note.Assessment = "Edited after signing."
		err := s.SaveNote(ctx, note)
		var immutable *models.ImmutableViolationError
		require.ErrorAs(t, err, &immutable)
		assert.Equal(t, "therapist-1", immutable.SignedBy)

		err = s.DeleteNote(ctx, "note-1")
		require.ErrorAs(t, err, &immutable)

		// Sync metadata stays writable.
		assert.NoError(t, s.SetNoteSyncState(ctx, "note-1", models.SyncSynced))
	})

	t.Run("locked note rejects content writes", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		note := testNote("note-1", "patient-1")
		note.IsLocked = true
		require.NoError(t, s.SaveNote(ctx, note))

		note.Plan = "Changed."
		err := s.SaveNote(ctx, note)
		var locked *models.LockedViolationError
		require.ErrorAs(t, err, &locked)
	})

	t.Run("signing is single shot", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.SaveNote(ctx, testNote("note-1", "patient-1")))
		require.NoError(t, s.MarkSigned(ctx, "note-1", "hash-a", baseTime, "u1"))

		err := s.MarkSigned(ctx, "note-1", "hash-b", baseTime.Add(time.Minute), "u2")
		assert.ErrorIs(t, err, models.ErrAlreadySigned)

		err = s.MarkSigned(ctx, "missing", "hash", baseTime, "u1")
		var nf *models.NotFoundError
		assert.ErrorAs(t, err, &nf)

		got, err := s.GetNote(ctx, "note-1")
		require.NoError(t, err)
		assert.Equal(t, "hash-a", got.SignatureHash)
		assert.Equal(t, "u1", got.SignedBy)
	})

	t.Run("patient notes ordered by service date", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for i, day := range []int{5, 1, 3} {
			n := testNote([]string{"note-a", "note-b", "note-c"}[i], "patient-1")
			n.ServiceDate = baseTime.AddDate(0, 0, day)
			require.NoError(t, s.SaveNote(ctx, n))
		}
		require.NoError(t, s.SaveNote(ctx, testNote("other", "patient-2")))

		notes, err := s.ListPatientNotes(ctx, "patient-1")
		require.NoError(t, err)
		require.Len(t, notes, 3)
		assert.Equal(t, "note-b", notes[0].ID)
		assert.Equal(t, "note-c", notes[1].ID)
		assert.Equal(t, "note-a", notes[2].ID)
	})

	t.Run("idempotent enqueue", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "note-1", models.OpUpdate, baseTime))
		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "note-1", models.OpUpdate, baseTime.Add(time.Minute)))

		status, err := s.QueueStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, status.PendingCount)

		// Delete supersedes the pending update.
		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "note-1", models.OpDelete, baseTime.Add(2*time.Minute)))
		items, err := s.ClaimQueueItems(ctx, 10, baseTime.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, models.OpDelete, items[0].Operation)
		assert.Equal(t, models.ItemProcessing, items[0].Status)
	})

	t.Run("claim order is FIFO by enqueue time", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "n2", models.OpUpdate, baseTime.Add(2*time.Second)))
		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "n1", models.OpCreate, baseTime.Add(1*time.Second)))
		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "n3", models.OpUpdate, baseTime.Add(3*time.Second)))

		items, err := s.ClaimQueueItems(ctx, 10, baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "n1", items[0].EntityID)
		assert.Equal(t, "n2", items[1].EntityID)
		assert.Equal(t, "n3", items[2].EntityID)
	})

	t.Run("retry bookkeeping and operator reset", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "note-1", models.OpUpdate, baseTime))

		for attempt := 1; attempt <= models.DefaultMaxRetries; attempt++ {
			items, err := s.ClaimQueueItems(ctx, 10, baseTime.Add(time.Duration(attempt)*time.Minute))
			require.NoError(t, err)
			require.Len(t, items, 1, "attempt %d should claim the item", attempt)
			require.NoError(t, s.FailQueueItem(ctx, items[0].ID, "connection refused", baseTime.Add(time.Duration(attempt)*time.Minute)))
		}

		// Exhausted: nothing claimable.
		items, err := s.ClaimQueueItems(ctx, 10, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, items)

		status, err := s.QueueStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, status.FailedCount)

		// Explicit reset brings it back.
		n, err := s.ResetFailedItems(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		items, err = s.ClaimQueueItems(ctx, 10, baseTime.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, items, 1)
		assert.Zero(t, items[0].RetryCount)
	})

	t.Run("single entity reset leaves other failures alone", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, id := range []string{"n1", "n2"} {
			require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", id, models.OpUpdate, baseTime))
		}
		items, err := s.ClaimQueueItems(ctx, 10, baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, items, 2)
		for _, item := range items {
			require.NoError(t, s.FailQueueItem(ctx, item.ID, "rejected", baseTime.Add(time.Minute)))
		}

		require.NoError(t, s.ResetFailedItem(ctx, "clinical_note", "n1"))

		status, err := s.QueueStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, status.PendingCount)
		assert.Equal(t, 1, status.FailedCount)

		var notFound *models.NotFoundError
		err = s.ResetFailedItem(ctx, "clinical_note", "missing")
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("queue status reports oldest pending", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "n1", models.OpUpdate, baseTime))
		require.NoError(t, s.UpsertQueueItem(ctx, "clinical_note", "n2", models.OpUpdate, baseTime.Add(time.Hour)))
		require.NoError(t, s.SetLastSyncAt(ctx, baseTime.Add(2*time.Hour)))

		status, err := s.QueueStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, status.PendingCount)
		assert.True(t, status.OldestPendingAt.Equal(baseTime))
		assert.True(t, status.LastSyncAt.Equal(baseTime.Add(2*time.Hour)))
	})

	t.Run("resolution commits archive row and winner together", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		local := testNote("note-1", "patient-1")
		require.NoError(t, s.SaveNote(ctx, local))

		winner := testNote("note-1", "patient-1")
		winner.Assessment = "Remote edit."
		winner.LastModifiedAt = baseTime.Add(time.Hour)
		winner.SyncStatus = models.SyncSynced

		localSnap, err := local.Snapshot()
		require.NoError(t, err)
		winnerSnap, err := winner.Snapshot()
		require.NoError(t, err)

		record := &models.ConflictRecord{
			EntityType: "clinical_note",
			EntityID:   "note-1",
			DetectedAt: baseTime.Add(time.Hour),
			Resolution: models.ResolutionServerWins,
			Reason:     "remote modified later",
			Archived: models.VersionSnapshot{
				Content:        localSnap,
				LastModifiedAt: local.LastModifiedAt,
				ModifiedBy:     local.ModifiedByID,
			},
			Chosen: models.VersionSnapshot{
				Content:        winnerSnap,
				LastModifiedAt: winner.LastModifiedAt,
				ModifiedBy:     winner.ModifiedByID,
			},
		}
		require.NoError(t, s.ApplyResolution(ctx, record, winner))

		got, err := s.GetNote(ctx, "note-1")
		require.NoError(t, err)
		assert.Equal(t, "Remote edit.", got.Assessment)

		conflicts, err := s.ListUnresolvedConflicts(ctx)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, models.ResolutionServerWins, conflicts[0].Resolution)
		assert.NotEmpty(t, conflicts[0].Archived.Content)
		assert.NotEmpty(t, conflicts[0].Chosen.Content)

		require.NoError(t, s.MarkConflictResolved(ctx, conflicts[0].ID))
		conflicts, err = s.ListUnresolvedConflicts(ctx)
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("addenda append only and ordered", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.SaveNote(ctx, testNote("note-1", "patient-1")))

		first := &models.Addendum{NoteID: "note-1", Content: "late entry", CreatedAt: baseTime, CreatedBy: "u2"}
		second := &models.Addendum{NoteID: "note-1", Content: "clarification", CreatedAt: baseTime.Add(time.Minute), CreatedBy: "u1"}
		require.NoError(t, s.SaveAddendum(ctx, first))
		require.NoError(t, s.SaveAddendum(ctx, second))

		addenda, err := s.ListAddenda(ctx, "note-1")
		require.NoError(t, err)
		require.Len(t, addenda, 2)
		assert.Equal(t, "late entry", addenda[0].Content)
		assert.Equal(t, "clarification", addenda[1].Content)
		assert.NotEmpty(t, addenda[0].ID)
	})

	t.Run("last sync bookkeeping", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		last, err := s.LastSyncAt(ctx)
		require.NoError(t, err)
		assert.True(t, last.IsZero())

		require.NoError(t, s.SetLastSyncAt(ctx, baseTime))
		last, err = s.LastSyncAt(ctx)
		require.NoError(t, err)
		assert.True(t, last.Equal(baseTime))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		logger := events.NewTestLogger(events.ErrorLevel, "text", testWriter{t})
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "clinsync.db"), logger)
		require.NoError(t, err)
		return s
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
