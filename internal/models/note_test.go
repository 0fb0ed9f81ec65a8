package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinsync/clinsync/internal/models"
)

func validNote() *models.ClinicalNote {
	return &models.ClinicalNote{
		ID:           "note-1",
		PatientID:    "patient-1",
		TherapistID:  "therapist-1",
		Type:         models.NoteDaily,
		ServiceDate:  time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Subjective:   "Reports reduced pain.",
		Objective:    "ROM improved to 120 degrees.",
		Assessment:   "Progressing toward goals.",
		Plan:         "Continue current program.",
		VisitMinutes: 45,
		BilledUnits:  3,
	}
}

func TestClinicalNoteValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.ClinicalNote)
		wantErr string
	}{
		{
			name:   "valid note",
			mutate: func(n *models.ClinicalNote) {},
		},
		{
			name:    "missing patient",
			mutate:  func(n *models.ClinicalNote) { n.PatientID = "" },
			wantErr: "patient_id",
		},
		{
			name:    "unknown type",
			mutate:  func(n *models.ClinicalNote) { n.Type = "haiku" },
			wantErr: "note_type",
		},
		{
			name:    "negative minutes",
			mutate:  func(n *models.ClinicalNote) { n.VisitMinutes = -1 },
			wantErr: "visit_minutes",
		},
		{
			name:    "negative units",
			mutate:  func(n *models.ClinicalNote) { n.BilledUnits = -2 },
			wantErr: "billed_units",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note := validNote()
			tt.mutate(note)

			err := note.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var vErr *models.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantErr, vErr.Field)
		})
	}
}

func TestClinicalNoteIsSigned(t *testing.T) {
	note := validNote()
	assert.False(t, note.IsSigned())

	note.SignatureHash = "abc123"
	assert.False(t, note.IsSigned(), "hash without timestamp is not signed")

	note.SignedAt = time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)
	note.SignedBy = "therapist-1"
	assert.True(t, note.IsSigned())

	hash, signedAt, signedBy := note.SignatureInfo()
	assert.Equal(t, "abc123", hash)
	assert.Equal(t, note.SignedAt, signedAt)
	assert.Equal(t, "therapist-1", signedBy)
}

func TestSyncMetaStampNeverRegresses(t *testing.T) {
	note := validNote()

	t1 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	note.Stamp(t1, "user-a")
	assert.Equal(t, t1, note.LastModified())
	assert.Equal(t, models.SyncPending, note.SyncState())

	// An earlier timestamp (replayed operation) must not move the value back.
	note.Stamp(t0, "user-b")
	assert.Equal(t, t1, note.LastModified())
	assert.Equal(t, "user-b", note.ModifiedBy())
}

func TestAddendumValidate(t *testing.T) {
	add := &models.Addendum{
		NoteID:    "note-1",
		Content:   "late entry",
		CreatedBy: "therapist-2",
	}
	assert.NoError(t, add.Validate())

	add.Content = "   "
	err := add.Validate()
	require.Error(t, err)
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "content", vErr.Field)
}

func TestNoteTypeRequiresFrequencyReset(t *testing.T) {
	assert.True(t, models.NoteEvaluation.RequiresFrequencyReset())
	assert.True(t, models.NoteProgress.RequiresFrequencyReset())
	assert.False(t, models.NoteDaily.RequiresFrequencyReset())
	assert.False(t, models.NoteDischargeSummary.RequiresFrequencyReset())
}
