package signature_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/signature"
	"github.com/clinsync/clinsync/internal/store"
)

var signTime = time.Date(2025, 3, 10, 17, 30, 0, 0, time.UTC)

func newService(t *testing.T) (*signature.Service, *store.MemoryStore, *events.MemorySink) {
	t.Helper()
	st := store.NewMemoryStore()
	sink := events.NewMemorySink()
	logger := events.NewTestLogger(events.ErrorLevel, "text", discard{})
	svc := signature.NewService(st, func() time.Time { return signTime }, sink, logger)
	return svc, st, sink
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func sampleNote(id string) *models.ClinicalNote {
	return &models.ClinicalNote{
		ID:           id,
		PatientID:    "patient-1",
		TherapistID:  "therapist-1",
		Type:         models.NoteProgress,
		ServiceDate:  time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Subjective:   "Pain decreased to 2/10.",
		Objective:    "Gait normalized without assistive device.",
		Assessment:   "Goals met for this period.",
		Plan:         "Re-evaluate in two weeks.",
		VisitMinutes: 38,
		BilledUnits:  3,
		SyncMeta: models.SyncMeta{
			LastModifiedAt: signTime.Add(-time.Hour),
			ModifiedByID:   "therapist-1",
			SyncStatus:     models.SyncPending,
		},
	}
}

func TestContentHashDeterminism(t *testing.T) {
	// Two instances built in different orders, with different unrelated
	// state, must hash identically.
	a := sampleNote("note-a")

	b := &models.ClinicalNote{}
	b.BilledUnits = 3
	b.VisitMinutes = 38
	b.Plan = "Re-evaluate in two weeks."
	b.Assessment = "Goals met for this period."
	b.Objective = "Gait normalized without assistive device."
	b.Subjective = "Pain decreased to 2/10."
	b.ServiceDate = time.Date(2025, 3, 10, 5, 0, 0, 0, time.FixedZone("EST", -5*3600))
	b.Type = models.NoteProgress
	b.TherapistID = "therapist-1"
	b.PatientID = "patient-1"
	b.ID = "note-b" // id is not part of the canonical content
	b.IsLocked = true
	b.SyncMeta = models.SyncMeta{LastModifiedAt: signTime, ModifiedByID: "someone-else"}

	hashA, err := signature.ContentHash(a)
	require.NoError(t, err)
	hashB, err := signature.ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64, "hex-encoded SHA-256")

	// Any signable field change moves the hash.
	b.BilledUnits = 4
	hashC, err := signature.ContentHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestSignLifecycle(t *testing.T) {
	svc, st, sink := newService(t)
	ctx := context.Background()

	require.NoError(t, st.SaveNote(ctx, sampleNote("note-1")))

	// First sign succeeds with a non-empty hash.
	result, err := svc.Sign(ctx, "note-1", "therapist-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Hash)
	assert.True(t, result.SignedAt.Equal(signTime))

	// Second sign fails.
	_, err = svc.Sign(ctx, "note-1", "therapist-1")
	assert.ErrorIs(t, err, models.ErrAlreadySigned)

	// Addendum succeeds and leaves the parent hash unchanged.
	addendumID, err := svc.CreateAddendum(ctx, "note-1", "late entry", "therapist-2")
	require.NoError(t, err)
	assert.NotEmpty(t, addendumID)

	note, err := st.GetNote(ctx, "note-1")
	require.NoError(t, err)
	assert.Equal(t, result.Hash, note.SignatureHash)

	addenda, err := st.ListAddenda(ctx, "note-1")
	require.NoError(t, err)
	require.Len(t, addenda, 1)
	assert.Equal(t, "therapist-2", addenda[0].CreatedBy)

	// Audit trail covers every operation.
	assert.Len(t, sink.ByType(events.AuditSign), 2)
	assert.Len(t, sink.ByType(events.AuditAddendum), 1)
}

func TestSignNotFound(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Sign(context.Background(), "missing", "therapist-1")
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestVerify(t *testing.T) {
	svc, st, sink := newService(t)
	ctx := context.Background()

	require.NoError(t, st.SaveNote(ctx, sampleNote("note-1")))

	// Unsigned notes cannot be verified.
	_, err := svc.Verify(ctx, "note-1")
	assert.ErrorIs(t, err, models.ErrNotSigned)

	_, err = svc.Sign(ctx, "note-1", "therapist-1")
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, "note-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A stored hash that no longer matches content is surfaced, not fixed.
	require.NoError(t, st.SaveNote(ctx, func() *models.ClinicalNote {
		n := sampleNote("note-2")
		return n
	}()))
	require.NoError(t, st.MarkSigned(ctx, "note-2", "0000corrupted0000", signTime, "therapist-1"))

	ok, err = svc.Verify(ctx, "note-2")
	require.NoError(t, err)
	assert.False(t, ok)

	mismatches := 0
	for _, e := range sink.ByType(events.AuditVerify) {
		if e.Outcome == "mismatch" {
			mismatches++
		}
	}
	assert.Equal(t, 1, mismatches)
}

func TestCreateAddendumValidation(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, st.SaveNote(ctx, sampleNote("note-1")))

	// Unsigned parent rejects addenda.
	_, err := svc.CreateAddendum(ctx, "note-1", "early entry", "therapist-1")
	assert.ErrorIs(t, err, models.ErrNotSigned)

	_, err = svc.Sign(ctx, "note-1", "therapist-1")
	require.NoError(t, err)

	// Empty content rejected.
	_, err = svc.CreateAddendum(ctx, "note-1", "   ", "therapist-1")
	assert.ErrorIs(t, err, models.ErrEmptyContent)
}

func TestSignedNoteContentIsImmutable(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	note := sampleNote("note-1")
	require.NoError(t, st.SaveNote(ctx, note))
	_, err := svc.Sign(ctx, "note-1", "therapist-1")
	require.NoError(t, err)

	// Every signable field mutation is rejected by the store guard.
	mutations := []func(*models.ClinicalNote){
		func(n *models.ClinicalNote) { n.Subjective = "changed" },
		func(n *models.ClinicalNote) { n.Plan = "changed" },
		func(n *models.ClinicalNote) { n.VisitMinutes = 99 },
		func(n *models.ClinicalNote) { n.BilledUnits = 9 },
	}
	for _, mutate := range mutations {
		edited := note.Clone()
		mutate(edited)
		err := st.SaveNote(ctx, edited)
		var immutable *models.ImmutableViolationError
		assert.ErrorAs(t, err, &immutable)
	}
}
