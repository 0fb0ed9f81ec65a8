package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
)

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *events.Logger {
	t.Helper()
	return events.NewTestLogger(events.ErrorLevel, "text", testWriter{t})
}

func newTestNote(id, patientID string, modifiedAt time.Time) *models.ClinicalNote {
	note := &models.ClinicalNote{
		ID:           id,
		PatientID:    patientID,
		TherapistID:  "therapist-1",
		Type:         models.NoteDaily,
		ServiceDate:  modifiedAt,
		Subjective:   "reports improvement",
		Objective:    "ROM within functional limits",
		Assessment:   "progressing toward goals",
		Plan:         "continue plan of care",
		VisitMinutes: 30,
		BilledUnits:  2,
	}
	note.Stamp(modifiedAt, "therapist-1")
	return note
}

func remoteChange(note *models.ClinicalNote, op models.Operation, modifiedAt time.Time, by string) *models.ChangeRecord {
	remote := note.Clone()
	remote.Assessment = "remote revision"
	remote.LastModifiedAt = modifiedAt
	remote.ModifiedByID = by
	snapshot, _ := json.Marshal(remote)

	return &models.ChangeRecord{
		EntityType:     note.EntityType(),
		EntityID:       note.ID,
		Operation:      op,
		Snapshot:       snapshot,
		LastModifiedAt: modifiedAt,
		ModifiedBy:     by,
	}
}

func newResolverHarness(t *testing.T) (*Resolver, *store.MemoryStore, *events.MemorySink, *fixedClock) {
	t.Helper()
	st := store.NewMemoryStore()
	sink := events.NewMemorySink()
	clock := &fixedClock{now: baseTime}
	resolver := NewResolver(st, clock.Now, sink, testLogger(t))
	return resolver, st, sink, clock
}

func TestResolveSignedLocalRejectsRemote(t *testing.T) {
	resolver, st, sink, _ := newResolverHarness(t)
	ctx := context.Background()

	local := newTestNote("n1", "p1", baseTime)
	require.NoError(t, st.SaveNote(ctx, local))
	require.NoError(t, st.MarkSigned(ctx, "n1", "abc123", baseTime.Add(time.Minute), "therapist-1"))

	remote := remoteChange(local, models.OpUpdate, baseTime.Add(time.Hour), "remote-user")
	summary, err := resolver.Resolve(ctx, mustGet(t, st, "n1"), remote)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionRejectedImmutable, summary.Resolution)

	kept := mustGet(t, st, "n1")
	assert.Equal(t, "progressing toward goals", kept.Assessment)
	assert.True(t, kept.IsSigned())

	conflicts := st.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ResolutionRejectedImmutable, conflicts[0].Resolution)
	assert.Equal(t, remote.Snapshot, conflicts[0].Archived.Content)
	assert.Equal(t, "remote-user", conflicts[0].Archived.ModifiedBy)

	require.Len(t, sink.ByType(events.AuditConflict), 1)
}

func TestResolveLockedLocalRejectsRemote(t *testing.T) {
	resolver, st, _, _ := newResolverHarness(t)
	ctx := context.Background()

	local := newTestNote("n1", "p1", baseTime)
	local.IsLocked = true
	require.NoError(t, st.SaveNote(ctx, local))

	remote := remoteChange(local, models.OpUpdate, baseTime.Add(time.Hour), "remote-user")
	summary, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionRejectedLocked, summary.Resolution)
	assert.Equal(t, "progressing toward goals", mustGet(t, st, "n1").Assessment)
	require.Len(t, st.Conflicts(), 1)
}

func TestResolveNewerRemoteWins(t *testing.T) {
	resolver, st, _, _ := newResolverHarness(t)
	ctx := context.Background()

	local := newTestNote("n1", "p1", baseTime)
	require.NoError(t, st.SaveNote(ctx, local))

	remote := remoteChange(local, models.OpUpdate, baseTime.Add(time.Hour), "remote-user")
	summary, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionServerWins, summary.Resolution)

	winner := mustGet(t, st, "n1")
	assert.Equal(t, "remote revision", winner.Assessment)
	assert.Equal(t, models.SyncSynced, winner.SyncState())
	assert.True(t, winner.LastModified().Equal(baseTime.Add(time.Hour)))

	conflicts := st.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, local.LastModified(), conflicts[0].Archived.LastModifiedAt)

	var archived models.ClinicalNote
	require.NoError(t, json.Unmarshal(conflicts[0].Archived.Content, &archived))
	assert.Equal(t, "progressing toward goals", archived.Assessment)
}

func TestResolveTimestampTieGoesToRemote(t *testing.T) {
	resolver, st, _, _ := newResolverHarness(t)
	ctx := context.Background()

	local := newTestNote("n1", "p1", baseTime)
	require.NoError(t, st.SaveNote(ctx, local))

	remote := remoteChange(local, models.OpUpdate, baseTime, "remote-user")
	summary, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionServerWins, summary.Resolution)
	assert.Equal(t, "remote revision", mustGet(t, st, "n1").Assessment)
}

func TestResolveNewerLocalWins(t *testing.T) {
	resolver, st, _, _ := newResolverHarness(t)
	ctx := context.Background()

	local := newTestNote("n1", "p1", baseTime.Add(time.Hour))
	require.NoError(t, st.SaveNote(ctx, local))

	remote := remoteChange(local, models.OpUpdate, baseTime, "remote-user")
	summary, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionLocalWins, summary.Resolution)
	assert.Equal(t, "progressing toward goals", mustGet(t, st, "n1").Assessment)

	conflicts := st.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, remote.Snapshot, conflicts[0].Archived.Content)
}

func TestResolveRemoteDeleteWins(t *testing.T) {
	resolver, st, _, _ := newResolverHarness(t)
	ctx := context.Background()

	local := newTestNote("n1", "p1", baseTime)
	require.NoError(t, st.SaveNote(ctx, local))

	remote := remoteChange(local, models.OpDelete, baseTime.Add(time.Hour), "remote-user")
	summary, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionServerWins, summary.Resolution)

	_, err = st.GetNote(ctx, "n1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// The deleted version survives in the archive.
	conflicts := st.Conflicts()
	require.Len(t, conflicts, 1)
	var archived models.ClinicalNote
	require.NoError(t, json.Unmarshal(conflicts[0].Archived.Content, &archived))
	assert.Equal(t, "n1", archived.ID)
}

func mustGet(t *testing.T, st store.Store, id string) *models.ClinicalNote {
	t.Helper()
	note, err := st.GetNote(context.Background(), id)
	require.NoError(t, err)
	return note
}
