// Package testutil provides shared fixtures for integration tests: a fake
// sync server, deterministic clocks and prefilled clinical notes.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clinsync/clinsync/internal/client"
	"github.com/clinsync/clinsync/internal/config"
	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
)

// BaseTime is the fixed start time used across integration tests.
var BaseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// FixedClock is a manually advanced time source.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock starts a clock at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now returns the current fixed time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// LogWriter routes log output through t.Log.
type LogWriter struct{ T *testing.T }

func (w LogWriter) Write(p []byte) (int, error) {
	w.T.Log(string(p))
	return len(p), nil
}

// NewLogger creates a quiet test logger.
func NewLogger(t *testing.T) *events.Logger {
	t.Helper()
	return events.NewTestLogger(events.ErrorLevel, "text", LogWriter{t})
}

// SampleNote builds a valid daily note for a patient, stamped at the given
// time by the given therapist.
func SampleNote(patientID, therapistID string, at time.Time) *models.ClinicalNote {
	note := &models.ClinicalNote{
		PatientID:    patientID,
		TherapistID:  therapistID,
		Type:         models.NoteDaily,
		ServiceDate:  at,
		Subjective:   "patient reports decreased pain",
		Objective:    "completed therapeutic exercise program",
		Assessment:   "improving toward functional goals",
		Plan:         "continue current plan of care",
		VisitMinutes: 38,
		BilledUnits:  3,
	}
	note.Stamp(at, therapistID)
	return note
}

// NewDevice builds a fully wired client against the given server URL with
// its own SQLite database, simulating one clinician device.
func NewDevice(t *testing.T, serverURL, deviceID string, clock *FixedClock) *client.Client {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Remote.BaseURL = serverURL
	cfg.Remote.DeviceID = deviceID
	cfg.Remote.MaxRetries = 0
	cfg.Storage.DataDir = dir
	cfg.Storage.DBPath = filepath.Join(dir, "clinsync.db")

	c, err := client.New(cfg, NewLogger(t),
		client.WithClock(clock.Now),
		client.WithAuditSink(events.NewMemorySink()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
