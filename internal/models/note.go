package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NoteType identifies the clinical document kind.
type NoteType string

const (
	NoteEvaluation       NoteType = "evaluation"
	NoteProgress         NoteType = "progress_note"
	NoteDaily            NoteType = "daily_note"
	NoteDischargeSummary NoteType = "discharge_summary"
)

// RequiresFrequencyReset reports whether this note type satisfies the
// periodic documentation requirement (Medicare progress-note cadence).
func (t NoteType) RequiresFrequencyReset() bool {
	return t == NoteEvaluation || t == NoteProgress
}

// ClinicalNote is a patient visit note. Once signed its canonical content
// is immutable; corrections go through addenda.
type ClinicalNote struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	TherapistID string    `json:"therapist_id"`
	Type        NoteType  `json:"note_type"`
	ServiceDate time.Time `json:"date_of_service"`

	// SOAP content
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`

	VisitMinutes int `json:"visit_minutes"`
	BilledUnits  int `json:"billed_units"`

	// IsLocked is set when a downstream consumer (billing export) has
	// used the note; further edits are rejected until unlocked.
	IsLocked bool `json:"is_locked"`

	// Signature fields. Set together, exactly once.
	SignatureHash string    `json:"signature_hash,omitempty"`
	SignedAt      time.Time `json:"signed_at,omitempty"`
	SignedBy      string    `json:"signed_by,omitempty"`

	SyncMeta
}

func (n *ClinicalNote) EntityID() string { return n.ID }

func (n *ClinicalNote) EntityType() string { return "clinical_note" }

// IsSigned reports whether the note has been signed into immutability.
func (n *ClinicalNote) IsSigned() bool {
	return n.SignatureHash != "" && !n.SignedAt.IsZero()
}

func (n *ClinicalNote) SignatureInfo() (string, time.Time, string) {
	return n.SignatureHash, n.SignedAt, n.SignedBy
}

func (n *ClinicalNote) Locked() bool { return n.IsLocked }

// Snapshot serializes the note for conflict archival.
func (n *ClinicalNote) Snapshot() ([]byte, error) {
	return json.Marshal(n)
}

// Validate checks structural validity before persistence.
func (n *ClinicalNote) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(n.PatientID) == "" {
		return &ValidationError{Field: "patient_id", Reason: "required"}
	}
	if strings.TrimSpace(n.TherapistID) == "" {
		return &ValidationError{Field: "therapist_id", Reason: "required"}
	}
	switch n.Type {
	case NoteEvaluation, NoteProgress, NoteDaily, NoteDischargeSummary:
	default:
		return &ValidationError{Field: "note_type", Reason: fmt.Sprintf("unknown type %q", n.Type)}
	}
	if n.ServiceDate.IsZero() {
		return &ValidationError{Field: "date_of_service", Reason: "required"}
	}
	if n.VisitMinutes < 0 {
		return &ValidationError{Field: "visit_minutes", Reason: "cannot be negative"}
	}
	if n.BilledUnits < 0 {
		return &ValidationError{Field: "billed_units", Reason: "cannot be negative"}
	}
	return nil
}

// Clone creates a deep copy of the note.
func (n *ClinicalNote) Clone() *ClinicalNote {
	clone := *n
	return &clone
}

// Addendum is an append-only supplement to a signed note. It never alters
// the parent's signature hash.
type Addendum struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"note_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Validate checks structural validity before persistence.
func (a *Addendum) Validate() error {
	if strings.TrimSpace(a.NoteID) == "" {
		return &ValidationError{Field: "note_id", Reason: "required"}
	}
	if strings.TrimSpace(a.Content) == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	if strings.TrimSpace(a.CreatedBy) == "" {
		return &ValidationError{Field: "created_by", Reason: "required"}
	}
	return nil
}
