package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/clinsync/clinsync/internal/models"
)

// signableContent is the canonical projection of a clinical note: the
// explicitly enumerated fields covered by a signature, in fixed schema
// order. Audit metadata, lock state, and the signature fields themselves
// are deliberately excluded. Field order here is the canonical order; Go
// serializes struct fields in declaration order, so the encoding is
// independent of how the source note was built up in memory.
type signableContent struct {
	PatientID    string `json:"patient_id"`
	TherapistID  string `json:"therapist_id"`
	NoteType     string `json:"note_type"`
	ServiceDate  string `json:"date_of_service"`
	Subjective   string `json:"subjective"`
	Objective    string `json:"objective"`
	Assessment   string `json:"assessment"`
	Plan         string `json:"plan"`
	VisitMinutes int    `json:"visit_minutes"`
	BilledUnits  int    `json:"billed_units"`
}

// CanonicalContent returns the deterministic serialization hashed by Sign
// and Verify. Two notes with equal signable fields always produce identical
// bytes regardless of construction order or unrelated field state.
func CanonicalContent(note *models.ClinicalNote) ([]byte, error) {
	return json.Marshal(signableContent{
		PatientID:    note.PatientID,
		TherapistID:  note.TherapistID,
		NoteType:     string(note.Type),
		ServiceDate:  note.ServiceDate.UTC().Format(time.RFC3339),
		Subjective:   note.Subjective,
		Objective:    note.Objective,
		Assessment:   note.Assessment,
		Plan:         note.Plan,
		VisitMinutes: note.VisitMinutes,
		BilledUnits:  note.BilledUnits,
	})
}

// ContentHash returns the hex-encoded SHA-256 of the canonical content.
func ContentHash(note *models.ClinicalNote) (string, error) {
	content, err := CanonicalContent(note)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}
