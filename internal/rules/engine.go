// Package rules implements the deterministic compliance gates evaluated
// before clinical records are edited, billed, or signed. Every check is a
// pure function of persisted history and an injected "now"; outcomes are
// structured RuleResults, never errors, so the calling workflow decides
// enforcement.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
)

// Rule identifiers carried in RuleResult and audit events.
const (
	RuleProgressNoteFrequency = "progress_note_frequency"
	RuleEightMinute           = "eight_minute_rule"
	RuleSignatureEligibility  = "signature_eligibility"
	RuleImmutability          = "immutability"
)

// Thresholds for the progress-note frequency requirement.
const (
	maxVisitsBetweenNotes = 10
	maxDaysBetweenNotes   = 30
)

// Engine evaluates compliance rules against the persisted record.
type Engine struct {
	store  store.Store
	audit  events.AuditSink
	logger *events.Logger
}

// NewEngine creates a rules engine.
func NewEngine(st store.Store, audit events.AuditSink, logger *events.Logger) *Engine {
	return &Engine{
		store:  st,
		audit:  audit,
		logger: logger.WithField("component", "rules_engine"),
	}
}

// ValidateProgressNoteFrequency checks whether a new required note
// (evaluation or progress note) is overdue for the patient: mandatory once
// ten visits or thirty days have accumulated since the last one. A
// violation is a HardStop carrying the exact counts for audit.
func (e *Engine) ValidateProgressNoteFrequency(ctx context.Context, patientID string, now time.Time) (models.RuleResult, error) {
	notes, err := e.store.ListPatientNotes(ctx, patientID)
	if err != nil {
		return models.RuleResult{}, err
	}

	if len(notes) == 0 {
		return e.report(ctx, patientID, models.RuleSuccess(RuleProgressNoteFrequency,
			"no visit history on file", map[string]any{
				"visits_since_last": 0,
				"days_since_last":   0,
			})), nil
	}

	// Notes arrive ordered by date of service; walk backward to the most
	// recent required note.
	var lastRequired *models.ClinicalNote
	for i := len(notes) - 1; i >= 0; i-- {
		if notes[i].Type.RequiresFrequencyReset() {
			lastRequired = notes[i]
			break
		}
	}

	if lastRequired == nil {
		return e.report(ctx, patientID, models.RuleViolation(RuleProgressNoteFrequency,
			models.SeverityHardStop,
			"no evaluation or progress note on file for patient with visit history",
			map[string]any{
				"visits_since_last": len(notes),
			})), nil
	}

	visitsSince := 0
	for _, n := range notes {
		if n.ServiceDate.After(lastRequired.ServiceDate) {
			visitsSince++
		}
	}
	daysSince := int(now.UTC().Sub(lastRequired.ServiceDate.UTC()).Hours() / 24)

	data := map[string]any{
		"visits_since_last":  visitsSince,
		"days_since_last":    daysSince,
		"last_required_note": lastRequired.ID,
		"last_required_date": lastRequired.ServiceDate.UTC().Format(time.RFC3339),
	}

	if visitsSince >= maxVisitsBetweenNotes || daysSince >= maxDaysBetweenNotes {
		return e.report(ctx, patientID, models.RuleViolation(RuleProgressNoteFrequency,
			models.SeverityHardStop,
			fmt.Sprintf("progress note required: %d visits and %d days since last required note",
				visitsSince, daysSince),
			data)), nil
	}

	return e.report(ctx, patientID, models.RuleSuccess(RuleProgressNoteFrequency,
		"progress note cadence satisfied", data)), nil
}

// ValidateEightMinuteRule checks requested timed units against the CMS
// 8-minute allowance: 0 units under 8 minutes, 1 unit through 22 minutes,
// then one more per started 15-minute block. Exceeding the allowance is a
// Warning so an authorized clinician can override with an audit trail.
func (e *Engine) ValidateEightMinuteRule(ctx context.Context, totalMinutes, timedUnits int) (models.RuleResult, error) {
	if totalMinutes < 0 {
		return models.RuleResult{}, &models.ValidationError{Field: "total_minutes", Reason: "cannot be negative"}
	}
	if timedUnits < 0 {
		return models.RuleResult{}, &models.ValidationError{Field: "timed_units", Reason: "cannot be negative"}
	}

	allowed := AllowedUnits(totalMinutes)
	data := map[string]any{
		"total_minutes":   totalMinutes,
		"requested_units": timedUnits,
		"allowed_units":   allowed,
	}

	if timedUnits > allowed {
		return e.report(ctx, "", models.RuleViolation(RuleEightMinute,
			models.SeverityWarning,
			fmt.Sprintf("%d timed units requested but %d minutes supports only %d",
				timedUnits, totalMinutes, allowed),
			data)), nil
	}

	return e.report(ctx, "", models.RuleSuccess(RuleEightMinute,
		"billed units within time allowance", data)), nil
}

// AllowedUnits computes the billable timed units for a treatment duration.
func AllowedUnits(totalMinutes int) int {
	switch {
	case totalMinutes < 8:
		return 0
	case totalMinutes <= 22:
		return 1
	default:
		return 1 + (totalMinutes-22+14)/15
	}
}

// ValidateSignatureEligibility gates Sign: the note must exist and be
// unsigned. An existing signature is reported with signer and timestamp so
// callers can present it.
func (e *Engine) ValidateSignatureEligibility(ctx context.Context, noteID string) (models.RuleResult, error) {
	note, err := e.store.GetNote(ctx, noteID)
	if err != nil {
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			return e.report(ctx, noteID, models.RuleViolation(RuleSignatureEligibility,
				models.SeverityError, "note not found", map[string]any{"note_id": noteID})), nil
		}
		return models.RuleResult{}, err
	}

	if note.IsSigned() {
		hash, signedAt, signedBy := note.SignatureInfo()
		return e.report(ctx, noteID, models.RuleViolation(RuleSignatureEligibility,
			models.SeverityError, "note is already signed", map[string]any{
				"signed_by":      signedBy,
				"signed_at":      signedAt.Format(time.RFC3339),
				"signature_hash": hash,
			})), nil
	}

	return e.report(ctx, noteID, models.RuleSuccess(RuleSignatureEligibility,
		"note is eligible for signature", map[string]any{"note_id": noteID})), nil
}

// ValidateImmutability gates edits: a signed note is immutable and the
// result carries the signer and timestamp for the caller's message.
func (e *Engine) ValidateImmutability(ctx context.Context, noteID string) (models.RuleResult, error) {
	note, err := e.store.GetNote(ctx, noteID)
	if err != nil {
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			return e.report(ctx, noteID, models.RuleViolation(RuleImmutability,
				models.SeverityError, "note not found", map[string]any{"note_id": noteID})), nil
		}
		return models.RuleResult{}, err
	}

	if note.IsSigned() {
		_, signedAt, signedBy := note.SignatureInfo()
		return e.report(ctx, noteID, models.RuleViolation(RuleImmutability,
			models.SeverityError, "note is signed and immutable", map[string]any{
				"signed_by": signedBy,
				"signed_at": signedAt.Format(time.RFC3339),
			})), nil
	}

	return e.report(ctx, noteID, models.RuleSuccess(RuleImmutability,
		"note is modifiable", map[string]any{"note_id": noteID})), nil
}

// report audits the evaluation and passes the result through.
func (e *Engine) report(ctx context.Context, entityID string, result models.RuleResult) models.RuleResult {
	outcome := "pass"
	if !result.IsValid {
		outcome = string(result.Severity)
	}
	event := events.NewAuditEvent(ctx, events.AuditRuleEval, "rule", entityID, "", outcome)
	event.Detail = map[string]any{"rule_id": result.RuleID}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.WithError(err).Warn("Audit sink rejected event")
	}
	return result
}
