package signature

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/store"
)

// Service computes canonical content hashes and enforces immutability of
// signed notes. Signing is single-shot; corrections to signed notes go
// through append-only addenda.
type Service struct {
	store  store.Store
	clock  store.Clock
	audit  events.AuditSink
	logger *events.Logger
}

// NewService creates a signature service.
func NewService(st store.Store, clock store.Clock, audit events.AuditSink, logger *events.Logger) *Service {
	return &Service{
		store:  st,
		clock:  clock,
		audit:  audit,
		logger: logger.WithField("component", "signature_service"),
	}
}

// SignResult reports a successful signing.
type SignResult struct {
	Hash     string
	SignedAt time.Time
}

// Sign hashes the note's canonical content and stamps hash, timestamp, and
// signer atomically with the persistence write. A second Sign fails with
// ErrAlreadySigned.
func (s *Service) Sign(ctx context.Context, noteID, userID string) (*SignResult, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}

	if note.IsSigned() {
		s.recordAudit(ctx, events.AuditSign, noteID, userID, "rejected_already_signed", nil)
		return nil, models.ErrAlreadySigned
	}

	hash, err := ContentHash(note)
	if err != nil {
		return nil, fmt.Errorf("compute content hash: %w", err)
	}

	signedAt := s.clock().UTC()
	if err := s.store.MarkSigned(ctx, noteID, hash, signedAt, userID); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"note_id":   noteID,
		"signed_by": userID,
	}).Info("Note signed")
	s.recordAudit(ctx, events.AuditSign, noteID, userID, "signed", map[string]any{
		"signed_at": signedAt.Format(time.RFC3339),
	})

	return &SignResult{Hash: hash, SignedAt: signedAt}, nil
}

// Verify recomputes the canonical hash from stored content and compares it
// to the stored signature. A mismatch signals tampering or corruption and
// is surfaced to the caller, never repaired.
func (s *Service) Verify(ctx context.Context, noteID string) (bool, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return false, err
	}

	if !note.IsSigned() {
		return false, models.ErrNotSigned
	}

	actual, err := ContentHash(note)
	if err != nil {
		return false, fmt.Errorf("compute content hash: %w", err)
	}

	if actual != note.SignatureHash {
		s.logger.WithFields(map[string]interface{}{
			"note_id":  noteID,
			"expected": note.SignatureHash,
			"actual":   actual,
		}).Error("Signature verification failed")
		s.recordAudit(ctx, events.AuditVerify, noteID, "", "mismatch", map[string]any{
			"expected": note.SignatureHash,
			"actual":   actual,
		})
		return false, nil
	}

	s.recordAudit(ctx, events.AuditVerify, noteID, "", "match", nil)
	return true, nil
}

// CreateAddendum appends a supplemental record to a signed note. The
// parent's signature hash is untouched.
func (s *Service) CreateAddendum(ctx context.Context, noteID, content, userID string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", models.ErrEmptyContent
	}

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return "", err
	}

	if !note.IsSigned() {
		s.recordAudit(ctx, events.AuditAddendum, noteID, userID, "rejected_not_signed", nil)
		return "", models.ErrNotSigned
	}

	addendum := &models.Addendum{
		ID:        uuid.NewString(),
		NoteID:    noteID,
		Content:   content,
		CreatedAt: s.clock().UTC(),
		CreatedBy: userID,
	}
	if err := s.store.SaveAddendum(ctx, addendum); err != nil {
		return "", err
	}

	s.recordAudit(ctx, events.AuditAddendum, noteID, userID, "created", map[string]any{
		"addendum_id": addendum.ID,
	})
	return addendum.ID, nil
}

func (s *Service) recordAudit(ctx context.Context, eventType, noteID, userID, outcome string, detail map[string]any) {
	event := events.NewAuditEvent(ctx, eventType, "clinical_note", noteID, userID, outcome)
	event.Detail = detail
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Audit sink rejected event")
	}
}
