package models

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for structured error handling.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeSigned     = "ALREADY_SIGNED"
	ErrCodeImmutable  = "IMMUTABLE_VIOLATION"
	ErrCodeLocked     = "LOCKED_VIOLATION"
	ErrCodeTransient  = "TRANSIENT_SYNC_ERROR"
	ErrCodePermanent  = "PERMANENT_SYNC_ERROR"
	ErrCodeStorage    = "STORAGE_ERROR"
)

// Sentinel errors
var (
	ErrNotFound       = errors.New("entity not found")
	ErrAlreadySigned  = errors.New("entity is already signed")
	ErrNotSigned      = errors.New("entity is not signed")
	ErrEmptyContent   = errors.New("content cannot be empty")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrQueueExhausted = errors.New("queue item exhausted retries")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ValidationError reports malformed input to a public operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	EntityType string
	EntityID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.EntityType, e.EntityID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ImmutableViolationError is returned when a write targets signed content.
type ImmutableViolationError struct {
	EntityType string
	EntityID   string
	SignedBy   string
	SignedAt   time.Time
}

func (e *ImmutableViolationError) Error() string {
	return fmt.Sprintf("%s %s is immutable: signed by %s at %s",
		e.EntityType, e.EntityID, e.SignedBy, e.SignedAt.Format(time.RFC3339))
}

// LockedViolationError is returned when a write targets a locked entity.
type LockedViolationError struct {
	EntityType string
	EntityID   string
}

func (e *LockedViolationError) Error() string {
	return fmt.Sprintf("%s %s is locked against modification", e.EntityType, e.EntityID)
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code       string
	Phase      string
	EntityType string
	EntityID   string
	Err        error
}

func (e *SyncError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("sync %s [%s]: %s %s: %v", e.Phase, e.Code, e.EntityType, e.EntityID, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Phase, e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the sync failure is retryable.
func (e *SyncError) IsTransient() bool {
	return e.Code == ErrCodeTransient
}

// TransientSyncError wraps a retryable remote fault.
func TransientSyncError(phase, entityType, entityID string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransient, Phase: phase, EntityType: entityType, EntityID: entityID, Err: err}
}

// PermanentSyncError wraps a semantic rejection that must not be retried.
func PermanentSyncError(phase, entityType, entityID string, err error) *SyncError {
	return &SyncError{Code: ErrCodePermanent, Phase: phase, EntityType: entityType, EntityID: entityID, Err: err}
}

// IntegrityError represents a signature hash mismatch.
type IntegrityError struct {
	EntityType string
	EntityID   string
	Expected   string
	Actual     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s %s: expected %s, got %s",
		e.EntityType, e.EntityID, e.Expected, e.Actual)
}
