package models

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the mutation kind carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueItemStatus is the outbox item lifecycle state.
type QueueItemStatus string

const (
	ItemPending    QueueItemStatus = "pending"
	ItemProcessing QueueItemStatus = "processing"
	ItemCompleted  QueueItemStatus = "completed"
	ItemFailed     QueueItemStatus = "failed"
	ItemCancelled  QueueItemStatus = "cancelled"
)

// DefaultMaxRetries bounds transient-failure retries per queue item.
const DefaultMaxRetries = 3

// SyncQueueItem is a durable record of one pending local mutation. At most
// one pending item exists per (entity type, entity id); re-enqueueing merges
// into the existing row.
type SyncQueueItem struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	Status        QueueItemStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Retriable reports whether a failed item may return to pending.
func (i *SyncQueueItem) Retriable() bool {
	return i.Status == ItemFailed && i.RetryCount < i.MaxRetries
}

// Exhausted reports whether the item is terminally failed and needs an
// explicit operator reset.
func (i *SyncQueueItem) Exhausted() bool {
	return i.Status == ItemFailed && i.RetryCount >= i.MaxRetries
}

// MergeOperation folds a new enqueue of the same entity into this item.
// A delete supersedes a pending update; a create followed by an update
// stays a create so the remote sees the full row.
func (i *SyncQueueItem) MergeOperation(op Operation) {
	switch {
	case op == OpDelete:
		i.Operation = OpDelete
	case i.Operation == OpCreate:
		// keep create
	default:
		i.Operation = op
	}
}

// Validate checks structural validity before persistence.
func (i *SyncQueueItem) Validate() error {
	if strings.TrimSpace(i.EntityType) == "" {
		return &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if strings.TrimSpace(i.EntityID) == "" {
		return &ValidationError{Field: "entity_id", Reason: "required"}
	}
	switch i.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return &ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", i.Operation)}
	}
	if i.MaxRetries <= 0 {
		return &ValidationError{Field: "max_retries", Reason: "must be positive"}
	}
	return nil
}

// QueueStatus summarizes the outbox for observability and backpressure.
type QueueStatus struct {
	PendingCount    int       `json:"pending_count"`
	ProcessingCount int       `json:"processing_count"`
	FailedCount     int       `json:"failed_count"`
	OldestPendingAt time.Time `json:"oldest_pending_at,omitempty"`
	LastSyncAt      time.Time `json:"last_sync_at,omitempty"`
}

// PushResult reports one push phase.
type PushResult struct {
	TotalPushed   int
	SuccessCount  int
	FailureCount  int
	ConflictCount int
	Conflicts     []ConflictSummary
	Errors        []error
}

// PullResult reports one pull phase.
type PullResult struct {
	TotalPulled   int
	AppliedCount  int
	SkippedCount  int
	ConflictCount int
	Conflicts     []ConflictSummary
	Errors        []error
}

// SyncResult reports one full push-then-pull cycle.
type SyncResult struct {
	Push     PushResult
	Pull     PullResult
	Duration time.Duration
}

// ConflictSummary is the caller-facing view of one resolved divergence.
type ConflictSummary struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Resolution ResolutionType `json:"resolution"`
	Reason     string         `json:"reason"`
}
