package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Audit event types emitted by the core. Entries carry identifiers and
// outcomes only, never clinical content.
const (
	AuditSign       = "sign"
	AuditVerify     = "verify"
	AuditAddendum   = "addendum"
	AuditRuleEval   = "rule_evaluation"
	AuditConflict   = "conflict_resolution"
	AuditQueueReset = "queue_reset"
)

// AuditEvent is one structured, PHI-free audit record.
type AuditEvent struct {
	Type          string         `json:"type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	UserID        string         `json:"user_id,omitempty"`
	Outcome       string         `json:"outcome"`
	CorrelationID string         `json:"correlation_id"`
	Detail        map[string]any `json:"detail,omitempty"`
	At            time.Time      `json:"at"`
}

// AuditSink receives audit events. The core calls it synchronously on every
// state-changing operation; persistence is the collaborator's concern.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditSinkFunc is a function adapter for AuditSink.
type AuditSinkFunc func(ctx context.Context, event AuditEvent) error

func (f AuditSinkFunc) Record(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

// NewAuditEvent builds an event stamped with the context's correlation id,
// minting one when the context carries none.
func NewAuditEvent(ctx context.Context, eventType, entityType, entityID, userID, outcome string) AuditEvent {
	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return AuditEvent{
		Type:          eventType,
		EntityType:    entityType,
		EntityID:      entityID,
		UserID:        userID,
		Outcome:       outcome,
		CorrelationID: correlationID,
		At:            time.Now().UTC(),
	}
}

// LogSink writes audit events to the structured logger.
type LogSink struct {
	logger *Logger
}

// NewLogSink creates a logger-backed audit sink.
func NewLogSink(logger *Logger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "audit")}
}

func (s *LogSink) Record(_ context.Context, event AuditEvent) error {
	fields := map[string]interface{}{
		"audit_type":     event.Type,
		"entity_type":    event.EntityType,
		"entity_id":      event.EntityID,
		"outcome":        event.Outcome,
		"correlation_id": event.CorrelationID,
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	for k, v := range event.Detail {
		fields[k] = v
	}
	s.logger.WithFields(fields).Info("Audit event")
	return nil
}

// MemorySink collects audit events for tests and manual inspection.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemorySink creates an in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all recorded events.
func (s *MemorySink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of one type.
func (s *MemorySink) ByType(eventType string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
