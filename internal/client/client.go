// Package client wires the storage, signature, rules and sync services into
// one high-level API for the CLI and embedding applications.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinsync/clinsync/internal/config"
	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
	"github.com/clinsync/clinsync/internal/rules"
	"github.com/clinsync/clinsync/internal/signature"
	"github.com/clinsync/clinsync/internal/store"
	"github.com/clinsync/clinsync/internal/sync"
	"github.com/clinsync/clinsync/internal/transport"
)

// Client provides the high-level API for clinical record operations.
type Client struct {
	Signatures *signature.Service
	Rules      *rules.Engine
	Sync       *sync.Engine
	Queue      *sync.Queue

	config *config.Config
	store  store.Store
	remote transport.Remote
	clock  store.Clock
	logger *events.Logger
}

// Option adjusts client construction, mainly for tests.
type Option func(*options)

type options struct {
	store  store.Store
	remote transport.Remote
	clock  store.Clock
	audit  events.AuditSink
}

// WithStore substitutes the persistence layer.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRemote substitutes the sync endpoint.
func WithRemote(r transport.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithClock substitutes the time source.
func WithClock(c store.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithAuditSink substitutes the audit destination.
func WithAuditSink(sink events.AuditSink) Option {
	return func(o *options) { o.audit = sink }
}

// New creates a client from configuration.
func New(cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	o := &options{clock: store.UTCClock}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		s, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		o.store = s
	}
	if limiter, ok := o.store.(interface{ SetQueueMaxRetries(int) }); ok {
		limiter.SetQueueMaxRetries(cfg.Sync.MaxRetries)
	}
	if o.remote == nil {
		o.remote = transport.NewRemote(&cfg.Remote, logger)
	}
	if o.audit == nil {
		o.audit = events.NewLogSink(logger)
	}

	queue := sync.NewQueue(o.store, o.clock, o.audit, logger)
	resolver := sync.NewResolver(o.store, o.clock, o.audit, logger)
	engine := sync.NewEngine(o.store, o.remote, queue, resolver, o.clock, cfg.Sync.BatchSize, logger)

	return &Client{
		Signatures: signature.NewService(o.store, o.clock, o.audit, logger),
		Rules:      rules.NewEngine(o.store, o.audit, logger),
		Sync:       engine,
		Queue:      queue,
		config:     cfg,
		store:      o.store,
		remote:     o.remote,
		clock:      o.clock,
		logger:     logger,
	}, nil
}

// SaveNote validates, stamps and persists a note, then queues it for push.
// A missing ID marks a new note and gets one assigned.
func (c *Client) SaveNote(ctx context.Context, note *models.ClinicalNote, userID string) error {
	op := models.OpUpdate
	if note.ID == "" {
		note.ID = uuid.New().String()
		op = models.OpCreate
	}

	if err := note.Validate(); err != nil {
		return err
	}

	note.Stamp(c.clock(), userID)
	if err := c.store.SaveNote(ctx, note); err != nil {
		return err
	}
	return c.Queue.Enqueue(ctx, note, op)
}

// DeleteNote removes a note locally and queues the delete for push.
func (c *Client) DeleteNote(ctx context.Context, noteID string) error {
	note, err := c.store.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if note.IsSigned() {
		_, signedAt, signedBy := note.SignatureInfo()
		return &models.ImmutableViolationError{
			EntityType: note.EntityType(),
			EntityID:   note.ID,
			SignedBy:   signedBy,
			SignedAt:   signedAt,
		}
	}

	if err := c.store.DeleteNote(ctx, noteID); err != nil {
		return err
	}
	return c.Queue.Enqueue(ctx, note, models.OpDelete)
}

// SignNote signs a note and queues the signed version for push so other
// devices learn about the signature.
func (c *Client) SignNote(ctx context.Context, noteID, userID string) (*signature.SignResult, error) {
	result, err := c.Signatures.Sign(ctx, noteID, userID)
	if err != nil {
		return nil, err
	}
	note, err := c.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := c.Queue.Enqueue(ctx, note, models.OpUpdate); err != nil {
		return nil, err
	}
	return result, nil
}

// GetNote loads one note.
func (c *Client) GetNote(ctx context.Context, noteID string) (*models.ClinicalNote, error) {
	return c.store.GetNote(ctx, noteID)
}

// ListPatientNotes returns a patient's notes ordered by date of service.
func (c *Client) ListPatientNotes(ctx context.Context, patientID string) ([]*models.ClinicalNote, error) {
	return c.store.ListPatientNotes(ctx, patientID)
}

// ListAddenda returns a note's addenda in creation order.
func (c *Client) ListAddenda(ctx context.Context, noteID string) ([]*models.Addendum, error) {
	return c.store.ListAddenda(ctx, noteID)
}

// ListUnresolvedConflicts returns archive entries awaiting review.
func (c *Client) ListUnresolvedConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	return c.store.ListUnresolvedConflicts(ctx)
}

// MarkConflictResolved records that a clinician reviewed an archive entry.
func (c *Client) MarkConflictResolved(ctx context.Context, conflictID string) error {
	return c.store.MarkConflictResolved(ctx, conflictID)
}

// LastSyncAt reports the pull watermark.
func (c *Client) LastSyncAt(ctx context.Context) (time.Time, error) {
	return c.store.LastSyncAt(ctx)
}

// Close releases the store and remote.
func (c *Client) Close() error {
	if err := c.remote.Close(); err != nil {
		c.logger.WithError(err).Warn("Remote close failed")
	}
	return c.store.Close()
}
