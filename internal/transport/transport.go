// Package transport talks to the remote sync endpoint. The wire format is
// JSON over HTTPS for push and incremental pull, plus an optional websocket
// change feed carrying the same ChangeRecord payloads.
package transport

import (
	"context"
	"time"

	"github.com/clinsync/clinsync/internal/config"
	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
)

// Remote is the sync endpoint contract. Delivery is at-least-once; callers
// must tolerate replayed operations.
type Remote interface {
	// Push submits a batch of local operations and returns one outcome
	// per operation, in order.
	Push(ctx context.Context, batch []models.PushOperation) ([]models.PushOutcome, error)

	// Pull fetches remote changes since the given time.
	Pull(ctx context.Context, since time.Time) ([]models.ChangeRecord, error)

	// Watch opens a streaming change feed. The channel closes when the
	// context is cancelled or the connection drops.
	Watch(ctx context.Context) (<-chan models.ChangeRecord, error)

	Close() error
}

// DefaultRemote implements Remote over HTTP plus a websocket feed.
type DefaultRemote struct {
	httpClient *HTTPClient
	wsClient   *WatchClient
	logger     *events.Logger
}

// NewRemote creates a remote for the configured endpoint.
func NewRemote(cfg *config.RemoteConfig, logger *events.Logger) Remote {
	return &DefaultRemote{
		httpClient: NewHTTPClient(cfg, logger),
		logger:     logger,
	}
}

// Push forwards to the HTTP client.
func (r *DefaultRemote) Push(ctx context.Context, batch []models.PushOperation) ([]models.PushOutcome, error) {
	return r.httpClient.Push(ctx, batch)
}

// Pull forwards to the HTTP client.
func (r *DefaultRemote) Pull(ctx context.Context, since time.Time) ([]models.ChangeRecord, error) {
	return r.httpClient.Pull(ctx, since)
}

// Watch opens a websocket change feed.
func (r *DefaultRemote) Watch(ctx context.Context) (<-chan models.ChangeRecord, error) {
	r.wsClient = NewWatchClient(r.httpClient.baseURL, r.httpClient.token, r.logger)
	if err := r.wsClient.Connect(ctx); err != nil {
		return nil, err
	}
	return r.wsClient.Changes(), nil
}

// Close closes the websocket feed if open.
func (r *DefaultRemote) Close() error {
	if r.wsClient != nil {
		return r.wsClient.Close()
	}
	return nil
}
