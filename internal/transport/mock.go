package transport

import (
	"context"
	"sync"
	"time"

	"github.com/clinsync/clinsync/internal/models"
)

// MockRemote is a scriptable Remote for tests. Push batches are recorded
// and answered from configured outcomes; Pull returns queued changes.
type MockRemote struct {
	mu sync.Mutex

	// Pushed collects every batch submitted, in order.
	Pushed [][]models.PushOperation

	// OutcomeFn decides the outcome per operation. Defaults to accepted.
	OutcomeFn func(op models.PushOperation) models.PushOutcome

	// PushErr, when set, fails every Push call.
	PushErr error

	// PullChanges is returned by the next Pull call, then cleared.
	PullChanges []models.ChangeRecord

	// PullErr, when set, fails every Pull call.
	PullErr error

	// PushErrOnce fails only the next Push, then clears itself.
	PushErrOnce error

	watch chan models.ChangeRecord
}

// NewMockRemote creates an empty mock remote.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		watch: make(chan models.ChangeRecord, 10),
	}
}

func (m *MockRemote) Push(ctx context.Context, batch []models.PushOperation) ([]models.PushOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PushErrOnce != nil {
		err := m.PushErrOnce
		m.PushErrOnce = nil
		return nil, err
	}
	if m.PushErr != nil {
		return nil, m.PushErr
	}

	copied := make([]models.PushOperation, len(batch))
	copy(copied, batch)
	m.Pushed = append(m.Pushed, copied)

	outcomes := make([]models.PushOutcome, len(batch))
	for i, op := range batch {
		if m.OutcomeFn != nil {
			outcomes[i] = m.OutcomeFn(op)
		} else {
			outcomes[i] = models.PushOutcome{
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Status:     models.PushAccepted,
			}
		}
	}
	return outcomes, nil
}

func (m *MockRemote) Pull(ctx context.Context, since time.Time) ([]models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PullErr != nil {
		return nil, m.PullErr
	}
	changes := m.PullChanges
	m.PullChanges = nil
	return changes, nil
}

func (m *MockRemote) Watch(ctx context.Context) (<-chan models.ChangeRecord, error) {
	return m.watch, nil
}

// Emit pushes a record into the watch channel.
func (m *MockRemote) Emit(record models.ChangeRecord) {
	m.watch <- record
}

func (m *MockRemote) Close() error {
	return nil
}

// PushCount returns how many batches were pushed.
func (m *MockRemote) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Pushed)
}
