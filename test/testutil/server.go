package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/clinsync/clinsync/internal/models"
)

// SyncServer is an in-memory stand-in for the remote sync endpoint. It
// applies last-write-wins on push, returning its current version on
// conflict, and serves incremental changes.
type SyncServer struct {
	*httptest.Server

	mu       sync.Mutex
	current  map[string]models.ChangeRecord
	failNext int
}

// NewSyncServer starts the fake endpoint.
func NewSyncServer() *SyncServer {
	s := &SyncServer{current: make(map[string]models.ChangeRecord)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/push", s.handlePush)
	mux.HandleFunc("/api/v1/sync/changes", s.handleChanges)

	s.Server = httptest.NewServer(mux)
	return s
}

// FailNext makes the next n requests return 503.
func (s *SyncServer) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Seed installs a server-side version directly, as if another device had
// pushed it.
func (s *SyncServer) Seed(record models.ChangeRecord) {
	s.mu.Lock()
	s.current[record.EntityID] = record
	s.mu.Unlock()
}

// Version returns the server's current record for an entity.
func (s *SyncServer) Version(entityID string) (models.ChangeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.current[entityID]
	return record, ok
}

func (s *SyncServer) failing(w http.ResponseWriter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
	return false
}

type pushRequest struct {
	DeviceID   string                 `json:"device_id"`
	Operations []models.PushOperation `json:"operations"`
}

type pushResponse struct {
	Outcomes []models.PushOutcome `json:"outcomes"`
}

func (s *SyncServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.failing(w) {
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]models.PushOutcome, len(req.Operations))
	for i, op := range req.Operations {
		outcome := models.PushOutcome{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Status:     models.PushAccepted,
		}

		if current, ok := s.current[op.EntityID]; ok && s.loses(op, current) {
			remote := current
			outcome.Status = models.PushConflict
			outcome.RemoteVersion = &remote
			outcomes[i] = outcome
			continue
		}

		s.current[op.EntityID] = models.ChangeRecord{
			EntityType:     op.EntityType,
			EntityID:       op.EntityID,
			Operation:      op.Operation,
			Snapshot:       op.Snapshot,
			LastModifiedAt: op.LastModifiedAt,
			ModifiedBy:     op.ModifiedBy,
		}
		outcomes[i] = outcome
	}

	_ = json.NewEncoder(w).Encode(pushResponse{Outcomes: outcomes})
}

// loses reports whether an incoming operation loses to the server's
// current version. A replay of the current version is accepted so
// at-least-once delivery stays idempotent.
func (s *SyncServer) loses(op models.PushOperation, current models.ChangeRecord) bool {
	if op.LastModifiedAt.Before(current.LastModifiedAt) {
		return true
	}
	if op.LastModifiedAt.Equal(current.LastModifiedAt) {
		return op.ModifiedBy != current.ModifiedBy
	}
	return false
}

type pullResponse struct {
	Changes []models.ChangeRecord `json:"changes"`
}

func (s *SyncServer) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.failing(w) {
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		since = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []models.ChangeRecord
	for _, record := range s.current {
		if record.LastModifiedAt.After(since) {
			changes = append(changes, record)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].LastModifiedAt.Before(changes[j].LastModifiedAt)
	})

	_ = json.NewEncoder(w).Encode(pullResponse{Changes: changes})
}
