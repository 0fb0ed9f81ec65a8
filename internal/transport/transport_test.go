package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinsync/clinsync/internal/config"
	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
)

func testClient(t *testing.T, serverURL string) *HTTPClient {
	t.Helper()
	cfg := &config.RemoteConfig{
		BaseURL:    serverURL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		AuthToken:  "test-token",
		DeviceID:   "device-1",
	}
	logger := events.NewTestLogger(events.ErrorLevel, "text", testWriter{t})
	return NewHTTPClient(cfg, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestPushReturnsOutcomesInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "device-1", r.Header.Get("X-Device-ID"))

		var req pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "device-1", req.DeviceID)

		outcomes := make([]models.PushOutcome, len(req.Operations))
		for i, op := range req.Operations {
			outcomes[i] = models.PushOutcome{
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Status:     models.PushAccepted,
			}
		}
		json.NewEncoder(w).Encode(pushResponse{Outcomes: outcomes})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	batch := []models.PushOperation{
		{EntityType: "clinical_note", EntityID: "n1", Operation: models.OpCreate},
		{EntityType: "clinical_note", EntityID: "n2", Operation: models.OpUpdate},
	}

	outcomes, err := client.Push(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "n1", outcomes[0].EntityID)
	assert.Equal(t, "n2", outcomes[1].EntityID)
	assert.Equal(t, models.PushAccepted, outcomes[0].Status)
}

func TestPushOutcomeCountMismatchIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pushResponse{Outcomes: []models.PushOutcome{}})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Push(context.Background(), []models.PushOperation{
		{EntityType: "clinical_note", EntityID: "n1", Operation: models.OpCreate},
	})

	var syncErr *models.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.False(t, syncErr.IsTransient())
}

func TestPullSendsSinceParameter(t *testing.T) {
	since := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/changes", r.URL.Path)
		got, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
		require.NoError(t, err)
		assert.True(t, got.Equal(since))

		json.NewEncoder(w).Encode(pullResponse{Changes: []models.ChangeRecord{
			{EntityType: "clinical_note", EntityID: "n9", Operation: models.OpUpdate,
				LastModifiedAt: since.Add(time.Hour), ModifiedBy: "remote-user"},
		}})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	changes, err := client.Pull(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "n9", changes[0].EntityID)
}

func TestPullZeroSinceOmitsParameter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since"))
		json.NewEncoder(w).Encode(pullResponse{})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Pull(context.Background(), time.Time{})
	require.NoError(t, err)
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(pullResponse{})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Pull(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Pull(context.Background(), time.Time{})

	var syncErr *models.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.False(t, syncErr.IsTransient())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryExhaustionReturnsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Pull(context.Background(), time.Time{})

	var syncErr *models.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.True(t, syncErr.IsTransient())
}

func TestMockRemoteRecordsPushesAndScriptsOutcomes(t *testing.T) {
	mock := NewMockRemote()
	mock.OutcomeFn = func(op models.PushOperation) models.PushOutcome {
		status := models.PushAccepted
		if op.EntityID == "n2" {
			status = models.PushConflict
		}
		return models.PushOutcome{EntityType: op.EntityType, EntityID: op.EntityID, Status: status}
	}

	outcomes, err := mock.Push(context.Background(), []models.PushOperation{
		{EntityType: "clinical_note", EntityID: "n1"},
		{EntityType: "clinical_note", EntityID: "n2"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PushAccepted, outcomes[0].Status)
	assert.Equal(t, models.PushConflict, outcomes[1].Status)
	assert.Equal(t, 1, mock.PushCount())
}
