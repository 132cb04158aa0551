package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
)

func newServer(t *testing.T) (*Server, *contextstore.DB) {
	t.Helper()
	db, err := contextstore.OpenDB(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(&config.StatusAPIConfig{Enabled: true, ListenAddr: ":0"}, db), db
}

func seed(t *testing.T, db *contextstore.DB, uuid, user, status string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertRunning(ctx, contextstore.TaskRow{
		UUID: uuid, TaskKey: "github:issue:acme/widgets#1", User: user,
	}))
	if status != contextstore.StatusRunning {
		require.NoError(t, db.SetStatus(ctx, uuid, status, ""))
	}
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router().ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t)
	w, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestListTasksFilters(t *testing.T) {
	s, db := newServer(t)
	seed(t, db, "11111111-0000-4000-8000-000000000001", "alice", contextstore.StatusRunning)
	seed(t, db, "11111111-0000-4000-8000-000000000002", "bob", contextstore.StatusCompleted)
	seed(t, db, "11111111-0000-4000-8000-000000000003", "alice", contextstore.StatusCompleted)

	w, body := get(t, s, "/api/v1/tasks")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["count"])

	_, body = get(t, s, "/api/v1/tasks?status=completed")
	assert.EqualValues(t, 2, body["count"])

	_, body = get(t, s, "/api/v1/tasks?status=completed&user=alice")
	assert.EqualValues(t, 1, body["count"])
	tasks := body["tasks"].([]any)
	first := tasks[0].(map[string]any)
	assert.Equal(t, "11111111-0000-4000-8000-000000000003", first["uuid"])
}

func TestListTasksRejectsUnknownStatus(t *testing.T) {
	s, _ := newServer(t)
	w, _ := get(t, s, "/api/v1/tasks?status=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask(t *testing.T) {
	s, db := newServer(t)
	seed(t, db, "11111111-0000-4000-8000-000000000001", "alice", contextstore.StatusFailed)

	w, body := get(t, s, "/api/v1/tasks/11111111-0000-4000-8000-000000000001")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "alice", body["user"])
}

func TestGetTaskNotFound(t *testing.T) {
	s, _ := newServer(t)
	w, _ := get(t, s, "/api/v1/tasks/deadbeef-0000-4000-8000-000000000000")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
