package http_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internal_http "github.com/taskmesh/taskmesh/internal/http"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

func newServer(store storage.Store) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", internal_http.HealthHandler)
	mux.HandleFunc("/runs", internal_http.RunsHandler(store))
	mux.HandleFunc("/runs/", internal_http.RunByIDHandler(store))
	return httptest.NewServer(mux)
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		srv := newServer(storage.NewMockStore())
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "taskmesh server is running", string(body))
	})

	t.Run("ListRunsEmpty", func(t *testing.T) {
		srv := newServer(storage.NewMockStore())
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/runs")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var runs []models.Run
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
		assert.Empty(t, runs)
	})

	t.Run("ListRuns", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.SaveRun(models.Run{
			ID:        "wf-1",
			Name:      "pipeline",
			Status:    models.CompletedWorkflowStatus,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}))
		srv := newServer(store)
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/runs")
		assert.NoError(t, err)
		defer resp.Body.Close()

		var runs []models.Run
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
		assert.Len(t, runs, 1)
		assert.Equal(t, "pipeline", runs[0].Name)
	})

	t.Run("GetRunWithDetails", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.SaveRun(models.Run{
			ID:     "wf-2",
			Name:   "etl",
			Status: models.FailedWorkflowStatus,
		}))
		assert.NoError(t, store.SaveDependency(models.Dependency{
			TaskID: "load", DependsOn: "extract", WorkflowID: "wf-2",
		}))
		assert.NoError(t, store.SaveEvent(models.TaskEvent{
			WorkflowID: "wf-2", TaskID: "extract", State: models.FailedTaskState, Message: "exit code 1",
		}))
		srv := newServer(store)
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/runs/wf-2")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var details struct {
			Run          models.Run          `json:"run"`
			Dependencies []models.Dependency `json:"dependencies"`
			Events       []models.TaskEvent  `json:"events"`
		}
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&details))
		assert.Equal(t, "etl", details.Run.Name)
		assert.Len(t, details.Dependencies, 1)
		assert.Len(t, details.Events, 1)
		assert.Equal(t, "exit code 1", details.Events[0].Message)
	})

	t.Run("GetUnknownRun", func(t *testing.T) {
		srv := newServer(storage.NewMockStore())
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/runs/missing")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv := newServer(storage.NewMockStore())
		defer srv.Close()

		resp, err := srv.Client().Post(srv.URL+"/runs", "application/json", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
