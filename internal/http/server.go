// Package http exposes a read-only status surface over the run archive.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

func StartServer(port string, store storage.Store) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runs", RunsHandler(store))
	mux.HandleFunc("/runs/", RunByIDHandler(store))

	log.GetLogger().Infof("Starting taskmesh server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "taskmesh server is running")
}

// RunsHandler lists archived runs.
func RunsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runs, err := store.ListRuns()
		if err != nil {
			log.GetLogger().Errorf("Failed to list runs: %v", err)
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []models.Run{}
		}
		writeJSON(w, runs)
	}
}

type runDetails struct {
	Run          models.Run          `json:"run"`
	Dependencies []models.Dependency `json:"dependencies,omitempty"`
	Events       []models.TaskEvent  `json:"events,omitempty"`
}

// RunByIDHandler returns one run with its dependency edges and task events.
func RunByIDHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/runs/")
		if id == "" || strings.Contains(id, "/") {
			http.Error(w, "Invalid run id", http.StatusBadRequest)
			return
		}
		run, err := store.GetRun(id)
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Run %s not found", id), http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get run %s: %v", id, err)
			http.Error(w, "Failed to get run", http.StatusInternalServerError)
			return
		}
		deps, err := store.GetDependencies(id)
		if err != nil {
			log.GetLogger().Errorf("Failed to get dependencies of run %s: %v", id, err)
			http.Error(w, "Failed to get run", http.StatusInternalServerError)
			return
		}
		events, err := store.ListEvents(id)
		if err != nil {
			log.GetLogger().Errorf("Failed to list events of run %s: %v", id, err)
			http.Error(w, "Failed to get run", http.StatusInternalServerError)
			return
		}
		writeJSON(w, runDetails{Run: run, Dependencies: deps, Events: events})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
