// Package server exposes the read-only task API, the run trigger, and
// the live event stream over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/atelier/internal/archive"
	"github.com/joss/atelier/internal/events"
	"github.com/joss/atelier/internal/logging"
	"github.com/joss/atelier/internal/metrics"
	"github.com/joss/atelier/internal/pipeline"
	"github.com/joss/atelier/internal/task"
)

// Server wires the pipeline behind an HTTP surface.
type Server struct {
	store  *task.Store
	runner *pipeline.Runner
	bus    *events.Bus
	mux    *http.ServeMux
	addr   string
	log    *logging.Logger
}

func New(store *task.Store, runner *pipeline.Runner, bus *events.Bus, addr string) *Server {
	s := &Server{
		store:  store,
		runner: runner,
		bus:    bus,
		mux:    http.NewServeMux(),
		addr:   addr,
		log:    logging.New("server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", metrics.Global().Handler())
	s.mux.HandleFunc("GET /tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("GET /tasks/{id}/steps", s.handleGetSteps)
	s.mux.HandleFunc("GET /tasks/{id}/files", s.handleListFiles)
	s.mux.HandleFunc("GET /tasks/{id}/download", s.handleDownload)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("POST /runs", s.handleRun)
	s.mux.HandleFunc("GET /events", s.handleEvents)
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
		// No write timeout: /runs and /events stream indefinitely.
	}
	s.log.Info("listening", map[string]interface{}{"addr": s.addr})
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	json.NewEncoder(w).Encode(tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	json.NewEncoder(w).Encode(t)
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if steps == nil {
		steps = []*task.TaskStep{}
	}
	json.NewEncoder(w).Encode(steps)
}

// handleListFiles lists the artifact files in a task's output
// directory, relative paths only.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if t.OutputDirectory == "" {
		json.NewEncoder(w).Encode([]string{})
		return
	}

	files, err := doublestar.Glob(os.DirFS(t.OutputDirectory), "**/*")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []string{}
	}
	json.NewEncoder(w).Encode(files)
}

// handleDownload streams a zip bundle of the task's working directory.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if t.OutputDirectory == "" {
		http.Error(w, "task has no output directory", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	if _, err := archive.WriteBundle(w, t.OutputDirectory, id); err != nil {
		// Headers are gone; just log.
		s.log.Error("bundle_failed", err, map[string]interface{}{"task_id": id})
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRun triggers a pipeline run and streams narration fragments as
// they are produced. The body ends with the sentinel and a recap.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Expectation string `json:"expectation"`
		Background  string `json:"background,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	h, err := s.runner.Run(r.Context(), pipeline.RunRequest{
		Title:       req.Title,
		Expectation: req.Expectation,
		Background:  req.Background,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Task-Id", h.TaskID)
	flusher, _ := w.(http.Flusher)
	for chunk := range h.Output {
		if _, err := w.Write([]byte(chunk)); err != nil {
			// Client went away; the run keeps going and recovery
			// or the task record carries the outcome.
			for range h.Output {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleEvents streams bus events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe("tasks")
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
