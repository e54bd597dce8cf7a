// Package server serves run history, project status and live task
// events over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"emalign/internal/logging"
	"emalign/internal/project"
	"emalign/internal/storage"
	"emalign/internal/taskqueue"
)

// RunRequest asks the server to start a pyramid build or an alignment on
// the watched project.
type RunRequest struct {
	Stage  string `json:"stage"` // scale, align
	Scale  int    `json:"scale,omitempty"`
	Option string `json:"option,omitempty"`
	Start  int    `json:"start,omitempty"`
	Count  *int   `json:"count,omitempty"`
	Images bool   `json:"generate_images,omitempty"`
}

// Launcher runs req to completion. observe must be passed every task
// queue the run creates. The returned summary ends up in the
// run_finished event.
type Launcher func(ctx context.Context, runID string, req RunRequest, observe func(*taskqueue.Queue)) (string, error)

// ScaleSummary is the status of one scale.
type ScaleSummary struct {
	Key        string `json:"key"`
	Layers     int    `json:"layers"`
	Aligned    int    `json:"aligned"`
	Skipped    int    `json:"skipped"`
	AllAligned bool   `json:"all_aligned"`
	Ready      bool   `json:"ready_for_alignment"`
}

// ProjectSummary is the status of the watched project.
type ProjectSummary struct {
	Path   string         `json:"path"`
	Layers int            `json:"layers"`
	Scales []ScaleSummary `json:"scales"`
	Error  string         `json:"error,omitempty"`
}

// Summarize reports every scale of p, finest first.
func Summarize(path string, p *project.Project) ProjectSummary {
	sum := ProjectSummary{Path: path, Layers: p.NumLayers()}
	for _, k := range p.SortedScaleKeys() {
		st, err := p.Status(k)
		if err != nil {
			continue
		}
		sum.Scales = append(sum.Scales, ScaleSummary{
			Key:        k.String(),
			Layers:     st.Layers,
			Aligned:    st.Aligned,
			Skipped:    st.Skipped,
			AllAligned: st.AllAligned,
			Ready:      p.IsScaleReadyForAlignment(k),
		})
	}
	return sum
}

// Options configure a Server.
type Options struct {
	Addr   string
	Store  *storage.Store
	Logger *slog.Logger
	Launch Launcher // nil disables POST /runs
}

// Server is the HTTP front of `emalign serve`.
type Server struct {
	addr   string
	store  *storage.Store
	log    *slog.Logger
	hub    *Hub
	launch Launcher

	mu      sync.Mutex
	summary *ProjectSummary
	running string
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		addr:    opts.Addr,
		store:   opts.Store,
		log:     log,
		hub:     NewHub(),
		launch:  opts.Launch,
		baseCtx: context.Background(),
	}
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// SetProject records the latest state of the watched project and tells
// stream clients about it. A non-nil err means the file could not be read.
func (s *Server) SetProject(path string, p *project.Project, err error) {
	sum := ProjectSummary{Path: path}
	if err != nil {
		sum.Error = err.Error()
	} else if p != nil {
		sum = Summarize(path, p)
	}
	s.mu.Lock()
	s.summary = &sum
	s.mu.Unlock()
	s.hub.Publish(Event{Type: "project_reloaded", Project: &sum, Error: sum.Error})
}

// Observe forwards q's results to stream clients until q stops.
func (s *Server) Observe(q *taskqueue.Queue) {
	results, _ := q.Subscribe()
	go func() {
		for res := range results {
			s.hub.Publish(taskEvent(res))
		}
	}()
}

func taskEvent(res taskqueue.Result) Event {
	te := &TaskEvent{
		ID:        res.Task.ID,
		Cmd:       res.Task.Cmd,
		Status:    string(res.Status),
		RC:        res.RC,
		Retries:   res.Retries,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if res.Error != nil {
		te.Error = res.Error.Error()
	}
	return Event{Type: "task", RunID: res.Task.RunID, Task: te}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(PrometheusMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/{id}/tasks", s.handleRunTasks).Methods("GET")
	r.HandleFunc("/project", s.handleProject).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Start serves until ctx is done, then shuts down gracefully and waits
// for launched runs to return.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	s.wg.Wait()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunTasks(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sum := s.summary
	s.mu.Unlock()
	if sum == nil {
		http.Error(w, "no project loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.launch == nil {
		http.Error(w, "runs cannot be started on this server", http.StatusNotImplemented)
		return
	}
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Stage != "scale" && req.Stage != "align" {
		http.Error(w, fmt.Sprintf("unknown stage %q", req.Stage), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.running != "" {
		running := s.running
		s.mu.Unlock()
		http.Error(w, "run "+running+" is still in progress", http.StatusConflict)
		return
	}
	runID := fmt.Sprintf("%s-%d", req.Stage, time.Now().UnixNano())
	s.running = runID
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	s.hub.Publish(Event{Type: "run_started", RunID: runID})
	go func() {
		defer s.wg.Done()
		summary, err := s.launch(ctx, runID, req, s.Observe)
		ev := Event{Type: "run_finished", RunID: runID, Summary: summary}
		if err != nil {
			ev.Error = err.Error()
			s.log.Error("run failed", "run_id", runID, "error", err)
		}
		s.mu.Lock()
		s.running = ""
		s.mu.Unlock()
		s.hub.Publish(ev)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}
