package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"speckitflow/internal/dag"
	"speckitflow/internal/errs"
	"speckitflow/internal/statestore"
	"speckitflow/internal/worktree"
)

// Server exposes a read-only view of one spec's orchestration run: its
// persisted OrchestrationState, the DAG it was built from, the worktrees
// git currently has checked out, and a WebSocket stream of the events
// SessionCoordinator emits as the run progresses.
type Server struct {
	router *chi.Mux
	specID string
	store  *statestore.Store
	engine *dag.Engine
	wtMgr  *worktree.Manager
	hub    *Hub
	log    zerolog.Logger
}

// NewServer wires routes for specID's run. engine must already have had
// Build/AssignSessions called by the coordinator driving the same run.
func NewServer(specID string, store *statestore.Store, engine *dag.Engine, wtMgr *worktree.Manager, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		specID: specID,
		store:  store,
		engine: engine,
		wtMgr:  wtMgr,
		hub:    NewHub(log),
		log:    log.With().Str("component", "httpapi").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Hub returns the event hub, so a caller can wire it as an
// coordinator.EventSink via Hub().SinkFor(specID) and start its loop via
// Hub().Run(ctx).
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupMiddleware() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleIndex)
	s.router.Get("/state", s.handleState)
	s.router.Get("/dag", s.handleDAG)
	s.router.Get("/worktrees", s.handleWorktrees)
	s.router.Get("/phases/{n}", s.handlePhase)
	s.router.Get("/ws/runs/{spec_id}", s.handleWebSocket)
}

// Router exposes the underlying handler, e.g. for http.Server.Handler or
// for tests via httptest.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": "1.0",
		"name":    "speckit-flow",
		"spec_id": s.specID,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDAG(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.engine.ToSerialized(s.specID, state.NumSessions, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.wtMgr.GetSpecWorktrees(r.Context(), s.specID))
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		http.Error(w, "invalid phase index", http.StatusBadRequest)
		return
	}

	phases, err := s.engine.Phases()
	if err != nil {
		writeError(w, err)
		return
	}
	if n >= len(phases) {
		http.Error(w, "phase index out of range", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, phases[n])
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	specID := chi.URLParam(r, "spec_id")

	opts := &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:5173", "localhost:3000"},
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}

	client := NewClient(specID, conn, s.hub)
	s.hub.Register(client)

	go client.ReadLoop()
	go client.WriteLoop(s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, errs.ErrInvalidArgument) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// Start serves the router on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go s.hub.Run(ctx)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
