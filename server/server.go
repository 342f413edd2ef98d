package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchd/fetchd/config"
	"github.com/fetchd/fetchd/events"
	"github.com/fetchd/fetchd/models"
	"github.com/fetchd/fetchd/orchestrator"
	"github.com/fetchd/fetchd/store"
)

// Server is the HTTP and WebSocket surface over the orchestrator
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates the server; it does not start listening yet
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		bus:    bus,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/jobs", s.apiKey(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /api/jobs", s.apiKey(http.HandlerFunc(s.handleList)))
	mux.Handle("GET /api/jobs/{id}", s.apiKey(http.HandlerFunc(s.handleGet)))
	mux.Handle("DELETE /api/jobs/{id}", s.apiKey(http.HandlerFunc(s.handleCancel)))
	mux.Handle("POST /api/jobs/{id}/pause", s.apiKey(http.HandlerFunc(s.handlePause)))
	mux.Handle("POST /api/jobs/{id}/resume", s.apiKey(http.HandlerFunc(s.handleResume)))
	mux.Handle("POST /api/jobs/{id}/retry", s.apiKey(http.HandlerFunc(s.handleRetry)))
	mux.Handle("GET /api/jobs/{id}/file", s.apiKey(http.HandlerFunc(s.handleFile)))
	mux.Handle("GET /api/metrics", s.apiKey(http.HandlerFunc(s.handleMetrics)))
	mux.HandleFunc("/ws", s.handleClientWS)
	mux.HandleFunc("/ws/worker", s.handleWorkerWS)

	return s.cors(mux)
}

// Start begins serving in the background
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(timeout time.Duration) {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := contextWithTimeout(timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed json body", models.ErrInvalidInput))
		return
	}
	job, err := s.orch.Submit(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"jobId": job.ID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status: models.JobStatus(q.Get("status")),
		Kind:   models.JobKind(q.Get("kind")),
		Search: q.Get("search"),
		Limit:  50,
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, f.Status))
		return
	}
	if f.Kind != "" && !f.Kind.Valid() {
		s.writeError(w, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidInput, f.Kind))
		return
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}

	jobs, total, err := s.orch.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"offset": f.Offset,
		"limit":  f.Limit,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, s.orch.Cancel(r.Context(), r.PathValue("id")))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, s.orch.Pause(r.Context(), r.PathValue("id")))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, s.orch.Resume(r.Context(), r.PathValue("id")))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, s.orch.Retry(r.Context(), r.PathValue("id")))
}

// handleFile streams a completed job's artifact
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.Status != models.StatusCompleted || job.OutputPath == "" {
		s.writeError(w, fmt.Errorf("%w: job has no output yet", models.ErrIllegalTransition))
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		s.writeError(w, models.ErrNotFound)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(job.OutputPath)+`"`)
	http.ServeFile(w, r, job.OutputPath)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = store.MetricsDate(time.Now())
	}
	row, err := s.orch.Metrics(r.Context(), date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

// apiKey guards the REST surface with a static shared key when one is
// configured
func (s *Server) apiKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key", "code": "UNAUTHORIZED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) writeOpResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses and stable codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := models.ErrCodeInternalError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, models.ErrCodeNotFound
	case errors.Is(err, models.ErrIllegalTransition):
		status, code = http.StatusConflict, models.ErrCodeIllegalTransition
	case errors.Is(err, models.ErrInvalidInput):
		status, code = http.StatusBadRequest, models.ErrCodeInvalidInput
	case errors.Is(err, models.ErrConflict):
		status, code = http.StatusConflict, models.ErrCodeInternalError
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}
