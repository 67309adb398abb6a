// Package server exposes the pipeline, its runs and the history ledger over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pollci/internal/core"
	"pollci/internal/history"
)

// RunController admits and cancels runs. core.Gate implements it.
type RunController interface {
	Submit(reason string) core.Admission
	Cancel() bool
}

// ActiveRun exposes the run in progress. core.Runner implements it.
type ActiveRun interface {
	Active() *core.Run
}

// ChainVerifier checks the persisted history. ledger.Ledger implements it.
type ChainVerifier interface {
	VerifyChain() error
}

// Config wires the server to the rest of the system. Ledger may be nil.
type Config struct {
	Pipeline *core.Pipeline
	Gate     RunController
	Runner   ActiveRun
	History  *history.History
	Ledger   ChainVerifier
	Logger   *slog.Logger
}

// Server is the pollci HTTP API.
type Server struct {
	cfg Config
	srv *http.Server
}

// New creates a server. Call Routes for the handler or Start to listen.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/pipeline", s.handlePipeline)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleTrigger)
		r.Get("/active", s.handleActiveRun)
		r.Post("/active/cancel", s.handleCancel)
	})
	r.Get("/ledger/verify", s.handleVerifyLedger)
	return r
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.cfg.Logger.Info("http api listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.cfg.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Pipeline
	if p == nil {
		writeError(w, http.StatusNotFound, "no pipeline loaded")
		return
	}
	stages := make([]map[string]any, len(p.Stages))
	for i, st := range p.Stages {
		stages[i] = map[string]any{"name": st.Name, "disabled": st.Disabled, "steps": len(st.Steps)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         p.Name,
		"agent":        p.Agent,
		"pollInterval": p.PollInterval(core.DefaultPollInterval).String(),
		"stages":       stages,
		"cleanupSteps": len(p.Cleanup),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusOK, []history.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.History.List())
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

// POST /runs -> manual trigger through the admission gate
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	req := triggerRequest{Reason: "manual"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	admission := s.cfg.Gate.Submit(req.Reason)
	s.cfg.Logger.Info("manual trigger", "reason", req.Reason, "admission", admission)

	status := http.StatusAccepted
	if admission == core.Dropped {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"admission": string(admission)})
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	run := s.cfg.Runner.Active()
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Gate.Cancel() {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// GET /ledger/verify -> run VerifyChain
func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusNotFound, "no ledger configured")
		return
	}
	if err := s.cfg.Ledger.VerifyChain(); err != nil {
		writeError(w, http.StatusConflict, "ledger verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
