package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/monitoring"
	"github.com/sells-group/provider-validation/internal/pipeline"
	"github.com/sells-group/provider-validation/internal/progress"
	"github.com/sells-group/provider-validation/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and progress event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		events := progress.NewBroadcaster(cfg.Server.EventBuffer)
		defer events.Close()

		env, err := initValidator(ctx, "serve", progress.Multi{progress.LogSink{}, events})
		if err != nil {
			return err
		}
		defer env.Close()

		srvState := newServer(ctx, env.Store, env.Orchestrator, events)
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		srvState.health = checker
		if cfg.Monitoring.Enabled {
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvState.routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			events.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		srvState.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runner starts validation runs.
type runner interface {
	RunWithID(ctx context.Context, runID string, records []model.Record) (*model.ValidationRun, error)
}

// server holds the handler state. Runs started over HTTP live on ctx, so
// they stop between records when the server shuts down.
type server struct {
	ctx    context.Context
	store  store.Store
	runner runner
	events *progress.Broadcaster
	health *monitoring.Checker
	runs   sync.WaitGroup
}

func newServer(ctx context.Context, st store.Store, r runner, events *progress.Broadcaster) *server {
	return &server{ctx: ctx, store: st, runner: r, events: events}
}

func (s *server) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/records/{id}", s.handleGetRecord)
	r.Post("/runs", s.handleStartRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/trust", s.handleListTrust)
	r.Get("/events", s.handleEvents)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// wait blocks until every run started over HTTP has returned.
func (s *server) wait() {
	s.runs.Wait()
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type startRunRequest struct {
	Records   []model.Record `json:"records"`
	RecordIDs []string       `json:"record_ids"`
}

func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	recs := req.Records
	switch {
	case len(recs) > 0 && len(req.RecordIDs) > 0:
		writeError(w, http.StatusBadRequest, "send records or record_ids, not both")
		return
	case len(recs) > 0:
		if _, err := s.store.ImportRecords(r.Context(), recs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case len(req.RecordIDs) > 0:
		for _, id := range req.RecordIDs {
			rec, err := s.store.GetRecord(r.Context(), id)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			recs = append(recs, *rec)
		}
	default:
		writeError(w, http.StatusBadRequest, "records or record_ids is required")
		return
	}

	runID := uuid.NewString()
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		run, err := s.runner.RunWithID(s.ctx, runID, recs)
		if err != nil {
			zap.L().Error("serve: run failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		zap.L().Info("serve: run complete",
			zap.String("run_id", runID),
			zap.Int("flagged", run.Stats.Flagged),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"run_id":  runID,
		"records": len(recs),
	})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []model.ValidationRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleListTrust(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListTrust(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []model.TrustEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusNotFound, "monitoring not configured")
		return
	}
	report, err := s.health.Check(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEvents streams progress events as Server-Sent Events. An optional
// run_id query parameter limits the stream to one run. Slow clients lose
// events rather than holding up the pipeline.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.events.Subscribe()
	defer sub.Close()
	runID := r.URL.Query().Get("run_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if runID != "" && e.RunID != runID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				zap.L().Warn("serve: encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("serve: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("serve: store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

var _ runner = (*pipeline.Orchestrator)(nil)
