package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/monitoring"
	"github.com/sells-group/catalog-enrich/internal/pipeline"
)

const maxBatchRecords = 10_000

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go env.Checker.Run(ctx)
		go env.Enricher.Batcher().Run(ctx)

		handler := buildRouter(env.Enricher, env.Registry, env.Metrics, cfg.Server.AllowedOrigins)
		return startServer(ctx, handler, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// buildRouter mounts the enrichment API. metrics may be nil.
func buildRouter(e *pipeline.Enricher, reg prometheus.Gatherer, metrics *monitoring.Metrics, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if metrics != nil {
			for _, t := range model.AllTiers {
				metrics.ObserveLimiter(t, e.LimiterStatus(t))
			}
		}
		metricsHandler.ServeHTTP(w, req)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/enrich", func(w http.ResponseWriter, req *http.Request) {
			var rec model.Record
			if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if strings.TrimSpace(rec.Name) == "" {
				writeError(w, http.StatusBadRequest, "name is required")
				return
			}
			writeJSON(w, http.StatusOK, e.Enrich(req.Context(), rec))
		})

		r.Post("/enrich/batch", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Records []model.Record `json:"records"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if len(body.Records) == 0 {
				writeError(w, http.StatusBadRequest, "records is required")
				return
			}
			if len(body.Records) > maxBatchRecords {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d records per request", maxBatchRecords))
				return
			}
			outcomes := e.EnrichBatch(req.Context(), body.Records)
			writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
		})

		r.Get("/costs", func(w http.ResponseWriter, req *http.Request) {
			window := time.Hour
			if raw := req.URL.Query().Get("window"); raw != "" {
				d, err := time.ParseDuration(raw)
				if err != nil || d <= 0 {
					writeError(w, http.StatusBadRequest, "window must be a positive duration like 1h or 24h")
					return
				}
				window = d
			}
			writeJSON(w, http.StatusOK, e.CostSummary(window))
		})

		r.Get("/limiter/{tier}", func(w http.ResponseWriter, req *http.Request) {
			tier, err := model.ParseTier(chi.URLParam(req, "tier"))
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, e.LimiterStatus(tier))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
