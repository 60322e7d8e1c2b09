// Package api exposes the HTTP surface: the download endpoint, the
// notification WebSocket and liveness probes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/streamdl/internal/extract"
	"github.com/kalambet/streamdl/internal/progress"
	"github.com/kalambet/streamdl/internal/storage"
)

// JobRunner starts extraction jobs.
type JobRunner interface {
	Start(ctx context.Context, job extract.Job, emit progress.Emitter) <-chan extract.Result
	SafeMessage(err error) string
}

// Deps holds everything the handlers need.
type Deps struct {
	Registry *progress.Registry
	Runner   JobRunner
	Root     *storage.Root
	// JobContext is the parent of every job. Jobs are not tied to the
	// request that started them, so only cancelling this context stops them.
	JobContext     context.Context
	AllowedOrigins []string
	Version        string
	Logger         *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) jobContext() context.Context {
	if d.JobContext != nil {
		return d.JobContext
	}
	return context.Background()
}

// NewHandler returns the service's http.Handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", handleRoot(deps.Version))
	r.Get("/health", handleHealth)
	r.Post("/download", handleDownload(deps))
	r.Get("/ws/{clientID}", handleNotify(deps))

	return r
}

func handleRoot(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "online",
			"version": version,
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
