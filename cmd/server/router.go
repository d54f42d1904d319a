package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opencanvas/genstudio-api/internal/api"
	apiMiddleware "github.com/opencanvas/genstudio-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	taskHandler := api.NewTaskHandler(app.orchestrator)

	// Register routes
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireIdentity)
			taskHandler.RegisterRoutes(r)
		})
	})

	// Generated artifacts are served as static files under the configured
	// base URL.
	artifactsDir := http.Dir(app.artifactStore.Dir())
	r.Handle(app.config.Storage.ArtifactBaseURL+"/*",
		http.StripPrefix(app.config.Storage.ArtifactBaseURL+"/", http.FileServer(artifactsDir)))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("OK"))
		if err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
