package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/coordinator"
	"github.com/zoravur/livequery/internal/store"
)

// Deps are the shared resources the handlers serve from.
type Deps struct {
	Store       *store.DB
	Coordinator *coordinator.Coordinator
	Logger      *zap.Logger
	// StaticDir, when set, is served at the root.
	StaticDir string
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(d.Logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", d.handleQuery)
		r.Post("/edit", d.handleEdit)
		r.Get("/live", d.handleLiveQueries)
		r.Get("/ws", d.handleWS)
	})
	r.Handle("/metrics", promhttp.Handler())

	if d.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(d.StaticDir)))
	}
	return r
}
