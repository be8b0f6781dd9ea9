package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/ordware/satsync/internal/api/middleware"
	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/wallet"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter creates the chi router for the introspection API.
func NewRouter(wlt *wallet.Wallet, cfg *config.Config, hub *Hub) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogging)

	slog.Info("router initialized")

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", HealthHandler(cfg, Version))

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", SyncStatus(wlt))
			r.Post("/start", StartSync(wlt))
			r.Post("/stop", StopSync(wlt))
			r.Get("/sse", SyncSSE(hub))
		})
	})

	return r
}
