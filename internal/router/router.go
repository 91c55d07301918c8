package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nestview/backend/internal/handlers"
)

const healthTimeout = 2 * time.Second

// APIRoutes is a handler group mounted behind bearer authentication.
type APIRoutes interface {
	Register(mux *http.ServeMux, auth func(http.Handler) http.Handler)
}

// PublicRoutes is a handler group that authenticates on its own
// (websocket tokens, signed callbacks).
type PublicRoutes interface {
	Register(mux *http.ServeMux)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Auth   func(http.Handler) http.Handler
	API    []APIRoutes
	Public []PublicRoutes
	// Health checks, by name, behind GET /healthz.
	Health map[string]Pinger
	Logger *slog.Logger
}

// New returns the mux serving every route of the service.
func New(cfg Config) *http.ServeMux {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	for _, g := range cfg.API {
		g.Register(mux, cfg.Auth)
	}
	for _, g := range cfg.Public {
		g.Register(mux)
	}
	mux.HandleFunc("GET /healthz", health(cfg.Health, log))
	return mux
}

func health(checks map[string]Pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		status := map[string]string{}
		code := http.StatusOK
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				log.Warn("health check failed", "check", name, "error", err)
				status[name] = "down"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		handlers.WriteJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
	}
}
