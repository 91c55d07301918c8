package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/nestview/backend/internal/middleware"
	"github.com/nestview/backend/internal/presence"
	"github.com/nestview/backend/internal/realtime"
	"github.com/nestview/backend/internal/router"
)

type pinger = router.Pinger

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type routeDeps struct {
	tokens   middleware.TokenValidator
	bookings router.APIRoutes
	ledger   router.APIRoutes
	messages router.APIRoutes
	callback router.PublicRoutes
	registry *presence.Registry
	relay    realtime.Relay
	origins  []string
	health   map[string]pinger
	logger   *slog.Logger
}

// newRouter mounts every route.
// API groups: BearerAuth -> handler. /ws and the payout callback authenticate
// themselves (token query parameter, HMAC signature).
func newRouter(d routeDeps) *http.ServeMux {
	ws := realtime.NewHandler(d.registry, d.tokens, d.relay, originHosts(d.origins), d.logger)
	return router.New(router.Config{
		Auth:   middleware.BearerAuth(d.tokens),
		API:    []router.APIRoutes{d.bookings, d.ledger, d.messages},
		Public: []router.PublicRoutes{d.callback, ws},
		Health: d.health,
		Logger: d.logger,
	})
}

// originHosts turns CORS origins into the host patterns the websocket
// handshake checks against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
