package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type apiGroup struct{}

func (apiGroup) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("GET /api/v1/thing", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

type publicGroup struct{}

func (publicGroup) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /hook", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
}

func serve(h http.Handler, method, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec.Code
}

func TestNew_MountsGroups(t *testing.T) {
	mux := New(Config{Auth: denyAll, API: []APIRoutes{apiGroup{}}, Public: []PublicRoutes{publicGroup{}}})

	if got := serve(mux, http.MethodGet, "/api/v1/thing"); got != http.StatusUnauthorized {
		t.Errorf("api route: expected 401 from auth, got %d", got)
	}
	if got := serve(mux, http.MethodPost, "/hook"); got != http.StatusAccepted {
		t.Errorf("public route: expected 202, got %d", got)
	}
	if got := serve(mux, http.MethodPost, "/api/v1/thing"); got != http.StatusMethodNotAllowed {
		t.Errorf("wrong method: expected 405, got %d", got)
	}
}

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })

	mux := New(Config{Auth: denyAll, Health: map[string]Pinger{"postgres": ok}})
	if got := serve(mux, http.MethodGet, "/healthz"); got != http.StatusOK {
		t.Errorf("healthy: expected 200, got %d", got)
	}

	mux = New(Config{Auth: denyAll, Health: map[string]Pinger{"postgres": ok, "redis": down}})
	if got := serve(mux, http.MethodGet, "/healthz"); got != http.StatusServiceUnavailable {
		t.Errorf("one check down: expected 503, got %d", got)
	}
}
