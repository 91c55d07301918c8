package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/auth"
	"github.com/nestview/backend/internal/presence"
)

type noRoutes struct{}

func (noRoutes) Register(*http.ServeMux, func(http.Handler) http.Handler) {}

type noPublic struct{}

func (noPublic) Register(*http.ServeMux) {}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"http://localhost:3000", "https://app.nestview.cm", "*.nestview.cm"})
	want := []string{"localhost:3000", "app.nestview.cm", "*.nestview.cm"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("origin %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestNewRouter(t *testing.T) {
	tokens := auth.NewService("secret", time.Hour)
	mux := newRouter(routeDeps{
		tokens:   tokens,
		bookings: noRoutes{},
		ledger:   noRoutes{},
		messages: noRoutes{},
		callback: noPublic{},
		registry: presence.NewRegistry(),
		health:   map[string]pinger{"postgres": pingerFunc(func(context.Context) error { return nil })},
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("ws without token: expected 401, got %d", rec.Code)
	}

	tok, err := tokens.IssueToken(uuid.New(), auth.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Errorf("ws with bearer token: expected the upgrade to be attempted, got 401")
	}
}
