package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestview/backend/internal/middleware"
	"github.com/nestview/backend/internal/models"
)

func fixedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Test-User"))
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), &middleware.Identity{UserID: id})))
	})
}

func serve(t *testing.T, f *fixture, method, path string, user uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(f.svc, nil).Register(mux, fixedAuth)
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != uuid.Nil {
		req.Header.Set("X-Test-User", user.String())
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Balance(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 75000)

	rec := serve(t, f, http.MethodGet, "/api/v1/ledger/balance", user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(75000), got["available_amount"])
	assert.Equal(t, true, got["can_request_payout"])

	rec = serve(t, f, http.MethodGet, "/api/v1/ledger/balance", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_Transactions(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 100)
	f.fund(t, user, 200)

	rec := serve(t, f, http.MethodGet, "/api/v1/ledger/transactions?kind=release&limit=1&page=2", user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page TransactionPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, models.KindRelease, page.Transactions[0].Kind)
	assert.Equal(t, models.Pagination{Page: 2, Limit: 1, Total: 2, Pages: 2}, page.Pagination)

	rec = serve(t, f, http.MethodGet, "/api/v1/ledger/transactions?page=abc", user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, f, http.MethodGet, "/api/v1/ledger/transactions?kind=bonus", user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PayoutMethodsAndPayout(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 60000)

	rec := serve(t, f, http.MethodPost, "/api/v1/ledger/payout-methods", user, map[string]any{
		"type":    "mobile_money",
		"details": map[string]string{"phone_number": "+237650000000", "provider": "Orange"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = serve(t, f, http.MethodPost, "/api/v1/ledger/payout-methods", user, map[string]any{
		"type":    "mobile_money",
		"details": map[string]string{"phone_number": "+237650000000", "provider": "Telecel"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, f, http.MethodGet, "/api/v1/ledger/payout-methods", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = serve(t, f, http.MethodPost, "/api/v1/ledger/payouts", user, PayoutRequest{Amount: 10000, PayoutMethodID: created.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "below minimum")

	rec = serve(t, f, http.MethodPost, "/api/v1/ledger/payouts", uuid.New(), PayoutRequest{Amount: 50000, PayoutMethodID: created.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code, "someone else's method")

	rec = serve(t, f, http.MethodPost, "/api/v1/ledger/payouts", user, PayoutRequest{Amount: 50000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, f, http.MethodPost, "/api/v1/ledger/payouts", user, PayoutRequest{Amount: 50000, PayoutMethodID: created.ID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var txn models.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txn))
	assert.Equal(t, models.TxStatusPending, txn.Status)
	assert.Equal(t, []uuid.UUID{txn.ID}, f.jobs.all())
}
