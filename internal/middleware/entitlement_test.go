package middleware

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/clauselens/backend/internal/entitlement"
)

func newEnforcer(t *testing.T) (*EntitlementEnforcer, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return NewEntitlementEnforcer(entitlement.NewGate(db)), mock, func() { _ = db.Close() }
}

func passthrough(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_SkipsNonAnalysisRoutes(t *testing.T) {
	e, mock, done := newEnforcer(t)
	defer done()

	var called bool
	h := e.Middleware(passthrough(&called))

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/analyses/user/u1"},
		{http.MethodPost, "/api/billing/refresh/user/u1"},
		{http.MethodGet, "/health"},
	} {
		called = false
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if !called {
			t.Fatalf("%s %s: expected passthrough", tc.method, tc.path)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected sql activity: %v", err)
	}
}

func TestMiddleware_DeniesInactiveSubscription(t *testing.T) {
	e, mock, done := newEnforcer(t)
	defer done()

	mock.ExpectQuery(`SELECT plan, is_active, current_period_end`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "is_active", "current_period_end"}).
			AddRow("pro", false, nil))

	var called bool
	h := e.Middleware(passthrough(&called))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/analyses/user/u1", nil))

	if called {
		t.Fatalf("expected request blocked")
	}
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v body=%q", err, rr.Body.String())
	}
	if out["error"] != entitlement.ReasonSubInactive {
		t.Fatalf("expected SUB_INACTIVE reason, got %#v", out)
	}
}

func TestMiddleware_AllowsAndStowsDecision(t *testing.T) {
	e, mock, done := newEnforcer(t)
	defer done()

	mock.ExpectQuery(`SELECT plan, is_active, current_period_end`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM public\.analyses`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	var got entitlement.Decision
	var ok bool
	h := e.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = r.Context().Value(CtxDecision).(entitlement.Decision)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/analyses/user/u1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if !ok || !got.Allowed {
		t.Fatalf("expected decision in context, got ok=%t %+v", ok, got)
	}
}
