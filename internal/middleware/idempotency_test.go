package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/idempotency"
)

func idempotencyHandler(calls *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"proof_id":"proof-%d"}`, n)
	})
}

func TestIdempotencyMissingKey(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int64
	handler := Idempotency(repo, map[string]bool{"/orders/x/payments": true})(idempotencyHandler(&calls))

	req := httptest.NewRequest(http.MethodPost, "/orders/x/payments", strings.NewReader(`{"amount":100}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing_idempotency_key") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times without a key", calls.Load())
	}
}

func TestIdempotencyKeyTooLong(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int64
	handler := Idempotency(repo, map[string]bool{"/orders/x/payments": true})(idempotencyHandler(&calls))

	req := httptest.NewRequest(http.MethodPost, "/orders/x/payments", nil)
	req.Header.Set(IdempotencyKeyHeader, strings.Repeat("k", 65))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "idempotency_key_too_long") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestIdempotencyReplay(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int64
	handler := Idempotency(repo, map[string]bool{"/orders/x/payments": true})(idempotencyHandler(&calls))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/x/payments", strings.NewReader(`{"amount":100}`))
		req.Header.Set(IdempotencyKeyHeader, "client-key-1")
		req = req.WithContext(SetSubject(req.Context(), "buyer-1", auth.RoleBuyer))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	second := send()

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
	if second.Code != first.Code {
		t.Errorf("replay status = %d, want %d", second.Code, first.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
}

func TestIdempotencyKeyNotSharedAcrossSubjects(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int64
	handler := Idempotency(repo, map[string]bool{"/orders/x/payments": true})(idempotencyHandler(&calls))

	send := func(subjectID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/x/payments", strings.NewReader(`{"amount":100}`))
		req.Header.Set(IdempotencyKeyHeader, "client-key-1")
		req = req.WithContext(SetSubject(req.Context(), subjectID, auth.RoleBuyer))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("buyer-1")

	// Another subject presenting the same key must get its own execution,
	// never the first subject's cached response.
	second := send("buyer-2")
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
	if second.Body.String() == first.Body.String() {
		t.Errorf("second subject received the first subject's cached body %q", first.Body.String())
	}

	// Each subject still replays its own record.
	if rec := send("buyer-1"); rec.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q", rec.Body.String(), first.Body.String())
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times after replays, want 2", calls.Load())
	}
}

func TestIdempotencyScopedToRoutes(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int64
	handler := Idempotency(repo, map[string]bool{"/orders/x/payments": true})(idempotencyHandler(&calls))

	// GET on a guarded route and POST on an unguarded route both bypass.
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/orders/x/payments", nil),
		httptest.NewRequest(http.MethodPost, "/quotations", nil),
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Errorf("%s %s status = %d, want 201", req.Method, req.URL.Path, rec.Code)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}

func TestIdempotencyErrorNotCached(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int64
	handler := Idempotency(repo, map[string]bool{"/orders/x/payments": true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "balance exceeded", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/x/payments", nil)
		req.Header.Set(IdempotencyKeyHeader, "client-key-2")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// A failed attempt may be retried with the same key.
	if rec := send(); rec.Code != http.StatusBadRequest {
		t.Fatalf("first status = %d, want 400", rec.Code)
	}
	if rec := send(); rec.Code != http.StatusCreated {
		t.Errorf("retry status = %d, want 201", rec.Code)
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}
