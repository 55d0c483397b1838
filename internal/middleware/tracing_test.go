package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordedTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func TestTracingSpanNames(t *testing.T) {
	tests := []struct {
		method   string
		path     string
		wantName string
	}{
		{http.MethodGet, "/quotations", "GET /quotations"},
		{http.MethodPost, "/quotations", "POST /quotations"},
		{http.MethodPost, "/quotations/q-42/approve", "POST /quotations/q-42/approve"},
		{http.MethodGet, "/admin/audit", "GET /admin/audit"},
	}

	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			recorder := recordedTracer(t)

			handler := Tracing("stonetrade-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			if rr.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rr.Code)
			}
			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", spans[0].Name(), tt.wantName)
			}
		})
	}
}

func TestTracingExposesIDsToHandler(t *testing.T) {
	recorder := recordedTracer(t)

	var traceID, spanID string
	handler := Tracing("stonetrade-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r)
		spanID = GetSpanID(r)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/quotations", nil))

	if traceID == "" || spanID == "" {
		t.Fatalf("handler saw trace %q span %q, want both non-empty", traceID, spanID)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	sc := spans[0].SpanContext()
	if sc.TraceID().String() != traceID {
		t.Errorf("trace id: handler saw %s, span recorded %s", traceID, sc.TraceID())
	}
	if sc.SpanID().String() != spanID {
		t.Errorf("span id: handler saw %s, span recorded %s", spanID, sc.SpanID())
	}
}

func TestTraceIDsEmptyWithoutSpan(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/quotations", nil)

	if id := GetTraceID(req); id != "" {
		t.Errorf("GetTraceID without span = %q, want empty", id)
	}
	if id := GetSpanID(req); id != "" {
		t.Errorf("GetSpanID without span = %q, want empty", id)
	}
}
