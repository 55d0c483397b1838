package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

// TestEndToEndTracing runs a request through the tracing middleware into
// a handler that opens application and database spans, then checks span
// names, attributes, and that everything shares one trace.
func TestEndToEndTracing(t *testing.T) {
	recorder := recordSpans(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		ctx, endApprove := tracing.StartSpan(ctx, "approve_quotation")
		tracing.SetAttributes(ctx,
			attribute.String("user.id", "b-1"),
			attribute.String("quotation.id", "q-42"),
		)

		ctx, endQuery := tracing.StartDBSpan(ctx, "quotations", tracing.DBOperationQuery)
		endQuery(nil)

		tracing.AddEvent(ctx, "status_transition",
			attribute.String("to", "approved"),
		)
		endApprove(nil)

		w.WriteHeader(http.StatusOK)
	})

	traced := middleware.Tracing("stonetrade-api")(handler)

	rr := httptest.NewRecorder()
	traced.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/quotations/q-42/approve", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Errorf("expected 3 spans, got %d", len(spans))
		for i, span := range spans {
			t.Logf("  span %d: %s", i, span.Name())
		}
	}

	names := make(map[string]bool)
	for _, span := range spans {
		names[span.Name()] = true
	}
	for _, want := range []string{"POST /quotations/q-42/approve", "approve_quotation", "query quotations"} {
		if !names[want] {
			t.Errorf("missing span %q", want)
		}
	}

	if len(spans) > 0 {
		traceID := spans[0].SpanContext().TraceID()
		for i, span := range spans {
			if span.SpanContext().TraceID() != traceID {
				t.Errorf("span %d on a different trace: %s vs %s",
					i, span.SpanContext().TraceID(), traceID)
			}
		}
	}

	for _, span := range spans {
		if span.Name() != "query quotations" {
			continue
		}
		got := map[attribute.Key]string{}
		for _, attr := range span.Attributes() {
			got[attr.Key] = attr.Value.AsString()
		}
		if got["db.system"] != "postgresql" {
			t.Errorf("db.system = %q, want postgresql", got["db.system"])
		}
		if got["db.operation"] != "query" {
			t.Errorf("db.operation = %q, want query", got["db.operation"])
		}
		if got["db.sql.table"] != "quotations" {
			t.Errorf("db.sql.table = %q, want quotations", got["db.sql.table"])
		}
	}
}

// Span helpers must stay safe to call when tracing is disabled.
func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName: "stonetrade-api",
		Enabled:     false,
	})
	if err != nil {
		t.Fatalf("disabled provider: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to report disabled")
	}

	ctx, end := tracing.StartSpan(context.Background(), "approve_quotation")
	tracing.SetAttributes(ctx, attribute.String("user.id", "b-1"))
	tracing.AddEvent(ctx, "status_transition")
	end(nil)
}

func TestTraceContextPropagation(t *testing.T) {
	recorder := recordSpans(t)

	var capturedTraceID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedTraceID = middleware.GetTraceID(r)
		w.WriteHeader(http.StatusOK)
	})

	traced := middleware.Tracing("stonetrade-api")(handler)

	rr := httptest.NewRecorder()
	traced.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/quotations", nil))

	if capturedTraceID == "" {
		t.Fatal("expected non-empty trace id in handler")
	}

	spans := recorder.Ended()
	if len(spans) > 0 {
		if spanTraceID := spans[0].SpanContext().TraceID().String(); capturedTraceID != spanTraceID {
			t.Errorf("handler saw trace %s, span recorded %s", capturedTraceID, spanTraceID)
		}
	}
}
