package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInMemoryRepository_Append(t *testing.T) {
	repo := NewInMemoryRepository()

	entry, err := repo.Append(Record{
		SubjectID:  "user-1",
		Role:       "BUYER",
		Action:     "quotation_approve",
		Status:     StatusSuccess,
		ResourceID: "q-1",
		ClientIP:   "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.ID == "" {
		t.Error("Append() returned entry with empty ID")
	}
	if entry.Timestamp.IsZero() {
		t.Error("Append() returned entry with zero timestamp")
	}
	if entry.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", entry.Status, StatusSuccess)
	}
}

func TestInMemoryRepository_AppendValidation(t *testing.T) {
	repo := NewInMemoryRepository()

	tests := []struct {
		name string
		rec  Record
	}{
		{"empty action", Record{Status: StatusSuccess}},
		{"bad status", Record{Action: "quotation_approve", Status: "nope"}},
		{"empty status", Record{Action: "quotation_approve"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := repo.Append(tt.rec); err == nil {
				t.Error("Append() = nil error, want validation failure")
			}
		})
	}
}

func TestInMemoryRepository_HashChain(t *testing.T) {
	repo := NewInMemoryRepository()

	first, err := repo.Append(Record{Action: "quotation_approve", Status: StatusSuccess})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.PreviousHash != "" {
		t.Errorf("first entry PreviousHash = %q, want empty", first.PreviousHash)
	}

	second, err := repo.Append(Record{Action: "payment_submit", Status: StatusSuccess})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.PreviousHash == "" {
		t.Error("second entry should have non-empty PreviousHash")
	}

	third, err := repo.Append(Record{Action: "payment_review", Status: StatusWarning})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if third.PreviousHash == second.PreviousHash {
		t.Error("third entry PreviousHash should differ from second's")
	}

	if idx := repo.VerifyChain(); idx != -1 {
		t.Errorf("VerifyChain() = %d, want -1 (intact)", idx)
	}
}

func TestInMemoryRepository_Immutability(t *testing.T) {
	repo := NewInMemoryRepository()

	stored, err := repo.Append(Record{
		SubjectID: "user-1",
		Action:    "quotation_approve",
		Status:    StatusSuccess,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Mutating the returned copy must not affect the stored entry.
	stored.Action = "tampered"
	stored.Status = StatusFailedAuth

	got, err := repo.QueryBySubject("user-1", 1)
	if err != nil {
		t.Fatalf("QueryBySubject() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryBySubject() returned %d entries, want 1", len(got))
	}
	if got[0].Action != "quotation_approve" {
		t.Errorf("stored Action = %q, want %q", got[0].Action, "quotation_approve")
	}

	// Mutating a queried copy must not affect subsequent reads either.
	got[0].Details = "tampered"
	again, _ := repo.QueryBySubject("user-1", 1)
	if again[0].Details != "" {
		t.Errorf("stored Details = %q, want empty", again[0].Details)
	}
}

func TestInMemoryRepository_QueryOrderAndLimit(t *testing.T) {
	repo := NewInMemoryRepository()

	for _, action := range []string{"a_first", "b_second", "c_third"} {
		if _, err := repo.Append(Record{SubjectID: "user-1", Action: action, Status: StatusSuccess}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := repo.QueryBySubject("user-1", 2)
	if err != nil {
		t.Fatalf("QueryBySubject() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Action != "c_third" || got[1].Action != "b_second" {
		t.Errorf("order = [%s, %s], want newest first", got[0].Action, got[1].Action)
	}
}

func TestRedactPayload(t *testing.T) {
	payload := map[string]any{
		"amount":               5000,
		"password":             "hunter2",
		"passwordConfirmation": "hunter2",
		"nested": map[string]any{
			"password_confirmation": "hunter2",
			"note":                  "ok",
		},
	}

	got := RedactPayload(payload)

	if got["password"] != redactedValue {
		t.Errorf("password = %v, want redacted", got["password"])
	}
	if got["passwordConfirmation"] != redactedValue {
		t.Errorf("passwordConfirmation = %v, want redacted", got["passwordConfirmation"])
	}
	nested := got["nested"].(map[string]any)
	if nested["password_confirmation"] != redactedValue {
		t.Errorf("nested password_confirmation = %v, want redacted", nested["password_confirmation"])
	}
	if nested["note"] != "ok" {
		t.Errorf("nested note = %v, want preserved", nested["note"])
	}
	if got["amount"] != 5000 {
		t.Errorf("amount = %v, want preserved", got["amount"])
	}

	// Original payload must be untouched.
	if payload["password"] != "hunter2" {
		t.Error("RedactPayload mutated its input")
	}
}

func TestRecorder_PersistsRedactedPayload(t *testing.T) {
	repo := NewInMemoryRepository()
	rec := NewRecorder(repo, slog.Default())

	rec.Record(context.Background(), Record{
		SubjectID: "user-1",
		Action:    "payment_submit",
		Status:    StatusSuccess,
		Payload:   map[string]any{"amount": 100, "password": "hunter2"},
	})

	got, err := repo.QueryBySubject("user-1", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryBySubject() = %v entries, err %v", len(got), err)
	}
	if strings.Contains(got[0].Payload, "hunter2") {
		t.Errorf("payload contains secret: %s", got[0].Payload)
	}
	if !strings.Contains(got[0].Payload, redactedValue) {
		t.Errorf("payload missing redaction marker: %s", got[0].Payload)
	}
}

func TestRecorder_FailOpen(t *testing.T) {
	// A recorder over a failing repository must not panic or block.
	rec := NewRecorder(failingRepo{}, slog.Default())
	rec.Record(context.Background(), Record{Action: "quotation_approve", Status: StatusSuccess})

	// Nil recorder and nil repo are also safe.
	var nilRec *Recorder
	nilRec.Record(context.Background(), Record{Action: "x", Status: StatusSuccess})
}

type failingRepo struct{}

func (failingRepo) Append(Record) (*Entry, error) {
	return nil, ErrImmutable
}
func (failingRepo) QueryBySubject(string, int) ([]*Entry, error)  { return nil, nil }
func (failingRepo) QueryByResource(string, int) ([]*Entry, error) { return nil, nil }

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"xff single", "203.0.113.7", "", "10.0.0.1:1234", "203.0.113.7"},
		{"xff chain", "203.0.113.7, 10.0.0.2", "", "10.0.0.1:1234", "203.0.113.7"},
		{"real ip", "", "203.0.113.8", "10.0.0.1:1234", "203.0.113.8"},
		{"remote addr", "", "", "203.0.113.9:5678", "203.0.113.9"},
		{"remote addr no port", "", "", "203.0.113.9", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserAgentTruncation(t *testing.T) {
	repo := NewInMemoryRepository()

	long := strings.Repeat("x", MaxUserAgentLength+100)
	entry, err := repo.Append(Record{Action: "quotation_approve", Status: StatusSuccess, UserAgent: long})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(entry.UserAgent) != MaxUserAgentLength {
		t.Errorf("UserAgent length = %d, want %d", len(entry.UserAgent), MaxUserAgentLength)
	}
}

func TestExportLogs(t *testing.T) {
	repo := NewInMemoryRepository()
	for i := 0; i < 3; i++ {
		if _, err := repo.Append(Record{SubjectID: "user-1", Action: "quotation_approve", Status: StatusSuccess}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	t.Run("csv", func(t *testing.T) {
		data, err := ExportLogs(repo, ExportOptions{Format: ExportFormatCSV, SubjectID: "user-1"})
		if err != nil {
			t.Fatalf("ExportLogs() error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 4 { // header + 3 rows
			t.Errorf("CSV lines = %d, want 4", len(lines))
		}
		if !strings.HasPrefix(lines[0], "id,timestamp") {
			t.Errorf("CSV header = %q", lines[0])
		}
	})

	t.Run("json", func(t *testing.T) {
		data, err := ExportLogs(repo, ExportOptions{Format: ExportFormatJSON, SubjectID: "user-1", Limit: 2})
		if err != nil {
			t.Fatalf("ExportLogs() error = %v", err)
		}
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("JSON rows = %d, want 2", len(rows))
		}
	})

	t.Run("cbor", func(t *testing.T) {
		data, err := ExportLogs(repo, ExportOptions{Format: ExportFormatCBOR, SubjectID: "user-1"})
		if err != nil {
			t.Fatalf("ExportLogs() error = %v", err)
		}
		if len(data) == 0 {
			t.Error("CBOR export is empty")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := ExportLogs(repo, ExportOptions{Format: "xml", SubjectID: "user-1"}); err == nil {
			t.Error("ExportLogs() accepted unknown format")
		}
	})

	t.Run("missing subject", func(t *testing.T) {
		if _, err := ExportLogs(repo, ExportOptions{Format: ExportFormatJSON}); err == nil {
			t.Error("ExportLogs() accepted empty subject filter")
		}
	})
}

func TestExportLogs_TimeRange(t *testing.T) {
	repo := NewInMemoryRepository()
	if _, err := repo.Append(Record{SubjectID: "user-1", Action: "quotation_approve", Status: StatusSuccess}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	future := time.Now().Add(time.Hour)
	data, err := ExportLogs(repo, ExportOptions{Format: ExportFormatJSON, SubjectID: "user-1", From: future})
	if err != nil {
		t.Fatalf("ExportLogs() error = %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0 for future-only range", len(rows))
	}
}
