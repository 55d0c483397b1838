package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/middleware"
)

// AuditHandlers holds dependencies for audit log HTTP handlers. All routes
// are admin only; the role gate sits in the pipeline.
type AuditHandlers struct {
	repo     audit.Repository
	recorder *audit.Recorder
}

// NewAuditHandlers creates a new AuditHandlers instance.
func NewAuditHandlers(repo audit.Repository, recorder *audit.Recorder) *AuditHandlers {
	return &AuditHandlers{repo: repo, recorder: recorder}
}

// QueryBySubject returns audit entries for one subject, newest first.
// GET /admin/audit?subject_id=...&limit=...
func (h *AuditHandlers) QueryBySubject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "subject_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	entries, err := h.repo.QueryBySubject(subjectID, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to query audit entries", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to query audit log")
		return
	}
	writeJSON(w, ctx, http.StatusOK, entries)
}

// Export streams audit entries for one subject in the requested format.
// Every export is itself audited: reading the trail leaves a trace in it.
// GET /admin/audit/export?subject_id=...&format=csv|json|cbor&from=...&to=...
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	format := audit.ExportFormat(query.Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}

	opts := audit.ExportOptions{
		Format:    format,
		SubjectID: query.Get("subject_id"),
	}
	if opts.SubjectID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "subject_id is required")
		return
	}
	if v := query.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "from must be RFC 3339")
			return
		}
		opts.From = t
	}
	if v := query.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "to must be RFC 3339")
			return
		}
		opts.To = t
	}
	if v := query.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}

	data, err := audit.ExportLogs(h.repo, opts)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	h.recorder.Record(ctx, audit.Record{
		SubjectID: middleware.GetSubjectID(ctx),
		Role:      middleware.GetRole(ctx),
		Action:    "audit.export",
		Status:    audit.StatusSuccess,
		RequestID: middleware.GetRequestID(ctx),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   "subject " + opts.SubjectID + " as " + string(format),
	})

	switch format {
	case audit.ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit_export.csv"`)
	case audit.ExportFormatCBOR:
		w.Header().Set("Content-Type", "application/cbor")
		w.Header().Set("Content-Disposition", `attachment; filename="audit_export.cbor"`)
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write export", "error", err)
	}
}
