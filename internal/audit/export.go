package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatCBOR exports entries as a CBOR array, for compact
	// machine-to-machine handoff to investigation tooling.
	ExportFormatCBOR ExportFormat = "cbor"
)

// ExportOptions configures audit log export parameters.
type ExportOptions struct {
	Format    ExportFormat // Export format (csv, json, or cbor)
	From      time.Time    // Start of time range (inclusive)
	To        time.Time    // End of time range (inclusive)
	SubjectID string       // Filter by subject (required)
	Limit     int          // Maximum number of entries (0 = no limit)
}

// ExportLogs exports audit entries matching the given options.
// Returns the exported data as bytes in the specified format.
func ExportLogs(repo Repository, opts ExportOptions) ([]byte, error) {
	switch opts.Format {
	case ExportFormatCSV, ExportFormatJSON, ExportFormatCBOR:
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	if opts.SubjectID == "" {
		return nil, fmt.Errorf("export requires a subject filter")
	}

	// Query without limit first so the limit applies after time filtering.
	entries, err := repo.QueryBySubject(opts.SubjectID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}

	if !opts.From.IsZero() || !opts.To.IsZero() {
		entries = filterByTimeRange(entries, opts.From, opts.To)
	}

	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	switch opts.Format {
	case ExportFormatCSV:
		return exportToCSV(entries)
	case ExportFormatJSON:
		return json.Marshal(exportRows(entries))
	case ExportFormatCBOR:
		return cbor.Marshal(exportRows(entries))
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

// filterByTimeRange keeps entries whose timestamp falls within [from, to].
// A zero bound is open-ended.
func filterByTimeRange(entries []*Entry, from, to time.Time) []*Entry {
	var out []*Entry
	for _, e := range entries {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// exportRow is the serialized shape of one entry for JSON/CBOR export.
type exportRow struct {
	ID              string `json:"id" cbor:"1,keyasint"`
	Timestamp       string `json:"timestamp" cbor:"2,keyasint"`
	SubjectID       string `json:"subject_id,omitempty" cbor:"3,keyasint,omitempty"`
	Role            string `json:"role,omitempty" cbor:"4,keyasint,omitempty"`
	Action          string `json:"action" cbor:"5,keyasint"`
	Status          string `json:"status" cbor:"6,keyasint"`
	ResourceID      string `json:"resource_id,omitempty" cbor:"7,keyasint,omitempty"`
	RequestID       string `json:"request_id,omitempty" cbor:"8,keyasint,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty" cbor:"9,keyasint,omitempty"`
	ClientIP        string `json:"client_ip,omitempty" cbor:"10,keyasint,omitempty"`
	UserAgent       string `json:"user_agent,omitempty" cbor:"11,keyasint,omitempty"`
	Details         string `json:"details,omitempty" cbor:"12,keyasint,omitempty"`
	PreviousHash    string `json:"previous_hash,omitempty" cbor:"13,keyasint,omitempty"`
}

func exportRows(entries []*Entry) []exportRow {
	rows := make([]exportRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, exportRow{
			ID:              e.ID,
			Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
			SubjectID:       e.SubjectID,
			Role:            e.Role,
			Action:          e.Action,
			Status:          e.Status,
			ResourceID:      e.ResourceID,
			RequestID:       e.RequestID,
			ReferenceNumber: e.ReferenceNumber,
			ClientIP:        e.ClientIP,
			UserAgent:       e.UserAgent,
			Details:         e.Details,
			PreviousHash:    e.PreviousHash,
		})
	}
	return rows
}

var csvHeader = []string{
	"id", "timestamp", "subject_id", "role", "action", "status",
	"resource_id", "request_id", "reference_number",
	"client_ip", "user_agent", "details", "previous_hash",
}

func exportToCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.SubjectID,
			e.Role,
			e.Action,
			e.Status,
			e.ResourceID,
			e.RequestID,
			e.ReferenceNumber,
			e.ClientIP,
			e.UserAgent,
			e.Details,
			e.PreviousHash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}
