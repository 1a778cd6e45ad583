// Package export parses flat patient event exports into structured rows.
// An export is one CSV file per patient: a header line naming the columns,
// then one line per logged system/communication event. Only the presence of
// the required columns is validated here; the metadata column is carried as
// an opaque string and decoded leniently downstream.
package export

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RowWarnThreshold is the row count above which Parse emits an advisory
// size warning. It is not a limit; large exports still parse in full.
const RowWarnThreshold = 1000

// Required export columns. The header check runs once, before any
// row-level work.
var requiredColumns = []string{
	"id",
	"correlation_id",
	"created",
	"domain",
	"event_name",
	"source",
	"metadata",
}

// Optional columns read opportunistically when present.
const (
	colPrescriptionID = "prescription_id"
	colOrderID        = "order_id"
	colPatientID      = "patient_id"
	colMessage        = "message"
	colActor          = "actor"
	colReason         = "reason"
	colEntityID       = "entity_id"
	colEntityType     = "entity_type"
)

// RawRow is one record of the export, exactly as exported: every field is a
// string, including the epoch-millisecond timestamp and the JSON metadata.
type RawRow struct {
	ID             string
	CorrelationID  string
	Created        string
	Domain         string
	EventName      string
	Source         string
	Metadata       string
	PrescriptionID string
	OrderID        string
	PatientID      string
	Message        string
	Actor          string
	Reason         string
	EntityID       string
	EntityType     string
}

// StructuralError reports a whole-file validation failure: the export is
// unusable and no row processing has happened.
type StructuralError struct {
	Reason         string
	MissingColumns []string
}

func (e *StructuralError) Error() string {
	if len(e.MissingColumns) > 0 {
		return fmt.Sprintf("export: %s: %s", e.Reason, strings.Join(e.MissingColumns, ", "))
	}
	return "export: " + e.Reason
}

// Parse splits the export into header and data rows, validates that every
// required column is present, and returns the rows together with any
// advisory warnings. A *StructuralError means the file as a whole is
// unusable (empty, or required columns missing).
func Parse(text string) ([]RawRow, []string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, &StructuralError{Reason: "unreadable export: " + err.Error()}
	}
	if len(records) == 0 {
		return nil, nil, &StructuralError{Reason: "export is empty"}
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, nil, &StructuralError{Reason: "missing required columns", MissingColumns: missing}
	}

	data := records[1:]
	if len(data) == 0 {
		return nil, nil, &StructuralError{Reason: "export has no data rows"}
	}

	field := func(record []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	rows := make([]RawRow, 0, len(data))
	for _, record := range data {
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		rows = append(rows, RawRow{
			ID:             field(record, "id"),
			CorrelationID:  field(record, "correlation_id"),
			Created:        field(record, "created"),
			Domain:         field(record, "domain"),
			EventName:      field(record, "event_name"),
			Source:         field(record, "source"),
			Metadata:       field(record, "metadata"),
			PrescriptionID: field(record, colPrescriptionID),
			OrderID:        field(record, colOrderID),
			PatientID:      field(record, colPatientID),
			Message:        field(record, colMessage),
			Actor:          field(record, colActor),
			Reason:         field(record, colReason),
			EntityID:       field(record, colEntityID),
			EntityType:     field(record, colEntityType),
		})
	}

	if len(rows) == 0 {
		return nil, nil, &StructuralError{Reason: "export has no data rows"}
	}

	var warnings []string
	if len(rows) > RowWarnThreshold {
		warnings = append(warnings, fmt.Sprintf("large export: %d rows (threshold %d)", len(rows), RowWarnThreshold))
	}

	return rows, warnings, nil
}

// nowFunc supplies the fallback timestamp for unparseable epoch strings.
// Tests pin it to keep assembly deterministic.
var nowFunc = time.Now

// SetNowFunc overrides the processing-time clock. It returns a restore
// function for use with defer in tests.
func SetNowFunc(fn func() time.Time) func() {
	prev := nowFunc
	nowFunc = fn
	return func() { nowFunc = prev }
}

// ParseCreated converts a string-encoded Unix epoch (milliseconds) to a
// time. An unparseable value falls back to the current processing time
// rather than failing; the second return reports whether the fallback was
// taken. Falling back to "now" can misplace an event in the sorted
// timeline; kept to match the upstream export tooling.
func ParseCreated(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nowFunc().UTC(), true
	}
	return time.UnixMilli(ms).UTC(), false
}

// Time returns the row's creation time, applying the epoch fallback policy.
func (r RawRow) Time() time.Time {
	t, _ := ParseCreated(r.Created)
	return t
}
