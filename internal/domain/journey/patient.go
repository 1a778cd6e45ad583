package journey

import (
	"strings"
	"time"

	"github.com/rxtrace/rxtrace/internal/platform/export"
)

// Metadata keys that may carry a medication name, in lookup order. One of
// them sits nested beneath a prescription sub-object.
var medicationKeys = []string{"medicationName", "drugName", "drug", "medication"}

const initialsMask = "***"

// obfuscateName keeps the first and last rune of a name token and masks the
// interior: "April" -> "A***l". Applied even to one- and two-rune tokens.
// Deterministic and lossy; not reversible.
func obfuscateName(token string) string {
	runes := []rune(strings.TrimSpace(token))
	if len(runes) == 0 {
		return ""
	}
	return string(runes[0]) + initialsMask + string(runes[len(runes)-1])
}

// obfuscateInitials masks every whitespace-separated token of the first
// name, then the last name.
func obfuscateInitials(firstName, lastName string) string {
	var parts []string
	for _, tok := range strings.Fields(firstName) {
		if masked := obfuscateName(tok); masked != "" {
			parts = append(parts, masked)
		}
	}
	if masked := obfuscateName(lastName); masked != "" {
		parts = append(parts, masked)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, " ")
}

// findPatientRecord locates the embedded patient record: the row whose
// domain is the core-events marker and whose metadata carries a patient
// object. The record may be single- or double-JSON-encoded; both are
// handled transparently. Returns nil when no such row exists.
func findPatientRecord(rows []export.RawRow) map[string]any {
	for _, row := range rows {
		if row.Domain != coreEventsDomain {
			continue
		}
		meta := export.ParseMetadata(row.Metadata)
		if record := export.NestedObject(meta, "patient"); record != nil {
			return record
		}
	}
	return nil
}

// extractPatientInfo builds the patient profile from the export. It never
// fails: when the embedded record cannot be located or parsed it returns a
// degraded profile (placeholder identity, best-effort dates) so the rest of
// the pipeline still runs.
func extractPatientInfo(rows []export.RawRow) (PatientInfo, bool) {
	info := PatientInfo{
		ObfuscatedInitials: "unknown",
		Medications:        extractMedications(rows),
	}

	record := findPatientRecord(rows)
	if record != nil {
		info.ObfuscatedInitials = obfuscateInitials(
			export.StringField(record, "firstName"),
			export.StringField(record, "lastName"),
		)
		info.PatientID = export.StringField(record, "patientId")
		info.AccountID = export.StringField(record, "accountId")
		info.DOB = export.StringField(record, "dob")
	}
	if info.PatientID == "" {
		info.PatientID = firstPatientID(rows)
	}

	if t, ok := initialRxReceived(rows); ok {
		info.InitialRxReceivedDate = &t
	}
	info.TotalFillsPurchased = countFills(rows)

	return info, record != nil
}

// initialRxReceived finds the timestamp of the first prescription-received
// row, falling back to the chronologically first row in the entire export.
func initialRxReceived(rows []export.RawRow) (time.Time, bool) {
	if len(rows) == 0 {
		return time.Time{}, false
	}
	var rx, first *time.Time
	for _, row := range rows {
		t := row.Time()
		if first == nil || t.Before(*first) {
			tt := t
			first = &tt
		}
		if strings.EqualFold(row.EventName, eventPrescriptionReceived) {
			if rx == nil || t.Before(*rx) {
				tt := t
				rx = &tt
			}
		}
	}
	if rx != nil {
		return *rx, true
	}
	return *first, true
}

// countFills is a raw count of order-created rows. Deliberately not
// deduplicated by correlation id; retried creation events overcount.
func countFills(rows []export.RawRow) int {
	n := 0
	for _, row := range rows {
		if row.EventName == "order.created" {
			n++
		}
	}
	return n
}

// extractMedications scans every row's metadata for medication-name-shaped
// fields, including one nested beneath a prescription sub-object, and
// returns the deduplicated set in first-seen order.
func extractMedications(rows []export.RawRow) []string {
	meds := []string{}
	seen := map[string]bool{}
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		meds = append(meds, name)
	}
	for _, row := range rows {
		meta := export.ParseMetadata(row.Metadata)
		for _, key := range medicationKeys {
			add(export.StringField(meta, key))
		}
		if rx := export.NestedObject(meta, "prescription"); rx != nil {
			add(export.StringField(rx, "medicationName"))
		}
	}
	return meds
}

// firstPatientID returns the first non-empty patient id column value.
func firstPatientID(rows []export.RawRow) string {
	for _, row := range rows {
		if row.PatientID != "" {
			return row.PatientID
		}
	}
	return ""
}
