package journey

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxtrace/rxtrace/internal/platform/export"
	"github.com/rxtrace/rxtrace/internal/platform/metrics"
)

// Service assembles journeys from raw exports and serves them read-only.
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Ingest parses an export, assembles the Journey, records it in the store,
// and returns it alongside its diagnostics. Only a whole-file structural
// failure produces an error; everything else degrades per-row into a
// best-effort Journey.
func (s *Service) Ingest(ctx context.Context, text string) (*Journey, *Diagnostics, error) {
	start := time.Now()

	rows, warnings, err := export.Parse(text)
	if err != nil {
		metrics.StructuralFailuresTotal.Inc()
		return nil, nil, err
	}

	j, d := Assemble(rows, warnings)

	metrics.RowsTotal.Add(float64(d.TotalRows))
	metrics.EventsMappedTotal.Add(float64(d.MappedEventCount))
	metrics.EventsUnmappedTotal.Add(float64(d.UnmappedCount))
	metrics.AssembleDuration.Observe(time.Since(start).Seconds())

	if err := s.store.Save(ctx, j, d); err != nil {
		return nil, nil, err
	}

	s.logger.Info().
		Str("journey_id", j.ID.String()).
		Str("patient_id", j.PatientID).
		Str("category", string(j.Category)).
		Str("status", string(j.Status)).
		Int("rows", d.TotalRows).
		Int("unmapped", d.UnmappedCount).
		Msg("journey assembled")

	return j, d, nil
}

// Get returns a previously assembled journey.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Journey, error) {
	j, _, err := s.store.Get(ctx, id)
	return j, err
}

// GetDiagnostics returns the diagnostics report for a journey.
func (s *Service) GetDiagnostics(ctx context.Context, id uuid.UUID) (*Diagnostics, error) {
	_, d, err := s.store.Get(ctx, id)
	return d, err
}

// Events returns a page of a journey's timeline together with the total
// event count.
func (s *Service) Events(ctx context.Context, id uuid.UUID, limit, offset int) ([]JourneyEvent, int, error) {
	j, _, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	total := len(j.Events)
	if offset >= total {
		return []JourneyEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return j.Events[offset:end], total, nil
}

// Assemble runs the full pipeline over already-parsed rows: patient profile,
// classification, chronological ordering, aggregate metadata, milestones,
// category, status, programs, diagnostics. Pure except for the clock
// fallback on unparseable timestamps (see export.ParseCreated).
func Assemble(rows []export.RawRow, parseWarnings []string) (*Journey, *Diagnostics) {
	info, hasRecord := extractPatientInfo(rows)

	events, unmapped, sample := mapRows(rows)

	// Stable sort keeps input order for equal timestamps.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	j := &Journey{
		ID:          uuid.New(),
		PatientID:   info.PatientID,
		OrderID:     firstOrderID(rows),
		JourneyType: journeyType(rows),
		Programs:    inferPrograms(rows),
		Metadata:    aggregateMetadata(rows),
		PatientInfo: info,
		Milestones:  deriveMilestones(events),
		Events:      events,
	}
	j.Category = inferCategory(events)
	j.Status = inferStatus(j.Category, events)
	if len(events) > 0 {
		j.StartTime = events[0].Timestamp
		j.LastActivityTime = events[len(events)-1].Timestamp
	}

	d := &Diagnostics{
		TotalRows:        len(rows),
		MappedEventCount: len(events) - unmapped,
		UnmappedCount:    unmapped,
		UnmappedSample:   sample,
		Warnings:         append([]string{}, parseWarnings...),
	}
	if d.MappedEventCount == 0 {
		d.Warnings = append(d.Warnings, "no rows mapped to a specific event kind")
	}
	if len(info.Medications) == 0 {
		d.Warnings = append(d.Warnings, "no medications identified")
	}
	if !hasRecord {
		d.Warnings = append(d.Warnings, "no structured patient record found")
	}

	return j, d
}

// hasActivity reports whether any event is a system activity of the given
// subtype. Category and status are strict existence checks over subtypes,
// independent of order and duplicate counts.
func hasActivity(events []JourneyEvent, subtype ActivitySubtype) bool {
	for _, e := range events {
		if e.Kind != KindActivity {
			continue
		}
		if c, ok := e.Content.(*ActivityContent); ok && c.Subtype == subtype {
			return true
		}
	}
	return false
}

func inferCategory(events []JourneyEvent) JourneyCategory {
	created := hasActivity(events, ActivityOrderCreated)
	switch {
	case created && hasActivity(events, ActivityShipmentDelivered):
		return CategoryPurchaseDelivered
	case created:
		return CategoryPurchaseNoDelivery
	default:
		return CategoryNoPurchase
	}
}

// inferStatus checks the event set in strict priority order; a delivered
// purchase short-circuits to completed.
func inferStatus(category JourneyCategory, events []JourneyEvent) JourneyStatus {
	if category == CategoryPurchaseDelivered {
		return StatusCompleted
	}
	switch {
	case hasActivity(events, ActivityManualReviewRequired):
		return StatusOnHold
	case hasActivity(events, ActivityPriorAuthRequired):
		return StatusCostReview
	case hasActivity(events, ActivityOrderCreated):
		return StatusDispense
	default:
		return StatusDiscovery
	}
}

// milestonePredicates pairs each milestone with its event predicate, in
// canonical step order.
var milestonePredicates = []struct {
	name  string
	match func(JourneyEvent) bool
}{
	{MilestoneInitialCommunication, func(e JourneyEvent) bool {
		return e.Kind == KindSMS || e.Kind == KindEmail
	}},
	{MilestonePatientActed, func(e JourneyEvent) bool {
		return e.Kind == KindAnalytics
	}},
	{MilestonePurchased, activityMatcher(ActivityOrderCreated)},
	{MilestoneShipped, activityMatcher(ActivityShipmentCreated)},
	{MilestoneDelivered, activityMatcher(ActivityShipmentDelivered)},
}

func activityMatcher(subtype ActivitySubtype) func(JourneyEvent) bool {
	return func(e JourneyEvent) bool {
		if e.Kind != KindActivity {
			return false
		}
		c, ok := e.Content.(*ActivityContent)
		return ok && c.Subtype == subtype
	}
}

// deriveMilestones takes the timestamp of the first sorted event matching
// each predicate. A milestone with no matching event stays absent; absence
// means "not yet reached", never an epoch placeholder.
func deriveMilestones(sorted []JourneyEvent) map[string]time.Time {
	milestones := make(map[string]time.Time)
	for _, mp := range milestonePredicates {
		for _, e := range sorted {
			if mp.match(e) {
				milestones[mp.name] = e.Timestamp
				break
			}
		}
	}
	return milestones
}

// Alternate metadata keys checked per aggregate field, richest (first
// non-empty) signal wins.
var (
	pharmacyKeys  = []string{"pharmacy", "pharmacyName"}
	platformKeys  = []string{"platform", "channel"}
	stateKeys     = []string{"state", "patientState", "shippingState"}
	insuranceKeys = []string{"insurance", "insurancePlan", "payer"}
)

func aggregateMetadata(rows []export.RawRow) JourneyMetadata {
	var md JourneyMetadata
	pick := func(current string, meta map[string]any, keys []string) string {
		if current != "" {
			return current
		}
		for _, k := range keys {
			if v := export.StringField(meta, k); v != "" {
				return v
			}
		}
		return ""
	}
	for _, row := range rows {
		meta := export.ParseMetadata(row.Metadata)
		md.Drug = pick(md.Drug, meta, medicationKeys)
		md.Pharmacy = pick(md.Pharmacy, meta, pharmacyKeys)
		md.Platform = pick(md.Platform, meta, platformKeys)
		md.State = pick(md.State, meta, stateKeys)
		md.Insurance = pick(md.Insurance, meta, insuranceKeys)
	}
	return md
}

// Alternate partner/program metadata keys and the fixed program vocabulary.
// Matching is case-insensitive substring; the result is a deduplicated,
// order-independent set (sorted for stable output).
var programKeys = []string{"program", "programName", "partner", "campaign"}

var programVocabulary = []struct {
	needle  string
	program string
}{
	{"copay", "copay_assistance"},
	{"bridge", "bridge"},
	{"hub", "hub_services"},
	{"specialty", "specialty_pharmacy"},
	{"assistance", "patient_assistance"},
}

func inferPrograms(rows []export.RawRow) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		meta := export.ParseMetadata(row.Metadata)
		for _, key := range programKeys {
			v := strings.ToLower(export.StringField(meta, key))
			if v == "" {
				continue
			}
			for _, pv := range programVocabulary {
				if strings.Contains(v, pv.needle) {
					seen[pv.program] = true
				}
			}
		}
	}
	programs := make([]string, 0, len(seen))
	for p := range seen {
		programs = append(programs, p)
	}
	sort.Strings(programs)
	return programs
}

func firstOrderID(rows []export.RawRow) string {
	for _, row := range rows {
		if row.OrderID != "" {
			return row.OrderID
		}
	}
	return ""
}

// journeyType is read from metadata when the export carries it and defaults
// to the pharmacy journey.
func journeyType(rows []export.RawRow) string {
	for _, row := range rows {
		meta := export.ParseMetadata(row.Metadata)
		if v := export.StringField(meta, "journeyType"); v != "" {
			return v
		}
	}
	return "pharmacy"
}
