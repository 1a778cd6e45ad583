package journey

import (
	"context"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxtrace/rxtrace/internal/platform/export"
)

const baseMillis int64 = 1700000000000

func row(id string, offsetSec int64, domain, name, source, metadata string) export.RawRow {
	return export.RawRow{
		ID:            id,
		CorrelationID: "corr-" + id,
		Created:       strconv.FormatInt(baseMillis+offsetSec*1000, 10),
		Domain:        domain,
		EventName:     name,
		Source:        source,
		Metadata:      metadata,
	}
}

// scenarioRows builds the canonical lifecycle fixture: communications,
// analytics, then backend activity in chronological order.
func scenarioRows() []export.RawRow {
	return []export.RawRow{
		row("rx", 0, "pharmacy", "prescription.received", "pharmacy-system", `{"medicationName":"Metformin"}`),
		row("sms", 10, "communications", "sms.delivered", "twilio", `{"body":"Welcome"}`),
		row("track", 20, "analytics", "track.cta_clicked", "segment", "{}"),
	}
}

func TestAssemble_Scenario_PrescriptionOnly(t *testing.T) {
	rows := []export.RawRow{
		row("rx", 0, "pharmacy", "prescription.received", "pharmacy-system", "{}"),
	}
	j, _ := Assemble(rows, nil)
	if j.Category != CategoryNoPurchase {
		t.Errorf("expected no_purchase, got %s", j.Category)
	}
	if j.Status != StatusDiscovery {
		t.Errorf("expected discovery, got %s", j.Status)
	}
}

func TestAssemble_Scenario_OrderCreated(t *testing.T) {
	rows := append(scenarioRows(),
		row("ord", 30, "pharmacy", "order.created", "pharmacy-system", "{}"),
	)
	j, _ := Assemble(rows, nil)
	if j.Category != CategoryPurchaseNoDelivery {
		t.Errorf("expected successful_purchase_no_delivery, got %s", j.Category)
	}
	if j.Status != StatusDispense {
		t.Errorf("expected dispense, got %s", j.Status)
	}
}

func TestAssemble_Scenario_Delivered(t *testing.T) {
	rows := append(scenarioRows(),
		row("ord", 30, "pharmacy", "order.created", "pharmacy-system", "{}"),
		row("ship", 40, "shipping", "shipment.created", "pharmacy-system", "{}"),
		row("del", 50, "shipping", "shipment.delivered", "pharmacy-system", "{}"),
	)
	j, _ := Assemble(rows, nil)
	if j.Category != CategoryPurchaseDelivered {
		t.Errorf("expected successful_purchase_delivery, got %s", j.Category)
	}
	if j.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", j.Status)
	}
}

func TestInferStatus_PriorityOrder(t *testing.T) {
	activity := func(st ActivitySubtype) JourneyEvent {
		return JourneyEvent{Kind: KindActivity, Content: &ActivityContent{Subtype: st}}
	}
	cases := []struct {
		name   string
		events []JourneyEvent
		want   JourneyStatus
	}{
		{"manual review beats prior auth and order", []JourneyEvent{
			activity(ActivityManualReviewRequired),
			activity(ActivityPriorAuthRequired),
			activity(ActivityOrderCreated),
		}, StatusOnHold},
		{"prior auth beats order", []JourneyEvent{
			activity(ActivityPriorAuthRequired),
			activity(ActivityOrderCreated),
		}, StatusCostReview},
		{"order alone dispenses", []JourneyEvent{
			activity(ActivityOrderCreated),
		}, StatusDispense},
		{"nothing means discovery", nil, StatusDiscovery},
	}
	for _, tc := range cases {
		category := inferCategory(tc.events)
		if got := inferStatus(category, tc.events); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestInferStatus_DeliveredShortCircuits(t *testing.T) {
	// Even with a manual review present, a delivered purchase is completed.
	events := []JourneyEvent{
		{Kind: KindActivity, Content: &ActivityContent{Subtype: ActivityOrderCreated}},
		{Kind: KindActivity, Content: &ActivityContent{Subtype: ActivityShipmentDelivered}},
		{Kind: KindActivity, Content: &ActivityContent{Subtype: ActivityManualReviewRequired}},
	}
	category := inferCategory(events)
	if got := inferStatus(category, events); got != StatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestCategory_IndependentOfOrderAndDuplicates(t *testing.T) {
	forward := append(scenarioRows(),
		row("ord", 30, "pharmacy", "order.created", "pharmacy-system", "{}"),
		row("ord2", 31, "pharmacy", "order.created", "pharmacy-system", "{}"),
		row("del", 50, "shipping", "shipment.delivered", "pharmacy-system", "{}"),
	)
	reversed := make([]export.RawRow, len(forward))
	for i, r := range forward {
		reversed[len(forward)-1-i] = r
	}

	jf, _ := Assemble(forward, nil)
	jr, _ := Assemble(reversed, nil)
	if jf.Category != jr.Category || jf.Status != jr.Status {
		t.Errorf("category/status depend on input order: %s/%s vs %s/%s",
			jf.Category, jf.Status, jr.Category, jr.Status)
	}
	if jf.Category != CategoryPurchaseDelivered {
		t.Errorf("expected successful_purchase_delivery, got %s", jf.Category)
	}
}

func TestAssemble_EventsSortedStable(t *testing.T) {
	rows := []export.RawRow{
		row("late", 100, "pharmacy", "order.updated", "pharmacy-system", "{}"),
		row("tie-a", 50, "pharmacy", "order.updated", "pharmacy-system", "{}"),
		row("tie-b", 50, "pharmacy", "order.updated", "pharmacy-system", "{}"),
		row("early", 0, "pharmacy", "order.created", "pharmacy-system", "{}"),
	}
	j, _ := Assemble(rows, nil)
	for i := 1; i < len(j.Events); i++ {
		if j.Events[i].Timestamp.Before(j.Events[i-1].Timestamp) {
			t.Fatalf("events out of order at %d", i)
		}
	}
	// Ties keep original row order.
	if j.Events[1].ID != "tie-a" || j.Events[2].ID != "tie-b" {
		t.Errorf("tie order not stable: %s, %s", j.Events[1].ID, j.Events[2].ID)
	}
	if j.StartTime != j.Events[0].Timestamp || j.LastActivityTime != j.Events[len(j.Events)-1].Timestamp {
		t.Error("start/last activity times do not bracket the timeline")
	}
}

func TestAssemble_Milestones(t *testing.T) {
	rows := append(scenarioRows(),
		row("ord", 30, "pharmacy", "order.created", "pharmacy-system", "{}"),
		row("ship", 40, "shipping", "shipment.created", "pharmacy-system", "{}"),
		row("del", 50, "shipping", "shipment.delivered", "pharmacy-system", "{}"),
	)
	j, _ := Assemble(rows, nil)

	want := map[string]int64{
		MilestoneInitialCommunication: 10,
		MilestonePatientActed:         20,
		MilestonePurchased:            30,
		MilestoneShipped:              40,
		MilestoneDelivered:            50,
	}
	for name, offset := range want {
		ts, ok := j.Milestones[name]
		if !ok {
			t.Errorf("milestone %s absent", name)
			continue
		}
		expected := time.UnixMilli(baseMillis + offset*1000).UTC()
		if !ts.Equal(expected) {
			t.Errorf("milestone %s: expected %v, got %v", name, expected, ts)
		}
	}

	// Every present milestone equals the timestamp of some event.
	for name, ts := range j.Milestones {
		found := false
		for _, e := range j.Events {
			if e.Timestamp.Equal(ts) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("milestone %s has no matching event", name)
		}
	}
}

func TestAssemble_MilestonesMonotonicAndAbsent(t *testing.T) {
	rows := append(scenarioRows(),
		row("ord", 30, "pharmacy", "order.created", "pharmacy-system", "{}"),
	)
	j, _ := Assemble(rows, nil)

	if _, ok := j.Milestones[MilestoneShipped]; ok {
		t.Error("expected shipped milestone to be absent, not zero")
	}
	if _, ok := j.Milestones[MilestoneDelivered]; ok {
		t.Error("expected delivered milestone to be absent, not zero")
	}

	var prev *time.Time
	for _, name := range MilestoneOrder {
		ts, ok := j.Milestones[name]
		if !ok {
			continue
		}
		if prev != nil && ts.Before(*prev) {
			t.Errorf("milestone %s precedes an earlier step", name)
		}
		tt := ts
		prev = &tt
	}
}

func TestAssemble_Idempotent(t *testing.T) {
	restore := export.SetNowFunc(func() time.Time {
		return time.UnixMilli(baseMillis).UTC()
	})
	defer restore()

	rows := append(scenarioRows(),
		row("bad", 0, "pharmacy", "order.created", "pharmacy-system", "{}"),
	)
	rows[len(rows)-1].Created = "not-a-number" // exercises the pinned clock fallback

	j1, d1 := Assemble(rows, nil)
	j2, d2 := Assemble(rows, nil)

	// The journey id is freshly generated; everything else must match.
	j1.ID = j2.ID
	if !reflect.DeepEqual(j1, j2) {
		t.Error("assembly is not deterministic for identical input")
	}
	if !reflect.DeepEqual(d1, d2) {
		t.Error("diagnostics are not deterministic for identical input")
	}
}

func TestAssemble_DiagnosticsWarnings(t *testing.T) {
	rows := []export.RawRow{
		{ID: "x", Created: strconv.FormatInt(baseMillis, 10), Domain: "mystery", EventName: "odd.event", Source: "???"},
	}
	j, d := Assemble(rows, []string{"large export: 1200 rows"})

	if d.TotalRows != 1 || d.MappedEventCount != 0 || d.UnmappedCount != 1 {
		t.Errorf("unexpected counts: %+v", d)
	}
	wantWarnings := map[string]bool{
		"large export: 1200 rows":                 false,
		"no rows mapped to a specific event kind": false,
		"no medications identified":               false,
		"no structured patient record found":      false,
	}
	for _, w := range d.Warnings {
		if _, ok := wantWarnings[w]; ok {
			wantWarnings[w] = true
		}
	}
	for w, seen := range wantWarnings {
		if !seen {
			t.Errorf("expected warning %q, got %v", w, d.Warnings)
		}
	}
	// Diagnostics never feed back into the journey.
	if len(j.Events) != 1 {
		t.Errorf("expected best-effort journey, got %d events", len(j.Events))
	}
}

func TestAssemble_AggregateMetadataAndPrograms(t *testing.T) {
	rows := append(scenarioRows(),
		row("meta", 5, "pharmacy", "order.created", "pharmacy-system",
			`{"pharmacy":"Acme Rx","state":"CO","insurancePlan":"BlueCare","program":"Copay Saver","partner":"HUB-Central"}`),
	)
	j, _ := Assemble(rows, nil)

	if j.Metadata.Drug != "Metformin" {
		t.Errorf("expected drug Metformin, got %q", j.Metadata.Drug)
	}
	if j.Metadata.Pharmacy != "Acme Rx" || j.Metadata.State != "CO" || j.Metadata.Insurance != "BlueCare" {
		t.Errorf("unexpected metadata %+v", j.Metadata)
	}
	want := []string{"copay_assistance", "hub_services"}
	if !reflect.DeepEqual(j.Programs, want) {
		t.Errorf("expected programs %v, got %v", want, j.Programs)
	}
}

func TestService_IngestAndRead(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, zerolog.Nop())
	ctx := context.Background()

	text := "id,correlation_id,created,domain,event_name,source,metadata\n" +
		"r1,c1," + strconv.FormatInt(baseMillis, 10) + ",pharmacy,order.created,pharmacy-system,{}\n" +
		"r2,c2," + strconv.FormatInt(baseMillis+1000, 10) + ",shipping,shipment.delivered,pharmacy-system,{}\n"

	j, d, err := svc.Ingest(ctx, text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Category != CategoryPurchaseDelivered || j.Status != StatusCompleted {
		t.Errorf("unexpected category/status: %s/%s", j.Category, j.Status)
	}
	if d.TotalRows != 2 || d.MappedEventCount != 2 {
		t.Errorf("unexpected diagnostics: %+v", d)
	}

	got, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != j.ID {
		t.Error("stored journey does not round-trip")
	}

	events, total, err := svc.Events(ctx, j.ID, 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(events) != 1 || events[0].ID != "r2" {
		t.Errorf("unexpected page: total=%d events=%v", total, events)
	}

	events, total, err = svc.Events(ctx, j.ID, 10, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(events) != 0 {
		t.Errorf("expected empty page past the end, got %v", events)
	}
}

func TestService_IngestStructuralError(t *testing.T) {
	svc := NewService(NewMemoryStore(), zerolog.Nop())
	_, _, err := svc.Ingest(context.Background(), "id,created\nr1,1\n")
	if err == nil {
		t.Fatal("expected structural error")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.Get(context.Background(), uuid.New())
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
