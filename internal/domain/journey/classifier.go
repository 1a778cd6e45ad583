package journey

import (
	"fmt"
	"strings"

	"github.com/rxtrace/rxtrace/internal/platform/export"
)

// Reserved domain carrying core platform events, including the embedded
// patient record row.
const coreEventsDomain = "core.events"

// Domains whose rows describe backend pharmacy-system activity.
var activityDomains = map[string]bool{
	"pharmacy":    true,
	"orders":      true,
	"fulfillment": true,
	"shipping":    true,
	"insurance":   true,
	"pricing":     true,
}

// Insurance/pricing-flavored domains get their own subtype heuristic.
var billingDomains = map[string]bool{
	"insurance": true,
	"pricing":   true,
}

// classificationRule maps a raw row to one event kind. Extract is called
// only on rows the predicate already matched and must always succeed:
// missing optional fields default rather than fail.
type classificationRule struct {
	name    string
	match   func(row export.RawRow, meta map[string]any) bool
	kind    EventKind
	extract func(row export.RawRow, meta map[string]any) EventContent
}

// rules is the fixed, ordered classification table. classify applies the
// first matching rule; the final catch-all always matches, so every row is
// classified.
var rules = []classificationRule{
	{
		name: "sms",
		match: func(row export.RawRow, _ map[string]any) bool {
			name := strings.ToLower(row.EventName)
			return strings.Contains(name, "sms") ||
				(row.Domain == "communications" && strings.EqualFold(row.Source, "twilio"))
		},
		kind: KindSMS,
		extract: func(row export.RawRow, meta map[string]any) EventContent {
			body := export.StringField(meta, "body")
			if body == "" {
				body = row.Message
			}
			return &SMSContent{
				Body:      body,
				From:      export.StringField(meta, "from"),
				To:        export.StringField(meta, "to"),
				Direction: export.StringField(meta, "direction"),
				Status:    export.StringField(meta, "status"),
			}
		},
	},
	{
		name: "email",
		match: func(row export.RawRow, _ map[string]any) bool {
			name := strings.ToLower(row.EventName)
			return strings.Contains(name, "email") ||
				(row.Domain == "communications" && strings.EqualFold(row.Source, "sendgrid"))
		},
		kind: KindEmail,
		extract: func(row export.RawRow, meta map[string]any) EventContent {
			return &EmailContent{
				Subject:    export.StringField(meta, "subject"),
				TemplateID: export.StringField(meta, "templateId"),
				To:         export.StringField(meta, "to"),
				Status:     export.StringField(meta, "status"),
			}
		},
	},
	{
		name: "analytics",
		match: func(row export.RawRow, _ map[string]any) bool {
			return row.Domain == "analytics" ||
				strings.EqualFold(row.Source, "segment") ||
				strings.HasPrefix(strings.ToLower(row.EventName), "track.")
		},
		kind: KindAnalytics,
		extract: func(row export.RawRow, meta map[string]any) EventContent {
			name := export.StringField(meta, "event")
			if name == "" {
				name = row.EventName
			}
			var props map[string]any
			if p := export.NestedObject(meta, "properties"); p != nil {
				props = p
			}
			return &AnalyticsContent{
				EventName:  name,
				Page:       export.StringField(meta, "page"),
				Properties: props,
			}
		},
	},
	{
		name: "system-activity",
		match: func(row export.RawRow, _ map[string]any) bool {
			return activityDomains[strings.ToLower(row.Domain)] ||
				strings.EqualFold(row.Source, "pharmacy-system") ||
				row.Domain == coreEventsDomain && row.EventName == eventPrescriptionReceived
		},
		kind: KindActivity,
		extract: func(row export.RawRow, meta map[string]any) EventContent {
			orderID := row.OrderID
			if orderID == "" {
				orderID = export.StringField(meta, "orderId")
			}
			return &ActivityContent{
				Subtype:     inferActivitySubtype(row),
				Description: row.Message,
				OrderID:     orderID,
				Actor:       row.Actor,
				Reason:      row.Reason,
			}
		},
	},
	{
		// Catch-all: guarantees classify is total.
		name:  "system-log",
		match: func(export.RawRow, map[string]any) bool { return true },
		kind:  KindLog,
		extract: func(row export.RawRow, meta map[string]any) EventContent {
			return &LogContent{
				Name:    row.EventName,
				Message: row.Message,
				Level:   export.StringField(meta, "level"),
			}
		},
	},
}

// Event-name literals with a known activity subtype. Checked before any
// heuristic.
const eventPrescriptionReceived = "prescription.received"

var activityByEventName = map[string]ActivitySubtype{
	"order.created":           ActivityOrderCreated,
	"order.updated":           ActivityOrderUpdated,
	"order.cancelled":         ActivityOrderCancelled,
	"shipment.created":        ActivityShipmentCreated,
	"shipment.in_transit":     ActivityShipmentInTransit,
	"shipment.delivered":      ActivityShipmentDelivered,
	"fulfillment.started":     ActivityFulfillmentStarted,
	"fulfillment.completed":   ActivityFulfillmentCompleted,
	eventPrescriptionReceived: ActivityPrescriptionReceived,
	"prior_auth.required":     ActivityPriorAuthRequired,
	"prior_auth.approved":     ActivityPriorAuthApproved,
	"prior_auth.denied":       ActivityPriorAuthDenied,
	"prior_auth.submitted":    ActivityPriorAuthSubmitted,
	"manual_review.required":  ActivityManualReviewRequired,
}

// inferActivitySubtype runs the three-tier cascade: exact event-name lookup,
// then the billing-domain heuristic, then ordered free-text checks over the
// human-readable message. Overlapping checks are ordered most specific
// first. Rows that match nothing default to order_updated; the subtype is
// never left unset.
func inferActivitySubtype(row export.RawRow) ActivitySubtype {
	if st, ok := activityByEventName[strings.ToLower(row.EventName)]; ok {
		return st
	}

	text := strings.ToLower(row.EventName + " " + row.Message)

	if billingDomains[strings.ToLower(row.Domain)] {
		switch {
		case strings.Contains(text, "reject"):
			return ActivityClaimRejected
		case strings.Contains(text, "bill"):
			return ActivityClaimBilled
		case strings.Contains(text, "price"):
			return ActivityPriceQuoted
		}
	}

	switch {
	case strings.Contains(text, "ship") && strings.Contains(text, "deliver"):
		return ActivityShipmentDelivered
	case strings.Contains(text, "ship") && strings.Contains(text, "transit"):
		return ActivityShipmentInTransit
	case strings.Contains(text, "ship"):
		return ActivityShipmentCreated
	case strings.Contains(text, "fulfillment") && strings.Contains(text, "complete"):
		return ActivityFulfillmentCompleted
	case strings.Contains(text, "fulfillment"):
		return ActivityFulfillmentStarted
	case strings.Contains(text, "prior auth") && strings.Contains(text, "approv"):
		return ActivityPriorAuthApproved
	case strings.Contains(text, "prior auth") && strings.Contains(text, "denied"):
		return ActivityPriorAuthDenied
	case strings.Contains(text, "prior auth") && strings.Contains(text, "submit"):
		return ActivityPriorAuthSubmitted
	case strings.Contains(text, "prior auth"):
		return ActivityPriorAuthRequired
	case strings.Contains(text, "manual review"):
		return ActivityManualReviewRequired
	}

	return ActivityOrderUpdated
}

// classify evaluates the rule table in declaration order and returns the
// first match. Total: the catch-all guarantees a result for every row.
func classify(row export.RawRow, meta map[string]any) classificationRule {
	for _, rule := range rules {
		if rule.match(row, meta) {
			return rule
		}
	}
	// Unreachable while the catch-all stays last.
	return rules[len(rules)-1]
}

// mapRow classifies one row and builds its JourneyEvent. The event id is the
// row's own id when present, otherwise a synthetic id from timestamp and row
// index, unique within one parse run.
func mapRow(row export.RawRow, index int) JourneyEvent {
	meta := export.ParseMetadata(row.Metadata)
	rule := classify(row, meta)

	id := row.ID
	if id == "" {
		id = fmt.Sprintf("evt-%d-%d", row.Time().UnixMilli(), index)
	}

	return JourneyEvent{
		ID:        id,
		Kind:      rule.kind,
		Timestamp: row.Time(),
		Content:   rule.extract(row, meta),
		Metadata: EventMetadata{
			Source:        row.Source,
			CorrelationID: row.CorrelationID,
			Raw:           meta,
		},
	}
}

const unmappedSampleCap = 10

// mapRows maps every row to an event with per-row failure isolation: a
// panicking extraction demotes the row to the catch-all kind and counts it
// as unmapped instead of aborting the batch. Rows that fall through to the
// catch-all rule also count as unmapped, since both cases mean no
// domain-specific rule understood the row.
func mapRows(rows []export.RawRow) (events []JourneyEvent, unmapped int, sample []string) {
	events = make([]JourneyEvent, 0, len(rows))
	for i, row := range rows {
		evt, recovered := mapRowSafe(row, i)
		if recovered || evt.Kind == KindLog {
			unmapped++
			if len(sample) < unmappedSampleCap {
				sample = append(sample, row.EventName)
			}
		}
		events = append(events, evt)
	}
	return events, unmapped, sample
}

// mapRowSafe recovers a panicking extraction into a catch-all event.
func mapRowSafe(row export.RawRow, index int) (evt JourneyEvent, recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered = true
			id := row.ID
			if id == "" {
				id = fmt.Sprintf("evt-%d-%d", row.Time().UnixMilli(), index)
			}
			evt = JourneyEvent{
				ID:        id,
				Kind:      KindLog,
				Timestamp: row.Time(),
				Content:   &LogContent{Name: row.EventName, Message: row.Message},
				Metadata: EventMetadata{
					Source:        row.Source,
					CorrelationID: row.CorrelationID,
				},
			}
		}
	}()
	return mapRow(row, index), false
}
