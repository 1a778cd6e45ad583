// Package journey reconstructs a patient's cross-channel experience from an
// offline event export: a typed, chronologically ordered event timeline, a
// patient profile, derived milestones, and an inferred lifecycle
// category/status. Everything assembled here is read-only afterwards.
package journey

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a journey event.
type EventKind string

const (
	KindSMS       EventKind = "sms"
	KindEmail     EventKind = "email"
	KindAnalytics EventKind = "analytics"
	KindActivity  EventKind = "system_activity"
	// KindLog is the catch-all: every row that matches no other rule is
	// still recorded as a generic system log entry.
	KindLog EventKind = "system_log"
)

// ActivitySubtype is the fine-grained classification within KindActivity.
type ActivitySubtype string

const (
	ActivityOrderCreated         ActivitySubtype = "order_created"
	ActivityOrderUpdated         ActivitySubtype = "order_updated"
	ActivityOrderCancelled       ActivitySubtype = "order_cancelled"
	ActivityShipmentCreated      ActivitySubtype = "shipment_created"
	ActivityShipmentInTransit    ActivitySubtype = "shipment_in_transit"
	ActivityShipmentDelivered    ActivitySubtype = "shipment_delivered"
	ActivityFulfillmentStarted   ActivitySubtype = "fulfillment_started"
	ActivityFulfillmentCompleted ActivitySubtype = "fulfillment_completed"
	ActivityPrescriptionReceived ActivitySubtype = "prescription_received"
	ActivityClaimRejected        ActivitySubtype = "claim_rejected"
	ActivityClaimBilled          ActivitySubtype = "claim_billed"
	ActivityPriceQuoted          ActivitySubtype = "price_quoted"
	ActivityPriorAuthRequired    ActivitySubtype = "prior_auth_required"
	ActivityPriorAuthApproved    ActivitySubtype = "prior_auth_approved"
	ActivityPriorAuthDenied      ActivitySubtype = "prior_auth_denied"
	ActivityPriorAuthSubmitted   ActivitySubtype = "prior_auth_submitted"
	ActivityManualReviewRequired ActivitySubtype = "manual_review_required"
)

// EventContent is the closed set of kind-specific payloads. Exactly one
// implementation exists per EventKind, so downstream consumers can switch
// exhaustively on the variant.
type EventContent interface {
	eventContent()
}

type SMSContent struct {
	Body      string `json:"body,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Direction string `json:"direction,omitempty"`
	Status    string `json:"status,omitempty"`
}

type EmailContent struct {
	Subject    string `json:"subject,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	To         string `json:"to,omitempty"`
	Status     string `json:"status,omitempty"`
}

type AnalyticsContent struct {
	EventName  string         `json:"event_name"`
	Page       string         `json:"page,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type ActivityContent struct {
	Subtype     ActivitySubtype `json:"subtype"`
	Description string          `json:"description,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type LogContent struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
}

func (SMSContent) eventContent()       {}
func (EmailContent) eventContent()     {}
func (AnalyticsContent) eventContent() {}
func (ActivityContent) eventContent()  {}
func (LogContent) eventContent()       {}

// EventMetadata carries the shared envelope stamped on every event.
type EventMetadata struct {
	Source        string `json:"source,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Raw is the decoded metadata column passed through for audit.
	Raw map[string]any `json:"raw,omitempty"`
}

// JourneyEvent is one entry of the assembled timeline. Immutable once
// created; owned exclusively by the Journey that contains it.
type JourneyEvent struct {
	ID        string        `json:"id"`
	Kind      EventKind     `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Content   EventContent  `json:"content"`
	Metadata  EventMetadata `json:"metadata"`
}

// eventJSON mirrors JourneyEvent for decoding: Content is deferred until the
// kind tag is known.
type eventJSON struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	Metadata  EventMetadata   `json:"metadata"`
}

// UnmarshalJSON decodes the content variant selected by the kind tag.
func (e *JourneyEvent) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ID = raw.ID
	e.Kind = raw.Kind
	e.Timestamp = raw.Timestamp
	e.Metadata = raw.Metadata

	decode := func(v EventContent) error {
		if len(raw.Content) == 0 {
			e.Content = v
			return nil
		}
		if err := json.Unmarshal(raw.Content, v); err != nil {
			return err
		}
		e.Content = v
		return nil
	}
	switch raw.Kind {
	case KindSMS:
		return decode(&SMSContent{})
	case KindEmail:
		return decode(&EmailContent{})
	case KindAnalytics:
		return decode(&AnalyticsContent{})
	case KindActivity:
		return decode(&ActivityContent{})
	default:
		return decode(&LogContent{})
	}
}

// PatientInfo is the profile derived once per journey.
type PatientInfo struct {
	ObfuscatedInitials    string     `json:"obfuscated_initials"`
	PatientID             string     `json:"patient_id"`
	AccountID             string     `json:"account_id,omitempty"`
	DOB                   string     `json:"dob,omitempty"`
	InitialRxReceivedDate *time.Time `json:"initial_rx_received_date,omitempty"`
	TotalFillsPurchased   int        `json:"total_fills_purchased"`
	Medications           []string   `json:"medications"`
}

// JourneyCategory is a pure, recomputable function of the event set.
type JourneyCategory string

const (
	CategoryPurchaseDelivered  JourneyCategory = "successful_purchase_delivery"
	CategoryPurchaseNoDelivery JourneyCategory = "successful_purchase_no_delivery"
	CategoryNoPurchase         JourneyCategory = "no_purchase"
)

// JourneyStatus is inferred from the event set in strict priority order.
type JourneyStatus string

const (
	StatusCompleted  JourneyStatus = "completed"
	StatusOnHold     JourneyStatus = "on_hold"
	StatusCostReview JourneyStatus = "cost_review"
	StatusDispense   JourneyStatus = "dispense"
	StatusDiscovery  JourneyStatus = "discovery"
)

// Milestone names, in canonical step order. Each milestone is the timestamp
// of the first chronologically ordered event matching its predicate; a
// milestone with no matching event is absent from the map.
const (
	MilestoneInitialCommunication = "initial_communication_delivered"
	MilestonePatientActed         = "patient_acted"
	MilestonePurchased            = "purchased"
	MilestoneShipped              = "shipped"
	MilestoneDelivered            = "delivered"
)

// MilestoneOrder lists the milestones in canonical step order.
var MilestoneOrder = []string{
	MilestoneInitialCommunication,
	MilestonePatientActed,
	MilestonePurchased,
	MilestoneShipped,
	MilestoneDelivered,
}

// JourneyMetadata aggregates the richest signal found across all rows.
type JourneyMetadata struct {
	Drug      string `json:"drug,omitempty"`
	Pharmacy  string `json:"pharmacy,omitempty"`
	Platform  string `json:"platform,omitempty"`
	State     string `json:"state,omitempty"`
	Insurance string `json:"insurance,omitempty"`
}

// Journey is the aggregate root: the assembled, read-only timeline of one
// patient's cross-channel interactions and backend activity.
//
// Invariants: Events is non-decreasing by timestamp; every present milestone
// timestamp equals the timestamp of some event in Events; Category and
// Status are recomputable from Events alone.
type Journey struct {
	ID               uuid.UUID            `json:"id"`
	PatientID        string               `json:"patient_id"`
	OrderID          string               `json:"order_id,omitempty"`
	Status           JourneyStatus        `json:"status"`
	Category         JourneyCategory      `json:"category"`
	JourneyType      string               `json:"journey_type"`
	Programs         []string             `json:"programs"`
	Metadata         JourneyMetadata      `json:"metadata"`
	PatientInfo      PatientInfo          `json:"patient_info"`
	Milestones       map[string]time.Time `json:"milestones"`
	Events           []JourneyEvent       `json:"events"`
	StartTime        time.Time            `json:"start_time"`
	LastActivityTime time.Time            `json:"last_activity_time"`
}

// Diagnostics reports data-quality information about one assembly run. It is
// informational only and never feeds back into Journey construction.
type Diagnostics struct {
	TotalRows        int      `json:"total_rows"`
	MappedEventCount int      `json:"mapped_event_count"`
	UnmappedCount    int      `json:"unmapped_count"`
	UnmappedSample   []string `json:"unmapped_sample"`
	Warnings         []string `json:"warnings"`
}
