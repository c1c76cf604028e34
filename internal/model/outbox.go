package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusProcessed  OutboxStatus = "PROCESSED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// OutboxClaim selects deliverable events: PENDING ones, FAILED ones with fewer than
// MaxFailures failures, and PROCESSING ones last touched before StaleBefore (a worker
// died holding them). The zero value claims PENDING events only.
type OutboxClaim struct {
	Limit       int
	MaxFailures int
	StaleBefore time.Time
}

// Claimable reports whether e may be claimed under c.
func (c OutboxClaim) Claimable(e *OutboxEvent) bool {
	switch OutboxStatus(e.Status) {
	case OutboxStatusPending:
		return true
	case OutboxStatusFailed:
		return e.RetryCount < c.MaxFailures
	case OutboxStatusProcessing:
		return e.UpdatedAt.Before(c.StaleBefore)
	}
	return false
}

// Event types published by the core.
const (
	EventConsentRequested = "consent.requested"
	EventConsentGranted   = "consent.granted"
	EventConsentDenied    = "consent.denied"
	EventConsentRevoked   = "consent.revoked"
	EventDataDisclosed    = "access.disclosed"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       string          `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// ConsentEvent is the payload of consent.* events.
type ConsentEvent struct {
	GrantID      uuid.UUID     `json:"grant_id"`
	PatientID    uuid.UUID     `json:"patient_id"`
	ProviderID   uuid.UUID     `json:"provider_id"`
	Status       ConsentStatus `json:"status"`
	DataScope    []string      `json:"data_scope"`
	PatientEmail string        `json:"patient_email,omitempty"`
	PatientName  string        `json:"patient_name,omitempty"`
	ProviderName string        `json:"provider_name,omitempty"`
	ProviderOrg  string        `json:"provider_organization,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

// DisclosureEvent is the payload of access.disclosed events.
type DisclosureEvent struct {
	AccessLogID  uuid.UUID `json:"access_log_id"`
	AccessorID   uuid.UUID `json:"accessor_id"`
	PatientID    uuid.UUID `json:"patient_id"`
	DataAccessed []string  `json:"data_accessed"`
	Emergency    bool      `json:"emergency"`
	OccurredAt   time.Time `json:"occurred_at"`
}
