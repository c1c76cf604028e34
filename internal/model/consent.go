package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConsentStatus string

const (
	ConsentStatusPending ConsentStatus = "PENDING"
	ConsentStatusGranted ConsentStatus = "GRANTED"
	ConsentStatusRevoked ConsentStatus = "REVOKED"
)

// CanTransition encodes the one-directional lifecycle:
// PENDING -> GRANTED, PENDING -> REVOKED, GRANTED -> REVOKED.
func (s ConsentStatus) CanTransition(to ConsentStatus) bool {
	switch s {
	case ConsentStatusPending:
		return to == ConsentStatusGranted || to == ConsentStatusRevoked
	case ConsentStatusGranted:
		return to == ConsentStatusRevoked
	default:
		return false
	}
}

// Decision is the patient's answer to a pending request.
type Decision string

const (
	DecisionGrant Decision = "GRANT"
	DecisionDeny  Decision = "DENY"
)

// ParseDecision accepts GRANT/DENY and the status-style GRANTED/REVOKED spellings.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GRANT", "GRANTED":
		return DecisionGrant, true
	case "DENY", "DENIED", "REVOKED":
		return DecisionDeny, true
	}
	return "", false
}

// Target returns the status a decision moves a pending grant to.
func (d Decision) Target() ConsentStatus {
	if d == DecisionGrant {
		return ConsentStatusGranted
	}
	return ConsentStatusRevoked
}

// ConsentGrant is a directed authorization edge patient -> provider.
type ConsentGrant struct {
	ID         uuid.UUID     `json:"id"`
	PatientID  uuid.UUID     `json:"patient_id"`
	ProviderID uuid.UUID     `json:"provider_id"`
	DataScope  Scope         `json:"data_scope"`
	Status     ConsentStatus `json:"status"`
	ExpiresAt  *time.Time    `json:"expiry,omitempty"`
	Version    int           `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// IsActive reports whether the grant currently authorizes access.
func (g *ConsentGrant) IsActive(now time.Time) bool {
	if g.Status != ConsentStatusGranted {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// ConsentView is a grant with the counterpart populated for listings.
type ConsentView struct {
	ConsentGrant
	Provider *UserSummary `json:"provider,omitempty"`
	Patient  *UserSummary `json:"patient,omitempty"`
}

// ConsentTransition describes a status change applied atomically by the repository.
type ConsentTransition struct {
	GrantID   uuid.UUID
	PatientID uuid.UUID
	From      ConsentStatus
	To        ConsentStatus
	ExpiresAt *time.Time
	At        time.Time
}

type CreateAccessRequest struct {
	PatientRef string   `json:"patient_id" binding:"required"`
	DataScope  []string `json:"data_scope" binding:"omitempty,dive,scope_item"`
}

type CreateAccessResponse struct {
	GrantID      uuid.UUID     `json:"grant_id"`
	Status       ConsentStatus `json:"status"`
	PatientName  string        `json:"patient_name"`
	PatientEmail string        `json:"patient_email"`
}

type RespondRequest struct {
	ConsentID string     `json:"consent_id" binding:"required,uuid"`
	Action    string     `json:"action" binding:"required"`
	ExpiresAt *time.Time `json:"expiry"`
}
