package model

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated caller, passed explicitly into every core operation.
type Identity struct {
	UserID        uuid.UUID `json:"id"`
	Role          Role      `json:"role"`
	Organization  string    `json:"organization,omitempty"`
	Authenticated bool      `json:"authenticated"`
}

// Has reports whether the identity is authenticated with the given role.
func (i Identity) Has(role Role) bool {
	return i.Authenticated && i.UserID != uuid.Nil && i.Role == role
}

type AccessMode string

const (
	AccessModeNormal    AccessMode = "NORMAL"
	AccessModeEmergency AccessMode = "EMERGENCY"
)

// Projection maps attribute names to the disclosed values. A missing key means the
// attribute was out of scope; a present key with a placeholder means in scope but empty.
type Projection map[string]interface{}

// Keys returns the present attribute keys in canonical order.
func (p Projection) Keys() []string {
	keys := make([]string, 0, len(p))
	for _, a := range AllAttributes {
		if _, ok := p[string(a)]; ok {
			keys = append(keys, string(a))
		}
	}
	return keys
}

type ScanRequest struct {
	QRToken     string `json:"qr_code_id" binding:"required"`
	RequestedBy string `json:"requested_by" binding:"omitempty,uuid"`
	Emergency   bool   `json:"emergency"`
}

// ScanResult is returned to the provider after a QR scan.
type ScanResult struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	PatientName string     `json:"patient_name"`
	Data        Projection `json:"data"`
	Emergency   bool       `json:"emergency"`
}

// ConsentedPatient is one entry of the provider's consented-patients listing.
type ConsentedPatient struct {
	PatientID    uuid.UUID    `json:"patient_id"`
	ConsentID    uuid.UUID    `json:"consent_id"`
	ConsentScope Scope        `json:"consent_scope"`
	GrantedAt    time.Time    `json:"granted_at"`
	Patient      *UserSummary `json:"patient"`
	Data         Projection   `json:"data"`
}
