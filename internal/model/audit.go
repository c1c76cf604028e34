package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessLog is an immutable disclosure record. DataAccessed holds exactly the attribute
// keys that were returned to the accessor.
type AccessLog struct {
	ID           uuid.UUID `json:"id" db:"id"`
	AccessedBy   uuid.UUID `json:"accessed_by" db:"accessed_by"`
	PatientID    uuid.UUID `json:"patient_id" db:"patient_id"`
	DataAccessed []string  `json:"data_accessed" db:"-"`
	Emergency    bool      `json:"emergency" db:"emergency"`
	CreatedAt    time.Time `json:"timestamp" db:"created_at"`
}

// AccessLogView is an entry with the counterpart populated.
type AccessLogView struct {
	AccessLog
	Accessor *UserSummary `json:"accessor,omitempty"`
	Patient  *UserSummary `json:"patient,omitempty"`
}

// AccessLogFilter narrows a patient's log listing. A nil Emergency returns every entry.
type AccessLogFilter struct {
	Emergency *bool
}

// Disclosure is one audited data release, before it is persisted.
type Disclosure struct {
	AccessorID uuid.UUID
	PatientID  uuid.UUID
	Attributes []string
	Emergency  bool
}
