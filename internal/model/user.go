package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is assigned once after first authentication. The zero value means unset.
type Role string

const (
	RolePatient  Role = "PATIENT"
	RoleProvider Role = "PROVIDER"
)

// Valid reports whether r is an assignable role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProvider
}

// EmergencyInfo is the safety-critical subrecord embedded in a patient.
type EmergencyInfo struct {
	BloodGroup         string   `json:"blood_group"`
	Allergies          []string `json:"allergies"`
	CurrentMedications []string `json:"current_medications"`
}

// ConsentPreferences are the patient's share-by-default switches. Blood group has no
// switch because it is always shared on a scan.
type ConsentPreferences struct {
	MedicalHistory     bool `json:"medical_history"`
	Prescriptions      bool `json:"prescriptions"`
	Allergies          bool `json:"allergies"`
	CurrentMedications bool `json:"current_medications"`
}

// Scope returns the attributes the patient shares by default.
func (p ConsentPreferences) Scope() Scope {
	var s Scope
	if p.MedicalHistory {
		s = append(s, AttrMedicalHistory)
	}
	if p.Prescriptions {
		s = append(s, AttrPrescriptions)
	}
	if p.Allergies {
		s = append(s, AttrAllergies)
	}
	if p.CurrentMedications {
		s = append(s, AttrCurrentMedications)
	}
	return s
}

// User represents a patient or provider account
type User struct {
	Base
	ExternalID     string             `json:"-"`
	Name           string             `json:"name"`
	Email          string             `json:"email"`
	Picture        string             `json:"picture,omitempty"`
	Role           Role               `json:"role,omitempty"`
	Organization   string             `json:"organization,omitempty"`
	MedicalHistory string             `json:"medical_history"`
	Prescriptions  []string           `json:"prescriptions"`
	Emergency      EmergencyInfo      `json:"emergency"`
	Consent        ConsentPreferences `json:"consent"`
	QRToken        string             `json:"qr_code_id,omitempty"`
	QRExpiresAt    *time.Time         `json:"qr_expires_at,omitempty"`
	Version        int                `json:"-"`
}

func (u *User) IsPatient() bool {
	return u.Role == RolePatient
}

func (u *User) IsProvider() bool {
	return u.Role == RoleProvider
}

// MedicalProfile returns the patient-editable medical payload.
func (u *User) MedicalProfile() MedicalProfile {
	return MedicalProfile{
		MedicalHistory: u.MedicalHistory,
		Prescriptions:  u.Prescriptions,
		Emergency:      u.Emergency,
	}
}

// Summary returns the public fields shown to the other side of a consent edge.
func (u *User) Summary() *UserSummary {
	return &UserSummary{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		Organization: u.Organization,
		Picture:      u.Picture,
	}
}

// UserSummary is the populated counterpart shown in listings.
type UserSummary struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	Organization string    `json:"organization,omitempty" db:"organization"`
	Picture      string    `json:"picture,omitempty" db:"picture"`
}

// Profile is what a user sees about themselves.
type Profile struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Picture      string    `json:"picture,omitempty"`
	Role         *Role     `json:"role"`
	Organization string    `json:"organization,omitempty"`
	QRToken      string    `json:"qr_code_id,omitempty"`
}

// MedicalProfile is echoed back after a profile update.
type MedicalProfile struct {
	MedicalHistory string        `json:"medical_history"`
	Prescriptions  []string      `json:"prescriptions"`
	Emergency      EmergencyInfo `json:"emergency"`
}

// AuthProfile is what the authentication collaborator hands over after login.
type AuthProfile struct {
	ExternalID string `json:"external_id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Picture    string `json:"picture"`
}

// MedicalProfileUpdate carries optional replacements; nil fields keep the stored value.
type MedicalProfileUpdate struct {
	MedicalHistory     *string   `json:"medical_history"`
	Prescriptions      *[]string `json:"prescriptions"`
	BloodGroup         *string   `json:"blood_group" binding:"omitempty,blood_group"`
	Allergies          *[]string `json:"allergies"`
	CurrentMedications *[]string `json:"current_medications"`
}

// ConsentPreferencesUpdate carries optional switches; nil fields keep the stored value.
type ConsentPreferencesUpdate struct {
	MedicalHistory     *bool `json:"medical_history"`
	Prescriptions      *bool `json:"prescriptions"`
	Allergies          *bool `json:"allergies"`
	CurrentMedications *bool `json:"current_medications"`
}

type AssignRoleRequest struct {
	Role         string `json:"role" binding:"required"`
	Organization string `json:"organization"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Profile     *Profile  `json:"profile"`
}
