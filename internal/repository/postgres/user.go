package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
)

const userColumns = `id, external_id, name, email, picture, role, organization,
	medical_history, prescriptions, blood_group, allergies, current_medications,
	share_medical_history, share_prescriptions, share_allergies, share_current_medications,
	qr_token, qr_expires_at, version, created_at, updated_at`

type userRow struct {
	ID                      uuid.UUID      `db:"id"`
	ExternalID              string         `db:"external_id"`
	Name                    string         `db:"name"`
	Email                   string         `db:"email"`
	Picture                 string         `db:"picture"`
	Role                    sql.NullString `db:"role"`
	Organization            string         `db:"organization"`
	MedicalHistory          string         `db:"medical_history"`
	Prescriptions           pq.StringArray `db:"prescriptions"`
	BloodGroup              string         `db:"blood_group"`
	Allergies               pq.StringArray `db:"allergies"`
	CurrentMedications      pq.StringArray `db:"current_medications"`
	ShareMedicalHistory     bool           `db:"share_medical_history"`
	SharePrescriptions      bool           `db:"share_prescriptions"`
	ShareAllergies          bool           `db:"share_allergies"`
	ShareCurrentMedications bool           `db:"share_current_medications"`
	QRToken                 sql.NullString `db:"qr_token"`
	QRExpiresAt             *time.Time     `db:"qr_expires_at"`
	Version                 int            `db:"version"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
}

func (r *userRow) toModel() *model.User {
	return &model.User{
		Base: model.Base{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		},
		ExternalID:     r.ExternalID,
		Name:           r.Name,
		Email:          r.Email,
		Picture:        r.Picture,
		Role:           model.Role(r.Role.String),
		Organization:   r.Organization,
		MedicalHistory: r.MedicalHistory,
		Prescriptions:  nonNil(r.Prescriptions),
		Emergency: model.EmergencyInfo{
			BloodGroup:         r.BloodGroup,
			Allergies:          nonNil(r.Allergies),
			CurrentMedications: nonNil(r.CurrentMedications),
		},
		Consent: model.ConsentPreferences{
			MedicalHistory:     r.ShareMedicalHistory,
			Prescriptions:      r.SharePrescriptions,
			Allergies:          r.ShareAllergies,
			CurrentMedications: r.ShareCurrentMedications,
		},
		QRToken:     r.QRToken.String,
		QRExpiresAt: r.QRExpiresAt,
		Version:     r.Version,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type userRepository struct {
	BaseRepository
}

func NewUserRepository(base BaseRepository) repository.UserRepository {
	return &userRepository{base}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	user.Version = 1

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.ExternalID,
		user.Name,
		user.Email,
		user.Picture,
		nullString(string(user.Role)),
		user.Organization,
		user.MedicalHistory,
		pq.StringArray(nonNil(user.Prescriptions)),
		user.Emergency.BloodGroup,
		pq.StringArray(nonNil(user.Emergency.Allergies)),
		pq.StringArray(nonNil(user.Emergency.CurrentMedications)),
		user.Consent.MedicalHistory,
		user.Consent.Prescriptions,
		user.Consent.Allergies,
		user.Consent.CurrentMedications,
		nullString(user.QRToken),
		user.QRExpiresAt,
		user.Version,
		user.CreatedAt,
		user.UpdatedAt,
	)
	return mapError(err, "failed to create user")
}

func (r *userRepository) getBy(ctx context.Context, column string, value interface{}) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = $1`

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, value); err != nil {
		return nil, mapError(err, "failed to get user by "+column)
	}
	return row.toModel(), nil
}

func (r *userRepository) Get(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.getBy(ctx, "id", id)
}

func (r *userRepository) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	return r.getBy(ctx, "external_id", externalID)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getBy(ctx, "email", email)
}

func (r *userRepository) GetByQRToken(ctx context.Context, token string) (*model.User, error) {
	return r.getBy(ctx, "qr_token", token)
}

func (r *userRepository) UpdatePicture(ctx context.Context, id uuid.UUID, picture string) error {
	query := `
		UPDATE users
		SET picture = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, picture, time.Now().UTC(), id)
	if err != nil {
		return mapError(err, "failed to update picture")
	}
	if err := expectRows(result, "failed to update picture"); errors.Is(err, repository.ErrNoMatch) {
		return repository.ErrNotFound
	} else if err != nil {
		return err
	}
	return nil
}

func (r *userRepository) UpdateMedicalProfile(ctx context.Context, user *model.User) error {
	query := `
		UPDATE users
		SET medical_history = $1,
			prescriptions = $2,
			blood_group = $3,
			allergies = $4,
			current_medications = $5,
			version = version + 1,
			updated_at = $6
		WHERE id = $7 AND version = $8
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		user.MedicalHistory,
		pq.StringArray(nonNil(user.Prescriptions)),
		user.Emergency.BloodGroup,
		pq.StringArray(nonNil(user.Emergency.Allergies)),
		pq.StringArray(nonNil(user.Emergency.CurrentMedications)),
		now,
		user.ID,
		user.Version,
	)
	if err != nil {
		return mapError(err, "failed to update medical profile")
	}
	if err := expectRows(result, "failed to update medical profile"); err != nil {
		return err
	}

	user.Version++
	user.UpdatedAt = now
	return nil
}

func (r *userRepository) UpdateConsentPreferences(ctx context.Context, user *model.User) error {
	query := `
		UPDATE users
		SET share_medical_history = $1,
			share_prescriptions = $2,
			share_allergies = $3,
			share_current_medications = $4,
			version = version + 1,
			updated_at = $5
		WHERE id = $6 AND version = $7
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		user.Consent.MedicalHistory,
		user.Consent.Prescriptions,
		user.Consent.Allergies,
		user.Consent.CurrentMedications,
		now,
		user.ID,
		user.Version,
	)
	if err != nil {
		return mapError(err, "failed to update consent preferences")
	}
	if err := expectRows(result, "failed to update consent preferences"); err != nil {
		return err
	}

	user.Version++
	user.UpdatedAt = now
	return nil
}

func (r *userRepository) AssignRole(ctx context.Context, id uuid.UUID, role model.Role, organization string) (*model.User, error) {
	query := `
		UPDATE users
		SET role = $1,
			organization = COALESCE(NULLIF($2, ''), organization),
			version = version + 1,
			updated_at = $3
		WHERE id = $4 AND (role IS NULL OR role = $1)
		RETURNING ` + userColumns

	var row userRow
	err := r.db.GetContext(ctx, &row, query, string(role), organization, time.Now().UTC(), id)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the user is missing or holds a different role.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, repository.ErrNoMatch
	}
	if err != nil {
		return nil, mapError(err, "failed to assign role")
	}
	return row.toModel(), nil
}

func (r *userRepository) SetQRToken(ctx context.Context, id uuid.UUID, token string, expiresAt *time.Time, now time.Time) (*model.User, error) {
	query := `
		UPDATE users
		SET qr_token = $1, qr_expires_at = $2, updated_at = $3
		WHERE id = $4
		AND (qr_token IS NULL OR (qr_expires_at IS NOT NULL AND qr_expires_at <= $3))
		RETURNING ` + userColumns

	var row userRow
	err := r.db.GetContext(ctx, &row, query, token, expiresAt, now, id)
	if errors.Is(err, sql.ErrNoRows) {
		return r.Get(ctx, id)
	}
	if err != nil {
		return nil, mapError(err, "failed to set qr token")
	}
	return row.toModel(), nil
}
