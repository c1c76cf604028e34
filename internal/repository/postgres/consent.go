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

const grantColumns = `id, patient_id, provider_id, data_scope, status, expires_at, version, created_at, updated_at`

const grantViewColumns = `g.id, g.patient_id, g.provider_id, g.data_scope, g.status, g.expires_at,
	g.version, g.created_at, g.updated_at,
	u.id AS cp_id, u.name AS cp_name, u.email AS cp_email,
	u.organization AS cp_organization, u.picture AS cp_picture`

type grantRow struct {
	ID         uuid.UUID      `db:"id"`
	PatientID  uuid.UUID      `db:"patient_id"`
	ProviderID uuid.UUID      `db:"provider_id"`
	DataScope  pq.StringArray `db:"data_scope"`
	Status     string         `db:"status"`
	ExpiresAt  *time.Time     `db:"expires_at"`
	Version    int            `db:"version"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *grantRow) toModel() *model.ConsentGrant {
	scope, _ := model.ParseScope(r.DataScope)
	return &model.ConsentGrant{
		ID:         r.ID,
		PatientID:  r.PatientID,
		ProviderID: r.ProviderID,
		DataScope:  scope,
		Status:     model.ConsentStatus(r.Status),
		ExpiresAt:  r.ExpiresAt,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// grantViewRow carries the counterpart user joined onto a grant.
type grantViewRow struct {
	grantRow
	CounterpartID           uuid.UUID `db:"cp_id"`
	CounterpartName         string    `db:"cp_name"`
	CounterpartEmail        string    `db:"cp_email"`
	CounterpartOrganization string    `db:"cp_organization"`
	CounterpartPicture      string    `db:"cp_picture"`
}

func (r *grantViewRow) counterpart() *model.UserSummary {
	return &model.UserSummary{
		ID:           r.CounterpartID,
		Name:         r.CounterpartName,
		Email:        r.CounterpartEmail,
		Organization: r.CounterpartOrganization,
		Picture:      r.CounterpartPicture,
	}
}

type consentRepository struct {
	BaseRepository
}

func NewConsentRepository(base BaseRepository) repository.ConsentRepository {
	return &consentRepository{base}
}

func (r *consentRepository) Create(ctx context.Context, grant *model.ConsentGrant) error {
	query := `
		INSERT INTO consent_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	grant.UpdatedAt = grant.CreatedAt
	grant.Version = 1

	_, err := r.db.ExecContext(ctx, query,
		grant.ID,
		grant.PatientID,
		grant.ProviderID,
		pq.StringArray(grant.DataScope.Strings()),
		string(grant.Status),
		grant.ExpiresAt,
		grant.Version,
		grant.CreatedAt,
		grant.UpdatedAt,
	)
	return mapError(err, "failed to create consent grant")
}

func (r *consentRepository) GetForPatient(ctx context.Context, id, patientID uuid.UUID) (*model.ConsentGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM consent_grants WHERE id = $1 AND patient_id = $2`

	var row grantRow
	if err := r.db.GetContext(ctx, &row, query, id, patientID); err != nil {
		return nil, mapError(err, "failed to get consent grant")
	}
	return row.toModel(), nil
}

func (r *consentRepository) Transition(ctx context.Context, t model.ConsentTransition) (*model.ConsentGrant, error) {
	query := `
		UPDATE consent_grants
		SET status = $1,
			expires_at = COALESCE($2, expires_at),
			version = version + 1,
			updated_at = $3
		WHERE id = $4 AND patient_id = $5 AND status = $6
		RETURNING ` + grantColumns

	var row grantRow
	err := r.db.GetContext(ctx, &row, query,
		string(t.To),
		t.ExpiresAt,
		t.At,
		t.GrantID,
		t.PatientID,
		string(t.From),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNoMatch
	}
	if err != nil {
		return nil, mapError(err, "failed to transition consent grant")
	}
	return row.toModel(), nil
}

func (r *consentRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, status *model.ConsentStatus) ([]*model.ConsentView, error) {
	query := `
		SELECT ` + grantViewColumns + `
		FROM consent_grants g
		JOIN users u ON u.id = g.provider_id
		WHERE g.patient_id = $1
	`
	args := []interface{}{patientID}
	if status != nil {
		query += ` AND g.status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY g.created_at DESC`

	var rows []grantViewRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "failed to list consent grants for patient")
	}

	views := make([]*model.ConsentView, 0, len(rows))
	for i := range rows {
		views = append(views, &model.ConsentView{
			ConsentGrant: *rows[i].toModel(),
			Provider:     rows[i].counterpart(),
		})
	}
	return views, nil
}

func (r *consentRepository) ListActiveByProvider(ctx context.Context, providerID uuid.UUID, now time.Time) ([]*model.ConsentView, error) {
	query := `
		SELECT ` + grantViewColumns + `
		FROM consent_grants g
		JOIN users u ON u.id = g.patient_id
		WHERE g.provider_id = $1
		AND g.status = 'GRANTED'
		AND (g.expires_at IS NULL OR g.expires_at > $2)
		ORDER BY g.updated_at DESC
	`

	var rows []grantViewRow
	if err := r.db.SelectContext(ctx, &rows, query, providerID, now); err != nil {
		return nil, mapError(err, "failed to list active consent grants for provider")
	}

	views := make([]*model.ConsentView, 0, len(rows))
	for i := range rows {
		views = append(views, &model.ConsentView{
			ConsentGrant: *rows[i].toModel(),
			Patient:      rows[i].counterpart(),
		})
	}
	return views, nil
}

func (r *consentRepository) GetActive(ctx context.Context, patientID, providerID uuid.UUID, now time.Time) (*model.ConsentGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM consent_grants
		WHERE patient_id = $1 AND provider_id = $2
		AND status = 'GRANTED'
		AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var row grantRow
	if err := r.db.GetContext(ctx, &row, query, patientID, providerID, now); err != nil {
		return nil, mapError(err, "failed to get active consent grant")
	}
	return row.toModel(), nil
}
