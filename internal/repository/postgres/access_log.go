package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
)

const accessLogInsert = `
	INSERT INTO access_logs (id, accessed_by, patient_id, data_accessed, emergency, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

const accessLogViewColumns = `l.id, l.accessed_by, l.patient_id, l.data_accessed, l.emergency, l.created_at,
	u.id AS cp_id, u.name AS cp_name, u.email AS cp_email,
	u.organization AS cp_organization, u.picture AS cp_picture`

type accessLogViewRow struct {
	ID                      uuid.UUID      `db:"id"`
	AccessedBy              uuid.UUID      `db:"accessed_by"`
	PatientID               uuid.UUID      `db:"patient_id"`
	DataAccessed            pq.StringArray `db:"data_accessed"`
	Emergency               bool           `db:"emergency"`
	CreatedAt               time.Time      `db:"created_at"`
	CounterpartID           uuid.UUID      `db:"cp_id"`
	CounterpartName         string         `db:"cp_name"`
	CounterpartEmail        string         `db:"cp_email"`
	CounterpartOrganization string         `db:"cp_organization"`
	CounterpartPicture      string         `db:"cp_picture"`
}

func (r *accessLogViewRow) toModel() model.AccessLog {
	return model.AccessLog{
		ID:           r.ID,
		AccessedBy:   r.AccessedBy,
		PatientID:    r.PatientID,
		DataAccessed: nonNil(r.DataAccessed),
		Emergency:    r.Emergency,
		CreatedAt:    r.CreatedAt,
	}
}

func (r *accessLogViewRow) counterpart() *model.UserSummary {
	return &model.UserSummary{
		ID:           r.CounterpartID,
		Name:         r.CounterpartName,
		Email:        r.CounterpartEmail,
		Organization: r.CounterpartOrganization,
		Picture:      r.CounterpartPicture,
	}
}

// accessLogRepository only inserts and reads. The table carries a trigger rejecting
// UPDATE and DELETE as well.
type accessLogRepository struct {
	BaseRepository
}

func NewAccessLogRepository(base BaseRepository) repository.AccessLogRepository {
	return &accessLogRepository{base}
}

func prepareAccessLog(log *model.AccessLog) {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
}

func (r *accessLogRepository) Create(ctx context.Context, log *model.AccessLog) error {
	prepareAccessLog(log)

	_, err := r.db.ExecContext(ctx, accessLogInsert,
		log.ID,
		log.AccessedBy,
		log.PatientID,
		pq.StringArray(nonNil(log.DataAccessed)),
		log.Emergency,
		log.CreatedAt,
	)
	return mapError(err, "failed to create access log")
}

func (r *accessLogRepository) CreateBatch(ctx context.Context, logs []*model.AccessLog) error {
	if len(logs) == 0 {
		return nil
	}

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, log := range logs {
			prepareAccessLog(log)
			if _, err := tx.ExecContext(ctx, accessLogInsert,
				log.ID,
				log.AccessedBy,
				log.PatientID,
				pq.StringArray(nonNil(log.DataAccessed)),
				log.Emergency,
				log.CreatedAt,
			); err != nil {
				return mapError(err, "failed to create access log batch")
			}
		}
		return nil
	})
}

func (r *accessLogRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, filter model.AccessLogFilter) ([]*model.AccessLogView, error) {
	query := `
		SELECT ` + accessLogViewColumns + `
		FROM access_logs l
		JOIN users u ON u.id = l.accessed_by
		WHERE l.patient_id = $1
	`
	args := []interface{}{patientID}
	if filter.Emergency != nil {
		query += ` AND l.emergency = $2`
		args = append(args, *filter.Emergency)
	}
	query += ` ORDER BY l.created_at DESC, l.id DESC`

	var rows []accessLogViewRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "failed to list access logs for patient")
	}

	views := make([]*model.AccessLogView, 0, len(rows))
	for i := range rows {
		views = append(views, &model.AccessLogView{
			AccessLog: rows[i].toModel(),
			Accessor:  rows[i].counterpart(),
		})
	}
	return views, nil
}

func (r *accessLogRepository) ListByAccessor(ctx context.Context, accessorID uuid.UUID) ([]*model.AccessLogView, error) {
	query := `
		SELECT ` + accessLogViewColumns + `
		FROM access_logs l
		JOIN users u ON u.id = l.patient_id
		WHERE l.accessed_by = $1
		ORDER BY l.created_at DESC, l.id DESC
	`

	var rows []accessLogViewRow
	if err := r.db.SelectContext(ctx, &rows, query, accessorID); err != nil {
		return nil, mapError(err, "failed to list access logs for accessor")
	}

	views := make([]*model.AccessLogView, 0, len(rows))
	for i := range rows {
		views = append(views, &model.AccessLogView{
			AccessLog: rows[i].toModel(),
			Patient:   rows[i].counterpart(),
		})
	}
	return views, nil
}
