package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
)

func setupTestBase(t *testing.T) (BaseRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	base := NewBaseRepository(sqlx.NewDb(db, "sqlmock"))
	cleanup := func() {
		db.Close()
	}
	return base, mock, cleanup
}

var userRowColumns = []string{
	"id", "external_id", "name", "email", "picture", "role", "organization",
	"medical_history", "prescriptions", "blood_group", "allergies", "current_medications",
	"share_medical_history", "share_prescriptions", "share_allergies", "share_current_medications",
	"qr_token", "qr_expires_at", "version", "created_at", "updated_at",
}

func patientRow(id uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(userRowColumns).AddRow(
		id.String(), "oauth|1", "Pat", "pat@example.com", "", "PATIENT", "",
		"asthma", "{ventolin}", "O+", "{penicillin}", "{}",
		true, false, false, false,
		"QRTOKEN12345", nil, 3, now, now,
	)
}

func TestUserRepository_GetByQRToken(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE qr_token = \\$1").
		WithArgs("QRTOKEN12345").
		WillReturnRows(patientRow(id, now))

	user, err := repo.GetByQRToken(context.Background(), "QRTOKEN12345")
	require.NoError(t, err)

	assert.Equal(t, id, user.ID)
	assert.Equal(t, model.RolePatient, user.Role)
	assert.Equal(t, []string{"ventolin"}, user.Prescriptions)
	assert.Equal(t, "O+", user.Emergency.BloodGroup)
	assert.Equal(t, []string{"penicillin"}, user.Emergency.Allergies)
	assert.Equal(t, []string{}, user.Emergency.CurrentMedications)
	assert.True(t, user.Consent.MedicalHistory)
	assert.Equal(t, 3, user.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetNotFound(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE email = \\$1").
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.GetByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_CreateDuplicateEmail(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "users_email_key"})

	err := repo.Create(context.Background(), &model.User{ExternalID: "x", Name: "n", Email: "dup@example.com"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdateMedicalProfileStaleVersion(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	user := &model.User{Base: model.Base{ID: uuid.New()}, Version: 2}
	mock.ExpectExec("UPDATE users").
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), user.ID, 2,
		).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateMedicalProfile(context.Background(), user)
	assert.ErrorIs(t, err, repository.ErrNoMatch)
	assert.Equal(t, 2, user.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdateMedicalProfileBumpsVersion(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	user := &model.User{Base: model.Base{ID: uuid.New()}, Version: 2}
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateMedicalProfile(context.Background(), user))
	assert.Equal(t, 3, user.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_AssignRoleAlreadySet(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("UPDATE users").
		WithArgs("PROVIDER", "Clinic", sqlmock.AnyArg(), id).
		WillReturnRows(sqlmock.NewRows(userRowColumns))
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(patientRow(id, now))

	_, err := repo.AssignRole(context.Background(), id, model.RoleProvider, "Clinic")
	assert.ErrorIs(t, err, repository.ErrNoMatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_AssignRoleMissingUser(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewUserRepository(base)

	id := uuid.New()
	mock.ExpectQuery("UPDATE users").WillReturnRows(sqlmock.NewRows(userRowColumns))
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.AssignRole(context.Background(), id, model.RolePatient, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var grantRowColumns = []string{
	"id", "patient_id", "provider_id", "data_scope", "status", "expires_at", "version", "created_at", "updated_at",
}

func TestConsentRepository_CreateDuplicatePending(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewConsentRepository(base)

	mock.ExpectExec("INSERT INTO consent_grants").
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "consent_grants_one_pending"})

	err := repo.Create(context.Background(), &model.ConsentGrant{
		PatientID:  uuid.New(),
		ProviderID: uuid.New(),
		DataScope:  model.FullScope(),
		Status:     model.ConsentStatusPending,
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepository_TransitionApplies(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewConsentRepository(base)

	grantID, patientID, providerID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("UPDATE consent_grants").
		WithArgs("GRANTED", nil, now, grantID, patientID, "PENDING").
		WillReturnRows(sqlmock.NewRows(grantRowColumns).AddRow(
			grantID.String(), patientID.String(), providerID.String(),
			"{allergies,medical_history}", "GRANTED", nil, 2, now, now,
		))

	grant, err := repo.Transition(context.Background(), model.ConsentTransition{
		GrantID:   grantID,
		PatientID: patientID,
		From:      model.ConsentStatusPending,
		To:        model.ConsentStatusGranted,
		At:        now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConsentStatusGranted, grant.Status)
	assert.Equal(t, model.Scope{model.AttrMedicalHistory, model.AttrAllergies}, grant.DataScope)
	assert.Equal(t, 2, grant.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepository_TransitionNoMatch(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewConsentRepository(base)

	mock.ExpectQuery("UPDATE consent_grants").WillReturnRows(sqlmock.NewRows(grantRowColumns))

	_, err := repo.Transition(context.Background(), model.ConsentTransition{
		GrantID:   uuid.New(),
		PatientID: uuid.New(),
		From:      model.ConsentStatusGranted,
		To:        model.ConsentStatusRevoked,
		At:        time.Now(),
	})
	assert.ErrorIs(t, err, repository.ErrNoMatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepository_ListByPatientFiltersStatus(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewConsentRepository(base)

	patientID, providerID := uuid.New(), uuid.New()
	now := time.Now().UTC()
	columns := append(append([]string{}, grantRowColumns...),
		"cp_id", "cp_name", "cp_email", "cp_organization", "cp_picture")

	mock.ExpectQuery("FROM consent_grants g\\s+JOIN users u ON u.id = g.provider_id(.+)AND g.status = \\$2").
		WithArgs(patientID, "PENDING").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			uuid.New().String(), patientID.String(), providerID.String(),
			"{blood_group}", "PENDING", nil, 1, now, now,
			providerID.String(), "Dr. Who", "who@clinic.org", "Clinic", "",
		))

	status := model.ConsentStatusPending
	views, err := repo.ListByPatient(context.Background(), patientID, &status)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Dr. Who", views[0].Provider.Name)
	assert.Equal(t, "Clinic", views[0].Provider.Organization)
	assert.Nil(t, views[0].Patient)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessLogRepository_CreateBatchRollsBack(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewAccessLogRepository(base)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO access_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO access_logs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.CreateBatch(context.Background(), []*model.AccessLog{
		{AccessedBy: uuid.New(), PatientID: uuid.New(), DataAccessed: []string{"blood_group"}},
		{AccessedBy: uuid.New(), PatientID: uuid.New(), DataAccessed: []string{"allergies"}},
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessLogRepository_ListByPatientEmergencyOnly(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewAccessLogRepository(base)

	patientID, providerID := uuid.New(), uuid.New()
	now := time.Now().UTC()
	columns := []string{
		"id", "accessed_by", "patient_id", "data_accessed", "emergency", "created_at",
		"cp_id", "cp_name", "cp_email", "cp_organization", "cp_picture",
	}

	mock.ExpectQuery("FROM access_logs l(.+)AND l.emergency = \\$2 ORDER BY l.created_at DESC, l.id DESC").
		WithArgs(patientID, true).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			uuid.New().String(), providerID.String(), patientID.String(),
			"{medical_history,prescriptions,allergies,current_medications,blood_group}", true, now,
			providerID.String(), "Dr. Who", "who@clinic.org", "Clinic", "",
		))

	emergency := true
	logs, err := repo.ListByPatient(context.Background(), patientID, model.AccessLogFilter{Emergency: &emergency})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Emergency)
	assert.Len(t, logs[0].DataAccessed, 5)
	assert.Equal(t, providerID, logs[0].Accessor.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_UpdateStatusMissing(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewOutboxRepository(base)

	mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), uuid.New(), model.OutboxStatusProcessed, nil)
	assert.ErrorIs(t, err, repository.ErrNoMatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_ClaimEventsLocksAndMarksProcessing(t *testing.T) {
	base, mock, cleanup := setupTestBase(t)
	defer cleanup()
	repo := NewOutboxRepository(base)

	staleBefore := time.Now().UTC().Add(-5 * time.Minute)
	older := time.Now().UTC().Add(-time.Hour)
	newer := older.Add(time.Minute)
	olderID, newerID := uuid.New(), uuid.New()
	columns := []string{
		"id", "event_type", "payload", "status", "error_message", "retry_count",
		"created_at", "updated_at", "processed_at",
	}

	mock.ExpectQuery(`UPDATE outbox_events SET status = 'PROCESSING', updated_at = \$1 WHERE id IN \( ` +
		`SELECT id FROM outbox_events WHERE status = 'PENDING' ` +
		`OR \(status = 'FAILED' AND retry_count < \$2\) ` +
		`OR \(status = 'PROCESSING' AND updated_at < \$3\) ` +
		`ORDER BY created_at ASC LIMIT \$4 FOR UPDATE SKIP LOCKED \) RETURNING`).
		WithArgs(sqlmock.AnyArg(), 5, staleBefore, 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(newerID.String(), model.EventConsentGranted, []byte(`{}`), "PROCESSING", nil, 0, newer, newer, nil).
			AddRow(olderID.String(), model.EventConsentRequested, []byte(`{}`), "PROCESSING", "redis down", 1, older, older, nil))

	events, err := repo.ClaimEvents(context.Background(), model.OutboxClaim{
		Limit:       10,
		MaxFailures: 5,
		StaleBefore: staleBefore,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, olderID, events[0].ID)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.Equal(t, newerID, events[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range schema {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Migrate(context.Background(), sqlx.NewDb(db, "sqlmock")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsAtFailingStep(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(schema[0]).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(schema[1]).WillReturnError(errors.New("permission denied"))

	err = Migrate(context.Background(), sqlx.NewDb(db, "sqlmock"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration step 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}
