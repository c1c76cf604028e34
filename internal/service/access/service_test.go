package access

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository/memory"
	"github.com/jwalitptl/consent-api/internal/service/audit"
	"github.com/jwalitptl/consent-api/internal/service/consent"
	"github.com/jwalitptl/consent-api/internal/service/identity"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

type fixture struct {
	store    *memory.Store
	identity *identity.Service
	consent  *consent.Service
	audit    *audit.Service
	metrics  *metrics.Metrics
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	m := metrics.NewTestMetrics()
	ids := identity.NewService(store.Users(), identity.Config{}, logger.Nop())
	ledger := consent.NewService(ids, store.Consents(), store.Outbox(), m, logger.Nop())
	recorder := audit.NewService(store.AccessLogs(), store.Outbox(), m, logger.Nop())
	return &fixture{
		store:    store,
		identity: ids,
		consent:  ledger,
		audit:    recorder,
		metrics:  m,
		svc:      NewService(ids, ledger, recorder, cfg, m, logger.Nop()),
	}
}

func (f *fixture) user(t *testing.T, email string, role model.Role) (*model.User, model.Identity) {
	t.Helper()
	ctx := context.Background()
	u, err := f.identity.UpsertFromAuthProfile(ctx, model.AuthProfile{
		ExternalID: "oauth|" + email,
		Name:       "User " + email,
		Email:      email,
	})
	require.NoError(t, err)
	id := model.Identity{UserID: u.ID, Authenticated: true}
	u, err = f.identity.AssignRole(ctx, id, string(role), "St. Mary's")
	require.NoError(t, err)
	id.Role = role
	id.Organization = u.Organization
	return u, id
}

func (f *fixture) grant(t *testing.T, patient *model.User, patientID, providerID model.Identity, scope ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	resp, err := f.consent.RequestAccess(ctx, providerID, model.CreateAccessRequest{PatientRef: patient.Email, DataScope: scope})
	require.NoError(t, err)
	_, err = f.consent.Respond(ctx, patientID, model.RespondRequest{ConsentID: resp.GrantID.String(), Action: "GRANT"})
	require.NoError(t, err)
	return resp.GrantID
}

func (f *fixture) logs(t *testing.T, patientID model.Identity) []*model.AccessLogView {
	t.Helper()
	logs, err := f.audit.LogsForPatient(context.Background(), patientID, model.AccessLogFilter{})
	require.NoError(t, err)
	return logs
}

func TestScan_DefaultPreferenceWithoutGrant(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	yes := true
	_, err := f.identity.UpdateDefaultConsent(ctx, patientID, model.ConsentPreferencesUpdate{Prescriptions: &yes})
	require.NoError(t, err)

	result, err := f.svc.Scan(ctx, providerID, model.ScanRequest{QRToken: patient.QRToken})
	require.NoError(t, err)

	assert.Equal(t, patient.ID, result.PatientID)
	assert.False(t, result.Emergency)
	assert.Equal(t, []string{"prescriptions", "blood_group"}, result.Data.Keys())
	assert.NotContains(t, result.Data, "medical_history")
	assert.Equal(t, []string{}, result.Data["prescriptions"])
	assert.Equal(t, "Not specified", result.Data["blood_group"])

	logs := f.logs(t, patientID)
	require.Len(t, logs, 1)
	assert.Equal(t, result.Data.Keys(), logs[0].DataAccessed)
	assert.False(t, logs[0].Emergency)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Disclosures.WithLabelValues(metrics.ModeScan)))
}

func TestScan_GrantScopeJoinsUnionUntilRevoked(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	allergies := []string{"Latex"}
	_, err := f.identity.UpdateMedicalProfile(ctx, patientID, model.MedicalProfileUpdate{Allergies: &allergies})
	require.NoError(t, err)
	grantID := f.grant(t, patient, patientID, providerID, "allergies")

	result, err := f.svc.Scan(ctx, providerID, model.ScanRequest{QRToken: patient.QRToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"allergies", "blood_group"}, result.Data.Keys())
	assert.Equal(t, []string{"Latex"}, result.Data["allergies"])

	_, err = f.consent.Revoke(ctx, patientID, grantID)
	require.NoError(t, err)

	result, err = f.svc.Scan(ctx, providerID, model.ScanRequest{QRToken: patient.QRToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"blood_group"}, result.Data.Keys())
}

func TestScan_GrantForAnotherProviderIsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerA := f.user(t, "a@example.com", model.RoleProvider)
	_, providerB := f.user(t, "b@example.com", model.RoleProvider)

	f.grant(t, patient, patientID, providerA, "medical_history")

	result, err := f.svc.Scan(context.Background(), providerB, model.ScanRequest{QRToken: patient.QRToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"blood_group"}, result.Data.Keys())
}

func TestScan_EmergencyWithoutBloodGroup(t *testing.T) {
	f := newFixture(t, Config{})
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	result, err := f.svc.Scan(context.Background(), providerID, model.ScanRequest{QRToken: patient.QRToken, Emergency: true})
	require.NoError(t, err)

	assert.True(t, result.Emergency)
	assert.Equal(t, "Not specified", result.Data["blood_group"])
	assert.Equal(t, "No medical history recorded", result.Data["medical_history"])
	assert.Equal(t, model.FullScope().Strings(), result.Data.Keys())

	logs := f.logs(t, patientID)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Emergency)
	assert.Equal(t, model.FullScope().Strings(), logs[0].DataAccessed)
}

type mockGrants struct {
	mock.Mock
}

func (m *mockGrants) ActiveGrant(ctx context.Context, patientID, providerID uuid.UUID) (*model.ConsentGrant, error) {
	args := m.Called(ctx, patientID, providerID)
	grant, _ := args.Get(0).(*model.ConsentGrant)
	return grant, args.Error(1)
}

func (m *mockGrants) ListActiveForProvider(ctx context.Context, id model.Identity) ([]*model.ConsentView, error) {
	args := m.Called(ctx, id)
	views, _ := args.Get(0).([]*model.ConsentView)
	return views, args.Error(1)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, d model.Disclosure) (*model.AccessLog, error) {
	args := m.Called(ctx, d)
	entry, _ := args.Get(0).(*model.AccessLog)
	return entry, args.Error(1)
}

func (m *mockRecorder) RecordBatch(ctx context.Context, ds []model.Disclosure) ([]*model.AccessLog, error) {
	args := m.Called(ctx, ds)
	entries, _ := args.Get(0).([]*model.AccessLog)
	return entries, args.Error(1)
}

func TestScan_EmergencyNeverReadsLedger(t *testing.T) {
	f := newFixture(t, Config{})
	patient, _ := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	grants := new(mockGrants)
	svc := NewService(f.identity, grants, f.audit, Config{}, metrics.NewTestMetrics(), logger.Nop())

	_, err := svc.Scan(context.Background(), providerID, model.ScanRequest{QRToken: patient.QRToken, Emergency: true})
	require.NoError(t, err)
	grants.AssertNotCalled(t, "ActiveGrant", mock.Anything, mock.Anything, mock.Anything)
}

func TestScan_LedgerFailureAbortsScan(t *testing.T) {
	f := newFixture(t, Config{})
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	grants := new(mockGrants)
	grants.On("ActiveGrant", mock.Anything, patient.ID, providerID.UserID).
		Return(nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, errors.New("timeout")))
	svc := NewService(f.identity, grants, f.audit, Config{}, metrics.NewTestMetrics(), logger.Nop())

	_, err := svc.Scan(context.Background(), providerID, model.ScanRequest{QRToken: patient.QRToken})
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	assert.Empty(t, f.logs(t, patientID))
}

func TestScan_AuditFailureReturnsNoData(t *testing.T) {
	f := newFixture(t, Config{})
	patient, _ := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	recorder := new(mockRecorder)
	recorder.On("Record", mock.Anything, mock.Anything).
		Return(nil, apperrors.Wrap(apperrors.ErrAuditWriteFailed, errors.New("disk full")))
	svc := NewService(f.identity, f.consent, recorder, Config{}, metrics.NewTestMetrics(), logger.Nop())

	for _, emergency := range []bool{false, true} {
		result, err := svc.Scan(context.Background(), providerID, model.ScanRequest{QRToken: patient.QRToken, Emergency: emergency})
		assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailed)
		assert.Nil(t, result)
	}
	recorder.AssertNumberOfCalls(t, "Record", 2)
}

func TestScan_Failures(t *testing.T) {
	f := newFixture(t, Config{})
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	provider, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	tests := []struct {
		name     string
		identity model.Identity
		req      model.ScanRequest
		want     error
	}{
		{"unauthenticated", model.Identity{}, model.ScanRequest{QRToken: patient.QRToken}, apperrors.ErrUnauthenticated},
		{"patient caller", patientID, model.ScanRequest{QRToken: patient.QRToken}, apperrors.ErrNotAProvider},
		{"unknown token", providerID, model.ScanRequest{QRToken: "NOSUCHTOKEN1"}, apperrors.ErrPatientNotFound},
		{"token of a provider", providerID, model.ScanRequest{QRToken: provider.QRToken}, apperrors.ErrPatientNotFound},
		{"requester mismatch", providerID, model.ScanRequest{QRToken: patient.QRToken, RequestedBy: uuid.NewString()}, apperrors.ErrRequesterMismatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Scan(context.Background(), tt.identity, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.logs(t, patientID))
}

type expiredTokens struct {
	PatientLookup
}

func (expiredTokens) ValidateToken(token string, user *model.User) error {
	return apperrors.ErrInvalidToken
}

func TestScan_InvalidToken(t *testing.T) {
	f := newFixture(t, Config{})
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	svc := NewService(expiredTokens{f.identity}, f.consent, f.audit, Config{}, metrics.NewTestMetrics(), logger.Nop())

	_, err := svc.Scan(context.Background(), providerID, model.ScanRequest{QRToken: patient.QRToken})
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	assert.Empty(t, f.logs(t, patientID))
}

func TestListConsentedPatients_ExactGrantScope(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	yes := true
	_, err := f.identity.UpdateDefaultConsent(ctx, patientID, model.ConsentPreferencesUpdate{
		MedicalHistory: &yes, Prescriptions: &yes, Allergies: &yes, CurrentMedications: &yes,
	})
	require.NoError(t, err)
	grantID := f.grant(t, patient, patientID, providerID, "blood_group", "medical_history")

	listed, err := f.svc.ListConsentedPatients(ctx, providerID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, grantID, listed[0].ConsentID)
	assert.Equal(t, []string{"medical_history", "blood_group"}, listed[0].Data.Keys())
	assert.Equal(t, patient.Email, listed[0].Patient.Email)

	logs := f.logs(t, patientID)
	require.Len(t, logs, 1)
	assert.Equal(t, []string{"medical_history", "blood_group"}, logs[0].DataAccessed)
}

func TestListConsentedPatients_DefaultsWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{DefaultsApplyToListing: true})
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	yes := true
	_, err := f.identity.UpdateDefaultConsent(ctx, patientID, model.ConsentPreferencesUpdate{Allergies: &yes})
	require.NoError(t, err)
	f.grant(t, patient, patientID, providerID, "medical_history")

	listed, err := f.svc.ListConsentedPatients(ctx, providerID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []string{"medical_history", "allergies"}, listed[0].Data.Keys())
}

func TestListConsentedPatients_OneEntryPerActiveGrant(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p1, p1ID := f.user(t, "p1@example.com", model.RolePatient)
	p2, p2ID := f.user(t, "p2@example.com", model.RolePatient)
	p3, _ := f.user(t, "p3@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	f.grant(t, p1, p1ID, providerID, "allergies")
	f.grant(t, p2, p2ID, providerID, "prescriptions")
	_, err := f.consent.RequestAccess(ctx, providerID, model.CreateAccessRequest{PatientRef: p3.Email})
	require.NoError(t, err)

	listed, err := f.svc.ListConsentedPatients(ctx, providerID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	providerLogs, err := f.audit.LogsForProvider(ctx, providerID)
	require.NoError(t, err)
	assert.Len(t, providerLogs, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Disclosures.WithLabelValues(metrics.ModeConsented)))
}

func TestListConsentedPatients_BatchFailureReturnsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)
	f.grant(t, patient, patientID, providerID)

	recorder := new(mockRecorder)
	recorder.On("RecordBatch", mock.Anything, mock.Anything).
		Return(nil, apperrors.Wrap(apperrors.ErrAuditWriteFailed, errors.New("tx aborted")))
	svc := NewService(f.identity, f.consent, recorder, Config{}, metrics.NewTestMetrics(), logger.Nop())

	listed, err := svc.ListConsentedPatients(context.Background(), providerID)
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailed)
	assert.Nil(t, listed)
}

func TestFetchConsented(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	other, _ := f.user(t, "other@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	history := "Type 2 diabetes"
	_, err := f.identity.UpdateMedicalProfile(ctx, patientID, model.MedicalProfileUpdate{MedicalHistory: &history})
	require.NoError(t, err)
	f.grant(t, patient, patientID, providerID, "medical_history", "current_medications")

	entry, err := f.svc.FetchConsented(ctx, providerID, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, history, entry.Data["medical_history"])
	assert.Equal(t, []string{}, entry.Data["current_medications"])
	assert.Equal(t, []string{"medical_history", "current_medications"}, entry.Data.Keys())

	_, err = f.svc.FetchConsented(ctx, providerID, other.ID)
	assert.ErrorIs(t, err, apperrors.ErrGrantNotFound)

	_, err = f.svc.FetchConsented(ctx, patientID, patient.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotAProvider)

	assert.Len(t, f.logs(t, patientID), 1)
}
