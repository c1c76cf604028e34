package consent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
	"github.com/jwalitptl/consent-api/internal/repository/memory"
	"github.com/jwalitptl/consent-api/internal/service/identity"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

type fixture struct {
	store    *memory.Store
	identity *identity.Service
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	ids := identity.NewService(store.Users(), identity.Config{}, logger.Nop())
	return &fixture{
		store:    store,
		identity: ids,
		svc:      NewService(ids, store.Consents(), store.Outbox(), metrics.NewTestMetrics(), logger.Nop()),
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
	u, err = f.identity.AssignRole(ctx, id, string(role), "City Clinic")
	require.NoError(t, err)
	id.Role = role
	id.Organization = u.Organization
	return u, id
}

func (f *fixture) request(t *testing.T, provider model.Identity, patientRef string, scope ...string) uuid.UUID {
	t.Helper()
	resp, err := f.svc.RequestAccess(context.Background(), provider, model.CreateAccessRequest{
		PatientRef: patientRef,
		DataScope:  scope,
	})
	require.NoError(t, err)
	return resp.GrantID
}

func TestPatientResolver_Order(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"id", "email", "qr_token"}, f.svc.resolver.Strategies())
}

func TestRequestAccess_ResolvesEveryReferenceKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, provider := f.user(t, "doc@example.com", model.RoleProvider)

	refs := []string{patient.ID.String(), "PAT@example.com", patient.QRToken}
	for _, ref := range refs {
		resp, err := f.svc.RequestAccess(ctx, provider, model.CreateAccessRequest{PatientRef: ref})
		require.NoError(t, err, ref)
		assert.Equal(t, model.ConsentStatusPending, resp.Status)
		assert.Equal(t, patient.Email, resp.PatientEmail)

		// Deny so the next reference can open a new pending request.
		_, err = f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: resp.GrantID.String(), Action: "DENY"})
		require.NoError(t, err)
	}
}

func TestRequestAccess_EmptyScopeMeansFull(t *testing.T) {
	f := newFixture(t)
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, provider := f.user(t, "doc@example.com", model.RoleProvider)

	f.request(t, provider, patient.Email)

	pending, err := f.svc.ListPending(context.Background(), patientID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.FullScope(), pending[0].DataScope)
	require.NotNil(t, pending[0].Provider)
	assert.Equal(t, "City Clinic", pending[0].Provider.Organization)
}

func TestRequestAccess_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	other, provider := f.user(t, "doc@example.com", model.RoleProvider)

	tests := []struct {
		name     string
		identity model.Identity
		req      model.CreateAccessRequest
		want     error
	}{
		{"unauthenticated", model.Identity{}, model.CreateAccessRequest{PatientRef: patient.Email}, apperrors.ErrUnauthenticated},
		{"patient caller", patientID, model.CreateAccessRequest{PatientRef: patient.Email}, apperrors.ErrNotAProvider},
		{"unknown provider", model.Identity{UserID: uuid.New(), Role: model.RoleProvider, Authenticated: true}, model.CreateAccessRequest{PatientRef: patient.Email}, apperrors.ErrProviderNotFound},
		{"unknown attribute", provider, model.CreateAccessRequest{PatientRef: patient.Email, DataScope: []string{"allergies", "ssn"}}, apperrors.ErrInvalidScope},
		{"unknown patient", provider, model.CreateAccessRequest{PatientRef: "nobody@example.com"}, apperrors.ErrPatientNotFound},
		{"reference names a provider", provider, model.CreateAccessRequest{PatientRef: other.ID.String()}, apperrors.ErrPatientNotFound},
		{"blank reference", provider, model.CreateAccessRequest{PatientRef: "  "}, apperrors.ErrPatientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestAccess(ctx, tt.identity, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRequestAccess_DuplicatePending(t *testing.T) {
	f := newFixture(t)
	patient, _ := f.user(t, "pat@example.com", model.RolePatient)
	_, provider := f.user(t, "doc@example.com", model.RoleProvider)

	f.request(t, provider, patient.Email)
	_, err := f.svc.RequestAccess(context.Background(), provider, model.CreateAccessRequest{PatientRef: patient.Email})
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePending)
}

func TestRequestAccess_ConcurrentRequestsCreateOnePending(t *testing.T) {
	f := newFixture(t)
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, provider := f.user(t, "doc@example.com", model.RoleProvider)

	const workers = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestAccess(context.Background(), provider, model.CreateAccessRequest{PatientRef: patient.Email})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperrors.ErrDuplicatePending):
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, duplicates)

	pending, err := f.svc.ListPending(context.Background(), patientID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRespond_GrantThenRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	provider, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	grantID := f.request(t, providerID, patient.Email, "allergies", "allergies", "medical_history")
	expiry := time.Now().Add(24 * time.Hour)

	granted, err := f.svc.Respond(ctx, patientID, model.RespondRequest{
		ConsentID: grantID.String(),
		Action:    "grant",
		ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConsentStatusGranted, granted.Status)
	assert.Equal(t, model.Scope{model.AttrMedicalHistory, model.AttrAllergies}, granted.DataScope)
	require.NotNil(t, granted.ExpiresAt)

	active, err := f.svc.ActiveGrant(ctx, patient.ID, provider.ID)
	require.NoError(t, err)
	assert.Equal(t, grantID, active.ID)

	listed, err := f.svc.ListActiveForProvider(ctx, providerID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, patient.ID, listed[0].Patient.ID)

	_, err = f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: grantID.String(), Action: "DENY"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	revoked, err := f.svc.Revoke(ctx, patientID, grantID)
	require.NoError(t, err)
	assert.Equal(t, model.ConsentStatusRevoked, revoked.Status)

	_, err = f.svc.Revoke(ctx, patientID, grantID)
	assert.ErrorIs(t, err, apperrors.ErrGrantNotFound)

	_, err = f.svc.ActiveGrant(ctx, patient.ID, provider.ID)
	assert.ErrorIs(t, err, apperrors.ErrGrantNotFound)
}

func TestRespond_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)
	_, strangerID := f.user(t, "other@example.com", model.RolePatient)

	grantID := f.request(t, providerID, patient.Email)
	past := time.Now().Add(-time.Hour)

	_, err := f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: grantID.String(), Action: "MAYBE"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidDecision)

	_, err = f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: "not-an-id", Action: "GRANT"})
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	_, err = f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: grantID.String(), Action: "GRANT", ExpiresAt: &past})
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	_, err = f.svc.Respond(ctx, strangerID, model.RespondRequest{ConsentID: grantID.String(), Action: "GRANT"})
	assert.ErrorIs(t, err, apperrors.ErrGrantNotFound)

	_, err = f.svc.Respond(ctx, providerID, model.RespondRequest{ConsentID: grantID.String(), Action: "GRANT"})
	assert.ErrorIs(t, err, apperrors.ErrNotAPatient)

	// Expiry is ignored on a denial.
	denied, err := f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: grantID.String(), Action: "DENY", ExpiresAt: &past})
	require.NoError(t, err)
	assert.Equal(t, model.ConsentStatusRevoked, denied.Status)
	assert.Nil(t, denied.ExpiresAt)
}

func TestRevoke_PendingGrantIsNotFound(t *testing.T) {
	f := newFixture(t)
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	grantID := f.request(t, providerID, patient.Email)

	_, err := f.svc.Revoke(context.Background(), patientID, grantID)
	assert.ErrorIs(t, err, apperrors.ErrGrantNotFound)
}

func TestListHistory_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerA := f.user(t, "a@example.com", model.RoleProvider)
	_, providerB := f.user(t, "b@example.com", model.RoleProvider)

	first := f.request(t, providerA, patient.Email)
	time.Sleep(time.Millisecond)
	second := f.request(t, providerB, patient.Email)

	history, err := f.svc.ListHistory(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second, history[0].ID)
	assert.Equal(t, first, history[1].ID)

	_, err = f.svc.ListHistory(ctx, providerA)
	assert.ErrorIs(t, err, apperrors.ErrNotAPatient)
}

func TestConsentEventsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	grantID := f.request(t, providerID, patient.Email)
	_, err := f.svc.Respond(ctx, patientID, model.RespondRequest{ConsentID: grantID.String(), Action: "GRANT"})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, patientID, grantID)
	require.NoError(t, err)

	events, err := f.store.Outbox().ClaimEvents(ctx, model.OutboxClaim{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 3)

	types := []string{events[0].EventType, events[1].EventType, events[2].EventType}
	assert.ElementsMatch(t, []string{model.EventConsentRequested, model.EventConsentGranted, model.EventConsentRevoked}, types)

	for _, e := range events {
		if e.EventType != model.EventConsentRequested {
			continue
		}
		var payload model.ConsentEvent
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		assert.Equal(t, grantID, payload.GrantID)
		assert.Equal(t, patient.Email, payload.PatientEmail)
		assert.Equal(t, "City Clinic", payload.ProviderOrg)
	}
}

type mockConsentRepo struct {
	mock.Mock
	repository.ConsentRepository
}

func (m *mockConsentRepo) Create(ctx context.Context, grant *model.ConsentGrant) error {
	args := m.Called(ctx, grant)
	return args.Error(0)
}

type failingOutbox struct {
	repository.OutboxRepository
}

func (failingOutbox) Create(ctx context.Context, event *model.OutboxEvent) error {
	return errors.New("outbox unavailable")
}

func TestRequestAccess_StorageFailure(t *testing.T) {
	f := newFixture(t)
	patient, _ := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	repo := new(mockConsentRepo)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	svc := NewService(f.identity, repo, f.store.Outbox(), metrics.NewTestMetrics(), logger.Nop())

	_, err := svc.RequestAccess(context.Background(), providerID, model.CreateAccessRequest{PatientRef: patient.Email})
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	repo.AssertExpectations(t)
}

func TestRequestAccess_OutboxFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	patient, patientID := f.user(t, "pat@example.com", model.RolePatient)
	_, providerID := f.user(t, "doc@example.com", model.RoleProvider)

	svc := NewService(f.identity, f.store.Consents(), failingOutbox{}, metrics.NewTestMetrics(), logger.Nop())

	_, err := svc.RequestAccess(context.Background(), providerID, model.CreateAccessRequest{PatientRef: patient.Email})
	require.NoError(t, err)

	pending, err := svc.ListPending(context.Background(), patientID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
