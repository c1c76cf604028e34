package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

type ConsentService interface {
	RequestAccess(ctx context.Context, id model.Identity, req model.CreateAccessRequest) (*model.CreateAccessResponse, error)
	Respond(ctx context.Context, id model.Identity, req model.RespondRequest) (*model.ConsentGrant, error)
	Revoke(ctx context.Context, id model.Identity, grantID uuid.UUID) (*model.ConsentGrant, error)
	ListPending(ctx context.Context, id model.Identity) ([]*model.ConsentView, error)
	ListHistory(ctx context.Context, id model.Identity) ([]*model.ConsentView, error)
	ListActiveForProvider(ctx context.Context, id model.Identity) ([]*model.ConsentView, error)
	ActiveGrant(ctx context.Context, patientID, providerID uuid.UUID) (*model.ConsentGrant, error)
}

type Service struct {
	users    UserFinder
	consents repository.ConsentRepository
	outbox   repository.OutboxRepository
	resolver *PatientResolver
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(
	users UserFinder,
	consents repository.ConsentRepository,
	outbox repository.OutboxRepository,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	return &Service{
		users:    users,
		consents: consents,
		outbox:   outbox,
		resolver: NewPatientResolver(users),
		metrics:  m,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func storageErr(err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
}

// normalizeScope dedupes and orders the requested attributes. An empty request means
// every attribute.
func normalizeScope(items []string) (model.Scope, error) {
	scope, invalid := model.ParseScope(items)
	if len(invalid) > 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidScope,
			fmt.Errorf("unknown attributes: %s", strings.Join(invalid, ", ")))
	}
	if len(scope) == 0 {
		return model.FullScope(), nil
	}
	return scope, nil
}

func (s *Service) requireProvider(ctx context.Context, id model.Identity) (*model.User, error) {
	if !id.Authenticated || id.UserID == uuid.Nil {
		return nil, apperrors.ErrUnauthenticated
	}
	provider, err := s.users.FindByID(ctx, id.UserID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, apperrors.ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	if id.Role != model.RoleProvider || !provider.IsProvider() {
		return nil, apperrors.ErrNotAProvider
	}
	return provider, nil
}

func requirePatient(id model.Identity) error {
	if !id.Authenticated || id.UserID == uuid.Nil {
		return apperrors.ErrUnauthenticated
	}
	if !id.Has(model.RolePatient) {
		return apperrors.ErrNotAPatient
	}
	return nil
}

// RequestAccess creates a PENDING grant from the calling provider to the referenced
// patient. At most one PENDING grant per pair is enforced by the store.
func (s *Service) RequestAccess(ctx context.Context, id model.Identity, req model.CreateAccessRequest) (*model.CreateAccessResponse, error) {
	provider, err := s.requireProvider(ctx, id)
	if err != nil {
		return nil, err
	}

	scope, err := normalizeScope(req.DataScope)
	if err != nil {
		return nil, err
	}

	patient, err := s.resolver.Resolve(ctx, req.PatientRef)
	if err != nil {
		return nil, err
	}

	grant := &model.ConsentGrant{
		ID:         uuid.New(),
		PatientID:  patient.ID,
		ProviderID: provider.ID,
		DataScope:  scope,
		Status:     model.ConsentStatusPending,
		CreatedAt:  s.now(),
	}
	if err := s.consents.Create(ctx, grant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.ErrDuplicatePending
		}
		return nil, storageErr(err)
	}

	s.metrics.ConsentTransitions.WithLabelValues(string(model.ConsentStatusPending)).Inc()
	s.logger.Info("consent requested",
		"grant_id", grant.ID.String(),
		"patient_id", patient.ID.String(),
		"provider_id", provider.ID.String(),
		"scope", scope.Strings())

	s.emit(ctx, model.EventConsentRequested, model.ConsentEvent{
		GrantID:      grant.ID,
		PatientID:    patient.ID,
		ProviderID:   provider.ID,
		Status:       grant.Status,
		DataScope:    scope.Strings(),
		PatientEmail: patient.Email,
		PatientName:  patient.Name,
		ProviderName: provider.Name,
		ProviderOrg:  provider.Organization,
		OccurredAt:   grant.CreatedAt,
	})

	return &model.CreateAccessResponse{
		GrantID:      grant.ID,
		Status:       grant.Status,
		PatientName:  patient.Name,
		PatientEmail: patient.Email,
	}, nil
}

// Respond applies the patient's decision to one of their PENDING grants.
func (s *Service) Respond(ctx context.Context, id model.Identity, req model.RespondRequest) (*model.ConsentGrant, error) {
	if err := requirePatient(id); err != nil {
		return nil, err
	}

	grantID, err := uuid.Parse(req.ConsentID)
	if err != nil {
		return nil, apperrors.NewValidation("consent_id must be a valid id", err)
	}
	decision, ok := model.ParseDecision(req.Action)
	if !ok {
		return nil, apperrors.ErrInvalidDecision
	}

	now := s.now()
	var expiresAt *time.Time
	if decision == model.DecisionGrant && req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, apperrors.NewValidation("expiry must be in the future", nil)
		}
		e := req.ExpiresAt.UTC()
		expiresAt = &e
	}

	grant, err := s.consents.GetForPatient(ctx, grantID, id.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrGrantNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if grant.Status != model.ConsentStatusPending {
		return nil, apperrors.ErrInvalidTransition
	}

	updated, err := s.consents.Transition(ctx, model.ConsentTransition{
		GrantID:   grant.ID,
		PatientID: id.UserID,
		From:      model.ConsentStatusPending,
		To:        decision.Target(),
		ExpiresAt: expiresAt,
		At:        now,
	})
	if errors.Is(err, repository.ErrNoMatch) {
		// A concurrent response moved the grant first.
		return nil, apperrors.ErrInvalidTransition
	}
	if err != nil {
		return nil, storageErr(err)
	}

	eventType := model.EventConsentGranted
	if updated.Status == model.ConsentStatusRevoked {
		eventType = model.EventConsentDenied
	}
	s.recordTransition(ctx, eventType, updated)
	return updated, nil
}

// Revoke ends an active grant. Only GRANTED grants can be revoked; anything else is
// reported as not found.
func (s *Service) Revoke(ctx context.Context, id model.Identity, grantID uuid.UUID) (*model.ConsentGrant, error) {
	if err := requirePatient(id); err != nil {
		return nil, err
	}

	updated, err := s.consents.Transition(ctx, model.ConsentTransition{
		GrantID:   grantID,
		PatientID: id.UserID,
		From:      model.ConsentStatusGranted,
		To:        model.ConsentStatusRevoked,
		At:        s.now(),
	})
	if errors.Is(err, repository.ErrNoMatch) {
		return nil, apperrors.ErrGrantNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}

	s.recordTransition(ctx, model.EventConsentRevoked, updated)
	return updated, nil
}

func (s *Service) recordTransition(ctx context.Context, eventType string, grant *model.ConsentGrant) {
	s.metrics.ConsentTransitions.WithLabelValues(string(grant.Status)).Inc()
	s.logger.Info("consent transitioned",
		"grant_id", grant.ID.String(),
		"event", eventType,
		"status", string(grant.Status))

	s.emit(ctx, eventType, model.ConsentEvent{
		GrantID:    grant.ID,
		PatientID:  grant.PatientID,
		ProviderID: grant.ProviderID,
		Status:     grant.Status,
		DataScope:  grant.DataScope.Strings(),
		OccurredAt: grant.UpdatedAt,
	})
}

// emit queues an event for the outbox worker. The ledger change is already committed,
// so a failure here is logged and not returned.
func (s *Service) emit(ctx context.Context, eventType string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error(err, "failed to marshal outbox event", "event_type", eventType)
		return
	}
	if err := s.outbox.Create(ctx, &model.OutboxEvent{EventType: eventType, Payload: body}); err != nil {
		s.logger.Error(err, "failed to queue outbox event", "event_type", eventType)
	}
}

func (s *Service) listForPatient(ctx context.Context, id model.Identity, status *model.ConsentStatus) ([]*model.ConsentView, error) {
	if err := requirePatient(id); err != nil {
		return nil, err
	}
	views, err := s.consents.ListByPatient(ctx, id.UserID, status)
	if err != nil {
		return nil, storageErr(err)
	}
	return views, nil
}

func (s *Service) ListPending(ctx context.Context, id model.Identity) ([]*model.ConsentView, error) {
	pending := model.ConsentStatusPending
	return s.listForPatient(ctx, id, &pending)
}

func (s *Service) ListHistory(ctx context.Context, id model.Identity) ([]*model.ConsentView, error) {
	return s.listForPatient(ctx, id, nil)
}

func (s *Service) ListActiveForProvider(ctx context.Context, id model.Identity) ([]*model.ConsentView, error) {
	provider, err := s.requireProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	views, err := s.consents.ListActiveByProvider(ctx, provider.ID, s.now())
	if err != nil {
		return nil, storageErr(err)
	}
	return views, nil
}

// ActiveGrant returns the newest active grant for the pair, or ErrGrantNotFound.
func (s *Service) ActiveGrant(ctx context.Context, patientID, providerID uuid.UUID) (*model.ConsentGrant, error) {
	grant, err := s.consents.GetActive(ctx, patientID, providerID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrGrantNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return grant, nil
}
