package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/consent-api/internal/email"
	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
	"github.com/jwalitptl/consent-api/pkg/logger"
)

const (
	maxRetries = 3
	retryDelay = 2 * time.Second
)

// Service emails patients about events that concern them: a new consent request and an
// emergency disclosure of their record. Other events are ignored.
type Service struct {
	emailSvc   email.Service
	users      repository.UserRepository
	logger     *logger.Logger
	maxRetries int
	retryDelay time.Duration
}

func NewService(emailSvc email.Service, users repository.UserRepository, log *logger.Logger) *Service {
	return &Service{
		emailSvc:   emailSvc,
		users:      users,
		logger:     log,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

func (s *Service) Notify(ctx context.Context, event *model.OutboxEvent) error {
	switch event.EventType {
	case model.EventConsentRequested:
		var payload model.ConsentEvent
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("invalid %s payload: %w", event.EventType, err)
		}
		if payload.PatientEmail == "" {
			return nil
		}
		return s.withRetry(ctx, event, func() error {
			return s.emailSvc.SendConsentRequest(ctx, payload.PatientEmail, payload.PatientName, payload.ProviderName, payload.ProviderOrg)
		})

	case model.EventDataDisclosed:
		var payload model.DisclosureEvent
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("invalid %s payload: %w", event.EventType, err)
		}
		if !payload.Emergency {
			return nil
		}
		patient, err := s.users.Get(ctx, payload.PatientID)
		if err != nil {
			return fmt.Errorf("failed to load patient %s: %w", payload.PatientID, err)
		}
		return s.withRetry(ctx, event, func() error {
			return s.emailSvc.SendEmergencyAccess(ctx, patient.Email, patient.Name, payload.OccurredAt)
		})
	}
	return nil
}

func (s *Service) withRetry(ctx context.Context, event *model.OutboxEvent, send func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err = send(); err == nil {
			s.logger.Info("notification sent", "event_id", event.ID.String(), "event_type", event.EventType)
			return nil
		}
		s.logger.Warn("notification attempt failed",
			"event_id", event.ID.String(),
			"attempt", attempt,
			"error", err.Error())

		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("notification for event %s failed after %d attempts: %w", event.ID, s.maxRetries, err)
}
