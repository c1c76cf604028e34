package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

// Recorder is what the access resolver needs: every disclosure goes through it before
// data leaves the core.
type Recorder interface {
	Record(ctx context.Context, d model.Disclosure) (*model.AccessLog, error)
	RecordBatch(ctx context.Context, ds []model.Disclosure) ([]*model.AccessLog, error)
}

type Service struct {
	repo    repository.AccessLogRepository
	outbox  repository.OutboxRepository
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

func NewService(repo repository.AccessLogRepository, outbox repository.OutboxRepository, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		repo:    repo,
		outbox:  outbox,
		metrics: m,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) entry(d model.Disclosure, at time.Time) *model.AccessLog {
	keys := make([]string, len(d.Attributes))
	copy(keys, d.Attributes)
	return &model.AccessLog{
		ID:           uuid.New(),
		AccessedBy:   d.AccessorID,
		PatientID:    d.PatientID,
		DataAccessed: keys,
		Emergency:    d.Emergency,
		CreatedAt:    at,
	}
}

// Record appends one entry. A failed write returns ErrAuditWriteFailed and the caller
// must not release the data.
func (s *Service) Record(ctx context.Context, d model.Disclosure) (*model.AccessLog, error) {
	entry := s.entry(d, s.now())
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, s.writeFailed(err, 1)
	}
	s.published(ctx, entry)
	return entry, nil
}

// RecordBatch appends all entries atomically or none of them. Entries are a microsecond
// apart in input order so newest-first listings are deterministic.
func (s *Service) RecordBatch(ctx context.Context, ds []model.Disclosure) ([]*model.AccessLog, error) {
	if len(ds) == 0 {
		return []*model.AccessLog{}, nil
	}

	at := s.now()
	entries := make([]*model.AccessLog, len(ds))
	for i, d := range ds {
		entries[i] = s.entry(d, at.Add(time.Duration(i)*time.Microsecond))
	}
	if err := s.repo.CreateBatch(ctx, entries); err != nil {
		return nil, s.writeFailed(err, len(entries))
	}
	for _, entry := range entries {
		s.published(ctx, entry)
	}
	return entries, nil
}

func (s *Service) writeFailed(err error, count int) error {
	s.metrics.AuditWriteFailures.Inc()
	s.logger.Error(err, "failed to write access log", "entries", count)
	return apperrors.Wrap(apperrors.ErrAuditWriteFailed, err)
}

// published queues the access.disclosed event. The entry is already durable, so a
// failure is only logged.
func (s *Service) published(ctx context.Context, entry *model.AccessLog) {
	body, err := json.Marshal(model.DisclosureEvent{
		AccessLogID:  entry.ID,
		AccessorID:   entry.AccessedBy,
		PatientID:    entry.PatientID,
		DataAccessed: entry.DataAccessed,
		Emergency:    entry.Emergency,
		OccurredAt:   entry.CreatedAt,
	})
	if err != nil {
		s.logger.Error(err, "failed to marshal disclosure event", "access_log_id", entry.ID.String())
		return
	}
	if err := s.outbox.Create(ctx, &model.OutboxEvent{EventType: model.EventDataDisclosed, Payload: body}); err != nil {
		s.logger.Error(err, "failed to queue disclosure event", "access_log_id", entry.ID.String())
	}
}

// LogsForPatient lists who saw the caller's data, newest first.
func (s *Service) LogsForPatient(ctx context.Context, id model.Identity, filter model.AccessLogFilter) ([]*model.AccessLogView, error) {
	if !id.Authenticated {
		return nil, apperrors.ErrUnauthenticated
	}
	if !id.Has(model.RolePatient) {
		return nil, apperrors.ErrNotAPatient
	}
	logs, err := s.repo.ListByPatient(ctx, id.UserID, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	return logs, nil
}

// LogsForProvider lists the caller's own disclosures, newest first.
func (s *Service) LogsForProvider(ctx context.Context, id model.Identity) ([]*model.AccessLogView, error) {
	if !id.Authenticated {
		return nil, apperrors.ErrUnauthenticated
	}
	if !id.Has(model.RoleProvider) {
		return nil, apperrors.ErrNotAProvider
	}
	logs, err := s.repo.ListByAccessor(ctx, id.UserID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	return logs, nil
}
