package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/service/audit"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

const (
	DefaultMedicalHistoryPlaceholder = "No medical history recorded"
	DefaultBloodGroupPlaceholder     = "Not specified"
)

type Config struct {
	// DefaultsApplyToListing adds the patient's default-share preferences to the grant
	// scope on consented-patient reads. Scans always apply them.
	DefaultsApplyToListing    bool
	MedicalHistoryPlaceholder string
	BloodGroupPlaceholder     string
}

// PatientLookup is implemented by the identity service.
type PatientLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByToken(ctx context.Context, token string) (*model.User, error)
	ValidateToken(token string, user *model.User) error
}

// GrantLookup is implemented by the consent service.
type GrantLookup interface {
	ActiveGrant(ctx context.Context, patientID, providerID uuid.UUID) (*model.ConsentGrant, error)
	ListActiveForProvider(ctx context.Context, id model.Identity) ([]*model.ConsentView, error)
}

type AccessService interface {
	Scan(ctx context.Context, id model.Identity, req model.ScanRequest) (*model.ScanResult, error)
	FetchConsented(ctx context.Context, id model.Identity, patientID uuid.UUID) (*model.ConsentedPatient, error)
	ListConsentedPatients(ctx context.Context, id model.Identity) ([]*model.ConsentedPatient, error)
}

type Service struct {
	patients PatientLookup
	grants   GrantLookup
	audit    audit.Recorder
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(patients PatientLookup, grants GrantLookup, recorder audit.Recorder, cfg Config, m *metrics.Metrics, log *logger.Logger) *Service {
	if cfg.MedicalHistoryPlaceholder == "" {
		cfg.MedicalHistoryPlaceholder = DefaultMedicalHistoryPlaceholder
	}
	if cfg.BloodGroupPlaceholder == "" {
		cfg.BloodGroupPlaceholder = DefaultBloodGroupPlaceholder
	}
	return &Service{
		patients: patients,
		grants:   grants,
		audit:    recorder,
		cfg:      cfg,
		metrics:  m,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func requireProvider(id model.Identity) error {
	if !id.Authenticated || id.UserID == uuid.Nil {
		return apperrors.ErrUnauthenticated
	}
	if !id.Has(model.RoleProvider) {
		return apperrors.ErrNotAProvider
	}
	return nil
}

func (s *Service) patientByID(ctx context.Context, patientID uuid.UUID) (*model.User, error) {
	patient, err := s.patients.FindByID(ctx, patientID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, apperrors.ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	if !patient.IsPatient() {
		return nil, apperrors.ErrPatientNotFound
	}
	return patient, nil
}

func (s *Service) patientByToken(ctx context.Context, token string) (*model.User, error) {
	patient, err := s.patients.FindByToken(ctx, token)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, apperrors.ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	if !patient.IsPatient() {
		return nil, apperrors.ErrPatientNotFound
	}
	if err := s.patients.ValidateToken(token, patient); err != nil {
		return nil, err
	}
	return patient, nil
}

// Scan discloses a patient's record to the provider that scanned their QR token.
// Emergency scans project every attribute and never read the consent ledger.
func (s *Service) Scan(ctx context.Context, id model.Identity, req model.ScanRequest) (*model.ScanResult, error) {
	if err := requireProvider(id); err != nil {
		return nil, err
	}
	if req.RequestedBy != "" && req.RequestedBy != id.UserID.String() {
		return nil, apperrors.ErrRequesterMismatched
	}

	patient, err := s.patientByToken(ctx, req.QRToken)
	if err != nil {
		return nil, err
	}

	mode := metrics.ModeScan
	var scope model.Scope
	if req.Emergency {
		mode = metrics.ModeEmergency
		scope = model.FullScope()
		s.logger.Warn("emergency_override",
			"accessor_id", id.UserID.String(),
			"patient_id", patient.ID.String(),
			"organization", id.Organization)
	} else {
		scope, err = s.scanScope(ctx, id, patient)
		if err != nil {
			return nil, err
		}
	}

	data := s.project(patient, scope)
	if _, err := s.audit.Record(ctx, model.Disclosure{
		AccessorID: id.UserID,
		PatientID:  patient.ID,
		Attributes: data.Keys(),
		Emergency:  req.Emergency,
	}); err != nil {
		return nil, err
	}
	s.metrics.Disclosures.WithLabelValues(mode).Inc()

	return &model.ScanResult{
		PatientID:   patient.ID,
		PatientName: patient.Name,
		Data:        data,
		Emergency:   req.Emergency,
	}, nil
}

// scanScope is the active grant scope merged with the patient's default-share
// preferences. Blood group is always included.
func (s *Service) scanScope(ctx context.Context, id model.Identity, patient *model.User) (model.Scope, error) {
	scope := patient.Consent.Scope().Union(model.Scope{model.AttrBloodGroup})

	grant, err := s.grants.ActiveGrant(ctx, patient.ID, id.UserID)
	switch {
	case err == nil:
		scope = scope.Union(grant.DataScope)
	case errors.Is(err, apperrors.ErrGrantNotFound):
	default:
		return nil, err
	}
	return scope, nil
}

func (s *Service) listingScope(grant *model.ConsentGrant, patient *model.User) model.Scope {
	scope := grant.DataScope
	if len(scope) == 0 {
		scope = model.FullScope()
	}
	if s.cfg.DefaultsApplyToListing {
		scope = scope.Union(patient.Consent.Scope())
	}
	return scope
}

// FetchConsented discloses one patient under the provider's active grant.
func (s *Service) FetchConsented(ctx context.Context, id model.Identity, patientID uuid.UUID) (*model.ConsentedPatient, error) {
	if err := requireProvider(id); err != nil {
		return nil, err
	}

	grant, err := s.grants.ActiveGrant(ctx, patientID, id.UserID)
	if err != nil {
		return nil, err
	}
	patient, err := s.patientByID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	entry := s.consentedEntry(grant, patient)
	if _, err := s.audit.Record(ctx, model.Disclosure{
		AccessorID: id.UserID,
		PatientID:  patient.ID,
		Attributes: entry.Data.Keys(),
	}); err != nil {
		return nil, err
	}
	s.metrics.Disclosures.WithLabelValues(metrics.ModeConsented).Inc()
	return entry, nil
}

// ListConsentedPatients discloses every patient with an active grant to the caller.
// The listing is audited as one batch; nothing is returned if the batch fails.
func (s *Service) ListConsentedPatients(ctx context.Context, id model.Identity) ([]*model.ConsentedPatient, error) {
	if err := requireProvider(id); err != nil {
		return nil, err
	}

	grants, err := s.grants.ListActiveForProvider(ctx, id)
	if err != nil {
		return nil, err
	}

	entries := make([]*model.ConsentedPatient, 0, len(grants))
	disclosures := make([]model.Disclosure, 0, len(grants))
	for _, view := range grants {
		patient, err := s.patientByID(ctx, view.PatientID)
		if err != nil {
			return nil, err
		}
		grant := view.ConsentGrant
		entry := s.consentedEntry(&grant, patient)
		entries = append(entries, entry)
		disclosures = append(disclosures, model.Disclosure{
			AccessorID: id.UserID,
			PatientID:  patient.ID,
			Attributes: entry.Data.Keys(),
		})
	}

	if _, err := s.audit.RecordBatch(ctx, disclosures); err != nil {
		return nil, err
	}
	s.metrics.Disclosures.WithLabelValues(metrics.ModeConsented).Add(float64(len(disclosures)))
	return entries, nil
}

func (s *Service) consentedEntry(grant *model.ConsentGrant, patient *model.User) *model.ConsentedPatient {
	return &model.ConsentedPatient{
		PatientID:    patient.ID,
		ConsentID:    grant.ID,
		ConsentScope: grant.DataScope,
		GrantedAt:    grant.UpdatedAt,
		Patient:      patient.Summary(),
		Data:         s.project(patient, s.listingScope(grant, patient)),
	}
}
