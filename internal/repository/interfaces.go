package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
)

// Storage-level outcomes every implementation reports the same way. Services translate
// them into the domain taxonomy.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("unique constraint violated")
	ErrNoMatch   = errors.New("conditional update matched no rows")
)

// All repository interfaces in one file
type (
	// UserRepository is the Identity Store persistence. Lookups return ErrNotFound.
	UserRepository interface {
		Create(ctx context.Context, user *model.User) error
		Get(ctx context.Context, id uuid.UUID) (*model.User, error)
		GetByExternalID(ctx context.Context, externalID string) (*model.User, error)
		GetByEmail(ctx context.Context, email string) (*model.User, error)
		GetByQRToken(ctx context.Context, token string) (*model.User, error)
		UpdatePicture(ctx context.Context, id uuid.UUID, picture string) error
		// UpdateMedicalProfile writes the profile only if the stored version still matches
		// user.Version; otherwise ErrNoMatch.
		UpdateMedicalProfile(ctx context.Context, user *model.User) error
		UpdateConsentPreferences(ctx context.Context, user *model.User) error
		// AssignRole sets the role only when it is unset or already equal; otherwise ErrNoMatch.
		AssignRole(ctx context.Context, id uuid.UUID, role model.Role, organization string) (*model.User, error)
		// SetQRToken assigns a token only when none is stored or the stored one expired
		// before now. It returns the stored user either way.
		SetQRToken(ctx context.Context, id uuid.UUID, token string, expiresAt *time.Time, now time.Time) (*model.User, error)
	}

	// ConsentRepository is the Consent Ledger persistence. Create reports ErrDuplicate when
	// a PENDING grant already exists for the pair.
	ConsentRepository interface {
		Create(ctx context.Context, grant *model.ConsentGrant) error
		GetForPatient(ctx context.Context, id, patientID uuid.UUID) (*model.ConsentGrant, error)
		// Transition applies From -> To atomically; ErrNoMatch when the grant does not exist
		// for the patient or is no longer in the From status.
		Transition(ctx context.Context, t model.ConsentTransition) (*model.ConsentGrant, error)
		ListByPatient(ctx context.Context, patientID uuid.UUID, status *model.ConsentStatus) ([]*model.ConsentView, error)
		ListActiveByProvider(ctx context.Context, providerID uuid.UUID, now time.Time) ([]*model.ConsentView, error)
		GetActive(ctx context.Context, patientID, providerID uuid.UUID, now time.Time) (*model.ConsentGrant, error)
	}

	// AccessLogRepository is append-only: no update or delete.
	AccessLogRepository interface {
		Create(ctx context.Context, log *model.AccessLog) error
		// CreateBatch persists all entries or none.
		CreateBatch(ctx context.Context, logs []*model.AccessLog) error
		ListByPatient(ctx context.Context, patientID uuid.UUID, filter model.AccessLogFilter) ([]*model.AccessLogView, error)
		ListByAccessor(ctx context.Context, accessorID uuid.UUID) ([]*model.AccessLogView, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		// ClaimEvents atomically moves up to claim.Limit deliverable events to PROCESSING,
		// oldest first, and returns them. Concurrent callers never receive the same event.
		ClaimEvents(ctx context.Context, claim model.OutboxClaim) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error
	}

	// Store bundles the repositories so cmd wiring can swap backends in one place.
	Store interface {
		Users() UserRepository
		Consents() ConsentRepository
		AccessLogs() AccessLogRepository
		Outbox() OutboxRepository
		Ping(ctx context.Context) error
		Close() error
	}
)
