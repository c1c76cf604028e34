package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/validator"
)

// maxVersionRetries bounds re-applying a field patch after a concurrent writer won.
const maxVersionRetries = 3

type IdentityService interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByToken(ctx context.Context, token string) (*model.User, error)
	ValidateToken(token string, user *model.User) error
	UpsertFromAuthProfile(ctx context.Context, profile model.AuthProfile) (*model.User, error)
	UpdateMedicalProfile(ctx context.Context, id model.Identity, update model.MedicalProfileUpdate) (*model.MedicalProfile, error)
	UpdateDefaultConsent(ctx context.Context, id model.Identity, update model.ConsentPreferencesUpdate) (*model.ConsentPreferences, error)
	AssignRole(ctx context.Context, id model.Identity, role, organization string) (*model.User, error)
	EnsureQRToken(ctx context.Context, id model.Identity) (*model.User, error)
	Profile(ctx context.Context, id model.Identity) (*model.Profile, error)
}

type Config struct {
	// QRTokenTTL of zero issues tokens that never expire.
	QRTokenTTL time.Duration
	CacheTTL   time.Duration
}

type Service struct {
	users  repository.UserRepository
	tokens *tokenCache
	qrTTL  time.Duration
	logger *logger.Logger
	now    func() time.Time
}

func NewService(users repository.UserRepository, cfg Config, log *logger.Logger) *Service {
	return &Service{
		users:  users,
		tokens: newTokenCache(cfg.CacheTTL),
		qrTTL:  cfg.QRTokenTTL,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func storageErr(err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
}

// lookup maps a repository miss onto notFound and anything else onto a storage failure.
func lookup(user *model.User, err error, notFound *apperrors.AppError) (*model.User, error) {
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	user, err := s.users.Get(ctx, id)
	return lookup(user, err, apperrors.ErrUserNotFound)
}

func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	user, err := s.users.GetByExternalID(ctx, externalID)
	return lookup(user, err, apperrors.ErrUserNotFound)
}

func (s *Service) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperrors.ErrUserNotFound
	}
	user, err := s.users.GetByEmail(ctx, email)
	return lookup(user, err, apperrors.ErrUserNotFound)
}

// FindByToken resolves a QR token. It does not check expiry; see ValidateToken.
func (s *Service) FindByToken(ctx context.Context, token string) (*model.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.ErrUserNotFound
	}

	if id, ok := s.tokens.get(token); ok {
		user, err := s.users.Get(ctx, id)
		if err == nil && user.QRToken == token {
			return user, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, storageErr(err)
		}
		s.tokens.forget(token)
	}

	user, err := s.users.GetByQRToken(ctx, token)
	if user, err = lookup(user, err, apperrors.ErrUserNotFound); err != nil {
		return nil, err
	}
	s.tokens.remember(token, user.ID)
	return user, nil
}

// ValidateToken fails with InvalidToken when the presented token is not the user's
// current token or has passed its expiry.
func (s *Service) ValidateToken(token string, user *model.User) error {
	if user == nil || user.QRToken == "" || user.QRToken != strings.TrimSpace(token) {
		return apperrors.ErrInvalidToken
	}
	if user.QRExpiresAt != nil && !user.QRExpiresAt.After(s.now()) {
		return apperrors.ErrInvalidToken
	}
	return nil
}

func (s *Service) qrExpiry(now time.Time) *time.Time {
	if s.qrTTL <= 0 {
		return nil
	}
	expiresAt := now.Add(s.qrTTL)
	return &expiresAt
}

// UpsertFromAuthProfile creates the user on first login and otherwise only refreshes the
// picture.
func (s *Service) UpsertFromAuthProfile(ctx context.Context, profile model.AuthProfile) (*model.User, error) {
	if strings.TrimSpace(profile.ExternalID) == "" {
		return nil, apperrors.NewValidation("external id is required", nil)
	}
	email := normalizeEmail(profile.Email)
	if email == "" {
		return nil, apperrors.NewValidation("email is required", nil)
	}

	existing, err := s.users.GetByExternalID(ctx, profile.ExternalID)
	switch {
	case err == nil:
		return s.refreshPicture(ctx, existing, profile.Picture)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storageErr(err)
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		token, err := NewQRToken()
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to generate qr token: %w", err))
		}

		now := s.now()
		user := &model.User{
			Base:          model.Base{ID: uuid.New(), CreatedAt: now},
			ExternalID:    profile.ExternalID,
			Name:          strings.TrimSpace(profile.Name),
			Email:         email,
			Picture:       profile.Picture,
			Prescriptions: []string{},
			Emergency: model.EmergencyInfo{
				Allergies:          []string{},
				CurrentMedications: []string{},
			},
			QRToken:     token,
			QRExpiresAt: s.qrExpiry(now),
		}

		err = s.users.Create(ctx, user)
		if err == nil {
			s.logger.Info("user created", "user_id", user.ID.String())
			return user, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, storageErr(err)
		}

		// A concurrent first login for the same account wins the race.
		if existing, getErr := s.users.GetByExternalID(ctx, profile.ExternalID); getErr == nil {
			return s.refreshPicture(ctx, existing, profile.Picture)
		}
		if other, getErr := s.users.GetByEmail(ctx, email); getErr == nil && other.ExternalID != profile.ExternalID {
			return nil, apperrors.NewConflict("email is already registered to another account", nil)
		}
		// Otherwise the token collided; draw a new one.
	}

	return nil, apperrors.Internal(errors.New("failed to allocate a unique qr token"))
}

func (s *Service) refreshPicture(ctx context.Context, user *model.User, picture string) (*model.User, error) {
	if picture == "" || picture == user.Picture {
		return user, nil
	}
	if err := s.users.UpdatePicture(ctx, user.ID, picture); err != nil {
		return nil, storageErr(err)
	}
	user.Picture = picture
	return user, nil
}

func (s *Service) requirePatient(ctx context.Context, id model.Identity) (*model.User, error) {
	if !id.Has(model.RolePatient) {
		return nil, apperrors.ErrNotAPatient
	}
	user, err := s.users.Get(ctx, id.UserID)
	if user, err = lookup(user, err, apperrors.ErrPatientNotFound); err != nil {
		return nil, err
	}
	if !user.IsPatient() {
		return nil, apperrors.ErrNotAPatient
	}
	return user, nil
}

// versionedUpdate re-reads and re-applies a patch when another writer bumped the version
// in between, so neither write is lost.
func (s *Service) versionedUpdate(ctx context.Context, id model.Identity, apply func(*model.User), write func(context.Context, *model.User) error) (*model.User, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		user, err := s.requirePatient(ctx, id)
		if err != nil {
			return nil, err
		}
		apply(user)

		err = write(ctx, user)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrNoMatch) {
			return nil, storageErr(err)
		}
	}
	return nil, apperrors.NewConflict("profile was modified concurrently, retry the update", nil)
}

func (s *Service) UpdateMedicalProfile(ctx context.Context, id model.Identity, update model.MedicalProfileUpdate) (*model.MedicalProfile, error) {
	if update.BloodGroup != nil && !validator.IsBloodGroup(*update.BloodGroup) {
		return nil, apperrors.NewValidation("invalid blood group", nil)
	}

	user, err := s.versionedUpdate(ctx, id, func(u *model.User) {
		if update.MedicalHistory != nil {
			u.MedicalHistory = strings.TrimSpace(*update.MedicalHistory)
		}
		if update.Prescriptions != nil {
			u.Prescriptions = cleanList(*update.Prescriptions, false)
		}
		if update.BloodGroup != nil {
			u.Emergency.BloodGroup = strings.ToUpper(strings.TrimSpace(*update.BloodGroup))
		}
		if update.Allergies != nil {
			u.Emergency.Allergies = cleanList(*update.Allergies, true)
		}
		if update.CurrentMedications != nil {
			u.Emergency.CurrentMedications = cleanList(*update.CurrentMedications, true)
		}
	}, s.users.UpdateMedicalProfile)
	if err != nil {
		return nil, err
	}

	profile := user.MedicalProfile()
	return &profile, nil
}

func (s *Service) UpdateDefaultConsent(ctx context.Context, id model.Identity, update model.ConsentPreferencesUpdate) (*model.ConsentPreferences, error) {
	user, err := s.versionedUpdate(ctx, id, func(u *model.User) {
		if update.MedicalHistory != nil {
			u.Consent.MedicalHistory = *update.MedicalHistory
		}
		if update.Prescriptions != nil {
			u.Consent.Prescriptions = *update.Prescriptions
		}
		if update.Allergies != nil {
			u.Consent.Allergies = *update.Allergies
		}
		if update.CurrentMedications != nil {
			u.Consent.CurrentMedications = *update.CurrentMedications
		}
	}, s.users.UpdateConsentPreferences)
	if err != nil {
		return nil, err
	}

	prefs := user.Consent
	return &prefs, nil
}

// AssignRole sets the role once. Repeating the same role is a no-op; a different role
// fails with RoleAlreadySet.
func (s *Service) AssignRole(ctx context.Context, id model.Identity, role, organization string) (*model.User, error) {
	if !id.Authenticated || id.UserID == uuid.Nil {
		return nil, apperrors.ErrUnauthenticated
	}

	r := model.Role(strings.ToUpper(strings.TrimSpace(role)))
	if !r.Valid() {
		return nil, apperrors.ErrInvalidRole
	}

	organization = strings.TrimSpace(organization)
	if r != model.RoleProvider {
		organization = ""
	}

	user, err := s.users.AssignRole(ctx, id.UserID, r, organization)
	switch {
	case errors.Is(err, repository.ErrNoMatch):
		return nil, apperrors.ErrRoleAlreadySet
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.ErrUserNotFound
	case err != nil:
		return nil, storageErr(err)
	}

	s.logger.Info("role assigned", "user_id", user.ID.String(), "role", string(user.Role))
	return user, nil
}

// EnsureQRToken returns the patient's live token, issuing one only when none exists or
// the stored one has expired.
func (s *Service) EnsureQRToken(ctx context.Context, id model.Identity) (*model.User, error) {
	user, err := s.requirePatient(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if user.QRToken != "" && (user.QRExpiresAt == nil || user.QRExpiresAt.After(now)) {
		return user, nil
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		token, err := NewQRToken()
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to generate qr token: %w", err))
		}
		stored, err := s.users.SetQRToken(ctx, user.ID, token, s.qrExpiry(now), now)
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, storageErr(err)
		}
		if user.QRToken != "" {
			s.tokens.forget(user.QRToken)
		}
		return stored, nil
	}
	return nil, apperrors.Internal(errors.New("failed to allocate a unique qr token"))
}

func (s *Service) Profile(ctx context.Context, id model.Identity) (*model.Profile, error) {
	if !id.Authenticated {
		return nil, apperrors.ErrUnauthenticated
	}
	user, err := s.users.Get(ctx, id.UserID)
	if user, err = lookup(user, err, apperrors.ErrUserNotFound); err != nil {
		return nil, err
	}

	profile := &model.Profile{
		ID:           user.ID,
		Name:         user.Name,
		Email:        user.Email,
		Picture:      user.Picture,
		Organization: user.Organization,
	}
	if user.Role != "" {
		role := user.Role
		profile.Role = &role
	}
	if user.IsPatient() {
		profile.QRToken = user.QRToken
	}
	return profile, nil
}

func cleanList(items []string, dedupe bool) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if dedupe && seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}
