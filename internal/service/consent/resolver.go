package consent

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
)

// UserFinder is the slice of the identity service the ledger needs.
type UserFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByToken(ctx context.Context, token string) (*model.User, error)
}

// Strategy resolves a patient reference one way. A miss is apperrors.ErrUserNotFound;
// any other error stops resolution.
type Strategy struct {
	Name    string
	Resolve func(ctx context.Context, ref string) (*model.User, error)
}

// PatientResolver tries its strategies in order and returns the first match. The
// order is part of the contract: internal id, then email, then QR token.
type PatientResolver struct {
	strategies []Strategy
}

func NewPatientResolver(users UserFinder) *PatientResolver {
	return &PatientResolver{
		strategies: []Strategy{
			{
				Name: "id",
				Resolve: func(ctx context.Context, ref string) (*model.User, error) {
					id, err := uuid.Parse(ref)
					if err != nil {
						return nil, apperrors.ErrUserNotFound
					}
					return users.FindByID(ctx, id)
				},
			},
			{
				Name: "email",
				Resolve: func(ctx context.Context, ref string) (*model.User, error) {
					if !strings.Contains(ref, "@") {
						return nil, apperrors.ErrUserNotFound
					}
					return users.FindByEmail(ctx, ref)
				},
			},
			{
				Name:    "qr_token",
				Resolve: users.FindByToken,
			},
		},
	}
}

// Strategies lists the resolution order.
func (r *PatientResolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name
	}
	return names
}

// Resolve returns the patient the reference names. A matched user without the patient
// role counts as a definitive miss.
func (r *PatientResolver) Resolve(ctx context.Context, ref string) (*model.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperrors.ErrPatientNotFound
	}

	for _, strategy := range r.strategies {
		user, err := strategy.Resolve(ctx, ref)
		if errors.Is(err, apperrors.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !user.IsPatient() {
			return nil, apperrors.ErrPatientNotFound
		}
		return user, nil
	}
	return nil, apperrors.ErrPatientNotFound
}
