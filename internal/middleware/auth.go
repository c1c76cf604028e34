package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/handler"
	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/pkg/auth"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
)

const (
	ContextIdentity      = "identity"
	HeaderExchangeSecret = "X-Exchange-Secret"
)

// UserLoader resolves the token subject to the stored account.
type UserLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

type AuthMiddleware struct {
	tokens auth.JWTService
	users  UserLoader
}

func NewAuthMiddleware(tokens auth.JWTService, users UserLoader) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		users:  users,
	}
}

// Authenticate verifies the bearer token and stores the caller's identity in the context.
// Role and organization come from the store so a freshly assigned role applies at once.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			handler.Fail(c, apperrors.Unauthorized(errors.New("missing authorization header")))
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			handler.Fail(c, apperrors.Unauthorized(errors.New("invalid authorization format")))
			c.Abort()
			return
		}

		userID, err := m.tokens.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			handler.Fail(c, apperrors.Unauthorized(err))
			c.Abort()
			return
		}

		user, err := m.users.FindByID(c.Request.Context(), userID)
		if errors.Is(err, apperrors.ErrUserNotFound) {
			handler.Fail(c, apperrors.ErrUnauthenticated)
			c.Abort()
			return
		}
		if err != nil {
			handler.Fail(c, err)
			c.Abort()
			return
		}

		SetIdentity(c, IdentityOf(user))
		c.Next()
	}
}

// RequireRole rejects callers without the given role.
func (m *AuthMiddleware) RequireRole(role model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c).Has(role) {
			c.Next()
			return
		}
		switch role {
		case model.RoleProvider:
			handler.Fail(c, apperrors.ErrNotAProvider)
		case model.RolePatient:
			handler.Fail(c, apperrors.ErrNotAPatient)
		default:
			handler.Fail(c, apperrors.ErrUnauthenticated)
		}
		c.Abort()
	}
}

// RequireExchangeSecret guards the endpoint the trusted login front posts profiles to.
// An empty secret disables the endpoint.
func RequireExchangeSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(HeaderExchangeSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			handler.Fail(c, apperrors.Unauthorized(errors.New("invalid exchange secret")))
			c.Abort()
			return
		}
		c.Next()
	}
}

func IdentityOf(user *model.User) model.Identity {
	return model.Identity{
		UserID:        user.ID,
		Role:          user.Role,
		Organization:  user.Organization,
		Authenticated: true,
	}
}

func SetIdentity(c *gin.Context, id model.Identity) {
	c.Set(ContextIdentity, id)
}

// GetIdentity returns the caller, or an unauthenticated zero identity.
func GetIdentity(c *gin.Context) model.Identity {
	if v, ok := c.Get(ContextIdentity); ok {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Identity{}
}
