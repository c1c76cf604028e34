package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consent-api/internal/handler"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/pkg/auth"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
)

type IdentityService interface {
	UpsertFromAuthProfile(ctx context.Context, profile model.AuthProfile) (*model.User, error)
	Profile(ctx context.Context, id model.Identity) (*model.Profile, error)
	AssignRole(ctx context.Context, id model.Identity, role, organization string) (*model.User, error)
}

type Handler struct {
	svc    IdentityService
	tokens auth.JWTService
}

func NewHandler(svc IdentityService, tokens auth.JWTService) *Handler {
	return &Handler{svc: svc, tokens: tokens}
}

// RegisterRoutes mounts /auth. The exchange route is guarded by exchangeGuard, the rest
// by authenticate.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, exchangeGuard, authenticate gin.HandlerFunc) {
	a := r.Group("/auth")
	{
		a.POST("/exchange", exchangeGuard, h.Exchange)
		a.GET("/profile", authenticate, h.Profile)
		a.POST("/assign-role", authenticate, h.AssignRole)
	}
}

// Exchange is called by the trusted login front with the OAuth profile it verified. It
// creates or refreshes the account and issues an access token.
func (h *Handler) Exchange(c *gin.Context) {
	var req model.AuthProfile
	if !handler.BindJSON(c, &req) {
		return
	}

	user, err := h.svc.UpsertFromAuthProfile(c.Request.Context(), req)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	token, expiresAt, err := h.tokens.GenerateAccessToken(user.ID)
	if err != nil {
		handler.Fail(c, apperrors.NewInternal(err))
		return
	}

	profile, err := h.svc.Profile(c.Request.Context(), middleware.IdentityOf(user))
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(model.TokenResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Profile:     profile,
	}))
}

func (h *Handler) Profile(c *gin.Context) {
	profile, err := h.svc.Profile(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(profile))
}

func (h *Handler) AssignRole(c *gin.Context) {
	var req model.AssignRoleRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	user, err := h.svc.AssignRole(c.Request.Context(), middleware.GetIdentity(c), req.Role, req.Organization)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	id := middleware.IdentityOf(user)
	middleware.SetIdentity(c, id)

	profile, err := h.svc.Profile(c.Request.Context(), id)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(profile))
}
