package consent

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/handler"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/model"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
)

type Ledger interface {
	Respond(ctx context.Context, id model.Identity, req model.RespondRequest) (*model.ConsentGrant, error)
	Revoke(ctx context.Context, id model.Identity, grantID uuid.UUID) (*model.ConsentGrant, error)
	ListPending(ctx context.Context, id model.Identity) ([]*model.ConsentView, error)
	ListHistory(ctx context.Context, id model.Identity) ([]*model.ConsentView, error)
}

type Handler struct {
	ledger Ledger
}

func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes expects r to require an authenticated patient.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	cg := r.Group("/consent")
	{
		cg.GET("/pending", h.ListPending)
		cg.POST("/respond", h.Respond)
		cg.PUT("/revoke/:id", h.Revoke)
		cg.GET("/history", h.ListHistory)
	}
}

func (h *Handler) ListPending(c *gin.Context) {
	views, err := h.ledger.ListPending(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(views))
}

func (h *Handler) ListHistory(c *gin.Context) {
	views, err := h.ledger.ListHistory(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(views))
}

func (h *Handler) Respond(c *gin.Context) {
	var req model.RespondRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	grant, err := h.ledger.Respond(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(grant))
}

func (h *Handler) Revoke(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handler.Fail(c, apperrors.NewValidation("invalid consent ID", err))
		return
	}

	grant, err := h.ledger.Revoke(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(grant))
}
