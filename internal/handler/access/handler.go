package access

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consent-api/internal/handler"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/model"
)

type Scanner interface {
	Scan(ctx context.Context, id model.Identity, req model.ScanRequest) (*model.ScanResult, error)
}

type Requester interface {
	RequestAccess(ctx context.Context, id model.Identity, req model.CreateAccessRequest) (*model.CreateAccessResponse, error)
}

type Handler struct {
	scanner   Scanner
	requester Requester
}

func NewHandler(scanner Scanner, requester Requester) *Handler {
	return &Handler{scanner: scanner, requester: requester}
}

// RegisterRoutes expects r to require an authenticated provider.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	a := r.Group("/access")
	{
		a.POST("/scan", middleware.Emergency(), h.Scan)
		a.POST("/emergency", middleware.ForceEmergency(), h.Scan)
		a.POST("/request", h.RequestAccess)
	}
}

// Scan serves both scan routes. Emergency mode is on when the body, the X-Emergency
// header or the route asks for it.
func (h *Handler) Scan(c *gin.Context) {
	var req model.ScanRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	req.Emergency = req.Emergency || middleware.IsEmergency(c)

	result, err := h.scanner.Scan(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

func (h *Handler) RequestAccess(c *gin.Context) {
	var req model.CreateAccessRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	resp, err := h.requester.RequestAccess(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(resp))
}
