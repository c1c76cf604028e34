package patient

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consent-api/internal/handler"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/model"
)

type ProfileService interface {
	EnsureQRToken(ctx context.Context, id model.Identity) (*model.User, error)
	UpdateMedicalProfile(ctx context.Context, id model.Identity, update model.MedicalProfileUpdate) (*model.MedicalProfile, error)
	UpdateDefaultConsent(ctx context.Context, id model.Identity, update model.ConsentPreferencesUpdate) (*model.ConsentPreferences, error)
}

type Handler struct {
	svc ProfileService
}

func NewHandler(svc ProfileService) *Handler {
	return &Handler{svc: svc}
}

// EmergencySummaryRequest edits only the emergency subrecord.
type EmergencySummaryRequest struct {
	BloodGroup         *string   `json:"blood_group" binding:"omitempty,blood_group"`
	Allergies          *[]string `json:"allergies"`
	CurrentMedications *[]string `json:"current_medications"`
}

type QRResponse struct {
	QRToken   string     `json:"qr_code_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RegisterRoutes expects r to require an authenticated patient.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	p := r.Group("/patient")
	{
		p.GET("/qr", h.GetQR)
		p.PUT("/emergency-summary", h.UpdateEmergencySummary)
		p.PUT("/medical-profile", h.UpdateMedicalProfile)
		p.PUT("/preferences", h.UpdatePreferences)
	}
}

func (h *Handler) GetQR(c *gin.Context) {
	user, err := h.svc.EnsureQRToken(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(QRResponse{
		QRToken:   user.QRToken,
		ExpiresAt: user.QRExpiresAt,
	}))
}

func (h *Handler) UpdateEmergencySummary(c *gin.Context) {
	var req EmergencySummaryRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	profile, err := h.svc.UpdateMedicalProfile(c.Request.Context(), middleware.GetIdentity(c), model.MedicalProfileUpdate{
		BloodGroup:         req.BloodGroup,
		Allergies:          req.Allergies,
		CurrentMedications: req.CurrentMedications,
	})
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(profile.Emergency))
}

func (h *Handler) UpdateMedicalProfile(c *gin.Context) {
	var req model.MedicalProfileUpdate
	if !handler.BindJSON(c, &req) {
		return
	}

	profile, err := h.svc.UpdateMedicalProfile(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(profile))
}

func (h *Handler) UpdatePreferences(c *gin.Context) {
	var req model.ConsentPreferencesUpdate
	if !handler.BindJSON(c, &req) {
		return
	}

	prefs, err := h.svc.UpdateDefaultConsent(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(prefs))
}
