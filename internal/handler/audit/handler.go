package audit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/handler"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/model"
	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
)

type LogReader interface {
	LogsForPatient(ctx context.Context, id model.Identity, filter model.AccessLogFilter) ([]*model.AccessLogView, error)
	LogsForProvider(ctx context.Context, id model.Identity) ([]*model.AccessLogView, error)
}

type ConsentedReader interface {
	FetchConsented(ctx context.Context, id model.Identity, patientID uuid.UUID) (*model.ConsentedPatient, error)
	ListConsentedPatients(ctx context.Context, id model.Identity) ([]*model.ConsentedPatient, error)
}

type Handler struct {
	logs      LogReader
	consented ConsentedReader
}

func NewHandler(logs LogReader, consented ConsentedReader) *Handler {
	return &Handler{logs: logs, consented: consented}
}

// RegisterRoutes mounts /audit with patient and provider routes guarded separately.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, patientOnly, providerOnly gin.HandlerFunc) {
	a := r.Group("/audit")
	{
		a.GET("/me", patientOnly, h.MyLogs)
		a.GET("/emergency", patientOnly, h.EmergencyLogs)
		a.GET("/patient-logs", patientOnly, h.PatientLogs)

		a.GET("/consented-patients", providerOnly, h.ListConsentedPatients)
		a.GET("/consented-patients/:patientId", providerOnly, h.GetConsentedPatient)
		a.GET("/provider-logs", providerOnly, h.ProviderLogs)
	}
}

func (h *Handler) patientLogs(c *gin.Context, filter model.AccessLogFilter) {
	logs, err := h.logs.LogsForPatient(c.Request.Context(), middleware.GetIdentity(c), filter)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

// MyLogs lists routine disclosures; emergency ones have their own route.
func (h *Handler) MyLogs(c *gin.Context) {
	emergency := false
	h.patientLogs(c, model.AccessLogFilter{Emergency: &emergency})
}

func (h *Handler) EmergencyLogs(c *gin.Context) {
	emergency := true
	h.patientLogs(c, model.AccessLogFilter{Emergency: &emergency})
}

// PatientLogs lists every disclosure, optionally filtered by ?emergency=.
func (h *Handler) PatientLogs(c *gin.Context) {
	var filter model.AccessLogFilter
	if raw := c.Query("emergency"); raw != "" {
		emergency, err := strconv.ParseBool(raw)
		if err != nil {
			handler.Fail(c, apperrors.NewValidation("emergency must be true or false", err))
			return
		}
		filter.Emergency = &emergency
	}
	h.patientLogs(c, filter)
}

func (h *Handler) ProviderLogs(c *gin.Context) {
	logs, err := h.logs.LogsForProvider(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

func (h *Handler) ListConsentedPatients(c *gin.Context) {
	patients, err := h.consented.ListConsentedPatients(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(patients))
}

func (h *Handler) GetConsentedPatient(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		handler.Fail(c, apperrors.NewValidation("invalid patient ID", err))
		return
	}

	entry, err := h.consented.FetchConsented(c.Request.Context(), middleware.GetIdentity(c), patientID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(entry))
}
