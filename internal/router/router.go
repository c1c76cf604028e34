package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/consent-api/internal/handler"
	auditHandler "github.com/jwalitptl/consent-api/internal/handler/audit"
	authHandler "github.com/jwalitptl/consent-api/internal/handler/auth"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	Debug          bool
	RateLimit      rate.Limit
	RateBurst      int
	MaxBodyBytes   int64
	ExchangeSecret string
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	limiter  *middleware.RateLimiter
	authH    *authHandler.Handler
	patientH Handler
	consentH Handler
	accessH  Handler
	auditH   *auditHandler.Handler
	h        *handler.Handler
	metrics  *metrics.Metrics
	config   RouterConfig
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	authH *authHandler.Handler,
	patientH Handler,
	consentH Handler,
	accessH Handler,
	auditH *auditHandler.Handler,
	h *handler.Handler,
	m *metrics.Metrics,
	config RouterConfig,
) *Router {
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = middleware.DefaultMaxBodySize
	}

	engine := gin.New()

	r := &Router{
		engine:   engine,
		auth:     auth,
		authH:    authH,
		patientH: patientH,
		consentH: consentH,
		accessH:  accessH,
		auditH:   auditH,
		h:        h,
		metrics:  m,
		config:   config,
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		}),
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Logger(),
		r.metricsMiddleware(),
		middleware.Recovery(),
		middleware.ErrorHandler(config.Debug),
		middleware.SizeLimit(config.MaxBodyBytes),
	)

	return r
}

// Setup mounts health probes at the root and the API under /api/v1. Every API
// response carries patient data or tokens, so none of it may be cached.
func (r *Router) Setup() {
	r.h.RegisterRoutes(r.engine)

	api := r.engine.Group("/api/v1")
	api.Use(middleware.NoStore())

	r.setupPublicRoutes(api)

	protected := api.Group("")
	protected.Use(
		r.auth.Authenticate(),
		r.limiter.RateLimit(),
	)
	r.setupProtectedRoutes(protected)
}

func (r *Router) setupPublicRoutes(rg *gin.RouterGroup) {
	public := rg.Group("")
	public.Use(r.limiter.RateLimit())
	r.authH.RegisterRoutes(public, middleware.RequireExchangeSecret(r.config.ExchangeSecret), r.auth.Authenticate())
}

func (r *Router) setupProtectedRoutes(rg *gin.RouterGroup) {
	patientOnly := r.auth.RequireRole(model.RolePatient)
	providerOnly := r.auth.RequireRole(model.RoleProvider)

	patients := rg.Group("")
	patients.Use(patientOnly)
	r.patientH.RegisterRoutes(patients)
	r.consentH.RegisterRoutes(patients)

	providers := rg.Group("")
	providers.Use(providerOnly)
	r.accessH.RegisterRoutes(providers)

	r.auditH.RegisterRoutes(rg, patientOnly, providerOnly)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		r.metrics.HTTPLatency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		r.metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
