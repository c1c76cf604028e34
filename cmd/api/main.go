package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/consent-api/internal/config"
	"github.com/jwalitptl/consent-api/internal/handler"
	accessHandler "github.com/jwalitptl/consent-api/internal/handler/access"
	auditHandler "github.com/jwalitptl/consent-api/internal/handler/audit"
	authHandler "github.com/jwalitptl/consent-api/internal/handler/auth"
	consentHandler "github.com/jwalitptl/consent-api/internal/handler/consent"
	patientHandler "github.com/jwalitptl/consent-api/internal/handler/patient"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/repository"
	"github.com/jwalitptl/consent-api/internal/repository/memory"
	"github.com/jwalitptl/consent-api/internal/repository/postgres"
	"github.com/jwalitptl/consent-api/internal/router"
	accessService "github.com/jwalitptl/consent-api/internal/service/access"
	auditService "github.com/jwalitptl/consent-api/internal/service/audit"
	consentService "github.com/jwalitptl/consent-api/internal/service/consent"
	identityService "github.com/jwalitptl/consent-api/internal/service/identity"
	"github.com/jwalitptl/consent-api/internal/worker"
	"github.com/jwalitptl/consent-api/pkg/auth"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "consent-api",
		Short: "Consent-mediated health record sharing API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var withOutbox bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(withOutbox)
		},
	}
	cmd.Flags().BoolVar(&withOutbox, "with-outbox", false, "run the outbox processor in-process (always on for the memory driver)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg)

			db, err := postgres.NewDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			log.Info().Msg("schema is up to date")
			return nil
		},
	}
}

// setupLogging points the global zerolog logger, used by the middleware, at the
// configured level and format, and returns the service logger.
func setupLogging(cfg *config.Config) *logger.Logger {
	appLog := logger.NewLogger(&logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Output:  os.Stdout,
		Console: cfg.Log.Console,
	})
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.Log.Level))
	log.Logger = appLog.Zerolog()
	return appLog
}

func openStore(cfg *config.Config) (repository.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using the in-memory store; data is lost on restart")
		return memory.NewStore(), nil
	default:
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	}
}

func runServer(withOutbox bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	appLog := setupLogging(cfg)

	if err := middleware.RegisterValidators(); err != nil {
		return fmt.Errorf("failed to register validators: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.NewMetrics("consent_api", prometheus.DefaultRegisterer)

	// Services
	ids := identityService.NewService(store.Users(), identityService.Config{
		QRTokenTTL: cfg.QR.TTL(),
		CacheTTL:   cfg.QR.CacheDuration(),
	}, appLog)
	consents := consentService.NewService(ids, store.Consents(), store.Outbox(), m, appLog)
	auditor := auditService.NewService(store.AccessLogs(), store.Outbox(), m, appLog)
	access := accessService.NewService(ids, consents, auditor, accessService.Config{
		DefaultsApplyToListing:    cfg.Access.DefaultsApplyToListing,
		MedicalHistoryPlaceholder: cfg.Access.Placeholders.MedicalHistory,
		BloodGroupPlaceholder:     cfg.Access.Placeholders.BloodGroup,
	}, m, appLog)
	tokens := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry())

	r := router.NewRouter(
		middleware.NewAuthMiddleware(tokens, ids),
		authHandler.NewHandler(ids, tokens),
		patientHandler.NewHandler(ids),
		consentHandler.NewHandler(consents),
		accessHandler.NewHandler(access, consents),
		auditHandler.NewHandler(auditor, access),
		handler.NewHandler(store, prometheus.DefaultGatherer),
		m,
		router.RouterConfig{
			Debug:          cfg.Server.Debug,
			RateLimit:      rate.Limit(cfg.RateLimit.RPS),
			RateBurst:      cfg.RateLimit.Burst,
			ExchangeSecret: cfg.Auth.ExchangeSecret,
		},
	)
	r.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if withOutbox || cfg.Database.Driver == config.DriverMemory {
		processor, closeBroker, err := worker.NewOutboxWorker(cfg, store, m, appLog)
		if err != nil {
			return err
		}
		defer closeBroker()
		go processor.Start(ctx)
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server exited properly")
	return nil
}
