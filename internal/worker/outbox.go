package worker

import (
	"fmt"
	"time"

	"github.com/jwalitptl/consent-api/internal/config"
	"github.com/jwalitptl/consent-api/internal/email"
	"github.com/jwalitptl/consent-api/internal/repository"
	"github.com/jwalitptl/consent-api/internal/service/notification"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/messaging"
	"github.com/jwalitptl/consent-api/pkg/messaging/redis"
	"github.com/jwalitptl/consent-api/pkg/metrics"
	pkgworker "github.com/jwalitptl/consent-api/pkg/worker"
)

// NewOutboxWorker wires the outbox processor. Events go to the Redis channel when a
// Redis URL is configured and to the log otherwise; emails are sent only when SMTP is
// configured. The returned close func releases the broker connection.
func NewOutboxWorker(cfg *config.Config, store repository.Store, m *metrics.Metrics, log *logger.Logger) (*pkgworker.OutboxProcessor, func() error, error) {
	var (
		publisher messaging.Publisher = messaging.NewLogPublisher(log)
		closeFn                       = func() error { return nil }
	)

	if cfg.Redis.URL != "" {
		zl := log.Zerolog()
		broker, err := redis.NewRedisBroker(redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: time.Duration(cfg.Redis.RetryBackoffMs) * time.Millisecond,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, &zl, m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redis broker: %w", err)
		}
		channel := messaging.NewChannelPublisher(broker, cfg.Redis.Channel)
		publisher = channel
		closeFn = channel.Close
	} else {
		log.Warn("no redis url configured; outbox events will only be logged")
	}

	var notifier pkgworker.Notifier
	if cfg.SMTP.Enabled() {
		notifier = notification.NewService(email.NewSMTPService(cfg.SMTP), store.Users(), log)
	}

	processor := pkgworker.NewOutboxProcessor(
		store.Outbox(),
		publisher,
		notifier,
		pkgworker.OutboxProcessorConfig{
			BatchSize:     cfg.Outbox.BatchSize,
			PollInterval:  time.Duration(cfg.Outbox.PollIntervalSeconds) * time.Second,
			RetryAttempts: cfg.Outbox.RetryAttempts,
			RetryDelay:    time.Duration(cfg.Outbox.RetryDelayMs) * time.Millisecond,
			MaxFailures:   cfg.Outbox.MaxFailures,
			ClaimTimeout:  time.Duration(cfg.Outbox.ClaimTimeoutSeconds) * time.Second,
		},
		log,
		m,
	)
	return processor, closeFn, nil
}
