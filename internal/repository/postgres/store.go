package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/consent-api/internal/repository"
)

// Store is the postgres-backed repository.Store.
type Store struct {
	db         *sqlx.DB
	users      repository.UserRepository
	consents   repository.ConsentRepository
	accessLogs repository.AccessLogRepository
	outbox     repository.OutboxRepository
}

func NewStore(db *sqlx.DB) *Store {
	base := NewBaseRepository(db)
	return &Store{
		db:         db,
		users:      NewUserRepository(base),
		consents:   NewConsentRepository(base),
		accessLogs: NewAccessLogRepository(base),
		outbox:     NewOutboxRepository(base),
	}
}

func (s *Store) Users() repository.UserRepository           { return s.users }
func (s *Store) Consents() repository.ConsentRepository     { return s.consents }
func (s *Store) AccessLogs() repository.AccessLogRepository { return s.accessLogs }
func (s *Store) Outbox() repository.OutboxRepository        { return s.outbox }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
