package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                        UUID PRIMARY KEY,
		external_id               TEXT NOT NULL UNIQUE,
		name                      TEXT NOT NULL,
		email                     TEXT NOT NULL UNIQUE,
		picture                   TEXT NOT NULL DEFAULT '',
		role                      TEXT CHECK (role IN ('PATIENT', 'PROVIDER')),
		organization              TEXT NOT NULL DEFAULT '',
		medical_history           TEXT NOT NULL DEFAULT '',
		prescriptions             TEXT[] NOT NULL DEFAULT '{}',
		blood_group               TEXT NOT NULL DEFAULT '',
		allergies                 TEXT[] NOT NULL DEFAULT '{}',
		current_medications       TEXT[] NOT NULL DEFAULT '{}',
		share_medical_history     BOOLEAN NOT NULL DEFAULT FALSE,
		share_prescriptions       BOOLEAN NOT NULL DEFAULT FALSE,
		share_allergies           BOOLEAN NOT NULL DEFAULT FALSE,
		share_current_medications BOOLEAN NOT NULL DEFAULT FALSE,
		qr_token                  TEXT UNIQUE,
		qr_expires_at             TIMESTAMPTZ,
		version                   INTEGER NOT NULL DEFAULT 1,
		created_at                TIMESTAMPTZ NOT NULL,
		updated_at                TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS consent_grants (
		id          UUID PRIMARY KEY,
		patient_id  UUID NOT NULL REFERENCES users(id),
		provider_id UUID NOT NULL REFERENCES users(id),
		data_scope  TEXT[] NOT NULL,
		status      TEXT NOT NULL CHECK (status IN ('PENDING', 'GRANTED', 'REVOKED')),
		expires_at  TIMESTAMPTZ,
		version     INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS consent_grants_one_pending
		ON consent_grants (patient_id, provider_id) WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS consent_grants_patient_created
		ON consent_grants (patient_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS consent_grants_provider_status
		ON consent_grants (provider_id, status)`,
	`CREATE TABLE IF NOT EXISTS access_logs (
		id            UUID PRIMARY KEY,
		accessed_by   UUID NOT NULL REFERENCES users(id),
		patient_id    UUID NOT NULL REFERENCES users(id),
		data_accessed TEXT[] NOT NULL,
		emergency     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS access_logs_patient_created
		ON access_logs (patient_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS access_logs_accessor_created
		ON access_logs (accessed_by, created_at DESC)`,
	`CREATE OR REPLACE FUNCTION access_logs_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'access_logs is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS access_logs_no_mutation ON access_logs`,
	`CREATE TRIGGER access_logs_no_mutation
		BEFORE UPDATE OR DELETE ON access_logs
		FOR EACH ROW EXECUTE FUNCTION access_logs_append_only()`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id            UUID PRIMARY KEY,
		event_type    TEXT NOT NULL,
		payload       JSONB NOT NULL,
		status        TEXT NOT NULL,
		error_message TEXT,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		processed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_status_created
		ON outbox_events (status, created_at)`,
}

// Migrate creates the tables, indexes and the access log immutability trigger.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
