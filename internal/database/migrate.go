package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. Monetary columns are integer
// cents throughout; ledger_entries and audit_log are append-only and carry
// no updated_at on purpose.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		display_name VARCHAR(100) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS contest_instances (
		id UUID PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
		entry_fee_cents BIGINT NOT NULL CHECK (entry_fee_cents >= 0),
		max_participants INT NOT NULL,
		rake_bps INT NOT NULL DEFAULT 0,
		strategy_key VARCHAR(50) NOT NULL DEFAULT 'standard_rake',
		payout_structure JSONB NOT NULL,
		invite_code VARCHAR(20) NOT NULL DEFAULT '',
		lock_time TIMESTAMPTZ,
		settled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS contest_participants (
		id BIGSERIAL PRIMARY KEY,
		contest_instance_id UUID NOT NULL REFERENCES contest_instances(id),
		user_id UUID NOT NULL REFERENCES users(id),
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (contest_instance_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		entry_type VARCHAR(30) NOT NULL,
		direction VARCHAR(6) NOT NULL CHECK (direction IN ('DEBIT','CREDIT')),
		amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
		wallet_id UUID NOT NULL,
		reference_type VARCHAR(20) NOT NULL,
		reference_id VARCHAR(100) NOT NULL,
		idempotency_key VARCHAR(200) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries (wallet_id)`,

	`CREATE TABLE IF NOT EXISTS scoring_snapshots (
		id UUID PRIMARY KEY,
		contest_instance_id UUID NOT NULL REFERENCES contest_instances(id),
		snapshot_hash VARCHAR(64) NOT NULL,
		scoring_run_id VARCHAR(100) NOT NULL DEFAULT '',
		final_scores JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS settlement_records (
		id UUID PRIMARY KEY,
		contest_instance_id UUID NOT NULL UNIQUE REFERENCES contest_instances(id),
		snapshot_id VARCHAR(100) NOT NULL,
		snapshot_hash VARCHAR(64) NOT NULL,
		scoring_run_id VARCHAR(100) NOT NULL DEFAULT '',
		rankings JSONB NOT NULL,
		payouts JSONB NOT NULL,
		rake_cents BIGINT NOT NULL,
		distributable_cents BIGINT NOT NULL,
		platform_remainder_cents BIGINT NOT NULL DEFAULT 0,
		total_pool_cents BIGINT NOT NULL,
		participant_count INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS payout_jobs (
		id UUID PRIMARY KEY,
		settlement_id UUID NOT NULL REFERENCES settlement_records(id),
		contest_id UUID NOT NULL REFERENCES contest_instances(id),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		total_payouts INT NOT NULL,
		completed_count INT NOT NULL DEFAULT 0,
		failed_count INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS payout_transfers (
		id UUID PRIMARY KEY,
		payout_job_id UUID NOT NULL REFERENCES payout_jobs(id),
		user_id UUID NOT NULL REFERENCES users(id),
		amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempt_count INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		last_error TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payout_transfers_job_status ON payout_transfers (payout_job_id, status)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		actor_type VARCHAR(20) NOT NULL,
		actor_id VARCHAR(100) NOT NULL DEFAULT '',
		event_type VARCHAR(50) NOT NULL,
		contest_id VARCHAR(100) NOT NULL DEFAULT '',
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema statements in order. Every statement is
// idempotent, so running this on each startup is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
