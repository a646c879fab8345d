package models

import (
	"database/sql"
	"time"
)

// Payout job statuses. Jobs move pending -> processing -> complete;
// complete is terminal.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
)

// Payout transfer statuses. completed and failed_terminal are terminal;
// pending and retryable are the only states eligible for (re)execution.
const (
	TransferStatusPending        = "pending"
	TransferStatusRetryable      = "retryable"
	TransferStatusCompleted      = "completed"
	TransferStatusFailedTerminal = "failed_terminal"
)

// PayoutJob is the mutable batch header, one per settlement.
type PayoutJob struct {
	ID             string       `json:"id" db:"id"`
	SettlementID   string       `json:"settlement_id" db:"settlement_id"`
	ContestID      string       `json:"contest_id" db:"contest_id"`
	Status         string       `json:"status" db:"status"`
	TotalPayouts   int          `json:"total_payouts" db:"total_payouts"`
	CompletedCount int          `json:"completed_count" db:"completed_count"`
	FailedCount    int          `json:"failed_count" db:"failed_count"`
	StartedAt      sql.NullTime `json:"started_at" db:"started_at"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// PayoutTransfer is one payee's transfer within a job.
type PayoutTransfer struct {
	ID           string         `json:"id" db:"id"`
	PayoutJobID  string         `json:"payout_job_id" db:"payout_job_id"`
	UserID       string         `json:"user_id" db:"user_id"`
	AmountCents  int64          `json:"amount_cents" db:"amount_cents"`
	Status       string         `json:"status" db:"status"`
	AttemptCount int            `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts" db:"max_attempts"`
	LastError    sql.NullString `json:"last_error" db:"last_error"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the transfer can never be executed again.
func (t *PayoutTransfer) IsTerminal() bool {
	return t.Status == TransferStatusCompleted || t.Status == TransferStatusFailedTerminal
}

// Transfer executor outcome statuses (external collaborator contract).
const (
	TransferResultCompleted       = "completed"
	TransferResultFailedRetryable = "failed_retryable"
	TransferResultFailedTerminal  = "failed_terminal"
)

// TransferResult is what the external transfer executor reports back for a
// single attempt.
type TransferResult struct {
	Status      string `json:"status"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Message     string `json:"message,omitempty"`
}
