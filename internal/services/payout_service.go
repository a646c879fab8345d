package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/playoffpool/backend/internal/models"
	"github.com/playoffpool/backend/internal/observability"
)

var (
	ErrJobNotFound          = errors.New("payout job not found")
	ErrInvalidTerminalCount = errors.New("terminal transfer counts do not match job header")
)

// TransferExecutor is the external payment-rail collaborator. It may return
// an error on infrastructure failure; the orchestrator treats that as one
// failed attempt, never as a fatal condition.
type TransferExecutor interface {
	ExecuteTransfer(ctx context.Context, transfer *models.PayoutTransfer) (*models.TransferResult, error)
}

// ProcessJobOptions bounds the work done by a single ProcessJob call.
type ProcessJobOptions struct {
	TransferBatchSize int
}

// ProcessPendingOptions bounds the work done by one poll of the job table.
type ProcessPendingOptions struct {
	JobBatchSize      int
	TransferBatchSize int
}

// TransferError records one transfer's failure within a batch without
// aborting the batch.
type TransferError struct {
	TransferID string `json:"transfer_id"`
	Message    string `json:"message"`
}

// JobResult reports what one ProcessJob invocation did.
type JobResult struct {
	JobID              string          `json:"job_id"`
	Status             string          `json:"status"`
	TransfersProcessed int             `json:"transfers_processed"`
	CompletedThisRun   int             `json:"completed_this_run"`
	FailedThisRun      int             `json:"failed_this_run"`
	Finalized          bool            `json:"finalized"`
	Errors             []TransferError `json:"errors,omitempty"`
}

// JobError records one job's fatal error during a poll without failing the
// other jobs in the batch.
type JobError struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// BatchResult aggregates one ProcessPendingJobs poll.
type BatchResult struct {
	JobsProcessed           int        `json:"jobs_processed"`
	JobsCompleted           int        `json:"jobs_completed"`
	TotalTransfersProcessed int        `json:"total_transfers_processed"`
	Errors                  []JobError `json:"errors,omitempty"`
}

const (
	defaultTransferBatchSize = 25
	defaultJobBatchSize      = 10
)

// PayoutService drives payout jobs and their transfers to terminal states.
// It is poll-driven and assumes nothing about how often it is invoked or
// whether other invokers run concurrently: every state transition is
// guarded by a status predicate in its WHERE clause, and payout credits are
// recorded through the ledger's idempotency key.
type PayoutService struct {
	db       *sql.DB
	executor TransferExecutor
	ledger   *LedgerService
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewPayoutService(db *sql.DB, executor TransferExecutor, ledger *LedgerService, metrics *observability.Metrics) *PayoutService {
	return &PayoutService{
		db:       db,
		executor: executor,
		ledger:   ledger,
		metrics:  metrics,
		log:      observability.NewLogger("payout"),
	}
}

// ProcessJob drains one batch of the job's pending/retryable transfers and
// finalizes the job once every transfer is terminal. Calling it on a
// complete job is a pure no-op with zero repository writes. Finalization is
// self-healing: a run that finds no new work but discovers all transfers
// already terminal still completes the job.
func (s *PayoutService) ProcessJob(ctx context.Context, jobID string, opts ProcessJobOptions) (*JobResult, error) {
	start := time.Now()
	defer func() { s.metrics.JobDuration.Observe(time.Since(start).Seconds()) }()

	if opts.TransferBatchSize <= 0 {
		opts.TransferBatchSize = defaultTransferBatchSize
	}

	job, err := s.getJob(ctx, jobID)
	if err != nil {
		s.metrics.JobsProcessed.WithLabelValues("error").Inc()
		return nil, err
	}
	if job.Status == models.JobStatusComplete {
		s.metrics.JobsProcessed.WithLabelValues("noop").Inc()
		return &JobResult{JobID: jobID, Status: models.JobStatusComplete}, nil
	}

	if job.Status == models.JobStatusPending {
		// Atomic first-run transition; losing this race to a concurrent
		// invoker is fine.
		if _, err := s.db.ExecContext(ctx, `
			UPDATE payout_jobs SET status = $1, started_at = $2
			WHERE id = $3 AND status = $4`,
			models.JobStatusProcessing, time.Now(), jobID, models.JobStatusPending,
		); err != nil {
			s.metrics.JobsProcessed.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("start payout job %s: %w", jobID, err)
		}
	}

	result := &JobResult{JobID: jobID, Status: models.JobStatusProcessing}

	transferIDs, err := s.eligibleTransferIDs(ctx, jobID, opts.TransferBatchSize)
	if err != nil {
		s.metrics.JobsProcessed.WithLabelValues("error").Inc()
		return nil, err
	}

	for _, transferID := range transferIDs {
		outcome, transferErr := s.processTransfer(ctx, transferID)
		if transferErr != nil {
			// Isolated: one bad transfer never aborts the batch or the job.
			result.Errors = append(result.Errors, TransferError{TransferID: transferID, Message: transferErr.Error()})
		}
		if outcome == "" {
			// Nothing recorded: either the row went terminal under a
			// concurrent runner, or outcome recording itself failed and
			// the transfer stays eligible for the next poll.
			if transferErr != nil {
				result.FailedThisRun++
			}
			continue
		}
		result.TransfersProcessed++
		if outcome == models.TransferStatusCompleted {
			result.CompletedThisRun++
		} else {
			result.FailedThisRun++
		}
	}

	if err := s.finalizeIfTerminal(ctx, job, result); err != nil {
		// Never mark complete on a finalization failure; surface it and
		// leave the job in processing for the next poll.
		result.Errors = append(result.Errors, TransferError{TransferID: "", Message: err.Error()})
		s.metrics.JobsProcessed.WithLabelValues("error").Inc()
		return result, nil
	}

	if result.Finalized {
		result.Status = models.JobStatusComplete
		s.metrics.JobsProcessed.WithLabelValues("completed").Inc()
	} else {
		s.metrics.JobsProcessed.WithLabelValues("in_progress").Inc()
	}
	return result, nil
}

// ProcessPendingJobs selects pending and processing jobs (so interrupted
// runs resume) and processes each, isolating per-job failures. A failure to
// enumerate the jobs themselves is fatal: no partial progress is possible
// without the list.
func (s *PayoutService) ProcessPendingJobs(ctx context.Context, opts ProcessPendingOptions) (*BatchResult, error) {
	if opts.JobBatchSize <= 0 {
		opts.JobBatchSize = defaultJobBatchSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM payout_jobs
		WHERE status IN ($1, $2)
		ORDER BY created_at
		LIMIT $3`,
		models.JobStatusPending, models.JobStatusProcessing, opts.JobBatchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending payout jobs: %w", err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending payout job: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending payout jobs: %w", err)
	}

	batch := &BatchResult{}
	for _, jobID := range jobIDs {
		jobResult, err := s.ProcessJob(ctx, jobID, ProcessJobOptions{TransferBatchSize: opts.TransferBatchSize})
		if err != nil {
			batch.Errors = append(batch.Errors, JobError{JobID: jobID, Message: err.Error()})
			continue
		}
		batch.JobsProcessed++
		batch.TotalTransfersProcessed += jobResult.TransfersProcessed
		if jobResult.Finalized || jobResult.Status == models.JobStatusComplete {
			batch.JobsCompleted++
		}
	}
	return batch, nil
}

// processTransfer runs one transfer attempt. The attempt counter is
// committed immediately before the executor is invoked, so a crash between
// increment and outcome still consumes an attempt. Outcome recording runs
// in its own transaction; a completed transfer and its payout credit commit
// together.
func (s *PayoutService) processTransfer(ctx context.Context, transferID string) (string, error) {
	transfer, claimed, err := s.claimAttempt(ctx, transferID)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", nil
	}

	result, execErr := s.executor.ExecuteTransfer(ctx, transfer)
	if execErr != nil {
		s.metrics.TransfersDrained.WithLabelValues("executor_error").Inc()
		s.log.Warn().
			Str("transfer_id", transfer.ID).
			Int("attempt", transfer.AttemptCount).
			Err(execErr).
			Msg("transfer executor error")
		result = &models.TransferResult{
			Status:  models.TransferResultFailedRetryable,
			Message: execErr.Error(),
		}
	} else {
		s.metrics.TransfersDrained.WithLabelValues(result.Status).Inc()
	}

	status, recordErr := s.recordOutcome(ctx, transfer, result)
	if recordErr != nil {
		return "", recordErr
	}
	if execErr != nil {
		return status, execErr
	}
	return status, nil
}

// claimAttempt locks the transfer row, verifies it is still eligible, and
// commits the attempt-count increment. Returns claimed=false when the row
// went terminal (or was claimed elsewhere) in the meantime.
func (s *PayoutService) claimAttempt(ctx context.Context, transferID string) (*models.PayoutTransfer, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin attempt tx: %w", err)
	}
	defer tx.Rollback()

	var t models.PayoutTransfer
	err = tx.QueryRowContext(ctx, `
		SELECT id, payout_job_id, user_id, amount_cents, status, attempt_count, max_attempts, last_error, updated_at
		FROM payout_transfers
		WHERE id = $1
		FOR UPDATE`, transferID).
		Scan(&t.ID, &t.PayoutJobID, &t.UserID, &t.AmountCents, &t.Status,
			&t.AttemptCount, &t.MaxAttempts, &t.LastError, &t.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("lock transfer %s: %w", transferID, err)
	}

	if t.Status != models.TransferStatusPending && t.Status != models.TransferStatusRetryable {
		return nil, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE payout_transfers SET attempt_count = attempt_count + 1, updated_at = $1
		WHERE id = $2`, time.Now(), transferID,
	); err != nil {
		return nil, false, fmt.Errorf("increment attempt for %s: %w", transferID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit attempt for %s: %w", transferID, err)
	}

	t.AttemptCount++
	return &t, true, nil
}

func (s *PayoutService) recordOutcome(ctx context.Context, transfer *models.PayoutTransfer, result *models.TransferResult) (string, error) {
	status := models.TransferStatusRetryable
	switch result.Status {
	case models.TransferResultCompleted:
		status = models.TransferStatusCompleted
	case models.TransferResultFailedTerminal:
		status = models.TransferStatusFailedTerminal
	case models.TransferResultFailedRetryable:
		if transfer.AttemptCount >= transfer.MaxAttempts {
			// Retries are bounded; exhaustion is terminal, not an
			// indefinite loop.
			status = models.TransferStatusFailedTerminal
		}
	default:
		return "", fmt.Errorf("transfer %s: executor returned unknown status %q", transfer.ID, result.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payout_transfers SET status = $1, last_error = $2, updated_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)`,
		status, nullableMessage(result.Message), time.Now(), transfer.ID,
		models.TransferStatusCompleted, models.TransferStatusFailedTerminal)
	if err != nil {
		return "", fmt.Errorf("record transfer outcome %s: %w", transfer.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("record transfer outcome %s: %w", transfer.ID, err)
	}
	if affected == 0 {
		// Already terminal; do not double-record the credit.
		return "", tx.Commit()
	}

	if status == models.TransferStatusCompleted {
		entry := &models.LedgerEntry{
			EntryType:      models.EntryTypePayoutCredit,
			Direction:      models.DirectionCredit,
			AmountCents:    transfer.AmountCents,
			WalletID:       transfer.UserID,
			ReferenceType:  models.ReferenceTypeTransfer,
			ReferenceID:    transfer.ID,
			IdempotencyKey: fmt.Sprintf("payout_credit:%s", transfer.ID),
		}
		if _, _, err := s.ledger.Append(ctx, tx, entry); err != nil {
			return "", fmt.Errorf("payout credit for transfer %s: %w", transfer.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transfer outcome %s: %w", transfer.ID, err)
	}
	return status, nil
}

// finalizeIfTerminal completes the job when every transfer is terminal.
// The terminal counts are always re-derived from the transfer rows; a
// mismatch against the job header is a consistency fault, never guessed
// around.
func (s *PayoutService) finalizeIfTerminal(ctx context.Context, job *models.PayoutJob, result *JobResult) error {
	var completed, failed, total int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*)
		FROM payout_transfers
		WHERE payout_job_id = $3`,
		models.TransferStatusCompleted, models.TransferStatusFailedTerminal, job.ID).
		Scan(&completed, &failed, &total)
	if err != nil {
		return fmt.Errorf("terminal counts for job %s: %w", job.ID, err)
	}

	if total != job.TotalPayouts {
		return fmt.Errorf("%w: job %s has %d transfers, header says %d",
			ErrInvalidTerminalCount, job.ID, total, job.TotalPayouts)
	}

	if completed+failed != job.TotalPayouts {
		return nil // still work to do
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE payout_jobs SET status = $1, completed_count = $2, failed_count = $3
		WHERE id = $4 AND status <> $1`,
		models.JobStatusComplete, completed, failed, job.ID,
	); err != nil {
		return fmt.Errorf("finalize job %s: %w", job.ID, err)
	}

	result.Finalized = true
	s.log.Info().
		Str("job_id", job.ID).
		Int("completed", completed).
		Int("failed", failed).
		Msg("payout job finalized")
	return nil
}

func (s *PayoutService) getJob(ctx context.Context, jobID string) (*models.PayoutJob, error) {
	var j models.PayoutJob
	err := s.db.QueryRowContext(ctx, `
		SELECT id, settlement_id, contest_id, status, total_payouts, completed_count, failed_count, started_at, created_at
		FROM payout_jobs
		WHERE id = $1`, jobID).
		Scan(&j.ID, &j.SettlementID, &j.ContestID, &j.Status, &j.TotalPayouts,
			&j.CompletedCount, &j.FailedCount, &j.StartedAt, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payout job %s: %w", jobID, err)
	}
	return &j, nil
}

func (s *PayoutService) eligibleTransferIDs(ctx context.Context, jobID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM payout_transfers
		WHERE payout_job_id = $1 AND status IN ($2, $3)
		ORDER BY id
		LIMIT $4`,
		jobID, models.TransferStatusPending, models.TransferStatusRetryable, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible transfers for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableMessage(msg string) sql.NullString {
	if msg == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: msg, Valid: true}
}
