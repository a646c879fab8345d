package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/playoffpool/backend/internal/audit"
	"github.com/playoffpool/backend/internal/models"
	"github.com/playoffpool/backend/internal/observability"
)

var (
	ErrContestNotFound    = errors.New("contest not found")
	ErrContestNotEligible = errors.New("contest not eligible for settlement")
	ErrInconsistentState  = errors.New("contest marked settled but no settlement record exists")
)

// EligibilityPredicate decides whether a contest is in a post-lock,
// pre-settled state eligible for settlement. The full lifecycle state
// machine supplies this; DefaultEligibility covers the core case.
type EligibilityPredicate func(contest *models.ContestInstance) error

// DefaultEligibility accepts contests that are locked and not yet settled.
func DefaultEligibility(contest *models.ContestInstance) error {
	if contest.Status != models.ContestStatusLocked {
		return fmt.Errorf("%w: status %s", ErrContestNotEligible, contest.Status)
	}
	return nil
}

// SettlementService persists computed settlement plans exactly once per
// contest inside a single transaction with the contest row locked.
type SettlementService struct {
	db                  *sql.DB
	snapshots           SnapshotProvider
	eligible            EligibilityPredicate
	audit               *audit.Logger
	metrics             *observability.Metrics
	log                 zerolog.Logger
	transferMaxAttempts int
}

func NewSettlementService(db *sql.DB, snapshots SnapshotProvider, eligible EligibilityPredicate, auditLogger *audit.Logger, metrics *observability.Metrics) *SettlementService {
	if eligible == nil {
		eligible = DefaultEligibility
	}
	return &SettlementService{
		db:                  db,
		snapshots:           snapshots,
		eligible:            eligible,
		audit:               auditLogger,
		metrics:             metrics,
		log:                 observability.NewLogger("settlement"),
		transferMaxAttempts: 3,
	}
}

// ExecuteSettlement settles the contest exactly once. Re-invocation after a
// successful settlement returns the existing record with no further writes.
// A contest whose settled_at is set without a matching record is an
// inconsistent-state fault and is never silently repaired.
func (s *SettlementService) ExecuteSettlement(ctx context.Context, contestID string) (*models.SettlementRecord, error) {
	start := time.Now()
	record, err := s.executeSettlementTx(ctx, contestID)
	s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	return record, err
}

func (s *SettlementService) executeSettlementTx(ctx context.Context, contestID string) (*models.SettlementRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback()

	contest, err := lockContest(ctx, tx, contestID)
	if err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, err
	}

	existing, err := s.getRecordByContest(ctx, tx, contestID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("settlement lookup: %w", err)
	}
	if existing != nil {
		// Idempotent no-op: zero writes beyond the lookup.
		s.metrics.SettlementsExecuted.WithLabelValues("idempotent_hit").Inc()
		return existing, nil
	}

	if contest.SettledAt.Valid {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		s.log.Error().Str("contest_id", contestID).Msg("settled_at set without a settlement record")
		return nil, ErrInconsistentState
	}

	if err := s.eligible(contest); err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, err
	}

	snap, err := s.snapshots.Snapshot(ctx, tx, contestID)
	if err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, err
	}

	plan, err := ComputeSettlement(contest.StrategyKey, contest, snap.FinalScores, snap.SnapshotID, snap.SnapshotHash)
	if err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, err
	}

	record := &models.SettlementRecord{
		ID:                     uuid.NewString(),
		ContestInstanceID:      contestID,
		SnapshotID:             plan.SnapshotID,
		SnapshotHash:           plan.SnapshotHash,
		ScoringRunID:           snap.ScoringRunID,
		Rankings:               plan.Rankings,
		Payouts:                plan.Payouts,
		RakeCents:              plan.RakeCents,
		DistributableCents:     plan.DistributableCents,
		PlatformRemainderCents: plan.PlatformRemainderCents,
		TotalPoolCents:         plan.TotalPoolCents,
		ParticipantCount:       plan.ParticipantCount,
		CreatedAt:              time.Now(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settlement_records (id, contest_instance_id, snapshot_id, snapshot_hash, scoring_run_id, rankings, payouts, rake_cents, distributable_cents, platform_remainder_cents, total_pool_cents, participant_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.ContestInstanceID, record.SnapshotID, record.SnapshotHash, record.ScoringRunID,
		record.Rankings, record.Payouts, record.RakeCents, record.DistributableCents,
		record.PlatformRemainderCents, record.TotalPoolCents, record.ParticipantCount, record.CreatedAt,
	); err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("insert settlement record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contest_instances SET status = $1, settled_at = $2 WHERE id = $3`,
		models.ContestStatusSettled, time.Now(), contestID,
	); err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("mark contest settled: %w", err)
	}

	if err := s.audit.RecordSystem(ctx, tx, "CONTEST_SETTLED", contestID, map[string]string{
		"settlement_id":  record.ID,
		"snapshot_id":    record.SnapshotID,
		"snapshot_hash":  record.SnapshotHash,
		"scoring_run_id": record.ScoringRunID,
	}); err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("settlement audit: %w", err)
	}

	if err := s.createPayoutJob(ctx, tx, record); err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	s.metrics.SettlementsExecuted.WithLabelValues("computed").Inc()
	s.log.Info().
		Str("contest_id", contestID).
		Str("settlement_id", record.ID).
		Int64("total_pool_cents", record.TotalPoolCents).
		Int64("rake_cents", record.RakeCents).
		Int("payouts", len(record.Payouts)).
		Msg("contest settled")
	return record, nil
}

func (s *SettlementService) createPayoutJob(ctx context.Context, tx *sql.Tx, record *models.SettlementRecord) error {
	jobID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payout_jobs (id, settlement_id, contest_id, status, total_payouts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		jobID, record.ID, record.ContestInstanceID, models.JobStatusPending, len(record.Payouts), time.Now(),
	); err != nil {
		return fmt.Errorf("insert payout job: %w", err)
	}

	for _, payout := range record.Payouts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payout_transfers (id, payout_job_id, user_id, amount_cents, status, attempt_count, max_attempts, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
			uuid.NewString(), jobID, payout.UserID, payout.AmountCents,
			models.TransferStatusPending, s.transferMaxAttempts, time.Now(),
		); err != nil {
			return fmt.Errorf("insert payout transfer: %w", err)
		}
	}
	return nil
}

func (s *SettlementService) getRecordByContest(ctx context.Context, q DBTX, contestID string) (*models.SettlementRecord, error) {
	var r models.SettlementRecord
	err := q.QueryRowContext(ctx, `
		SELECT id, contest_instance_id, snapshot_id, snapshot_hash, scoring_run_id, rankings, payouts, rake_cents, distributable_cents, platform_remainder_cents, total_pool_cents, participant_count, created_at
		FROM settlement_records
		WHERE contest_instance_id = $1`, contestID).
		Scan(&r.ID, &r.ContestInstanceID, &r.SnapshotID, &r.SnapshotHash, &r.ScoringRunID,
			&r.Rankings, &r.Payouts, &r.RakeCents, &r.DistributableCents,
			&r.PlatformRemainderCents, &r.TotalPoolCents, &r.ParticipantCount, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetSettlement returns the settlement record for a contest, if any.
func (s *SettlementService) GetSettlement(ctx context.Context, contestID string) (*models.SettlementRecord, error) {
	record, err := s.getRecordByContest(ctx, s.db, contestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContestNotFound
	}
	return record, err
}

// lockContest reads the contest row FOR UPDATE on the caller's transaction.
func lockContest(ctx context.Context, q DBTX, contestID string) (*models.ContestInstance, error) {
	var c models.ContestInstance
	err := q.QueryRowContext(ctx, `
		SELECT id, name, status, entry_fee_cents, max_participants, rake_bps, strategy_key, payout_structure, invite_code, lock_time, settled_at, created_at
		FROM contest_instances
		WHERE id = $1
		FOR UPDATE`, contestID).
		Scan(&c.ID, &c.Name, &c.Status, &c.EntryFeeCents, &c.MaxParticipants, &c.RakeBps,
			&c.StrategyKey, &c.PayoutStructure, &c.InviteCode, &c.LockTime, &c.SettledAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock contest: %w", err)
	}
	return &c, nil
}
