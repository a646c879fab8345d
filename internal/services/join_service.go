package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/playoffpool/backend/internal/audit"
	"github.com/playoffpool/backend/internal/models"
	"github.com/playoffpool/backend/internal/observability"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrContestNotJoinable = errors.New("contest is not open for joining")
	ErrContestLockPassed  = errors.New("contest lock time has passed")
	ErrContestFull        = errors.New("contest is at capacity")
)

// JoinResult reports the outcome of a join attempt. A replayed join of an
// existing participant is a success with AlreadyJoined set, never an error.
type JoinResult struct {
	ContestID     string `json:"contest_id"`
	UserID        string `json:"user_id"`
	AlreadyJoined bool   `json:"already_joined"`
	EntryFeeCents int64  `json:"entry_fee_cents"`
}

// JoinService implements join-with-debit: one transaction, user row locked
// before contest row (fixed global lock order), participant insert guarded
// by its uniqueness constraint, and the entry-fee debit keyed by a
// deterministic idempotency key.
type JoinService struct {
	db      *sql.DB
	ledger  *LedgerService
	audit   *audit.Logger
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewJoinService(db *sql.DB, ledger *LedgerService, auditLogger *audit.Logger, metrics *observability.Metrics) *JoinService {
	return &JoinService{
		db:      db,
		ledger:  ledger,
		audit:   auditLogger,
		metrics: metrics,
		log:     observability.NewLogger("join"),
	}
}

func (s *JoinService) JoinContest(ctx context.Context, userID, contestID string) (*JoinResult, error) {
	result, err := s.joinContestTx(ctx, userID, contestID)
	switch {
	case err == nil && result.AlreadyJoined:
		s.metrics.JoinAttempts.WithLabelValues("already_joined").Inc()
	case err == nil:
		s.metrics.JoinAttempts.WithLabelValues("joined").Inc()
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrContestNotJoinable),
		errors.Is(err, ErrContestLockPassed),
		errors.Is(err, ErrContestFull):
		s.metrics.JoinAttempts.WithLabelValues("rejected").Inc()
	default:
		s.metrics.JoinAttempts.WithLabelValues("error").Inc()
	}
	return result, err
}

func (s *JoinService) joinContestTx(ctx context.Context, userID, contestID string) (*JoinResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin join tx: %w", err)
	}
	defer tx.Rollback()

	// Lock user before contest, always in this order, to prevent deadlock.
	var lockedUserID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&lockedUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	contest, err := lockContest(ctx, tx, contestID)
	if err != nil {
		return nil, err
	}

	// Pre-check existing participation: a replayed join is a no-op success.
	var alreadyJoined bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM contest_participants WHERE contest_instance_id = $1 AND user_id = $2)`,
		contestID, userID).Scan(&alreadyJoined)
	if err != nil {
		return nil, fmt.Errorf("participation pre-check: %w", err)
	}
	if alreadyJoined {
		return &JoinResult{ContestID: contestID, UserID: userID, AlreadyJoined: true, EntryFeeCents: contest.EntryFeeCents}, nil
	}

	if contest.Status != models.ContestStatusOpen {
		return nil, ErrContestNotJoinable
	}
	if contest.LockTime.Valid && !contest.LockTime.Time.After(time.Now()) {
		return nil, ErrContestLockPassed
	}

	var participantCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contest_participants WHERE contest_instance_id = $1`,
		contestID).Scan(&participantCount); err != nil {
		return nil, fmt.Errorf("capacity check: %w", err)
	}
	if participantCount >= contest.MaxParticipants {
		return nil, ErrContestFull
	}

	if contest.EntryFeeCents > 0 {
		balance, err := s.ledger.BalanceTx(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if balance < contest.EntryFeeCents {
			return nil, ErrInsufficientFunds
		}
	}

	// Insert the participant first; if this loses a uniqueness race the
	// debit is never attempted, which defends against double-charging on
	// concurrent joins.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO contest_participants (contest_instance_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (contest_instance_id, user_id) DO NOTHING`,
		contestID, userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	if inserted == 0 {
		return &JoinResult{ContestID: contestID, UserID: userID, AlreadyJoined: true, EntryFeeCents: contest.EntryFeeCents}, nil
	}

	if contest.EntryFeeCents > 0 {
		entry := &models.LedgerEntry{
			EntryType:      models.EntryTypeWalletDebit,
			Direction:      models.DirectionDebit,
			AmountCents:    contest.EntryFeeCents,
			WalletID:       userID,
			ReferenceType:  models.ReferenceTypeContest,
			ReferenceID:    contestID,
			IdempotencyKey: fmt.Sprintf("wallet_debit:%s:%s", contestID, userID),
		}
		if _, _, err := s.ledger.Append(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := s.audit.Record(ctx, tx, audit.Event{
		ActorType: audit.ActorUser,
		ActorID:   userID,
		EventType: "CONTEST_JOINED",
		ContestID: contestID,
		Details:   map[string]int64{"entry_fee_cents": contest.EntryFeeCents},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit join: %w", err)
	}

	s.log.Info().
		Str("contest_id", contestID).
		Str("user_id", userID).
		Int64("entry_fee_cents", contest.EntryFeeCents).
		Msg("user joined contest")
	return &JoinResult{ContestID: contestID, UserID: userID, EntryFeeCents: contest.EntryFeeCents}, nil
}
