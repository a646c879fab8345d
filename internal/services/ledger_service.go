package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/playoffpool/backend/internal/models"
	"github.com/playoffpool/backend/internal/observability"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIdempotencyConflict = errors.New("ledger entry exists under this idempotency key with different contents")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so ledger writes can join
// a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendOutcome tags the result of an idempotent append. The mismatch case
// is an error, not an outcome, so it can never be silently treated as
// success.
type AppendOutcome int

const (
	AppendInserted AppendOutcome = iota
	AppendReplayed               // entry already existed and matches
)

const balanceCacheTTL = 30 * time.Second

// LedgerService owns the append-only ledger. Balances are derived by
// aggregate query, optionally served from a Redis projection that is only
// ever rebuilt from the ledger itself.
type LedgerService struct {
	db      *sql.DB
	redis   *redis.Client
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewLedgerService(db *sql.DB, redisClient *redis.Client, metrics *observability.Metrics) *LedgerService {
	return &LedgerService{
		db:      db,
		redis:   redisClient,
		metrics: metrics,
		log:     observability.NewLogger("ledger"),
	}
}

// Append inserts the entry using insert-or-ignore on the idempotency key.
// On conflict the existing row is read back and verified against the
// intended movement: a replay of the same movement is a success, a
// different movement under the same key is ErrIdempotencyConflict.
func (s *LedgerService) Append(ctx context.Context, q DBTX, entry *models.LedgerEntry) (AppendOutcome, *models.LedgerEntry, error) {
	if entry.AmountCents < 0 {
		return 0, nil, fmt.Errorf("ledger append: negative amount %d", entry.AmountCents)
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (entry_type, direction, amount_cents, wallet_id, reference_type, reference_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at`,
		entry.EntryType, entry.Direction, entry.AmountCents, entry.WalletID,
		entry.ReferenceType, entry.ReferenceID, entry.IdempotencyKey, time.Now(),
	).Scan(&entry.ID, &entry.CreatedAt)

	if err == nil {
		s.metrics.LedgerAppends.WithLabelValues("inserted").Inc()
		s.invalidateBalance(ctx, entry.WalletID)
		return AppendInserted, entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("ledger append: %w", err)
	}

	// Conflict: another writer holds this key. Read back and verify rather
	// than trusting the conflict.
	existing, err := s.getByIdempotencyKey(ctx, q, entry.IdempotencyKey)
	if err != nil {
		return 0, nil, fmt.Errorf("ledger append read-back: %w", err)
	}
	if !existing.SameMovement(entry) {
		s.metrics.LedgerAppends.WithLabelValues("conflict").Inc()
		s.log.Error().
			Str("idempotency_key", entry.IdempotencyKey).
			Int64("existing_amount", existing.AmountCents).
			Int64("intended_amount", entry.AmountCents).
			Msg("idempotency key collision with different movement")
		return 0, nil, ErrIdempotencyConflict
	}

	s.metrics.LedgerAppends.WithLabelValues("replayed").Inc()
	return AppendReplayed, existing, nil
}

// Balance returns the wallet's derived balance, serving from the Redis
// projection when possible and falling back to the aggregate ledger query.
func (s *LedgerService) Balance(ctx context.Context, walletID string) (int64, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, balanceCacheKey(walletID)).Result()
		if err == nil {
			if balance, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
				s.metrics.BalanceQueries.WithLabelValues("cache").Inc()
				return balance, nil
			}
		} else if err != redis.Nil {
			s.log.Warn().Err(err).Msg("balance cache read failed, falling back to ledger")
		}
	}

	balance, err := s.BalanceTx(ctx, s.db, walletID)
	if err != nil {
		return 0, err
	}
	s.metrics.BalanceQueries.WithLabelValues("ledger").Inc()

	if s.redis != nil {
		if err := s.redis.Set(ctx, balanceCacheKey(walletID), strconv.FormatInt(balance, 10), balanceCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Msg("balance cache write failed")
		}
	}
	return balance, nil
}

// BalanceTx computes the signed sum of the wallet's entries directly on
// the given handle, bypassing the cache. Join and payout paths use it
// inside their own transactions.
func (s *LedgerService) BalanceTx(ctx context.Context, q DBTX, walletID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE direction WHEN 'CREDIT' THEN amount_cents ELSE -amount_cents END), 0)
		FROM ledger_entries
		WHERE wallet_id = $1`, walletID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance query: %w", err)
	}
	return balance, nil
}

// Entries returns the wallet's ledger history, newest first.
func (s *LedgerService) Entries(ctx context.Context, walletID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_type, direction, amount_cents, wallet_id, reference_type, reference_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger entries query: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EntryType, &e.Direction, &e.AmountCents, &e.WalletID,
			&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreditWallet appends a standalone wallet credit (e.g. a top-up) keyed by
// a caller-supplied reference, outside any larger transaction.
func (s *LedgerService) CreditWallet(ctx context.Context, walletID string, amountCents int64, reference string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		EntryType:      models.EntryTypeWalletCredit,
		Direction:      models.DirectionCredit,
		AmountCents:    amountCents,
		WalletID:       walletID,
		ReferenceType:  models.ReferenceTypeWallet,
		ReferenceID:    walletID,
		IdempotencyKey: fmt.Sprintf("wallet_credit:%s:%s", walletID, reference),
	}
	_, stored, err := s.Append(ctx, s.db, entry)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *LedgerService) getByIdempotencyKey(ctx context.Context, q DBTX, key string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := q.QueryRowContext(ctx, `
		SELECT id, entry_type, direction, amount_cents, wallet_id, reference_type, reference_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE idempotency_key = $1`, key).
		Scan(&e.ID, &e.EntryType, &e.Direction, &e.AmountCents, &e.WalletID,
			&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// invalidateBalance drops the cached projection so the next read rebuilds
// it from the ledger. Safe to run even when the surrounding transaction
// later rolls back.
func (s *LedgerService) invalidateBalance(ctx context.Context, walletID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, balanceCacheKey(walletID)).Err(); err != nil {
		s.log.Warn().Err(err).Str("wallet_id", walletID).Msg("balance cache invalidation failed")
	}
}

func balanceCacheKey(walletID string) string {
	return "wallet_balance:" + walletID
}
