package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RankingEntry is one row of the computed standings. Equal scores share a
// rank number (competition ranking); ties consume rank numbers, so scores
// [100,100,90] rank as [1,1,3].
type RankingEntry struct {
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
	Rank   int    `json:"rank"`
}

// PayoutAllocation is one payee's share of the distributable pool.
type PayoutAllocation struct {
	UserID      string `json:"user_id"`
	Rank        int    `json:"rank"`
	AmountCents int64  `json:"amount_cents"`
}

// Rankings and Payouts are stored as JSONB on the settlement record.
type Rankings []RankingEntry

func (r Rankings) Value() (driver.Value, error) { return json.Marshal(r) }

func (r *Rankings) Scan(src any) error { return scanJSON(src, r, "rankings") }

type Payouts []PayoutAllocation

func (p Payouts) Value() (driver.Value, error) { return json.Marshal(p) }

func (p *Payouts) Scan(src any) error { return scanJSON(src, p, "payouts") }

func scanJSON(src, dst any, what string) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("%s: unsupported scan type %T", what, src)
	}
	return json.Unmarshal(b, dst)
}

// SettlementRecord is the immutable per-contest settlement row, unique on
// contest_instance_id. Its existence is the idempotency guard against
// re-settlement.
type SettlementRecord struct {
	ID                      string    `json:"id" db:"id"`
	ContestInstanceID       string    `json:"contest_instance_id" db:"contest_instance_id"`
	SnapshotID              string    `json:"snapshot_id" db:"snapshot_id"`
	SnapshotHash            string    `json:"snapshot_hash" db:"snapshot_hash"`
	ScoringRunID            string    `json:"scoring_run_id" db:"scoring_run_id"`
	Rankings                Rankings  `json:"rankings" db:"rankings"`
	Payouts                 Payouts   `json:"payouts" db:"payouts"`
	RakeCents               int64     `json:"rake_cents" db:"rake_cents"`
	DistributableCents      int64     `json:"distributable_cents" db:"distributable_cents"`
	PlatformRemainderCents  int64     `json:"platform_remainder_cents" db:"platform_remainder_cents"`
	TotalPoolCents          int64     `json:"total_pool_cents" db:"total_pool_cents"`
	ParticipantCount        int       `json:"participant_count" db:"participant_count"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
}

// SettlementPlan is the pure computation result, not yet persisted.
type SettlementPlan struct {
	Rankings               Rankings `json:"rankings"`
	Payouts                Payouts  `json:"payouts"`
	RakeCents              int64    `json:"rake_cents"`
	DistributableCents     int64    `json:"distributable_cents"`
	PlatformRemainderCents int64    `json:"platform_remainder_cents"`
	TotalPoolCents         int64    `json:"total_pool_cents"`
	ParticipantCount       int      `json:"participant_count"`
	SnapshotID             string   `json:"snapshot_id"`
	SnapshotHash           string   `json:"snapshot_hash"`
	Status                 string   `json:"status"` // always "computed"
}

// ScoringSnapshot is what the snapshot provider hands the settlement
// executor: an immutable snapshot binding plus the final scores taken
// from it.
type ScoringSnapshot struct {
	SnapshotID   string       `json:"snapshot_id"`
	SnapshotHash string       `json:"snapshot_hash"`
	ScoringRunID string       `json:"scoring_run_id"`
	FinalScores  []FinalScore `json:"final_scores"`
}
