package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Contest statuses relevant to the settlement core. The full lifecycle
// state machine lives outside this service; the core only distinguishes
// joinable, settle-eligible and settled states.
const (
	ContestStatusOpen    = "OPEN"
	ContestStatusLocked  = "LOCKED"
	ContestStatusSettled = "SETTLED"
)

// PayoutStructure maps a 1-based rank position to an integer percentage of
// the distributable pool. Stored as JSONB with string keys.
type PayoutStructure map[int]int

func (p PayoutStructure) Value() (driver.Value, error) {
	m := make(map[string]int, len(p))
	for pos, pct := range p {
		m[strconv.Itoa(pos)] = pct
	}
	return json.Marshal(m)
}

func (p *PayoutStructure) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("payout structure: unsupported scan type %T", src)
	}
	var m map[string]int
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	out := make(PayoutStructure, len(m))
	for k, pct := range m {
		pos, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("payout structure: bad position key %q", k)
		}
		out[pos] = pct
	}
	*p = out
	return nil
}

// ContestInstance is the contest row as seen by the settlement core.
type ContestInstance struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Status          string          `json:"status" db:"status"`
	EntryFeeCents   int64           `json:"entry_fee_cents" db:"entry_fee_cents"`
	MaxParticipants int             `json:"max_participants" db:"max_participants"`
	RakeBps         int             `json:"rake_bps" db:"rake_bps"` // platform rake in basis points
	StrategyKey     string          `json:"strategy_key" db:"strategy_key"`
	PayoutStructure PayoutStructure `json:"payout_structure" db:"payout_structure"`
	InviteCode      string          `json:"invite_code" db:"invite_code"`
	LockTime        sql.NullTime    `json:"lock_time" db:"lock_time"`
	SettledAt       sql.NullTime    `json:"settled_at" db:"settled_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ContestParticipant is the join record, unique on (contest_instance_id,
// user_id). Its existence is the source of truth for "already joined".
type ContestParticipant struct {
	ID                int64     `json:"id" db:"id"`
	ContestInstanceID string    `json:"contest_instance_id" db:"contest_instance_id"`
	UserID            string    `json:"user_id" db:"user_id"`
	JoinedAt          time.Time `json:"joined_at" db:"joined_at"`
}

// User is the minimal account row the wallet core needs. Authentication and
// profile management live elsewhere.
type User struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FinalScore is one participant's final score as supplied by the scoring
// snapshot provider.
type FinalScore struct {
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
}
