package models

import (
	"time"
)

// Ledger entry types
const (
	EntryTypeWalletDebit  = "WALLET_DEBIT"
	EntryTypeWalletCredit = "WALLET_CREDIT"
	EntryTypePayoutCredit = "PAYOUT_CREDIT"
)

// Ledger entry directions
const (
	DirectionDebit  = "DEBIT"
	DirectionCredit = "CREDIT"
)

// Reference types for ledger entries
const (
	ReferenceTypeWallet   = "WALLET"
	ReferenceTypeContest  = "CONTEST"
	ReferenceTypeTransfer = "TRANSFER"
)

// LedgerEntry is an immutable append-only row. Entries are never updated or
// deleted; a wallet's balance is the signed sum of the entries carrying its
// wallet_id, computed on read and never stored as mutable state.
type LedgerEntry struct {
	ID             int64     `json:"id" db:"id"`
	EntryType      string    `json:"entry_type" db:"entry_type"`
	Direction      string    `json:"direction" db:"direction"` // DEBIT or CREDIT
	AmountCents    int64     `json:"amount_cents" db:"amount_cents"`
	WalletID       string    `json:"wallet_id" db:"wallet_id"` // one wallet per user, keyed by user id
	ReferenceType  string    `json:"reference_type" db:"reference_type"`
	ReferenceID    string    `json:"reference_id" db:"reference_id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SignedAmount applies the entry direction to its amount.
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == DirectionDebit {
		return -e.AmountCents
	}
	return e.AmountCents
}

// SameMovement reports whether two entries describe the same monetary
// movement. Used to verify a replayed insert against the row that won the
// idempotency-key conflict.
func (e *LedgerEntry) SameMovement(other *LedgerEntry) bool {
	return e.EntryType == other.EntryType &&
		e.Direction == other.Direction &&
		e.AmountCents == other.AmountCents &&
		e.WalletID == other.WalletID &&
		e.ReferenceType == other.ReferenceType &&
		e.ReferenceID == other.ReferenceID
}
