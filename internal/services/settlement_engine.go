package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/playoffpool/backend/internal/models"
)

var (
	ErrUnknownStrategy        = errors.New("unknown settlement strategy")
	ErrMissingSnapshotID      = errors.New("missing snapshot id")
	ErrMissingSnapshotHash    = errors.New("missing snapshot hash")
	ErrInvalidPayoutStructure = errors.New("invalid payout structure")
)

// StrategyStandardRake is the default settlement strategy: rake is taken
// off the top in basis points, payouts are allocated over the remainder.
const StrategyStandardRake = "standard_rake"

// PlanStatusComputed marks a settlement plan produced by ComputeSettlement.
const PlanStatusComputed = "computed"

// ComputeRankings sorts final scores descending and assigns competition
// ranking: equal scores share a rank number and ties consume rank numbers,
// so the next distinct score ranks at its 1-based position. Presentation
// order for equal scores is ascending user id, which makes the output fully
// deterministic regardless of input order.
func ComputeRankings(scores []models.FinalScore) models.Rankings {
	if len(scores) == 0 {
		return models.Rankings{}
	}

	sorted := make([]models.FinalScore, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	rankings := make(models.Rankings, len(sorted))
	for i, s := range sorted {
		rank := i + 1
		if i > 0 && s.Score == sorted[i-1].Score {
			rank = rankings[i-1].Rank
		}
		rankings[i] = models.RankingEntry{UserID: s.UserID, Score: s.Score, Rank: rank}
	}
	return rankings
}

// AllocatePayouts converts rankings into cent amounts. Participants sharing
// a rank occupy a contiguous block of 1-based payout positions; the block's
// percentages are summed, rounded half-up into a block amount, and floor-
// divided among block members. Whatever the floor division leaves over is
// NOT distributed — it is returned as platformRemainderCents, so that
// sum(payouts) + remainder always equals the amount implied by the occupied
// percentages.
func AllocatePayouts(rankings models.Rankings, structure models.PayoutStructure, poolCents int64) (models.Payouts, int64, error) {
	if err := validatePayoutStructure(structure); err != nil {
		return nil, 0, err
	}
	if poolCents < 0 {
		return nil, 0, fmt.Errorf("%w: negative pool", ErrInvalidPayoutStructure)
	}

	payouts := models.Payouts{}
	var remainder int64

	for start := 0; start < len(rankings); {
		end := start
		for end < len(rankings) && rankings[end].Rank == rankings[start].Rank {
			end++
		}
		block := rankings[start:end]

		// The block occupies positions rank .. rank+len(block)-1.
		blockPct := 0
		for pos := rankings[start].Rank; pos < rankings[start].Rank+len(block); pos++ {
			blockPct += structure[pos]
		}

		if blockPct > 0 {
			blockAmount := roundPctHalfUp(poolCents, blockPct)
			share := blockAmount / int64(len(block))
			remainder += blockAmount - share*int64(len(block))
			for _, entry := range block {
				payouts = append(payouts, models.PayoutAllocation{
					UserID:      entry.UserID,
					Rank:        entry.Rank,
					AmountCents: share,
				})
			}
		}

		start = end
	}

	return payouts, remainder, nil
}

// CalculateTotalPool returns the gross prize pool in cents.
func CalculateTotalPool(entryFeeCents int64, participantCount int) int64 {
	return entryFeeCents * int64(participantCount)
}

// ComputeSettlement orchestrates the pure settlement steps into a plan.
// It refuses to run without both halves of the snapshot binding, so every
// settlement stays traceable to an immutable scoring snapshot.
func ComputeSettlement(strategyKey string, contest *models.ContestInstance, scores []models.FinalScore, snapshotID, snapshotHash string) (*models.SettlementPlan, error) {
	if snapshotID == "" {
		return nil, ErrMissingSnapshotID
	}
	if snapshotHash == "" {
		return nil, ErrMissingSnapshotHash
	}
	if strategyKey != StrategyStandardRake {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyKey)
	}

	rankings := ComputeRankings(scores)
	poolCents := CalculateTotalPool(contest.EntryFeeCents, len(scores))

	rakeCents := roundBpsHalfUp(poolCents, contest.RakeBps)
	distributableCents := poolCents - rakeCents

	payouts, remainderCents, err := AllocatePayouts(rankings, contest.PayoutStructure, distributableCents)
	if err != nil {
		return nil, err
	}

	return &models.SettlementPlan{
		Rankings:               rankings,
		Payouts:                payouts,
		RakeCents:              rakeCents,
		DistributableCents:     distributableCents,
		PlatformRemainderCents: remainderCents,
		TotalPoolCents:         poolCents,
		ParticipantCount:       len(scores),
		SnapshotID:             snapshotID,
		SnapshotHash:           snapshotHash,
		Status:                 PlanStatusComputed,
	}, nil
}

// CanonicalizeJSON renders v as JSON with recursively sorted object keys
// (array order preserved), so two computations over identical inputs
// produce byte-identical output.
func CanonicalizeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashCanonical returns the hex sha256 of the canonical JSON form of v.
func HashCanonical(v any) (string, error) {
	canonical, err := CanonicalizeJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

func validatePayoutStructure(structure models.PayoutStructure) error {
	if len(structure) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayoutStructure)
	}
	total := 0
	for pos, pct := range structure {
		if pos < 1 {
			return fmt.Errorf("%w: position %d is not 1-based", ErrInvalidPayoutStructure, pos)
		}
		if pct < 0 {
			return fmt.Errorf("%w: negative percentage at position %d", ErrInvalidPayoutStructure, pos)
		}
		total += pct
	}
	if total > 100 {
		return fmt.Errorf("%w: percentages sum to %d", ErrInvalidPayoutStructure, total)
	}
	return nil
}

// roundPctHalfUp computes round(amount * pct / 100) with half-up rounding
// in pure integer arithmetic.
func roundPctHalfUp(amountCents int64, pct int) int64 {
	return (amountCents*int64(pct) + 50) / 100
}

// roundBpsHalfUp computes round(amount * bps / 10000) half-up.
func roundBpsHalfUp(amountCents int64, bps int) int64 {
	return (amountCents*int64(bps) + 5000) / 10000
}
