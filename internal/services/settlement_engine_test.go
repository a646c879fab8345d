package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playoffpool/backend/internal/models"
)

func TestComputeRankings_TiesShareAndConsumeRanks(t *testing.T) {
	scores := []models.FinalScore{
		{UserID: "user-c", Score: 90},
		{UserID: "user-b", Score: 100},
		{UserID: "user-a", Score: 100},
	}

	rankings := ComputeRankings(scores)

	require.Len(t, rankings, 3)
	assert.Equal(t, models.RankingEntry{UserID: "user-a", Score: 100, Rank: 1}, rankings[0])
	assert.Equal(t, models.RankingEntry{UserID: "user-b", Score: 100, Rank: 1}, rankings[1])
	assert.Equal(t, models.RankingEntry{UserID: "user-c", Score: 90, Rank: 3}, rankings[2])
}

func TestComputeRankings_DeterministicAcrossInputOrder(t *testing.T) {
	forward := []models.FinalScore{
		{UserID: "u1", Score: 50},
		{UserID: "u2", Score: 75},
		{UserID: "u3", Score: 75},
		{UserID: "u4", Score: 20},
	}
	reversed := []models.FinalScore{
		{UserID: "u4", Score: 20},
		{UserID: "u3", Score: 75},
		{UserID: "u2", Score: 75},
		{UserID: "u1", Score: 50},
	}

	assert.Equal(t, ComputeRankings(forward), ComputeRankings(reversed))
}

func TestComputeRankings_Empty(t *testing.T) {
	assert.Empty(t, ComputeRankings(nil))
}

func TestAllocatePayouts_TiedBlockSplitsMergedPositions(t *testing.T) {
	rankings := models.Rankings{
		{UserID: "u1", Score: 100, Rank: 1},
		{UserID: "u2", Score: 100, Rank: 1},
		{UserID: "u3", Score: 90, Rank: 3},
	}
	structure := models.PayoutStructure{1: 70, 2: 20, 3: 10}

	payouts, remainder, err := AllocatePayouts(rankings, structure, 10000)
	require.NoError(t, err)

	// The two tied entrants split positions 1+2 (90% of 10000).
	require.Len(t, payouts, 3)
	assert.Equal(t, int64(4500), payouts[0].AmountCents)
	assert.Equal(t, int64(4500), payouts[1].AmountCents)
	assert.Equal(t, int64(1000), payouts[2].AmountCents)
	assert.Equal(t, int64(0), remainder)
}

func TestAllocatePayouts_RemainderGoesToPlatform(t *testing.T) {
	rankings := models.Rankings{
		{UserID: "u1", Score: 100, Rank: 1},
		{UserID: "u2", Score: 100, Rank: 1},
		{UserID: "u3", Score: 100, Rank: 1},
	}
	structure := models.PayoutStructure{1: 50, 2: 30, 3: 20}

	payouts, remainder, err := AllocatePayouts(rankings, structure, 10001)
	require.NoError(t, err)

	// 100% of 10001 floor-divided three ways: 3333 each, 2 left over.
	var distributed int64
	for _, p := range payouts {
		assert.Equal(t, int64(3333), p.AmountCents)
		distributed += p.AmountCents
	}
	assert.Equal(t, int64(2), remainder)
	assert.Equal(t, int64(10001), distributed+remainder)
}

func TestAllocatePayouts_UnpaidRanksGetNothing(t *testing.T) {
	rankings := models.Rankings{
		{UserID: "u1", Score: 100, Rank: 1},
		{UserID: "u2", Score: 90, Rank: 2},
		{UserID: "u3", Score: 80, Rank: 3},
	}
	structure := models.PayoutStructure{1: 100}

	payouts, remainder, err := AllocatePayouts(rankings, structure, 5000)
	require.NoError(t, err)

	require.Len(t, payouts, 1)
	assert.Equal(t, "u1", payouts[0].UserID)
	assert.Equal(t, int64(5000), payouts[0].AmountCents)
	assert.Equal(t, int64(0), remainder)
}

func TestAllocatePayouts_ConservationHolds(t *testing.T) {
	cases := []struct {
		name      string
		rankings  models.Rankings
		structure models.PayoutStructure
		pool      int64
	}{
		{
			name: "odd pool three-way split",
			rankings: models.Rankings{
				{UserID: "a", Rank: 1}, {UserID: "b", Rank: 1}, {UserID: "c", Rank: 1},
			},
			structure: models.PayoutStructure{1: 34, 2: 33, 3: 33},
			pool:      9997,
		},
		{
			name: "tie across payout boundary",
			rankings: models.Rankings{
				{UserID: "a", Rank: 1}, {UserID: "b", Rank: 2}, {UserID: "c", Rank: 2},
			},
			structure: models.PayoutStructure{1: 60, 2: 40},
			pool:      12345,
		},
		{
			name: "partial percentage coverage",
			rankings: models.Rankings{
				{UserID: "a", Rank: 1}, {UserID: "b", Rank: 2},
			},
			structure: models.PayoutStructure{1: 45, 2: 25},
			pool:      10000,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payouts, remainder, err := AllocatePayouts(tc.rankings, tc.structure, tc.pool)
			require.NoError(t, err)

			occupiedPct := 0
			for start := 0; start < len(tc.rankings); {
				end := start
				for end < len(tc.rankings) && tc.rankings[end].Rank == tc.rankings[start].Rank {
					end++
				}
				for pos := tc.rankings[start].Rank; pos < tc.rankings[start].Rank+(end-start); pos++ {
					occupiedPct += tc.structure[pos]
				}
				start = end
			}
			implied := (tc.pool*int64(occupiedPct) + 50) / 100

			var distributed int64
			for _, p := range payouts {
				assert.GreaterOrEqual(t, p.AmountCents, int64(0))
				distributed += p.AmountCents
			}
			assert.Equal(t, implied, distributed+remainder, "cent conservation")
		})
	}
}

func TestAllocatePayouts_RejectsInvalidStructure(t *testing.T) {
	rankings := models.Rankings{{UserID: "a", Rank: 1}}

	_, _, err := AllocatePayouts(rankings, models.PayoutStructure{}, 1000)
	assert.ErrorIs(t, err, ErrInvalidPayoutStructure)

	_, _, err = AllocatePayouts(rankings, models.PayoutStructure{0: 50}, 1000)
	assert.ErrorIs(t, err, ErrInvalidPayoutStructure)

	_, _, err = AllocatePayouts(rankings, models.PayoutStructure{1: -10}, 1000)
	assert.ErrorIs(t, err, ErrInvalidPayoutStructure)

	_, _, err = AllocatePayouts(rankings, models.PayoutStructure{1: 60, 2: 60}, 1000)
	assert.ErrorIs(t, err, ErrInvalidPayoutStructure)

	_, _, err = AllocatePayouts(rankings, models.PayoutStructure{1: 100}, -1)
	assert.ErrorIs(t, err, ErrInvalidPayoutStructure)
}

func TestComputeSettlement_TakesRakeOffTheTop(t *testing.T) {
	contest := &models.ContestInstance{
		EntryFeeCents:   1000,
		RakeBps:         500, // 5%
		PayoutStructure: models.PayoutStructure{1: 70, 2: 30},
	}
	scores := []models.FinalScore{
		{UserID: "u1", Score: 90},
		{UserID: "u2", Score: 80},
		{UserID: "u3", Score: 70},
		{UserID: "u4", Score: 60},
	}

	plan, err := ComputeSettlement(StrategyStandardRake, contest, scores, "snap-1", "hash-1")
	require.NoError(t, err)

	assert.Equal(t, int64(4000), plan.TotalPoolCents)
	assert.Equal(t, int64(200), plan.RakeCents)
	assert.Equal(t, int64(3800), plan.DistributableCents)
	assert.Equal(t, 4, plan.ParticipantCount)
	assert.Equal(t, "snap-1", plan.SnapshotID)
	assert.Equal(t, "hash-1", plan.SnapshotHash)
	assert.Equal(t, PlanStatusComputed, plan.Status)

	require.Len(t, plan.Payouts, 2)
	assert.Equal(t, int64(2660), plan.Payouts[0].AmountCents)
	assert.Equal(t, int64(1140), plan.Payouts[1].AmountCents)
}

func TestComputeSettlement_RequiresSnapshotBinding(t *testing.T) {
	contest := &models.ContestInstance{EntryFeeCents: 1000, PayoutStructure: models.PayoutStructure{1: 100}}
	scores := []models.FinalScore{{UserID: "u1", Score: 10}}

	_, err := ComputeSettlement(StrategyStandardRake, contest, scores, "", "hash-1")
	assert.ErrorIs(t, err, ErrMissingSnapshotID)

	_, err = ComputeSettlement(StrategyStandardRake, contest, scores, "snap-1", "")
	assert.ErrorIs(t, err, ErrMissingSnapshotHash)
}

func TestComputeSettlement_UnknownStrategy(t *testing.T) {
	contest := &models.ContestInstance{EntryFeeCents: 1000, PayoutStructure: models.PayoutStructure{1: 100}}

	_, err := ComputeSettlement("double_or_nothing", contest, nil, "snap-1", "hash-1")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestCanonicalizeJSON_SortsKeysRecursively(t *testing.T) {
	v := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": 2, "a": []any{3, map[string]any{"y": 4, "x": 5}}},
	}

	canonical, err := CanonicalizeJSON(v)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":[3,{"x":5,"y":4}],"b":2},"zeta":1}`, string(canonical))
}

func TestHashCanonical_StableAcrossKeyOrder(t *testing.T) {
	h1, err := HashCanonical(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := HashCanonical(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashCanonical_DiffersOnContent(t *testing.T) {
	h1, err := HashCanonical(models.Rankings{{UserID: "u1", Score: 10, Rank: 1}})
	require.NoError(t, err)
	h2, err := HashCanonical(models.Rankings{{UserID: "u1", Score: 11, Rank: 1}})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
