package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tournamentdomain "github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

func pct(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func amountsByEntry(payouts []Payout) map[int]string {
	out := make(map[int]string, len(payouts))
	for _, p := range payouts {
		out[p.EntryNo] = p.Amount.String()
	}
	return out
}

func TestRank_ScoreThenEntryNo(t *testing.T) {
	ranked := Rank([]Standing{
		{EntryNo: 3, UserID: "c", Score: 40},
		{EntryNo: 1, UserID: "a", Score: 90},
		{EntryNo: 4, UserID: "d", Score: 10},
		{EntryNo: 2, UserID: "b", Score: 40},
	})

	require.Len(t, ranked, 4)
	assert.Equal(t, []int{1, 2, 3, 4}, []int{ranked[0].EntryNo, ranked[1].EntryNo, ranked[2].EntryNo, ranked[3].EntryNo})
	assert.Equal(t, []int{1, 2, 2, 4}, []int{ranked[0].Rank, ranked[1].Rank, ranked[2].Rank, ranked[3].Rank})
	assert.Equal(t, 3, ranked[2].Position)
}

func TestComputePrizes_TiedSecondPlace(t *testing.T) {
	tiers := []tournamentdomain.PrizeTier{
		{FromRank: 1, ToRank: 1, Percent: pct(50)},
		{FromRank: 2, ToRank: 3, Percent: pct(15)},
	}
	ranked := Rank([]Standing{
		{EntryNo: 1, UserID: "e1", Score: 100},
		{EntryNo: 2, UserID: "e2", Score: 50},
		{EntryNo: 3, UserID: "e3", Score: 50},
	})

	payouts, err := ComputePrizes(decimal.NewFromInt(1000), tiers, ranked, 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "500", 2: "75", 3: "75"}, amountsByEntry(payouts))
}

func TestComputePrizes_ResidualToTopRanked(t *testing.T) {
	tiers := []tournamentdomain.PrizeTier{
		{FromRank: 1, ToRank: 1, Percent: pct(50)},
		{FromRank: 2, ToRank: 4, Percent: pct(25)},
	}
	ranked := Rank([]Standing{
		{EntryNo: 1, UserID: "a", Score: 9},
		{EntryNo: 2, UserID: "b", Score: 5},
		{EntryNo: 3, UserID: "c", Score: 4},
		{EntryNo: 4, UserID: "d", Score: 3},
		{EntryNo: 5, UserID: "e", Score: 1},
	})

	// 250 over three positions: 83 each, 1 unit residual
	payouts, err := ComputePrizes(decimal.NewFromInt(1000), tiers, ranked, 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "501", 2: "83", 3: "83", 4: "83"}, amountsByEntry(payouts))

	var total decimal.Decimal
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(750)))
}

func TestComputePrizes_TieAcrossTierBoundary(t *testing.T) {
	tiers := []tournamentdomain.PrizeTier{
		{FromRank: 1, ToRank: 1, Percent: pct(60)},
		{FromRank: 2, ToRank: 2, Percent: pct(30)},
	}
	ranked := Rank([]Standing{
		{EntryNo: 1, UserID: "a", Score: 7},
		{EntryNo: 2, UserID: "b", Score: 7},
		{EntryNo: 3, UserID: "c", Score: 1},
	})

	payouts, err := ComputePrizes(decimal.RequireFromString("100.03"), tiers, ranked, 2)
	require.NoError(t, err)

	// 60.01 + 30.00 shared by the tie: 45.00 each, the odd unit goes to entry 1
	assert.Equal(t, map[int]string{1: "45.01", 2: "45"}, amountsByEntry(payouts))
}

func TestComputePrizes_FewerEntriesThanTiers(t *testing.T) {
	tiers := []tournamentdomain.PrizeTier{
		{FromRank: 1, ToRank: 1, Percent: pct(50)},
		{FromRank: 2, ToRank: 3, Percent: pct(30)},
		{FromRank: 4, ToRank: 10, Percent: pct(20)},
	}
	ranked := Rank([]Standing{
		{EntryNo: 1, UserID: "a", Score: 3},
		{EntryNo: 2, UserID: "b", Score: 2},
	})

	payouts, err := ComputePrizes(decimal.NewFromInt(200), tiers, ranked, 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "100", 2: "60"}, amountsByEntry(payouts))
}

func TestComputePrizes_FixedAbovePoolIsViolation(t *testing.T) {
	tiers := []tournamentdomain.PrizeTier{
		{FromRank: 1, ToRank: 1, Fixed: decimal.NewFromInt(300)},
	}
	ranked := Rank([]Standing{{EntryNo: 1, UserID: "a", Score: 1}})

	_, err := ComputePrizes(decimal.NewFromInt(100), tiers, ranked, 2)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
}

func TestComputePrizes_OverlappingTiersRejected(t *testing.T) {
	tiers := []tournamentdomain.PrizeTier{
		{FromRank: 1, ToRank: 2, Percent: pct(50)},
		{FromRank: 2, ToRank: 3, Percent: pct(10)},
	}
	_, err := ComputePrizes(decimal.NewFromInt(100), tiers, Rank([]Standing{{EntryNo: 1}}), 2)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
}
