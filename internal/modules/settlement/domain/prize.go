package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	tournamentdomain "github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/money"
)

// Standing is an entry's final score
type Standing struct {
	EntryNo int
	UserID  string
	Score   int64
}

// Placement is a standing with its rank. Tied entries share the rank of the
// first position they occupy (1, 2, 2, 4).
type Placement struct {
	Standing
	Position int
	Rank     int
}

// Payout is a prize credited to one entry
type Payout struct {
	EntryNo int
	UserID  string
	Rank    int
	Amount  decimal.Decimal
}

// Rank orders standings by score descending, then entry number ascending.
// The order never depends on when results arrived.
func Rank(standings []Standing) []Placement {
	sorted := append([]Standing(nil), standings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].EntryNo < sorted[j].EntryNo
	})

	out := make([]Placement, len(sorted))
	for i, s := range sorted {
		rank := i + 1
		if i > 0 && s.Score == sorted[i-1].Score {
			rank = out[i-1].Rank
		}
		out[i] = Placement{Standing: s, Position: i + 1, Rank: rank}
	}
	return out
}

// ComputePrizes splits the pool over the ranked entries.
//
// Each tier's amount (percent of pool or fixed) is floored to the currency unit
// and divided evenly over the positions of its range that an entry occupies.
// Tied entries pool the shares of the positions they occupy and split them evenly.
// Every unit lost to flooring goes to the top-ranked entry. A payout total above
// the pool is an apperr.ErrInvariantViolation.
func ComputePrizes(pool decimal.Decimal, tiers []tournamentdomain.PrizeTier, ranked []Placement, places int32) ([]Payout, error) {
	if err := tournamentdomain.ValidateTiers(tiers); err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	poolUnits := money.ToUnits(pool, places)
	n := len(ranked)
	shares := make([]int64, n+1) // by position, 1-based
	var residual int64

	for _, tier := range tiers {
		if tier.FromRank > n {
			continue
		}
		to := tier.ToRank
		if to > n {
			to = n
		}

		var tierUnits int64
		if tier.Percent.IsPositive() {
			tierUnits = money.ToUnits(pool.Mul(tier.Percent).Div(decimal.NewFromInt(100)), places)
		} else {
			tierUnits = money.ToUnits(tier.Fixed, places)
		}

		occupied := int64(to - tier.FromRank + 1)
		each := tierUnits / occupied
		residual += tierUnits - each*occupied
		for pos := tier.FromRank; pos <= to; pos++ {
			shares[pos] += each
		}
	}

	amounts := make([]int64, n)
	for start := 0; start < n; {
		end := start + 1
		for end < n && ranked[end].Score == ranked[start].Score {
			end++
		}
		var group int64
		for i := start; i < end; i++ {
			group += shares[ranked[i].Position]
		}
		size := int64(end - start)
		each := group / size
		residual += group - each*size
		for i := start; i < end; i++ {
			amounts[i] = each
		}
		start = end
	}
	amounts[0] += residual

	var total int64
	payouts := make([]Payout, 0, n)
	for i, p := range ranked {
		total += amounts[i]
		if amounts[i] <= 0 {
			continue
		}
		payouts = append(payouts, Payout{
			EntryNo: p.EntryNo,
			UserID:  p.UserID,
			Rank:    p.Rank,
			Amount:  money.FromUnits(amounts[i], places),
		})
	}
	if total > poolUnits {
		return nil, fmt.Errorf("%w: prizes total %s exceed pool %s",
			apperr.ErrInvariantViolation, money.FromUnits(total, places), pool)
	}
	return payouts, nil
}
