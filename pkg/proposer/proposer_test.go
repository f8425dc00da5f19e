package proposer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rechain/bftnode/pkg/validator"
)

func id(b byte) validator.Identity {
	var i validator.Identity
	i[0] = b
	return i
}

func equalStakeSet(n int) *validator.Set {
	entries := make([]validator.Validator, n)
	for i := 0; i < n; i++ {
		entries[i] = validator.Validator{Identity: id(byte(i + 1)), Stake: 1}
	}
	return validator.New(entries)
}

func TestForRoundDeterministic(t *testing.T) {
	set := equalStakeSet(4)
	a, okA := ForRound(set, 1, 0)
	b, okB := ForRound(set, 1, 0)
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, a, b)
}

func TestForRoundEmptySet(t *testing.T) {
	_, ok := ForRound(validator.New(nil), 1, 0)
	assert.False(t, ok)
}

func TestForRoundRotatesAcrossRounds(t *testing.T) {
	set := equalStakeSet(4)
	seen := map[validator.Identity]bool{}
	for r := int32(0); r < 4; r++ {
		p, ok := ForRound(set, 1, r)
		assert.True(t, ok)
		seen[p] = true
	}
	assert.Len(t, seen, 4)
}

func TestForRoundRotatesAcrossHeights(t *testing.T) {
	set := equalStakeSet(4)
	seen := map[validator.Identity]bool{}
	for h := uint64(1); h <= 4; h++ {
		p, ok := ForRound(set, h, 0)
		assert.True(t, ok)
		seen[p] = true
	}
	assert.Len(t, seen, 4)
}

func TestForRoundSingleValidatorAlwaysProposer(t *testing.T) {
	set := equalStakeSet(1)
	only, _ := set.Get(0)
	for h := uint64(1); h < 20; h++ {
		p, ok := ForRound(set, h, 0)
		assert.True(t, ok)
		assert.Equal(t, only.Identity, p)
	}
}

func TestIsProposer(t *testing.T) {
	set := equalStakeSet(4)
	p, ok := ForRound(set, 10, 3)
	assert.True(t, ok)
	assert.True(t, IsProposer(set, 10, 3, p))
}

func TestForRoundWeightedSelectionFavorsHigherStake(t *testing.T) {
	heavy := id(1)
	set := validator.New([]validator.Validator{
		{Identity: heavy, Stake: 900},
		{Identity: id(2), Stake: 100},
	})
	hits := 0
	const trials = 1000
	for h := uint64(0); h < trials; h++ {
		p, ok := ForRound(set, h, 0)
		if ok && p == heavy {
			hits++
		}
	}
	assert.Greater(t, hits, 800)
}

func TestForRoundConsistentAcrossConstructionOrders(t *testing.T) {
	a := validator.New([]validator.Validator{
		{Identity: id(1), Stake: 3}, {Identity: id(2), Stake: 5},
	})
	b := validator.New([]validator.Validator{
		{Identity: id(2), Stake: 5}, {Identity: id(1), Stake: 3},
	})
	pa, _ := ForRound(a, 7, 2)
	pb, _ := ForRound(b, 7, 2)
	assert.Equal(t, pa, pb)
}
