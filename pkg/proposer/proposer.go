// Package proposer implements deterministic stake-weighted proposer
// selection: a pure function of (validator set, height, round).
package proposer

import "github.com/rechain/bftnode/pkg/validator"

// ForRound returns the proposer identity for (height, round), or false
// if the set is empty or carries no stake.
//
// seed = height + round (64-bit wraparound on overflow, intentionally —
// see DESIGN.md for why this is kept rather than an alternative mixing
// function); target = seed mod total_stake; walk validators in
// canonical order accumulating stake and return the first whose
// cumulative stake strictly exceeds target.
func ForRound(set *validator.Set, height uint64, round int32) (validator.Identity, bool) {
	if set == nil || set.IsEmpty() || set.TotalStake() == 0 {
		return validator.Identity{}, false
	}

	seed := height + uint64(round)
	target := seed % set.TotalStake()

	var (
		cumulative uint64
		found      validator.Identity
		ok         bool
	)
	set.Iter(func(v validator.Validator) bool {
		cumulative += v.Stake
		if cumulative > target {
			found = v.Identity
			ok = true
			return false
		}
		return true
	})

	if !ok {
		// Defensive fallback; unreachable if total_stake is correct.
		first, exists := set.Get(0)
		if !exists {
			return validator.Identity{}, false
		}
		return first.Identity, true
	}
	return found, true
}

// IsProposer reports whether id is the proposer for (height, round).
func IsProposer(set *validator.Set, height uint64, round int32, id validator.Identity) bool {
	proposer, ok := ForRound(set, height, round)
	return ok && proposer == id
}
