// Package validator holds the stake-weighted, canonically ordered
// validator-set membership used for quorum arithmetic and proposer
// selection.
package validator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Identity is an opaque validator key. The consensus engine never
// interprets its bytes beyond equality and ordering.
type Identity [32]byte

func (id Identity) String() string { return fmt.Sprintf("%x", id[:]) }

// MarshalJSON renders the identity as a hex string.
func (id Identity) MarshalJSON() ([]byte, error) { return json.Marshal(id.String()) }

// UnmarshalJSON parses a hex string back into an Identity.
func (id *Identity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("validator: decoding identity: %w", err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("validator: identity has wrong length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

// Validator is a single member of a validator set.
type Validator struct {
	Identity Identity
	Stake    uint64
}

// Set is a finite collection of validators kept in canonical order:
// stake descending, then identity ascending. The order is rebuilt
// whenever membership changes (epoch boundaries only); within a height
// it is immutable.
type Set struct {
	members    []Validator
	index      map[Identity]int
	totalStake uint64
}

// New builds a validator set from entries, dropping zero-stake members
// and sorting into canonical order. Idempotent modulo input order.
func New(entries []Validator) *Set {
	s := &Set{}
	s.rebuild(entries)
	return s
}

func (s *Set) rebuild(entries []Validator) {
	members := make([]Validator, 0, len(entries))
	for _, v := range entries {
		if v.Stake == 0 {
			continue
		}
		members = append(members, v)
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].Stake != members[j].Stake {
			return members[i].Stake > members[j].Stake
		}
		return lessIdentity(members[i].Identity, members[j].Identity)
	})

	index := make(map[Identity]int, len(members))
	var total uint64
	for i, v := range members {
		index[v.Identity] = i
		total += v.Stake
	}

	s.members = members
	s.index = index
	s.totalStake = total
}

func lessIdentity(a, b Identity) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.members) }

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool { return len(s.members) == 0 }

// TotalStake returns the sum of all member stakes.
func (s *Set) TotalStake() uint64 { return s.totalStake }

// Get returns the validator at the given canonical index.
func (s *Set) Get(i int) (Validator, bool) {
	if i < 0 || i >= len(s.members) {
		return Validator{}, false
	}
	return s.members[i], true
}

// GetByIdentity returns the validator with the given identity.
func (s *Set) GetByIdentity(id Identity) (Validator, bool) {
	i, ok := s.index[id]
	if !ok {
		return Validator{}, false
	}
	return s.members[i], true
}

// StakeOf returns the stake of id, or 0 if it is not a member.
func (s *Set) StakeOf(id Identity) uint64 {
	i, ok := s.index[id]
	if !ok {
		return 0
	}
	return s.members[i].Stake
}

// Contains reports whether id is a member.
func (s *Set) Contains(id Identity) bool {
	_, ok := s.index[id]
	return ok
}

// Iter calls fn for every member in canonical order. Stops early if fn
// returns false.
func (s *Set) Iter(fn func(Validator) bool) {
	for _, v := range s.members {
		if !fn(v) {
			return
		}
	}
}

// Identities returns every member identity in canonical order.
func (s *Set) Identities() []Identity {
	ids := make([]Identity, len(s.members))
	for i, v := range s.members {
		ids[i] = v.Identity
	}
	return ids
}

// QuorumStake returns max(1, ceil(total_stake * threshold)) for
// threshold in [0, 1].
func (s *Set) QuorumStake(threshold float64) uint64 {
	q := ceilStakeThreshold(s.totalStake, threshold)
	if q < 1 {
		q = 1
	}
	return q
}

func ceilStakeThreshold(total uint64, threshold float64) uint64 {
	// ceil(total * threshold) computed via integer scaling to avoid
	// float rounding surprises at common thresholds like 2/3.
	const scale = 1_000_000_000
	scaled := uint64(threshold*scale + 0.5)
	num := total * scaled
	den := uint64(scale)
	q := num / den
	if num%den != 0 {
		q++
	}
	return q
}

// Upsert adds or updates a validator's stake, then re-sorts. Stake of 0
// removes the member (equivalent to Remove).
func (s *Set) Upsert(id Identity, stake uint64) {
	entries := make([]Validator, 0, len(s.members)+1)
	found := false
	for _, v := range s.members {
		if v.Identity == id {
			found = true
			if stake > 0 {
				entries = append(entries, Validator{Identity: id, Stake: stake})
			}
			continue
		}
		entries = append(entries, v)
	}
	if !found && stake > 0 {
		entries = append(entries, Validator{Identity: id, Stake: stake})
	}
	s.rebuild(entries)
}

// Remove drops a validator from the set. Equivalent to Upsert(id, 0).
func (s *Set) Remove(id Identity) {
	s.Upsert(id, 0)
}
