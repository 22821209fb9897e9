package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sultan-labs/sultan/types"
)

var ErrNoValidators = errors.New("no active validators")

// SelectProposer deterministically picks the proposer for one round at one
// height: a sha256 seed over (height, round, total stake) is reduced modulo
// total voting power and walked over the cumulative stake of validators
// sorted by address. Every node computes the same proposer with no
// communication, and over many heights each validator is chosen in
// proportion to its stake. The round number keeps a stalled height live:
// each retry reseeds, so an unresponsive proposer is rotated away from
// instead of re-selected forever.
func SelectProposer(height, round uint64, set *types.ValidatorSet) (*types.Validator, error) {
	if set == nil || set.Len() == 0 {
		return nil, ErrNoValidators
	}
	if set.TotalStake == 0 {
		return nil, fmt.Errorf("%w: total stake is zero", ErrNoValidators)
	}

	seed := proposerSeed(height, round, set.TotalStake)
	target := seed % set.TotalStake

	var cumulative uint64
	for _, v := range set.Validators {
		cumulative += v.Stake
		if cumulative > target {
			return v, nil
		}
	}
	// Unreachable with correct arithmetic; the last validator closes the range.
	return set.Validators[set.Len()-1], nil
}

func proposerSeed(height, round, totalStake uint64) uint64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("proposer:%d:%d:%d", height, round, totalStake)))
	return binary.BigEndian.Uint64(h[:8])
}
