package consensus

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/types"
)

var (
	ErrValidatorExists   = errors.New("validator already registered")
	ErrValidatorUnknown  = errors.New("validator not found")
	ErrStakeBelowMinimum = errors.New("stake below minimum")
	ErrNotJailed         = errors.New("validator is not jailed")
)

// Registry tracks the validator set. It is read-mostly during a round
// (through immutable snapshots) and mutated only between rounds by
// governance events, so the single mutex never contends with consensus.
type Registry struct {
	log *zap.Logger

	mu         sync.RWMutex
	validators map[string]*types.Validator
	minStake   uint64
}

// NewRegistry creates an empty registry with the configured minimum stake.
func NewRegistry(minStake uint64, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:        log.Named("registry"),
		validators: make(map[string]*types.Validator),
		minStake:   minStake,
	}
}

// Add registers a new active validator.
func (r *Registry) Add(address string, stake uint64, publicKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stake < r.minStake {
		return fmt.Errorf("%w: %d < %d", ErrStakeBelowMinimum, stake, r.minStake)
	}
	if _, ok := r.validators[address]; ok {
		return fmt.Errorf("%w: %s", ErrValidatorExists, address)
	}
	r.validators[address] = &types.Validator{
		Address:   address,
		PublicKey: publicKey,
		Stake:     stake,
		Status:    types.ValidatorActive,
	}
	r.log.Info("validator added", zap.String("address", address), zap.Uint64("stake", stake))
	return nil
}

// Remove permanently deletes a validator.
func (r *Registry) Remove(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.validators[address]; !ok {
		return fmt.Errorf("%w: %s", ErrValidatorUnknown, address)
	}
	delete(r.validators, address)
	r.log.Info("validator removed", zap.String("address", address))
	return nil
}

// UpdateStake changes a validator's stake; total voting power reflects the
// change immediately via the next snapshot.
func (r *Registry) UpdateStake(address string, stake uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorUnknown, address)
	}
	if stake < r.minStake {
		return fmt.Errorf("%w: %d < %d", ErrStakeBelowMinimum, stake, r.minStake)
	}
	old := v.Stake
	v.Stake = stake
	r.log.Info("validator stake updated",
		zap.String("address", address), zap.Uint64("from", old), zap.Uint64("to", stake))
	return nil
}

// Jail excludes a validator from proposer selection and from the signature
// threshold denominator until the unjail height.
func (r *Registry) Jail(address string, reason types.JailReason, untilHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorUnknown, address)
	}
	v.Status = types.ValidatorJailed
	v.JailReason = reason
	v.JailedUntil = untilHeight
	r.log.Warn("validator jailed",
		zap.String("address", address),
		zap.String("reason", string(reason)),
		zap.Uint64("until", untilHeight))
	return nil
}

// Unjail returns a jailed validator to the active set.
func (r *Registry) Unjail(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorUnknown, address)
	}
	if v.Status != types.ValidatorJailed {
		return fmt.Errorf("%w: %s", ErrNotJailed, address)
	}
	v.Status = types.ValidatorActive
	v.JailReason = ""
	v.JailedUntil = 0
	r.log.Info("validator unjailed", zap.String("address", address))
	return nil
}

// RecordProposal counts a successful proposal.
func (r *Registry) RecordProposal(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.validators[address]; ok {
		v.BlocksProposed++
	}
}

// RecordSignatures counts the signers of a finalized block.
func (r *Registry) RecordSignatures(sigs []types.BlockSignature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sig := range sigs {
		if v, ok := r.validators[sig.Validator]; ok {
			v.BlocksSigned++
		}
	}
}

// Snapshot builds the immutable, sorted view of active validators that a
// round operates on. Stake of jailed validators is excluded.
func (r *Registry) Snapshot() *types.ValidatorSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	validators := make([]*types.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		cp := *v
		validators = append(validators, &cp)
	}
	return types.NewValidatorSet(validators)
}

// All returns copies of every validator, jailed included, for the status
// surface.
func (r *Registry) All() []*types.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		cp := *v
		out = append(out, &cp)
	}
	return out
}

// TotalStake sums active stake.
func (r *Registry) TotalStake() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total uint64
	for _, v := range r.validators {
		if v.Status == types.ValidatorActive {
			total += v.Stake
		}
	}
	return total
}
