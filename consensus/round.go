package consensus

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/types"
)

var (
	ErrDuplicateSignature = errors.New("validator already signed this round")
	ErrSignerNotInSet     = errors.New("signer not in active validator set")
	ErrBadBlockSignature  = errors.New("block signature verification failed")
	ErrRoundClosed        = errors.New("round is no longer collecting signatures")
)

// RoundState is the lifecycle of one consensus round.
type RoundState string

const (
	RoundStart           RoundState = "round_start"
	ProposerSelected     RoundState = "proposer_selected"
	CollectingSignatures RoundState = "collecting_signatures"
	RoundFinalized       RoundState = "finalized"
	RoundTimedOut        RoundState = "timed_out"
)

// Threshold holds the Byzantine threshold fraction, 2/3 by default.
type Threshold struct {
	Numerator   uint64
	Denominator uint64
}

// DefaultThreshold is the standard 2/3 BFT bound.
func DefaultThreshold() Threshold { return Threshold{Numerator: 2, Denominator: 3} }

// RequiredStake returns the minimum cumulative signed stake for a valid
// block: floor(n/d * total) + 1. With 2/3 this tolerates up to
// floor((total-1)/3) Byzantine stake.
func (t Threshold) RequiredStake(totalStake uint64) uint64 {
	return totalStake*t.Numerator/t.Denominator + 1
}

// Round accumulates stake-weighted signatures for one candidate block at one
// height. A round that times out is abandoned wholesale; its signatures are
// never reused.
type Round struct {
	log *zap.Logger

	Height   uint64
	Number   uint64
	Proposer string

	mu          sync.Mutex
	state       RoundState
	set         *types.ValidatorSet
	threshold   Threshold
	signatures  map[string]types.BlockSignature
	signedStake uint64
}

// NewRound snapshots the proposer for (height, number, set) and opens
// signature collection.
func NewRound(height, number uint64, set *types.ValidatorSet, threshold Threshold, log *zap.Logger) (*Round, error) {
	if log == nil {
		log = zap.NewNop()
	}
	proposer, err := SelectProposer(height, number, set)
	if err != nil {
		return nil, fmt.Errorf("round %d at height %d: %w", number, height, err)
	}
	r := &Round{
		log:        log.Named("round"),
		Height:     height,
		Number:     number,
		Proposer:   proposer.Address,
		state:      ProposerSelected,
		set:        set,
		threshold:  threshold,
		signatures: make(map[string]types.BlockSignature),
	}
	r.log.Debug("round opened",
		zap.Uint64("height", height),
		zap.Uint64("round", number),
		zap.String("proposer", proposer.Address))
	return r, nil
}

// State returns the current round state.
func (r *Round) State() RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Set returns the validator snapshot this round runs against.
func (r *Round) Set() *types.ValidatorSet { return r.set }

// RequiredStake is the threshold for this round's snapshot.
func (r *Round) RequiredStake() uint64 {
	return r.threshold.RequiredStake(r.set.TotalStake)
}

// AddSignature verifies and records one validator signature over the block
// hash. It returns true once cumulative signed stake reaches the threshold.
// Signatures from jailed or unknown validators are rejected; duplicates do
// not double-count stake.
func (r *Round) AddSignature(block *types.Block, sig types.BlockSignature) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case ProposerSelected:
		r.state = CollectingSignatures
	case CollectingSignatures:
	default:
		return false, fmt.Errorf("%w: %s", ErrRoundClosed, r.state)
	}

	v := r.set.Get(sig.Validator)
	if v == nil {
		return false, fmt.Errorf("%w: %s", ErrSignerNotInSet, sig.Validator)
	}
	if _, ok := r.signatures[sig.Validator]; ok {
		return false, fmt.Errorf("%w: %s", ErrDuplicateSignature, sig.Validator)
	}
	if !crypto.VerifyWithKey(v.PublicKey, block.Hash.Bytes(), sig.Signature) {
		return false, fmt.Errorf("%w: %s", ErrBadBlockSignature, sig.Validator)
	}

	r.signatures[sig.Validator] = sig
	r.signedStake += v.Stake

	reached := r.signedStake >= r.threshold.RequiredStake(r.set.TotalStake)
	if reached {
		r.state = RoundFinalized
		r.log.Info("signature threshold reached",
			zap.Uint64("height", r.Height),
			zap.Uint64("signedStake", r.signedStake),
			zap.Uint64("required", r.threshold.RequiredStake(r.set.TotalStake)))
	}
	return reached, nil
}

// Signatures returns the collected signatures, validator order unspecified.
func (r *Round) Signatures() []types.BlockSignature {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.BlockSignature, 0, len(r.signatures))
	for _, sig := range r.signatures {
		out = append(out, sig)
	}
	return out
}

// SignedStake returns the cumulative stake behind collected signatures.
func (r *Round) SignedStake() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signedStake
}

// Timeout abandons the round. Collected signatures are discarded with it.
func (r *Round) Timeout() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RoundFinalized {
		return
	}
	r.state = RoundTimedOut
	r.signatures = make(map[string]types.BlockSignature)
	r.signedStake = 0
	r.log.Warn("round timed out",
		zap.Uint64("height", r.Height),
		zap.Uint64("round", r.Number),
		zap.String("proposer", r.Proposer))
}

// VerifyBlockSignatures checks a finalized block's signature set against a
// snapshot: every signature must verify and their cumulative stake must meet
// the threshold. Used when accepting blocks produced elsewhere.
func VerifyBlockSignatures(block *types.Block, set *types.ValidatorSet, threshold Threshold) error {
	var signed uint64
	seen := make(map[string]struct{}, len(block.Signatures))
	for _, sig := range block.Signatures {
		if _, dup := seen[sig.Validator]; dup {
			continue
		}
		seen[sig.Validator] = struct{}{}

		v := set.Get(sig.Validator)
		if v == nil {
			return fmt.Errorf("%w: %s", ErrSignerNotInSet, sig.Validator)
		}
		if !crypto.VerifyWithKey(v.PublicKey, block.Hash.Bytes(), sig.Signature) {
			return fmt.Errorf("%w: %s", ErrBadBlockSignature, sig.Validator)
		}
		signed += v.Stake
	}
	if required := threshold.RequiredStake(set.TotalStake); signed < required {
		return fmt.Errorf("insufficient signed stake: %d < %d", signed, required)
	}
	return nil
}
