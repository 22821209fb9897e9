package types

import "sort"

// ValidatorStatus tracks whether a validator participates in consensus.
type ValidatorStatus string

const (
	ValidatorActive ValidatorStatus = "active"
	ValidatorJailed ValidatorStatus = "jailed"
)

// JailReason records the slashing condition that jailed a validator.
type JailReason string

const (
	JailDoubleSign JailReason = "double_sign"
	JailDowntime   JailReason = "downtime"
)

// Validator is one member of the validator set. Stake changes recalculate
// total voting power immediately; status changes apply between rounds.
type Validator struct {
	Address        string          `json:"address"`
	PublicKey      []byte          `json:"publicKey"`
	Stake          uint64          `json:"stake"`
	Status         ValidatorStatus `json:"status"`
	JailReason     JailReason      `json:"jailReason,omitempty"`
	JailedUntil    uint64          `json:"jailedUntil,omitempty"`
	BlocksProposed uint64          `json:"blocksProposed"`
	BlocksSigned   uint64          `json:"blocksSigned"`
}

// ValidatorSet is an immutable snapshot of the registry taken at a round
// boundary. Validators are sorted by address; TotalStake covers active
// validators only, so jailed stake is excluded from the threshold
// denominator.
type ValidatorSet struct {
	Validators []*Validator
	TotalStake uint64
}

// NewValidatorSet builds a snapshot from active validators.
func NewValidatorSet(validators []*Validator) *ValidatorSet {
	set := &ValidatorSet{}
	for _, v := range validators {
		if v.Status != ValidatorActive {
			continue
		}
		set.Validators = append(set.Validators, v)
		set.TotalStake += v.Stake
	}
	sort.Slice(set.Validators, func(i, j int) bool {
		return set.Validators[i].Address < set.Validators[j].Address
	})
	return set
}

// Get returns the active validator with the given address, or nil.
func (s *ValidatorSet) Get(address string) *Validator {
	i := sort.Search(len(s.Validators), func(i int) bool {
		return s.Validators[i].Address >= address
	})
	if i < len(s.Validators) && s.Validators[i].Address == address {
		return s.Validators[i]
	}
	return nil
}

// Len returns the number of active validators in the snapshot.
func (s *ValidatorSet) Len() int { return len(s.Validators) }

// BlockSignature is one validator's signature over a block hash.
type BlockSignature struct {
	Validator string `json:"validator"`
	Signature []byte `json:"signature"`
}
