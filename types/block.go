package types

import "github.com/sultan-labs/sultan/crypto/hash"

// Block is one finalized unit of the chain. Height starts at 0 (genesis) and
// increases by exactly one per finalized block. StateRoot is the aggregate
// digest over the per-shard digests and must be recomputable from them.
type Block struct {
	Height       uint64           `json:"height"`
	Timestamp    int64            `json:"timestamp"`
	PrevHash     hash.Hash        `json:"prevHash"`
	Hash         hash.Hash        `json:"hash"`
	ShardDigests []ShardDigest    `json:"shardDigests"`
	StateRoot    hash.Hash        `json:"stateRoot"`
	Transactions []*Transaction   `json:"transactions"`
	Proposer     string           `json:"proposer"`
	Signatures   []BlockSignature `json:"signatures"`
}

// SignedStake sums the stake behind the block's signatures as valued by the
// given snapshot. Signatures from unknown or jailed validators count zero.
func (b *Block) SignedStake(set *ValidatorSet) uint64 {
	var total uint64
	seen := make(map[string]struct{}, len(b.Signatures))
	for _, sig := range b.Signatures {
		if _, dup := seen[sig.Validator]; dup {
			continue
		}
		seen[sig.Validator] = struct{}{}
		if v := set.Get(sig.Validator); v != nil {
			total += v.Stake
		}
	}
	return total
}
