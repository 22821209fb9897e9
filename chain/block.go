package chain

import (
	"fmt"
	"sort"
	"time"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// NewBlock assembles a candidate block for the given height. The per-shard
// digests are stored sorted by shard id so serialization is canonical, and
// the global state root is the aggregate digest over them in that order.
func NewBlock(height uint64, prevHash hash.Hash, txs []*types.Transaction,
	digests []types.ShardDigest, proposer string) *types.Block {

	sorted := make([]types.ShardDigest, len(digests))
	copy(sorted, digests)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Shard < sorted[j].Shard })

	block := &types.Block{
		Height:       height,
		Timestamp:    time.Now().Unix(),
		PrevHash:     prevHash,
		ShardDigests: sorted,
		StateRoot:    ComputeStateRoot(sorted),
		Transactions: txs,
		Proposer:     proposer,
	}
	block.Hash = ComputeBlockHash(block)
	return block
}

// NewGenesisBlock creates the height-0 block the chain is built on.
func NewGenesisBlock(digests []types.ShardDigest) *types.Block {
	sorted := make([]types.ShardDigest, len(digests))
	copy(sorted, digests)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Shard < sorted[j].Shard })

	block := &types.Block{
		Height:       0,
		Timestamp:    time.Now().Unix(),
		PrevHash:     hash.NullHash(),
		ShardDigests: sorted,
		StateRoot:    ComputeStateRoot(sorted),
		Proposer:     "genesis",
	}
	block.Hash = ComputeBlockHash(block)
	return block
}

// ComputeStateRoot aggregates the per-shard digests, in ascending shard
// order, into the global state root.
func ComputeStateRoot(digests []types.ShardDigest) hash.Hash {
	var buf []byte
	for _, d := range digests {
		buf = append(buf, fmt.Sprintf("%d:", d.Shard)...)
		buf = append(buf, d.Digest.Bytes()...)
	}
	return hash.NewHash(buf)
}

// ComputeBlockHash hashes the canonical header bytes. Signatures and the
// hash itself are excluded: validators sign the hash, so it cannot cover
// them.
func ComputeBlockHash(b *types.Block) hash.Hash {
	buf := []byte(fmt.Sprintf("%d:%d:%s:%s:%s:",
		b.Height, b.Timestamp, b.PrevHash.String(), b.StateRoot.String(), b.Proposer))
	for _, d := range b.ShardDigests {
		buf = append(buf, fmt.Sprintf("%d:%s:", d.Shard, d.Digest.String())...)
	}
	for _, tx := range b.Transactions {
		txh := tx.Hash()
		buf = append(buf, txh.Bytes()...)
	}
	return hash.NewHash(buf)
}

// Verify checks a block's internal integrity and its link to the previous
// block: height must be prev+1, the previous hash must match, the state root
// must be recomputable from the shard digests, and the block hash must match
// its contents.
func Verify(prev, b *types.Block) error {
	if b.Height != prev.Height+1 {
		return fmt.Errorf("height %d does not follow %d", b.Height, prev.Height)
	}
	if !b.PrevHash.Equal(prev.Hash) {
		return fmt.Errorf("previous hash mismatch at height %d", b.Height)
	}
	if !b.StateRoot.Equal(ComputeStateRoot(b.ShardDigests)) {
		return fmt.Errorf("state root not recomputable from shard digests at height %d", b.Height)
	}
	if !b.Hash.Equal(ComputeBlockHash(b)) {
		return fmt.Errorf("block hash does not match contents at height %d", b.Height)
	}
	return nil
}
