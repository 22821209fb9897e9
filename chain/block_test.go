package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

func testDigests() []types.ShardDigest {
	return []types.ShardDigest{
		{Shard: 1, Digest: hash.NewHash([]byte("one"))},
		{Shard: 0, Digest: hash.NewHash([]byte("zero"))},
	}
}

func TestNewGenesisBlock(t *testing.T) {
	g := NewGenesisBlock(testDigests())
	require.Equal(t, uint64(0), g.Height)
	require.True(t, g.PrevHash.IsNull())
	require.Equal(t, "genesis", g.Proposer)
	require.False(t, g.Hash.IsNull())

	// Digests are stored in shard order regardless of input order.
	require.Equal(t, types.ShardID(0), g.ShardDigests[0].Shard)
	require.Equal(t, types.ShardID(1), g.ShardDigests[1].Shard)
}

func TestNewBlockCanonicalDigestOrder(t *testing.T) {
	g := NewGenesisBlock(nil)
	a := NewBlock(1, g.Hash, nil, testDigests(), "sn1prop")
	reversed := []types.ShardDigest{testDigests()[1], testDigests()[0]}
	b := NewBlock(1, g.Hash, nil, reversed, "sn1prop")

	require.True(t, a.StateRoot.Equal(b.StateRoot))
}

func TestVerifyLinksBlocks(t *testing.T) {
	g := NewGenesisBlock(testDigests())
	b := NewBlock(1, g.Hash, nil, testDigests(), "sn1prop")
	require.NoError(t, Verify(g, b))
}

func TestVerifyRejectsTampering(t *testing.T) {
	g := NewGenesisBlock(testDigests())
	b := NewBlock(1, g.Hash, nil, testDigests(), "sn1prop")

	wrongHeight := *b
	wrongHeight.Height = 5
	require.Error(t, Verify(g, &wrongHeight))

	wrongPrev := *b
	wrongPrev.PrevHash = hash.NewHash([]byte("elsewhere"))
	require.Error(t, Verify(g, &wrongPrev))

	wrongRoot := *b
	wrongRoot.StateRoot = hash.NewHash([]byte("forged"))
	require.Error(t, Verify(g, &wrongRoot))

	// Mutating contents without rehashing breaks the block hash.
	wrongTxs := *b
	wrongTxs.Transactions = []*types.Transaction{{From: "sn1x", To: "sn1y", Amount: 1, Signature: []byte("s")}}
	require.Error(t, Verify(g, &wrongTxs))
}

func TestBlockHashExcludesSignatures(t *testing.T) {
	g := NewGenesisBlock(testDigests())
	b := NewBlock(1, g.Hash, nil, testDigests(), "sn1prop")
	before := b.Hash

	// Validators sign the hash, so attaching signatures must not change it.
	b.Signatures = []types.BlockSignature{{Validator: "sn1val", Signature: []byte("sig")}}
	require.True(t, before.Equal(ComputeBlockHash(b)))
	require.NoError(t, Verify(g, b))
}
