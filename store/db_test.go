package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

func openTestDB(t *testing.T) *BlockchainDB {
	t.Helper()
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAccountRoundtrip(t *testing.T) {
	db := openTestDB(t)

	acc := &types.Account{Address: "sn1alice", Balance: 500, Nonce: 3}
	require.NoError(t, db.PutAccount(2, acc))

	got, err := db.GetAccount(2, "sn1alice")
	require.NoError(t, err)
	require.Equal(t, acc, got)

	// Same address under a different shard key is a different record.
	other, err := db.GetAccount(3, "sn1alice")
	require.NoError(t, err)
	require.Nil(t, other)

	missing, err := db.GetAccount(2, "sn1ghost")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestAccountsForShard(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutAccount(1, &types.Account{Address: "sn1a", Balance: 1}))
	require.NoError(t, db.PutAccount(1, &types.Account{Address: "sn1b", Balance: 2}))
	require.NoError(t, db.PutAccount(2, &types.Account{Address: "sn1c", Balance: 3}))

	accounts, err := db.AccountsForShard(1)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	accounts, err = db.AccountsForShard(5)
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestBlockRoundtrip(t *testing.T) {
	db := openTestDB(t)

	block := &types.Block{
		Height:   7,
		Hash:     hash.NewHash([]byte("seven")),
		PrevHash: hash.NewHash([]byte("six")),
		Proposer: "sn1prop",
	}
	require.NoError(t, db.SaveBlock(block))

	got, err := db.GetBlock(7)
	require.NoError(t, err)
	require.Equal(t, block.Height, got.Height)
	require.True(t, block.Hash.Equal(got.Hash))

	_, err = db.GetBlock(8)
	require.Error(t, err)
}

func TestHeightRoundtrip(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.Height()
	require.NoError(t, err)
	require.False(t, ok, "fresh store has no chain")

	require.NoError(t, db.SetHeight(42))
	height, ok, err := db.Height()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), height)
}

func TestShardCountRoundtrip(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.ShardCount()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetShardCount(16))
	count, ok, err := db.ShardCount()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 16, count)
}

func TestReshardAccountsRewritesKeys(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutAccount(1, &types.Account{Address: "sn1a", Balance: 10}))
	require.NoError(t, db.PutAccount(3, &types.Account{Address: "sn1b", Balance: 20}))

	require.NoError(t, db.ReshardAccounts(map[types.ShardID][]*types.Account{
		5: {{Address: "sn1a", Balance: 10}},
		9: {{Address: "sn1b", Balance: 20}},
	}, 16))

	// Old keys are gone, new keys resolve.
	old, err := db.GetAccount(1, "sn1a")
	require.NoError(t, err)
	require.Nil(t, old)
	moved, err := db.GetAccount(5, "sn1a")
	require.NoError(t, err)
	require.Equal(t, uint64(10), moved.Balance)

	count, ok, err := db.ShardCount()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 16, count)
}

func TestSnapshotRestore(t *testing.T) {
	src := openTestDB(t)
	require.NoError(t, src.PutAccount(0, &types.Account{Address: "sn1a", Balance: 99}))
	require.NoError(t, src.SetHeight(5))

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(&buf))

	dst := openTestDB(t)
	require.NoError(t, dst.Restore(&buf))

	acc, err := dst.GetAccount(0, "sn1a")
	require.NoError(t, err)
	require.Equal(t, uint64(99), acc.Balance)
	height, ok, err := dst.Height()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), height)
}
