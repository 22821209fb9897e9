package shard

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/types"
)

func TestCrossShardTransferCommits(t *testing.T) {
	coord, err := NewCoordinator(testConfig(), nil)
	require.NoError(t, err)

	a := addrInShard(t, 2, 8)
	b := addrInShard(t, 5, 8)
	coord.InitAccount(&types.Account{Address: a, Balance: 100, Nonce: 5})
	coord.InitAccount(&types.Account{Address: b, Balance: 0})

	tx := newTx(a, b, 30, 5)
	batch, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, batch.Accepted, 1)

	require.Equal(t, uint64(70), coord.Balance(a))
	require.Equal(t, uint64(6), coord.LedgerFor(a).Account(a).Nonce)
	require.Equal(t, uint64(30), coord.Balance(b))

	transfer, ok := coord.Transfers().Lookup(tx)
	require.True(t, ok)
	require.Equal(t, types.TransferCommitted, transfer.Phase)
	require.Equal(t, types.ShardID(2), transfer.Source)
	require.Equal(t, types.ShardID(5), transfer.Dest)
	require.False(t, transfer.Proof.IsNull())
}

func TestCrossShardTransferAbortRestoresSource(t *testing.T) {
	coord, err := NewCoordinator(testConfig(), nil)
	require.NoError(t, err)

	a := addrInShard(t, 1, 8)
	b := addrInShard(t, 4, 8)
	coord.InitAccount(&types.Account{Address: a, Balance: 100, Nonce: 3})

	// Destination shard refuses every commit attempt.
	attempts := 0
	coord.Transfers().beforeCommit = func(*Transfer) error {
		attempts++
		return fmt.Errorf("destination rejected credit")
	}

	tx := newTx(a, b, 40, 3)
	batch, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Empty(t, batch.Accepted)
	require.Len(t, batch.Rejected, 1)
	require.Equal(t, types.ReasonTransferAborted, batch.Rejected[0].Reason)
	require.Equal(t, maxTransferRetries, attempts)

	// The deduction was reversed and nothing landed on the destination.
	require.Equal(t, uint64(100), coord.Balance(a))
	require.Equal(t, uint64(3), coord.LedgerFor(a).Account(a).Nonce)
	require.Equal(t, uint64(0), coord.Balance(b))

	transfer, ok := coord.Transfers().Lookup(tx)
	require.True(t, ok)
	require.Equal(t, types.TransferAborted, transfer.Phase)
}

func TestCrossShardTransferInvalidNeverLocks(t *testing.T) {
	coord, err := NewCoordinator(testConfig(), nil)
	require.NoError(t, err)

	a := addrInShard(t, 0, 8)
	b := addrInShard(t, 7, 8)
	coord.InitAccount(&types.Account{Address: a, Balance: 10})

	batch, err := coord.ProcessBatch(context.Background(), []*types.Transaction{
		newTx(a, b, 50, 0), // exceeds balance
	})
	require.NoError(t, err)
	require.Len(t, batch.Rejected, 1)
	require.Equal(t, types.ReasonInsufficientBalance, batch.Rejected[0].Reason)
	require.Equal(t, uint64(10), coord.Balance(a))
}

func TestCrossShardRejectedTransferResubmittable(t *testing.T) {
	coord, err := NewCoordinator(testConfig(), nil)
	require.NoError(t, err)

	a := addrInShard(t, 1, 8)
	b := addrInShard(t, 6, 8)
	coord.InitAccount(&types.Account{Address: a, Balance: 10})

	tx := newTx(a, b, 50, 0)
	first, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, first.Rejected, 1)
	require.Equal(t, types.ReasonInsufficientBalance, first.Rejected[0].Reason)
	coord.Commit()

	// Nothing locked, so the rejection leaves no idempotency record.
	_, recorded := coord.Transfers().Lookup(tx)
	require.False(t, recorded)

	// Once the sender is funded the identical signed transaction goes
	// through; only an applied deduction may block a replay.
	coord.InitAccount(&types.Account{Address: a, Balance: 100})
	retry, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, retry.Accepted, 1)
	require.Equal(t, uint64(50), coord.Balance(a))
	require.Equal(t, uint64(50), coord.Balance(b))
}

func TestCrossShardDuplicateDropped(t *testing.T) {
	coord, err := NewCoordinator(testConfig(), nil)
	require.NoError(t, err)

	a := addrInShard(t, 2, 8)
	b := addrInShard(t, 6, 8)
	coord.InitAccount(&types.Account{Address: a, Balance: 100})

	tx := newTx(a, b, 30, 0)
	first, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, first.Accepted, 1)
	coord.Commit()

	// The identical submission must not double-apply, even in a later round.
	replay, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Empty(t, replay.Accepted)
	require.Len(t, replay.Rejected, 1)
	require.Equal(t, types.ReasonDuplicate, replay.Rejected[0].Reason)
	require.Equal(t, uint64(70), coord.Balance(a))
	require.Equal(t, uint64(30), coord.Balance(b))
}

func TestCrossShardRollbackAllowsRerun(t *testing.T) {
	coord, err := NewCoordinator(testConfig(), nil)
	require.NoError(t, err)

	a := addrInShard(t, 3, 8)
	b := addrInShard(t, 5, 8)
	coord.InitAccount(&types.Account{Address: a, Balance: 100})

	tx := newTx(a, b, 30, 0)
	_, err = coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	coord.Rollback()
	require.Equal(t, uint64(100), coord.Balance(a))

	// After a round rollback the same transaction is legitimate again.
	rerun, err := coord.ProcessBatch(context.Background(), []*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, rerun.Accepted, 1)
	require.Equal(t, uint64(70), coord.Balance(a))
	require.Equal(t, uint64(30), coord.Balance(b))
}
