package consensus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// signingSet builds a validator set with real keys so signatures verify.
func signingSet(t *testing.T, stakes ...uint64) (*types.ValidatorSet, map[string]crypto.PrivateKey) {
	t.Helper()
	keys := make(map[string]crypto.PrivateKey, len(stakes))
	validators := make([]*types.Validator, len(stakes))
	for i, stake := range stakes {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		addr := fmt.Sprintf("sn1val%02d", i)
		keys[addr] = key
		validators[i] = &types.Validator{
			Address:   addr,
			PublicKey: key.Public().Bytes(),
			Stake:     stake,
			Status:    types.ValidatorActive,
		}
	}
	return types.NewValidatorSet(validators), keys
}

func testBlock() *types.Block {
	return &types.Block{Height: 1, Hash: hash.NewHash([]byte("candidate"))}
}

func sign(keys map[string]crypto.PrivateKey, addr string, block *types.Block) types.BlockSignature {
	return types.BlockSignature{Validator: addr, Signature: keys[addr].Sign(block.Hash.Bytes())}
}

func TestThresholdRequiredStake(t *testing.T) {
	th := DefaultThreshold()
	require.Equal(t, uint64(67), th.RequiredStake(100))
	require.Equal(t, uint64(3), th.RequiredStake(3))
	require.Equal(t, uint64(1), th.RequiredStake(0))
}

func TestRoundReachesThreshold(t *testing.T) {
	set, keys := signingSet(t, 40, 30, 20, 10)
	round, err := NewRound(1, 1, set, DefaultThreshold(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(67), round.RequiredStake())

	block := testBlock()

	// 40 alone is not enough.
	reached, err := round.AddSignature(block, sign(keys, "sn1val00", block))
	require.NoError(t, err)
	require.False(t, reached)
	require.Equal(t, CollectingSignatures, round.State())

	// 40 + 30 = 70 >= 67.
	reached, err = round.AddSignature(block, sign(keys, "sn1val01", block))
	require.NoError(t, err)
	require.True(t, reached)
	require.Equal(t, RoundFinalized, round.State())
	require.Equal(t, uint64(70), round.SignedStake())
	require.Len(t, round.Signatures(), 2)
}

func TestRoundBelowThresholdStaysOpen(t *testing.T) {
	set, keys := signingSet(t, 40, 30, 20, 10)
	round, err := NewRound(1, 1, set, DefaultThreshold(), nil)
	require.NoError(t, err)

	block := testBlock()

	// 40 + 20 = 60 < 67.
	_, err = round.AddSignature(block, sign(keys, "sn1val00", block))
	require.NoError(t, err)
	reached, err := round.AddSignature(block, sign(keys, "sn1val02", block))
	require.NoError(t, err)
	require.False(t, reached)
	require.Equal(t, CollectingSignatures, round.State())
}

func TestRoundRejectsBadSigners(t *testing.T) {
	set, keys := signingSet(t, 40, 30, 20, 10)
	round, err := NewRound(1, 1, set, DefaultThreshold(), nil)
	require.NoError(t, err)

	block := testBlock()

	// Unknown validator.
	_, err = round.AddSignature(block, types.BlockSignature{Validator: "sn1ghost", Signature: []byte("x")})
	require.ErrorIs(t, err, ErrSignerNotInSet)

	// Wrong key for the claimed validator.
	_, err = round.AddSignature(block, types.BlockSignature{
		Validator: "sn1val00",
		Signature: keys["sn1val01"].Sign(block.Hash.Bytes()),
	})
	require.ErrorIs(t, err, ErrBadBlockSignature)

	// Duplicate does not double-count stake.
	_, err = round.AddSignature(block, sign(keys, "sn1val00", block))
	require.NoError(t, err)
	_, err = round.AddSignature(block, sign(keys, "sn1val00", block))
	require.ErrorIs(t, err, ErrDuplicateSignature)
	require.Equal(t, uint64(40), round.SignedStake())
}

func TestRoundTimeoutDiscardsSignatures(t *testing.T) {
	set, keys := signingSet(t, 40, 30, 20, 10)
	round, err := NewRound(1, 1, set, DefaultThreshold(), nil)
	require.NoError(t, err)

	block := testBlock()
	_, err = round.AddSignature(block, sign(keys, "sn1val00", block))
	require.NoError(t, err)

	round.Timeout()
	require.Equal(t, RoundTimedOut, round.State())
	require.Empty(t, round.Signatures())
	require.Equal(t, uint64(0), round.SignedStake())

	// A dead round accepts nothing further.
	_, err = round.AddSignature(block, sign(keys, "sn1val01", block))
	require.ErrorIs(t, err, ErrRoundClosed)
}

func TestBlockSignedStake(t *testing.T) {
	set, keys := signingSet(t, 40, 30, 20, 10)
	block := testBlock()

	block.Signatures = []types.BlockSignature{
		sign(keys, "sn1val00", block),
		sign(keys, "sn1val02", block),
		sign(keys, "sn1val00", block), // duplicate counts once
		{Validator: "sn1ghost", Signature: []byte("x")}, // unknown counts zero
	}
	require.Equal(t, uint64(60), block.SignedStake(set))
}

func TestVerifyBlockSignatures(t *testing.T) {
	set, keys := signingSet(t, 40, 30, 20, 10)
	block := testBlock()

	block.Signatures = []types.BlockSignature{
		sign(keys, "sn1val00", block),
		sign(keys, "sn1val01", block),
	}
	require.NoError(t, VerifyBlockSignatures(block, set, DefaultThreshold()))

	// Insufficient stake.
	block.Signatures = []types.BlockSignature{
		sign(keys, "sn1val00", block),
		sign(keys, "sn1val02", block),
	}
	require.Error(t, VerifyBlockSignatures(block, set, DefaultThreshold()))

	// Duplicates cannot inflate stake past the threshold.
	block.Signatures = []types.BlockSignature{
		sign(keys, "sn1val00", block),
		sign(keys, "sn1val00", block),
		sign(keys, "sn1val00", block),
	}
	require.Error(t, VerifyBlockSignatures(block, set, DefaultThreshold()))
}
