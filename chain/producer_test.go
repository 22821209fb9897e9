package chain

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/consensus"
	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/types"
)

// memStore is an in-memory types.Store for pipeline tests.
type memStore struct {
	accounts map[string]*types.Account
	blocks   map[uint64]*types.Block
	height   uint64
	hasChain bool
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*types.Account),
		blocks:   make(map[uint64]*types.Block),
	}
}

func (m *memStore) GetAccount(shardID types.ShardID, address string) (*types.Account, error) {
	return m.accounts[fmt.Sprintf("%d-%s", shardID, address)].Clone(), nil
}

func (m *memStore) PutAccount(shardID types.ShardID, acc *types.Account) error {
	if m.failNext {
		return fmt.Errorf("disk gone")
	}
	m.accounts[fmt.Sprintf("%d-%s", shardID, acc.Address)] = acc.Clone()
	return nil
}

func (m *memStore) SaveBlock(block *types.Block) error {
	if m.failNext {
		return fmt.Errorf("disk gone")
	}
	m.blocks[block.Height] = block
	return nil
}

func (m *memStore) GetBlock(height uint64) (*types.Block, error) {
	b, ok := m.blocks[height]
	if !ok {
		return nil, fmt.Errorf("block %d not found", height)
	}
	return b, nil
}

func (m *memStore) Height() (uint64, bool, error) { return m.height, m.hasChain, nil }

func (m *memStore) SetHeight(height uint64) error {
	m.height = height
	m.hasChain = true
	return nil
}

func (m *memStore) Snapshot(io.Writer) error { return nil }
func (m *memStore) Restore(io.Reader) error  { return nil }
func (m *memStore) Close() error             { return nil }

// signingCollector signs with every key it holds, like a quorum of
// well-behaved validators.
type signingCollector struct {
	keys      map[string]crypto.PrivateKey
	mute      bool     // when set, no one signs
	proposers []string // block proposers observed, in call order
}

func (c *signingCollector) CollectSignatures(ctx context.Context, block *types.Block, set *types.ValidatorSet) ([]types.BlockSignature, error) {
	c.proposers = append(c.proposers, block.Proposer)
	if c.mute {
		return nil, nil
	}
	var sigs []types.BlockSignature
	for _, v := range set.Validators {
		if key, ok := c.keys[v.Address]; ok {
			sigs = append(sigs, types.BlockSignature{Validator: v.Address, Signature: key.Sign(block.Hash.Bytes())})
		}
	}
	return sigs, nil
}

type pipeline struct {
	coord     *shard.Coordinator
	registry  *consensus.Registry
	store     *memStore
	collector *signingCollector
	pool      *TxPool
	producer  *Producer
}

func newPipeline(t *testing.T, validatorStakes []uint64) *pipeline {
	t.Helper()

	coord, err := shard.NewCoordinator(shard.Config{
		InitialShardCount: 4,
		MaxShardCount:     16,
		CapacityPerShard:  100,
		ExpandThreshold:   0.8,
	}, nil)
	require.NoError(t, err)

	registry := consensus.NewRegistry(1, nil)
	collector := &signingCollector{keys: make(map[string]crypto.PrivateKey)}
	for i, stake := range validatorStakes {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		addr := fmt.Sprintf("sn1val%02d", i)
		require.NoError(t, registry.Add(addr, stake, key.Public().Bytes()))
		collector.keys[addr] = key
	}

	store := newMemStore()
	genesis := NewGenesisBlock(coord.Digests())
	require.NoError(t, store.SaveBlock(genesis))
	require.NoError(t, store.SetHeight(0))

	pool := NewTxPool(1000)
	producer, err := NewProducer(ProducerConfig{
		BlockInterval: 10 * time.Millisecond,
		RoundTimeout:  50 * time.Millisecond,
		MaxBlockTxs:   100,
		Threshold:     consensus.DefaultThreshold(),
	}, coord, registry, store, collector, pool, nil)
	require.NoError(t, err)

	return &pipeline{coord: coord, registry: registry, store: store,
		collector: collector, pool: pool, producer: producer}
}

func TestProducerRequiresGenesis(t *testing.T) {
	coord, err := shard.NewCoordinator(shard.Config{
		InitialShardCount: 1, MaxShardCount: 1, CapacityPerShard: 10, ExpandThreshold: 0.8,
	}, nil)
	require.NoError(t, err)

	_, err = NewProducer(ProducerConfig{}, coord, consensus.NewRegistry(1, nil),
		newMemStore(), &signingCollector{}, NewTxPool(10), nil)
	require.Error(t, err)
}

func TestProduceRoundFinalizesBlock(t *testing.T) {
	p := newPipeline(t, []uint64{40, 30, 20, 10})

	p.coord.InitAccount(&types.Account{Address: "sn1alice", Balance: 100})
	require.NoError(t, p.pool.Add(&types.Transaction{
		From: "sn1alice", To: "sn1bob", Amount: 30, Nonce: 0, Signature: []byte("sig"),
	}))

	outcome, err := p.producer.ProduceRound(context.Background())
	require.NoError(t, err)
	require.False(t, outcome.Stalled)
	require.NotNil(t, outcome.Block)
	require.Equal(t, uint64(1), outcome.Block.Height)
	require.Len(t, outcome.Block.Transactions, 1)
	require.Equal(t, uint64(1), p.producer.Height())
	require.False(t, p.producer.Stalled())

	// The block chains off genesis and carries a valid signature quorum.
	genesis, err := p.store.GetBlock(0)
	require.NoError(t, err)
	require.NoError(t, Verify(genesis, outcome.Block))
	require.NoError(t, consensus.VerifyBlockSignatures(
		outcome.Block, p.registry.Snapshot(), consensus.DefaultThreshold()))

	// Balances moved and were persisted.
	require.Equal(t, uint64(70), p.coord.Balance("sn1alice"))
	require.Equal(t, uint64(30), p.coord.Balance("sn1bob"))
	shardID := shard.ShardOf("sn1bob", p.coord.ShardCount())
	persisted, err := p.store.GetAccount(shardID, "sn1bob")
	require.NoError(t, err)
	require.Equal(t, uint64(30), persisted.Balance)
	require.Equal(t, 0, p.pool.Size())
}

func TestProduceRoundEmptyBlock(t *testing.T) {
	p := newPipeline(t, []uint64{100})

	outcome, err := p.producer.ProduceRound(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.Block)
	require.Empty(t, outcome.Block.Transactions)
	require.Equal(t, uint64(1), p.producer.Height())
}

func TestProduceRoundMissedThresholdRollsBack(t *testing.T) {
	p := newPipeline(t, []uint64{40, 30, 20, 10})

	p.coord.InitAccount(&types.Account{Address: "sn1alice", Balance: 100})
	tx := &types.Transaction{From: "sn1alice", To: "sn1bob", Amount: 30, Nonce: 0, Signature: []byte("sig")}
	require.NoError(t, p.pool.Add(tx))

	p.collector.mute = true
	outcome, err := p.producer.ProduceRound(context.Background())
	require.NoError(t, err, "a stalled round is not fatal")
	require.True(t, outcome.Stalled)
	require.Nil(t, outcome.Block)
	require.Equal(t, uint64(0), p.producer.Height())
	require.True(t, p.producer.Stalled())

	// The round's effects were rolled back and the transaction requeued.
	require.Equal(t, uint64(100), p.coord.Balance("sn1alice"))
	require.Equal(t, uint64(0), p.coord.Balance("sn1bob"))
	require.Equal(t, 1, p.pool.Size())

	// The next round retries the same height and succeeds.
	p.collector.mute = false
	outcome, err = p.producer.ProduceRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), outcome.Block.Height)
	require.Equal(t, uint64(70), p.coord.Balance("sn1alice"))
}

func TestProduceRoundStalledHeightRotatesProposers(t *testing.T) {
	p := newPipeline(t, []uint64{40, 30, 20, 10})
	p.collector.mute = true

	// Twenty stalled retries at the same height must not keep re-selecting
	// one proposer; otherwise a single dead validator halts the chain.
	for i := 0; i < 20; i++ {
		outcome, err := p.producer.ProduceRound(context.Background())
		require.NoError(t, err)
		require.True(t, outcome.Stalled)
	}
	require.Equal(t, uint64(0), p.producer.Height())

	distinct := make(map[string]struct{})
	for _, addr := range p.collector.proposers {
		distinct[addr] = struct{}{}
	}
	require.Greater(t, len(distinct), 1, "stalled height never rotated its proposer")
}

func TestProduceRoundNoValidatorsStalls(t *testing.T) {
	p := newPipeline(t, nil)

	outcome, err := p.producer.ProduceRound(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Stalled)
	require.Equal(t, uint64(0), p.producer.Height())
}

func TestProduceRoundStorageFailureIsFatal(t *testing.T) {
	p := newPipeline(t, []uint64{100})

	p.coord.InitAccount(&types.Account{Address: "sn1alice", Balance: 100})
	require.NoError(t, p.pool.Add(&types.Transaction{
		From: "sn1alice", To: "sn1bob", Amount: 10, Nonce: 0, Signature: []byte("sig"),
	}))

	p.store.failNext = true
	_, err := p.producer.ProduceRound(context.Background())
	require.Error(t, err)
}

func TestProduceRoundRunsBeforeRoundHook(t *testing.T) {
	p := newPipeline(t, []uint64{100})

	calls := 0
	p.producer.SetBeforeRound(func() { calls++ })
	var finalized *types.Block
	p.producer.SetOnFinalized(func(b *types.Block) { finalized = b })

	_, err := p.producer.ProduceRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.NotNil(t, finalized)
	require.Equal(t, uint64(1), finalized.Height)
}
