// Package node wires storage, sharding, consensus, and block production
// into a running validator and backs the HTTP surface.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/chain"
	"github.com/sultan-labs/sultan/config"
	"github.com/sultan-labs/sultan/consensus"
	"github.com/sultan-labs/sultan/crypto/address"
	"github.com/sultan-labs/sultan/network"
	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/store"
	"github.com/sultan-labs/sultan/types"
)

// Governance events queue here until the gap between rounds; a mid-round
// submission never touches the active validator snapshot.
const governanceQueueSize = 256

// Validators jailed without an explicit release stay out this many blocks.
const defaultJailBlocks = 100

type Node struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *store.BlockchainDB
	coord     *shard.Coordinator
	registry  *consensus.Registry
	pool      *chain.TxPool
	producer  *chain.Producer
	collector *LocalCollector
	hub       *network.Hub
	gossip    types.NetworkInterface

	operatorAddr string
	governance   chan types.GovernanceEvent
}

// New builds a node from configuration, creating genesis state on first
// start and resuming from the store otherwise.
func New(cfg *config.Config, log *zap.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := store.Open(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		log:        log.Named("node"),
		db:         db,
		registry:   consensus.NewRegistry(cfg.MinimumValidatorStake, log),
		pool:       chain.NewTxPool(cfg.TxPoolSize),
		collector:  NewLocalCollector(),
		hub:        network.NewHub(log),
		governance: make(chan types.GovernanceEvent, governanceQueueSize),
	}
	n.gossip = n.hub

	_, hasChain, err := db.Height()
	if err != nil {
		db.Close()
		return nil, err
	}

	shardCount := cfg.InitialShardCount
	if hasChain {
		persisted, ok, err := db.ShardCount()
		if err != nil {
			db.Close()
			return nil, err
		}
		if ok {
			shardCount = persisted
		}
	}
	maxShards := cfg.MaxShardCount
	if shardCount > maxShards {
		maxShards = shardCount
	}

	n.coord, err = shard.NewCoordinator(shard.Config{
		InitialShardCount: shardCount,
		MaxShardCount:     maxShards,
		CapacityPerShard:  cfg.CapacityPerShard,
		ExpandThreshold:   cfg.ExpansionLoadThreshold,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	if hasChain {
		err = n.loadAccounts(shardCount)
	} else {
		err = n.createGenesis()
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := n.seedValidators(); err != nil {
		db.Close()
		return nil, err
	}

	n.producer, err = chain.NewProducer(chain.ProducerConfig{
		BlockInterval: cfg.BlockInterval,
		RoundTimeout:  cfg.RoundTimeout,
		MaxBlockTxs:   cfg.MaxBlockTxs,
		Threshold: consensus.Threshold{
			Numerator:   cfg.ThresholdNumerator,
			Denominator: cfg.ThresholdDenominator,
		},
	}, n.coord, n.registry, n.db, n.collector, n.pool, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	n.producer.SetBeforeRound(n.beforeRound)
	n.producer.SetOnFinalized(func(block *types.Block) {
		if err := n.gossip.BroadcastBlock(block); err != nil {
			n.log.Warn("failed to broadcast block", zap.Error(err))
		}
	})
	return n, nil
}

// createGenesis seeds allocations into the shards and writes block zero.
func (n *Node) createGenesis() error {
	for addr, balance := range n.cfg.Genesis.Allocations {
		if !address.Validate(addr) {
			return fmt.Errorf("genesis allocation for invalid address %s", addr)
		}
		acc := &types.Account{Address: addr, Balance: balance}
		n.coord.InitAccount(acc)
		shardID := shard.ShardOf(addr, n.coord.ShardCount())
		if err := n.db.PutAccount(shardID, acc); err != nil {
			return err
		}
	}

	genesis := chain.NewGenesisBlock(n.coord.Digests())
	if err := n.db.SaveBlock(genesis); err != nil {
		return err
	}
	if err := n.db.SetHeight(0); err != nil {
		return err
	}
	if err := n.db.SetShardCount(n.coord.ShardCount()); err != nil {
		return err
	}
	n.log.Info("created genesis block",
		zap.String("hash", genesis.Hash.String()),
		zap.Int("allocations", len(n.cfg.Genesis.Allocations)))
	return nil
}

// loadAccounts restores every persisted account into its shard ledger.
func (n *Node) loadAccounts(shardCount int) error {
	total := 0
	for id := 0; id < shardCount; id++ {
		accounts, err := n.db.AccountsForShard(types.ShardID(id))
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			n.coord.InitAccount(acc)
		}
		total += len(accounts)
	}
	n.log.Info("resumed ledger state",
		zap.Int("shards", shardCount), zap.Int("accounts", total))
	return nil
}

// seedValidators registers the genesis validator set, or the operator key
// alone when none is configured. The operator key is always loaded so this
// process can sign for itself.
func (n *Node) seedValidators() error {
	key, addr, err := loadOrCreateOperatorKey(n.cfg.DataDir)
	if err != nil {
		return err
	}
	n.operatorAddr = addr
	n.collector.AddKey(addr, key)

	if len(n.cfg.Genesis.Validators) == 0 {
		if err := n.registry.Add(addr, n.cfg.MinimumValidatorStake, key.Public().Bytes()); err != nil {
			return err
		}
		n.log.Info("registered operator as sole validator", zap.String("address", addr))
		return nil
	}

	for _, gv := range n.cfg.Genesis.Validators {
		pubKey, err := hex.DecodeString(gv.PublicKey)
		if err != nil {
			return fmt.Errorf("genesis validator %s has invalid public key: %w", gv.Address, err)
		}
		if err := n.registry.Add(gv.Address, gv.Stake, pubKey); err != nil {
			return fmt.Errorf("failed to register genesis validator %s: %w", gv.Address, err)
		}
	}
	return nil
}

// Run drives the websocket hub and the block production loop until ctx is
// canceled or production fails.
func (n *Node) Run(ctx context.Context) error {
	go n.hub.Run(ctx)
	return n.producer.Run(ctx)
}

// Close releases the store.
func (n *Node) Close() error {
	return n.db.Close()
}

// Hub exposes the websocket hub for route registration.
func (n *Node) Hub() *network.Hub { return n.hub }

// beforeRound applies queued governance and checks shard load. Both only
// ever run here, in the gap between rounds.
func (n *Node) beforeRound() {
	for {
		select {
		case ev := <-n.governance:
			n.applyGovernance(ev)
		default:
			if n.coord.MaybeExpand() {
				n.persistTopology()
			}
			return
		}
	}
}

func (n *Node) applyGovernance(ev types.GovernanceEvent) {
	var err error
	switch ev.Kind {
	case types.GovAddValidator:
		err = n.registry.Add(ev.Address, ev.Stake, ev.PublicKey)
	case types.GovRemoveValidator:
		err = n.registry.Remove(ev.Address)
	case types.GovUpdateStake:
		err = n.registry.UpdateStake(ev.Address, ev.Stake)
	case types.GovJailValidator:
		until := ev.UntilHeight
		if until == 0 {
			until = n.producer.Height() + defaultJailBlocks
		}
		err = n.registry.Jail(ev.Address, ev.Reason, until)
	case types.GovUnjailValidator:
		err = n.registry.Unjail(ev.Address)
	case types.GovSetShardLimits:
		err = n.coord.SetLimits(ev.MaxShardCount, ev.ExpandThreshold)
	default:
		err = fmt.Errorf("unknown governance event kind %q", ev.Kind)
	}
	if err != nil {
		n.log.Warn("governance event rejected",
			zap.String("kind", string(ev.Kind)),
			zap.String("address", ev.Address),
			zap.Error(err))
	}
}

// persistTopology rewrites account keys after a shard expansion.
func (n *Node) persistTopology() {
	count := n.coord.ShardCount()
	byShard := make(map[types.ShardID][]*types.Account, count)
	for id := 0; id < count; id++ {
		byShard[types.ShardID(id)] = n.coord.Ledger(types.ShardID(id)).Accounts()
	}
	if err := n.db.ReshardAccounts(byShard, count); err != nil {
		n.log.Error("failed to persist resharded accounts", zap.Error(err))
		return
	}
	n.log.Info("persisted expanded topology", zap.Int("shards", count))
}

// SubmitGovernance queues a validator-set or shard-config change for the
// next inter-round gap.
func (n *Node) SubmitGovernance(ev types.GovernanceEvent) error {
	select {
	case n.governance <- ev:
		return nil
	default:
		return fmt.Errorf("governance queue full")
	}
}

// SubmitTransaction admits a transaction to the pool.
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	if !address.Validate(tx.From) || !address.Validate(tx.To) {
		return fmt.Errorf("malformed address in transaction")
	}
	return n.pool.Add(tx)
}

// Status reports the operator-facing node summary.
func (n *Node) Status() network.NodeStatus {
	stats := n.coord.Stats()
	height := n.producer.Height()
	lastHash := ""
	if block, err := n.db.GetBlock(height); err == nil {
		lastHash = block.Hash.String()
	}
	set := n.registry.Snapshot()
	return network.NodeStatus{
		Height:       height,
		LastHash:     lastHash,
		Validators:   set.Len(),
		TotalStake:   set.TotalStake,
		ShardCount:   stats.ShardCount,
		PoolSize:     n.pool.Size(),
		StalledRound: n.producer.Stalled(),
		CurrentLoad:  stats.CurrentLoad,
	}
}

// Validators lists every registered validator, jailed included.
func (n *Node) Validators() []*types.Validator {
	return n.registry.All()
}

// ShardStats reports the coordinator's load view.
func (n *Node) ShardStats() types.ShardStats {
	return n.coord.Stats()
}

// Balance looks an account up in its shard ledger.
func (n *Node) Balance(addr string) (uint64, error) {
	if !address.Validate(addr) {
		return 0, fmt.Errorf("invalid address %s", addr)
	}
	acc := n.coord.LedgerFor(addr).Account(addr)
	if acc == nil {
		return 0, fmt.Errorf("account %s not found", addr)
	}
	return acc.Balance, nil
}

// Block loads a finalized block by height.
func (n *Node) Block(height uint64) (*types.Block, error) {
	return n.db.GetBlock(height)
}
