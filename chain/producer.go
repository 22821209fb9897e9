package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/consensus"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/types"
)

// ErrHalted is returned by Run after a fatal fault stops block production.
// Fatal faults (storage failure while finalizing, broken chain state) are
// never locally recoverable; continuing would risk inconsistent state.
var ErrHalted = errors.New("block production halted")

// ProducerConfig carries the pipeline timing and threshold parameters.
type ProducerConfig struct {
	BlockInterval time.Duration
	RoundTimeout  time.Duration
	MaxBlockTxs   int
	Threshold     consensus.Threshold
}

// RoundOutcome reports what one production round did. A stalled round
// (signature threshold missed) is an operator-visible condition distinct
// from a crash.
type RoundOutcome struct {
	Block    *types.Block
	Stalled  bool
	Rejected []types.TxResult
}

// Producer runs the block production pipeline: once per interval it selects
// the proposer, drains pending transactions, executes them through the shard
// coordinator, assembles a candidate block, collects validator signatures,
// and either finalizes (height+1) or rolls the round back wholesale.
type Producer struct {
	log       *zap.Logger
	cfg       ProducerConfig
	coord     *shard.Coordinator
	registry  *consensus.Registry
	store     types.Store
	collector types.SignatureCollector
	pool      *TxPool

	mu          sync.RWMutex
	height      uint64
	lastHash    hash.Hash
	roundNumber uint64
	lastStalled bool

	// beforeRound applies queued governance events and the expansion check
	// at the round boundary, never mid-round.
	beforeRound func()
	// onFinalized feeds finalized blocks to gossip and subscribers.
	onFinalized func(*types.Block)
}

// NewProducer resumes the pipeline from the chain tip recorded in the store.
func NewProducer(cfg ProducerConfig, coord *shard.Coordinator, registry *consensus.Registry,
	store types.Store, collector types.SignatureCollector, pool *TxPool, log *zap.Logger) (*Producer, error) {

	if log == nil {
		log = zap.NewNop()
	}
	height, ok, err := store.Height()
	if err != nil {
		return nil, fmt.Errorf("failed to read chain height: %w", err)
	}
	if !ok {
		return nil, errors.New("store has no chain; create genesis first")
	}
	tip, err := store.GetBlock(height)
	if err != nil {
		return nil, fmt.Errorf("failed to load tip block %d: %w", height, err)
	}

	return &Producer{
		log:       log.Named("producer"),
		cfg:       cfg,
		coord:     coord,
		registry:  registry,
		store:     store,
		collector: collector,
		pool:      pool,
		height:    height,
		lastHash:  tip.Hash,
	}, nil
}

// SetBeforeRound installs the between-rounds hook.
func (p *Producer) SetBeforeRound(fn func()) { p.beforeRound = fn }

// SetOnFinalized installs the finalized-block callback.
func (p *Producer) SetOnFinalized(fn func(*types.Block)) { p.onFinalized = fn }

// Height returns the last finalized height.
func (p *Producer) Height() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.height
}

// Stalled reports whether the most recent round missed its threshold.
func (p *Producer) Stalled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastStalled
}

// Run drives the pipeline until the context is cancelled or a fatal fault
// halts production.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.BlockInterval)
	defer ticker.Stop()

	p.log.Info("block production started",
		zap.Duration("interval", p.cfg.BlockInterval),
		zap.Uint64("height", p.Height()))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("block production stopped", zap.Uint64("height", p.Height()))
			return nil
		case <-ticker.C:
			if _, err := p.ProduceRound(ctx); err != nil {
				p.log.Error("fatal production fault", zap.Error(err))
				return fmt.Errorf("%w: %v", ErrHalted, err)
			}
		}
	}
}

// ProduceRound runs exactly one round. A nil error with Stalled=true means
// the round timed out and the same height will be attempted again; a non-nil
// error is fatal.
func (p *Producer) ProduceRound(ctx context.Context) (*RoundOutcome, error) {
	if p.beforeRound != nil {
		p.beforeRound()
	}

	p.mu.Lock()
	height := p.height + 1
	prevHash := p.lastHash
	p.roundNumber++
	roundNumber := p.roundNumber
	p.mu.Unlock()

	set := p.registry.Snapshot()
	round, err := consensus.NewRound(height, roundNumber, set, p.cfg.Threshold, p.log)
	if err != nil {
		// An empty validator set stalls the chain but is repaired by
		// governance, not by crashing.
		p.log.Warn("cannot open round", zap.Error(err))
		p.setStalled(true)
		return &RoundOutcome{Stalled: true}, nil
	}

	txs := p.pool.Drain(p.cfg.MaxBlockTxs)
	batch, err := p.coord.ProcessBatch(ctx, txs)
	if err != nil {
		p.coord.Rollback()
		p.pool.Requeue(txs)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &RoundOutcome{Stalled: true}, nil
		}
		return nil, fmt.Errorf("batch execution failed: %w", err)
	}

	block := NewBlock(height, prevHash, batch.Accepted, p.coord.Digests(), round.Proposer)

	sigCtx, cancel := context.WithTimeout(ctx, p.cfg.RoundTimeout)
	sigs, err := p.collector.CollectSignatures(sigCtx, block, set)
	cancel()
	if err != nil {
		p.log.Warn("signature collection failed",
			zap.Uint64("height", height), zap.Error(err))
	}

	reached := false
	for _, sig := range sigs {
		ok, err := round.AddSignature(block, sig)
		if err != nil {
			p.log.Debug("signature rejected",
				zap.String("validator", sig.Validator), zap.Error(err))
			continue
		}
		if ok {
			reached = true
			break
		}
	}

	if !reached {
		round.Timeout()
		p.coord.Rollback()
		p.pool.Requeue(batch.Accepted)
		p.setStalled(true)
		p.log.Warn("round discarded without threshold",
			zap.Uint64("height", height),
			zap.Uint64("round", roundNumber),
			zap.Uint64("signedStake", round.SignedStake()),
			zap.Uint64("required", round.RequiredStake()))
		return &RoundOutcome{Stalled: true, Rejected: batch.Rejected}, nil
	}

	block.Signatures = round.Signatures()
	if err := p.finalize(block); err != nil {
		return nil, err
	}

	p.registry.RecordProposal(block.Proposer)
	p.registry.RecordSignatures(block.Signatures)
	p.setStalled(false)

	p.log.Info("block finalized",
		zap.Uint64("height", block.Height),
		zap.String("proposer", block.Proposer),
		zap.Int("txs", len(block.Transactions)),
		zap.Int("rejected", len(batch.Rejected)),
		zap.Int("signatures", len(block.Signatures)),
		zap.Uint64("signedStake", block.SignedStake(set)))

	if p.onFinalized != nil {
		p.onFinalized(block)
	}
	return &RoundOutcome{Block: block, Rejected: batch.Rejected}, nil
}

// finalize commits the round's ledger mutations and persists them with the
// block. A storage failure here is fatal: the in-memory state is already
// canonical and a half-persisted block must halt production.
func (p *Producer) finalize(block *types.Block) error {
	updates := p.coord.Commit()
	for _, u := range updates {
		if err := p.store.PutAccount(u.Shard, u.Account); err != nil {
			return fmt.Errorf("failed to persist account %s: %w", u.Account.Address, err)
		}
	}
	if err := p.store.SaveBlock(block); err != nil {
		return fmt.Errorf("failed to persist block %d: %w", block.Height, err)
	}
	if err := p.store.SetHeight(block.Height); err != nil {
		return fmt.Errorf("failed to persist height %d: %w", block.Height, err)
	}

	p.mu.Lock()
	p.height = block.Height
	p.lastHash = block.Hash
	p.mu.Unlock()
	return nil
}

func (p *Producer) setStalled(stalled bool) {
	p.mu.Lock()
	p.lastStalled = stalled
	p.mu.Unlock()
}
