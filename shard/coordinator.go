package shard

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/types"
)

// Config carries the shard topology parameters. It is mutated only by the
// auto-expansion procedure and by governance limit updates between rounds.
type Config struct {
	InitialShardCount int
	MaxShardCount     int
	CapacityPerShard  int
	ExpandThreshold   float64
}

// Coordinator owns the set of shards. It partitions incoming batches via the
// router, runs one executor task per shard with pending work, collects
// results behind a join barrier, and drives the cross-shard transfer
// protocol. The topology lock doubles as the stop-the-world barrier for
// expansion: batch execution holds it shared, expansion holds it exclusive,
// so an expansion waits for every in-flight batch to drain and no new batch
// is admitted until the swap completes.
type Coordinator struct {
	log      *zap.Logger
	executor *Executor
	metrics  *Metrics

	mu         sync.RWMutex // guards shards, cfg.MaxShardCount/ExpandThreshold
	shards     []*Ledger
	cfg        Config
	transfers  *TransferManager
	expansions uint64

	statsMu         sync.Mutex // guards the load window counters
	totalProcessed  uint64
	windowProcessed uint64 // accepted txs since the last round boundary
	lastWindow      uint64 // the previous round's consumed window

	// execFn is the per-shard execution function; replaceable so shard
	// failure isolation can be exercised without corrupting a real ledger.
	execFn func(*Ledger, []*types.Transaction) *types.BatchResult
}

// NewCoordinator creates the shard set and its cross-shard transfer manager.
func NewCoordinator(cfg Config, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InitialShardCount < 1 {
		return nil, fmt.Errorf("initial shard count must be >= 1, got %d", cfg.InitialShardCount)
	}
	if cfg.MaxShardCount < cfg.InitialShardCount {
		return nil, fmt.Errorf("max shard count %d below initial %d", cfg.MaxShardCount, cfg.InitialShardCount)
	}
	if cfg.CapacityPerShard < 1 {
		return nil, fmt.Errorf("per-shard capacity must be >= 1, got %d", cfg.CapacityPerShard)
	}
	if cfg.ExpandThreshold <= 0 || cfg.ExpandThreshold > 1 {
		return nil, fmt.Errorf("expansion threshold must be in (0,1], got %f", cfg.ExpandThreshold)
	}

	c := &Coordinator{
		log:      log.Named("coordinator"),
		executor: NewExecutor(log),
		metrics:  NewMetrics(cfg.InitialShardCount),
		cfg:      cfg,
		shards:   make([]*Ledger, cfg.InitialShardCount),
	}
	for i := range c.shards {
		c.shards[i] = NewLedger(types.ShardID(i))
	}
	c.execFn = c.executor.Execute
	c.transfers = NewTransferManager(c, log)

	c.log.Info("shard coordinator initialized",
		zap.Int("shards", cfg.InitialShardCount),
		zap.Int("maxShards", cfg.MaxShardCount))
	return c, nil
}

// Transfers exposes the cross-shard protocol driver.
func (c *Coordinator) Transfers() *TransferManager { return c.transfers }

// ShardCount returns the current number of shards.
func (c *Coordinator) ShardCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}

// Ledger returns the ledger for a shard id, or nil if out of range.
func (c *Coordinator) Ledger(id types.ShardID) *Ledger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(c.shards) {
		return nil
	}
	return c.shards[id]
}

// LedgerFor returns the ledger owning an address under the current topology.
func (c *Coordinator) LedgerFor(address string) *Ledger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shards[ShardOf(address, len(c.shards))]
}

// Balance reads the committed balance for an address.
func (c *Coordinator) Balance(address string) uint64 {
	led := c.LedgerFor(address)
	c.metrics.RecordAccess(int(led.ID()))
	return led.Balance(address)
}

// InitAccount seeds an account, used for genesis allocations and restore.
func (c *Coordinator) InitAccount(acc *types.Account) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.shards[ShardOf(acc.Address, len(c.shards))].SetAccount(acc)
}

// Distribute partitions a batch by destination shard, preserving submission
// order within each shard. Cross-shard transactions (router(from) !=
// router(to)) are returned separately for the transfer protocol.
func (c *Coordinator) Distribute(txs []*types.Transaction) (map[types.ShardID][]*types.Transaction, []*types.Transaction) {
	c.mu.RLock()
	n := len(c.shards)
	c.mu.RUnlock()

	sameShard := make(map[types.ShardID][]*types.Transaction)
	var crossShard []*types.Transaction
	for _, tx := range txs {
		from := ShardOf(tx.From, n)
		to := ShardOf(tx.To, n)
		if from == to {
			sameShard[from] = append(sameShard[from], tx)
			continue
		}
		crossShard = append(crossShard, tx)
	}
	return sameShard, crossShard
}

// ProcessBatch executes an unordered batch: same-shard queues run in
// parallel, one task per shard, then cross-shard transfers run through the
// two-phase protocol. A fault inside one shard's execution is converted into
// rejected results for that shard only.
func (c *Coordinator) ProcessBatch(ctx context.Context, txs []*types.Transaction) (*types.BatchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sameShard, crossShard := c.distributeLocked(txs)

	type shardOutcome struct {
		id     types.ShardID
		result *types.BatchResult
	}

	results := make(chan shardOutcome, len(sameShard))
	var wg sync.WaitGroup
	for id, queue := range sameShard {
		wg.Add(1)
		go func(id types.ShardID, queue []*types.Transaction) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("shard execution fault",
						zap.Int("shard", int(id)), zap.Any("panic", r))
					// Mutations applied before the fault must not outlive
					// it. The shard's journal holds only this queue's
					// entries at this point, so rolling it back restores
					// the pre-batch state exactly.
					c.shards[id].Rollback()
					faulted := &types.BatchResult{}
					for _, tx := range queue {
						faulted.Rejected = append(faulted.Rejected,
							types.TxResult{Tx: tx, Reason: types.ReasonShardFault})
					}
					results <- shardOutcome{id: id, result: faulted}
				}
			}()
			results <- shardOutcome{id: id, result: c.execFn(c.shards[id], queue)}
		}(id, queue)
	}
	wg.Wait()
	close(results)

	batch := &types.BatchResult{}
	for out := range results {
		batch.Merge(out.result)
		c.metrics.RecordModify(int(out.id), uint64(len(out.result.Accepted)))
	}

	if err := ctx.Err(); err != nil {
		return batch, err
	}

	// Cross-shard transfers run after the same-shard barrier so the
	// two-phase protocol is the only multi-shard writer.
	for _, tx := range crossShard {
		res := c.transfers.ExecuteLocked(tx)
		if res.Accepted() {
			batch.Accepted = append(batch.Accepted, tx)
		} else {
			batch.Rejected = append(batch.Rejected, res)
		}
	}

	c.statsMu.Lock()
	c.totalProcessed += uint64(len(batch.Accepted))
	c.windowProcessed += uint64(len(batch.Accepted))
	c.statsMu.Unlock()

	return batch, nil
}

// distributeLocked is Distribute for callers already holding the topology lock.
func (c *Coordinator) distributeLocked(txs []*types.Transaction) (map[types.ShardID][]*types.Transaction, []*types.Transaction) {
	n := len(c.shards)
	sameShard := make(map[types.ShardID][]*types.Transaction)
	var crossShard []*types.Transaction
	for _, tx := range txs {
		if ShardOf(tx.From, n) == ShardOf(tx.To, n) {
			sameShard[ShardOf(tx.From, n)] = append(sameShard[ShardOf(tx.From, n)], tx)
			continue
		}
		crossShard = append(crossShard, tx)
	}
	return sameShard, crossShard
}

// Commit ends the round on every shard, returning the touched accounts for
// persistence, and finalizes the transfer log.
func (c *Coordinator) Commit() []*types.AccountUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var updates []*types.AccountUpdate
	for _, led := range c.shards {
		updates = append(updates, led.Commit()...)
	}
	c.transfers.CommitRound()
	return updates
}

// Rollback undoes every shard mutation of the round. The discarded
// transactions are deterministically replayable from the same pending queue.
func (c *Coordinator) Rollback() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, led := range c.shards {
		led.Rollback()
	}
	c.transfers.RollbackRound()
}

// Digests snapshots every shard's state digest in shard order.
func (c *Coordinator) Digests() []types.ShardDigest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.ShardDigest, len(c.shards))
	for i, led := range c.shards {
		out[i] = types.ShardDigest{Shard: led.id, Digest: led.Digest()}
	}
	return out
}

// Load returns the previous round's processed count over total capacity.
func (c *Coordinator) Load() float64 {
	c.mu.RLock()
	n := len(c.shards)
	capacity := c.cfg.CapacityPerShard
	c.mu.RUnlock()

	c.statsMu.Lock()
	window := c.lastWindow
	c.statsMu.Unlock()

	return float64(window) / float64(n*capacity)
}

// MaybeExpand consumes the load window and, when the round's load crossed
// the threshold and room remains, performs exactly one expansion. Returns
// true if the topology changed. Called at every round boundary, never while
// a batch is in flight; consuming the window there means sustained light
// traffic never accumulates into a spurious trigger.
func (c *Coordinator) MaybeExpand() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.shards)
	c.statsMu.Lock()
	window := c.windowProcessed
	c.lastWindow = window
	c.windowProcessed = 0
	c.statsMu.Unlock()

	load := float64(window) / float64(n*c.cfg.CapacityPerShard)
	if load < c.cfg.ExpandThreshold || n >= c.cfg.MaxShardCount {
		return false
	}

	newCount := n * 2
	if newCount > c.cfg.MaxShardCount {
		newCount = c.cfg.MaxShardCount
	}
	c.expandLocked(newCount)
	return true
}

// expandLocked rebuilds the shard array at the new count and rehashes every
// account into its new home. Caller holds the exclusive topology lock, so no
// executor can observe the intermediate state.
func (c *Coordinator) expandLocked(newCount int) {
	oldCount := len(c.shards)

	var all []*types.Account
	for _, led := range c.shards {
		all = append(all, led.Accounts()...)
	}

	shards := make([]*Ledger, newCount)
	for i := range shards {
		shards[i] = NewLedger(types.ShardID(i))
	}
	for _, acc := range all {
		shards[ShardOf(acc.Address, newCount)].SetAccount(acc)
	}
	c.shards = shards
	c.metrics.Reset(newCount)
	c.expansions++

	c.log.Info("shard expansion complete",
		zap.Int("from", oldCount),
		zap.Int("to", newCount),
		zap.Int("migratedAccounts", len(all)))
}

// SetLimits applies a governance change to the expansion parameters.
func (c *Coordinator) SetLimits(maxShards int, threshold float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxShards < len(c.shards) {
		return fmt.Errorf("max shard count %d below current %d", maxShards, len(c.shards))
	}
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("expansion threshold must be in (0,1], got %f", threshold)
	}
	c.cfg.MaxShardCount = maxShards
	c.cfg.ExpandThreshold = threshold
	return nil
}

// Stats assembles the read-only coordinator view for the status surface.
func (c *Coordinator) Stats() types.ShardStats {
	c.mu.RLock()
	n := len(c.shards)
	maxShards := c.cfg.MaxShardCount
	capacity := c.cfg.CapacityPerShard
	threshold := c.cfg.ExpandThreshold
	expansions := c.expansions
	accounts := 0
	for _, led := range c.shards {
		accounts += led.Size()
	}
	pending := c.transfers.Pending()
	c.mu.RUnlock()

	c.statsMu.Lock()
	total := c.totalProcessed
	window := c.lastWindow
	c.statsMu.Unlock()

	load := float64(window) / float64(n*capacity)
	return types.ShardStats{
		ShardCount:        n,
		MaxShardCount:     maxShards,
		TotalProcessed:    total,
		WindowProcessed:   window,
		CurrentLoad:       load,
		ShouldExpand:      load >= threshold && n < maxShards,
		Expansions:        expansions,
		TotalAccounts:     accounts,
		PendingCrossShard: pending,
	}
}
