package shard

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// maxTransferRetries bounds commit attempts before a transfer is aborted and
// the source debit reversed.
const maxTransferRetries = 3

// Transfer is one cross-shard movement of funds. Lifecycle:
// Initiated -> Locked -> Committed, or Initiated -> Locked -> Aborted.
type Transfer struct {
	ID     string
	Source types.ShardID
	Dest   types.ShardID
	Tx     *types.Transaction
	Phase  types.TransferPhase
	Proof  hash.Hash

	Retries int

	// rollback data captured at lock time
	prevNonce   uint64
	prevBalance uint64
}

// TransferManager drives the two-phase cross-shard protocol. When a transfer
// touches two shards their ledgers are locked in ascending shard-id order,
// which makes opposing transfers across the same pair deadlock-free.
//
// Idempotency key is the transaction signature: a transfer that already
// reached Locked or a terminal phase is never re-applied.
type TransferManager struct {
	coord *Coordinator
	log   *zap.Logger

	// mu guards the transfer log. Batches are serialized by the producer,
	// but the status surface reads Pending/Lookup concurrently.
	mu        sync.Mutex
	applied   map[string]*Transfer
	roundKeys []string

	// beforeCommit, when set, runs between the lock and commit phases and
	// can veto the credit. It models a destination-shard rejection.
	beforeCommit func(*Transfer) error
}

// NewTransferManager creates the protocol driver for a coordinator.
func NewTransferManager(coord *Coordinator, log *zap.Logger) *TransferManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransferManager{
		coord:   coord,
		log:     log.Named("crossshard"),
		applied: make(map[string]*Transfer),
	}
}

func (tm *TransferManager) setPhase(t *Transfer, p types.TransferPhase) {
	tm.mu.Lock()
	t.Phase = p
	tm.mu.Unlock()
}

// lockTransfer marks the transfer Locked and records its idempotency key.
// From Locked onward the deduction exists, so a replay of the same signed
// transaction is dropped, this round and every later one.
func (tm *TransferManager) lockTransfer(t *Transfer) {
	key := t.Tx.IdempotencyKey()
	tm.mu.Lock()
	t.Phase = types.TransferLocked
	tm.applied[key] = t
	tm.roundKeys = append(tm.roundKeys, key)
	tm.mu.Unlock()
}

// Pending reports in-flight transfers; the protocol is synchronous within a
// batch so this is non-zero only while a batch is executing.
func (tm *TransferManager) Pending() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, t := range tm.applied {
		if !t.Phase.Terminal() {
			n++
		}
	}
	return n
}

// ExecuteLocked runs one transfer end to end. The caller holds the
// coordinator topology lock shared, so the shard array cannot change
// underneath the transfer.
func (tm *TransferManager) ExecuteLocked(tx *types.Transaction) types.TxResult {
	n := len(tm.coord.shards)
	source := ShardOf(tx.From, n)
	dest := ShardOf(tx.To, n)

	tm.mu.Lock()
	prior, seen := tm.applied[tx.IdempotencyKey()]
	tm.mu.Unlock()
	if seen {
		tm.log.Warn("duplicate cross-shard transfer dropped",
			zap.String("transfer", prior.ID), zap.String("phase", string(prior.Phase)))
		return types.TxResult{Tx: tx, Reason: types.ReasonDuplicate}
	}

	// The key is not recorded yet: lockTransfer registers it once funds
	// lock. A transfer rejected before that point never applied, and the
	// same signed transaction must stay resubmittable once the cause is
	// fixed.
	t := &Transfer{
		ID:     uuid.NewString(),
		Source: source,
		Dest:   dest,
		Tx:     tx,
		Phase:  types.TransferInitiated,
	}

	reason := tm.run(t)
	if reason != types.ReasonNone {
		return types.TxResult{Tx: tx, Reason: reason}
	}
	return types.TxResult{Tx: tx}
}

// run executes the lock and commit phases under both shard locks.
func (tm *TransferManager) run(t *Transfer) types.RejectReason {
	src := tm.coord.shards[t.Source]
	dst := tm.coord.shards[t.Dest]

	first, second := src, dst
	if dst.id < src.id {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	// Phase 1: validate and lock funds on the source shard.
	if reason := tm.coord.executor.validate(src, t.Tx); reason != types.ReasonNone {
		tm.setPhase(t, types.TransferAborted)
		return reason
	}
	acc := src.accounts[t.Tx.From]
	t.prevBalance = acc.Balance
	t.prevNonce = acc.Nonce
	if err := src.debit(t.Tx.From, t.Tx.Amount, t.Tx.Nonce); err != nil {
		tm.setPhase(t, types.TransferAborted)
		tm.log.Error("lock phase failed", zap.String("transfer", t.ID), zap.Error(err))
		return types.ReasonShardFault
	}
	t.Proof = tm.deductionProof(t, acc.Balance, acc.Nonce)
	tm.lockTransfer(t)

	// Phase 2: the destination verifies the deduction proof, then credits.
	for {
		err := tm.commitAttempt(t, acc)
		if err == nil {
			break
		}
		t.Retries++
		tm.log.Warn("cross-shard commit rejected",
			zap.String("transfer", t.ID),
			zap.Int("attempt", t.Retries),
			zap.Error(err))
		if t.Retries >= maxTransferRetries {
			tm.abortLocked(t, src)
			return types.ReasonTransferAborted
		}
	}

	dst.credit(t.Tx.To, t.Tx.Amount)
	tm.setPhase(t, types.TransferCommitted)
	src.processed++
	tm.log.Debug("cross-shard transfer committed",
		zap.String("transfer", t.ID),
		zap.Int("source", int(t.Source)),
		zap.Int("dest", int(t.Dest)))
	return types.ReasonNone
}

// commitAttempt performs the destination-side checks for one attempt.
func (tm *TransferManager) commitAttempt(t *Transfer, acc *types.Account) error {
	expected := tm.deductionProof(t, acc.Balance, acc.Nonce)
	if !t.Proof.Equal(expected) {
		return fmt.Errorf("deduction proof mismatch for transfer %s", t.ID)
	}
	if tm.beforeCommit != nil {
		if err := tm.beforeCommit(t); err != nil {
			return err
		}
	}
	return nil
}

// abortLocked reverses the source debit. Caller holds both shard locks.
func (tm *TransferManager) abortLocked(t *Transfer, src *Ledger) {
	if err := src.reverseDebit(t.Tx.From, t.Tx.Amount, t.prevNonce); err != nil {
		// The journal still protects the round: a failed reversal is
		// repaired by the round rollback.
		tm.log.Error("debit reversal failed", zap.String("transfer", t.ID), zap.Error(err))
	}
	tm.setPhase(t, types.TransferAborted)
	tm.log.Warn("cross-shard transfer aborted",
		zap.String("transfer", t.ID),
		zap.Int("source", int(t.Source)),
		zap.Int("dest", int(t.Dest)))
}

// deductionProof digests the source-shard deduction: transfer identity plus
// the sender's post-debit balance and nonce.
func (tm *TransferManager) deductionProof(t *Transfer, balance, nonce uint64) hash.Hash {
	payload := fmt.Sprintf("%s:%d:%d:%s:%d:%d",
		t.Tx.Hash().String(), t.Source, t.Dest, t.Tx.From, balance, nonce)
	return hash.NewHash([]byte(payload))
}

// CommitRound seals the round's transfers; their idempotency keys stay
// recorded so replays keep being dropped.
func (tm *TransferManager) CommitRound() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.roundKeys = tm.roundKeys[:0]
}

// RollbackRound forgets transfers whose ledger effects were undone by the
// round rollback; the same transactions may legitimately run again in the
// replacement round.
func (tm *TransferManager) RollbackRound() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, key := range tm.roundKeys {
		delete(tm.applied, key)
	}
	tm.roundKeys = tm.roundKeys[:0]
}

// Lookup returns the recorded transfer for a transaction, if any.
func (tm *TransferManager) Lookup(tx *types.Transaction) (*Transfer, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.applied[tx.IdempotencyKey()]
	return t, ok
}
