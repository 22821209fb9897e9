package shard

import (
	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/address"
	"github.com/sultan-labs/sultan/types"
)

// Executor applies a batch of same-shard transactions to one ledger,
// sequentially and in the order the coordinator assigned them. It is the
// only writer of its ledger for the duration of the batch.
type Executor struct {
	log *zap.Logger
}

// NewExecutor creates an executor. The logger may be nil in tests.
func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log}
}

// Execute runs the queue against the ledger. Rejections are reported
// per-transaction and never abort the batch.
func (e *Executor) Execute(led *Ledger, txs []*types.Transaction) *types.BatchResult {
	result := &types.BatchResult{}

	led.mu.Lock()
	defer led.mu.Unlock()

	for _, tx := range txs {
		if reason := e.validate(led, tx); reason != types.ReasonNone {
			e.log.Debug("transaction rejected",
				zap.Int("shard", int(led.id)),
				zap.String("from", tx.From),
				zap.String("reason", string(reason)))
			result.Rejected = append(result.Rejected, types.TxResult{Tx: tx, Reason: reason})
			continue
		}

		if err := led.debit(tx.From, tx.Amount, tx.Nonce); err != nil {
			// validate() already admitted this transaction, so a debit
			// failure is an internal inconsistency, not a user error.
			e.log.Error("debit failed after validation",
				zap.Int("shard", int(led.id)), zap.Error(err))
			result.Rejected = append(result.Rejected, types.TxResult{Tx: tx, Reason: types.ReasonShardFault})
			continue
		}
		led.credit(tx.To, tx.Amount)
		led.processed++
		result.Accepted = append(result.Accepted, tx)
	}

	return result
}

// validate runs the admission chain for one transaction against current
// shard state. Caller holds the ledger write lock.
func (e *Executor) validate(led *Ledger, tx *types.Transaction) types.RejectReason {
	if tx.Amount == 0 {
		return types.ReasonZeroAmount
	}
	if len(tx.Signature) == 0 {
		return types.ReasonBadSignature
	}
	if len(tx.PublicKey) > 0 {
		if !address.Matches(tx.From, tx.PublicKey) {
			return types.ReasonBadSignature
		}
		if !crypto.VerifyWithKey(tx.PublicKey, tx.SigningPayload(), tx.Signature) {
			return types.ReasonBadSignature
		}
	}

	acc, ok := led.accounts[tx.From]
	if !ok {
		return types.ReasonUnknownSender
	}
	if tx.Nonce < acc.Nonce {
		return types.ReasonStaleNonce
	}
	if tx.Nonce > acc.Nonce {
		return types.ReasonFutureNonce
	}
	if acc.Balance < tx.Amount {
		return types.ReasonInsufficientBalance
	}
	return types.ReasonNone
}
