package types

import (
	"encoding/hex"
	"fmt"

	"github.com/sultan-labs/sultan/crypto/hash"
)

// Transaction represents a value transfer between two accounts. It is
// immutable once submitted; the signature covers SigningPayload().
type Transaction struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	PublicKey []byte `json:"publicKey,omitempty"`
	Signature []byte `json:"signature"`
}

// SigningPayload returns the canonical bytes covered by the signature.
func (tx *Transaction) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s:%s:%d:%d", tx.From, tx.To, tx.Amount, tx.Nonce))
}

// Hash returns the transaction identity hash.
func (tx *Transaction) Hash() hash.Hash {
	return hash.NewHash(tx.SigningPayload())
}

// IdempotencyKey identifies one submission of a transaction. The signature is
// unique per (signer, payload) so it doubles as the dedup key for the pending
// pool and the cross-shard protocol.
func (tx *Transaction) IdempotencyKey() string {
	if len(tx.Signature) > 0 {
		return hex.EncodeToString(tx.Signature)
	}
	return tx.Hash().String()
}

// RejectReason classifies why a transaction was not applied. Rejections are
// data, not errors: a rejected transaction never aborts its batch.
type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonStaleNonce          RejectReason = "stale_nonce"
	ReasonFutureNonce         RejectReason = "future_nonce"
	ReasonInsufficientBalance RejectReason = "insufficient_balance"
	ReasonBadSignature        RejectReason = "bad_signature"
	ReasonZeroAmount          RejectReason = "zero_amount"
	ReasonUnknownSender       RejectReason = "unknown_sender"
	ReasonShardFault          RejectReason = "shard_fault"
	ReasonTransferAborted     RejectReason = "transfer_aborted"
	ReasonDuplicate           RejectReason = "duplicate"
)

// TxResult reports the outcome of executing a single transaction.
type TxResult struct {
	Tx     *Transaction `json:"tx"`
	Reason RejectReason `json:"reason,omitempty"`
}

// Accepted reports whether the transaction was applied.
func (r TxResult) Accepted() bool { return r.Reason == ReasonNone }

// BatchResult aggregates per-shard execution outcomes for one round.
type BatchResult struct {
	Accepted []*Transaction
	Rejected []TxResult
}

// Merge folds another batch result into this one.
func (b *BatchResult) Merge(other *BatchResult) {
	if other == nil {
		return
	}
	b.Accepted = append(b.Accepted, other.Accepted...)
	b.Rejected = append(b.Rejected, other.Rejected...)
}
