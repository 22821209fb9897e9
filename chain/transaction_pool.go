package chain

import (
	"errors"
	"sync"

	"github.com/sultan-labs/sultan/types"
)

var (
	ErrPoolFull    = errors.New("transaction pool is full")
	ErrTxInPool    = errors.New("transaction already in pool")
	ErrTxMalformed = errors.New("transaction is malformed")
)

// TxPool holds transactions waiting for the next block, in submission order.
// The network boundary delivers validated structs; the pool only guards
// shape and duplicates.
type TxPool struct {
	mu      sync.Mutex
	pending []*types.Transaction
	byKey   map[string]struct{}
	maxSize int
}

// NewTxPool creates a pool bounded at maxSize transactions.
func NewTxPool(maxSize int) *TxPool {
	return &TxPool{
		byKey:   make(map[string]struct{}),
		maxSize: maxSize,
	}
}

// Add appends a transaction, rejecting duplicates and obvious garbage.
func (p *TxPool) Add(tx *types.Transaction) error {
	if tx == nil || tx.From == "" || tx.To == "" {
		return ErrTxMalformed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) >= p.maxSize {
		return ErrPoolFull
	}
	key := tx.IdempotencyKey()
	if _, ok := p.byKey[key]; ok {
		return ErrTxInPool
	}
	p.byKey[key] = struct{}{}
	p.pending = append(p.pending, tx)
	return nil
}

// Drain removes and returns up to max pending transactions in order.
func (p *TxPool) Drain(max int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.pending)
	if max > 0 && n > max {
		n = max
	}
	out := p.pending[:n:n]
	p.pending = append([]*types.Transaction(nil), p.pending[n:]...)
	for _, tx := range out {
		delete(p.byKey, tx.IdempotencyKey())
	}
	return out
}

// Requeue returns transactions from an abandoned round to the head of the
// pool, preserving their original order ahead of later submissions.
func (p *TxPool) Requeue(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	head := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		key := tx.IdempotencyKey()
		if _, ok := p.byKey[key]; ok {
			continue
		}
		p.byKey[key] = struct{}{}
		head = append(head, tx)
	}
	p.pending = append(head, p.pending...)
}

// Size returns the number of pending transactions.
func (p *TxPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
