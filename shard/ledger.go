package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// Ledger holds the account state owned by one shard. It is mutated by exactly
// one execution task at a time; concurrent reads (status queries, digests)
// take the read lock.
//
// Every mutation inside a round is journaled so that a round which fails to
// finalize can be rolled back wholesale, leaving the ledger exactly as it was
// before the round started.
type Ledger struct {
	id types.ShardID

	mu        sync.RWMutex
	accounts  map[string]*types.Account
	processed uint64

	// journal of pre-mutation snapshots for the current round, oldest first.
	// A nil Account records a creation (rollback deletes the address).
	journal []journalEntry
}

type journalEntry struct {
	address string
	before  *types.Account
}

// NewLedger creates an empty ledger for the given shard.
func NewLedger(id types.ShardID) *Ledger {
	return &Ledger{
		id:       id,
		accounts: make(map[string]*types.Account),
	}
}

// ID returns the shard index this ledger belongs to.
func (l *Ledger) ID() types.ShardID { return l.id }

// Account returns a copy of the account, or nil if it does not exist.
func (l *Ledger) Account(address string) *types.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[address].Clone()
}

// Balance returns the balance for an address, zero for unknown accounts.
func (l *Ledger) Balance(address string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acc, ok := l.accounts[address]; ok {
		return acc.Balance
	}
	return 0
}

// Size returns the number of accounts in the shard.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

// Processed returns the shard's lifetime processed-transaction counter.
func (l *Ledger) Processed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.processed
}

// SetAccount installs an account without journaling. Used only for genesis
// allocations, store restore, and expansion migration.
func (l *Ledger) SetAccount(acc *types.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[acc.Address] = acc.Clone()
}

// Accounts returns copies of every account in the shard.
func (l *Ledger) Accounts() []*types.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, acc.Clone())
	}
	return out
}

// credit adds funds to an address, creating the account on first credit.
// Caller must hold the write lock.
func (l *Ledger) credit(address string, amount uint64) {
	acc, ok := l.accounts[address]
	if !ok {
		l.journal = append(l.journal, journalEntry{address: address, before: nil})
		l.accounts[address] = &types.Account{Address: address, Balance: amount}
		return
	}
	l.journal = append(l.journal, journalEntry{address: address, before: acc.Clone()})
	acc.Balance += amount
}

// debit removes funds from an address and bumps its nonce to the
// transaction's successor. Caller must hold the write lock and must have
// validated balance and nonce first.
func (l *Ledger) debit(address string, amount, txNonce uint64) error {
	acc, ok := l.accounts[address]
	if !ok {
		return fmt.Errorf("debit of unknown account %s on shard %d", address, l.id)
	}
	if acc.Balance < amount {
		return fmt.Errorf("debit underflow on %s: balance %d, amount %d", address, acc.Balance, amount)
	}
	l.journal = append(l.journal, journalEntry{address: address, before: acc.Clone()})
	acc.Balance -= amount
	acc.Nonce = txNonce + 1
	return nil
}

// reverseDebit restores a debit during a cross-shard abort. Caller must hold
// the write lock.
func (l *Ledger) reverseDebit(address string, amount, prevNonce uint64) error {
	acc, ok := l.accounts[address]
	if !ok {
		return fmt.Errorf("reversal of unknown account %s on shard %d", address, l.id)
	}
	l.journal = append(l.journal, journalEntry{address: address, before: acc.Clone()})
	acc.Balance += amount
	acc.Nonce = prevNonce
	return nil
}

// Commit ends the current round: the journal is discarded and every touched
// account is returned for persistence.
func (l *Ledger) Commit() []*types.AccountUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	touched := make(map[string]struct{}, len(l.journal))
	for _, e := range l.journal {
		touched[e.address] = struct{}{}
	}
	updates := make([]*types.AccountUpdate, 0, len(touched))
	for addr := range touched {
		if acc, ok := l.accounts[addr]; ok {
			updates = append(updates, &types.AccountUpdate{Shard: l.id, Account: acc.Clone()})
		}
	}
	l.journal = l.journal[:0]
	return updates
}

// Rollback undoes every mutation of the current round, newest first.
func (l *Ledger) Rollback() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.journal) - 1; i >= 0; i-- {
		e := l.journal[i]
		if e.before == nil {
			delete(l.accounts, e.address)
			continue
		}
		l.accounts[e.address] = e.before
	}
	l.journal = l.journal[:0]
}

// Digest computes the shard's state digest: blake2b over the canonical
// "address:balance:nonce" lines in address order.
func (l *Ledger) Digest() hash.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()

	addrs := make([]string, 0, len(l.accounts))
	for addr := range l.accounts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var buf []byte
	for _, addr := range addrs {
		acc := l.accounts[addr]
		buf = append(buf, fmt.Sprintf("%s:%d:%d\n", acc.Address, acc.Balance, acc.Nonce)...)
	}
	return hash.NewHash(buf)
}
