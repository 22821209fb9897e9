package types

import (
	"github.com/sultan-labs/sultan/crypto/hash"
)

// ShardID identifies a single shard. Valid values are 0..shardCount-1.
type ShardID int

// Account holds the balance and nonce for one address. Accounts are created
// on first credit and are mutated only by the executor owning their shard.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Clone returns a copy so journaled snapshots cannot alias live state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// AccountUpdate pairs a committed account with the shard that owns it, for
// persistence after a round finalizes.
type AccountUpdate struct {
	Shard   ShardID
	Account *Account
}

// TransferPhase is the lifecycle state of a cross-shard transfer.
type TransferPhase string

const (
	TransferInitiated TransferPhase = "initiated"
	TransferLocked    TransferPhase = "locked"
	TransferCommitted TransferPhase = "committed"
	TransferAborted   TransferPhase = "aborted"
)

// Terminal reports whether the phase is final.
func (p TransferPhase) Terminal() bool {
	return p == TransferCommitted || p == TransferAborted
}

// ShardStats is the read-only view of coordinator state exposed to the
// status surface.
type ShardStats struct {
	ShardCount        int     `json:"shardCount"`
	MaxShardCount     int     `json:"maxShardCount"`
	TotalProcessed    uint64  `json:"totalProcessed"`
	WindowProcessed   uint64  `json:"windowProcessed"`
	CurrentLoad       float64 `json:"currentLoad"`
	ShouldExpand      bool    `json:"shouldExpand"`
	Expansions        uint64  `json:"expansions"`
	TotalAccounts     int     `json:"totalAccounts"`
	PendingCrossShard int     `json:"pendingCrossShard"`
}

// ShardDigest pairs a shard with its post-execution state digest.
type ShardDigest struct {
	Shard  ShardID   `json:"shard"`
	Digest hash.Hash `json:"digest"`
}
