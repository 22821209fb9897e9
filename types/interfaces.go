package types

import (
	"context"
	"io"
)

// Store is the crash-consistent key-value boundary the core persists through.
// Implementations own durability; the core owns key construction.
type Store interface {
	GetAccount(shard ShardID, address string) (*Account, error)
	PutAccount(shard ShardID, account *Account) error
	SaveBlock(block *Block) error
	GetBlock(height uint64) (*Block, error)
	Height() (uint64, bool, error)
	SetHeight(height uint64) error
	Snapshot(w io.Writer) error
	Restore(r io.Reader) error
	Close() error
}

// SignatureCollector is the network boundary used during a round: it
// broadcasts a candidate block and returns whatever signatures arrived
// before the context expired. The core decides whether they meet threshold.
type SignatureCollector interface {
	CollectSignatures(ctx context.Context, block *Block, set *ValidatorSet) ([]BlockSignature, error)
}

// NetworkInterface is the outbound gossip boundary. Finalized blocks are
// handed over as opaque structs; the core does not parse wire bytes.
type NetworkInterface interface {
	BroadcastBlock(block *Block) error
}

// GovernanceEventKind enumerates the validator-set and shard-config changes
// supplied by the external governance collaborator.
type GovernanceEventKind string

const (
	GovAddValidator    GovernanceEventKind = "add_validator"
	GovRemoveValidator GovernanceEventKind = "remove_validator"
	GovUpdateStake     GovernanceEventKind = "update_stake"
	GovJailValidator   GovernanceEventKind = "jail_validator"
	GovUnjailValidator GovernanceEventKind = "unjail_validator"
	GovSetShardLimits  GovernanceEventKind = "set_shard_limits"
)

// GovernanceEvent is a discrete change applied between rounds, never mid-round.
type GovernanceEvent struct {
	Kind            GovernanceEventKind `json:"kind"`
	Address         string              `json:"address,omitempty"`
	PublicKey       []byte              `json:"publicKey,omitempty"`
	Stake           uint64              `json:"stake,omitempty"`
	Reason          JailReason          `json:"reason,omitempty"`
	UntilHeight     uint64              `json:"untilHeight,omitempty"`
	MaxShardCount   int                 `json:"maxShardCount,omitempty"`
	ExpandThreshold float64             `json:"expandThreshold,omitempty"`
}
