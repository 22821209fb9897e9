package shard

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/sultan-labs/sultan/types"
)

// ShardOf deterministically assigns an address to a shard. The reduction is
// sha256(address), first 8 bytes as a big-endian integer, mod shardCount, so
// every node computes the same mapping with no coordination. Absent a
// shard-count change an address never moves.
func ShardOf(address string, shardCount int) types.ShardID {
	h := sha256.Sum256([]byte(address))
	v := binary.BigEndian.Uint64(h[:8])
	return types.ShardID(v % uint64(shardCount))
}
