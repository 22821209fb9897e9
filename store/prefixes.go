package store

import (
	"fmt"

	"github.com/sultan-labs/sultan/types"
)

// Storage prefixes
const (
	AccountPrefix = "ac-"
	BlockPrefix   = "bl-"
	MetaPrefix    = "md-"
)

// heightKey is the metadata slot holding the last finalized height.
var heightKey = []byte(MetaPrefix + "height")

// shardCountKey is the metadata slot holding the shard count account keys
// were written under. Resume must route with the same count.
var shardCountKey = []byte(MetaPrefix + "shard-count")

// AccountKey builds the sharded account key: ac-<shard>-<address>.
func AccountKey(shard types.ShardID, address string) []byte {
	return []byte(fmt.Sprintf("%s%d-%s", AccountPrefix, shard, address))
}

// BlockKey builds the block key: bl-<height>, zero-padded so keys sort by
// height under Badger's lexicographic iteration.
func BlockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", BlockPrefix, height))
}
