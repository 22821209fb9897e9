package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardOfDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("sn1account%d", i)
		first := ShardOf(addr, 8)
		for j := 0; j < 10; j++ {
			require.Equal(t, first, ShardOf(addr, 8))
		}
	}
}

func TestShardOfRange(t *testing.T) {
	for _, count := range []int{1, 2, 8, 16, 64} {
		for i := 0; i < 500; i++ {
			id := ShardOf(fmt.Sprintf("sn1account%d", i), count)
			require.GreaterOrEqual(t, int(id), 0)
			require.Less(t, int(id), count)
		}
	}
}

func TestShardOfSpreadsLoad(t *testing.T) {
	const count = 16
	const n = 16000

	hits := make([]int, count)
	for i := 0; i < n; i++ {
		hits[ShardOf(fmt.Sprintf("sn1account%d", i), count)]++
	}

	// A uniform hash should put every shard well within 2x of the mean.
	mean := n / count
	for id, got := range hits {
		require.Greater(t, got, mean/2, "shard %d starved: %d hits", id, got)
		require.Less(t, got, mean*2, "shard %d overloaded: %d hits", id, got)
	}
}

func TestShardOfChangesWithCount(t *testing.T) {
	// At least some addresses must move when the shard count doubles,
	// otherwise expansion would never relieve load.
	moved := 0
	for i := 0; i < 1000; i++ {
		addr := fmt.Sprintf("sn1account%d", i)
		if ShardOf(addr, 8) != ShardOf(addr, 16) {
			moved++
		}
	}
	require.Greater(t, moved, 0)
}
