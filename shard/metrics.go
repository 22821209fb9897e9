package shard

import (
	"sync"
	"time"
)

// Metrics tracks per-shard activity counters used by the status surface and
// by the auto-expansion decision.
type Metrics struct {
	mu          sync.RWMutex
	accessCount map[int]uint64
	modifyCount map[int]uint64
	lastUpdated time.Time
}

// NewMetrics creates counters for the given number of shards.
func NewMetrics(numShards int) *Metrics {
	m := &Metrics{
		accessCount: make(map[int]uint64, numShards),
		modifyCount: make(map[int]uint64, numShards),
		lastUpdated: time.Now(),
	}
	return m
}

// RecordAccess counts a read against a shard.
func (m *Metrics) RecordAccess(shardID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessCount[shardID]++
	m.lastUpdated = time.Now()
}

// RecordModify counts a batch of writes against a shard.
func (m *Metrics) RecordModify(shardID int, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifyCount[shardID] += n
	m.lastUpdated = time.Now()
}

// AccessCount returns the read counter for a shard.
func (m *Metrics) AccessCount(shardID int) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessCount[shardID]
}

// ModifyCount returns the write counter for a shard.
func (m *Metrics) ModifyCount(shardID int) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modifyCount[shardID]
}

// Reset clears the counters; called after an expansion changes the shard
// topology and the old per-shard numbers stop meaning anything.
func (m *Metrics) Reset(numShards int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessCount = make(map[int]uint64, numShards)
	m.modifyCount = make(map[int]uint64, numShards)
	m.lastUpdated = time.Now()
}
