// Package store persists ledger and chain state through BadgerDB. The core
// treats it as a crash-consistent key-value store and owns key construction;
// see prefixes.go for the key scheme.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/types"
)

const (
	accountCacheSize     = 4096
	accountCacheItems    = 100000
	accountCacheFPRate   = 0.01
	restoreMaxPendingTxn = 256
)

// BlockchainDB implements types.Store on BadgerDB with a read-through
// account cache.
type BlockchainDB struct {
	db    *badger.DB
	cache *AccountCache
	log   *zap.Logger
}

// Open creates or reopens the database under dataDir.
func Open(dataDir string, log *zap.Logger) (*BlockchainDB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(dataDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dataDir, err)
	}
	cache, err := NewAccountCache(accountCacheSize, accountCacheItems, accountCacheFPRate)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	return &BlockchainDB{db: db, cache: cache, log: log.Named("store")}, nil
}

// GetAccount loads one account, or nil if it does not exist.
func (s *BlockchainDB) GetAccount(shard types.ShardID, address string) (*types.Account, error) {
	key := AccountKey(shard, address)
	if acc, ok := s.cache.Get(string(key)); ok {
		return acc, nil
	}

	var acc *types.Account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			acc = &types.Account{}
			return json.Unmarshal(val, acc)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", address, err)
	}
	if acc != nil {
		s.cache.Add(string(key), acc)
	}
	return acc, nil
}

// PutAccount writes one account under its sharded key.
func (s *BlockchainDB) PutAccount(shard types.ShardID, acc *types.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account %s: %w", acc.Address, err)
	}
	key := AccountKey(shard, acc.Address)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to write account %s: %w", acc.Address, err)
	}
	s.cache.Add(string(key), acc)
	return nil
}

// AccountsForShard iterates every persisted account of one shard.
func (s *BlockchainDB) AccountsForShard(shard types.ShardID) ([]*types.Account, error) {
	prefix := []byte(fmt.Sprintf("%s%d-", AccountPrefix, shard))
	var out []*types.Account
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				acc := &types.Account{}
				if err := json.Unmarshal(val, acc); err != nil {
					return err
				}
				out = append(out, acc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan shard %d accounts: %w", shard, err)
	}
	return out, nil
}

// SaveBlock persists a finalized block.
func (s *BlockchainDB) SaveBlock(block *types.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", block.Height, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(BlockKey(block.Height), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write block %d: %w", block.Height, err)
	}
	return nil
}

// GetBlock loads a block by height.
func (s *BlockchainDB) GetBlock(height uint64) (*types.Block, error) {
	var block *types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(BlockKey(height))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			block = &types.Block{}
			return json.Unmarshal(val, block)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("block %d not found", height)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", height, err)
	}
	return block, nil
}

// Height returns the last finalized height; ok is false before genesis.
func (s *BlockchainDB) Height() (uint64, bool, error) {
	var height uint64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(heightKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt height value of %d bytes", len(val))
			}
			height = binary.BigEndian.Uint64(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read height: %w", err)
	}
	return height, found, nil
}

// SetHeight records the last finalized height.
func (s *BlockchainDB) SetHeight(height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(heightKey, buf[:])
	})
	if err != nil {
		return fmt.Errorf("failed to write height %d: %w", height, err)
	}
	return nil
}

// ShardCount returns the shard count accounts are currently keyed under;
// ok is false before genesis.
func (s *BlockchainDB) ShardCount() (int, bool, error) {
	var count int
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shardCountKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt shard count value of %d bytes", len(val))
			}
			count = int(binary.BigEndian.Uint64(val))
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read shard count: %w", err)
	}
	return count, found, nil
}

// SetShardCount records the shard count account keys are written under.
func (s *BlockchainDB) SetShardCount(count int) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(count))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardCountKey, buf[:])
	})
	if err != nil {
		return fmt.Errorf("failed to write shard count %d: %w", count, err)
	}
	return nil
}

// ReshardAccounts drops every persisted account and rewrites the full set
// under its new shard key. Runs after a topology expansion, which already
// stops the world, so the heavy rewrite is acceptable here.
func (s *BlockchainDB) ReshardAccounts(byShard map[types.ShardID][]*types.Account, count int) error {
	if err := s.db.DropPrefix([]byte(AccountPrefix)); err != nil {
		return fmt.Errorf("failed to drop stale account keys: %w", err)
	}
	s.cache.Purge()
	written := 0
	for shard, accounts := range byShard {
		for _, acc := range accounts {
			if err := s.PutAccount(shard, acc); err != nil {
				return err
			}
		}
		written += len(accounts)
	}
	s.log.Info("accounts resharded",
		zap.Int("shards", count), zap.Int("accounts", written))
	return s.SetShardCount(count)
}

// Snapshot streams a full backup for durability across restarts.
func (s *BlockchainDB) Snapshot(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("failed to back up store: %w", err)
	}
	return nil
}

// Restore loads a backup stream into the database.
func (s *BlockchainDB) Restore(r io.Reader) error {
	if err := s.db.Load(r, restoreMaxPendingTxn); err != nil {
		return fmt.Errorf("failed to restore store: %w", err)
	}
	s.cache.Purge()
	return nil
}

// Close releases the database.
func (s *BlockchainDB) Close() error {
	return s.db.Close()
}
