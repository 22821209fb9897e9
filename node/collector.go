package node

import (
	"context"
	"sync"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/types"
)

// LocalCollector signs candidate blocks with every validator key this
// process holds. In a single-node deployment that is the whole set; in a
// devnet it lets one process stand in for several validators.
type LocalCollector struct {
	mu   sync.RWMutex
	keys map[string]crypto.PrivateKey
}

func NewLocalCollector() *LocalCollector {
	return &LocalCollector{keys: make(map[string]crypto.PrivateKey)}
}

// AddKey registers a signing key under its validator address.
func (c *LocalCollector) AddKey(address string, key crypto.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[address] = key
}

// CollectSignatures signs the block hash for each active validator whose
// key is held locally. Validators without a local key simply do not sign.
func (c *LocalCollector) CollectSignatures(ctx context.Context, block *types.Block, set *types.ValidatorSet) ([]types.BlockSignature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sigs []types.BlockSignature
	for _, v := range set.Validators {
		if err := ctx.Err(); err != nil {
			return sigs, err
		}
		key, ok := c.keys[v.Address]
		if !ok {
			continue
		}
		sigs = append(sigs, types.BlockSignature{
			Validator: v.Address,
			Signature: key.Sign(block.Hash.Bytes()),
		})
	}
	return sigs, nil
}
