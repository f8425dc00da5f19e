package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/rechain/bftnode/pkg/bft"
)

// Key prefixes for the chain store's flat keyspace over a Store. Block
// keys are big-endian height-encoded so Iterate over the block prefix
// walks heights in order.
var (
	blockPrefix    = []byte("block/")
	evidencePrefix = []byte("evidence/")
	metaHeightKey  = []byte("meta/height")
)

// ChainStore persists committed blocks and double-sign evidence over a
// generic Store, keyed so an on-disk BadgerStore (or any other Store
// implementation) survives a restart with full chain history intact.
type ChainStore struct {
	store Store
}

// NewChainStore wraps an opened Store for committed-block and evidence
// persistence.
func NewChainStore(store Store) *ChainStore {
	return &ChainStore{store: store}
}

func blockKey(height uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], height)
	return key
}

func evidenceKey(height uint64, idx int) []byte {
	key := make([]byte, 0, len(evidencePrefix)+16)
	key = append(key, evidencePrefix...)
	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], height)
	key = append(key, heightBytes...)
	key = append(key, []byte(fmt.Sprintf("/%d", idx))...)
	return key
}

// PutBlock persists a committed block and advances the recorded chain
// height if this block is the new tip.
func (c *ChainStore) PutBlock(ctx context.Context, block *bft.CommittedBlock) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("chainstore: marshal block: %w", err)
	}
	if err := c.store.Set(ctx, blockKey(block.Block.Height), data); err != nil {
		return fmt.Errorf("chainstore: put block %d: %w", block.Block.Height, err)
	}

	height, ok, err := c.Height(ctx)
	if err != nil {
		return err
	}
	if !ok || block.Block.Height > height {
		return c.setHeight(ctx, block.Block.Height)
	}
	return nil
}

// GetBlock retrieves a committed block by height, returning (nil, nil)
// if no block is stored at that height.
func (c *ChainStore) GetBlock(ctx context.Context, height uint64) (*bft.CommittedBlock, error) {
	data, err := c.store.Get(ctx, blockKey(height))
	if err != nil {
		return nil, fmt.Errorf("chainstore: get block %d: %w", height, err)
	}
	if data == nil {
		return nil, nil
	}

	var block bft.CommittedBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("chainstore: unmarshal block %d: %w", height, err)
	}
	return &block, nil
}

// Height returns the highest committed block height recorded, and
// whether any block has been committed at all.
func (c *ChainStore) Height(ctx context.Context) (uint64, bool, error) {
	data, err := c.store.Get(ctx, metaHeightKey)
	if err != nil {
		return 0, false, fmt.Errorf("chainstore: get height: %w", err)
	}
	if data == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func (c *ChainStore) setHeight(ctx context.Context, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return c.store.Set(ctx, metaHeightKey, buf[:])
}

// PutEvidence persists a batch of double-sign evidence discovered at a
// given height, keyed so repeated calls for the same height with
// distinct indices do not collide.
func (c *ChainStore) PutEvidence(ctx context.Context, height uint64, evidence []bft.DoubleSignEvidence) error {
	for i, ev := range evidence {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("chainstore: marshal evidence: %w", err)
		}
		if err := c.store.Set(ctx, evidenceKey(height, i), data); err != nil {
			return fmt.Errorf("chainstore: put evidence: %w", err)
		}
	}
	return nil
}

// IterateEvidence walks all stored evidence in key order.
func (c *ChainStore) IterateEvidence(ctx context.Context, fn func(ev bft.DoubleSignEvidence) error) error {
	return c.store.Iterate(ctx, evidencePrefix, func(_, value []byte) error {
		var ev bft.DoubleSignEvidence
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("chainstore: unmarshal evidence: %w", err)
		}
		return fn(ev)
	})
}

// Close releases the underlying store's resources.
func (c *ChainStore) Close() error {
	return c.store.Close()
}
