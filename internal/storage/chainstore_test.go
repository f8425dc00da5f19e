package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testIdentity(b byte) validator.Identity {
	var id validator.Identity
	id[0] = b
	return id
}

func TestChainStorePutAndGetBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewChainStore(newTestBadgerStore(t))

	block := &bft.CommittedBlock{
		Block:       bft.ProposedBlock{Height: 5, Timestamp: 100},
		CommitRound: 1,
		CommitSignatures: []bft.CommitSignature{
			{Voter: testIdentity(1), Signature: []byte("sig")},
		},
	}
	require.NoError(t, store.PutBlock(ctx, block))

	got, err := store.GetBlock(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(5), got.Block.Height)
	assert.Equal(t, int32(1), got.CommitRound)
	assert.Equal(t, testIdentity(1), got.CommitSignatures[0].Voter)
}

func TestChainStoreGetBlockMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	store := NewChainStore(newTestBadgerStore(t))

	got, err := store.GetBlock(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChainStoreHeightTracksHighestCommittedBlock(t *testing.T) {
	ctx := context.Background()
	store := NewChainStore(newTestBadgerStore(t))

	_, ok, err := store.Height(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutBlock(ctx, &bft.CommittedBlock{Block: bft.ProposedBlock{Height: 3}}))
	require.NoError(t, store.PutBlock(ctx, &bft.CommittedBlock{Block: bft.ProposedBlock{Height: 7}}))
	require.NoError(t, store.PutBlock(ctx, &bft.CommittedBlock{Block: bft.ProposedBlock{Height: 4}}))

	height, ok, err := store.Height(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), height)
}

func TestChainStorePutAndIterateEvidence(t *testing.T) {
	ctx := context.Background()
	store := NewChainStore(newTestBadgerStore(t))

	ev := []bft.DoubleSignEvidence{
		{Validator: testIdentity(1), Height: 10, Kind: bft.EvidenceConflictingPrevote},
		{Validator: testIdentity(2), Height: 10, Kind: bft.EvidenceConflictingPrecommit},
	}
	require.NoError(t, store.PutEvidence(ctx, 10, ev))

	var collected []bft.DoubleSignEvidence
	require.NoError(t, store.IterateEvidence(ctx, func(e bft.DoubleSignEvidence) error {
		collected = append(collected, e)
		return nil
	}))
	assert.Len(t, collected, 2)
}
