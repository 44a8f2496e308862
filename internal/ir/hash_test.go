package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryChecksum_Deterministic(t *testing.T) {
	muts := []Mutation{
		{Kind: "put", Key: "shape/a", Value: "owner-1"},
		{Kind: "delete", Key: "shape/b"},
	}

	a, err := EntryChecksum(7, muts)
	require.NoError(t, err)
	b, err := EntryChecksum(7, muts)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "hex encoded sha256")
}

func TestEntryChecksum_SensitiveToIndexAndOrder(t *testing.T) {
	put := Mutation{Kind: "put", Key: "shape/a", Value: "o"}
	del := Mutation{Kind: "delete", Key: "shape/a"}

	base, err := EntryChecksum(1, []Mutation{put, del})
	require.NoError(t, err)

	otherIndex, err := EntryChecksum(2, []Mutation{put, del})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherIndex)

	reordered, err := EntryChecksum(1, []Mutation{del, put})
	require.NoError(t, err)
	assert.NotEqual(t, base, reordered)
}

func TestEntryChecksum_DomainSeparated(t *testing.T) {
	canonical, err := MarshalCanonical(Object{"index": Int(1), "ops": Array{}})
	require.NoError(t, err)

	sum, err := EntryChecksum(1, nil)
	require.NoError(t, err)

	assert.Equal(t, hashWithDomain(DomainEntry, canonical), sum)
	assert.NotEqual(t, hashWithDomain("other/v1", canonical), sum)
}
