package mepoo

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
)

func TestRegionCursor(t *testing.T) {
	cursor := newRegionCursor(64, 1024)

	offset, err := cursor.allocate(10, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(64), offset)

	offset, err = cursor.allocate(100, 64)
	require.NoError(t, err)
	require.Equal(t, uint64(128), offset)
	require.Equal(t, uint64(164), cursor.used())

	_, err = cursor.allocate(1024, 8)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, uint64(164), cursor.used())

	offset, err = cursor.allocate(1088-228, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(228), offset)
	require.Equal(t, uint64(1024), cursor.used())
}

func TestPlanLayout(t *testing.T) {
	config := Config{Entries: []PoolEntry{{Size: 128, Count: 4}, {Size: 1000, Count: 2, Alignment: 256}}}

	plans, cursor, err := planLayout(config, 64, 1<<20)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	require.Equal(t, uint64(384), plans[0].offset)
	require.Equal(t, 176, plans[0].blockSize)
	require.Equal(t, 8, plans[0].alignment)
	require.Equal(t, 4, plans[0].count)

	require.Equal(t, uint64(1280), plans[1].offset)
	require.Equal(t, 1256, plans[1].blockSize)
	require.Equal(t, 256, plans[1].alignment)
	require.GreaterOrEqual(t, plans[1].offset, plans[0].offset+uint64(mempool.RequiredSize(176, 8, 4)))

	management := plans[2]
	require.Equal(t, ChunkManagementSize, management.blockSize)
	require.Equal(t, 6, management.count)
	require.Equal(t, management.offset+uint64(mempool.RequiredSize(ChunkManagementSize, ChunkAlignment, 6)), 64+cursor.used())

	_, _, err = planLayout(config, 64, 1024)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
