package mepoo

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
)

// PoolSet is an ordered collection of pools with strictly ascending block sizes. A request is
// served by the first pool whose blocks are large and aligned enough; it never spills over into
// a larger pool when that one is exhausted.
type PoolSet struct {
	pools []*mempool.MemPool
	byRef *swiss.Map[relptr.Pointer, *mempool.MemPool]
}

// NewPoolSet builds a PoolSet. The pools must be provided in strictly ascending block size order.
func NewPoolSet(pools ...*mempool.MemPool) (*PoolSet, error) {
	byRef := swiss.NewMap[relptr.Pointer, *mempool.MemPool](uint32(len(pools)))

	for index, pool := range pools {
		if index > 0 && pools[index-1].BlockSize() >= pool.BlockSize() {
			return nil, cerrors.Wrapf(ErrPoolOrder, "pool %d has %d byte blocks, following a pool with %d byte blocks", index, pool.BlockSize(), pools[index-1].BlockSize())
		}
		byRef.Put(pool.Ref(), pool)
	}

	return &PoolSet{
		pools: pools,
		byRef: byRef,
	}, nil
}

// Select returns the first pool whose blocks are at least size bytes and aligned to at least
// alignment. It returns ErrNoFittingPool if there is none.
func (s *PoolSet) Select(size int, alignment int) (*mempool.MemPool, error) {
	for _, pool := range s.pools {
		if pool.BlockSize() >= size && pool.BlockAlignment() >= alignment {
			return pool, nil
		}
	}

	return nil, cerrors.Wrapf(ErrNoFittingPool, "size %d, alignment %d", size, alignment)
}

// Allocate acquires a block from the pool Select picks. If that pool is exhausted, the error
// is ErrEmpty, even when a larger pool still has free blocks.
func (s *PoolSet) Allocate(size int, alignment int) (relptr.Pointer, *mempool.MemPool, error) {
	pool, err := s.Select(size, alignment)
	if err != nil {
		return relptr.Null, nil, err
	}

	block, err := pool.Acquire()
	if err != nil {
		return relptr.Null, nil, err
	}
	return block, pool, nil
}

// Lookup finds a pool of the set by its location-independent pointer
func (s *PoolSet) Lookup(ref relptr.Pointer) (*mempool.MemPool, bool) {
	return s.byRef.Get(ref)
}

// Pools returns the pools of the set in ascending block size order
func (s *PoolSet) Pools() []*mempool.MemPool {
	return s.pools
}

// Len returns the number of pools in the set
func (s *PoolSet) Len() int {
	return len(s.pools)
}

// AddStatistics sums the occupancy of every pool in the set into stats
func (s *PoolSet) AddStatistics(stats *memutils.Statistics) {
	for _, pool := range s.pools {
		pool.AddStatistics(stats)
	}
}

// WriteJson writes the set as an array of pool objects
func (s *PoolSet) WriteJson(json *jwriter.ArrayState) {
	for _, pool := range s.pools {
		obj := json.Object()
		pool.PoolJsonData(obj)
		obj.End()
	}
}
