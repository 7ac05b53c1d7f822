package mepoo

import (
	"math"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
)

// ChunkManagementSize is the size of the ChunkManagement record, which is also the block size
// of the pool that holds them
const ChunkManagementSize = 32

//go:generate mockgen -destination mocks/block_releaser.go -package mock_mepoo . BlockReleaser

// BlockReleaser returns a block to the pool it was acquired from. The pool is identified by its
// location-independent pointer, so any process that can see the pool can return the block.
type BlockReleaser interface {
	ReleaseBlock(pool relptr.Pointer, block relptr.Pointer) error
}

// ChunkManagement is the shared control record of a chunk. It lives in its own pool, separate
// from the chunk, and holds the reference count every holder of the chunk shares. The
// location-independent pointer to a ChunkManagement is what gets passed between processes.
type ChunkManagement struct {
	chunkHeader      relptr.Pointer // 0x00
	referenceCounter uint64         // 0x08
	mempool          relptr.Pointer // 0x10 the pool holding the chunk
	managementPool   relptr.Pointer // 0x18 the pool holding this record
}

var _ [ChunkManagementSize - unsafe.Sizeof(ChunkManagement{})]byte
var _ [unsafe.Sizeof(ChunkManagement{}) - ChunkManagementSize]byte

// Init prepares a freshly acquired record for a new chunk, with a reference count of one
// belonging to the caller
func (m *ChunkManagement) Init(chunkHeader, mempool, managementPool relptr.Pointer) {
	m.chunkHeader = chunkHeader
	m.mempool = mempool
	m.managementPool = managementPool
	atomic.StoreUint64(&m.referenceCounter, 1)
}

// ChunkHeaderRef is the location-independent pointer to the chunk
func (m *ChunkManagement) ChunkHeaderRef() relptr.Pointer { return m.chunkHeader }

// MemPoolRef is the location-independent pointer to the pool holding the chunk
func (m *ChunkManagement) MemPoolRef() relptr.Pointer { return m.mempool }

// ManagementPoolRef is the location-independent pointer to the pool holding this record
func (m *ChunkManagement) ManagementPoolRef() relptr.Pointer { return m.managementPool }

// ReferenceCount returns the number of holders of the chunk. Like any shared counter it is an
// observation only.
func (m *ChunkManagement) ReferenceCount() uint64 {
	return atomic.LoadUint64(&m.referenceCounter)
}

// Duplicate adds a reference on behalf of a new holder. The caller must already hold a
// reference; duplicating a chunk whose count reached zero panics with ErrLifetimeViolation.
func (m *ChunkManagement) Duplicate() {
	if atomic.AddUint64(&m.referenceCounter, 1) == 1 {
		panic(cerrors.Wrapf(ErrLifetimeViolation, "duplicated the released chunk %s", m.chunkHeader))
	}
}

// Release drops the caller's reference. self is the location-independent pointer to this
// record. When the last reference is dropped, the chunk is returned to its pool and then this
// record is returned to its own pool, and Release returns true. The record must not be touched
// after that.
//
// Releasing more references than were taken panics with ErrLifetimeViolation.
func (m *ChunkManagement) Release(self relptr.Pointer, releaser BlockReleaser) (bool, error) {
	remaining := atomic.AddUint64(&m.referenceCounter, math.MaxUint64)
	if remaining == math.MaxUint64 {
		panic(cerrors.Wrapf(ErrLifetimeViolation, "released the chunk %s more times than it was referenced", m.chunkHeader))
	}
	if remaining > 0 {
		return false, nil
	}

	// The record is still exclusively ours until it goes back to its pool, so read it first
	chunkHeader, mempool, managementPool := m.chunkHeader, m.mempool, m.managementPool

	chunkErr := releaser.ReleaseBlock(mempool, chunkHeader)
	if chunkErr != nil {
		chunkErr = cerrors.Wrapf(chunkErr, "failed to return chunk %s to its pool", chunkHeader)
	}
	recordErr := releaser.ReleaseBlock(managementPool, self)
	if recordErr != nil {
		recordErr = cerrors.Wrapf(recordErr, "failed to return chunk management record %s to its pool", self)
	}

	return true, cerrors.CombineErrors(chunkErr, recordErr)
}
