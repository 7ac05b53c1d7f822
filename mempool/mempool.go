package mempool

import (
	"io"
	"math"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
	"golang.org/x/exp/slog"
)

var (
	// ErrEmpty is returned from Acquire when every block in the pool is in use
	ErrEmpty = errors.New("memory pool is exhausted")
	// ErrContended is returned from Acquire when the retry policy ran out before the free list
	// could be updated. The pool is intact; the caller may retry.
	ErrContended = errors.New("memory pool is contended")
	// ErrInvalidReference is returned when a pointer does not refer to the start of a block owned
	// by the pool
	ErrInvalidReference = errors.New("pointer is not a block of this pool")
	// ErrNotAPool is returned from Attach when the pointer does not refer to an initialized pool
	ErrNotAPool = errors.New("pointer does not refer to a memory pool")
	// ErrInvalidConfig is returned from Create when the pool geometry cannot be laid out
	ErrInvalidConfig = errors.New("invalid memory pool configuration")
	// ErrMisaligned is returned when a pool's storage is not aligned in this process's mapping
	ErrMisaligned = errors.New("memory pool storage is misaligned")
)

const (
	poolMagic uint64 = 0x6d656d706f6f6c31

	// HeaderSize is the number of bytes of pool bookkeeping stored before the blocks
	HeaderSize = 64
	// HeaderAlignment is the alignment required for the start of a pool's storage
	HeaderAlignment = 64
	// MinBlockAlignment is the smallest alignment a pool will give its blocks. Smaller requested
	// alignments are raised to it.
	MinBlockAlignment = 8
	// MaxBlockAlignment is the largest supported block alignment. Segments are mapped page-aligned,
	// so alignments up to a page are identical in every process.
	MaxBlockAlignment = 4096
	// MinBlockSize is the smallest block a pool can manage: a free block stores the index of the
	// next free block in its first bytes.
	MinBlockSize = 4
	// MaxBlockCount is the largest number of blocks a single pool can hold
	MaxBlockCount = math.MaxUint32 - 1

	endOfList uint32 = math.MaxUint32
)

// header lives in shared memory at the start of the pool's storage. Every process attaching the
// pool sees the same header. Only head, freeCount and usedMax change after creation.
type header struct {
	magic          uint64         // 0x00
	blockSize      uint32         // 0x08
	blockAlignment uint32         // 0x0C
	blockCount     uint32         // 0x10
	stride         uint32         // 0x14
	data           relptr.Pointer // 0x18
	head           uint64         // 0x20 free list head: ABA tag << 32 | block index
	freeCount      uint32         // 0x28
	usedMax        uint32         // 0x2C
	_              [16]byte       // 0x30-0x3F
}

var _ [HeaderSize - unsafe.Sizeof(header{})]byte

func packHead(index uint32, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

func unpackHead(head uint64) (index uint32, tag uint32) {
	return uint32(head), uint32(head >> 32)
}

// Options holds settings that are local to one process's view of a pool
type Options struct {
	// Logger receives lifecycle messages. It may be nil.
	Logger *slog.Logger
	// Retry is the contention policy for Acquire and Release. Nil selects DefaultRetryPolicy; a
	// zero RetryPolicy makes Acquire give up on the first contended update.
	Retry *RetryPolicy
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard))
	}
	return o.Logger
}

func (o Options) retry() RetryPolicy {
	if o.Retry == nil {
		return DefaultRetryPolicy
	}
	return *o.Retry
}

// MemPool is this process's view of a fixed-block allocator that lives inside a shared memory
// segment. The allocator state itself is in shared memory; any number of MemPool values in any
// number of processes may operate on the same pool concurrently.
//
// Free blocks form a singly-linked list threaded through the first four bytes of each block, by
// block index. The list head carries a tag that changes on every update so that a stale head
// can never be swapped back in.
type MemPool struct {
	logger *slog.Logger
	retry  RetryPolicy

	ref    relptr.Pointer
	header *header
	data   unsafe.Pointer
}

// RequiredSize returns the number of bytes of segment storage a pool with the provided geometry
// needs, assuming the storage starts on a HeaderAlignment boundary
func RequiredSize(blockSize int, blockAlignment int, blockCount int) int {
	blockAlignment = memutils.Max(blockAlignment, MinBlockAlignment)
	stride := memutils.AlignUp(blockSize, blockAlignment)
	return memutils.AlignUp(HeaderSize, blockAlignment) + stride*blockCount
}

func validateGeometry(blockSize int, blockAlignment int, blockCount int) error {
	if blockSize < MinBlockSize {
		return cerrors.Wrapf(ErrInvalidConfig, "block size %d is smaller than the minimum of %d", blockSize, MinBlockSize)
	}
	err := memutils.CheckPow2(blockAlignment, "block alignment")
	if err != nil {
		return cerrors.WithSecondaryError(cerrors.Wrapf(ErrInvalidConfig, "%v", err), err)
	}
	if blockAlignment > MaxBlockAlignment {
		return cerrors.Wrapf(ErrInvalidConfig, "block alignment %d is larger than the maximum of %d", blockAlignment, MaxBlockAlignment)
	}
	if blockCount <= 0 || uint64(blockCount) > MaxBlockCount {
		return cerrors.Wrapf(ErrInvalidConfig, "block count %d must be between 1 and %d", blockCount, MaxBlockCount)
	}
	if uint64(RequiredSize(blockSize, blockAlignment, blockCount)) > relptr.MaxSegmentSize {
		return cerrors.Wrapf(ErrInvalidConfig, "%d blocks of %d bytes do not fit in a segment", blockCount, blockSize)
	}
	return nil
}

// Create formats a new pool in the segment storage at region and returns a view of it. Every
// block starts out free. Other processes can open the pool with Attach once Create returns.
//
// region must be HeaderAlignment-aligned and RequiredSize bytes must be available behind it.
func Create(reg *relptr.Registry, region relptr.Pointer, blockSize, blockAlignment, blockCount int, options Options) (*MemPool, error) {
	logger := options.logger()
	logger.Debug("MemPool::Create",
		slog.String("Region", region.String()),
		slog.Int("BlockSize", blockSize),
		slog.Int("BlockAlignment", blockAlignment),
		slog.Int("BlockCount", blockCount))

	err := validateGeometry(blockSize, blockAlignment, blockCount)
	if err != nil {
		return nil, err
	}
	blockAlignment = memutils.Max(blockAlignment, MinBlockAlignment)

	required := RequiredSize(blockSize, blockAlignment, blockCount)
	if !reg.Contains(region, uint64(required)) {
		return nil, cerrors.Wrapf(ErrInvalidConfig, "%d bytes at %s do not fit in the segment", required, region)
	}

	base, err := reg.ToLocal(region)
	if err != nil {
		return nil, err
	}
	if !memutils.IsAligned(uintptr(base), HeaderAlignment) {
		return nil, cerrors.Wrapf(ErrMisaligned, "pool storage at %s must be %d-byte aligned", region, HeaderAlignment)
	}

	dataOffset := memutils.AlignUp(HeaderSize, blockAlignment)
	stride := memutils.AlignUp(blockSize, blockAlignment)

	pool := &MemPool{
		logger: logger,
		retry:  options.retry(),
		ref:    region,
		header: (*header)(base),
		data:   unsafe.Add(base, dataOffset),
	}
	if !memutils.IsAligned(uintptr(pool.data), uintptr(blockAlignment)) {
		return nil, cerrors.Wrapf(ErrMisaligned, "pool blocks at %s must be %d-byte aligned", region, blockAlignment)
	}

	h := pool.header
	atomic.StoreUint64(&h.magic, 0)
	h.blockSize = uint32(blockSize)
	h.blockAlignment = uint32(blockAlignment)
	h.blockCount = uint32(blockCount)
	h.stride = uint32(stride)
	h.data = region.Add(uint64(dataOffset))

	for index := uint32(0); index < h.blockCount-1; index++ {
		atomic.StoreUint32(pool.link(index), index+1)
	}
	atomic.StoreUint32(pool.link(h.blockCount-1), endOfList)

	atomic.StoreUint64(&h.head, packHead(0, 0))
	atomic.StoreUint32(&h.freeCount, h.blockCount)
	atomic.StoreUint32(&h.usedMax, 0)

	// Publishing the magic makes the pool visible to Attach
	atomic.StoreUint64(&h.magic, poolMagic)

	memutils.DebugValidate(pool)
	return pool, nil
}

// Attach opens a pool that was created with Create, possibly by another process
func Attach(reg *relptr.Registry, ref relptr.Pointer, options Options) (*MemPool, error) {
	if !reg.Contains(ref, HeaderSize) {
		return nil, cerrors.Wrapf(ErrNotAPool, "%s", ref)
	}

	base, err := reg.ToLocal(ref)
	if err != nil {
		return nil, err
	}
	if !memutils.IsAligned(uintptr(base), HeaderAlignment) {
		return nil, cerrors.Wrapf(ErrMisaligned, "pool header at %s", ref)
	}

	h := (*header)(base)
	if atomic.LoadUint64(&h.magic) != poolMagic {
		return nil, cerrors.Wrapf(ErrNotAPool, "%s", ref)
	}

	if !reg.Contains(h.data, uint64(h.stride)*uint64(h.blockCount)) {
		return nil, cerrors.Wrapf(ErrNotAPool, "blocks of the pool at %s are outside of the segment", ref)
	}
	data, err := reg.ToLocal(h.data)
	if err != nil {
		return nil, err
	}
	if !memutils.IsAligned(uintptr(data), uintptr(h.blockAlignment)) {
		return nil, cerrors.Wrapf(ErrMisaligned, "pool blocks at %s must be %d-byte aligned", h.data, h.blockAlignment)
	}

	logger := options.logger()
	logger.Debug("MemPool::Attach", slog.String("Pool", ref.String()), slog.Int("BlockSize", int(h.blockSize)))

	return &MemPool{
		logger: logger,
		retry:  options.retry(),
		ref:    ref,
		header: h,
		data:   data,
	}, nil
}

func (p *MemPool) link(index uint32) *uint32 {
	return (*uint32)(unsafe.Add(p.data, uintptr(index)*uintptr(p.header.stride)))
}

func (p *MemPool) index(block relptr.Pointer) (uint32, bool) {
	data := p.header.data
	if block.IsNull() || block.Segment() != data.Segment() || block.Offset() < data.Offset() {
		return 0, false
	}

	offset := block.Offset() - data.Offset()
	stride := p.header.stride
	if offset%stride != 0 || offset/stride >= p.header.blockCount {
		return 0, false
	}
	return offset / stride, true
}

// Acquire removes a block from the free list and returns a pointer to it. It returns ErrEmpty
// when no block is free and ErrContended when the retry policy gave up on a contended free list.
// Acquire never blocks.
func (p *MemPool) Acquire() (relptr.Pointer, error) {
	var backoff backoff
	h := p.header

	for {
		head := atomic.LoadUint64(&h.head)
		index, tag := unpackHead(head)
		if index == endOfList {
			return relptr.Null, ErrEmpty
		}

		// index may already have been taken and overwritten by its new owner; the tag makes
		// the swap below fail in that case, so a garbage next value is never published
		next := atomic.LoadUint32(p.link(index))
		if atomic.CompareAndSwapUint64(&h.head, head, packHead(next, tag+1)) {
			free := atomic.AddUint32(&h.freeCount, ^uint32(0))
			p.raiseUsedMax(h.blockCount - clampCount(free, h.blockCount))
			return h.data.Add(uint64(index) * uint64(h.stride)), nil
		}

		if !backoff.next(p.retry) {
			return relptr.Null, ErrContended
		}
	}
}

// Release returns a block to the free list. The block must have been returned by Acquire on this
// pool (in any process) and must not be used after Release. Releasing the same block twice
// corrupts the pool; that is not detected.
func (p *MemPool) Release(block relptr.Pointer) error {
	index, ok := p.index(block)
	if !ok {
		return cerrors.Wrapf(ErrInvalidReference, "%s is not a block of the pool at %s", block, p.ref)
	}

	var backoff backoff
	h := p.header

	for {
		head := atomic.LoadUint64(&h.head)
		next, tag := unpackHead(head)

		atomic.StoreUint32(p.link(index), next)
		if atomic.CompareAndSwapUint64(&h.head, head, packHead(index, tag+1)) {
			atomic.AddUint32(&h.freeCount, 1)
			return nil
		}

		backoff.wait(p.retry)
	}
}

func (p *MemPool) raiseUsedMax(used uint32) {
	for {
		current := atomic.LoadUint32(&p.header.usedMax)
		if used <= current || atomic.CompareAndSwapUint32(&p.header.usedMax, current, used) {
			return
		}
	}
}

// clampCount reads a counter that may transiently run past its bounds while acquires and
// releases are between their list update and their counter update
func clampCount(count uint32, limit uint32) uint32 {
	if int32(count) < 0 {
		return 0
	}
	if count > limit {
		return limit
	}
	return count
}

// Ref returns the location-independent pointer to the pool
func (p *MemPool) Ref() relptr.Pointer { return p.ref }

// BlockSize returns the usable size of each block in bytes
func (p *MemPool) BlockSize() int { return int(p.header.blockSize) }

// BlockAlignment returns the alignment every block is guaranteed to have
func (p *MemPool) BlockAlignment() int { return int(p.header.blockAlignment) }

// BlockCount returns the total number of blocks in the pool
func (p *MemPool) BlockCount() int { return int(p.header.blockCount) }

// FreeCount returns the number of free blocks. It is an observation only: other processes may
// change it at any moment.
func (p *MemPool) FreeCount() int {
	return int(clampCount(atomic.LoadUint32(&p.header.freeCount), p.header.blockCount))
}

// UsedMax returns the largest number of blocks that were in use at the same time
func (p *MemPool) UsedMax() int {
	return int(atomic.LoadUint32(&p.header.usedMax))
}

// Contains returns true if block points at the start of one of this pool's blocks
func (p *MemPool) Contains(block relptr.Pointer) bool {
	_, ok := p.index(block)
	return ok
}

// Local converts a block pointer of this pool to a local address without going through a registry
func (p *MemPool) Local(block relptr.Pointer) (unsafe.Pointer, error) {
	index, ok := p.index(block)
	if !ok {
		return nil, cerrors.Wrapf(ErrInvalidReference, "%s is not a block of the pool at %s", block, p.ref)
	}
	return unsafe.Add(p.data, uintptr(index)*uintptr(p.header.stride)), nil
}

// AddStatistics sums this pool's occupancy into the provided statistics
func (p *MemPool) AddStatistics(stats *memutils.Statistics) {
	count := p.BlockCount()
	stats.AddPool(p.BlockSize(), count, count-p.FreeCount(), p.UsedMax())
}

// PoolJsonData populates a json object with information about this pool
func (p *MemPool) PoolJsonData(json jwriter.ObjectState) {
	json.Name("Ref").String(p.ref.String())
	json.Name("BlockSize").Int(p.BlockSize())
	json.Name("BlockAlignment").Int(p.BlockAlignment())
	json.Name("BlockCount").Int(p.BlockCount())
	json.Name("FreeBlocks").Int(p.FreeCount())
	json.Name("UsedMax").Int(p.UsedMax())
}

// Validate walks the free list and checks it against the pool geometry. It must only be called
// while no other goroutine or process is acquiring or releasing blocks of this pool.
func (p *MemPool) Validate() error {
	h := p.header
	if atomic.LoadUint64(&h.magic) != poolMagic {
		return errors.New("the pool header magic value has been overwritten")
	}
	if h.stride < h.blockSize || h.stride%h.blockAlignment != 0 {
		return errors.Errorf("the block stride %d does not fit blocks of %d bytes aligned to %d", h.stride, h.blockSize, h.blockAlignment)
	}

	visited := make([]uint64, (h.blockCount+63)/64)
	var listLength uint32

	index, _ := unpackHead(atomic.LoadUint64(&h.head))
	for index != endOfList {
		if index >= h.blockCount {
			return errors.Errorf("the free list links to block %d, but the pool only has %d blocks", index, h.blockCount)
		}
		if visited[index/64]&(1<<(index%64)) != 0 {
			return errors.Errorf("block %d appears on the free list more than once", index)
		}
		visited[index/64] |= 1 << (index % 64)
		listLength++

		index = atomic.LoadUint32(p.link(index))
	}

	freeCount := atomic.LoadUint32(&h.freeCount)
	if listLength != freeCount {
		return errors.Errorf("the free list holds %d blocks, but the pool counts %d free blocks", listLength, freeCount)
	}

	usedMax := atomic.LoadUint32(&h.usedMax)
	if usedMax > h.blockCount || usedMax < h.blockCount-freeCount {
		return errors.Errorf("the high-water mark of %d used blocks is inconsistent with %d of %d blocks in use", usedMax, h.blockCount-freeCount, h.blockCount)
	}

	return nil
}
