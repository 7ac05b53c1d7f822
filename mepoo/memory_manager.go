package mepoo

import (
	"context"
	"io"
	"math"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
	"golang.org/x/exp/slog"
)

// Options holds settings that are local to one process's view of a memory manager
type Options struct {
	// Logger receives lifecycle messages. It may be nil.
	Logger *slog.Logger
	// Retry is the contention policy used by every pool of the memory manager
	Retry *mempool.RetryPolicy
	// ExpectedConfig, when set, makes AttachMemoryManager fail with ErrConfigMismatch unless the
	// storage was configured with an equivalent Config
	ExpectedConfig *Config
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard))
	}
	return o.Logger
}

func (o Options) poolOptions(logger *slog.Logger) mempool.Options {
	return mempool.Options{
		Logger: logger,
		Retry:  o.Retry,
	}
}

// PoolInfo is a snapshot of one pool's geometry and occupancy
type PoolInfo struct {
	Ref            relptr.Pointer
	ChunkSize      int
	ChunkAlignment int
	ChunkCount     int
	FreeChunks     int
	UsedMax        int
}

func poolInfo(pool *mempool.MemPool) PoolInfo {
	return PoolInfo{
		Ref:            pool.Ref(),
		ChunkSize:      pool.BlockSize(),
		ChunkAlignment: pool.BlockAlignment(),
		ChunkCount:     pool.BlockCount(),
		FreeChunks:     pool.FreeCount(),
		UsedMax:        pool.UsedMax(),
	}
}

// MemoryManager is this process's view of a set of chunk pools, plus the pool of ChunkManagement
// records shared by all of them, laid out in shared memory. One process configures the storage
// with ConfigureMemoryManager; any number of processes attach to it with AttachMemoryManager.
// Every view can allocate, duplicate and release chunks concurrently with every other view.
type MemoryManager struct {
	logger   *slog.Logger
	registry *relptr.Registry

	ref            relptr.Pointer
	table          *layoutTable
	chunkPools     *PoolSet
	managementPool *mempool.MemPool
}

// RequiredMemorySize returns the number of bytes of LayoutAlignment-aligned segment storage a
// memory manager with the provided configuration may occupy
func RequiredMemorySize(config Config) (int, error) {
	err := config.Validate()
	if err != nil {
		return 0, err
	}

	plans, cursor, err := planLayout(config, 0, math.MaxUint64/2)
	if err != nil {
		return 0, err
	}

	// Planned from offset zero, pools aligned more strictly than LayoutAlignment may land on
	// different boundaries at the real offset, so leave room for the worst case
	required := cursor.used()
	for _, plan := range plans {
		if uint64(plan.alignment) > LayoutAlignment {
			required += uint64(plan.alignment) - LayoutAlignment
		}
	}

	if required > relptr.MaxSegmentSize {
		return 0, cerrors.Wrapf(ErrInvalidConfig, "the configuration needs %d bytes, more than fits in a segment", required)
	}
	return int(required), nil
}

// ConfigureMemoryManager lays out the pools described by config in the storage at region and
// returns a view of them. region must be LayoutAlignment-aligned and have RequiredMemorySize
// bytes behind it. Other processes may attach once it returns.
func ConfigureMemoryManager(reg *relptr.Registry, region relptr.Pointer, config Config, options Options) (*MemoryManager, error) {
	logger := options.logger()
	logger.Debug("MemoryManager::ConfigureMemoryManager", slog.String("Region", region.String()), slog.Int("PoolCount", len(config.Entries)))

	err := config.Validate()
	if err != nil {
		return nil, err
	}

	segmentInfo, ok := reg.Segment(region.Segment())
	if !ok || uint64(region.Offset()) >= segmentInfo.Size {
		return nil, cerrors.Wrapf(relptr.ErrNotRegistered, "%s", region)
	}

	plans, _, err := planLayout(config, uint64(region.Offset()), segmentInfo.Size-uint64(region.Offset()))
	if err != nil {
		return nil, err
	}

	base, err := reg.ToLocal(region)
	if err != nil {
		return nil, err
	}
	if !memutils.IsAligned(uintptr(base), LayoutAlignment) {
		return nil, cerrors.Wrapf(mempool.ErrMisaligned, "memory manager storage at %s must be %d-byte aligned", region, LayoutAlignment)
	}

	table := (*layoutTable)(base)
	atomic.StoreUint64(&table.magic, 0)

	poolOptions := options.poolOptions(logger)
	pools := make([]*mempool.MemPool, 0, len(plans))
	for _, plan := range plans {
		pool, err := mempool.Create(reg, relptr.NewPointer(region.Segment(), uint32(plan.offset)), plan.blockSize, plan.alignment, plan.count, poolOptions)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}

	managementPool := pools[len(pools)-1]
	chunkPools, err := NewPoolSet(pools[:len(pools)-1]...)
	if err != nil {
		return nil, err
	}

	table.fingerprint = config.Fingerprint()
	table.poolCount = uint32(chunkPools.Len())
	table.managementPool = managementPool.Ref()
	table.pools = [MaxNumberOfMemPools]relptr.Pointer{}
	for index, pool := range chunkPools.Pools() {
		table.pools[index] = pool.Ref()
	}

	// Publishing the magic makes the memory manager visible to AttachMemoryManager
	atomic.StoreUint64(&table.magic, layoutMagic)

	manager := &MemoryManager{
		logger:         logger,
		registry:       reg,
		ref:            region,
		table:          table,
		chunkPools:     chunkPools,
		managementPool: managementPool,
	}
	memutils.DebugValidate(manager)

	return manager, nil
}

// AttachMemoryManager opens a memory manager that was configured with ConfigureMemoryManager,
// possibly by another process
func AttachMemoryManager(reg *relptr.Registry, region relptr.Pointer, options Options) (*MemoryManager, error) {
	logger := options.logger()
	logger.Debug("MemoryManager::AttachMemoryManager", slog.String("Region", region.String()))

	if !reg.Contains(region, layoutTableSize) {
		return nil, cerrors.Wrapf(ErrNotConfigured, "%s", region)
	}
	base, err := reg.ToLocal(region)
	if err != nil {
		return nil, err
	}
	if !memutils.IsAligned(uintptr(base), LayoutAlignment) {
		return nil, cerrors.Wrapf(mempool.ErrMisaligned, "memory manager storage at %s must be %d-byte aligned", region, LayoutAlignment)
	}

	table := (*layoutTable)(base)
	if atomic.LoadUint64(&table.magic) != layoutMagic {
		return nil, cerrors.Wrapf(ErrNotConfigured, "%s", region)
	}
	if options.ExpectedConfig != nil && options.ExpectedConfig.Fingerprint() != table.fingerprint {
		return nil, cerrors.Wrapf(ErrConfigMismatch, "%s", region)
	}
	if table.poolCount == 0 || table.poolCount > MaxNumberOfMemPools {
		return nil, cerrors.Wrapf(ErrNotConfigured, "%s has %d pools", region, table.poolCount)
	}

	poolOptions := options.poolOptions(logger)
	pools := make([]*mempool.MemPool, 0, table.poolCount)
	for _, poolRef := range table.pools[:table.poolCount] {
		pool, err := mempool.Attach(reg, poolRef, poolOptions)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}

	chunkPools, err := NewPoolSet(pools...)
	if err != nil {
		return nil, err
	}

	managementPool, err := mempool.Attach(reg, table.managementPool, poolOptions)
	if err != nil {
		return nil, err
	}
	if managementPool.BlockSize() != ChunkManagementSize {
		return nil, cerrors.Wrapf(ErrNotConfigured, "the management pool of %s has %d byte blocks", region, managementPool.BlockSize())
	}

	return &MemoryManager{
		logger:         logger,
		registry:       reg,
		ref:            region,
		table:          table,
		chunkPools:     chunkPools,
		managementPool: managementPool,
	}, nil
}

// Ref returns the location-independent pointer other processes attach with
func (m *MemoryManager) Ref() relptr.Pointer {
	return m.ref
}

// GetChunk allocates a chunk laid out according to settings, from the first pool that fits it.
// The returned SharedChunk holds the only reference. It returns ErrNoFittingPool if no pool is
// large enough and ErrEmpty if the fitting pool or the management pool is exhausted.
func (m *MemoryManager) GetChunk(settings ChunkSettings) (SharedChunk, error) {
	block, pool, err := m.chunkPools.Allocate(int(settings.RequiredChunkSize()), int(settings.RequiredAlignment()))
	if err != nil {
		return SharedChunk{}, err
	}

	control, err := m.managementPool.Acquire()
	if err != nil {
		return SharedChunk{}, cerrors.CombineErrors(err, pool.Release(block))
	}

	blockLocal, err := pool.Local(block)
	if err != nil {
		return SharedChunk{}, err
	}
	controlLocal, err := m.managementPool.Local(control)
	if err != nil {
		return SharedChunk{}, err
	}

	header := initChunkHeader(blockLocal, uint32(pool.BlockSize()), settings, control)
	management := (*ChunkManagement)(controlLocal)
	management.Init(block, pool.Ref(), m.managementPool.Ref())

	return SharedChunk{
		releaser: m,
		ref:      control,
		control:  management,
		header:   header,
	}, nil
}

// Allocate is GetChunk for a chunk with a user payload and no user header
func (m *MemoryManager) Allocate(payloadSize uint32, payloadAlignment uint32) (SharedChunk, error) {
	settings, err := PayloadSettings(payloadSize, payloadAlignment)
	if err != nil {
		return SharedChunk{}, err
	}
	return m.GetChunk(settings)
}

func (m *MemoryManager) management(ref relptr.Pointer) (*ChunkManagement, error) {
	local, err := m.managementPool.Local(ref)
	if err != nil {
		return nil, err
	}
	return (*ChunkManagement)(local), nil
}

// FromRef adopts a reference that another holder handed over, for instance through a queue
// between processes. The reference count is not changed: the sender gives its count to the
// returned handle.
func (m *MemoryManager) FromRef(ref relptr.Pointer) (SharedChunk, error) {
	management, err := m.management(ref)
	if err != nil {
		return SharedChunk{}, err
	}

	if _, ok := m.chunkPools.Lookup(management.MemPoolRef()); !ok {
		return SharedChunk{}, cerrors.Wrapf(mempool.ErrInvalidReference, "chunk %s does not belong to a pool of this memory manager", ref)
	}
	headerLocal, err := m.registry.ToLocal(management.ChunkHeaderRef())
	if err != nil {
		return SharedChunk{}, err
	}

	return SharedChunk{
		releaser: m,
		ref:      ref,
		control:  management,
		header:   (*ChunkHeader)(headerLocal),
	}, nil
}

// Duplicate adds a reference to the chunk whose ChunkManagement record is at ref. The caller
// must hold a reference already.
func (m *MemoryManager) Duplicate(ref relptr.Pointer) error {
	management, err := m.management(ref)
	if err != nil {
		return err
	}
	management.Duplicate()
	return nil
}

// Release drops a reference to the chunk whose ChunkManagement record is at ref, and returns
// true when that was the last reference and the chunk's memory was reclaimed
func (m *MemoryManager) Release(ref relptr.Pointer) (bool, error) {
	management, err := m.management(ref)
	if err != nil {
		return false, err
	}
	return management.Release(ref, m)
}

// ReleaseBlock returns a block to one of the memory manager's pools
func (m *MemoryManager) ReleaseBlock(pool relptr.Pointer, block relptr.Pointer) error {
	if pool == m.managementPool.Ref() {
		return m.managementPool.Release(block)
	}

	chunkPool, ok := m.chunkPools.Lookup(pool)
	if !ok {
		return cerrors.Wrapf(mempool.ErrInvalidReference, "%s is not a pool of this memory manager", pool)
	}
	return chunkPool.Release(block)
}

// PoolCount returns the number of chunk pools
func (m *MemoryManager) PoolCount() int {
	return m.chunkPools.Len()
}

// PoolInfo returns the state of the chunk pool at index, in ascending chunk size order
func (m *MemoryManager) PoolInfo(index int) (PoolInfo, error) {
	if index < 0 || index >= m.chunkPools.Len() {
		return PoolInfo{}, errors.Errorf("pool index %d is out of range: the memory manager has %d pools", index, m.chunkPools.Len())
	}
	return poolInfo(m.chunkPools.Pools()[index]), nil
}

// ManagementPoolInfo returns the state of the pool of ChunkManagement records
func (m *MemoryManager) ManagementPoolInfo() PoolInfo {
	return poolInfo(m.managementPool)
}

// Statistics sums the occupancy of the chunk pools into stats
func (m *MemoryManager) Statistics(stats *memutils.Statistics) {
	stats.Clear()
	m.chunkPools.AddStatistics(stats)
}

// WriteJson writes the state of every pool of the memory manager
func (m *MemoryManager) WriteJson(w *jwriter.Writer) {
	obj := w.Object()
	defer obj.End()

	obj.Name("Ref").String(m.ref.String())

	var stats memutils.Statistics
	m.Statistics(&stats)
	totalObj := obj.Name("Total").Object()
	stats.StatisticsJsonData(totalObj)
	totalObj.End()

	poolsArray := obj.Name("Pools").Array()
	m.chunkPools.WriteJson(&poolsArray)
	poolsArray.End()

	managementObj := obj.Name("ManagementPool").Object()
	m.managementPool.PoolJsonData(managementObj)
	managementObj.End()
}

// Validate checks every pool of the memory manager. Like mempool.MemPool.Validate, it must only be
// called while no chunks are being allocated or released.
func (m *MemoryManager) Validate() error {
	if atomic.LoadUint64(&m.table.magic) != layoutMagic {
		return errors.New("the memory manager layout table has been overwritten")
	}
	for _, pool := range m.chunkPools.Pools() {
		err := pool.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "chunk pool %s", pool.Ref())
		}
	}
	return cerrors.Wrap(m.managementPool.Validate(), "management pool")
}

// Destroy checks for chunks that were never released and reports them. The storage itself
// belongs to the segment and is reclaimed with it. Destroy should be called by the process that
// configured the memory manager, after every other process detached.
func (m *MemoryManager) Destroy() error {
	var leaked int
	for _, pool := range m.chunkPools.Pools() {
		used := pool.BlockCount() - pool.FreeCount()
		if used > 0 {
			leaked += used
			m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] chunks were never released",
				slog.String("Pool", pool.Ref().String()),
				slog.Int("ChunkSize", pool.BlockSize()),
				slog.Int("Chunks", used))
		}
	}

	if leaked > 0 {
		return errors.Errorf("%d chunks were never released", leaked)
	}
	return nil
}

var _ BlockReleaser = (*MemoryManager)(nil)
var _ memutils.Validatable = (*MemoryManager)(nil)
