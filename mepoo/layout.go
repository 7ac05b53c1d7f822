package mepoo

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
)

const (
	layoutMagic uint64 = 0x6d65706f6f6d6731

	// LayoutAlignment is the alignment required for the storage of a memory manager
	LayoutAlignment = mempool.HeaderAlignment

	layoutTableSize = 0x20 + MaxNumberOfMemPools*8
)

// layoutTable sits at the start of a memory manager's storage and locates its pools, so that
// other processes can attach to them
type layoutTable struct {
	magic          uint64                              // 0x00
	fingerprint    uint64                              // 0x08
	poolCount      uint32                              // 0x10
	_              uint32                              // 0x14
	managementPool relptr.Pointer                      // 0x18
	pools          [MaxNumberOfMemPools]relptr.Pointer // 0x20
}

var _ [layoutTableSize - unsafe.Sizeof(layoutTable{})]byte

// regionCursor hands out consecutive, aligned, non-overlapping ranges of a region from front
// to back. Nothing is ever freed: the ranges live as long as the region.
type regionCursor struct {
	start uint64
	next  uint64
	end   uint64
}

func newRegionCursor(start uint64, size uint64) *regionCursor {
	return &regionCursor{
		start: start,
		next:  start,
		end:   start + size,
	}
}

// allocate returns the offset of size bytes aligned to alignment. Offsets are absolute: they are
// aligned relative to the same origin as start.
func (c *regionCursor) allocate(size uint64, alignment uint64) (uint64, error) {
	memutils.DebugCheckPow2(alignment, "alignment")

	offset := memutils.AlignUp(c.next, alignment)
	if offset+size > c.end {
		return 0, cerrors.Wrapf(ErrInvalidConfig, "%d bytes aligned to %d do not fit in the remaining %d bytes of the region", size, alignment, c.end-c.next)
	}
	c.next = offset + size
	return offset, nil
}

func (c *regionCursor) used() uint64 {
	return c.next - c.start
}

// plannedPool is the placement of one pool within a memory manager's storage
type plannedPool struct {
	offset    uint64
	blockSize int
	alignment int
	count     int
}

// planLayout places the layout table, every chunk pool and the management pool one after
// another in a region beginning at start. The last plannedPool is the management pool.
func planLayout(config Config, start uint64, size uint64) ([]plannedPool, *regionCursor, error) {
	cursor := newRegionCursor(start, size)

	_, err := cursor.allocate(layoutTableSize, LayoutAlignment)
	if err != nil {
		return nil, nil, err
	}

	plans := make([]plannedPool, 0, len(config.Entries)+1)
	for _, entry := range config.Entries {
		settings, err := entry.settings()
		if err != nil {
			return nil, nil, invalidConfig(err, "pool of %d byte chunks", entry.Size)
		}

		plan := plannedPool{
			blockSize: int(settings.RequiredChunkSize()),
			alignment: int(settings.RequiredAlignment()),
			count:     int(entry.Count),
		}
		plan.offset, err = cursor.allocate(
			uint64(mempool.RequiredSize(plan.blockSize, plan.alignment, plan.count)),
			uint64(memutils.Max(plan.alignment, mempool.HeaderAlignment)),
		)
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, plan)
	}

	management := plannedPool{
		blockSize: ChunkManagementSize,
		alignment: ChunkAlignment,
		count:     config.TotalChunkCount(),
	}
	management.offset, err = cursor.allocate(
		uint64(mempool.RequiredSize(management.blockSize, management.alignment, management.count)),
		mempool.HeaderAlignment,
	)
	if err != nil {
		return nil, nil, err
	}

	return append(plans, management), cursor, nil
}
