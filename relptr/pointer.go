package relptr

import (
	"fmt"
	"math"
)

// SegmentID identifies a shared memory segment. The same segment carries the same ID in every
// process that maps it.
type SegmentID uint32

// Pointer is a location-independent reference into a shared memory segment. It is a (segment, offset)
// pair packed into 64 bits, with the segment ID in the upper half. Every process that has the segment
// registered can turn a Pointer into a local address, whatever base address it mapped the segment at.
//
// A Pointer carries no ownership. It can be copied freely and stored inside shared memory.
type Pointer uint64

const (
	// NullSegment is the segment ID carried by Null. It can never be registered.
	NullSegment SegmentID = math.MaxUint32
	// NullOffset is the offset carried by Null
	NullOffset uint32 = math.MaxUint32
	// Null is the Pointer that refers to nothing. It translates to a nil local address.
	Null Pointer = math.MaxUint64

	// MaxSegmentSize is the largest segment that can be addressed with a 32-bit offset while keeping
	// NullOffset out of range
	MaxSegmentSize uint64 = math.MaxUint32
)

// NewPointer packs a segment ID and an offset into a Pointer
func NewPointer(id SegmentID, offset uint32) Pointer {
	return Pointer(uint64(id)<<32 | uint64(offset))
}

// Segment returns the segment ID part of the pointer
func (p Pointer) Segment() SegmentID {
	return SegmentID(p >> 32)
}

// Offset returns the byte offset from the segment's base
func (p Pointer) Offset() uint32 {
	return uint32(p)
}

// IsNull returns true if this is the Null pointer
func (p Pointer) IsNull() bool {
	return p == Null
}

// Add returns a pointer delta bytes further into the same segment. It panics if the result
// would not fit in a 32-bit offset; layout code is expected to have checked segment bounds first.
func (p Pointer) Add(delta uint64) Pointer {
	if p.IsNull() {
		panic("attempted pointer arithmetic on a null relptr.Pointer")
	}

	offset := uint64(p.Offset()) + delta
	if offset >= uint64(NullOffset) {
		panic(fmt.Sprintf("relptr.Pointer offset overflow: %s + %d", p, delta))
	}
	return NewPointer(p.Segment(), uint32(offset))
}

func (p Pointer) String() string {
	if p.IsNull() {
		return "relptr(null)"
	}
	return fmt.Sprintf("relptr(%d:%#x)", p.Segment(), p.Offset())
}
