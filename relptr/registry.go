package relptr

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrNotRegistered is returned when an address lies in no registered segment, or a Pointer
	// names a segment ID this process has not registered
	ErrNotRegistered = errors.New("segment is not registered")
	// ErrOutOfBounds is returned when a Pointer's offset lies beyond the end of its segment
	ErrOutOfBounds = errors.New("offset is outside of the segment")
	// ErrSegmentIDInUse is returned when a segment ID is registered twice
	ErrSegmentIDInUse = errors.New("segment id is already registered")
	// ErrSegmentOverlap is returned when a new segment would overlap the address range of a
	// segment that is already registered
	ErrSegmentOverlap = errors.New("segment overlaps a registered segment")
	// ErrInvalidSegment is returned when a segment's id, base address or size cannot be registered
	ErrInvalidSegment = errors.New("invalid segment")
)

// SegmentInfo describes one registered segment in this process
type SegmentInfo struct {
	ID   SegmentID
	Base unsafe.Pointer
	Size uint64
}

func (s SegmentInfo) contains(addr uintptr) bool {
	base := uintptr(s.Base)
	return addr >= base && addr-base < uintptr(s.Size)
}

// snapshot is an immutable view of the registry. A new snapshot is published on every
// registration so readers never observe a partially-updated registry.
type snapshot struct {
	byID   *swiss.Map[SegmentID, SegmentInfo]
	byBase []SegmentInfo
}

func (s *snapshot) lookup(id SegmentID) (SegmentInfo, bool) {
	if s == nil {
		return SegmentInfo{}, false
	}
	return s.byID.Get(id)
}

func (s *snapshot) search(addr uintptr) (SegmentInfo, bool) {
	if s == nil {
		return SegmentInfo{}, false
	}

	// First segment whose base is above addr; the candidate is the one before it
	index := sort.Search(len(s.byBase), func(i int) bool {
		return uintptr(s.byBase[i].Base) > addr
	})
	if index == 0 {
		return SegmentInfo{}, false
	}

	candidate := s.byBase[index-1]
	if !candidate.contains(addr) {
		return SegmentInfo{}, false
	}
	return candidate, true
}

// Registry is a process-local table of the shared memory segments mapped into this process.
// It is the translation context for every Pointer: a Pointer is only meaningful relative to
// a Registry that has its segment registered.
//
// Segments are never unregistered. Registration is expected to happen while a segment is being
// attached, before any Pointer into it is followed.
type Registry struct {
	logger *slog.Logger

	writeMutex sync.Mutex
	current    atomic.Pointer[snapshot]
}

// NewRegistry creates an empty Registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	return &Registry{
		logger: logger,
	}
}

// RegisterSegment records that segment id is mapped at base in this process and spans size bytes.
func (r *Registry) RegisterSegment(id SegmentID, base unsafe.Pointer, size uint64) error {
	r.logger.Debug("Registry::RegisterSegment", slog.Int("SegmentID", int(id)), slog.Uint64("Size", size))

	if id == NullSegment {
		return cerrors.Wrapf(ErrInvalidSegment, "segment id %d is reserved for the null pointer", id)
	}
	if base == nil {
		return cerrors.Wrapf(ErrInvalidSegment, "segment %d has a nil base address", id)
	}
	if size == 0 || size > MaxSegmentSize {
		return cerrors.Wrapf(ErrInvalidSegment, "segment %d has size %d, which must be between 1 and %d", id, size, MaxSegmentSize)
	}
	if uint64(^uintptr(0)-uintptr(base)) < size-1 {
		return cerrors.Wrapf(ErrInvalidSegment, "segment %d wraps the address space", id)
	}

	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()

	old := r.current.Load()
	if _, exists := old.lookup(id); exists {
		return cerrors.Wrapf(ErrSegmentIDInUse, "segment id %d", id)
	}

	info := SegmentInfo{ID: id, Base: base, Size: size}

	var oldCount int
	if old != nil {
		oldCount = len(old.byBase)
	}

	next := &snapshot{
		byID:   swiss.NewMap[SegmentID, SegmentInfo](uint32(oldCount + 1)),
		byBase: make([]SegmentInfo, 0, oldCount+1),
	}

	if old != nil {
		for _, existing := range old.byBase {
			if overlaps(existing, info) {
				return cerrors.Wrapf(ErrSegmentOverlap, "segment %d overlaps segment %d", id, existing.ID)
			}
			next.byID.Put(existing.ID, existing)
			next.byBase = append(next.byBase, existing)
		}
	}

	next.byID.Put(id, info)
	next.byBase = append(next.byBase, info)
	sort.Slice(next.byBase, func(i, j int) bool {
		return uintptr(next.byBase[i].Base) < uintptr(next.byBase[j].Base)
	})

	r.current.Store(next)
	return nil
}

func overlaps(a, b SegmentInfo) bool {
	aStart, bStart := uintptr(a.Base), uintptr(b.Base)
	aEnd, bEnd := aStart+uintptr(a.Size-1), bStart+uintptr(b.Size-1)
	return aStart <= bEnd && bStart <= aEnd
}

// ToPointer converts a local address inside a registered segment to a location-independent Pointer.
// A nil address converts to Null.
func (r *Registry) ToPointer(addr unsafe.Pointer) (Pointer, error) {
	if addr == nil {
		return Null, nil
	}

	info, ok := r.current.Load().search(uintptr(addr))
	if !ok {
		return Null, cerrors.Wrapf(ErrNotRegistered, "address %p", addr)
	}

	return NewPointer(info.ID, uint32(uintptr(addr)-uintptr(info.Base))), nil
}

// ToLocal converts a Pointer to an address in this process. Null converts to nil.
func (r *Registry) ToLocal(p Pointer) (unsafe.Pointer, error) {
	if p.IsNull() {
		return nil, nil
	}

	info, ok := r.current.Load().lookup(p.Segment())
	if !ok {
		return nil, cerrors.Wrapf(ErrNotRegistered, "segment id %d", p.Segment())
	}
	if uint64(p.Offset()) >= info.Size {
		return nil, cerrors.Wrapf(ErrOutOfBounds, "%s in a segment of %d bytes", p, info.Size)
	}

	return unsafe.Add(info.Base, p.Offset()), nil
}

// Segment retrieves the registration for a single segment id
func (r *Registry) Segment(id SegmentID) (SegmentInfo, bool) {
	return r.current.Load().lookup(id)
}

// Segments lists every registered segment, ordered by base address
func (r *Registry) Segments() []SegmentInfo {
	current := r.current.Load()
	if current == nil {
		return nil
	}

	segments := make([]SegmentInfo, len(current.byBase))
	copy(segments, current.byBase)
	return segments
}

// Contains reports whether the size bytes starting at p all lie inside p's segment
func (r *Registry) Contains(p Pointer, size uint64) bool {
	if p.IsNull() {
		return false
	}

	info, ok := r.current.Load().lookup(p.Segment())
	if !ok {
		return false
	}
	return uint64(p.Offset()) <= info.Size && size <= info.Size-uint64(p.Offset())
}
