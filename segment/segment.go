// Package segment creates and attaches the shared memory segments that chunk pools live in.
//
// A segment is a file under /dev/shm (or the temporary directory when /dev/shm is not available)
// mapped read-write and shared into every participating process. The first HeaderSize bytes of
// every segment hold a header identifying it; everything after UsableOffset belongs to the
// consumer.
package segment

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
	"golang.org/x/exp/slog"
)

const (
	// Magic identifies a segment file
	Magic = "SHMCHNK\x00"
	// Version is the layout version of the segment header
	Version = uint32(1)
	// HeaderSize is the number of bytes at the front of every segment reserved for the header
	HeaderSize = 64
	// MinSize is the smallest segment that can be created
	MinSize = HeaderSize + 64

	filePrefix = "shmchunk_"
)

var (
	// ErrBadMagic is returned when a mapped file does not start with a segment header
	ErrBadMagic = errors.New("file is not a shared memory segment")
	// ErrBadVersion is returned when a segment was written with an incompatible header layout
	ErrBadVersion = errors.New("unsupported segment version")
	// ErrNotReady is returned when a segment's creator has not finished initializing it
	ErrNotReady = errors.New("segment has not been initialized by its creator")
	// ErrInvalidSize is returned when a segment size is too small or too large
	ErrInvalidSize = errors.New("invalid segment size")
	// ErrUnsupported is returned on platforms without shared memory mapping support
	ErrUnsupported = errors.New("shared memory segments are not supported on this platform")
	// ErrClosed is returned when a segment is used after Close
	ErrClosed = errors.New("segment is closed")
)

// header is the layout of the first HeaderSize bytes of a segment. It is shared between
// processes, so the field order and widths are part of the layout.
type header struct {
	magic      [8]byte  // 0x00
	version    uint32   // 0x08
	id         uint32   // 0x0C
	totalSize  uint64   // 0x10
	creatorPID uint32   // 0x18
	ready      uint32   // 0x1C
	_          [32]byte // 0x20-0x3F
}

var _ [HeaderSize - unsafe.Sizeof(header{})]byte

// Options controls segment creation and attachment
type Options struct {
	// Logger receives lifecycle messages. It may be nil.
	Logger *slog.Logger
	// Dir overrides the directory segment files are created in. When empty, /dev/shm is used if it
	// exists and os.TempDir() otherwise.
	Dir string
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard))
	}
	return o.Logger
}

// Segment is this process's mapping of a shared memory segment
type Segment struct {
	logger *slog.Logger

	file   *os.File
	path   string
	mem    []byte
	header *header
	owner  bool
	unmap  func([]byte) error
}

// ID returns the segment ID stored in the segment header
func (s *Segment) ID() relptr.SegmentID {
	return relptr.SegmentID(atomic.LoadUint32(&s.header.id))
}

// Size returns the total mapped size of the segment in bytes, header included
func (s *Segment) Size() int {
	return len(s.mem)
}

// Path returns the file backing the segment, or the empty string for anonymous segments
func (s *Segment) Path() string {
	return s.path
}

// Owner returns true if this process created the segment
func (s *Segment) Owner() bool {
	return s.owner
}

// CreatorPID returns the process id of the segment's creator
func (s *Segment) CreatorPID() int {
	return int(atomic.LoadUint32(&s.header.creatorPID))
}

// Base returns the local address the segment is mapped at
func (s *Segment) Base() unsafe.Pointer {
	if s.mem == nil {
		return nil
	}
	return unsafe.Pointer(&s.mem[0])
}

// Bytes returns the whole mapping, header included
func (s *Segment) Bytes() []byte {
	return s.mem
}

// UsableOffset is the first offset after the segment header
func (s *Segment) UsableOffset() uint32 {
	return HeaderSize
}

// Ref returns a location-independent pointer to the byte at offset within this segment
func (s *Segment) Ref(offset uint32) relptr.Pointer {
	return relptr.NewPointer(s.ID(), offset)
}

// Register records this mapping in a registry so that pointers into the segment can be
// translated in this process
func (s *Segment) Register(reg *relptr.Registry) error {
	if s.mem == nil {
		return ErrClosed
	}

	err := reg.RegisterSegment(s.ID(), s.Base(), uint64(len(s.mem)))
	if err != nil {
		return cerrors.Wrapf(err, "failed to register segment %s", s.describe())
	}
	return nil
}

// Close unmaps the segment and closes its file. The segment file stays in place until the owner
// calls Remove. Pointers into the segment must not be followed after Close.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	s.logger.Debug("Segment::Close", slog.String("Segment", s.describe()))

	var err error
	if s.unmap != nil {
		err = s.unmap(s.mem)
	}
	s.mem = nil
	s.header = &header{}

	if s.file != nil {
		err = cerrors.CombineErrors(err, s.file.Close())
		s.file = nil
	}

	return err
}

// Remove deletes the file backing the segment. Processes which already mapped it keep their
// mapping.
func (s *Segment) Remove() error {
	if s.path == "" {
		return nil
	}
	s.logger.Debug("Segment::Remove", slog.String("Path", s.path))

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return cerrors.Wrapf(err, "failed to remove segment file %s", s.path)
	}
	return nil
}

func (s *Segment) describe() string {
	if s.path == "" {
		return "anonymous"
	}
	return s.path
}

func (s *Segment) initHeader(id relptr.SegmentID) {
	copy(s.header.magic[:], Magic)
	s.header.version = Version
	s.header.id = uint32(id)
	s.header.totalSize = uint64(len(s.mem))
	s.header.creatorPID = uint32(os.Getpid())
	atomic.StoreUint32(&s.header.ready, 1)
}

func validateHeader(h *header, size int) error {
	if string(h.magic[:]) != Magic {
		return ErrBadMagic
	}
	if h.version != Version {
		return cerrors.Wrapf(ErrBadVersion, "segment version %d, expected %d", h.version, Version)
	}
	if atomic.LoadUint32(&h.ready) == 0 {
		return ErrNotReady
	}
	if h.totalSize != uint64(size) {
		return cerrors.Wrapf(ErrInvalidSize, "header records %d bytes but %d are mapped", h.totalSize, size)
	}
	return nil
}

func checkSize(size int) error {
	if size < MinSize || uint64(size) > relptr.MaxSegmentSize {
		return cerrors.Wrapf(ErrInvalidSize, "size %d must be between %d and %d", size, MinSize, relptr.MaxSegmentSize)
	}
	return nil
}

// Path returns the file a named segment is stored in
func Path(name string, options Options) string {
	if options.Dir != "" {
		return filepath.Join(options.Dir, filePrefix+name)
	}

	info, err := os.Stat("/dev/shm")
	if err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", filePrefix+name)
	}
	return filepath.Join(os.TempDir(), filePrefix+name)
}
