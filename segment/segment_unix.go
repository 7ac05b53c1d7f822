//go:build linux || darwin || freebsd

package segment

import (
	"os"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// Create creates a new named segment of size bytes and initializes its header. It fails if a
// segment with the same name already exists.
func Create(name string, id relptr.SegmentID, size int, options Options) (*Segment, error) {
	logger := options.logger()
	path := Path(name, options)
	logger.Debug("Segment::Create", slog.String("Path", path), slog.Int("SegmentID", int(id)), slog.Int("Size", size))

	if id == relptr.NullSegment {
		return nil, cerrors.Newf("segment id %d is reserved", id)
	}
	err := checkSize(size)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to create segment file %s", path)
	}

	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(path)
	}

	err = file.Truncate(int64(size))
	if err != nil {
		cleanup()
		return nil, cerrors.Wrapf(err, "failed to resize segment file %s", path)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, cerrors.Wrapf(err, "failed to map segment file %s", path)
	}

	segment := &Segment{
		logger: logger,
		file:   file,
		path:   path,
		mem:    mem,
		header: (*header)(unsafe.Pointer(&mem[0])),
		owner:  true,
		unmap:  unix.Munmap,
	}
	segment.initHeader(id)

	return segment, nil
}

// Open maps an existing named segment created by another process (or by this one)
func Open(name string, options Options) (*Segment, error) {
	logger := options.logger()
	path := Path(name, options)
	logger.Debug("Segment::Open", slog.String("Path", path))

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to open segment file %s", path)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, cerrors.Wrapf(err, "failed to stat segment file %s", path)
	}

	size := int(info.Size())
	err = checkSize(size)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, cerrors.Wrapf(err, "failed to map segment file %s", path)
	}

	hdr := (*header)(unsafe.Pointer(&mem[0]))
	err = validateHeader(hdr, size)
	if err != nil {
		_ = unix.Munmap(mem)
		_ = file.Close()
		return nil, cerrors.Wrapf(err, "invalid segment %s", path)
	}

	return &Segment{
		logger: logger,
		file:   file,
		path:   path,
		mem:    mem,
		header: hdr,
		unmap:  unix.Munmap,
	}, nil
}

// NewAnonymous maps a private segment that is not backed by a file. It can only be shared with
// goroutines of this process, which makes it useful for tests and single-process pipelines.
func NewAnonymous(id relptr.SegmentID, size int, options Options) (*Segment, error) {
	logger := options.logger()
	logger.Debug("Segment::NewAnonymous", slog.Int("SegmentID", int(id)), slog.Int("Size", size))

	if id == relptr.NullSegment {
		return nil, cerrors.Newf("segment id %d is reserved", id)
	}
	err := checkSize(size)
	if err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to map anonymous segment")
	}

	segment := &Segment{
		logger: logger,
		mem:    mem,
		header: (*header)(unsafe.Pointer(&mem[0])),
		owner:  true,
		unmap:  unix.Munmap,
	}
	segment.initHeader(id)

	return segment, nil
}

// PageSize returns the operating system's memory page size. Segment mappings are always
// aligned to it.
func PageSize() int {
	return unix.Getpagesize()
}
