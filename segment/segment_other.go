//go:build !linux && !darwin && !freebsd

package segment

import (
	"os"

	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
)

// Create creates a new named segment of size bytes and initializes its header
func Create(name string, id relptr.SegmentID, size int, options Options) (*Segment, error) {
	return nil, ErrUnsupported
}

// Open maps an existing named segment created by another process (or by this one)
func Open(name string, options Options) (*Segment, error) {
	return nil, ErrUnsupported
}

// NewAnonymous maps a private segment that is not backed by a file
func NewAnonymous(id relptr.SegmentID, size int, options Options) (*Segment, error) {
	return nil, ErrUnsupported
}

// PageSize returns the operating system's memory page size
func PageSize() int {
	return os.Getpagesize()
}
