package mepoo

import (
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
)

// SharedChunk is one holder's reference to a chunk. Each SharedChunk owns exactly one count on
// the chunk's ChunkManagement record: Duplicate creates a new handle with a new count, and
// Release gives the handle's count back. Copying a SharedChunk value does not add a count, so
// exactly one of the copies may be released.
//
// The zero value is an empty handle.
type SharedChunk struct {
	releaser BlockReleaser
	ref      relptr.Pointer
	control  *ChunkManagement
	header   *ChunkHeader
}

// IsValid returns true while the handle holds a reference
func (c *SharedChunk) IsValid() bool {
	return c.control != nil
}

// Ref is the location-independent pointer to the chunk's ChunkManagement record. Another
// process adopts the chunk by passing it to MemoryManager.FromRef.
func (c *SharedChunk) Ref() relptr.Pointer {
	if c.control == nil {
		return relptr.Null
	}
	return c.ref
}

// Header returns the chunk's header, or nil for an empty handle
func (c *SharedChunk) Header() *ChunkHeader {
	return c.header
}

// UserPayload returns the chunk's payload bytes, or nil for an empty handle
func (c *SharedChunk) UserPayload() []byte {
	if c.header == nil {
		return nil
	}
	return c.header.UserPayload()
}

// UserHeader returns the chunk's user header bytes, or nil when there are none
func (c *SharedChunk) UserHeader() []byte {
	if c.header == nil {
		return nil
	}
	return c.header.UserHeader()
}

// ReferenceCount returns the number of holders of the chunk, or 0 for an empty handle
func (c *SharedChunk) ReferenceCount() uint64 {
	if c.control == nil {
		return 0
	}
	return c.control.ReferenceCount()
}

// Duplicate returns a new handle to the same chunk, holding its own reference
func (c *SharedChunk) Duplicate() (SharedChunk, error) {
	if c.control == nil {
		return SharedChunk{}, ErrReleasedHandle
	}
	c.control.Duplicate()
	return *c, nil
}

// Release gives up this handle's reference and empties the handle. If it was the last
// reference, the chunk's memory is returned to its pools.
func (c *SharedChunk) Release() error {
	if c.control == nil {
		return ErrReleasedHandle
	}

	control, ref, releaser := c.control, c.ref, c.releaser
	*c = SharedChunk{}

	_, err := control.Release(ref, releaser)
	return err
}
