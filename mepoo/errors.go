package mepoo

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
)

var (
	// ErrEmpty is returned when the pool selected for a chunk, or the pool of ChunkManagement
	// records, has no free block left. It is the same value as mempool.ErrEmpty.
	ErrEmpty = mempool.ErrEmpty
	// ErrNoFittingPool is returned when no pool in a PoolSet has blocks large enough, or aligned
	// strictly enough, for a request
	ErrNoFittingPool = errors.New("no pool can hold a chunk of the requested size and alignment")
	// ErrPoolOrder is returned when a PoolSet is built from pools that are not in strictly
	// ascending block size order
	ErrPoolOrder = errors.New("pools must be ordered by strictly ascending block size")
	// ErrInvalidConfig is returned when a Config cannot be laid out
	ErrInvalidConfig = errors.New("invalid memory pool configuration")
	// ErrChunkTooLarge is returned when a chunk's header, user header and payload do not fit
	// within the size limits of the shared memory layout
	ErrChunkTooLarge = errors.New("chunk is too large")
	// ErrConfigMismatch is returned when a memory manager is attached with a configuration other
	// than the one its segment was laid out with
	ErrConfigMismatch = errors.New("segment was configured with a different memory pool configuration")
	// ErrNotConfigured is returned when a memory manager is attached to storage that was never
	// configured
	ErrNotConfigured = errors.New("no memory manager has been configured at this location")
	// ErrReleasedHandle is returned when a SharedChunk handle is used after it was released
	ErrReleasedHandle = errors.New("chunk handle has already been released")
	// ErrLifetimeViolation is the panic value used when a chunk's reference count is incremented from
	// or decremented below zero. Either means some holder released a reference it did not own, and the
	// chunk's memory may already belong to someone else. It is never returned as an error.
	ErrLifetimeViolation = errors.New("chunk reference count violated")
)

// invalidConfig classifies cause as ErrInvalidConfig. The cause's message is kept in the
// returned error's text and the cause itself is attached as a secondary error.
func invalidConfig(cause error, format string, args ...interface{}) error {
	return cerrors.WithSecondaryError(
		cerrors.Wrapf(ErrInvalidConfig, "%s: %v", fmt.Sprintf(format, args...), cause),
		cause,
	)
}
