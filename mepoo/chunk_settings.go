package mepoo

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
)

// ChunkSettings describes the layout of a chunk that has been requested but not yet allocated:
// where the user header and user payload start relative to the ChunkHeader, and how large and
// how strictly aligned a pool block must be to hold all of it.
type ChunkSettings struct {
	userPayloadSize      uint32
	userPayloadAlignment uint32
	userHeaderSize       uint32
	userPayloadOffset    uint32
	requiredChunkSize    uint32
	requiredAlignment    uint32
}

// NewChunkSettings computes the layout of a chunk. The user header, when userHeaderSize is
// nonzero, immediately follows the ChunkHeader and may not require stricter alignment than
// ChunkAlignment. The user payload follows the user header at userPayloadAlignment.
func NewChunkSettings(userPayloadSize, userPayloadAlignment, userHeaderSize, userHeaderAlignment uint32) (ChunkSettings, error) {
	err := memutils.CheckPow2(userPayloadAlignment, "userPayloadAlignment")
	if err != nil {
		return ChunkSettings{}, err
	}
	if userPayloadAlignment > mempool.MaxBlockAlignment {
		return ChunkSettings{}, cerrors.Newf("userPayloadAlignment %d is larger than the supported maximum %d", userPayloadAlignment, mempool.MaxBlockAlignment)
	}

	if userHeaderSize > 0 {
		err = memutils.CheckPow2(userHeaderAlignment, "userHeaderAlignment")
		if err != nil {
			return ChunkSettings{}, err
		}
		if userHeaderAlignment > ChunkAlignment {
			return ChunkSettings{}, cerrors.Newf("userHeaderAlignment %d is larger than the chunk header alignment %d", userHeaderAlignment, ChunkAlignment)
		}
	}

	requiredAlignment := memutils.Max(uint64(userPayloadAlignment), ChunkAlignment)
	userHeaderEnd := uint64(ChunkHeaderSize) + uint64(userHeaderSize)
	payloadOffset := memutils.AlignUp(userHeaderEnd, uint64(userPayloadAlignment))
	chunkSize := memutils.AlignUp(payloadOffset+uint64(userPayloadSize), ChunkAlignment)

	if chunkSize > math.MaxUint32 {
		return ChunkSettings{}, cerrors.WithSecondaryError(
			cerrors.Wrapf(ErrChunkTooLarge, "a chunk with %d bytes of user header and %d bytes of payload needs %d bytes", userHeaderSize, userPayloadSize, chunkSize),
			memutils.OverflowError,
		)
	}

	return ChunkSettings{
		userPayloadSize:      userPayloadSize,
		userPayloadAlignment: userPayloadAlignment,
		userHeaderSize:       userHeaderSize,
		userPayloadOffset:    uint32(payloadOffset),
		requiredChunkSize:    uint32(chunkSize),
		requiredAlignment:    uint32(requiredAlignment),
	}, nil
}

// PayloadSettings computes the layout of a chunk without a user header
func PayloadSettings(userPayloadSize, userPayloadAlignment uint32) (ChunkSettings, error) {
	return NewChunkSettings(userPayloadSize, userPayloadAlignment, 0, 0)
}

// UserPayloadSize is the requested payload size
func (s ChunkSettings) UserPayloadSize() uint32 {
	return s.userPayloadSize
}

// UserPayloadAlignment is the requested payload alignment
func (s ChunkSettings) UserPayloadAlignment() uint32 {
	return s.userPayloadAlignment
}

// UserHeaderSize is the requested user header size, zero when the chunk has none
func (s ChunkSettings) UserHeaderSize() uint32 {
	return s.userHeaderSize
}

// UserPayloadOffset is the distance from the start of the ChunkHeader to the user payload
func (s ChunkSettings) UserPayloadOffset() uint32 {
	return s.userPayloadOffset
}

// RequiredChunkSize is the smallest pool block size that can hold the chunk
func (s ChunkSettings) RequiredChunkSize() uint32 {
	return s.requiredChunkSize
}

// RequiredAlignment is the smallest pool block alignment that keeps the user payload aligned
func (s ChunkSettings) RequiredAlignment() uint32 {
	return s.requiredAlignment
}
