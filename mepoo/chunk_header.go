package mepoo

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
)

const (
	// ChunkHeaderVersion is incremented whenever the ChunkHeader layout changes
	ChunkHeaderVersion uint8 = 1
	// ChunkHeaderSize is the size of the ChunkHeader at the start of every chunk
	ChunkHeaderSize = 48
	// ChunkAlignment is the alignment of every chunk, and the strictest alignment a user header
	// can request
	ChunkAlignment = 8

	// NoUserHeader is the user header ID of chunks without a user header
	NoUserHeader uint16 = 0
	// UnknownUserHeader is the user header ID of chunks whose user header has not been identified
	// by the producer
	UnknownUserHeader uint16 = 0xFFFF
)

// ChunkHeader sits at the start of every chunk, in shared memory, and describes the rest of it.
// It is written once by the producer before the chunk is shared. Only the origin ID and
// sequence number may be changed afterwards, and only by the producer before delivery.
type ChunkHeader struct {
	chunkSize            uint32         // 0x00
	version              uint8          // 0x04
	_                    uint8          // 0x05
	userHeaderID         uint16         // 0x06
	originID             uint64         // 0x08
	sequenceNumber       uint64         // 0x10
	userPayloadSize      uint32         // 0x18
	userPayloadAlignment uint32         // 0x1C
	userPayloadOffset    uint32         // 0x20
	userHeaderSize       uint32         // 0x24
	control              relptr.Pointer // 0x28 the ChunkManagement record
}

var _ [ChunkHeaderSize - unsafe.Sizeof(ChunkHeader{})]byte
var _ [unsafe.Sizeof(ChunkHeader{}) - ChunkHeaderSize]byte

func initChunkHeader(block unsafe.Pointer, chunkSize uint32, settings ChunkSettings, control relptr.Pointer) *ChunkHeader {
	h := (*ChunkHeader)(block)
	*h = ChunkHeader{
		chunkSize:            chunkSize,
		version:              ChunkHeaderVersion,
		userHeaderID:         NoUserHeader,
		userPayloadSize:      settings.userPayloadSize,
		userPayloadAlignment: settings.userPayloadAlignment,
		userPayloadOffset:    settings.userPayloadOffset,
		userHeaderSize:       settings.userHeaderSize,
		control:              control,
	}
	if settings.userHeaderSize > 0 {
		h.userHeaderID = UnknownUserHeader
	}

	if h.hasDebugMargin() {
		memutils.WriteMagicValue(block, h.payloadEnd())
	}
	return h
}

func (h *ChunkHeader) payloadEnd() int {
	return int(h.userPayloadOffset) + int(h.userPayloadSize)
}

func (h *ChunkHeader) hasDebugMargin() bool {
	return memutils.DebugMargin > 0 && int(h.chunkSize)-h.payloadEnd() >= memutils.DebugMargin
}

// ChunkSize is the size of the pool block holding the chunk, header included
func (h *ChunkHeader) ChunkSize() uint32 {
	return h.chunkSize
}

// Version is the ChunkHeaderVersion the chunk was written with
func (h *ChunkHeader) Version() uint8 {
	return h.version
}

// UserHeaderID identifies the type of the user header. It is NoUserHeader for chunks without one.
func (h *ChunkHeader) UserHeaderID() uint16 {
	return h.userHeaderID
}

// SetUserHeaderID tags the user header with an application-defined type. It is ignored for
// chunks without a user header.
func (h *ChunkHeader) SetUserHeaderID(id uint16) {
	if h.userHeaderSize > 0 && id != NoUserHeader {
		h.userHeaderID = id
	}
}

// OriginID identifies the producer that wrote the chunk
func (h *ChunkHeader) OriginID() uint64 {
	return h.originID
}

// SetOriginID records the producer of the chunk. The memory manager never reads it.
func (h *ChunkHeader) SetOriginID(id uint64) {
	h.originID = id
}

// SequenceNumber is the producer-assigned position of the chunk in its stream
func (h *ChunkHeader) SequenceNumber() uint64 {
	return h.sequenceNumber
}

// SetSequenceNumber stamps the chunk with its position in the producer's stream. It should be
// called before the chunk is handed to consumers.
func (h *ChunkHeader) SetSequenceNumber(n uint64) {
	h.sequenceNumber = n
}

// UserPayloadSize is the number of payload bytes that were requested, which may be fewer than
// the block has room for
func (h *ChunkHeader) UserPayloadSize() uint32 {
	return h.userPayloadSize
}

// UserPayloadAlignment is the alignment of the payload in every process's mapping
func (h *ChunkHeader) UserPayloadAlignment() uint32 {
	return h.userPayloadAlignment
}

// UserHeaderSize is zero for chunks without a user header
func (h *ChunkHeader) UserHeaderSize() uint32 {
	return h.userHeaderSize
}

// ManagementRef is the location-independent pointer to the chunk's ChunkManagement record. Handing
// it to another process hands over a reference to the chunk.
func (h *ChunkHeader) ManagementRef() relptr.Pointer {
	return h.control
}

// UserPayload returns the chunk's payload bytes
func (h *ChunkHeader) UserPayload() []byte {
	start := unsafe.Add(unsafe.Pointer(h), h.userPayloadOffset)
	return unsafe.Slice((*byte)(start), h.userPayloadSize)
}

// UserHeader returns the chunk's user header bytes, or nil when the chunk has none
func (h *ChunkHeader) UserHeader() []byte {
	if h.userHeaderSize == 0 {
		return nil
	}
	start := unsafe.Add(unsafe.Pointer(h), ChunkHeaderSize)
	return unsafe.Slice((*byte)(start), h.userHeaderSize)
}

// CheckCorruption verifies that the header is self-consistent and, in builds with the
// debug_mem_utils tag, that nothing was written past the end of the user payload
func (h *ChunkHeader) CheckCorruption() error {
	if h.version != ChunkHeaderVersion {
		return errors.Errorf("chunk header version %d does not match %d", h.version, ChunkHeaderVersion)
	}
	if h.userPayloadOffset < ChunkHeaderSize+h.userHeaderSize || h.payloadEnd() > int(h.chunkSize) {
		return errors.Errorf("chunk payload at offset %d with size %d does not fit a chunk of %d bytes", h.userPayloadOffset, h.userPayloadSize, h.chunkSize)
	}
	if h.hasDebugMargin() && !memutils.ValidateMagicValue(unsafe.Pointer(h), h.payloadEnd()) {
		return errors.Errorf("the chunk payload was overrun: the corruption marker after byte %d was overwritten", h.payloadEnd())
	}
	return nil
}
