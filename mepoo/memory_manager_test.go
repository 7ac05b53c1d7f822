package mepoo_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/mepoo"
	"github.com/vkngwrapper/arsenal/shmchunk/relptr"
	"github.com/vkngwrapper/arsenal/shmchunk/segment"
	"golang.org/x/exp/slog"
)

func scenarioConfig() mepoo.Config {
	return mepoo.Config{
		Entries: []mepoo.PoolEntry{
			{Size: 128, Count: 4},
			{Size: 512, Count: 4},
			{Size: 4096, Count: 4},
		},
	}
}

func newManager(t *testing.T, config mepoo.Config, options mepoo.Options) (*relptr.Registry, *mepoo.MemoryManager) {
	size, err := mepoo.RequiredMemorySize(config)
	require.NoError(t, err)

	seg, err := segment.NewAnonymous(1, segment.HeaderSize+size, segment.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, seg.Close())
	})

	reg := relptr.NewRegistry(nil)
	require.NoError(t, seg.Register(reg))

	manager, err := mepoo.ConfigureMemoryManager(reg, seg.Ref(seg.UsableOffset()), config, options)
	require.NoError(t, err)
	return reg, manager
}

func freeChunks(t *testing.T, manager *mepoo.MemoryManager) []int {
	var free []int
	for index := 0; index < manager.PoolCount(); index++ {
		info, err := manager.PoolInfo(index)
		require.NoError(t, err)
		free = append(free, info.FreeChunks)
	}
	return append(free, manager.ManagementPoolInfo().FreeChunks)
}

func TestGetChunkSelectsSmallestFittingPool(t *testing.T) {
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{})
	require.Equal(t, 3, manager.PoolCount())

	chunk, err := manager.Allocate(300, 8)
	require.NoError(t, err)
	require.True(t, chunk.IsValid())
	require.Equal(t, []int{4, 3, 4, 11}, freeChunks(t, manager))

	header := chunk.Header()
	require.Equal(t, uint32(560), header.ChunkSize())
	require.Equal(t, mepoo.ChunkHeaderVersion, header.Version())
	require.Equal(t, mepoo.NoUserHeader, header.UserHeaderID())
	require.Equal(t, uint32(300), header.UserPayloadSize())
	require.Equal(t, uint32(8), header.UserPayloadAlignment())
	require.Equal(t, chunk.Ref(), header.ManagementRef())
	require.Len(t, chunk.UserPayload(), 300)
	require.Nil(t, chunk.UserHeader())
	require.NoError(t, header.CheckCorruption())

	// The 512 byte pool is exhausted after three more chunks; the 4096 byte pool is never used
	held := []mepoo.SharedChunk{chunk}
	for i := 0; i < 3; i++ {
		chunk, err := manager.Allocate(300, 8)
		require.NoError(t, err)
		held = append(held, chunk)
	}

	_, err = manager.Allocate(300, 8)
	require.ErrorIs(t, err, mepoo.ErrEmpty)
	require.Equal(t, []int{4, 0, 4, 8}, freeChunks(t, manager))

	_, err = manager.Allocate(5000, 8)
	require.ErrorIs(t, err, mepoo.ErrNoFittingPool)

	for i := range held {
		require.NoError(t, held[i].Release())
	}
	require.Equal(t, []int{4, 4, 4, 12}, freeChunks(t, manager))
	require.NoError(t, manager.Validate())
}

func TestDuplicateThenReleaseOneMoreTime(t *testing.T) {
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{})

	chunk, err := manager.Allocate(100, 8)
	require.NoError(t, err)
	ref := chunk.Ref()

	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Duplicate(ref))
	}
	require.Equal(t, uint64(4), chunk.ReferenceCount())

	for i := 0; i < 3; i++ {
		reclaimed, err := manager.Release(ref)
		require.NoError(t, err)
		require.False(t, reclaimed)
		require.Equal(t, []int{3, 4, 4, 11}, freeChunks(t, manager))
	}

	reclaimed, err := manager.Release(ref)
	require.NoError(t, err)
	require.True(t, reclaimed)
	require.Equal(t, []int{4, 4, 4, 12}, freeChunks(t, manager))
	require.NoError(t, manager.Validate())
}

func TestSharedChunkHandles(t *testing.T) {
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{})

	chunk, err := manager.Allocate(64, 8)
	require.NoError(t, err)
	copy(chunk.UserPayload(), "shared")

	duplicate, err := chunk.Duplicate()
	require.NoError(t, err)
	require.Equal(t, chunk.Ref(), duplicate.Ref())
	require.Equal(t, uint64(2), duplicate.ReferenceCount())
	require.Equal(t, "shared", string(duplicate.UserPayload()[:6]))

	require.NoError(t, chunk.Release())
	require.False(t, chunk.IsValid())
	require.ErrorIs(t, chunk.Release(), mepoo.ErrReleasedHandle)
	require.Equal(t, uint64(1), duplicate.ReferenceCount())
	require.Equal(t, []int{3, 4, 4, 11}, freeChunks(t, manager))

	require.NoError(t, duplicate.Release())
	require.Equal(t, []int{4, 4, 4, 12}, freeChunks(t, manager))
}

func TestFromRef(t *testing.T) {
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{})

	chunk, err := manager.Allocate(1000, 8)
	require.NoError(t, err)
	copy(chunk.UserPayload(), "adopted")

	delivered, err := chunk.Duplicate()
	require.NoError(t, err)

	adopted, err := manager.FromRef(delivered.Ref())
	require.NoError(t, err)
	require.Equal(t, chunk.Header(), adopted.Header())
	require.Equal(t, "adopted", string(adopted.UserPayload()[:7]))
	require.Equal(t, uint64(2), adopted.ReferenceCount())

	require.NoError(t, adopted.Release())
	require.NoError(t, chunk.Release())
	require.Equal(t, []int{4, 4, 4, 12}, freeChunks(t, manager))

	info, err := manager.PoolInfo(0)
	require.NoError(t, err)
	invalid := map[string]relptr.Pointer{
		"Null":          relptr.Null,
		"Chunk Pool":    info.Ref,
		"Unknown":       relptr.NewPointer(7, 64),
		"Inside Record": manager.ManagementPoolInfo().Ref.Add(mempool.HeaderSize + 8),
	}
	for name, ref := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := manager.FromRef(ref)
			require.ErrorIs(t, err, mempool.ErrInvalidReference)
			require.ErrorIs(t, manager.Duplicate(ref), mempool.ErrInvalidReference)
			_, err = manager.Release(ref)
			require.ErrorIs(t, err, mempool.ErrInvalidReference)
		})
	}

	_, err = manager.PoolInfo(3)
	require.Error(t, err)
}

func TestUserHeaderAndAlignedPayload(t *testing.T) {
	config := scenarioConfig()
	config.Entries = append(config.Entries, mepoo.PoolEntry{Size: 8192, Count: 1, Alignment: 256})
	_, manager := newManager(t, config, mepoo.Options{})

	settings, err := mepoo.NewChunkSettings(16, 256, 10, 4)
	require.NoError(t, err)

	chunk, err := manager.GetChunk(settings)
	require.NoError(t, err)
	require.Equal(t, []int{4, 4, 4, 0, 12}, freeChunks(t, manager))

	payload := chunk.UserPayload()
	require.Len(t, payload, 16)
	require.True(t, memutils.IsAligned(uintptr(unsafe.Pointer(&payload[0])), 256))
	require.Len(t, chunk.UserHeader(), 10)

	header := chunk.Header()
	require.Equal(t, mepoo.UnknownUserHeader, header.UserHeaderID())
	header.SetUserHeaderID(7)
	require.Equal(t, uint16(7), header.UserHeaderID())
	header.SetOriginID(0xABCD)
	header.SetSequenceNumber(42)
	require.Equal(t, uint64(0xABCD), header.OriginID())
	require.Equal(t, uint64(42), header.SequenceNumber())
	require.NoError(t, header.CheckCorruption())

	_, err = manager.GetChunk(settings)
	require.ErrorIs(t, err, mepoo.ErrEmpty)

	require.NoError(t, chunk.Release())

	unaligned, err := mepoo.NewChunkSettings(16, 512, 0, 0)
	require.NoError(t, err)
	_, err = manager.GetChunk(unaligned)
	require.ErrorIs(t, err, mepoo.ErrNoFittingPool)
}

func TestConservation(t *testing.T) {
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{})
	sizes := []uint32{16, 200, 128, 3000, 600, 1, 511}

	var held []mepoo.SharedChunk
	for round := 0; round < 50; round++ {
		size := sizes[round%len(sizes)]
		chunk, err := manager.Allocate(size, 8)
		if err == nil {
			held = append(held, chunk)
		} else {
			require.ErrorIs(t, err, mepoo.ErrEmpty)
		}

		if round%3 == 2 && len(held) > 0 {
			require.NoError(t, held[0].Release())
			held = held[1:]
		}

		var stats memutils.Statistics
		manager.Statistics(&stats)
		require.Equal(t, len(held), stats.UsedBlockCount)
		require.Equal(t, 12, stats.BlockCount)
		require.Equal(t, 12-len(held), manager.ManagementPoolInfo().FreeChunks)
	}

	for i := range held {
		require.NoError(t, held[i].Release())
	}
	require.Equal(t, []int{4, 4, 4, 12}, freeChunks(t, manager))
	require.NoError(t, manager.Validate())
}

func TestRequiredMemorySize(t *testing.T) {
	config := scenarioConfig()
	size, err := mepoo.RequiredMemorySize(config)
	require.NoError(t, err)

	seg, err := segment.NewAnonymous(1, segment.HeaderSize+size-1, segment.Options{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	reg := relptr.NewRegistry(nil)
	require.NoError(t, seg.Register(reg))

	_, err = mepoo.ConfigureMemoryManager(reg, seg.Ref(seg.UsableOffset()), config, mepoo.Options{})
	require.ErrorIs(t, err, mepoo.ErrInvalidConfig)

	_, err = mepoo.ConfigureMemoryManager(reg, seg.Ref(seg.UsableOffset()+8), config, mepoo.Options{})
	require.Error(t, err)

	_, err = mepoo.RequiredMemorySize(mepoo.Config{})
	require.ErrorIs(t, err, mepoo.ErrInvalidConfig)

	defaultSize, err := mepoo.RequiredMemorySize(mepoo.DefaultConfig())
	require.NoError(t, err)
	require.Greater(t, defaultSize, 128*10000)
}

// Two mappings of the same segment file stand in for a producer process and a consumer process
func TestChunksAcrossMappings(t *testing.T) {
	config := scenarioConfig()
	size, err := mepoo.RequiredMemorySize(config)
	require.NoError(t, err)

	options := segment.Options{Dir: t.TempDir()}
	name := fmt.Sprintf("mepoo_%d", os.Getpid())

	producerSegment, err := segment.Create(name, 5, segment.HeaderSize+size, options)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, producerSegment.Close())
		require.NoError(t, producerSegment.Remove())
	}()

	consumerSegment, err := segment.Open(name, options)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, consumerSegment.Close())
	}()

	producerRegistry := relptr.NewRegistry(nil)
	consumerRegistry := relptr.NewRegistry(nil)
	require.NoError(t, producerSegment.Register(producerRegistry))
	require.NoError(t, consumerSegment.Register(consumerRegistry))

	region := producerSegment.Ref(producerSegment.UsableOffset())
	_, err = mepoo.AttachMemoryManager(consumerRegistry, region, mepoo.Options{})
	require.ErrorIs(t, err, mepoo.ErrNotConfigured)

	producer, err := mepoo.ConfigureMemoryManager(producerRegistry, region, config, mepoo.Options{})
	require.NoError(t, err)

	other := scenarioConfig()
	other.Entries[0].Count++
	_, err = mepoo.AttachMemoryManager(consumerRegistry, region, mepoo.Options{ExpectedConfig: &other})
	require.ErrorIs(t, err, mepoo.ErrConfigMismatch)

	consumer, err := mepoo.AttachMemoryManager(consumerRegistry, producer.Ref(), mepoo.Options{ExpectedConfig: &config})
	require.NoError(t, err)
	require.Equal(t, freeChunks(t, producer), freeChunks(t, consumer))

	chunk, err := producer.Allocate(300, 8)
	require.NoError(t, err)
	copy(chunk.UserPayload(), "across processes")
	chunk.Header().SetSequenceNumber(1)

	delivered, err := chunk.Duplicate()
	require.NoError(t, err)
	ref := delivered.Ref()
	require.NoError(t, chunk.Release())

	received, err := consumer.FromRef(ref)
	require.NoError(t, err)
	require.NotEqual(t, unsafe.Pointer(&delivered.UserPayload()[0]), unsafe.Pointer(&received.UserPayload()[0]))
	require.Equal(t, "across processes", string(received.UserPayload()[:16]))
	require.Equal(t, uint64(1), received.Header().SequenceNumber())
	require.Equal(t, []int{4, 3, 4, 11}, freeChunks(t, consumer))

	require.NoError(t, received.Release())
	require.Equal(t, []int{4, 4, 4, 12}, freeChunks(t, producer))
	require.NoError(t, producer.Validate())
	require.NoError(t, producer.Destroy())
}

func TestConcurrentDelivery(t *testing.T) {
	const (
		consumers = 3
		messages  = 2000
	)

	config := mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 64, Count: 16}, {Size: 256, Count: 8}}}
	reg, manager := newManager(t, config, mepoo.Options{})

	var wg sync.WaitGroup
	errs := make(chan error, consumers+1)
	// done is closed on the first failure so that the producer never waits on a consumer that
	// stopped receiving
	done := make(chan struct{})
	var failOnce sync.Once
	fail := func(err error) {
		errs <- err
		failOnce.Do(func() { close(done) })
	}

	queues := make([]chan relptr.Pointer, consumers)
	for i := range queues {
		queues[i] = make(chan relptr.Pointer, 4)
	}

	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(queue chan relptr.Pointer) {
			defer wg.Done()

			view, err := mepoo.AttachMemoryManager(reg, manager.Ref(), mepoo.Options{ExpectedConfig: &config})
			if err != nil {
				fail(err)
				return
			}

			for ref := range queue {
				chunk, err := view.FromRef(ref)
				if err != nil {
					fail(err)
					return
				}

				sequence := binary.LittleEndian.Uint64(chunk.UserPayload())
				if sequence != chunk.Header().SequenceNumber() {
					fail(fmt.Errorf("chunk %s carries payload %d but sequence number %d", ref, sequence, chunk.Header().SequenceNumber()))
					return
				}

				err = chunk.Release()
				if err != nil {
					fail(err)
					return
				}
			}
		}(queues[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for _, queue := range queues {
				close(queue)
			}
		}()

		for sequence := uint64(0); sequence < messages; sequence++ {
			size := uint32(8 + sequence%200)

			chunk, err := manager.Allocate(size, 8)
			for err != nil {
				if !cerrors.Is(err, mepoo.ErrEmpty) {
					fail(err)
					return
				}
				select {
				case <-done:
					return
				default:
				}
				runtime.Gosched()
				chunk, err = manager.Allocate(size, 8)
			}

			binary.LittleEndian.PutUint64(chunk.UserPayload(), sequence)
			chunk.Header().SetSequenceNumber(sequence)

			for _, queue := range queues {
				delivered, err := chunk.Duplicate()
				if err != nil {
					fail(err)
					return
				}
				select {
				case queue <- delivered.Ref():
				case <-done:
					return
				}
			}

			err = chunk.Release()
			if err != nil {
				fail(err)
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, []int{16, 8, 24}, freeChunks(t, manager))
	require.NoError(t, manager.Validate())
}

func TestDestroyReportsUnreleasedChunks(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs))
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{Logger: logger})

	chunk, err := manager.Allocate(128, 8)
	require.NoError(t, err)

	require.Error(t, manager.Destroy())
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")

	require.NoError(t, chunk.Release())
	require.NoError(t, manager.Destroy())
}

func TestMemoryManagerJson(t *testing.T) {
	_, manager := newManager(t, scenarioConfig(), mepoo.Options{})

	chunk, err := manager.Allocate(128, 8)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, chunk.Release())
	}()

	writer := jwriter.NewWriter()
	manager.WriteJson(&writer)
	require.NoError(t, writer.Error())

	var parsed struct {
		Ref   string
		Total struct {
			PoolCount      int
			UsedBlockCount int
		}
		Pools []struct {
			BlockSize  int
			FreeBlocks int
		}
		ManagementPool struct {
			BlockSize  int
			BlockCount int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))

	require.Equal(t, manager.Ref().String(), parsed.Ref)
	require.Equal(t, 3, parsed.Total.PoolCount)
	require.Equal(t, 1, parsed.Total.UsedBlockCount)
	require.Len(t, parsed.Pools, 3)
	require.Equal(t, 176, parsed.Pools[0].BlockSize)
	require.Equal(t, 3, parsed.Pools[0].FreeBlocks)
	require.Equal(t, mepoo.ChunkManagementSize, parsed.ManagementPool.BlockSize)
	require.Equal(t, 12, parsed.ManagementPool.BlockCount)
}
