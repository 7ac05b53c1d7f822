package mepoo

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/shmchunk/mempool"
)

// MaxNumberOfMemPools is the largest number of chunk pools a memory manager can lay out
const MaxNumberOfMemPools = 32

// PoolEntry describes one chunk pool: Count chunks, each able to hold Size bytes of user
// payload aligned to Alignment. An Alignment of zero means ChunkAlignment.
type PoolEntry struct {
	Size      uint32
	Count     uint32
	Alignment uint32
}

func (e PoolEntry) alignment() uint32 {
	if e.Alignment == 0 {
		return ChunkAlignment
	}
	return e.Alignment
}

func (e PoolEntry) settings() (ChunkSettings, error) {
	return PayloadSettings(e.Size, e.alignment())
}

// Config is the pool layout of a memory manager
type Config struct {
	Entries []PoolEntry
}

// DefaultConfig returns a general-purpose layout of seven pools, from 128 byte to 4 MiB payloads
func DefaultConfig() Config {
	return Config{
		Entries: []PoolEntry{
			{Size: 128, Count: 10000},
			{Size: 1024, Count: 5000},
			{Size: 1024 * 16, Count: 1000},
			{Size: 1024 * 128, Count: 200},
			{Size: 1024 * 512, Count: 50},
			{Size: 1024 * 1024, Count: 30},
			{Size: 1024 * 1024 * 4, Count: 10},
		},
	}
}

// AddPool appends an entry with the default alignment
func (c *Config) AddPool(size uint32, count uint32) {
	c.Entries = append(c.Entries, PoolEntry{Size: size, Count: count})
}

// Optimize sorts the entries by chunk size and merges entries that would produce identical pools
func (c *Config) Optimize() {
	sort.SliceStable(c.Entries, func(i, j int) bool {
		left, right := c.Entries[i], c.Entries[j]
		if left.Size != right.Size {
			return left.Size < right.Size
		}
		return left.alignment() < right.alignment()
	})

	merged := c.Entries[:0]
	for _, entry := range c.Entries {
		last := len(merged) - 1
		if last >= 0 && merged[last].Size == entry.Size && merged[last].alignment() == entry.alignment() {
			merged[last].Count += entry.Count
			continue
		}
		merged = append(merged, entry)
	}
	c.Entries = merged
}

// Validate checks that the configuration can be laid out: between one and MaxNumberOfMemPools
// entries, each with a nonzero size and count and a power-of-two alignment, in strictly
// ascending chunk size order.
func (c Config) Validate() error {
	if len(c.Entries) == 0 {
		return cerrors.Wrap(ErrInvalidConfig, "no pools are configured")
	}
	if len(c.Entries) > MaxNumberOfMemPools {
		return cerrors.Wrapf(ErrInvalidConfig, "%d pools are configured but at most %d are supported", len(c.Entries), MaxNumberOfMemPools)
	}

	var total uint64
	var previousChunkSize uint32
	for index, entry := range c.Entries {
		if entry.Size == 0 || entry.Count == 0 {
			return cerrors.Wrapf(ErrInvalidConfig, "pool %d must have a nonzero size and count", index)
		}

		settings, err := entry.settings()
		if err != nil {
			return invalidConfig(err, "pool %d", index)
		}

		if settings.RequiredChunkSize() <= previousChunkSize {
			return cerrors.Wrapf(ErrPoolOrder, "pool %d has %d byte chunks, following a pool with %d byte chunks", index, settings.RequiredChunkSize(), previousChunkSize)
		}
		previousChunkSize = settings.RequiredChunkSize()

		total += uint64(entry.Count)
	}

	if total > mempool.MaxBlockCount {
		return cerrors.Wrapf(ErrInvalidConfig, "%d chunks are configured but at most %d are supported", total, uint64(mempool.MaxBlockCount))
	}

	return nil
}

// TotalChunkCount returns the number of chunks across all entries, which is also the number of
// ChunkManagement records a memory manager needs
func (c Config) TotalChunkCount() int {
	var total int
	for _, entry := range c.Entries {
		total += int(entry.Count)
	}
	return total
}

// Fingerprint hashes the configuration so that processes attaching to a memory manager can
// verify they agree on its layout
func (c Config) Fingerprint() uint64 {
	digest := xxhash.New()

	var buf [12]byte
	buf[0] = ChunkHeaderVersion
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(c.Entries)))
	_, _ = digest.Write(buf[:8])

	for _, entry := range c.Entries {
		binary.LittleEndian.PutUint32(buf[0:], entry.Size)
		binary.LittleEndian.PutUint32(buf[4:], entry.Count)
		binary.LittleEndian.PutUint32(buf[8:], entry.alignment())
		_, _ = digest.Write(buf[:])
	}

	return digest.Sum64()
}

// ReadConfig parses a configuration of the form
//
//	{"pools": [{"size": 128, "count": 1000}, {"size": 1024, "count": 100, "alignment": 64}]}
//
// Unknown properties are ignored. The result is not validated.
func ReadConfig(reader io.Reader) (Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, cerrors.Wrap(err, "failed to read memory pool configuration")
	}

	var config Config
	r := jreader.NewReader(data)

	for obj := r.Object(); obj.Next(); {
		if string(obj.Name()) != "pools" {
			_ = r.SkipValue()
			continue
		}

		for arr := r.Array(); arr.Next(); {
			var entry PoolEntry
			for entryObj := r.Object(); entryObj.Next(); {
				switch string(entryObj.Name()) {
				case "size":
					entry.Size = readUint32(&r, "size")
				case "count":
					entry.Count = readUint32(&r, "count")
				case "alignment":
					entry.Alignment = readUint32(&r, "alignment")
				default:
					_ = r.SkipValue()
				}
			}
			config.Entries = append(config.Entries, entry)
		}
	}

	err = r.Error()
	if err == nil {
		err = r.RequireEOF()
	}
	if err != nil {
		return Config{}, invalidConfig(err, "failed to parse memory pool configuration")
	}

	return config, nil
}

func readUint32(r *jreader.Reader, name string) uint32 {
	value := r.Int()
	if value < 0 || uint64(value) > uint64(^uint32(0)) {
		r.AddError(cerrors.Newf("%s %d is out of range", name, value))
		return 0
	}
	return uint32(value)
}

// WriteConfig writes a configuration in the format ReadConfig reads
func WriteConfig(writer io.Writer, config Config) error {
	w := jwriter.NewWriter()

	obj := w.Object()
	arr := obj.Name("pools").Array()
	for _, entry := range config.Entries {
		entryObj := arr.Object()
		entryObj.Name("size").Int(int(entry.Size))
		entryObj.Name("count").Int(int(entry.Count))
		if entry.Alignment != 0 {
			entryObj.Name("alignment").Int(int(entry.Alignment))
		}
		entryObj.End()
	}
	arr.End()
	obj.End()

	if err := w.Error(); err != nil {
		return cerrors.Wrap(err, "failed to serialize memory pool configuration")
	}
	_, err := writer.Write(w.Bytes())
	return cerrors.Wrap(err, "failed to write memory pool configuration")
}
