package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the occupancy of one or more fixed-block pools. Values read from
// shared memory are snapshots: other processes may acquire and release blocks while they
// are being collected.
type Statistics struct {
	PoolCount      int
	BlockCount     int
	UsedBlockCount int
	BlockBytes     int
	UsedBytes      int
	UsedBlockMax   int
	BlockSizeMin   int
	BlockSizeMax   int
	ExhaustedPools int
}

// Clear resets the statistics so that they can be used to collect a new sum
func (s *Statistics) Clear() {
	s.PoolCount = 0
	s.BlockCount = 0
	s.UsedBlockCount = 0
	s.BlockBytes = 0
	s.UsedBytes = 0
	s.UsedBlockMax = 0
	s.BlockSizeMin = math.MaxInt
	s.BlockSizeMax = 0
	s.ExhaustedPools = 0
}

// AddPool sums a single pool's occupancy into the statistics
func (s *Statistics) AddPool(blockSize, blockCount, usedBlocks, usedMax int) {
	s.PoolCount++
	s.BlockCount += blockCount
	s.UsedBlockCount += usedBlocks
	s.BlockBytes += blockSize * blockCount
	s.UsedBytes += blockSize * usedBlocks
	s.UsedBlockMax += usedMax

	if blockSize < s.BlockSizeMin {
		s.BlockSizeMin = blockSize
	}

	if blockSize > s.BlockSizeMax {
		s.BlockSizeMax = blockSize
	}

	if usedBlocks >= blockCount {
		s.ExhaustedPools++
	}
}

// AddStatistics sums another set of statistics into this one
func (s *Statistics) AddStatistics(other *Statistics) {
	s.PoolCount += other.PoolCount
	s.BlockCount += other.BlockCount
	s.UsedBlockCount += other.UsedBlockCount
	s.BlockBytes += other.BlockBytes
	s.UsedBytes += other.UsedBytes
	s.UsedBlockMax += other.UsedBlockMax
	s.ExhaustedPools += other.ExhaustedPools

	if other.BlockSizeMin < s.BlockSizeMin {
		s.BlockSizeMin = other.BlockSizeMin
	}

	if other.BlockSizeMax > s.BlockSizeMax {
		s.BlockSizeMax = other.BlockSizeMax
	}
}

// FreeBlockCount is the number of blocks that were free when the statistics were collected
func (s *Statistics) FreeBlockCount() int {
	return s.BlockCount - s.UsedBlockCount
}

// StatisticsJsonData populates a json object with the statistics
func (s *Statistics) StatisticsJsonData(json jwriter.ObjectState) {
	json.Name("PoolCount").Int(s.PoolCount)
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("UsedBlockCount").Int(s.UsedBlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("UsedBytes").Int(s.UsedBytes)
	json.Name("UsedBlockMax").Int(s.UsedBlockMax)
	json.Name("ExhaustedPools").Int(s.ExhaustedPools)
	if s.PoolCount > 0 {
		json.Name("BlockSizeMin").Int(s.BlockSizeMin)
		json.Name("BlockSizeMax").Int(s.BlockSizeMax)
	}
}
