package mepoo_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/shmchunk/memutils"
	"github.com/vkngwrapper/arsenal/shmchunk/mepoo"
)

func TestReadConfig(t *testing.T) {
	input := `{
		"name": "ignored",
		"pools": [
			{"size": 128, "count": 1000},
			{"size": 1024, "count": 100, "alignment": 64, "comment": {"also": ["ignored"]}}
		]
	}`

	config, err := mepoo.ReadConfig(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, mepoo.Config{
		Entries: []mepoo.PoolEntry{
			{Size: 128, Count: 1000},
			{Size: 1024, Count: 100, Alignment: 64},
		},
	}, config)
	require.NoError(t, config.Validate())
}

func TestReadConfigInvalid(t *testing.T) {
	invalid := map[string]string{
		"Truncated":       `{"pools": [{"size": 128`,
		"Not An Object":   `[1, 2]`,
		"Negative Size":   `{"pools": [{"size": -1, "count": 2}]}`,
		"Oversized Count": `{"pools": [{"size": 8, "count": 4294967296}]}`,
		"String Size":     `{"pools": [{"size": "big", "count": 2}]}`,
		"Trailing Data":   `{"pools": []} {}`,
	}

	for name, input := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := mepoo.ReadConfig(strings.NewReader(input))
			require.ErrorIs(t, err, mepoo.ErrInvalidConfig)
		})
	}
}

func TestInvalidConfigKeepsCause(t *testing.T) {
	config := mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 64, Count: 1, Alignment: 12}}}

	err := config.Validate()
	require.True(t, errors.Is(err, mepoo.ErrInvalidConfig))
	require.True(t, cerrors.Is(err, mepoo.ErrInvalidConfig))
	require.Contains(t, err.Error(), "pool 0")
	require.Contains(t, err.Error(), "userPayloadAlignment is 12")

	secondary := cerrors.GetAllSecondaryErrors(err)
	require.Len(t, secondary, 1)
	require.True(t, errors.Is(secondary[0], memutils.PowerOfTwoError))

	_, err = mepoo.ReadConfig(strings.NewReader(`{"pools": [{"size": -1, "count": 2}]}`))
	require.True(t, errors.Is(err, mepoo.ErrInvalidConfig))
	require.Contains(t, err.Error(), "size -1 is out of range")
}

func TestWriteConfig(t *testing.T) {
	config := mepoo.Config{
		Entries: []mepoo.PoolEntry{
			{Size: 64, Count: 32},
			{Size: 4096, Count: 4, Alignment: 256},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, mepoo.WriteConfig(&buf, config))
	require.JSONEq(t, `{"pools":[{"size":64,"count":32},{"size":4096,"count":4,"alignment":256}]}`, buf.String())

	read, err := mepoo.ReadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, config, read)
	require.Equal(t, config.Fingerprint(), read.Fingerprint())
}

func TestOptimizeConfig(t *testing.T) {
	var config mepoo.Config
	config.AddPool(1024, 10)
	config.AddPool(128, 100)
	config.AddPool(1024, 5)
	config.Entries = append(config.Entries, mepoo.PoolEntry{Size: 128, Count: 1, Alignment: 64})
	config.AddPool(128, 20)

	require.ErrorIs(t, config.Validate(), mepoo.ErrPoolOrder)

	config.Optimize()
	require.Equal(t, []mepoo.PoolEntry{
		{Size: 128, Count: 120},
		{Size: 128, Count: 1, Alignment: 64},
		{Size: 1024, Count: 15},
	}, config.Entries)
	require.NoError(t, config.Validate())
	require.Equal(t, 136, config.TotalChunkCount())
}

func TestValidateConfig(t *testing.T) {
	tooMany := mepoo.Config{}
	for i := 0; i <= mepoo.MaxNumberOfMemPools; i++ {
		tooMany.AddPool(uint32(8*(i+1)), 1)
	}

	invalid := map[string]struct {
		Config      mepoo.Config
		ExpectedErr error
	}{
		"Empty":          {Config: mepoo.Config{}, ExpectedErr: mepoo.ErrInvalidConfig},
		"Too Many Pools": {Config: tooMany, ExpectedErr: mepoo.ErrInvalidConfig},
		"Zero Size": {
			Config:      mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 0, Count: 4}}},
			ExpectedErr: mepoo.ErrInvalidConfig,
		},
		"Zero Count": {
			Config:      mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 64, Count: 0}}},
			ExpectedErr: mepoo.ErrInvalidConfig,
		},
		"Bad Alignment": {
			Config:      mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 64, Count: 1, Alignment: 12}}},
			ExpectedErr: mepoo.ErrInvalidConfig,
		},
		"Descending": {
			Config:      mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 256, Count: 1}, {Size: 64, Count: 1}}},
			ExpectedErr: mepoo.ErrPoolOrder,
		},
		"Same Chunk Size": {
			Config:      mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 60, Count: 1}, {Size: 64, Count: 1}}},
			ExpectedErr: mepoo.ErrPoolOrder,
		},
	}

	for name, testCase := range invalid {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, testCase.Config.Validate(), testCase.ExpectedErr)
		})
	}

	require.NoError(t, mepoo.DefaultConfig().Validate())
}

func TestConfigFingerprint(t *testing.T) {
	config := mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 128, Count: 10}, {Size: 512, Count: 4}}}

	same := mepoo.Config{Entries: []mepoo.PoolEntry{{Size: 128, Count: 10, Alignment: 8}, {Size: 512, Count: 4}}}
	require.Equal(t, config.Fingerprint(), same.Fingerprint())

	different := map[string]mepoo.Config{
		"Count":     {Entries: []mepoo.PoolEntry{{Size: 128, Count: 11}, {Size: 512, Count: 4}}},
		"Size":      {Entries: []mepoo.PoolEntry{{Size: 136, Count: 10}, {Size: 512, Count: 4}}},
		"Alignment": {Entries: []mepoo.PoolEntry{{Size: 128, Count: 10, Alignment: 16}, {Size: 512, Count: 4}}},
		"Fewer":     {Entries: []mepoo.PoolEntry{{Size: 128, Count: 10}}},
	}
	for name, other := range different {
		t.Run(name, func(t *testing.T) {
			require.NotEqual(t, config.Fingerprint(), other.Fingerprint())
		})
	}
}
