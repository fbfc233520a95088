package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultedConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("shared-cache.", fs)
	require.NoError(t, fs.Parse(nil))
	return cfg
}

func TestDefaultsAreValidOnceSized(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes * 4
	cfg.DataPath = t.TempDir()

	assert.True(t, cfg.Enabled())
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.NumRegions())
}

func TestZeroSizeDisablesTheCache(t *testing.T) {
	cfg := defaultedConfig(t)

	assert.False(t, cfg.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestZeroSizeSkipsEveryOtherValidation(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.RegionSizeBytes = 0
	cfg.RangeSize = 0
	cfg.DataPath = ""

	assert.NoError(t, cfg.Validate())
}

func TestSizeMustBeMultipleOfRegionSize(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.RegionSizeBytes = 100
	cfg.SizeBytes = 250
	cfg.DataPath = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size_bytes", ve.Field)
}

func TestDataPathRequiredWhenEnabled(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "data_path", ve.Field)
}

func TestNegativeMinTimeDeltaRejected(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes
	cfg.DataPath = t.TempDir()
	cfg.MinTimeDelta = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "min_time_delta", ve.Field)
}

func TestSizeBytesAndSizeFractionAreMutuallyExclusive(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes
	cfg.SizeFraction = 0.5
	cfg.DataPath = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size_bytes", ve.Field)
}

func TestNegativeSizeBytesRejected(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = -1
	cfg.DataPath = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size_bytes", ve.Field)
}

func TestNegativeSizeFractionRejected(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeFraction = -0.5
	cfg.DataPath = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size_fraction", ve.Field)
}

func TestSizeFractionMustNotExceedOne(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeFraction = 1.5
	cfg.DataPath = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size_fraction", ve.Field)
}

func TestMaxHeadroomRejectedForAbsoluteSize(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes
	cfg.MaxHeadroomBytes = 1024
	cfg.DataPath = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size_max_headroom_bytes", ve.Field)
}

func TestSizeFractionConfigIsValidWithHeadroom(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeFraction = 0.1
	cfg.MaxHeadroomBytes = 1024
	cfg.DataPath = t.TempDir()

	assert.NoError(t, cfg.Validate())
}

func TestRangeSizeMustBePositive(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes
	cfg.DataPath = t.TempDir()
	cfg.RangeSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "range_size", ve.Field)
}

func TestRecoveryRangeSizeMustBePositive(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = cfg.RegionSizeBytes
	cfg.DataPath = t.TempDir()
	cfg.RecoveryRangeSize = -1

	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "recovery_range_size", ve.Field)
}

func TestResolveSizeBytesReturnsAbsoluteSizeDirectly(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeBytes = 12345

	size, err := cfg.ResolveSizeBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 12345, size)
}

func TestResolveSizeBytesResolvesFractionAgainstDisk(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SizeFraction = 0.01
	cfg.DataPath = t.TempDir()

	size, err := cfg.ResolveSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
