// Package config parses and validates the shared_cache.* settings that
// configure a blobcache.SharedBlobCacheService.
package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// DefaultRegionSize matches the region size used across the corpus
	// of remote-blob-backed search systems this cache is modelled on.
	DefaultRegionSize = 16 * 1024 * 1024 // 16MiB

	// DefaultRangeSize is the I/O chunk granularity writers use when
	// filling a gap from the origin.
	DefaultRangeSize = 256 * 1024

	// DefaultRecoveryRangeSize is the I/O chunk granularity used when a
	// region is repopulated after a prior populate failure.
	DefaultRecoveryRangeSize = DefaultRangeSize

	// DefaultMinTimeDelta is the minimum gap between two accesses of the
	// same region that count as separate hits for promotion purposes.
	DefaultMinTimeDelta = 60 * time.Second

	// DefaultDecayInterval is how often the background ticker invokes
	// ComputeDecay.
	DefaultDecayInterval = time.Second

	// DefaultDataFileName is the name of the backing file created inside
	// DataPath.
	DefaultDataFileName = "shared_cache.dat"
)

// ValidationError reports a single rejected configuration field, along
// with the value that was rejected, so node startup logs can say
// exactly what was wrong instead of a generic failure.
type ValidationError struct {
	Field string
	Value any
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("shared_cache: invalid %s=%v: %s", e.Field, e.Value, e.Msg)
}

// Config holds the shared_cache.* settings. Every field is loadable
// both from command-line flags (via RegisterFlagsAndApplyDefaults) and
// from YAML, for embedding inside a larger node configuration file.
type Config struct {
	// SizeBytes is the absolute total size of the backing file. Zero
	// (together with SizeFraction also zero) disables the cache
	// entirely: no backing file is created and Validate skips every
	// other check. Setting both SizeBytes and SizeFraction is rejected.
	SizeBytes int64 `yaml:"size_bytes"`

	// SizeFraction expresses the total cache size as a fraction of the
	// total capacity of the filesystem holding DataPath, instead of an
	// absolute byte count. Must be in (0, 1]. Mutually exclusive with
	// SizeBytes.
	SizeFraction float64 `yaml:"size_fraction"`

	// MaxHeadroomBytes is the absolute amount of free space to leave
	// unused on the filesystem when SizeFraction is set: the resolved
	// size is capped at (free space - MaxHeadroomBytes). Meaningless,
	// and rejected, when SizeBytes is used instead.
	MaxHeadroomBytes int64 `yaml:"size_max_headroom_bytes"`

	// RegionSizeBytes is the fixed size of every region.
	RegionSizeBytes int64 `yaml:"region_size_bytes"`

	// RangeSize is the I/O chunk granularity a RangeWriter should use
	// when filling a gap from the origin.
	RangeSize int64 `yaml:"range_size"`

	// RecoveryRangeSize is the I/O chunk granularity a RangeWriter
	// should use when repopulating a region after a prior populate
	// failure, as opposed to a first-time fill.
	RecoveryRangeSize int64 `yaml:"recovery_range_size"`

	// MinTimeDelta is the minimum interval between two accesses of the
	// same region that both count towards its access frequency.
	MinTimeDelta time.Duration `yaml:"min_time_delta"`

	// DecayInterval is how often the background decay ticker runs.
	DecayInterval time.Duration `yaml:"decay_interval"`

	// BulkQueueSize is the bulk executor's worker count, used for
	// prefetch (maybeFetchFullEntry, maybeFetchRegion).
	BulkQueueSize int `yaml:"bulk_queue_size"`

	// GenericQueueSize is the generic executor's worker count, used for
	// populateAndRead on the foreground read path. Zero means
	// unbounded.
	GenericQueueSize int `yaml:"generic_queue_size"`

	// DataPath is the directory holding the backing file. Required
	// whenever the cache is enabled.
	DataPath string `yaml:"data_path"`
}

// RegisterFlagsAndApplyDefaults registers every field of cfg against f
// with the given flag-name prefix (e.g. "querier.shared-cache.") and
// applies defaults for anything left unset.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.SizeBytes, prefix+"size-bytes", 0, "Total size in bytes of the shared cache backing file. Zero (with size-fraction also zero) disables the cache. Mutually exclusive with size-fraction.")
	f.Float64Var(&cfg.SizeFraction, prefix+"size-fraction", 0, "Total size of the shared cache backing file, as a fraction (0,1] of the total capacity of the filesystem holding data-path. Mutually exclusive with size-bytes.")
	f.Int64Var(&cfg.MaxHeadroomBytes, prefix+"size-max-headroom-bytes", 0, "Absolute free space to leave unused when size-fraction is set. Rejected when size-bytes is set instead.")
	f.Int64Var(&cfg.RegionSizeBytes, prefix+"region-size-bytes", DefaultRegionSize, "Size in bytes of each cache region.")
	f.Int64Var(&cfg.RangeSize, prefix+"range-size", DefaultRangeSize, "I/O chunk granularity used by writers filling a gap from the origin.")
	f.Int64Var(&cfg.RecoveryRangeSize, prefix+"recovery-range-size", DefaultRecoveryRangeSize, "I/O chunk granularity used by writers repopulating a region after a prior populate failure.")
	f.DurationVar(&cfg.MinTimeDelta, prefix+"min-time-delta", DefaultMinTimeDelta, "Minimum time between two accesses of a region that both count toward its access frequency.")
	f.DurationVar(&cfg.DecayInterval, prefix+"decay-interval", DefaultDecayInterval, "How often region access frequencies are decayed.")
	f.IntVar(&cfg.BulkQueueSize, prefix+"bulk-queue-size", 4*runtime.GOMAXPROCS(0), "Number of concurrent bulk (prefetch) population workers.")
	f.IntVar(&cfg.GenericQueueSize, prefix+"generic-queue-size", 0, "Number of concurrent generic (foreground read) population workers. 0 means unbounded.")
	f.StringVar(&cfg.DataPath, prefix+"data-path", "", "Directory holding the shared cache backing file.")
}

// Validate rejects a Config that would produce an unsafe or
// unconstructable SharedBlobCacheService, returning a *ValidationError
// describing the first problem found. A Config with both SizeBytes and
// SizeFraction zero is disabled and always valid: Enabled() reports
// false and every other field is left unchecked.
func (cfg *Config) Validate() error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.RegionSizeBytes <= 0 {
		return &ValidationError{"region_size_bytes", cfg.RegionSizeBytes, "must be positive"}
	}
	if cfg.SizeBytes < 0 {
		return &ValidationError{"size_bytes", cfg.SizeBytes, "must not be negative"}
	}
	if cfg.SizeFraction < 0 {
		return &ValidationError{"size_fraction", cfg.SizeFraction, "must not be negative"}
	}

	relative := cfg.SizeFraction > 0
	if relative && cfg.SizeBytes > 0 {
		return &ValidationError{"size_bytes", cfg.SizeBytes, "must not be set together with size_fraction"}
	}
	if relative {
		if cfg.SizeFraction > 1 {
			return &ValidationError{"size_fraction", cfg.SizeFraction, "must be in the range (0, 1]"}
		}
		if cfg.MaxHeadroomBytes < 0 {
			return &ValidationError{"size_max_headroom_bytes", cfg.MaxHeadroomBytes, "must not be negative"}
		}
	} else {
		if cfg.SizeBytes%cfg.RegionSizeBytes != 0 {
			return &ValidationError{"size_bytes", cfg.SizeBytes, fmt.Sprintf("must be an exact multiple of region_size_bytes (%d)", cfg.RegionSizeBytes)}
		}
		if cfg.MaxHeadroomBytes != 0 {
			return &ValidationError{"size_max_headroom_bytes", cfg.MaxHeadroomBytes, "only meaningful with size_fraction; rejected for an absolute size"}
		}
	}

	if cfg.RangeSize <= 0 {
		return &ValidationError{"range_size", cfg.RangeSize, "must be positive"}
	}
	if cfg.RecoveryRangeSize <= 0 {
		return &ValidationError{"recovery_range_size", cfg.RecoveryRangeSize, "must be positive"}
	}
	if cfg.MinTimeDelta < 0 {
		return &ValidationError{"min_time_delta", cfg.MinTimeDelta, "must not be negative"}
	}
	if cfg.DecayInterval <= 0 {
		return &ValidationError{"decay_interval", cfg.DecayInterval, "must be positive"}
	}
	if cfg.BulkQueueSize <= 0 {
		return &ValidationError{"bulk_queue_size", cfg.BulkQueueSize, "must be positive"}
	}
	if cfg.GenericQueueSize < 0 {
		return &ValidationError{"generic_queue_size", cfg.GenericQueueSize, "must not be negative"}
	}
	if cfg.DataPath == "" {
		return &ValidationError{"data_path", cfg.DataPath, "required when enabled"}
	}
	return nil
}

// Enabled reports whether the cache is configured to run at all:
// shared_cache.size (absolute or relative) must be set to something
// other than zero. A zero size is the documented way to disable the
// cache, matching shared_cache.size's "zero disables the cache"
// semantics.
func (cfg *Config) Enabled() bool {
	return cfg.SizeBytes != 0 || cfg.SizeFraction != 0
}

// ResolveSizeBytes returns the absolute size of the backing file. For
// an absolute SizeBytes configuration this is simply SizeBytes; for a
// SizeFraction configuration it stats the filesystem holding DataPath
// and resolves the fraction (less MaxHeadroomBytes of free space, if
// set) against its total capacity.
func (cfg *Config) ResolveSizeBytes() (int64, error) {
	if cfg.SizeFraction <= 0 {
		return cfg.SizeBytes, nil
	}

	total, free, err := diskSpaceBytes(cfg.DataPath)
	if err != nil {
		return 0, fmt.Errorf("shared_cache: resolve size_fraction against %s: %w", cfg.DataPath, err)
	}

	size := int64(float64(total) * cfg.SizeFraction)
	if cfg.MaxHeadroomBytes > 0 {
		if allowed := free - cfg.MaxHeadroomBytes; allowed < size {
			size = allowed
		}
	}
	if size < 0 {
		size = 0
	}
	return size, nil
}

// ResolvedNumRegions returns the number of fixed-size regions the
// backing file is divided into, resolving SizeFraction against disk
// capacity first if necessary. Bytes left over after the last whole
// region are discarded rather than rejected, since a relative size
// is not known to be an exact multiple of RegionSizeBytes in advance.
func (cfg *Config) ResolvedNumRegions() (int, error) {
	size, err := cfg.ResolveSizeBytes()
	if err != nil {
		return 0, err
	}
	return int(size / cfg.RegionSizeBytes), nil
}

// NumRegions returns the number of fixed-size regions the backing file
// is divided into, assuming an absolute SizeBytes configuration. It
// does not resolve SizeFraction; use ResolvedNumRegions for that.
func (cfg *Config) NumRegions() int {
	return int(cfg.SizeBytes / cfg.RegionSizeBytes)
}

// DataFilePath returns the path of the backing file within DataPath.
func (cfg *Config) DataFilePath() string {
	return filepath.Join(cfg.DataPath, DefaultDataFileName)
}
