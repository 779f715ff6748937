package api

// CacheConfig tunes how identity snapshots are loaded and cached.
// Field tags drive HCL decoding (internal/config), environment overrides
// (EXTIDCACHE_ prefix) and validation.
type CacheConfig struct {
	// EnablePartialReloads lets the loader derive a snapshot from a cached
	// ancestor instead of reading the whole tree.
	EnablePartialReloads bool `json:"enable_partial_reloads" env:"ENABLE_PARTIAL_RELOADS"`
	// VerifyPartialReloads compares every incremental result with a full
	// reconstruction and keeps the full one on mismatch.
	VerifyPartialReloads bool `json:"verify_partial_reloads" env:"VERIFY_PARTIAL_RELOADS"`
	// MaxAncestorHops bounds how many parents are walked looking for a
	// cached snapshot.
	MaxAncestorHops int `json:"max_ancestor_hops" env:"MAX_ANCESTOR_HOPS" validate:"gte=0"`
	// MaxChangedPathsForIncremental is the largest effective diff applied
	// incrementally.
	MaxChangedPathsForIncremental int `json:"max_changed_paths_for_incremental" env:"MAX_CHANGED_PATHS_FOR_INCREMENTAL" validate:"gte=0"`
	// ShardingThreshold is the note count above which the store writer uses
	// fanout directories.
	ShardingThreshold int `json:"sharding_threshold" env:"SHARDING_THRESHOLD" validate:"gte=0"`
	// MemoryLimit is the number of snapshots held in memory.
	MemoryLimit int `json:"memory_limit" env:"MEMORY_LIMIT" validate:"gte=1"`
	// DiskPath is the SQLite file snapshots are persisted to. Empty disables
	// persistence.
	DiskPath string `json:"disk_path,omitempty" env:"DISK_PATH"`
}

// DefaultCacheConfig returns the configuration used when nothing is set.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		EnablePartialReloads:          true,
		MaxAncestorHops:               10,
		MaxChangedPathsForIncremental: 1000,
		ShardingThreshold:             256,
		MemoryLimit:                   4,
	}
}
