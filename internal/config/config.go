// Package config loads api.CacheConfig from an optional HCL file and
// EXTIDCACHE_* environment variables, then validates it.
//
// File layout:
//
//	cache "external_ids_map" {
//	  enable_partial_reloads            = true
//	  verify_partial_reloads            = false
//	  max_ancestor_hops                 = 10
//	  max_changed_paths_for_incremental = 1000
//	  memory_limit                      = 4
//	  disk_path                         = "/var/cache/extids.db"
//	}
//
//	note_store {
//	  sharding_threshold = 256
//	}
//
// Every attribute is optional. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"

	"github.com/agentic-research/extidcache/api"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXTIDCACHE_"

// CacheName is the only cache block label recognized.
const CacheName = "external_ids_map"

// ErrInvalid wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

type file struct {
	Caches    []cacheBlock    `hcl:"cache,block"`
	NoteStore *noteStoreBlock `hcl:"note_store,block"`
}

type cacheBlock struct {
	Name                          string  `hcl:"name,label"`
	EnablePartialReloads          *bool   `hcl:"enable_partial_reloads,optional"`
	VerifyPartialReloads          *bool   `hcl:"verify_partial_reloads,optional"`
	MaxAncestorHops               *int    `hcl:"max_ancestor_hops,optional"`
	MaxChangedPathsForIncremental *int    `hcl:"max_changed_paths_for_incremental,optional"`
	MemoryLimit                   *int    `hcl:"memory_limit,optional"`
	DiskPath                      *string `hcl:"disk_path,optional"`
}

type noteStoreBlock struct {
	ShardingThreshold *int `hcl:"sharding_threshold,optional"`
}

// Load returns the defaults overridden by the file at path (skipped when
// path is empty) and then by the environment. The file must end in .hcl
// or .json.
func Load(path string) (api.CacheConfig, error) {
	cfg := api.DefaultCacheConfig()
	if path != "" {
		if err := applyFile(path, &cfg); err != nil {
			return api.CacheConfig{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return api.CacheConfig{}, fmt.Errorf("%w: parse env: %v", ErrInvalid, err)
	}
	if err := Validate(cfg); err != nil {
		return api.CacheConfig{}, err
	}
	return cfg, nil
}

// Validate checks cfg against its field constraints.
func Validate(cfg api.CacheConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func applyFile(path string, cfg *api.CacheConfig) error {
	var f file
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	for _, c := range f.Caches {
		if c.Name != CacheName {
			return fmt.Errorf("%w: %s: unknown cache %q", ErrInvalid, path, c.Name)
		}
		set(&cfg.EnablePartialReloads, c.EnablePartialReloads)
		set(&cfg.VerifyPartialReloads, c.VerifyPartialReloads)
		set(&cfg.MaxAncestorHops, c.MaxAncestorHops)
		set(&cfg.MaxChangedPathsForIncremental, c.MaxChangedPathsForIncremental)
		set(&cfg.MemoryLimit, c.MemoryLimit)
		set(&cfg.DiskPath, c.DiskPath)
	}
	if f.NoteStore != nil {
		set(&cfg.ShardingThreshold, f.NoteStore.ShardingThreshold)
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
