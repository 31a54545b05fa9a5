package lsm

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerConfig configures the persistent layer.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory keeps the database in RAM (tests, ephemeral stores).
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every badger commit.
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`

	// BlockCacheSizeMB is badger's block cache size (default: 64).
	BlockCacheSizeMB int64 `mapstructure:"block_cache_mb" yaml:"block_cache_mb"`

	// IndexCacheSizeMB is badger's index cache size (default: 32).
	IndexCacheSizeMB int64 `mapstructure:"index_cache_mb" yaml:"index_cache_mb"`
}

// OpenDB opens the badger database backing the trees.
func OpenDB(cfg BadgerConfig) (*badgerdb.DB, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("lsm: badger path is required")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}

	// Extent values are small and already dense; compression is not worth
	// the CPU.
	opts = opts.WithLoggingLevel(badgerdb.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badgerdb.Open(opts)
	if err != nil {
		if cfg.InMemory {
			return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
		}
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return db, nil
}
