package tcached

import "time"

// Config is the full external configuration surface, matching the
// section/option table of the wire protocol's documented defaults.
// DefaultConfig holds the documented default of every field; Merge
// overlays the non-zero fields of one Config onto another.
type Config struct {
	Addr string

	L1          L1Config
	L2          L2Config
	Compression CompressionConfig
	TTL         TTLConfig
	Performance PerformanceConfig

	MaxItemSize    int
	CommandTimeout time.Duration

	LogFile  string
	LogLevel string
}

type L1Config struct {
	MaxMemory        int64
	MaxEntries       int
	EvictionStrategy string // "LRU", "LFU", "FIFO", "Hybrid".
}

type L2Config struct {
	Enable         bool
	DataDir        string
	ClearOnStartup bool
	MaxDiskSize    int64
	BlockCacheSize int64
}

type CompressionConfig struct {
	EnableLZ4 bool
	Threshold int
}

type TTLConfig struct {
	DefaultTTL      int64
	MaxTTL          int64
	CleanupInterval time.Duration
}

type PerformanceConfig struct {
	LargeValueThreshold int
	WorkerThreads       int
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() Config {
	return Config{
		Addr: ":11211",
		L1: L1Config{
			MaxMemory:        1 << 30, // 1 GiB.
			MaxEntries:       100000,
			EvictionStrategy: "LRU",
		},
		L2: L2Config{
			Enable:         true,
			DataDir:        "./cache_data",
			ClearOnStartup: false,
			MaxDiskSize:    1 << 30, // 1 GiB.
			BlockCacheSize: 32 << 20,
		},
		Compression: CompressionConfig{
			EnableLZ4: true,
			Threshold: 1024,
		},
		TTL: TTLConfig{
			DefaultTTL:      0,
			MaxTTL:          86400,
			CleanupInterval: 300 * time.Second,
		},
		Performance: PerformanceConfig{
			LargeValueThreshold: 10240,
			WorkerThreads:       4,
		},
		MaxItemSize:    DefaultMaxItemSize,
		CommandTimeout: 30 * time.Second,
		LogLevel:       "error",
	}
}

// Merge overlays non-zero fields of o onto c and returns the result,
// mirroring the teacher's "file overrides default, flags override
// file" merge rule applied twice (default -> file -> flags).
func (c Config) Merge(o Config) Config {
	if o.Addr != "" {
		c.Addr = o.Addr
	}
	if o.L1.MaxMemory != 0 {
		c.L1.MaxMemory = o.L1.MaxMemory
	}
	if o.L1.MaxEntries != 0 {
		c.L1.MaxEntries = o.L1.MaxEntries
	}
	if o.L1.EvictionStrategy != "" {
		c.L1.EvictionStrategy = o.L1.EvictionStrategy
	}
	c.L2.Enable = o.L2.Enable || c.L2.Enable
	if o.L2.DataDir != "" {
		c.L2.DataDir = o.L2.DataDir
	}
	c.L2.ClearOnStartup = o.L2.ClearOnStartup || c.L2.ClearOnStartup
	if o.L2.MaxDiskSize != 0 {
		c.L2.MaxDiskSize = o.L2.MaxDiskSize
	}
	if o.L2.BlockCacheSize != 0 {
		c.L2.BlockCacheSize = o.L2.BlockCacheSize
	}
	c.Compression.EnableLZ4 = o.Compression.EnableLZ4 || c.Compression.EnableLZ4
	if o.Compression.Threshold != 0 {
		c.Compression.Threshold = o.Compression.Threshold
	}
	if o.TTL.DefaultTTL != 0 {
		c.TTL.DefaultTTL = o.TTL.DefaultTTL
	}
	if o.TTL.MaxTTL != 0 {
		c.TTL.MaxTTL = o.TTL.MaxTTL
	}
	if o.TTL.CleanupInterval != 0 {
		c.TTL.CleanupInterval = o.TTL.CleanupInterval
	}
	if o.Performance.LargeValueThreshold != 0 {
		c.Performance.LargeValueThreshold = o.Performance.LargeValueThreshold
	}
	if o.Performance.WorkerThreads != 0 {
		c.Performance.WorkerThreads = o.Performance.WorkerThreads
	}
	if o.MaxItemSize != 0 {
		c.MaxItemSize = o.MaxItemSize
	}
	if o.CommandTimeout != 0 {
		c.CommandTimeout = o.CommandTimeout
	}
	if o.LogFile != "" {
		c.LogFile = o.LogFile
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	return c
}
