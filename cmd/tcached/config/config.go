// Package config parses the on-disk/flag-facing configuration shape
// (size strings like "64m", flat JSON tags matching the documented
// option names) into the engine's tcached.Config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/tcached"
	"github.com/skipor/tcached/internal/util"
	"github.com/skipor/tcached/log"
)

// Config is the flat, string-sized configuration shape read from a
// JSON file and overlaid by command-line flags. Parse converts it into
// the engine's tcached.Config.
type Config struct {
	Port           int    `json:"port,omitempty"`
	Host           string `json:"host,omitempty"`
	LogDestination string `json:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level,omitempty"`
	MaxItemSize    string `json:"max-item-size,omitempty"`

	L1          L1Config          `json:"l1,omitempty"`
	L2          L2Config          `json:"l2,omitempty"`
	Compression CompressionConfig `json:"compression,omitempty"`
	TTL         TTLConfig         `json:"ttl,omitempty"`
	Performance PerformanceConfig `json:"performance,omitempty"`
}

type L1Config struct {
	MaxMemory        string `json:"max-memory,omitempty"`
	MaxEntries       int    `json:"max-entries,omitempty"`
	EvictionStrategy string `json:"eviction-strategy,omitempty"` // LRU, LFU, FIFO, Hybrid.
}

type L2Config struct {
	Enable         bool   `json:"enable"`
	DataDir        string `json:"data-dir,omitempty"`
	ClearOnStartup bool   `json:"clear-on-startup,omitempty"`
	MaxDiskSize    string `json:"max-disk-size,omitempty"`
	BlockCacheSize string `json:"block-cache-size,omitempty"`
}

type CompressionConfig struct {
	EnableLZ4 bool `json:"enable-lz4,omitempty"`
	Threshold int  `json:"threshold,omitempty"`
}

type TTLConfig struct {
	DefaultTTL      int64         `json:"default-ttl,omitempty"`
	MaxTTL          int64         `json:"max-ttl,omitempty"`
	CleanupInterval time.Duration `json:"cleanup-interval,omitempty"`
}

type PerformanceConfig struct {
	LargeValueThreshold string `json:"large-value-threshold,omitempty"`
	WorkerThreads       int    `json:"worker-threads,omitempty"`
}

func Default() *Config {
	return &Config{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		MaxItemSize:    "1m",
		L1: L1Config{
			MaxMemory:        "1g",
			MaxEntries:       100000,
			EvictionStrategy: "LRU",
		},
		L2: L2Config{
			Enable:         true,
			DataDir:        "./cache_data",
			MaxDiskSize:    "1g",
			BlockCacheSize: "32m",
		},
		Compression: CompressionConfig{
			EnableLZ4: true,
			Threshold: 1024,
		},
		TTL: TTLConfig{
			MaxTTL:          86400,
			CleanupInterval: 5 * time.Minute,
		},
		Performance: PerformanceConfig{
			LargeValueThreshold: "10k",
			WorkerThreads:       4,
		},
	}
}

// Parse resolves every size string and validates every enum, returning
// the engine-facing Config or the first error encountered.
func Parse(conf Config) (tconf tcached.Config, err error) {
	tconf = tcached.DefaultConfig()

	tconf.LogFile, err = logDestinationPath(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	tconf.LogLevel = conf.LogLevel

	var maxItemSize int64
	maxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if maxItemSize > tcached.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	tconf.MaxItemSize = int(maxItemSize)

	if _, err = log.LevelFromString(conf.LogLevel); err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}

	tconf.L1.MaxMemory, err = parseSize(conf.L1.MaxMemory)
	if err != nil {
		err = stackerr.Newf("L1 max memory parse error: %v", err)
		return
	}
	tconf.L1.MaxEntries = conf.L1.MaxEntries
	switch strings.ToUpper(conf.L1.EvictionStrategy) {
	case "LRU", "LFU", "FIFO", "HYBRID":
		tconf.L1.EvictionStrategy = strings.ToUpper(conf.L1.EvictionStrategy)
	default:
		err = stackerr.Newf("Unknown eviction strategy: %q", conf.L1.EvictionStrategy)
		return
	}

	tconf.L2.Enable = conf.L2.Enable
	tconf.L2.DataDir = conf.L2.DataDir
	tconf.L2.ClearOnStartup = conf.L2.ClearOnStartup
	tconf.L2.MaxDiskSize, err = parseSize(conf.L2.MaxDiskSize)
	if err != nil {
		err = stackerr.Newf("L2 max disk size parse error: %v", err)
		return
	}
	tconf.L2.BlockCacheSize, err = parseSize(conf.L2.BlockCacheSize)
	if err != nil {
		err = stackerr.Newf("L2 block cache size parse error: %v", err)
		return
	}

	tconf.Compression.EnableLZ4 = conf.Compression.EnableLZ4
	tconf.Compression.Threshold = conf.Compression.Threshold

	tconf.TTL.DefaultTTL = conf.TTL.DefaultTTL
	tconf.TTL.MaxTTL = conf.TTL.MaxTTL
	tconf.TTL.CleanupInterval = conf.TTL.CleanupInterval

	var largeValueThreshold int64
	largeValueThreshold, err = parseSize(conf.Performance.LargeValueThreshold)
	if err != nil {
		err = stackerr.Newf("Large value threshold parse error: %v", err)
		return
	}
	tconf.Performance.LargeValueThreshold = int(largeValueThreshold)
	tconf.Performance.WorkerThreads = conf.Performance.WorkerThreads

	tconf.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	return
}

// Merge overwrites def's fields with override's non-zero fields,
// recursing one level into each nested section (reflect does not walk
// structs on its own the way a real config library would).
func Merge(def, override *Config) {
	sections := []struct {
		def, override interface{}
	}{
		{&def.L1, &override.L1},
		{&def.L2, &override.L2},
		{&def.Compression, &override.Compression},
		{&def.TTL, &override.TTL},
		{&def.Performance, &override.Performance},
	}
	defL1, defL2, defCompression, defTTL, defPerformance := def.L1, def.L2, def.Compression, def.TTL, def.Performance
	merge(def, override)
	def.L1, def.L2, def.Compression, def.TTL, def.Performance = defL1, defL2, defCompression, defTTL, defPerformance
	for _, s := range sections {
		merge(s.def, s.override)
	}
}

func merge(def, override interface{}) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideField := overrideVal.Field(i)
		if !util.IsZeroVal(overrideField) {
			defVal.Field(i).Set(overrideField)
		}
	}
}

func Marshal(conf *Config) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("invalid size format")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("invalid exponent, only 'b', 'k', 'm', 'g' allowed")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 51)
	if err != nil {
		err = fmt.Errorf("size parse error: %s", err)
		return
	}
	size <<= exponent
	return
}

func logDestinationPath(dest string) (string, error) {
	switch strings.ToLower(dest) {
	case "stderr", "stdout", "":
		return dest, nil
	default:
		f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return "", err
		}
		f.Close()
		return dest, nil
	}
}

// logWriter resolves the log destination path to an io.Writer, for
// callers that need to actually write (Parse only validates).
func logWriter(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr", "":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
	return
}

// LogWriter is the exported form of logWriter, used by main to open
// the resolved log destination for real.
func LogWriter(dest string) (io.Writer, error) {
	return logWriter(dest)
}
