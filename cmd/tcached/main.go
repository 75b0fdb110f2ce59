package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skipor/tcached"
	"github.com/skipor/tcached/cache"
	"github.com/skipor/tcached/cmd/tcached/config"
	"github.com/skipor/tcached/compress"
	"github.com/skipor/tcached/coordinator"
	"github.com/skipor/tcached/internal/tag"
	"github.com/skipor/tcached/log"
	"github.com/skipor/tcached/metrics"
	"github.com/skipor/tcached/recycle"
	"github.com/skipor/tcached/store"
	"github.com/skipor/tcached/ttl"
	"github.com/skipor/tcached/workpool"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

// evictionSink forwards L1 evictions to the coordinator once it
// exists, breaking the construction cycle: cache.NewStore needs a
// Sink up front, but coordinator.New needs the built L1 Store.
type evictionSink struct {
	coord *coordinator.Coordinator
}

func (s *evictionSink) OnEvict(item cache.Item) { s.coord.OnEvict(item) }

func main() {
	// TODO pprof monitoring on configurable port.
	conf := parseConfig()
	logWriter, err := config.LogWriter(conf.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Log destination open error:", err)
		os.Exit(1)
	}
	level, err := log.LevelFromString(conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Log level parse error:", err)
		os.Exit(1)
	}
	l := log.NewLogger(level, logWriter)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}

	metricsReg := metrics.New()
	compressor := compress.New(conf.Compression.Threshold, conf.Compression.EnableLZ4)

	var l2 *store.Store
	if conf.L2.Enable {
		l2, err = store.Open(store.Config{
			DataDir:        conf.L2.DataDir,
			ClearOnStartup: conf.L2.ClearOnStartup,
			MaxDiskSize:    conf.L2.MaxDiskSize,
			BlockCacheSize: conf.L2.BlockCacheSize,
		}, compressor)
		if err != nil {
			l.Errorf("Storage initialization error: %v", err)
			os.Exit(3)
		}
	}

	sink := &evictionSink{}
	l1 := cache.NewStore(cache.Config{
		MaxBytes:      conf.L1.MaxMemory,
		MaxEntries:    int64(conf.L1.MaxEntries),
		Strategy:      parseStrategy(conf.L1.EvictionStrategy),
		HybridWeights: cache.DefaultHybridWeights,
		Sink:          sink,
	})

	ttlIndex := ttl.NewIndex()
	pool := workpool.New(conf.Performance.WorkerThreads, conf.Performance.WorkerThreads*4)

	// coordinator.Config.L2 is an interface; assigning a nil *store.Store
	// to it directly would produce a non-nil interface holding a nil
	// pointer, so leave it unset (nil interface) unless L2 is enabled.
	coordCfg := coordinator.Config{
		L1:                  l1,
		TTL:                 ttlIndex,
		Pool:                pool,
		DataPool:            recycle.NewPool(),
		Metrics:             metricsReg,
		Log:                 l,
		LargeValueThreshold: conf.Performance.LargeValueThreshold,
		DefaultTTL:          conf.TTL.DefaultTTL,
		MaxTTL:              conf.TTL.MaxTTL,
	}
	if l2 != nil {
		coordCfg.L2 = l2
	}
	coord := coordinator.New(coordCfg)
	sink.coord = coord

	go reap(coord, conf.TTL.CleanupInterval)

	// Graceful shutdown only matters when there is something durable to
	// flush: with L2 disabled, every entry is in-memory only, so there
	// is nothing a signal handler could preserve and an unhandled
	// SIGTERM/SIGINT killing the process is the correct, simplest
	// behavior. With L2 enabled, trap both signals and close the
	// badger handle so its own write-ahead log is synced before exit,
	// per spec.md §9's teardown note ("drains in-flight tasks then
	// flushes pending L2 writes").
	if l2 != nil {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			l.Infof("Received %v, shutting down.", sig)
			if err := l2.Close(); err != nil {
				l.Errorf("L2 close error: %v", err)
			}
			os.Exit(0)
		}()
	}

	s := &tcached.Server{
		Addr: conf.Addr,
		Log:  l,
		ConnMeta: tcached.ConnMeta{
			Coordinator:    coord,
			Pool:           recycle.NewPool(),
			MaxItemSize:    conf.MaxItemSize,
			CommandTimeout: conf.CommandTimeout,
		},
	}

	l.Info("Serve on %s.", s.Addr)
	err = s.ListenAndServe()
	l.Fatal("Serve error: ", err)
}

func parseStrategy(name string) cache.StrategyKind {
	switch name {
	case "LFU":
		return cache.StrategyLFU
	case "FIFO":
		return cache.StrategyFIFO
	case "HYBRID":
		return cache.StrategyHybrid
	default:
		return cache.StrategyLRU
	}
}

// reap drives the background maintenance the coordinator needs but
// cannot schedule itself: TTL sweeps, the flush_all purge and L1's
// strategy tick, all on the same bounded interval.
func reap(coord *coordinator.Coordinator, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	const budgetPerTick = 1000
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		now := time.Now().Unix()
		coord.SweepExpired(now, budgetPerTick)
		coord.SweepFlushed(now, budgetPerTick)
		coord.TickL1(now)
	}
}

// parseConfig parses command flags, reads the config file if any, and
// returns the merged, fully validated engine config.
// Config values merge rules:
// 1) config file value overrides default
// 2) command line value overrides any
func parseConfig() tcached.Config {
	flg := parseFlags()
	fileConf := config.Default()
	if flg.ConfigPath != "" {
		data, err := ioutil.ReadFile(flg.ConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Config file read error:", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, fileConf); err != nil {
			fmt.Fprintln(os.Stderr, "Config parse error:", err)
			os.Exit(1)
		}
	}
	config.Merge(fileConf, &flg.Config)
	tconf, err := config.Parse(*fileConf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
	return tconf
}

type Flags struct {
	ConfigPath string
	config.Config
}

// NOTE: without "only stdlib" constraint I would reach for
// github.com/spf13/viper and github.com/spf13/cobra here.
func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Host, "host", "", usage("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, usage("port num", def.Port))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", usage("max item size: 10m, 1024k", def.MaxItemSize))

	flag.StringVar(&f.L1.MaxMemory, "l1-max-memory", "", usage("L1 memory cap: 2g, 512m", def.L1.MaxMemory))
	flag.IntVar(&f.L1.MaxEntries, "l1-max-entries", 0, usage("L1 entry count cap", def.L1.MaxEntries))
	flag.StringVar(&f.L1.EvictionStrategy, "l1-eviction-strategy", "", usage("LRU, LFU, FIFO or Hybrid", def.L1.EvictionStrategy))

	// Bool flag defaults are left false, not the documented default: the
	// merge rule overrides on non-zero, so a true default here would
	// always win over a config file explicitly setting false.
	flag.BoolVar(&f.L2.Enable, "l2-enable", false, "enable L2 persistence (default true; only setting it true here has effect)")
	flag.StringVar(&f.L2.DataDir, "l2-data-dir", "", usage("L2 data directory", def.L2.DataDir))
	flag.BoolVar(&f.L2.ClearOnStartup, "l2-clear-on-startup", false, "wipe L2 data directory on boot")
	flag.StringVar(&f.L2.MaxDiskSize, "l2-max-disk-size", "", usage("L2 disk cap: 10g", def.L2.MaxDiskSize))
	flag.StringVar(&f.L2.BlockCacheSize, "l2-block-cache-size", "", usage("L2 block cache size: 32m", def.L2.BlockCacheSize))

	flag.BoolVar(&f.Compression.EnableLZ4, "compression-enable-lz4", false, "enable LZ4 compression on L2 writes (default true; only setting it true here has effect)")
	flag.IntVar(&f.Compression.Threshold, "compression-threshold", 0, usage("min bytes to compress", def.Compression.Threshold))

	flag.Int64Var(&f.TTL.DefaultTTL, "ttl-default", 0, usage("default TTL seconds applied when exptime=0", def.TTL.DefaultTTL))
	flag.Int64Var(&f.TTL.MaxTTL, "ttl-max", 0, usage("max TTL seconds, clamps any longer exptime", def.TTL.MaxTTL))
	flag.DurationVar(&f.TTL.CleanupInterval, "ttl-cleanup-interval", 0, usage("reaper sweep period", def.TTL.CleanupInterval))

	flag.StringVar(&f.Performance.LargeValueThreshold, "large-value-threshold", "", usage("bytes at/above which values skip L1: 10k", def.Performance.LargeValueThreshold))
	flag.IntVar(&f.Performance.WorkerThreads, "worker-threads", 0, usage("L2/compression worker pool size", def.Performance.WorkerThreads))

	flag.Parse()
	return f
}
