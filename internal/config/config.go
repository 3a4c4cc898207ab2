package config

import (
	"flag"
	"os"
	"strings"
)

// CopyConfig holds configuration for the xcpcopy binary: the replica list,
// destination, and the scheduler's tuning knobs.
type CopyConfig struct {
	URLs           []string
	Dest           string
	LogLevel       string
	MetricsAddr    string
	DashboardAddr  string
	BlockSize      uint64
	ChunkSize      uint32
	ParallelSrc    uint8
	ParallelChunks uint8
	// ReadRecovery is forwarded verbatim into every source, matching the
	// original's XrdCl "ReadRecovery" environment property: the engine
	// never interprets it, only passes it through.
	ReadRecovery string
}

// ParseCopyConfig parses configuration from flags and environment
// variables. Flags take precedence over environment variables.
// Defaults: block-size=64MiB, chunk-size=4MiB, parallel-src=4,
// parallel-chunks=8, log-level=info.
func ParseCopyConfig() CopyConfig {
	return parseCopyConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseCopyConfigWithFlagSet is an internal helper for testing with
// isolated flag sets.
func parseCopyConfigWithFlagSet(fs *flag.FlagSet, args []string) CopyConfig {
	cfg := CopyConfig{
		LogLevel:       "info",
		MetricsAddr:    ":9090",
		DashboardAddr:  ":9091",
		BlockSize:      64 << 20,
		ChunkSize:      4 << 20,
		ParallelSrc:    4,
		ParallelChunks: 8,
	}

	// Read from environment first.
	if dest := os.Getenv("XCP_DEST"); dest != "" {
		cfg.Dest = dest
	}
	if logLevel := os.Getenv("XCP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr := os.Getenv("XCP_METRICS_ADDR"); metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if dashboardAddr := os.Getenv("XCP_DASHBOARD_ADDR"); dashboardAddr != "" {
		cfg.DashboardAddr = dashboardAddr
	}
	// ReadRecovery is read from environment verbatim; there is no flag for
	// it, matching the original's environment-only "ReadRecovery" property.
	cfg.ReadRecovery = os.Getenv("XCP_READ_RECOVERY")
	if urls := os.Getenv("XCP_URLS"); urls != "" {
		cfg.URLs = strings.Split(urls, ",")
	}

	// Flags override environment.
	fs.StringVar(&cfg.Dest, "dest", cfg.Dest, "destination file path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	fs.StringVar(&cfg.DashboardAddr, "dashboard-addr", cfg.DashboardAddr, "WebSocket progress dashboard listen address")

	var blockSize, chunkSize uint64
	fs.Uint64Var(&blockSize, "block-size", cfg.BlockSize, "bytes allocated to a source's block")
	fs.Uint64Var(&chunkSize, "chunk-size", uint64(cfg.ChunkSize), "bytes per chunk read")

	var parallelSrc, parallelChunks uint64
	fs.Uint64Var(&parallelSrc, "parallel-src", uint64(cfg.ParallelSrc), "max number of concurrent replica sources")
	fs.Uint64Var(&parallelChunks, "parallel-chunks", uint64(cfg.ParallelChunks), "max number of concurrent chunk reads per source")

	urls := make([]string, 0)
	fs.Var((*stringSlice)(&urls), "url", "replica URL (repeatable)")

	fs.Parse(args)

	cfg.BlockSize = blockSize
	cfg.ChunkSize = uint32(chunkSize)
	cfg.ParallelSrc = uint8(parallelSrc)
	cfg.ParallelChunks = uint8(parallelChunks)

	if len(urls) > 0 {
		cfg.URLs = urls
	}

	if cfg.ParallelSrc < 1 {
		cfg.ParallelSrc = 1
	}
	if cfg.ParallelChunks < 1 {
		cfg.ParallelChunks = 1
	}

	return cfg
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

func (s *stringSlice) IsBoolFlag() bool {
	return false
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
