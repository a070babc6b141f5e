package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Config is the run configuration. Later sources override earlier ones:
// defaults, the JSON file named by -config-path, A64JIT_* environment
// variables, then flags given on the command line.
type Config struct {
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MaxBlocks   int    `json:"max_blocks"`
	SnapshotDir string `json:"snapshot_dir"`
	DumpCode    bool   `json:"dump_code"`
	Watch       bool   `json:"watch"`
	Raw         bool   `json:"raw"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// loadConfig parses args and returns the layered configuration and the
// image path
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (Config, string, error) {
	fs := flag.NewFlagSet("a64jit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: a64jit [flags] <image>\n")
		fs.PrintDefaults()
	}

	var flags Config
	configPath := fs.String("config-path", "", "Path to a JSON configuration file")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&flags.LogFormat, "log-format", "", "Log format (text or json)")
	fs.IntVar(&flags.MaxBlocks, "max-blocks", 0, "Stop after this many block executions (0 = no limit)")
	fs.StringVar(&flags.SnapshotDir, "snapshot-dir", "", "Save a record of each run to this PebbleDB directory")
	fs.BoolVar(&flags.DumpCode, "dump-code", false, "Print every translated block with its host disassembly")
	fs.BoolVar(&flags.Watch, "watch", false, "Run again whenever the image changes")
	fs.BoolVar(&flags.Raw, "raw", false, "Treat the image as a flat stream of instruction words")
	if err := fs.Parse(args); err != nil {
		return Config{}, "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return Config{}, "", fmt.Errorf("expected exactly one image path, got %d arguments", fs.NArg())
	}

	cfg := defaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, "", fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := getenv("A64JIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("A64JIT_MAX_BLOCKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, "", fmt.Errorf("invalid A64JIT_MAX_BLOCKS %q: %w", v, err)
		}
		cfg.MaxBlocks = n
	}
	if v := getenv("A64JIT_SNAPSHOT_DIR"); v != "" {
		cfg.SnapshotDir = v
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		case "max-blocks":
			cfg.MaxBlocks = flags.MaxBlocks
		case "snapshot-dir":
			cfg.SnapshotDir = flags.SnapshotDir
		case "dump-code":
			cfg.DumpCode = flags.DumpCode
		case "watch":
			cfg.Watch = flags.Watch
		case "raw":
			cfg.Raw = flags.Raw
		}
	})

	if cfg.MaxBlocks < 0 {
		return Config{}, "", fmt.Errorf("max blocks must not be negative, got %d", cfg.MaxBlocks)
	}
	return cfg, fs.Arg(0), nil
}

// newLogger builds the process logger from cfg
func newLogger(cfg Config, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return log, nil
}
