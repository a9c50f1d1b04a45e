package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/lampchain/pkg/api"
	"github.com/rmax-ai/lampchain/pkg/lamp"
)

const (
	defaultAddr                 = "127.0.0.1:8090"
	defaultStore                = "sqlite"
	defaultRedisPrefix          = "lampchain"
	defaultSupabasePollInterval = 5 * time.Second
	defaultLogFormat            = "json"
)

// Config is resolved from defaults, then the YAML file, then LAMPD_*
// environment variables, then flags.
type Config struct {
	ConfigPath string `yaml:"-" env:"CONFIG"`

	Addr   string `yaml:"addr" env:"ADDR"`
	Store  string `yaml:"store" env:"STORE"`
	DBPath string `yaml:"db_path" env:"DB_PATH"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`

	SupabaseURL          string        `yaml:"supabase_url" env:"SUPABASE_URL"`
	SupabaseKey          string        `yaml:"supabase_key" env:"SUPABASE_KEY"`
	SupabasePollInterval time.Duration `yaml:"supabase_poll_interval" env:"SUPABASE_POLL_INTERVAL"`

	OriginMode     string  `yaml:"origin_mode" env:"ORIGIN_MODE"`
	TrustProxy     bool    `yaml:"trust_proxy" env:"TRUST_PROXY"`
	WriteRate      float64 `yaml:"write_rate" env:"WRITE_RATE"`
	WriteBurst     int     `yaml:"write_burst" env:"WRITE_BURST"`
	EdgePolicy     string  `yaml:"edge_policy" env:"EDGE_POLICY"`
	LogFormat      string  `yaml:"log_format" env:"LOG_FORMAT"`
	MetricsEnabled bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`

	// MapMyIndiaKey enables the embedded tile proxy.
	MapMyIndiaKey string `yaml:"mapmyindia_key" env:"MAPMYINDIA_KEY"`
	TileCacheDir  string `yaml:"tile_cache_dir" env:"TILE_CACHE_DIR"`
}

func defaultConfig(cwd string) Config {
	return Config{
		Addr:                 defaultAddr,
		Store:                defaultStore,
		DBPath:               filepath.Join(cwd, "lampchain.db"),
		RedisPrefix:          defaultRedisPrefix,
		SupabasePollInterval: defaultSupabasePollInterval,
		OriginMode:           string(api.OriginModeClient),
		WriteRate:            1,
		WriteBurst:           5,
		EdgePolicy:           string(lamp.EdgePolicyLenient),
		LogFormat:            defaultLogFormat,
		MetricsEnabled:       true,
	}
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}
	cfg := defaultConfig(cwd)

	flagSet := flag.NewFlagSet("lampd", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagConfig := flagSet.String("config", "", "path to YAML config file")
	flagAddr := flagSet.String("addr", cfg.Addr, "HTTP listen address")
	flagStore := flagSet.String("store", cfg.Store, "store backend: sqlite|redis|supabase")
	flagDB := flagSet.String("db", cfg.DBPath, "path to SQLite database")
	flagRedis := flagSet.String("redis-addr", "", "Redis address (host:port)")
	flagSupabaseURL := flagSet.String("supabase-url", "", "Supabase project URL")
	flagPoll := flagSet.String("supabase-poll-interval", cfg.SupabasePollInterval.String(), "Supabase change poll interval")
	flagOriginMode := flagSet.String("origin-mode", cfg.OriginMode, "origin source: client|request")
	flagTrustProxy := flagSet.Bool("trust-proxy", false, "use the first X-Forwarded-For hop as the remote origin")
	flagWriteRate := flagSet.Float64("write-rate", cfg.WriteRate, "writes per second per remote address (0 disables)")
	flagWriteBurst := flagSet.Int("write-burst", cfg.WriteBurst, "write burst per remote address")
	flagEdgePolicy := flagSet.String("edge-policy", cfg.EdgePolicy, "edge checks: lenient|strict")
	flagLogFormat := flagSet.String("log-format", cfg.LogFormat, "log format: json|console")
	flagMetrics := flagSet.Bool("metrics", cfg.MetricsEnabled, "serve /metrics")
	flagTileCache := flagSet.String("tile-cache-dir", cfg.TileCacheDir, "cache map tiles under this directory")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	// YAML file: flag wins over LAMPD_CONFIG
	cfg.ConfigPath = strings.TrimSpace(*flagConfig)
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = os.Getenv("LAMPD_CONFIG")
	}
	if cfg.ConfigPath != "" {
		cfg.ConfigPath = resolvePath(cfg.ConfigPath, cwd)
		if err := loadYAML(cfg.ConfigPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "LAMPD_"}); err != nil {
		return Config{}, fmt.Errorf("invalid LAMPD_ environment: %w", err)
	}

	// Flags only override what was given explicitly
	var flagErr error
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *flagAddr
		case "store":
			cfg.Store = *flagStore
		case "db":
			cfg.DBPath = *flagDB
		case "redis-addr":
			cfg.RedisAddr = *flagRedis
		case "supabase-url":
			cfg.SupabaseURL = *flagSupabaseURL
		case "supabase-poll-interval":
			d, err := time.ParseDuration(*flagPoll)
			if err != nil {
				flagErr = fmt.Errorf("invalid poll interval: %w", err)
				return
			}
			cfg.SupabasePollInterval = d
		case "origin-mode":
			cfg.OriginMode = *flagOriginMode
		case "trust-proxy":
			cfg.TrustProxy = *flagTrustProxy
		case "write-rate":
			cfg.WriteRate = *flagWriteRate
		case "write-burst":
			cfg.WriteBurst = *flagWriteBurst
		case "edge-policy":
			cfg.EdgePolicy = *flagEdgePolicy
		case "log-format":
			cfg.LogFormat = *flagLogFormat
		case "metrics":
			cfg.MetricsEnabled = *flagMetrics
		case "tile-cache-dir":
			cfg.TileCacheDir = *flagTileCache
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}

	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.DBPath = resolvePath(cfg.DBPath, cwd)
	cfg.TileCacheDir = resolvePath(cfg.TileCacheDir, cwd)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}

	switch c.Store {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("store=sqlite requires db")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("store=redis requires redis-addr")
		}
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return errors.New("store=supabase requires supabase url and key")
		}
		if c.SupabasePollInterval <= 0 {
			return errors.New("supabase poll interval must be positive")
		}
	default:
		return fmt.Errorf("unsupported store: %s", c.Store)
	}

	if _, err := api.ParseOriginMode(c.OriginMode); err != nil {
		return err
	}
	if _, err := lamp.ParseEdgePolicy(c.EdgePolicy); err != nil {
		return err
	}
	if c.WriteRate < 0 {
		return errors.New("write rate cannot be negative")
	}
	if c.WriteBurst < 0 {
		return errors.New("write burst cannot be negative")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("unsupported log format: %s", c.LogFormat)
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
