// Package config loads podstore settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/podstore/podstore/pkg/entitlement"
)

// LedgerBackend selects where the ledger is persisted.
type LedgerBackend string

const (
	LedgerFile   LedgerBackend = "file"
	LedgerSQLite LedgerBackend = "sqlite"
	LedgerRedis  LedgerBackend = "redis"
	LedgerMemory LedgerBackend = "memory"
)

const (
	DefaultDataDir             = "/var/lib/podstore"
	DefaultCatalogFile         = "catalog.yaml"
	DefaultReachabilityHost    = "buy.itunes.apple.com"
	DefaultReachabilityTimeout = 10 * time.Second
	DefaultProbeInterval       = 30 * time.Second
	DefaultTrialDays           = 14
	DefaultMetricsAddr         = "127.0.0.1:9464"

	accountIDFile = ".account-id"
)

// Config holds the runtime settings.
type Config struct {
	DataDir     string
	CatalogFile string

	Ledger        LedgerBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AccountID     string

	ReachabilityHost     string
	ReachabilityTimeout  time.Duration
	ReachabilityInterval time.Duration

	TrialDays int

	LogLevel  string
	LogFormat string
	LogFile   string

	// MetricsAddr is the listen address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// Load reads the environment, after loading <data dir>/.env and ./.env when
// they exist. Variables already set in the environment win over .env files.
func Load() (*Config, error) {
	dataDir := DefaultDataDir
	if dir := os.Getenv("PODSTORE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:              dataDir,
		CatalogFile:          filepath.Join(dataDir, DefaultCatalogFile),
		Ledger:               LedgerFile,
		ReachabilityHost:     DefaultReachabilityHost,
		ReachabilityTimeout:  DefaultReachabilityTimeout,
		ReachabilityInterval: DefaultProbeInterval,
		TrialDays:            DefaultTrialDays,
		LogLevel:             "info",
		LogFormat:            "auto",
		MetricsAddr:          DefaultMetricsAddr,
		EnvOverrides:         make(map[string]bool),
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Ledger == LedgerRedis && cfg.AccountID == "" {
		id, err := ensureAccountID(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		cfg.AccountID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key, name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			c.EnvOverrides[name] = true
		}
	}

	if v := os.Getenv("PODSTORE_DATA_DIR"); v != "" {
		c.EnvOverrides["dataDir"] = true
	}
	str("PODSTORE_CATALOG_FILE", "catalogFile", &c.CatalogFile)
	str("PODSTORE_REDIS_ADDR", "redisAddr", &c.RedisAddr)
	str("PODSTORE_REDIS_PASSWORD", "redisPassword", &c.RedisPassword)
	str("PODSTORE_ACCOUNT_ID", "accountID", &c.AccountID)
	str("PODSTORE_REACHABILITY_HOST", "reachabilityHost", &c.ReachabilityHost)
	str("PODSTORE_LOG_LEVEL", "logLevel", &c.LogLevel)
	str("PODSTORE_LOG_FORMAT", "logFormat", &c.LogFormat)
	str("PODSTORE_LOG_FILE", "logFile", &c.LogFile)

	if v, ok := os.LookupEnv("PODSTORE_METRICS_ADDR"); ok {
		c.MetricsAddr = strings.TrimSpace(v)
		c.EnvOverrides["metricsAddr"] = true
	}

	if v := strings.TrimSpace(os.Getenv("PODSTORE_LEDGER")); v != "" {
		c.Ledger = LedgerBackend(strings.ToLower(v))
		c.EnvOverrides["ledger"] = true
	}

	if v := strings.TrimSpace(os.Getenv("PODSTORE_REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PODSTORE_REDIS_DB: %w", err)
		}
		c.RedisDB = db
		c.EnvOverrides["redisDB"] = true
	}

	if v := strings.TrimSpace(os.Getenv("PODSTORE_TRIAL_DAYS")); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PODSTORE_TRIAL_DAYS: %w", err)
		}
		c.TrialDays = days
		c.EnvOverrides["trialDays"] = true
	}

	for key, dst := range map[string]*time.Duration{
		"PODSTORE_REACHABILITY_TIMEOUT":  &c.ReachabilityTimeout,
		"PODSTORE_REACHABILITY_INTERVAL": &c.ReachabilityInterval,
	} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		c.EnvOverrides[key] = true
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the settings are usable together.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data dir is required")
	}
	switch c.Ledger {
	case LedgerFile, LedgerSQLite, LedgerMemory:
	case LedgerRedis:
		if c.RedisAddr == "" {
			return errors.New("PODSTORE_REDIS_ADDR is required for the redis ledger")
		}
		if c.AccountID == "" {
			return errors.New("account id is required for the redis ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger)
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("trial days must be at least 1, got %d", c.TrialDays)
	}
	if c.ReachabilityTimeout < 100*time.Millisecond {
		return fmt.Errorf("reachability timeout must be at least 100ms")
	}
	if c.ReachabilityInterval < time.Second {
		return fmt.Errorf("reachability interval must be at least 1 second")
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics addr %q: %w", c.MetricsAddr, err)
		}
	}
	return nil
}

// TrialPeriod is the free trial granted from the first unseal.
func (c *Config) TrialPeriod() entitlement.Period {
	return entitlement.Trial(time.Duration(c.TrialDays) * 24 * time.Hour)
}

// ensureAccountID returns the account id stored in dir, creating one on
// first use.
func ensureAccountID(dir string) (string, error) {
	path := filepath.Join(dir, accountIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read account id: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write account id: %w", err)
	}
	log.Info().Str("account_id", id).Msg("Generated ledger account id")
	return id, nil
}
