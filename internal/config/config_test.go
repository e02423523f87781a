package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PODSTORE_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, DefaultCatalogFile), cfg.CatalogFile)
	assert.Equal(t, LedgerFile, cfg.Ledger)
	assert.Equal(t, DefaultReachabilityTimeout, cfg.ReachabilityTimeout)
	assert.Equal(t, DefaultTrialDays, cfg.TrialDays)
	assert.Equal(t, 14*24*time.Hour, cfg.TrialPeriod().Duration())
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
	assert.True(t, cfg.EnvOverrides["dataDir"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PODSTORE_DATA_DIR", dir)

	envVars := map[string]string{
		"PODSTORE_CATALOG_FILE":          "/etc/podstore/catalog.yaml",
		"PODSTORE_LEDGER":                "SQLite",
		"PODSTORE_REACHABILITY_HOST":     "store.example.com",
		"PODSTORE_REACHABILITY_TIMEOUT":  "3",
		"PODSTORE_REACHABILITY_INTERVAL": "2m",
		"PODSTORE_TRIAL_DAYS":            "30",
		"PODSTORE_LOG_LEVEL":             "debug",
		"PODSTORE_LOG_FORMAT":            "json",
		"PODSTORE_METRICS_ADDR":          "",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/etc/podstore/catalog.yaml", cfg.CatalogFile)
	assert.Equal(t, LedgerSQLite, cfg.Ledger)
	assert.Equal(t, "store.example.com", cfg.ReachabilityHost)
	assert.Equal(t, 3*time.Second, cfg.ReachabilityTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ReachabilityInterval)
	assert.Equal(t, 30, cfg.TrialDays)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.MetricsAddr)
	assert.True(t, cfg.EnvOverrides["metricsAddr"])
	assert.True(t, cfg.EnvOverrides["ledger"])
}

func TestLoad_DotEnvFileInDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PODSTORE_DATA_DIR", dir)
	t.Setenv("PODSTORE_LOG_LEVEL", "warn")
	// Keep the variable restorable; godotenv sets it process-wide.
	t.Setenv("PODSTORE_TRIAL_DAYS", "")
	require.NoError(t, os.Unsetenv("PODSTORE_TRIAL_DAYS"))

	env := "PODSTORE_TRIAL_DAYS=7\nPODSTORE_LOG_LEVEL=error\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TrialDays)
	assert.Equal(t, "warn", cfg.LogLevel, "process environment wins over .env")
}

func TestLoad_RedisGeneratesAccountID(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PODSTORE_DATA_DIR", dir)
	t.Setenv("PODSTORE_LEDGER", "redis")
	t.Setenv("PODSTORE_REDIS_ADDR", "localhost:6379")
	t.Setenv("PODSTORE_REDIS_DB", "2")

	first, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, first.AccountID)
	assert.Equal(t, 2, first.RedisDB)

	second, err := Load()
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)

	data, err := os.ReadFile(filepath.Join(dir, accountIDFile))
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, strings.TrimSpace(string(data)))
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad ledger", map[string]string{"PODSTORE_LEDGER": "s3"}, "unknown ledger backend"},
		{"redis without addr", map[string]string{"PODSTORE_LEDGER": "redis", "PODSTORE_ACCOUNT_ID": "a"}, "PODSTORE_REDIS_ADDR"},
		{"trial days not a number", map[string]string{"PODSTORE_TRIAL_DAYS": "two"}, "PODSTORE_TRIAL_DAYS"},
		{"trial days zero", map[string]string{"PODSTORE_TRIAL_DAYS": "0"}, "trial days"},
		{"timeout too small", map[string]string{"PODSTORE_REACHABILITY_TIMEOUT": "1ms"}, "reachability timeout"},
		{"bad timeout", map[string]string{"PODSTORE_REACHABILITY_TIMEOUT": "soon"}, "PODSTORE_REACHABILITY_TIMEOUT"},
		{"bad metrics addr", map[string]string{"PODSTORE_METRICS_ADDR": "nohostport"}, "metrics addr"},
		{"bad redis db", map[string]string{"PODSTORE_REDIS_DB": "x"}, "PODSTORE_REDIS_DB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PODSTORE_DATA_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
