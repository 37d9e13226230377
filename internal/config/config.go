// Package config reads tool settings from the environment, after loading a
// .env file from the working directory when one exists.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"rostermem/internal/common"
)

const (
	EnvSchema      = "ROSTERMEM_SCHEMA"
	EnvVersion     = "ROSTERMEM_VERSION"
	EnvSnapshot    = "ROSTERMEM_SNAPSHOT"
	EnvLogLevel    = "ROSTERMEM_LOG_LEVEL"
	EnvCache       = "ROSTERMEM_CACHE"
	EnvJournal     = "ROSTERMEM_JOURNAL"
	EnvMetricsFile = "ROSTERMEM_METRICS_FILE"
	EnvScanRate    = "ROSTERMEM_SCAN_RATE"
	EnvScanMax     = "ROSTERMEM_SCAN_MAX_MATCHES"
)

type Config struct {
	SchemaPath   string
	Version      string
	SnapshotDir  string
	LogLevel     common.Severity
	PageCache    bool
	JournalPath  string
	MetricsFile  string
	ScanRate     float64 // reads per second, 0 for unlimited
	ScanMaxMatch int
}

// Load reads the environment. Variables already set take precedence over
// the .env file.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is not an error.
func LoadFile(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, common.Wrap(common.ErrFileAccess, err, "load %s", envFile)
	}
	return &Config{
		SchemaPath:   envOrDefault(EnvSchema, "offsets.yaml"),
		Version:      envOrDefault(EnvVersion, ""),
		SnapshotDir:  envOrDefault(EnvSnapshot, ""),
		LogLevel:     common.ParseSeverity(envOrDefault(EnvLogLevel, "info")),
		PageCache:    boolEnvOrDefault(EnvCache, true),
		JournalPath:  envOrDefault(EnvJournal, ""),
		MetricsFile:  envOrDefault(EnvMetricsFile, ""),
		ScanRate:     floatEnvOrDefault(EnvScanRate, 0),
		ScanMaxMatch: intEnvOrDefault(EnvScanMax, 0),
	}, nil
}

func envOrDefault(key, defaultValue string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val != "" {
		return val
	}
	return defaultValue
}

func intEnvOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || val < 0 {
		return defaultValue
	}
	return val
}

func floatEnvOrDefault(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || val < 0 {
		return defaultValue
	}
	return val
}

func boolEnvOrDefault(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	if raw == "1" || strings.EqualFold(raw, "true") || strings.EqualFold(raw, "yes") {
		return true
	}
	if raw == "0" || strings.EqualFold(raw, "false") || strings.EqualFold(raw, "no") {
		return false
	}
	return defaultValue
}
