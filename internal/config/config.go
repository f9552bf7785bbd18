package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted in JOBDRAIN_STORE.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

const (
	defaultListenAddr      = ":38080"
	defaultStore           = StoreSQLite
	defaultDBPath          = "jobdrain.db"
	defaultDeployment      = "test.war"
	defaultAcquireInterval = 250 * time.Millisecond
	defaultLockDuration    = 5 * time.Minute
	defaultBatchSize       = 3
	defaultJobTimeout      = 30 * time.Second
	defaultResetURL        = "http://localhost:38080"
	defaultMaxWait         = 12 * time.Second
	defaultPollInterval    = time.Second

	envListenAddr      = "JOBDRAIN_LISTEN_ADDR"
	envStore           = "JOBDRAIN_STORE"
	envDBPath          = "JOBDRAIN_DB_PATH"
	envDeployment      = "JOBDRAIN_DEPLOYMENT"
	envLogLevel        = "JOBDRAIN_LOG_LEVEL"
	envAcquireInterval = "JOBDRAIN_ACQUIRE_INTERVAL"
	envLockDuration    = "JOBDRAIN_LOCK_DURATION"
	envRetryDelay      = "JOBDRAIN_RETRY_DELAY"
	envBatchSize       = "JOBDRAIN_BATCH_SIZE"
	envJobTimeout      = "JOBDRAIN_JOB_TIMEOUT"
	envResetURL        = "JOBDRAIN_RESET_URL"
	envMaxWait         = "JOBDRAIN_MAX_WAIT"
	envPollInterval    = "JOBDRAIN_POLL_INTERVAL"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	Store      string
	DBPath     string
	Deployment string
	LogLevel   slog.Level

	AcquireInterval time.Duration
	LockDuration    time.Duration
	RetryDelay      time.Duration
	BatchSize       int
	JobTimeout      time.Duration
}

// Load reads server configuration from environment variables with sensible defaults.
// Unparseable values keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		Store:           defaultStore,
		DBPath:          defaultDBPath,
		Deployment:      defaultDeployment,
		LogLevel:        slog.LevelInfo,
		AcquireInterval: defaultAcquireInterval,
		LockDuration:    defaultLockDuration,
		BatchSize:       defaultBatchSize,
		JobTimeout:      defaultJobTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.ToLower(os.Getenv(envStore)); v == StoreSQLite || v == StoreBadger {
		cfg.Store = v
	}
	if v, ok := os.LookupEnv(envDBPath); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv(envDeployment); v != "" {
		cfg.Deployment = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.AcquireInterval = durationEnv(envAcquireInterval, cfg.AcquireInterval)
	cfg.LockDuration = durationEnv(envLockDuration, cfg.LockDuration)
	cfg.RetryDelay = durationEnv(envRetryDelay, cfg.RetryDelay)
	cfg.JobTimeout = durationEnv(envJobTimeout, cfg.JobTimeout)
	if v, err := strconv.Atoi(os.Getenv(envBatchSize)); err == nil && v > 0 {
		cfg.BatchSize = v
	}

	return cfg
}

// HarnessConfig holds the settings a test harness needs to reach a deployment.
type HarnessConfig struct {
	ResetURL     string
	Deployment   string
	MaxWait      time.Duration
	PollInterval time.Duration
	LogLevel     slog.Level
}

// LoadHarness reads test harness configuration from environment variables.
func LoadHarness() HarnessConfig {
	cfg := HarnessConfig{
		ResetURL:     defaultResetURL,
		Deployment:   defaultDeployment,
		MaxWait:      defaultMaxWait,
		PollInterval: defaultPollInterval,
		LogLevel:     slog.LevelInfo,
	}

	if v := os.Getenv(envResetURL); v != "" {
		cfg.ResetURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(envDeployment); v != "" {
		cfg.Deployment = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if d := durationEnv(envMaxWait, 0); d > 0 {
		cfg.MaxWait = d
	}
	if d := durationEnv(envPollInterval, 0); d > 0 {
		cfg.PollInterval = d
	}

	return cfg
}

// durationEnv parses a Go duration from env key, returning def when unset,
// malformed or negative.
func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
