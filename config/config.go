package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// env vars for overriding defaults
const (
	// repository env vars
	rootVar               = "HPEL_REPOSITORY_ROOT"
	maxFileBytesVar       = "HPEL_REPOSITORY_MAX_FILE_BYTES"
	maxRepositoryBytesVar = "HPEL_REPOSITORY_MAX_BYTES"
	retentionAgeVar       = "HPEL_REPOSITORY_RETENTION_AGE"
	rolloverIntervalVar   = "HPEL_REPOSITORY_ROLLOVER_INTERVAL"
	syncIntervalVar       = "HPEL_REPOSITORY_SYNC_INTERVAL"
	labelVar              = "HPEL_REPOSITORY_LABEL"
	serverNameVar         = "HPEL_SERVER_NAME"
	traceVar              = "HPEL_TRACE"

	// ipc env vars
	addrVar            = "HPEL_IPC_ADDR"
	readTimeoutVar     = "HPEL_IPC_READ_TIMEOUT"
	shutdownTimeoutVar = "HPEL_IPC_SHUTDOWN_TIMEOUT"
	requestTimeoutVar  = "HPEL_IPC_REQUEST_TIMEOUT"

	// log env vars
	logLevelVar  = "HPEL_LOG_LEVEL"
	logFormatVar = "HPEL_LOG_FORMAT"
)

type (
	// Config holds the repository tool configuration
	Config struct {
		Repository Repository
		IPC        IPC
		Log        Log
	}

	// Repository holds the repository writing configuration
	Repository struct {
		Root               string
		MaxFileBytes       int64
		MaxRepositoryBytes int64
		RetentionAge       time.Duration
		RolloverInterval   time.Duration
		SyncInterval       time.Duration
		Label              string
		ServerName         string
		// Trace enables the trace kind next to the log kind
		Trace bool
	}

	// IPC holds the cross process coordination configuration
	IPC struct {
		Addr            string
		ReadTimeout     time.Duration
		ShutdownTimeout time.Duration
		RequestTimeout  time.Duration
	}

	// Log holds the configuration of the tool's own logging
	Log struct {
		Level  logrus.Level
		Format string
	}
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	host, _ := os.Hostname()

	return Config{
		Repository: Repository{
			Root:         "./logs",
			MaxFileBytes: 20 << 20,
			Label:        strconv.Itoa(os.Getpid()),
			ServerName:   host,
		},
		IPC: IPC{
			Addr:            "127.0.0.1:7420",
			ReadTimeout:     5 * time.Minute,
			ShutdownTimeout: 5 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Log: Log{
			Level:  logrus.InfoLevel,
			Format: "text",
		},
	}
}

// FromEnv returns the default configuration overridden by HPEL_* environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv(rootVar); v != "" {
		cfg.Repository.Root = v
	}
	if v := os.Getenv(labelVar); v != "" {
		cfg.Repository.Label = v
	}
	if v := os.Getenv(serverNameVar); v != "" {
		cfg.Repository.ServerName = v
	}
	if v := os.Getenv(addrVar); v != "" {
		cfg.IPC.Addr = v
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{maxFileBytesVar, &cfg.Repository.MaxFileBytes},
		{maxRepositoryBytesVar, &cfg.Repository.MaxRepositoryBytes},
	}
	for _, i := range ints {
		v := os.Getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", i.name)
		}
		*i.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{retentionAgeVar, &cfg.Repository.RetentionAge},
		{rolloverIntervalVar, &cfg.Repository.RolloverInterval},
		{syncIntervalVar, &cfg.Repository.SyncInterval},
		{readTimeoutVar, &cfg.IPC.ReadTimeout},
		{shutdownTimeoutVar, &cfg.IPC.ShutdownTimeout},
		{requestTimeoutVar, &cfg.IPC.RequestTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", d.name)
		}
		*d.dst = dur
	}

	if v := os.Getenv(traceVar); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", traceVar)
		}
		cfg.Repository.Trace = b
	}

	if v := os.Getenv(logLevelVar); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", logLevelVar)
		}
		cfg.Log.Level = lvl
	}
	if v := os.Getenv(logFormatVar); v != "" {
		cfg.Log.Format = v
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the components would reject.
func (c Config) Validate() error {
	if c.Repository.Root == "" {
		return errors.New("repository root must be set")
	}
	if c.Repository.MaxFileBytes <= 0 {
		return errors.Errorf("max file bytes must be positive, got %d", c.Repository.MaxFileBytes)
	}
	if c.Repository.MaxRepositoryBytes != 0 && c.Repository.MaxRepositoryBytes < c.Repository.MaxFileBytes {
		return errors.Errorf("max repository bytes %d is smaller than max file bytes %d", c.Repository.MaxRepositoryBytes, c.Repository.MaxFileBytes)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Errorf("unknown log format %q, expected text or json", c.Log.Format)
	}
	return nil
}

// NewLogger returns the tool's logger configured by c.
func (l Log) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(l.Level)
	if l.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
