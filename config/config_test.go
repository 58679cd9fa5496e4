package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		require.Equal(t, Default(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv(rootVar, "/var/log/app")
		t.Setenv(maxFileBytesVar, "1024")
		t.Setenv(maxRepositoryBytesVar, "4096")
		t.Setenv(retentionAgeVar, "48h")
		t.Setenv(rolloverIntervalVar, "1h")
		t.Setenv(traceVar, "true")
		t.Setenv(addrVar, "127.0.0.1:9000")
		t.Setenv(readTimeoutVar, "10s")
		t.Setenv(logLevelVar, "debug")
		t.Setenv(logFormatVar, "json")

		cfg, err := FromEnv()
		require.NoError(t, err)
		require.Equal(t, "/var/log/app", cfg.Repository.Root)
		require.Equal(t, int64(1024), cfg.Repository.MaxFileBytes)
		require.Equal(t, int64(4096), cfg.Repository.MaxRepositoryBytes)
		require.Equal(t, 48*time.Hour, cfg.Repository.RetentionAge)
		require.Equal(t, time.Hour, cfg.Repository.RolloverInterval)
		require.True(t, cfg.Repository.Trace)
		require.Equal(t, "127.0.0.1:9000", cfg.IPC.Addr)
		require.Equal(t, 10*time.Second, cfg.IPC.ReadTimeout)
		require.Equal(t, 5*time.Second, cfg.IPC.ShutdownTimeout)
		require.Equal(t, logrus.DebugLevel, cfg.Log.Level)

		l := cfg.Log.NewLogger()
		require.Equal(t, logrus.DebugLevel, l.GetLevel())
		require.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
	})

	invalid := []struct {
		name, value string
	}{
		{maxFileBytesVar, "big"},
		{maxFileBytesVar, "0"},
		{retentionAgeVar, "2 days"},
		{traceVar, "maybe"},
		{logLevelVar, "loud"},
		{logFormatVar, "xml"},
	}
	for _, tt := range invalid {
		t.Run(tt.name+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.name, tt.value)
			_, err := FromEnv()
			require.Error(t, err)
		})
	}

	t.Run("repository smaller than file", func(t *testing.T) {
		t.Setenv(maxFileBytesVar, "1024")
		t.Setenv(maxRepositoryBytesVar, "512")
		_, err := FromEnv()
		require.Error(t, err)
	})
}
