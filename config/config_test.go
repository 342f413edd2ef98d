package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
	assert.Equal(t, 300*time.Millisecond, cfg.ProgressThrottle)
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout)
	assert.Equal(t, time.Minute, cfg.WatchdogStall)
	assert.Equal(t, "yt-dlp", cfg.YtdlpPath)
	assert.Equal(t, "ffmpeg", cfg.FfmpegPath)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.True(t, filepath.IsAbs(cfg.TempDir))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "5")
	t.Setenv("PROGRESS_THROTTLE_MS", "150")
	t.Setenv("JOB_TIMEOUT_MS", "60000")
	t.Setenv("WATCHDOG_STALL_MS", "5000")
	t.Setenv("DATA_DIR", "/srv/fetchd/data")
	t.Setenv("TEMP_DIR", "/srv/fetchd/tmp")
	t.Setenv("WORKER_TOKEN", "sekrit")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, https://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxConcurrentJobs)
	assert.Equal(t, 150*time.Millisecond, cfg.ProgressThrottle)
	assert.Equal(t, time.Minute, cfg.JobTimeout)
	assert.Equal(t, 5*time.Second, cfg.WatchdogStall)
	assert.Equal(t, "/srv/fetchd/data", cfg.DataDir)
	assert.Equal(t, "sekrit", cfg.WorkerToken)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, filepath.Join("/srv/fetchd/data", ".queue"), cfg.QueueDir())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsThrottleOutOfRange(t *testing.T) {
	t.Setenv("PROGRESS_THROTTLE_MS", "5000")
	_, err := Load()
	assert.Error(t, err)
}

func TestGarbageNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "many")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
}
