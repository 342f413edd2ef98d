package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the immutable runtime configuration, resolved once at
// startup and threaded explicitly.
type Config struct {
	ListenAddr string

	MaxConcurrentJobs int
	ProgressThrottle  time.Duration
	JobTimeout        time.Duration
	WatchdogStall     time.Duration

	DataDir string
	TempDir string

	DatabaseURL string

	APIKey         string
	WorkerToken    string
	AllowedOrigins []string

	YtdlpPath       string
	FfmpegPath      string
	FfprobePath     string
	Aria2RPCURL     string
	Aria2Secret     string
	TwmdPath        string
	PinterestDLPath string

	Verbose bool
}

// Load reads configuration from the environment. A .env file is
// honored when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),
		ProgressThrottle:  getEnvMillis("PROGRESS_THROTTLE_MS", 300*time.Millisecond),
		JobTimeout:        getEnvMillis("JOB_TIMEOUT_MS", 2*time.Hour),
		WatchdogStall:     getEnvMillis("WATCHDOG_STALL_MS", time.Minute),
		DataDir:           getEnv("DATA_DIR", "./data"),
		TempDir:           getEnv("TEMP_DIR", "./tmp"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIKey:            os.Getenv("API_KEY"),
		WorkerToken:       os.Getenv("WORKER_TOKEN"),
		YtdlpPath:         getEnv("YTDLP_PATH", "yt-dlp"),
		FfmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FfprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		Aria2RPCURL:       getEnv("ARIA2_RPC_URL", "http://127.0.0.1:6800/jsonrpc"),
		Aria2Secret:       os.Getenv("ARIA2_SECRET"),
		TwmdPath:          getEnv("TWMD_PATH", "twmd"),
		PinterestDLPath:   getEnv("PINTEREST_DL_PATH", "pinterest-dl"),
		Verbose:           getEnvBool("VERBOSE", false),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if cfg.ProgressThrottle < 100*time.Millisecond || cfg.ProgressThrottle > time.Second {
		return nil, fmt.Errorf("PROGRESS_THROTTLE_MS must be between 100 and 1000")
	}

	// The filesystem contract wants absolute roots
	var err error
	if cfg.DataDir, err = filepath.Abs(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("resolve DATA_DIR: %w", err)
	}
	if cfg.TempDir, err = filepath.Abs(cfg.TempDir); err != nil {
		return nil, fmt.Errorf("resolve TEMP_DIR: %w", err)
	}
	return cfg, nil
}

// QueueDir is where the broker persists pending work
func (c *Config) QueueDir() string {
	return filepath.Join(c.DataDir, ".queue")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
