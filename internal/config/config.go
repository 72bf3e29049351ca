package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Queue and media backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"

	MediaYtDlp   = "ytdlp"
	MediaYouTube = "youtube"
)

// Config holds all server settings in their typed form.
type Config struct {
	Port    string
	DataDir string
	Workers int

	QueueBackend string
	RedisAddr    string
	MediaBackend string
	YtDlpPath    string
	FFmpegPath   string

	MaxSegmentBytes   int64
	MaxSegmentSeconds int // 0 disables the length rule

	CacheMaxAge   time.Duration
	SweepInterval time.Duration
	CacheLeaseTTL time.Duration
	OutputMaxAge  time.Duration // 0 keeps clips forever

	DownloadTimeout time.Duration
	CutTimeout      time.Duration
	MetadataTTL     time.Duration // 0 disables metadata memoization

	ProgressSampleRate float64
	SubmitRateLimit    float64
	AllowedOrigins     []string
}

// Load reads the environment. Values that make no sense are reset with a warning.
func Load(logger *log.Logger) *Config {
	cfg := &Config{
		Port:    getEnv("PORT", "8080"),
		DataDir: getEnv("DATA_DIR", "./data"),
		Workers: getEnvAsInt("WORKERS", 3),

		QueueBackend: strings.ToLower(getEnv("QUEUE_BACKEND", QueueMemory)),
		RedisAddr:    getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		MediaBackend: strings.ToLower(getEnv("MEDIA_BACKEND", MediaYtDlp)),
		YtDlpPath:    getEnv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),

		MaxSegmentBytes:   getEnvAsInt64("MAX_SEGMENT_BYTES", 1<<30),
		MaxSegmentSeconds: getEnvAsInt("MAX_SEGMENT_SECONDS", 3600),

		CacheMaxAge:   getEnvAsDuration("CACHE_MAX_AGE", 24*time.Hour),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 24*time.Hour),
		CacheLeaseTTL: getEnvAsDuration("CACHE_LEASE_TTL", 2*time.Hour),
		OutputMaxAge:  getEnvAsDuration("OUTPUT_MAX_AGE", 0),

		DownloadTimeout: getEnvAsDuration("DOWNLOAD_TIMEOUT", 30*time.Minute),
		CutTimeout:      getEnvAsDuration("CUT_TIMEOUT", 10*time.Minute),
		MetadataTTL:     getEnvAsDuration("METADATA_TTL", 10*time.Minute),

		ProgressSampleRate: getEnvAsFloat("PROGRESS_SAMPLE_RATE", 4),
		SubmitRateLimit:    getEnvAsFloat("SUBMIT_RATE_LIMIT", 5),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}

	validate(cfg, logger)
	return cfg
}

// CacheDir and DownloadsDir are fixed under DataDir; records live in DataDir/records.
func (c *Config) CacheDir() string     { return filepath.Join(c.DataDir, "cache") }
func (c *Config) DownloadsDir() string { return filepath.Join(c.DataDir, "downloads") }

// Addr is the listen address for Port.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if val, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return val
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if val, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return val
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if val, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return val
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s", "2h") or plain seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	str := getEnv(key, "")
	if str == "" {
		return fallback
	}
	if d, err := time.ParseDuration(str); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(str); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config, logger *log.Logger) {
	warn := func(format string, args ...any) {
		if logger != nil {
			logger.Printf("[CONFIG] warning: "+format, args...)
		}
	}

	if cfg.Workers < 1 {
		warn("WORKERS must be at least 1. Resetting to 3.")
		cfg.Workers = 3
	}
	if cfg.QueueBackend != QueueMemory && cfg.QueueBackend != QueueRedis {
		warn("unknown QUEUE_BACKEND %q. Using %s.", cfg.QueueBackend, QueueMemory)
		cfg.QueueBackend = QueueMemory
	}
	if cfg.MediaBackend != MediaYtDlp && cfg.MediaBackend != MediaYouTube {
		warn("unknown MEDIA_BACKEND %q. Using %s.", cfg.MediaBackend, MediaYtDlp)
		cfg.MediaBackend = MediaYtDlp
	}
	if cfg.MaxSegmentBytes <= 0 {
		warn("MAX_SEGMENT_BYTES must be positive. Resetting to 1 GiB.")
		cfg.MaxSegmentBytes = 1 << 30
	}
	// 0 turns the length rule off.
	if cfg.MaxSegmentSeconds < 0 {
		warn("MAX_SEGMENT_SECONDS must not be negative. Resetting to 3600.")
		cfg.MaxSegmentSeconds = 3600
	}
	resetDuration := func(name string, d *time.Duration, def time.Duration) {
		if *d <= 0 {
			warn("%s must be positive. Resetting to %s.", name, def)
			*d = def
		}
	}
	resetDuration("CACHE_MAX_AGE", &cfg.CacheMaxAge, 24*time.Hour)
	resetDuration("SWEEP_INTERVAL", &cfg.SweepInterval, 24*time.Hour)
	resetDuration("CACHE_LEASE_TTL", &cfg.CacheLeaseTTL, 2*time.Hour)
	resetDuration("DOWNLOAD_TIMEOUT", &cfg.DownloadTimeout, 30*time.Minute)
	resetDuration("CUT_TIMEOUT", &cfg.CutTimeout, 10*time.Minute)
	if cfg.MetadataTTL < 0 {
		warn("METADATA_TTL must not be negative. Resetting to 10m.")
		cfg.MetadataTTL = 10 * time.Minute
	}
	if cfg.OutputMaxAge < 0 {
		warn("OUTPUT_MAX_AGE must not be negative. Disabling the clip sweep.")
		cfg.OutputMaxAge = 0
	}
	if cfg.ProgressSampleRate <= 0 {
		warn("PROGRESS_SAMPLE_RATE must be positive. Resetting to 4.")
		cfg.ProgressSampleRate = 4
	}
	if cfg.SubmitRateLimit <= 0 {
		warn("SUBMIT_RATE_LIMIT must be positive. Resetting to 5.")
		cfg.SubmitRateLimit = 5
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
}
