package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	DatabasePath      string
	RedisURL          string
	RedisTimeout      time.Duration
	LRUCacheSize      int
	CacheTTL          time.Duration
	MaxObjectSize     int64
	BotThreshold      float64
	BotVerifyURL      string
	BotSecret         Secret
	S3Bucket          string
	S3Prefix          string
	S3BucketURL       string
	S3Endpoint        string
	S3PathStyle       bool
	PurgeEnabled      bool
	PurgeURL          string
	PurgeToken        Secret
	PurgeInterval     time.Duration
	ViewFlushInterval time.Duration
	RateLimit         RateLimitCfg
	TrustedProxies    []string
	MetricsUser       string
	MetricsPass       Secret
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	ContextTimeout    time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "bindrop.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.CacheTTL, err = getDuration("CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.MaxObjectSize, err = getInt64("MAX_OBJECT_SIZE", 2*1024*1024)
	if err != nil {
		return nil, err
	}
	c.BotThreshold, err = getFloat("BOT_THRESHOLD", 0.6)
	if err != nil {
		return nil, err
	}
	c.BotVerifyURL = getEnv("BOT_VERIFY_URL", "https://challenges.cloudflare.com/turnstile/v0/siteverify")
	c.BotSecret = NewSecret(getEnv("BOT_SECRET", ""))
	c.S3Bucket = getEnv("S3_BUCKET", "")
	c.S3Prefix = getEnv("S3_PREFIX", "pb/")
	c.S3BucketURL = getEnv("S3_BUCKET_URL", "")
	c.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.S3PathStyle = getEnv("S3_PATH_STYLE", "false") == "true"
	c.PurgeEnabled = getEnv("PURGE_ENABLED", "false") == "true"
	c.PurgeURL = getEnv("PURGE_URL", "")
	c.PurgeToken = NewSecret(getEnv("PURGE_TOKEN", ""))
	c.PurgeInterval, err = getDuration("PURGE_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.ViewFlushInterval, err = getDuration("VIEW_FLUSH_INTERVAL", 300*time.Second)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.MaxObjectSize <= 0 {
		return errors.New("MAX_OBJECT_SIZE must be positive")
	}
	if c.MaxObjectSize > 10*1024*1024 {
		return errors.New("MAX_OBJECT_SIZE cannot exceed 10MB")
	}
	if c.BotThreshold < 0 || c.BotThreshold > 1 {
		return errors.New("BOT_THRESHOLD must be between 0 and 1")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.ViewFlushInterval < 10*time.Second {
		return errors.New("VIEW_FLUSH_INTERVAL must be at least 10 seconds")
	}
	if c.PurgeInterval < 1*time.Minute {
		return errors.New("PURGE_INTERVAL must be at least 1 minute")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required in production")
		}
		if c.S3BucketURL == "" {
			return errors.New("S3_BUCKET_URL is required in production")
		}
		if c.BotSecret.Value() == "" {
			return errors.New("BOT_SECRET is required in production")
		}
	}
	if c.PurgeEnabled {
		if c.PurgeURL == "" {
			return errors.New("PURGE_URL is required when PURGE_ENABLED=true")
		}
		if c.PurgeToken.Value() == "" {
			return errors.New("PURGE_TOKEN is required when PURGE_ENABLED=true")
		}
	}

	return nil
}

func (c *Cfg) Wipe() {
	c.BotSecret.Wipe()
	c.PurgeToken.Wipe()
	c.MetricsPass.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
