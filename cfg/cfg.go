package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"pastebin/pkg/expiry"
)

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMySQL  = "mysql"
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
	Port           string
	Environment    string
	LogLevel       string
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
	BaseURL        string
	StoreBackend   string
	DatabasePath   string
	MySQLDSN       Secret
	RedisURL       string
	RedisTLS       bool
	RedisUsername  string
	RedisPassword  Secret
	RedisTimeout   time.Duration
	LimiterCache   int
	RateLimit      RateLimitCfg
	MaxPasteSize   int64
	IDMaxAttempts  int
	DefaultExpiry  string
	Sweep          SweepCfg
	TrustedProxies []string
	MetricsUser    string
	MetricsPass    Secret
	ContextTimeout time.Duration
	AllowedOrigins []string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration
}

type RateLimitCfg struct {
	CreatePerWindow int
	ViewPerWindow   int
	Window          time.Duration
}

type SweepCfg struct {
	Enabled        bool
	Interval       time.Duration
	BatchSize      int
	MaxBatches     int
	StatsEvery     int
	DBMaxOpenConns int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables that are already set.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFile = getEnv("LOG_FILE", "")
	c.BaseURL = strings.TrimSuffix(getEnv("BASE_URL", ""), "/")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "pastebin.db")
	c.MySQLDSN = NewSecret(getEnv("MYSQL_DSN", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.DefaultExpiry = getEnv("DEFAULT_EXPIRY", expiry.DefaultKey)
	c.Sweep.Enabled = getEnv("SWEEP_ENABLED", "true") == "true"
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{"*"})

	var err error
	if c.LogMaxSizeMB, err = getInt("LOG_MAX_SIZE_MB", 10); err != nil {
		return nil, err
	}
	if c.LogMaxBackups, err = getInt("LOG_MAX_BACKUPS", 5); err != nil {
		return nil, err
	}
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LimiterCache, err = getInt("LIMITER_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.RateLimit.CreatePerWindow, err = getInt("RATE_LIMIT_CREATE", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.ViewPerWindow, err = getInt("RATE_LIMIT_VIEW", 100); err != nil {
		return nil, err
	}
	if c.RateLimit.Window, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 1024*1024); err != nil {
		return nil, err
	}
	if c.IDMaxAttempts, err = getInt("ID_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if c.Sweep.Interval, err = getSeconds("CLEANUP_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if c.Sweep.BatchSize, err = getInt("SWEEP_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if c.Sweep.MaxBatches, err = getInt("SWEEP_MAX_BATCHES", 10000); err != nil {
		return nil, err
	}
	if c.Sweep.StatsEvery, err = getInt("SWEEP_STATS_EVERY", 10); err != nil {
		return nil, err
	}
	if c.Sweep.DBMaxOpenConns, err = getInt("SWEEP_DB_MAX_OPEN_CONNS", 2); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 20); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
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
	switch c.StoreBackend {
	case BackendSQLite, BackendBolt:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required")
		}
		if err := checkWithinWorkDir(c.DatabasePath); err != nil {
			return err
		}
	case BackendMySQL:
		if c.MySQLDSN.Value() == "" {
			return errors.New("MYSQL_DSN is required when STORE_BACKEND=mysql")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LimiterCache <= 0 {
		return errors.New("LIMITER_CACHE_SIZE must be positive")
	}
	if c.RateLimit.CreatePerWindow <= 0 || c.RateLimit.ViewPerWindow <= 0 {
		return errors.New("RATE_LIMIT_CREATE and RATE_LIMIT_VIEW must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.IDMaxAttempts < 1 || c.IDMaxAttempts > 10 {
		return errors.New("ID_MAX_ATTEMPTS must be between 1 and 10")
	}
	if _, err := expiry.New(c.DefaultExpiry); err != nil {
		return errors.Wrap(err, "DEFAULT_EXPIRY")
	}
	if c.Sweep.Interval < time.Second {
		return errors.New("CLEANUP_INTERVAL must be at least 1 second")
	}
	if c.Sweep.BatchSize <= 0 {
		return errors.New("SWEEP_BATCH_SIZE must be positive")
	}
	if c.Sweep.MaxBatches <= 0 {
		return errors.New("SWEEP_MAX_BATCHES must be positive")
	}
	if c.Sweep.DBMaxOpenConns <= 0 {
		return errors.New("SWEEP_DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS cannot exceed DB_MAX_OPEN_CONNS")
	}
	if c.DBQueryTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT must be positive")
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
	}
	return nil
}

// checkWithinWorkDir also applies to the path of a SQLite file: URI. In-memory
// databases have no path to check.
func checkWithinWorkDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	if strings.HasPrefix(path, "file:") {
		u, err := url.Parse(path)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_PATH URI: %w", err)
		}
		if u.Query().Get("mode") == "memory" {
			return nil
		}
		path = u.Opaque
		if path == "" {
			path = u.Path
		}
		if path == "" {
			return errors.New("DATABASE_PATH URI has no file path")
		}
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.MySQLDSN.Wipe()
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

// getSeconds accepts a bare integer number of seconds or a Go duration string.
func getSeconds(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
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
