package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	Store      StoreConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Monitoring MonitoringConfig
	Calls      CallsConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// Store backends for connection configurations.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

type StoreConfig struct {
	Backend   string
	KeyPrefix string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode applies to postgres only.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Operators is a comma separated list of user:role:bcrypt-hash entries.
	Operators string
}

type MonitoringConfig struct {
	AutoStart        bool
	HealthInterval   time.Duration
	FailureThreshold int
	HistoryLimit     int
	RecoveryMaxDelay time.Duration
}

type CallsConfig struct {
	SampleInterval time.Duration
	TickInterval   time.Duration
	// MaxConcurrent of 0 disables the cap.
	MaxConcurrent int
	// Limiter is memory or redis.
	Limiter string
	// WebhookSecret guards the inbound call webhook when set.
	WebhookSecret string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	c.Store.KeyPrefix = strings.TrimSpace(os.Getenv("STORE_KEY_PREFIX"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = optInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optInt(parseErrs, "REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = optInt(parseErrs, "REDIS_DB")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")
	c.Auth.Operators = strings.TrimSpace(os.Getenv("AUTH_OPERATORS"))

	c.Monitoring.AutoStart, parseErrs = optBool(parseErrs, "HEALTH_AUTOSTART")
	c.Monitoring.HealthInterval, parseErrs = optDuration(parseErrs, "HEALTH_CHECK_INTERVAL")
	c.Monitoring.FailureThreshold, parseErrs = optInt(parseErrs, "HEALTH_FAILURE_THRESHOLD")
	c.Monitoring.HistoryLimit, parseErrs = optInt(parseErrs, "HEALTH_HISTORY_LIMIT")
	c.Monitoring.RecoveryMaxDelay, parseErrs = optDuration(parseErrs, "RECOVERY_MAX_DELAY")

	c.Calls.SampleInterval, parseErrs = optDuration(parseErrs, "CALL_SAMPLE_INTERVAL")
	c.Calls.TickInterval, parseErrs = optDuration(parseErrs, "CALL_TICK_INTERVAL")
	c.Calls.MaxConcurrent, parseErrs = optInt(parseErrs, "CALL_MAX_CONCURRENT")
	c.Calls.Limiter = strings.ToLower(strings.TrimSpace(os.Getenv("CALL_LIMITER")))
	c.Calls.WebhookSecret = os.Getenv("INBOUND_WEBHOOK_SECRET")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "coldcaller:"
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres, BackendMySQL:
		errs = append(errs, c.validateDB()...)
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, redis, postgres, mysql, got %q", c.Store.Backend))
	}

	if c.Calls.Limiter == "" {
		c.Calls.Limiter = BackendMemory
	}
	if c.Calls.Limiter != BackendMemory && c.Calls.Limiter != BackendRedis {
		errs = append(errs, fmt.Errorf("CALL_LIMITER must be memory or redis, got %q", c.Calls.Limiter))
	}
	if c.Calls.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_CONCURRENT must not be negative, got %d", c.Calls.MaxConcurrent))
	}

	if c.NeedsRedis() {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis store or limiter"))
		}
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Auth.Operators == "" {
			errs = append(errs, errors.New("AUTH_OPERATORS is required in production"))
		}
		if c.Calls.WebhookSecret == "" {
			errs = append(errs, errors.New("INBOUND_WEBHOOK_SECRET is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Monitoring.HealthInterval <= 0 {
		c.Monitoring.HealthInterval = 30 * time.Second
	} else if c.Monitoring.HealthInterval < time.Second {
		errs = append(errs, fmt.Errorf("HEALTH_CHECK_INTERVAL must be at least 1s, got %s", c.Monitoring.HealthInterval))
	}
	if c.Monitoring.FailureThreshold <= 0 {
		c.Monitoring.FailureThreshold = 3
	}
	if c.Monitoring.HistoryLimit <= 0 {
		c.Monitoring.HistoryLimit = 10
	}
	if c.Monitoring.RecoveryMaxDelay <= 0 {
		c.Monitoring.RecoveryMaxDelay = 30 * time.Second
	}

	if c.Calls.SampleInterval <= 0 {
		c.Calls.SampleInterval = 2 * time.Second
	}
	if c.Calls.TickInterval <= 0 {
		c.Calls.TickInterval = time.Second
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
		if c.Store.Backend == BackendMySQL {
			c.DB.Port = 3306
		}
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.Store.Backend != BackendPostgres {
		return errs
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// NeedsRedis reports whether the store or the call limiter uses redis.
func (c Config) NeedsRedis() bool {
	return c.Store.Backend == BackendRedis || c.Calls.Limiter == BackendRedis
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DSN returns the connection string for the SQL store backend.
// Avoid logging it; it contains secrets.
func (c Config) DSN() string {
	if c.Store.Backend == BackendMySQL {
		return c.MySQLDSN()
	}
	return c.PostgresDSN()
}

func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) MySQLDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.DB.User
	mc.Passwd = c.DB.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port))
	mc.DBName = c.DB.Name
	mc.ParseTime = true
	return mc.FormatDSN()
}

func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func optBool(errs []error, key string) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
