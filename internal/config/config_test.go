package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_MemoryDefaults(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Store.Backend != BackendMemory || c.Calls.Limiter != BackendMemory {
		t.Fatalf("expected memory store and limiter, got %q/%q", c.Store.Backend, c.Calls.Limiter)
	}
	if c.Monitoring.HealthInterval != 30*time.Second || c.Monitoring.FailureThreshold != 3 {
		t.Fatalf("unexpected monitoring defaults: %+v", c.Monitoring)
	}
	if c.Calls.TickInterval != time.Second {
		t.Fatalf("expected 1s tick, got %s", c.Calls.TickInterval)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected default access ttl, got %s", c.Auth.AccessTokenTTL)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		Store: StoreConfig{Backend: BackendPostgres},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls", SSLMode: ""},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "i", JWTAudience: "a", Operators: "ops:admin:$2a$10$x"},
		Calls: CallsConfig{WebhookSecret: "hook"},
	}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Store: StoreConfig{Backend: BackendPostgres},
		DB:    DBConfig{Host: "localhost", User: "postgres", Password: "x", Name: "calls"},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.DB.Port != 5432 {
		t.Fatalf("expected default postgres port, got %d", c.DB.Port)
	}
}

func TestValidate_RedisRequiredByLimiter(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "dev", Port: 8080},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Calls: CallsConfig{Limiter: BackendRedis, MaxConcurrent: 4},
	}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "REDIS_HOST") {
		t.Fatalf("expected REDIS_HOST error, got %v", err)
	}

	c.Redis.Host = "cache"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.RedisAddr() != "cache:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "qa", Port: 0},
		Store: StoreConfig{Backend: "etcd"},
	}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"APP_ENV", "APP_PORT", "STORE_BACKEND", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestMySQLDSN(t *testing.T) {
	c := Config{
		Store: StoreConfig{Backend: BackendMySQL},
		DB:    DBConfig{Host: "db.local", Port: 3306, User: "caller", Password: "pw", Name: "calls"},
	}
	dsn := c.DSN()
	if !strings.HasPrefix(dsn, "caller:pw@tcp(db.local:3306)/calls") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("expected parseTime in %q", dsn)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("HEALTH_CHECK_INTERVAL", "5s")
	t.Setenv("HEALTH_AUTOSTART", "true")
	t.Setenv("CALL_MAX_CONCURRENT", "12")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
	if c.Monitoring.HealthInterval != 5*time.Second || !c.Monitoring.AutoStart {
		t.Fatalf("unexpected monitoring %+v", c.Monitoring)
	}
	if c.Calls.MaxConcurrent != 12 {
		t.Fatalf("expected 12, got %d", c.Calls.MaxConcurrent)
	}
}

func TestLoad_RejectsMalformedValues(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_SAMPLE_INTERVAL", "often")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CALL_SAMPLE_INTERVAL") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}
