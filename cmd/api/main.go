package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldcaller-telephony/internal/audit"
	"coldcaller-telephony/internal/auth"
	"coldcaller-telephony/internal/config"
	"coldcaller-telephony/internal/configstore"
	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/httpapi"
	"coldcaller-telephony/internal/rbac"
	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/reporting"
	"coldcaller-telephony/internal/session"
	"coldcaller-telephony/internal/telephony"
	"coldcaller-telephony/internal/telephony/sip"
	"coldcaller-telephony/internal/telephony/webrtc"
	"coldcaller-telephony/pkg/logger"
	"coldcaller-telephony/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, stop, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, stop context.CancelFunc, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	operators, err := auth.ParseOperators(cfg.Auth.Operators, rbac.Roles()...)
	if err != nil {
		return fmt.Errorf("operators: %w", err)
	}
	if operators.Len() == 0 {
		log.Warn("no operators configured, login is disabled")
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer rdb.Close()
	}

	var db *sql.DB
	dialect := utils.Dialect(cfg.Store.Backend)
	if cfg.Store.Backend == config.BackendPostgres || cfg.Store.Backend == config.BackendMySQL {
		db, err = utils.OpenSQL(rootCtx, dialect, cfg.DSN(), utils.PoolConfig{})
		if err != nil {
			return fmt.Errorf("%s init: %w", cfg.Store.Backend, err)
		}
		defer db.Close()
	}

	st, err := openStores(rootCtx, cfg, rdb, db, dialect)
	if err != nil {
		return err
	}

	bus := events.NewBus(log)
	auditSvc := audit.NewService(st.audit)
	reports := reporting.NewService(st.reports, log)
	recorder := audit.NewRecorder(auditSvc, log, 0)
	recorder.Attach(bus)
	defer recorder.Close()

	providers := telephony.NewRegistry(
		webrtc.New("webrtc", log),
		sip.New("sip", log),
	)
	// Carrier names (twilio, telnyx, ...) without an adapter go through the WebRTC gateway.
	providers.SetFallback(webrtc.New("", log))

	reg, err := registry.New(rootCtx, registry.Options{
		Store:            st.configs,
		Providers:        providers,
		Events:           bus,
		Logger:           log,
		HealthInterval:   cfg.Monitoring.HealthInterval,
		FailureThreshold: cfg.Monitoring.FailureThreshold,
		HistoryLimit:     cfg.Monitoring.HistoryLimit,
		RecoveryMaxDelay: cfg.Monitoring.RecoveryMaxDelay,
	})
	if err != nil {
		return fmt.Errorf("registry init: %w", err)
	}
	defer reg.Close()
	if cfg.Monitoring.AutoStart {
		reg.StartMonitoring()
	}

	calls, err := session.NewManager(session.ManagerOptions{
		Configs:          reg,
		Limiter:          newLimiter(cfg.Calls, rdb, cfg.Store.KeyPrefix),
		Events:           bus,
		Logger:           log,
		SampleInterval:   cfg.Calls.SampleInterval,
		TickInterval:     cfg.Calls.TickInterval,
		RecoveryMaxDelay: cfg.Monitoring.RecoveryMaxDelay,
		OnFinished:       reports.Track,
	})
	if err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}

	h := httpapi.Handlers{
		Auth:      authManager,
		Operators: operators,
		Configs:   reg,
		Calls:     calls,
		Audit:     auditSvc,
		Reports:   reports,
		Bus:       bus,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz"))
	deps := map[string]dependencyCheck{}
	if db != nil {
		deps[string(dialect)] = func(ctx context.Context) error { return utils.HealthCheck(ctx, db, time.Second) }
	}
	if rdb != nil {
		deps["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), cfg.Calls.WebhookSecret, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: /v1/events holds websocket connections open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	calls.Shutdown(shutdownCtx)
	return nil
}

type stores struct {
	configs registry.Store
	audit   audit.Repository
	reports reporting.Repository
}

func openStores(ctx context.Context, cfg config.Config, rdb *redis.Client, db *sql.DB, dialect utils.Dialect) (stores, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return stores{
			configs: configstore.NewRedis(rdb, cfg.Store.KeyPrefix),
			audit:   audit.NewMemoryRepo(),
			reports: reporting.NewMemoryRepo(),
		}, nil
	case config.BackendPostgres, config.BackendMySQL:
		cs := configstore.NewSQL(db, dialect)
		if err := cs.Migrate(ctx); err != nil {
			return stores{}, err
		}
		ar := audit.NewSQLRepo(db, dialect)
		if err := ar.Migrate(ctx); err != nil {
			return stores{}, err
		}
		rr := reporting.NewSQLRepo(db, dialect)
		if err := rr.Migrate(ctx); err != nil {
			return stores{}, err
		}
		return stores{configs: cs, audit: ar, reports: rr}, nil
	default:
		return stores{
			configs: configstore.NewMemory(),
			audit:   audit.NewMemoryRepo(),
			reports: reporting.NewMemoryRepo(),
		}, nil
	}
}

func newLimiter(cfg config.CallsConfig, rdb *redis.Client, prefix string) session.Limiter {
	switch {
	case cfg.MaxConcurrent <= 0:
		return session.Unlimited{}
	case cfg.Limiter == config.BackendRedis:
		return session.NewRedisLimiter(rdb, prefix+"concurrent_calls", cfg.MaxConcurrent, 0)
	default:
		return session.NewMemoryLimiter(cfg.MaxConcurrent)
	}
}
