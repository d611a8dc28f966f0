// Command callctl manages connection configurations directly in the
// configuration store and can run the health monitor in the foreground.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"coldcaller-telephony/internal/configstore"
	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/telephony"
	"coldcaller-telephony/internal/telephony/sip"
	"coldcaller-telephony/internal/telephony/webrtc"
	"coldcaller-telephony/pkg/logger"
	"coldcaller-telephony/pkg/utils"

	"github.com/fatih/color"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v   *viper.Viper
	out io.Writer
	bus *events.Bus

	// open builds a registry on the configured store; tests replace it.
	open func(ctx context.Context, a *app) (*registry.Registry, func(), error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{v: viper.New(), out: os.Stdout, bus: events.NewBus(nil), open: openRegistry}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "callctl",
		Short: "Cold-caller telephony configuration tool",
		Long: `Manage provider connection configurations and watch connection health.

Settings come from flags, CALLCTL_* environment variables, or a YAML file (--config).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadSettings(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML settings file")
	pf.String("store", "redis", "Config store backend: redis, postgres, mysql, memory")
	pf.String("redis-addr", "localhost:6379", "Redis address for the redis store")
	pf.String("redis-password", "", "Redis password (or CALLCTL_REDIS_PASSWORD)")
	pf.String("dsn", "", "Database DSN for the postgres or mysql store")
	pf.String("key-prefix", "coldcaller:", "Redis key prefix")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(newConfigCmd(a), newMonitorCmd(a), newHashPasswordCmd(a))
	return root
}

func (a *app) loadSettings(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	a.v.SetEnvPrefix("CALLCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func openRegistry(ctx context.Context, a *app) (*registry.Registry, func(), error) {
	log := logger.From(ctx)
	var (
		store   registry.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch backend := a.v.GetString("store"); backend {
	case "memory":
		log.Warn("memory store: changes are lost when callctl exits")
		store = configstore.NewMemory()
	case "redis":
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     a.v.GetString("redis-addr"),
			Password: a.v.GetString("redis-password"),
		})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		store = configstore.NewRedis(rdb, a.v.GetString("key-prefix"))
	case "postgres", "mysql":
		dsn := a.v.GetString("dsn")
		if dsn == "" {
			return nil, nil, fmt.Errorf("--dsn is required for the %s store", backend)
		}
		dialect := utils.Dialect(backend)
		db, err := utils.OpenSQL(ctx, dialect, dsn, utils.PoolConfig{MaxOpenConns: 2})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		s := configstore.NewSQL(db, dialect)
		if err := s.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		store = s
	default:
		return nil, nil, fmt.Errorf("unknown store %q", backend)
	}

	providers := telephony.NewRegistry(webrtc.New("webrtc", log), sip.New("sip", log))
	providers.SetFallback(webrtc.New("", log))

	reg, err := registry.New(ctx, registry.Options{
		Store:            store,
		Providers:        providers,
		Events:           a.bus,
		Logger:           log,
		HealthInterval:   a.v.GetDuration("interval"),
		FailureThreshold: a.v.GetInt("threshold"),
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, reg.Close)
	return reg, closeAll, nil
}

// withRegistry opens the registry for the duration of fn.
func (a *app) withRegistry(cmd *cobra.Command, fn func(context.Context, *registry.Registry) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reg, closeFn, err := a.open(ctx, a)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, reg)
}
