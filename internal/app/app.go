// Package app assembles the membership service from configuration. The
// server and the admin CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/lock"
	"github.com/prn-tf/membership/internal/metrics"
	"github.com/prn-tf/membership/internal/notification"
	"github.com/prn-tf/membership/internal/pkg/crypto"
	"github.com/prn-tf/membership/internal/repository"
	"github.com/prn-tf/membership/internal/repository/memory"
	"github.com/prn-tf/membership/internal/repository/postgres"
	"github.com/prn-tf/membership/internal/repository/sqlite"
	"github.com/prn-tf/membership/internal/service"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: cfg.TimeFormat}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// NewFactory returns a repository factory with every backend registered.
func NewFactory(cfg config.DatabaseConfig, logger zerolog.Logger) *repository.Factory {
	return repository.NewFactory(cfg, logger).
		Register("memory", memory.Open).
		Register("sqlite", sqlite.Open).
		Register("postgres", postgres.Open)
}

// NewRedisClient creates a client for the redis section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
}

// NewLocker picks the credential-check locker. Without
// security.serialize_credential_checks every lock is granted; with it, locks
// live in redis when a client is given and in process memory otherwise.
func NewLocker(cfg config.SecurityConfig, rdb *redis.Client) lock.Locker {
	switch {
	case !cfg.SerializeCredentialChecks:
		return lock.NewNoOpLocker()
	case rdb != nil:
		return lock.NewRedisLocker(rdb)
	default:
		return lock.NewMemoryLocker(nil)
	}
}

// App holds the assembled components. Close releases them in reverse order.
type App struct {
	Accounts *service.AccountService
	Repos    *repository.Repositories
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	redis    *redis.Client
	delivery *notification.AsyncDelivery
}

// Build opens storage and wires the account service.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	repos, err := NewFactory(cfg.Database, logger).Create(ctx)
	if err != nil {
		return nil, err
	}
	a := &App{Repos: repos}

	a.Registry, a.Metrics = metrics.NewRegistry()

	if cfg.Redis.Enabled {
		a.redis = NewRedisClient(cfg.Redis)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr(), err)
		}
	}

	opts := []service.Option{
		service.WithMetrics(a.Metrics),
		service.WithPasswordPolicy(service.NewPasswordPolicy(cfg.PasswordPolicy)),
		service.WithLocker(NewLocker(cfg.Security, a.redis), lock.DefaultOptions()),
	}

	if cfg.Notification.Enabled {
		var rdb redis.Cmdable
		if a.redis != nil {
			rdb = a.redis
		}
		delivery, err := notification.NewDelivery(cfg.Notification, rdb, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.delivery = notification.NewAsyncDelivery(delivery, 256, logger)
		app := notification.AppInfoFromConfig(cfg.Notification)
		opts = append(opts, service.WithNotifier(notification.NewEmailNotifier(a.delivery, app, logger)))
	}

	env := domain.NewEnv(
		crypto.NewProvider(cfg.Security.PasswordHashingCost),
		clockwork.NewRealClock(),
		cfg.Security.VerificationKeyLifetime,
	)
	a.Accounts = service.NewAccountService(repos, env, cfg.Security, logger, opts...)

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Bool("multi_tenant", cfg.Security.MultiTenant).
		Bool("notifications", cfg.Notification.Enabled).
		Str("delivery", cfg.Notification.Delivery).
		Msg("account service ready")

	return a, nil
}

// Close drains pending notifications and closes storage and redis.
func (a *App) Close() error {
	var errs []error
	if a.delivery != nil {
		errs = append(errs, a.delivery.Close())
	}
	if a.Accounts != nil {
		errs = append(errs, a.Accounts.Close())
	} else if a.Repos != nil && a.Repos.Database != nil {
		errs = append(errs, a.Repos.Database.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
