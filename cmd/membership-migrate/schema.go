package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/repository/postgres"
	"github.com/prn-tf/membership/internal/repository/sqlite"
)

// errUnsupported is returned for operations a driver cannot perform.
var errUnsupported = errors.New("not supported by this driver")

// status describes where a database stands relative to the embedded migrations.
type status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Pending reports how many migrations Up would apply.
func (s status) Pending() uint {
	if s.Latest <= s.Current {
		return 0
	}
	return s.Latest - s.Current
}

// schema is the driver-specific migration backend.
type schema interface {
	Up(ctx context.Context) error
	Down(ctx context.Context, steps int) error
	Status(ctx context.Context) (status, error)
	Force(ctx context.Context, version int) error
	Close() error
}

func openSchema(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (schema, error) {
	switch cfg.Driver {
	case "postgres":
		m, err := postgres.NewMigrator(cfg.URL())
		if err != nil {
			return nil, err
		}
		return &postgresSchema{m: m}, nil
	case "sqlite":
		db, err := sqlite.NewDB(ctx, sqlite.FromDatabaseConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return &sqliteSchema{db: db}, nil
	default:
		return nil, fmt.Errorf("driver %q has no schema to migrate", cfg.Driver)
	}
}

type postgresSchema struct {
	m *postgres.Migrator
}

func (s *postgresSchema) Up(context.Context) error { return s.m.Up() }

// Down rolls back steps migrations, or all of them when steps is zero.
func (s *postgresSchema) Down(_ context.Context, steps int) error {
	if steps == 0 {
		return s.m.Down()
	}
	return s.m.Steps(-steps)
}

func (s *postgresSchema) Status(context.Context) (status, error) {
	current, dirty, err := s.m.Version()
	if err != nil {
		return status{}, err
	}
	versions, err := postgres.MigrationVersions()
	if err != nil {
		return status{}, err
	}
	st := status{Current: current, Dirty: dirty}
	if len(versions) > 0 {
		st.Latest = versions[len(versions)-1]
	}
	return st, nil
}

func (s *postgresSchema) Force(_ context.Context, version int) error { return s.m.Force(version) }

func (s *postgresSchema) Close() error { return s.m.Close() }

// sqliteSchema only moves forward; the embedded sqlite migrations have no down scripts.
type sqliteSchema struct {
	db *sqlite.DB
}

func (s *sqliteSchema) Up(ctx context.Context) error { return s.db.Migrate(ctx) }

func (s *sqliteSchema) Down(context.Context, int) error {
	return fmt.Errorf("down migrations for sqlite: %w", errUnsupported)
}

func (s *sqliteSchema) Status(ctx context.Context) (status, error) {
	current, err := s.db.Version(ctx)
	if err != nil {
		return status{}, err
	}
	latest, err := sqlite.LatestVersion()
	if err != nil {
		return status{}, err
	}
	return status{Current: uint(current), Latest: uint(latest)}, nil
}

func (s *sqliteSchema) Force(context.Context, int) error {
	return fmt.Errorf("force for sqlite: %w", errUnsupported)
}

func (s *sqliteSchema) Close() error { return s.db.Close() }
