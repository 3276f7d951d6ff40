// Package repository provides data access layer for the membership service.
// This file contains the factory that creates repositories based on configuration.
package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/config"
)

// Repositories holds the repository instances backed by one database.
type Repositories struct {
	Accounts AccountRepository
	Tx       TxManager
	Database DatabaseHealth
}

// Opener connects to a database and builds its repositories.
// Backend packages provide one; they cannot be imported here without a cycle.
type Opener func(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Repositories, error)

// Factory creates repositories based on configuration.
type Factory struct {
	cfg     config.DatabaseConfig
	logger  zerolog.Logger
	openers map[string]Opener
}

// NewFactory creates a new repository factory.
func NewFactory(cfg config.DatabaseConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		logger:  logger,
		openers: make(map[string]Opener),
	}
}

// Register makes a backend available under a driver name.
func (f *Factory) Register(driver string, open Opener) *Factory {
	f.openers[driver] = open
	return f
}

// Driver returns the configured database driver.
func (f *Factory) Driver() string {
	return f.cfg.Driver
}

// IsEmbedded returns true if using embedded database.
func (f *Factory) IsEmbedded() bool {
	return f.cfg.IsEmbedded()
}

// Create opens the configured backend.
func (f *Factory) Create(ctx context.Context) (*Repositories, error) {
	open, ok := f.openers[f.cfg.Driver]
	if !ok {
		drivers := make([]string, 0, len(f.openers))
		for name := range f.openers {
			drivers = append(drivers, name)
		}
		sort.Strings(drivers)
		return nil, fmt.Errorf("unsupported database driver %q (registered: %v)", f.cfg.Driver, drivers)
	}

	repos, err := open(ctx, f.cfg, f.logger.With().Str("driver", f.cfg.Driver).Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", f.cfg.Driver, err)
	}
	return repos, nil
}
