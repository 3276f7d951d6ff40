// Package repository defines data access interfaces for the membership service.
// These interfaces abstract database operations, allowing for different implementations
// (PostgreSQL, SQLite, in-memory) while keeping the service layer clean.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/prn-tf/membership/internal/domain"
)

// =============================================================================
// Account Repository
// =============================================================================

// AccountRepository defines the interface for account data access.
//
// Lookups return ErrNotFound when nothing matches and an error wrapping
// domain.ErrInvariantViolation when a uniqueness-constrained lookup matches
// more than one account. Username and email comparisons ignore case.
// Callers bind returned accounts to a domain.Env before running transitions.
type AccountRepository interface {
	// FindAll returns every account in the tenant.
	FindAll(ctx context.Context, tenant string) ([]*domain.Account, error)

	// FindByID retrieves an account by ID.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// FindByUsername retrieves an account by username within a tenant.
	FindByUsername(ctx context.Context, tenant, username string) (*domain.Account, error)

	// FindByEmail retrieves an account by email within a tenant.
	FindByEmail(ctx context.Context, tenant, email string) (*domain.Account, error)

	// FindByVerificationKey retrieves the account holding the pending key.
	FindByVerificationKey(ctx context.Context, key string) (*domain.Account, error)

	// ExistsByUsername checks if a username is taken. An empty tenant checks every tenant.
	ExistsByUsername(ctx context.Context, tenant, username string) (bool, error)

	// ExistsByEmail checks if an email is taken within a tenant.
	ExistsByEmail(ctx context.Context, tenant, email string) (bool, error)

	// Add stores a new account and sets its Version.
	Add(ctx context.Context, account *domain.Account) error

	// Update stores changes to an existing account. It fails with ErrConflict
	// when the stored version differs from account.Version, and advances
	// account.Version on success.
	Update(ctx context.Context, account *domain.Account) error

	// Remove deletes an account and its claims.
	Remove(ctx context.Context, account *domain.Account) error
}

// =============================================================================
// Transactions
// =============================================================================

// TxManager runs a unit of work. Repository calls made with the context
// passed to fn join the transaction; fn returning an error rolls it back.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DatabaseHealth is an interface for database health checks.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}
