// Package memory provides an in-process account store for tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/repository"
)

// Store keeps accounts in a map. Transactions are serialized and rolled back
// by restoring a snapshot; reads outside a transaction may see uncommitted writes.
type Store struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*domain.Account

	txMu sync.Mutex
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{accounts: make(map[uuid.UUID]*domain.Account)}
}

// Open satisfies repository.Opener.
func Open(_ context.Context, _ config.DatabaseConfig, logger zerolog.Logger) (*repository.Repositories, error) {
	logger.Warn().Msg("using in-memory account store; data is lost on restart")
	s := NewStore()
	return &repository.Repositories{Accounts: s, Tx: s, Database: s}, nil
}

var (
	_ repository.AccountRepository = (*Store)(nil)
	_ repository.TxManager         = (*Store)(nil)
	_ repository.DatabaseHealth    = (*Store)(nil)
)

// WithTx executes fn as one unit of work.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()

	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *Store) snapshot() map[uuid.UUID]*domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]*domain.Account, len(s.accounts))
	for id, a := range s.accounts {
		out[id] = a.Clone()
	}
	return out
}

func (s *Store) restore(snapshot map[uuid.UUID]*domain.Account) {
	s.mu.Lock()
	s.accounts = snapshot
	s.mu.Unlock()
}

// FindAll returns every account in the tenant.
func (s *Store) FindAll(_ context.Context, tenant string) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Account
	for _, a := range s.accounts {
		if a.Tenant == tenant {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

// FindByID retrieves an account by ID.
func (s *Store) FindByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

// FindByUsername retrieves an account by username within a tenant.
func (s *Store) FindByUsername(_ context.Context, tenant, username string) (*domain.Account, error) {
	return s.findOne("username", username, func(a *domain.Account) bool {
		return a.Tenant == tenant && strings.EqualFold(a.Username, username)
	})
}

// FindByEmail retrieves an account by email within a tenant.
func (s *Store) FindByEmail(_ context.Context, tenant, email string) (*domain.Account, error) {
	return s.findOne("email", email, func(a *domain.Account) bool {
		return a.Tenant == tenant && strings.EqualFold(a.Email, email)
	})
}

// FindByVerificationKey retrieves the account holding the pending key.
func (s *Store) FindByVerificationKey(_ context.Context, key string) (*domain.Account, error) {
	return s.findOne("verification key", key, func(a *domain.Account) bool {
		return a.Pending != nil && a.Pending.Token == key
	})
}

// ExistsByUsername checks if a username is taken. An empty tenant checks every tenant.
func (s *Store) ExistsByUsername(_ context.Context, tenant, username string) (bool, error) {
	return s.exists(func(a *domain.Account) bool {
		return (tenant == "" || a.Tenant == tenant) && strings.EqualFold(a.Username, username)
	}), nil
}

// ExistsByEmail checks if an email is taken within a tenant.
func (s *Store) ExistsByEmail(_ context.Context, tenant, email string) (bool, error) {
	return s.exists(func(a *domain.Account) bool {
		return a.Tenant == tenant && strings.EqualFold(a.Email, email)
	}), nil
}

// Add stores a new account.
func (s *Store) Add(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("%w: account %s already exists", repository.ErrConflict, account.ID)
	}
	for _, a := range s.accounts {
		if a.Tenant == account.Tenant && strings.EqualFold(a.Username, account.Username) {
			return fmt.Errorf("%w: username %q already exists in tenant %q", repository.ErrConflict, account.Username, account.Tenant)
		}
	}

	account.Version = 1
	s.accounts[account.ID] = account.Clone()
	return nil
}

// Update stores changes to an existing account.
func (s *Store) Update(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[account.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != account.Version {
		return fmt.Errorf("%w: account %s was modified concurrently", repository.ErrConflict, account.ID)
	}

	account.Version++
	s.accounts[account.ID] = account.Clone()
	return nil
}

// Remove deletes an account.
func (s *Store) Remove(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.accounts, account.ID)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Health always succeeds.
func (s *Store) Health(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) findOne(lookup, value string, match func(*domain.Account) bool) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Account
	for _, a := range s.accounts {
		if !match(a) {
			continue
		}
		if found != nil {
			return nil, domain.InvariantViolation(lookup, value)
		}
		found = a
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *Store) exists(match func(*domain.Account) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if match(a) {
			return true
		}
	}
	return false
}

// Seed inserts accounts as-is, bypassing uniqueness checks. Tests use it to
// simulate corrupted data.
func (s *Store) Seed(accounts ...*domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		if a.Version == 0 {
			a.Version = 1
		}
		s.accounts[a.ID] = a.Clone()
	}
}
