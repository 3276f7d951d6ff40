package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/repository"
)

const accountColumns = `id, tenant, username, email, created_at, hashed_password, password_changed_at,
	is_account_verified, is_login_allowed, is_account_closed,
	last_login_at, last_failed_login_at, failed_login_count,
	pending_kind, verification_key, verification_key_sent, email_proof, claims, version`

const uniqueViolation = "23505"

// accountRepository implements repository.AccountRepository.
// Claims are stored as a JSONB array on the account row.
type accountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL account repository.
func NewAccountRepository(db *DB) repository.AccountRepository {
	return &accountRepository{db: db}
}

// FindAll returns every account in the tenant.
func (r *accountRepository) FindAll(ctx context.Context, tenant string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant = $1 ORDER BY created_at, username`

	accounts, err := r.queryAccounts(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// FindByID retrieves an account by ID.
func (r *accountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.db.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by id: %w", err)
	}
	return a, nil
}

// FindByUsername retrieves an account by username within a tenant.
func (r *accountRepository) FindByUsername(ctx context.Context, tenant, username string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE tenant = $1 AND lower(username) = lower($2) LIMIT 2`
	return r.findOne(ctx, "username", username, query, tenant, username)
}

// FindByEmail retrieves an account by email within a tenant.
func (r *accountRepository) FindByEmail(ctx context.Context, tenant, email string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE tenant = $1 AND lower(email) = lower($2) LIMIT 2`
	return r.findOne(ctx, "email", email, query, tenant, email)
}

// FindByVerificationKey retrieves the account holding the pending key.
func (r *accountRepository) FindByVerificationKey(ctx context.Context, key string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE verification_key = $1 LIMIT 2`
	return r.findOne(ctx, "verification key", key, query, key)
}

// ExistsByUsername checks if a username is taken. An empty tenant checks every tenant.
func (r *accountRepository) ExistsByUsername(ctx context.Context, tenant, username string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts
		WHERE ($1 = '' OR tenant = $1) AND lower(username) = lower($2))`

	var exists bool
	if err := r.db.conn(ctx).QueryRow(ctx, query, tenant, username).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check username existence: %w", err)
	}
	return exists, nil
}

// ExistsByEmail checks if an email is taken within a tenant.
func (r *accountRepository) ExistsByEmail(ctx context.Context, tenant, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE tenant = $1 AND lower(email) = lower($2))`

	var exists bool
	if err := r.db.conn(ctx).QueryRow(ctx, query, tenant, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return exists, nil
}

// Add stores a new account.
func (r *accountRepository) Add(ctx context.Context, account *domain.Account) error {
	query := `INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)`

	values, err := accountValues(account)
	if err != nil {
		return err
	}

	_, err = r.db.conn(ctx).Exec(ctx, query, append([]any{account.ID}, values...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: account %s or username %q already exists", repository.ErrConflict, account.ID, account.Username)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	account.Version = 1
	return nil
}

// Update stores changes to an existing account when its version still matches.
func (r *accountRepository) Update(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts SET
			tenant = $1, username = $2, email = $3, created_at = $4, hashed_password = $5, password_changed_at = $6,
			is_account_verified = $7, is_login_allowed = $8, is_account_closed = $9,
			last_login_at = $10, last_failed_login_at = $11, failed_login_count = $12,
			pending_kind = $13, verification_key = $14, verification_key_sent = $15, email_proof = $16,
			claims = $17, version = version + 1
		WHERE id = $18 AND version = $19
	`

	values, err := accountValues(account)
	if err != nil {
		return err
	}

	q := r.db.conn(ctx)
	tag, err := q.Exec(ctx, query, append(values, account.ID, account.Version)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %q already exists", repository.ErrConflict, account.Username)
		}
		return fmt.Errorf("failed to update account: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, account.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account existence: %w", err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return fmt.Errorf("%w: account %s was modified concurrently", repository.ErrConflict, account.ID)
	}

	account.Version++
	return nil
}

// Remove deletes an account.
func (r *accountRepository) Remove(ctx context.Context, account *domain.Account) error {
	tag, err := r.db.conn(ctx).Exec(ctx, `DELETE FROM accounts WHERE id = $1`, account.ID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *accountRepository) findOne(ctx context.Context, lookup, value, query string, args ...any) (*domain.Account, error) {
	accounts, err := r.queryAccounts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get account by %s: %w", lookup, err)
	}
	switch len(accounts) {
	case 0:
		return nil, repository.ErrNotFound
	case 1:
		return accounts[0], nil
	default:
		return nil, domain.InvariantViolation(lookup, value)
	}
}

func (r *accountRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]*domain.Account, error) {
	rows, err := r.db.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// accountValues returns every column after id, in accountColumns order, minus version.
func accountValues(a *domain.Account) ([]any, error) {
	claims, err := json.Marshal(a.Claims)
	if err != nil {
		return nil, fmt.Errorf("failed to encode claims: %w", err)
	}

	var (
		kind, key, proof *string
		sent             *time.Time
	)
	if p := a.Pending; p != nil {
		k := string(p.Kind)
		kind, key, sent = &k, &p.Token, &p.IssuedAt
		if p.EmailProof != "" {
			proof = &p.EmailProof
		}
	}

	return []any{
		a.Tenant,
		a.Username,
		a.Email,
		a.CreatedAt,
		a.HashedPassword,
		a.PasswordChangedAt,
		a.IsAccountVerified,
		a.IsLoginAllowed,
		a.IsAccountClosed,
		a.LastLoginAt,
		a.LastFailedLoginAt,
		a.FailedLoginCount,
		kind,
		key,
		sent,
		proof,
		claims,
	}, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	a := &domain.Account{}
	var (
		id               string
		kind, key, proof *string
		sent             *time.Time
		claims           []byte
	)

	err := row.Scan(
		&id,
		&a.Tenant,
		&a.Username,
		&a.Email,
		&a.CreatedAt,
		&a.HashedPassword,
		&a.PasswordChangedAt,
		&a.IsAccountVerified,
		&a.IsLoginAllowed,
		&a.IsAccountClosed,
		&a.LastLoginAt,
		&a.LastFailedLoginAt,
		&a.FailedLoginCount,
		&kind,
		&key,
		&sent,
		&proof,
		&claims,
		&a.Version,
	)
	if err != nil {
		return nil, err
	}

	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", id, err)
	}

	a.Claims = domain.NewClaimSet()
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &a.Claims); err != nil {
			return nil, fmt.Errorf("failed to decode claims: %w", err)
		}
	}

	if kind != nil {
		a.Pending = &domain.PendingOperation{Kind: domain.PendingKind(*kind)}
		if key != nil {
			a.Pending.Token = *key
		}
		if sent != nil {
			a.Pending.IssuedAt = *sent
		}
		if proof != nil {
			a.Pending.EmailProof = *proof
		}
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ repository.AccountRepository = (*accountRepository)(nil)
