package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/repository"
)

const accountColumns = `
	id, tenant, username, email, created_at, hashed_password, password_changed_at,
	is_account_verified, is_login_allowed, is_account_closed,
	last_login_at, last_failed_login_at, failed_login_count,
	pending_kind, verification_key, verification_key_sent, email_proof, version`

// accountRepository implements repository.AccountRepository for SQLite.
// Username and email columns are declared COLLATE NOCASE, so plain equality ignores case.
type accountRepository struct {
	db *DB
}

// NewAccountRepository creates a new SQLite account repository.
func NewAccountRepository(db *DB) repository.AccountRepository {
	return &accountRepository{db: db}
}

// FindAll returns every account in the tenant.
func (r *accountRepository) FindAll(ctx context.Context, tenant string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant = ? ORDER BY created_at, username`

	accounts, err := r.queryAccounts(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// FindByID retrieves an account by ID.
func (r *accountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	return r.findOne(ctx, "id", id.String(), query, id.String())
}

// FindByUsername retrieves an account by username within a tenant.
func (r *accountRepository) FindByUsername(ctx context.Context, tenant, username string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant = ? AND username = ? LIMIT 2`
	return r.findOne(ctx, "username", username, query, tenant, username)
}

// FindByEmail retrieves an account by email within a tenant.
func (r *accountRepository) FindByEmail(ctx context.Context, tenant, email string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant = ? AND email = ? LIMIT 2`
	return r.findOne(ctx, "email", email, query, tenant, email)
}

// FindByVerificationKey retrieves the account holding the pending key.
func (r *accountRepository) FindByVerificationKey(ctx context.Context, key string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE verification_key = ? LIMIT 2`
	return r.findOne(ctx, "verification key", key, query, key)
}

// ExistsByUsername checks if a username is taken. An empty tenant checks every tenant.
func (r *accountRepository) ExistsByUsername(ctx context.Context, tenant, username string) (bool, error) {
	var count int
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE (? = '' OR tenant = ?) AND username = ?`,
		tenant, tenant, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check username existence: %w", err)
	}
	return count > 0, nil
}

// ExistsByEmail checks if an email is taken within a tenant.
func (r *accountRepository) ExistsByEmail(ctx context.Context, tenant, email string) (bool, error) {
	var count int
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE tenant = ? AND email = ?`,
		tenant, email,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return count > 0, nil
}

// Add stores a new account and its claims.
func (r *accountRepository) Add(ctx context.Context, account *domain.Account) error {
	query := `INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.conn(ctx)
		args := append([]any{account.ID.String()}, accountValues(account)...)
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: account %s or username %q already exists", repository.ErrConflict, account.ID, account.Username)
			}
			return fmt.Errorf("failed to create account: %w", err)
		}
		return r.insertClaims(ctx, q, account)
	})
	if err != nil {
		return err
	}

	account.Version = 1
	return nil
}

// Update stores changes to an existing account, replacing its claims.
func (r *accountRepository) Update(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts SET
			tenant = ?, username = ?, email = ?, created_at = ?, hashed_password = ?, password_changed_at = ?,
			is_account_verified = ?, is_login_allowed = ?, is_account_closed = ?,
			last_login_at = ?, last_failed_login_at = ?, failed_login_count = ?,
			pending_kind = ?, verification_key = ?, verification_key_sent = ?, email_proof = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.conn(ctx)
		args := append(accountValues(account), account.ID.String(), account.Version)
		result, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: username %q already exists", repository.ErrConflict, account.Username)
			}
			return fmt.Errorf("failed to update account: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return r.missingOrStale(ctx, q, account.ID)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM account_claims WHERE account_id = ?`, account.ID.String()); err != nil {
			return fmt.Errorf("failed to clear claims: %w", err)
		}
		return r.insertClaims(ctx, q, account)
	})
	if err != nil {
		return err
	}

	account.Version++
	return nil
}

// Remove deletes an account. Claims go with it.
func (r *accountRepository) Remove(ctx context.Context, account *domain.Account) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.conn(ctx)
		if _, err := q.ExecContext(ctx, `DELETE FROM account_claims WHERE account_id = ?`, account.ID.String()); err != nil {
			return fmt.Errorf("failed to delete claims: %w", err)
		}

		result, err := q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, account.ID.String())
		if err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

func (r *accountRepository) missingOrStale(ctx context.Context, q querier, id uuid.UUID) error {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, id.String()).Scan(&count); err != nil {
		return fmt.Errorf("failed to check account existence: %w", err)
	}
	if count == 0 {
		return repository.ErrNotFound
	}
	return fmt.Errorf("%w: account %s was modified concurrently", repository.ErrConflict, id)
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

// queryAccounts reads the account rows fully before loading claims, since the
// pool may hold a single connection.
func (r *accountRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]*domain.Account, error) {
	q := r.db.conn(ctx)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, a := range accounts {
		if err := r.loadClaims(ctx, q, a); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (r *accountRepository) loadClaims(ctx context.Context, q querier, a *domain.Account) error {
	rows, err := q.QueryContext(ctx,
		`SELECT type, value FROM account_claims WHERE account_id = ?`, a.ID.String())
	if err != nil {
		return fmt.Errorf("failed to load claims: %w", err)
	}
	defer rows.Close()

	a.Claims = domain.NewClaimSet()
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(&c.Type, &c.Value); err != nil {
			return fmt.Errorf("failed to scan claim: %w", err)
		}
		a.Claims[c] = struct{}{}
	}
	return rows.Err()
}

func (r *accountRepository) insertClaims(ctx context.Context, q querier, a *domain.Account) error {
	for _, c := range a.Claims.List() {
		_, err := q.ExecContext(ctx,
			`INSERT INTO account_claims (account_id, type, value) VALUES (?, ?, ?)`,
			a.ID.String(), c.Type, c.Value)
		if err != nil {
			return fmt.Errorf("failed to insert claim %s: %w", c.Type, err)
		}
	}
	return nil
}

// accountValues returns every column after id, in accountColumns order, minus version.
func accountValues(a *domain.Account) []any {
	var kind, key, sent, proof sql.NullString
	if p := a.Pending; p != nil {
		kind = sql.NullString{String: string(p.Kind), Valid: true}
		key = sql.NullString{String: p.Token, Valid: true}
		sent = sql.NullString{String: formatTime(p.IssuedAt), Valid: true}
		proof = sql.NullString{String: p.EmailProof, Valid: p.EmailProof != ""}
	}
	return []any{
		a.Tenant,
		a.Username,
		a.Email,
		formatTime(a.CreatedAt),
		a.HashedPassword,
		formatTime(a.PasswordChangedAt),
		boolToInt(a.IsAccountVerified),
		boolToInt(a.IsLoginAllowed),
		boolToInt(a.IsAccountClosed),
		formatNullTime(a.LastLoginAt),
		formatNullTime(a.LastFailedLoginAt),
		a.FailedLoginCount,
		kind,
		key,
		sent,
		proof,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	a := &domain.Account{}
	var (
		id                             string
		createdAt, passwordChangedAt   string
		verified, loginAllowed, closed int
		lastLogin, lastFailed          sql.NullString
		kind, key, sent, proof         sql.NullString
	)

	err := row.Scan(
		&id,
		&a.Tenant,
		&a.Username,
		&a.Email,
		&createdAt,
		&a.HashedPassword,
		&passwordChangedAt,
		&verified,
		&loginAllowed,
		&closed,
		&lastLogin,
		&lastFailed,
		&a.FailedLoginCount,
		&kind,
		&key,
		&sent,
		&proof,
		&a.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", id, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.PasswordChangedAt, err = parseTime(passwordChangedAt); err != nil {
		return nil, err
	}
	if a.LastLoginAt, err = parseNullTime(lastLogin); err != nil {
		return nil, err
	}
	if a.LastFailedLoginAt, err = parseNullTime(lastFailed); err != nil {
		return nil, err
	}
	a.IsAccountVerified = verified != 0
	a.IsLoginAllowed = loginAllowed != 0
	a.IsAccountClosed = closed != 0

	if kind.Valid {
		issuedAt, err := parseTime(sent.String)
		if err != nil {
			return nil, err
		}
		a.Pending = &domain.PendingOperation{
			Kind:       domain.PendingKind(kind.String),
			Token:      key.String,
			IssuedAt:   issuedAt,
			EmailProof: proof.String,
		}
	}
	return a, nil
}

// boolToInt converts a boolean to an integer (SQLite doesn't have native boolean).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var _ repository.AccountRepository = (*accountRepository)(nil)
