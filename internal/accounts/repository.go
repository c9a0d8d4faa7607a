package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Account is a row in the accounts table.
type Account struct {
	ID          int32
	DisplayName string
	TokenHash   string
	CreatedAt   time.Time
	DisabledAt  *time.Time
}

// ErrAccountExists is returned when provisioning a duplicate display name.
var ErrAccountExists = errors.New("account already exists")

// Repository provides account persistence operations. Implements
// Verifier.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Verify checks the token for the given account.
//
// Postcondition: Returns the account Identity if the token verifies,
// ErrAuthFailed for an unknown id, disabled account, or wrong token,
// and ErrUnavailable when the store cannot be queried. Unknown ids and
// wrong tokens are indistinguishable to the caller.
func (r *Repository) Verify(ctx context.Context, accountID int32, token string) (Identity, error) {
	var acct Account
	err := r.db.QueryRow(ctx,
		`SELECT id, display_name, token_hash, created_at, disabled_at
		 FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&acct.ID, &acct.DisplayName, &acct.TokenHash, &acct.CreatedAt, &acct.DisabledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrAuthFailed
		}
		return Identity{}, fmt.Errorf("querying account: %w", ErrUnavailable)
	}

	if acct.DisabledAt != nil {
		return Identity{}, ErrAuthFailed
	}
	if !CheckToken(token, acct.TokenHash) {
		return Identity{}, ErrAuthFailed
	}

	return Identity{AccountID: acct.ID, DisplayName: acct.DisplayName}, nil
}

// Create inserts a new account with an argon2id-hashed token.
//
// Precondition: displayName and token must be non-empty.
// Postcondition: Returns the created Account with ID and CreatedAt set,
// or ErrAccountExists if the display name is taken.
func (r *Repository) Create(ctx context.Context, displayName, token string) (Account, error) {
	hash, err := HashToken(token)
	if err != nil {
		return Account{}, fmt.Errorf("hashing token: %w", err)
	}

	var acct Account
	err = r.db.QueryRow(ctx,
		`INSERT INTO accounts (display_name, token_hash)
		 VALUES ($1, $2)
		 RETURNING id, display_name, token_hash, created_at, disabled_at`,
		displayName, hash,
	).Scan(&acct.ID, &acct.DisplayName, &acct.TokenHash, &acct.CreatedAt, &acct.DisabledAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("inserting account: %w", err)
	}

	return acct, nil
}

// Disable marks the account so future logins fail.
//
// Postcondition: Verify for the account returns ErrAuthFailed until the
// row is re-enabled out of band.
func (r *Repository) Disable(ctx context.Context, accountID int32) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET disabled_at = now() WHERE id = $1 AND disabled_at IS NULL`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("disabling account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAuthFailed
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
