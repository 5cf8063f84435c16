package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/inviterr/inviterr/internal/model"
)

// AccountRepo provides data access to the accounts table. Each account
// is owned by exactly one media server; the (server_id, external_ref)
// unique key keeps re-provisioning idempotent per server.
type AccountRepo struct {
	DB *sql.DB
}

// NewAccountRepo returns a new AccountRepo bound to the provided database.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{DB: db} }

// Create inserts an account row, typically right after the external
// server confirmed creation. The entitlement snapshot columns
// (library_access, raw_policy) cache what was applied at provisioning
// time.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO accounts (server_id, identity_id, external_ref, username, email, library_access, raw_policy, expires)
		 VALUES (?,?,?,?,?,?,?,?)`,
		a.ServerID, a.IdentityID, a.ExternalRef, a.Username, a.Email, a.LibraryAccess, a.RawPolicy, a.Expires)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = uint64(id)
	return nil
}

// GetByID fetches an account by primary key.
func (r *AccountRepo) GetByID(ctx context.Context, id uint64) (model.Account, error) {
	var a model.Account
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, server_id, identity_id, external_ref, username, email, library_access, raw_policy, expires, created_at
		 FROM accounts WHERE id = ? LIMIT 1`,
		id).Scan(&a.ID, &a.ServerID, &a.IdentityID, &a.ExternalRef, &a.Username, &a.Email, &a.LibraryAccess, &a.RawPolicy, &a.Expires, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// FindByServerUser looks an account up by its owning server and the
// external reference the media server knows it by. Used by the
// ingestion path to cross-link sessions.
func (r *AccountRepo) FindByServerUser(ctx context.Context, serverID uint64, externalRef string) (model.Account, error) {
	var a model.Account
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, server_id, identity_id, external_ref, username, email, library_access, raw_policy, expires, created_at
		 FROM accounts WHERE server_id = ? AND external_ref = ? LIMIT 1`,
		serverID, externalRef).Scan(&a.ID, &a.ServerID, &a.IdentityID, &a.ExternalRef, &a.Username, &a.Email, &a.LibraryAccess, &a.RawPolicy, &a.Expires, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// ListByIdentity returns all accounts attached to one identity.
func (r *AccountRepo) ListByIdentity(ctx context.Context, identityID uint64) ([]model.Account, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, server_id, identity_id, external_ref, username, email, library_access, raw_policy, expires, created_at
		 FROM accounts WHERE identity_id = ? ORDER BY server_id`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.ServerID, &a.IdentityID, &a.ExternalRef, &a.Username, &a.Email, &a.LibraryAccess, &a.RawPolicy, &a.Expires, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttachIdentity binds an account to an identity.
func (r *AccountRepo) AttachIdentity(ctx context.Context, accountID, identityID uint64) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE accounts SET identity_id = ? WHERE id = ?`, identityID, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DetachIdentity clears the identity reference on an account.
func (r *AccountRepo) DetachIdentity(ctx context.Context, accountID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE accounts SET identity_id = NULL WHERE id = ?`, accountID)
	return err
}
