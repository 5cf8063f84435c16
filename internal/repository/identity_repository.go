package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/inviterr/inviterr/internal/model"
)

// IdentityRepo provides data access to the identities table. An
// identity groups per-server accounts that belong to the same human;
// removing an identity detaches its accounts instead of deleting them.
type IdentityRepo struct {
	DB *sql.DB
}

// NewIdentityRepo returns a new IdentityRepo bound to the provided database.
func NewIdentityRepo(db *sql.DB) *IdentityRepo { return &IdentityRepo{DB: db} }

// Create inserts an identity. A fresh public UUID is assigned when the
// caller has not set one.
func (r *IdentityRepo) Create(ctx context.Context, ident *model.Identity) error {
	if ident.PublicID == "" {
		ident.PublicID = uuid.NewString()
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO identities (public_id, name, email) VALUES (?,?,?)`,
		ident.PublicID, ident.Name, ident.Email)
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
	ident.ID = uint64(id)
	return nil
}

// GetByID fetches an identity by primary key.
func (r *IdentityRepo) GetByID(ctx context.Context, id uint64) (model.Identity, error) {
	var ident model.Identity
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, public_id, name, email, created_at FROM identities WHERE id = ? LIMIT 1`,
		id).Scan(&ident.ID, &ident.PublicID, &ident.Name, &ident.Email, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ident, ErrNotFound
	}
	return ident, err
}

// List returns all identities ordered by name.
func (r *IdentityRepo) List(ctx context.Context) ([]model.Identity, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, public_id, name, email, created_at FROM identities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Identity
	for rows.Next() {
		var ident model.Identity
		if err := rows.Scan(&ident.ID, &ident.PublicID, &ident.Name, &ident.Email, &ident.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// Delete removes an identity after detaching all of its accounts.
// Detach-then-delete runs in one transaction so a crash cannot leave
// accounts pointing at a missing identity. The accounts themselves are
// retained; only the grouping disappears.
func (r *IdentityRepo) Delete(ctx context.Context, id uint64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET identity_id = NULL WHERE identity_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
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

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
