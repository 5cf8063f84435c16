package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/inviterr/inviterr/internal/model"
)

// SubscriptionRepo provides data access to user_subscriptions. Rows
// arrive from the payment collaborator already validated; this layer
// only enforces the one-active-subscription-per-identity rule.
type SubscriptionRepo struct {
	DB *sql.DB
}

// NewSubscriptionRepo returns a new SubscriptionRepo bound to the provided database.
func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo { return &SubscriptionRepo{DB: db} }

// Upsert records a new subscription for an identity. Any prior active
// subscriptions of the same identity are cancelled in the same
// transaction, so exactly one row can be active per identity at a time.
func (r *SubscriptionRepo) Upsert(ctx context.Context, s *model.UserSubscription) error {
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
		`UPDATE user_subscriptions SET status = ? WHERE identity_id = ? AND status = ?`,
		model.SubscriptionCancelled, s.IdentityID, model.SubscriptionActive); err != nil {
		return err
	}
	if s.Status == "" {
		s.Status = model.SubscriptionActive
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_subscriptions (identity_id, tier_id, status, external_ref, active_from, active_until)
		 VALUES (?,?,?,?,?,?)`,
		s.IdentityID, s.TierID, s.Status, s.ExternalRef, s.ActiveFrom.UTC(), s.ActiveUntil)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ActiveForIdentity returns the subscription honored for an identity at
// the given instant: status active and now inside [active_from,
// active_until). ErrNotFound when none qualifies.
func (r *SubscriptionRepo) ActiveForIdentity(ctx context.Context, identityID uint64, now time.Time) (model.UserSubscription, error) {
	var s model.UserSubscription
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, identity_id, tier_id, status, external_ref, active_from, active_until, created_at
		 FROM user_subscriptions
		 WHERE identity_id = ? AND status = ? AND active_from <= ? AND (active_until IS NULL OR active_until > ?)
		 ORDER BY active_from DESC LIMIT 1`,
		identityID, model.SubscriptionActive, now.UTC(), now.UTC()).
		Scan(&s.ID, &s.IdentityID, &s.TierID, &s.Status, &s.ExternalRef, &s.ActiveFrom, &s.ActiveUntil, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// Cancel marks one subscription cancelled.
func (r *SubscriptionRepo) Cancel(ctx context.Context, id uint64) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE user_subscriptions SET status = ? WHERE id = ?`,
		model.SubscriptionCancelled, id)
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

// ListByIdentity returns all subscriptions of an identity, optionally
// including inactive ones.
func (r *SubscriptionRepo) ListByIdentity(ctx context.Context, identityID uint64, includeInactive bool) ([]model.UserSubscription, error) {
	q := `SELECT id, identity_id, tier_id, status, external_ref, active_from, active_until, created_at
	      FROM user_subscriptions WHERE identity_id = ?`
	args := []interface{}{identityID}
	if !includeInactive {
		q += ` AND status = ?`
		args = append(args, model.SubscriptionActive)
	}
	q += ` ORDER BY active_from DESC`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UserSubscription
	for rows.Next() {
		var s model.UserSubscription
		if err := rows.Scan(&s.ID, &s.IdentityID, &s.TierID, &s.Status, &s.ExternalRef, &s.ActiveFrom, &s.ActiveUntil, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
