package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/inviterr/inviterr/internal/model"
)

// TierRepo provides data access to subscription_tiers and
// tier_entitlements. The entitlement resolver never queries these
// tables row by row; it loads everything at once through LoadAll and
// works on the immutable snapshot it builds from the result.
type TierRepo struct {
	DB *sql.DB
}

// NewTierRepo returns a new TierRepo bound to the provided database.
func NewTierRepo(db *sql.DB) *TierRepo { return &TierRepo{DB: db} }

// Create inserts a tier. Name and tier_level are both unique; a clash
// on either yields ErrConflict.
func (r *TierRepo) Create(ctx context.Context, t *model.SubscriptionTier) error {
	if t.ParentTierID != nil {
		var one int
		err := r.DB.QueryRowContext(ctx,
			`SELECT 1 FROM subscription_tiers WHERE id = ? LIMIT 1`, *t.ParentTierID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO subscription_tiers (name, description, tier_level, parent_tier_id) VALUES (?,?,?,?)`,
		t.Name, t.Description, t.TierLevel, t.ParentTierID)
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
	t.ID = uint64(id)
	return nil
}

// Update modifies name and description of a tier. Levels and parents
// are immutable after creation; restructuring the tree is done by
// creating new tiers so that resolved snapshots stay coherent.
func (r *TierRepo) Update(ctx context.Context, id uint64, name, description string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE subscription_tiers SET name = ?, description = ? WHERE id = ?`,
		name, description, id)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
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

// Delete removes a tier. Tiers referenced by subscriptions or child
// tiers fail the foreign keys and surface as ErrConflict.
func (r *TierRepo) Delete(ctx context.Context, id uint64) error {
	var inUse int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_subscriptions WHERE tier_id = ?`, id).Scan(&inUse)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return ErrConflict
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscription_tiers WHERE id = ?`, id)
	if err != nil {
		if isForeignKey(err) { // child tiers still point at this one
			return ErrConflict
		}
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

// AddEntitlement grants a (resource_type, resource_id) capability to a
// tier. The unique key over the triple makes duplicate grants ErrConflict.
func (r *TierRepo) AddEntitlement(ctx context.Context, e *model.TierEntitlement) error {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO tier_entitlements (tier_id, resource_type, resource_id, is_tier_exclusive) VALUES (?,?,?,?)`,
		e.TierID, e.ResourceType, e.ResourceID, e.IsTierExclusive)
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
	e.ID = uint64(id)
	return nil
}

// RemoveEntitlement revokes a grant by id.
func (r *TierRepo) RemoveEntitlement(ctx context.Context, id uint64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tier_entitlements WHERE id = ?`, id)
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

// LoadAll returns every tier and every entitlement in two queries.
// This is the single read path of the entitlement resolver.
func (r *TierRepo) LoadAll(ctx context.Context) ([]model.SubscriptionTier, []model.TierEntitlement, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, description, tier_level, parent_tier_id, created_at FROM subscription_tiers ORDER BY tier_level`)
	if err != nil {
		return nil, nil, err
	}
	var tiers []model.SubscriptionTier
	for rows.Next() {
		var t model.SubscriptionTier
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.TierLevel, &t.ParentTierID, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		tiers = append(tiers, t)
	}
	if err := rows.Close(); err != nil {
		return nil, nil, err
	}

	erows, err := r.DB.QueryContext(ctx,
		`SELECT id, tier_id, resource_type, resource_id, is_tier_exclusive FROM tier_entitlements`)
	if err != nil {
		return nil, nil, err
	}
	defer erows.Close()
	var ents []model.TierEntitlement
	for erows.Next() {
		var e model.TierEntitlement
		if err := erows.Scan(&e.ID, &e.TierID, &e.ResourceType, &e.ResourceID, &e.IsTierExclusive); err != nil {
			return nil, nil, err
		}
		ents = append(ents, e)
	}
	return tiers, ents, erows.Err()
}
