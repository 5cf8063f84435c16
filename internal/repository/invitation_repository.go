package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/inviterr/inviterr/internal/model"
)

// InvitationRepo provides data access to the invitations,
// invitation_servers and invitation_users tables. All timestamps are
// UTC; callers must not pass local times. The per-link claim/release
// methods implement the conditional-update discipline the redemption
// state machine relies on: no row-level lock is ever held across
// servers, only the single UPDATE on one link row.
type InvitationRepo struct {
	DB *sql.DB
}

// NewInvitationRepo returns a new InvitationRepo bound to the provided database.
func NewInvitationRepo(db *sql.DB) *InvitationRepo { return &InvitationRepo{DB: db} }

// isDuplicate reports whether err is a MySQL duplicate-key error (1062).
func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "1062")
}

// isForeignKey reports whether err is a MySQL foreign-key violation
// (1451 row still referenced, 1452 referenced row missing).
func isForeignKey(err error) bool {
	return err != nil &&
		(strings.Contains(err.Error(), "1451") || strings.Contains(err.Error(), "1452"))
}

// Create inserts an invitation together with one link row per target
// server, all inside a single transaction. linkExpires carries an
// optional per-server expiry keyed by server id; servers without an
// entry inherit no link-level expiry.
func (r *InvitationRepo) Create(ctx context.Context, inv *model.Invitation, serverIDs []uint64, linkExpires map[uint64]*time.Time) error {
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

	res, err := tx.ExecContext(ctx,
		`INSERT INTO invitations (code, tier_id, unlimited, expires) VALUES (?,?,?,?)`,
		inv.Code, inv.TierID, inv.Unlimited, inv.Expires)
	if err != nil {
		if isDuplicate(err) {
			return ErrCodeExists
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	inv.ID = uint64(id)

	for _, sid := range serverIDs {
		var exp *time.Time
		if linkExpires != nil {
			exp = linkExpires[sid]
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO invitation_servers (invite_id, server_id, expires) VALUES (?,?,?)`,
			inv.ID, sid, exp); err != nil {
			if isDuplicate(err) {
				return ErrConflict
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetByCode loads an invitation and all of its server links.
func (r *InvitationRepo) GetByCode(ctx context.Context, code string) (model.Invitation, error) {
	var inv model.Invitation
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, code, tier_id, unlimited, used, expires, created_at FROM invitations WHERE code = ? LIMIT 1`,
		code).Scan(&inv.ID, &inv.Code, &inv.TierID, &inv.Unlimited, &inv.Used, &inv.Expires, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inv, ErrNotFound
		}
		return inv, err
	}
	inv.Links, err = r.linksByInvite(ctx, inv.ID)
	return inv, err
}

func (r *InvitationRepo) linksByInvite(ctx context.Context, inviteID uint64) ([]model.InvitationServerLink, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, invite_id, server_id, used, used_at, expires FROM invitation_servers WHERE invite_id = ? ORDER BY server_id`,
		inviteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []model.InvitationServerLink
	for rows.Next() {
		var l model.InvitationServerLink
		if err := rows.Scan(&l.ID, &l.InviteID, &l.ServerID, &l.Used, &l.UsedAt, &l.Expires); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ClaimLink transitions one (invitation, server) link from unused to
// used. The WHERE used = 0 guard makes the transition a compare-and-set:
// under N concurrent callers exactly one UPDATE reports an affected row
// and everybody else gets ErrServerAlreadyUsed. ErrNotFound is returned
// when no link exists for the pair at all.
func (r *InvitationRepo) ClaimLink(ctx context.Context, inviteID, serverID uint64, now time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE invitation_servers SET used = 1, used_at = ? WHERE invite_id = ? AND server_id = ? AND used = 0`,
		now.UTC(), inviteID, serverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// No row flipped: either the link is already used or it does not exist.
	var exists bool
	err = r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM invitation_servers WHERE invite_id = ? AND server_id = ? LIMIT 1`,
		inviteID, serverID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrServerAlreadyUsed
}

// ReleaseLink rolls a claimed link back to unused so a later redemption
// can retry. It is called when provisioning fails after the claim won.
// Releasing an already-unused link is a no-op.
func (r *InvitationRepo) ReleaseLink(ctx context.Context, inviteID, serverID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE invitation_servers SET used = 0, used_at = NULL WHERE invite_id = ? AND server_id = ? AND used = 1`,
		inviteID, serverID)
	return err
}

// AllLinksUsed reports whether every link of the invitation has been
// redeemed.
func (r *InvitationRepo) AllLinksUsed(ctx context.Context, inviteID uint64) (bool, error) {
	var remaining int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invitation_servers WHERE invite_id = ? AND used = 0`,
		inviteID).Scan(&remaining)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// MarkUsed flips the aggregate used flag. Unlimited invitations are
// excluded in the WHERE clause so they intentionally never exhaust.
func (r *InvitationRepo) MarkUsed(ctx context.Context, inviteID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE invitations SET used = 1 WHERE id = ? AND unlimited = 0`,
		inviteID)
	return err
}

// InsertUserLink appends an audit row recording a redemption attempt at
// one server. The row is written before provisioning starts; its
// account_id and failed columns are filled in afterwards.
func (r *InvitationRepo) InsertUserLink(ctx context.Context, link *model.InvitationUserLink) error {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO invitation_users (invite_id, server_id, username, used_at) VALUES (?,?,?,?)`,
		link.InviteID, link.ServerID, link.Username, link.UsedAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	link.ID = uint64(id)
	return nil
}

// CompleteUserLink attaches the provisioned account to the audit row.
func (r *InvitationRepo) CompleteUserLink(ctx context.Context, linkID, accountID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE invitation_users SET account_id = ? WHERE id = ?`,
		accountID, linkID)
	return err
}

// FailUserLink marks the audit row failed. The row is never deleted;
// provisioning failure must remain diagnosable.
func (r *InvitationRepo) FailUserLink(ctx context.Context, linkID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE invitation_users SET failed = 1 WHERE id = ?`,
		linkID)
	return err
}

// List returns all invitations, newest first, with links attached.
func (r *InvitationRepo) List(ctx context.Context) ([]model.Invitation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, code, tier_id, unlimited, used, expires, created_at FROM invitations ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Invitation
	for rows.Next() {
		var inv model.Invitation
		if err := rows.Scan(&inv.ID, &inv.Code, &inv.TierID, &inv.Unlimited, &inv.Used, &inv.Expires, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Links, err = r.linksByInvite(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UserLinksByInvite returns the audit trail of an invitation.
func (r *InvitationRepo) UserLinksByInvite(ctx context.Context, inviteID uint64) ([]model.InvitationUserLink, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, invite_id, server_id, account_id, username, failed, used_at FROM invitation_users WHERE invite_id = ? ORDER BY used_at`,
		inviteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.InvitationUserLink
	for rows.Next() {
		var l model.InvitationUserLink
		if err := rows.Scan(&l.ID, &l.InviteID, &l.ServerID, &l.AccountID, &l.Username, &l.Failed, &l.UsedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
