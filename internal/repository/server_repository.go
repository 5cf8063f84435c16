package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/inviterr/inviterr/internal/model"
)

// ServerRepo provides data access to the media_servers registry.
type ServerRepo struct {
	DB *sql.DB
}

// NewServerRepo returns a new ServerRepo bound to the provided database.
func NewServerRepo(db *sql.DB) *ServerRepo { return &ServerRepo{DB: db} }

// Create registers a media server.
func (r *ServerRepo) Create(ctx context.Context, s *model.MediaServer) error {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO media_servers (name, kind, base_url, api_token, enabled) VALUES (?,?,?,?,?)`,
		s.Name, s.Kind, s.BaseURL, s.APIToken, s.Enabled)
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
	s.ID = uint64(id)
	return nil
}

// GetByID fetches one server.
func (r *ServerRepo) GetByID(ctx context.Context, id uint64) (model.MediaServer, error) {
	var s model.MediaServer
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, name, kind, base_url, api_token, enabled, created_at FROM media_servers WHERE id = ? LIMIT 1`,
		id).Scan(&s.ID, &s.Name, &s.Kind, &s.BaseURL, &s.APIToken, &s.Enabled, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// List returns all registered servers.
func (r *ServerRepo) List(ctx context.Context) ([]model.MediaServer, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, kind, base_url, api_token, enabled, created_at FROM media_servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MediaServer
	for rows.Next() {
		var s model.MediaServer
		if err := rows.Scan(&s.ID, &s.Name, &s.Kind, &s.BaseURL, &s.APIToken, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetEnabled toggles whether the server accepts provisioning.
func (r *ServerRepo) SetEnabled(ctx context.Context, id uint64, enabled bool) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE media_servers SET enabled = ? WHERE id = ?`, enabled, id)
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
