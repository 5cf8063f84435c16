package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL for every table the engine owns.  Statements use
// CREATE TABLE IF NOT EXISTS so that bootstrap is idempotent.  The
// unique keys on invitation_servers (invite_id, server_id),
// activity_sessions (server_id, session_id) and tier_entitlements
// (tier_id, resource_type, resource_id) are load-bearing: redemption
// races, ingestion dedup and grant identity all rely on them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		email VARCHAR(255) NOT NULL,
		password_hash VARCHAR(100) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'ADMIN',
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_users_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		user_id BIGINT UNSIGNED NOT NULL,
		token_hash CHAR(64) NOT NULL,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_refresh_tokens_hash (token_hash),
		CONSTRAINT fk_refresh_tokens_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS media_servers (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		name VARCHAR(100) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		base_url VARCHAR(512) NOT NULL,
		api_token VARCHAR(512) NOT NULL,
		enabled TINYINT(1) NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_media_servers_name (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS subscription_tiers (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		name VARCHAR(100) NOT NULL,
		description VARCHAR(500) NOT NULL DEFAULT '',
		tier_level INT NOT NULL,
		parent_tier_id BIGINT UNSIGNED NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_tiers_name (name),
		UNIQUE KEY uq_tiers_level (tier_level),
		CONSTRAINT fk_tiers_parent FOREIGN KEY (parent_tier_id) REFERENCES subscription_tiers (id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS tier_entitlements (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		tier_id BIGINT UNSIGNED NOT NULL,
		resource_type VARCHAR(64) NOT NULL,
		resource_id VARCHAR(190) NOT NULL,
		is_tier_exclusive TINYINT(1) NOT NULL DEFAULT 0,
		PRIMARY KEY (id),
		UNIQUE KEY uq_entitlements_grant (tier_id, resource_type, resource_id),
		CONSTRAINT fk_entitlements_tier FOREIGN KEY (tier_id) REFERENCES subscription_tiers (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS identities (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		public_id CHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_identities_public_id (public_id),
		UNIQUE KEY uq_identities_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		server_id BIGINT UNSIGNED NOT NULL,
		identity_id BIGINT UNSIGNED NULL,
		external_ref VARCHAR(190) NOT NULL,
		username VARCHAR(255) NOT NULL,
		email VARCHAR(255) NULL,
		library_access TEXT NULL,
		raw_policy TEXT NULL,
		expires DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_accounts_server_ref (server_id, external_ref),
		KEY idx_accounts_identity (identity_id),
		CONSTRAINT fk_accounts_server FOREIGN KEY (server_id) REFERENCES media_servers (id),
		CONSTRAINT fk_accounts_identity FOREIGN KEY (identity_id) REFERENCES identities (id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS user_subscriptions (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		identity_id BIGINT UNSIGNED NOT NULL,
		tier_id BIGINT UNSIGNED NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		external_ref VARCHAR(190) NULL,
		active_from DATETIME NOT NULL,
		active_until DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_subscriptions_identity (identity_id, status),
		CONSTRAINT fk_subscriptions_identity FOREIGN KEY (identity_id) REFERENCES identities (id) ON DELETE CASCADE,
		CONSTRAINT fk_subscriptions_tier FOREIGN KEY (tier_id) REFERENCES subscription_tiers (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS invitations (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		code VARCHAR(64) NOT NULL,
		tier_id BIGINT UNSIGNED NULL,
		unlimited TINYINT(1) NOT NULL DEFAULT 0,
		used TINYINT(1) NOT NULL DEFAULT 0,
		expires DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_invitations_code (code),
		CONSTRAINT fk_invitations_tier FOREIGN KEY (tier_id) REFERENCES subscription_tiers (id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS invitation_servers (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		invite_id BIGINT UNSIGNED NOT NULL,
		server_id BIGINT UNSIGNED NOT NULL,
		used TINYINT(1) NOT NULL DEFAULT 0,
		used_at DATETIME NULL,
		expires DATETIME NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_invitation_servers_link (invite_id, server_id),
		CONSTRAINT fk_invitation_servers_invite FOREIGN KEY (invite_id) REFERENCES invitations (id) ON DELETE CASCADE,
		CONSTRAINT fk_invitation_servers_server FOREIGN KEY (server_id) REFERENCES media_servers (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS invitation_users (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		invite_id BIGINT UNSIGNED NOT NULL,
		server_id BIGINT UNSIGNED NOT NULL,
		account_id BIGINT UNSIGNED NULL,
		username VARCHAR(255) NOT NULL,
		failed TINYINT(1) NOT NULL DEFAULT 0,
		used_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_invitation_users_invite (invite_id),
		CONSTRAINT fk_invitation_users_invite FOREIGN KEY (invite_id) REFERENCES invitations (id),
		CONSTRAINT fk_invitation_users_account FOREIGN KEY (account_id) REFERENCES accounts (id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS activity_sessions (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		server_id BIGINT UNSIGNED NOT NULL,
		session_id VARCHAR(190) NOT NULL,
		account_id BIGINT UNSIGNED NULL,
		identity_id BIGINT UNSIGNED NULL,
		media_title VARCHAR(500) NOT NULL DEFAULT '',
		media_type VARCHAR(32) NOT NULL DEFAULT '',
		active TINYINT(1) NOT NULL DEFAULT 1,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NULL,
		final_position_ms BIGINT NULL,
		progress_percent DOUBLE NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_sessions_server_session (server_id, session_id),
		KEY idx_sessions_identity (identity_id),
		CONSTRAINT fk_sessions_server FOREIGN KEY (server_id) REFERENCES media_servers (id),
		CONSTRAINT fk_sessions_account FOREIGN KEY (account_id) REFERENCES accounts (id) ON DELETE SET NULL,
		CONSTRAINT fk_sessions_identity FOREIGN KEY (identity_id) REFERENCES identities (id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS activity_snapshots (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		session_pk BIGINT UNSIGNED NOT NULL,
		state VARCHAR(32) NOT NULL,
		position_ms BIGINT NOT NULL DEFAULT 0,
		ts DATETIME(3) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_snapshots_session_ts (session_pk, ts),
		CONSTRAINT fk_snapshots_session FOREIGN KEY (session_pk) REFERENCES activity_sessions (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS import_jobs (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		public_id CHAR(36) NOT NULL,
		server_id BIGINT UNSIGNED NOT NULL,
		window_from DATETIME NOT NULL,
		window_to DATETIME NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'queued',
		total_fetched BIGINT NOT NULL DEFAULT 0,
		total_processed BIGINT NOT NULL DEFAULT 0,
		total_stored BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME NULL,
		finished_at DATETIME NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_import_jobs_public_id (public_id),
		CONSTRAINT fk_import_jobs_server FOREIGN KEY (server_id) REFERENCES media_servers (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate applies the schema statements in order.  It is safe to call
// on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
