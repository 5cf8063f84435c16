package model

import "time"

// Identity represents one human across the whole server fleet.  It owns
// zero or more per-server accounts.  Deleting an identity detaches its
// accounts (identity_id is cleared); the accounts themselves survive.
//
// Fields:
//  ID        – primary key identifier.
//  PublicID  – stable UUID exposed over the API.
//  Name      – display name.
//  Email     – contact address, unique when set.
//  CreatedAt – creation timestamp.
type Identity struct {
	ID        uint64    // identities.id
	PublicID  string    // identities.public_id (uuid)
	Name      string    // identities.name
	Email     *string   // identities.email (nullable)
	CreatedAt time.Time // identities.created_at
}

// Account is a per-server user.  Exactly one server owns each account;
// the optional identity reference groups accounts that belong to the
// same human.  The entitlement columns cache what was resolved at
// provisioning time so that reconciliation against the external server
// does not require re-resolving the tier tree.
type Account struct {
	ID            uint64     // accounts.id
	ServerID      uint64     // accounts.server_id
	IdentityID    *uint64    // accounts.identity_id (nullable; cleared on identity delete)
	ExternalRef   string     // accounts.external_ref (id on the media server)
	Username      string     // accounts.username
	Email         *string    // accounts.email (nullable)
	LibraryAccess *string    // accounts.library_access (nullable CSV of library ids)
	RawPolicy     *string    // accounts.raw_policy (nullable JSON blob)
	Expires       *time.Time // accounts.expires (nullable)
	CreatedAt     time.Time  // accounts.created_at
}

// MediaServer is a registered external backend the engine provisions
// accounts on.  Only the capability contract in internal/mediaserver is
// assumed; Kind is informational.
type MediaServer struct {
	ID        uint64    // media_servers.id
	Name      string    // media_servers.name (unique)
	Kind      string    // media_servers.kind (e.g. plex, jellyfin, emby)
	BaseURL   string    // media_servers.base_url
	APIToken  string    // media_servers.api_token
	Enabled   bool      // media_servers.enabled
	CreatedAt time.Time // media_servers.created_at
}
