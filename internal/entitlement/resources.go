package entitlement

// Resource types stored in tier_entitlements.resource_type. The column
// is free-form text so new types can be introduced without a migration;
// these are the ones the provisioning profile builder understands.
const (
	ResourceLibrary      = "library"       // resource_id = external library id
	ResourceFeature      = "feature"       // resource_id = a feature name below
	ResourceSessionLimit = "session_limit" // resource_id = decimal cap
)

// Feature names usable as resource_id under ResourceFeature.
const (
	FeatureDownloads = "downloads"
	FeatureLiveTV    = "live_tv"
	FeatureUploads   = "uploads"
)
