// Package config loads application configuration from environment
// variables. Required variables are enforced at startup; tunables fall
// back to sensible defaults.
package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all runtime configuration values. Each field corresponds
// to an environment variable.
type Config struct {
	Env       string // application environment (dev/test/prod)
	Port      string // HTTP port to listen on
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to sign JWTs

	AccessTTLMin   int // access token time-to-live in minutes
	RefreshTTLDays int // refresh token time-to-live in days
	BcryptCost     int // bcrypt cost for password hashing

	RabbitURL string // AMQP broker URL (empty disables eventing)

	// RedeemExhaustPolicy decides when a limited invitation flips to
	// used: "all" (every link redeemed) or "any" (first success).
	RedeemExhaustPolicy string

	// ProvisionPerServer caps concurrent account-creation calls per
	// media server; external servers are often rate limited.
	ProvisionPerServer int

	// ImportBatchSize is the page size for historical activity imports.
	ImportBatchSize int
}

// Load reads configuration from the environment. Missing required
// variables cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:       must("APP_ENV"),
		Port:      must("APP_PORT"),
		DBUser:    must("DB_USER"),
		DBPass:    os.Getenv("DB_PASS"),
		DBHost:    must("DB_HOST"),
		DBPort:    must("DB_PORT"),
		DBName:    must("DB_NAME"),
		JWTSecret: must("JWT_SECRET"),

		AccessTTLMin:   mustInt("ACCESS_TOKEN_TTL_MIN"),
		RefreshTTLDays: mustInt("REFRESH_TOKEN_TTL_DAYS"),
		BcryptCost:     mustInt("BCRYPT_COST"),

		RabbitURL: os.Getenv("RABBITMQ_URL"),

		RedeemExhaustPolicy: envStr("REDEEM_EXHAUST_POLICY", "all"),
		ProvisionPerServer:  envInt("PROVISION_PER_SERVER", 4),
		ImportBatchSize:     envInt("IMPORT_BATCH_SIZE", 200),
	}
}

// must retrieves a required environment variable or exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is must() with integer conversion.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}
