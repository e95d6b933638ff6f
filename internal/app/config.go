package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Presence policy: when true, the offline broadcast fires only when the
	// departing connection was the user's last one. When false, every
	// disconnect broadcasts offline (legacy behavior).
	PresenceOfflineOnLastOnly bool

	// Typing state expires after this duration with no renewal.
	TypingTTL time.Duration

	// Dev-only static token map ("token=user:nickname,..."); used when no
	// database is configured.
	AuthStaticTokens string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("ARCADIA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("ARCADIA_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("ARCADIA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ARCADIA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ARCADIA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ARCADIA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ARCADIA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("ARCADIA_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ARCADIA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ARCADIA_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("ARCADIA_READINESS_REQUIRE_DB", false),

		PresenceOfflineOnLastOnly: EnvBool("ARCADIA_PRESENCE_OFFLINE_ON_LAST_ONLY", true),
		TypingTTL:                 EnvDuration("ARCADIA_TYPING_TTL", 10*time.Second),

		AuthStaticTokens: EnvString("ARCADIA_AUTH_STATIC_TOKENS", ""),
	}
}
