package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string

	// Supabase PostgREST data store
	SupabaseURL string
	SupabaseKey string

	// Direct Postgres DSN for the recompute fast path (optional)
	DatabaseURL string

	// Farcaster QuickAuth
	QuickAuthIssuer string
	CanonicalHost   string

	// Neynar reputation provider
	NeynarAPIKey  string
	NeynarBaseURL string

	// Admission gate: creation requires score strictly greater than this
	MinNeynarScore float64

	// Static operator override for approval rights; bypasses the account
	// store entirely when non-empty
	AdminFIDs []string

	// FIDs exempt from the follower-count requirement of the auto-admin grant
	TrustedFIDs          []string
	AutoAdminMinFollower int

	// Points awards
	PointsInitial int
	PointsEdit    int
	PointsReview  int
	PointsLike    int

	// Profile cache
	RedisURL     string
	UserCacheTTL time.Duration

	// Search
	MeiliURL       string
	MeiliMasterKey string

	// Outbound HTTP
	UpstreamTimeout time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
}

func Load() Config {
	return Config{
		Addr:       getenv("API_ADDR", ":8787"),
		CORSOrigin: getenv("FARPEDIA_CORS_ORIGIN", "*"),

		SupabaseURL: getenv("SUPABASE_URL", ""),
		SupabaseKey: getenv("SUPABASE_SERVICE_ROLE_KEY", ""),
		DatabaseURL: getenv("DATABASE_URL", ""),

		QuickAuthIssuer: getenv("QUICKAUTH_ISSUER", "https://auth.farcaster.xyz"),
		CanonicalHost:   getenv("FARPEDIA_CANONICAL_HOST", "localhost:3000"),

		NeynarAPIKey:  getenv("NEYNAR_API_KEY", ""),
		NeynarBaseURL: getenv("NEYNAR_API_URL", "https://api.neynar.com"),

		MinNeynarScore: getenvFloat("NEYNAR_MIN_SCORE", 0.5),

		AdminFIDs:            splitList(getenv("ADMIN_FIDS", os.Getenv("ADMIN_FID"))),
		TrustedFIDs:          splitList(getenv("TRUSTED_FIDS", "")),
		AutoAdminMinFollower: getenvInt("AUTO_ADMIN_MIN_FOLLOWERS", 100000),

		PointsInitial: getenvInt("POINTS_INITIAL", 50),
		PointsEdit:    getenvInt("POINTS_EDIT", 10),
		PointsReview:  getenvInt("POINTS_REVIEW", 5),
		PointsLike:    getenvInt("POINTS_LIKE", 1),

		RedisURL:     getenv("REDIS_URL", ""),
		UserCacheTTL: time.Duration(getenvInt("USER_CACHE_TTL_SECONDS", 60)) * time.Second,

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		UpstreamTimeout: time.Duration(getenvInt("UPSTREAM_TIMEOUT_SECONDS", 10)) * time.Second,
		RetryAttempts:   getenvInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:  time.Duration(getenvInt("RETRY_BASE_DELAY_MS", 200)) * time.Millisecond,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
