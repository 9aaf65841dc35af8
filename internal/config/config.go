// Package config loads the flat environment-variable configuration the
// core is deployed with (spec.md section 6, "Configuration").
package config

import (
	"os"
	"strconv"
	"time"
)

// Env reads an environment variable, falling back to def when unset or empty.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Config collects every ambient setting needed to wire the core's
// components. Individual packages accept their own narrower config
// struct; this is only the top-level env parse performed in cmd/server.
type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	DatabaseURL    string
	RedisURL       string
	SnapshotDir    string
	JWTSecret      string
	JWTIssuer      string
	APIKeyPrefix   string
	EmbeddingDim   int
	DefaultReqCap  int
	DefaultReqWin  time.Duration
	DefaultByteCap int
	DefaultByteWin time.Duration
	DevMode        bool
	DBMaxConns     int32
	DBMinConns     int32
}

// Load reads Config from the process environment, applying the same
// defaults the teacher's cmd/server/main.go applies for its own settings.
func Load() Config {
	return Config{
		HTTPAddr:       Env("HTTP_ADDR", ":8080"),
		GRPCAddr:       Env("GRPC_ADDR", ":8082"),
		DatabaseURL:    Env("DATABASE_URL", ""),
		RedisURL:       Env("REDIS_URL", "redis://localhost:6379/0"),
		SnapshotDir:    Env("SNAPSHOT_DIR", "./snapshots"),
		JWTSecret:      Env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		JWTIssuer:      Env("JWT_ISSUER", "collabcore"),
		APIKeyPrefix:   Env("API_KEY_PREFIX", "rk_"),
		EmbeddingDim:   EnvInt("EMBEDDING_DIM", 384),
		DefaultReqCap:  EnvInt("DEFAULT_REQUESTS_PER_MINUTE", 60),
		DefaultReqWin:  EnvDuration("DEFAULT_REQUESTS_WINDOW", time.Minute),
		DefaultByteCap: EnvInt("DEFAULT_BYTES_PER_MINUTE", 1024*1024),
		DefaultByteWin: EnvDuration("DEFAULT_BYTES_WINDOW", time.Minute),
		DevMode:        Env("ENV", "") == "dev",
		DBMaxConns:     int32(EnvInt("DB_MAX_CONNS", 20)),
		DBMinConns:     int32(EnvInt("DB_MIN_CONNS", 2)),
	}
}
