package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/config"
	"github.com/notehub/collabcore/internal/db"
	"github.com/notehub/collabcore/internal/editsession"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/httpapi"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/usage"
	"github.com/notehub/collabcore/internal/vectorindex"
	"github.com/notehub/collabcore/internal/wsapi"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "collabcore").Logger()

	cfg := config.Load()
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	ctx := context.Background()

	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	apiKeys := httpapi.NewAPIKeyStore(pool)
	gate := auth.NewGate(apiKeys, auth.JWTCfg{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, cfg.APIKeyPrefix)
	quotaEngine := quota.NewEngine(rdb, quota.Config{
		DefaultReqCapacity:  cfg.DefaultReqCap,
		DefaultReqWindow:    cfg.DefaultReqWin,
		DefaultByteCapacity: cfg.DefaultByteCap,
		DefaultByteWindow:   cfg.DefaultByteWin,
	})

	index := vectorindex.NewRegistry(vectorindex.Config{SnapshotDir: cfg.SnapshotDir, Dimension: cfg.EmbeddingDim})
	embed := embedding.Default(cfg.EmbeddingDim)
	repo := notesrepo.New(pool)
	usageEmitter := usage.NewEmitter(ctx, usage.NewPgSink(pool), 1024)

	hub := editsession.NewHub(repo, rdb, func(tenantID string) editsession.Indexer {
		return index.ForTenant(tenantID)
	}, embed)

	tenantOverride := func(tenantID string) quota.Config {
		tenant, err := apiKeys.ResolveTenant(ctx, tenantID)
		if err != nil || tenant == nil {
			return quota.Config{}
		}
		return quota.Config{
			DefaultReqCapacity:  tenant.ReqCap,
			DefaultReqWindow:    tenant.ReqWindow,
			DefaultByteCapacity: tenant.ByteCap,
			DefaultByteWindow:   tenant.ByteWindow,
		}
	}

	streamServer := &wsapi.Server{
		Hub:       hub,
		Gate:      gate,
		Quota:     quotaEngine,
		Usage:     usageEmitter,
		Overrides: tenantOverride,
	}

	httpServer := &httpapi.Server{
		Repo:    repo,
		Gate:    gate,
		Quota:   quotaEngine,
		Index:   index,
		Embed:   embed,
		Usage:   usageEmitter,
		APIKeys: apiKeys,
		Stream:  streamServer.HandleStream,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpServer.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC server is started in grpc_setup.go when building with -tags grpc.
	startGRPCServer(repo, index, embed, hub, gate, quotaEngine, tenantOverride, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stopGRPCServer()

	log.Info().Msg("server stopped")
}

// redisAddr strips a redis:// scheme down to the host:port go-redis's
// basic Options.Addr expects; the teacher's deployments never needed
// TLS or ACL credentials embedded in the URL.
func redisAddr(rawURL string) string {
	const schemePrefix = "redis://"
	addr := rawURL
	if len(addr) > len(schemePrefix) && addr[:len(schemePrefix)] == schemePrefix {
		addr = addr[len(schemePrefix):]
	}
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}
