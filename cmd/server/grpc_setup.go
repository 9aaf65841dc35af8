//go:build grpc

package main

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/config"
	"github.com/notehub/collabcore/internal/editsession"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/rpcapi"
	"github.com/notehub/collabcore/internal/vectorindex"
)

var grpcServerInstance *grpc.Server

// startGRPCServer registers the json-coded NoteRPCService behind its
// unary and streaming interceptor chains and starts serving.
func startGRPCServer(
	repo *notesrepo.Repository,
	index *vectorindex.Registry,
	embed embedding.Func,
	hub *editsession.Hub,
	gate *auth.Gate,
	quotaEngine *quota.Engine,
	overrides func(tenantID string) quota.Config,
	cfg config.Config,
) {
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen for gRPC")
	}

	grpcServerInstance = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			rpcapi.RecoveryInterceptor(),
			rpcapi.CorrelationIDInterceptor(),
			rpcapi.AuthInterceptor(gate),
			rpcapi.QuotaInterceptor(quotaEngine, overrides),
			rpcapi.LoggingInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			rpcapi.StreamAuthInterceptor(gate, quotaEngine, overrides),
		),
	)

	svc := &rpcapi.Service{Repo: repo, Index: index, Embed: embed, Hub: hub, Quota: quotaEngine, Overrides: overrides}
	rpcapi.RegisterNoteRPCServiceServer(grpcServerInstance, svc)

	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("starting gRPC server")
		if err := grpcServerInstance.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()
}

// stopGRPCServer gracefully stops the gRPC server.
func stopGRPCServer() {
	if grpcServerInstance != nil {
		grpcServerInstance.GracefulStop()
		log.Info().Msg("gRPC server stopped")
	}
}
