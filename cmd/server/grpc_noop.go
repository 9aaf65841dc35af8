//go:build !grpc

package main

import (
	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/config"
	"github.com/notehub/collabcore/internal/editsession"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/vectorindex"
)

// startGRPCServer is a no-op when building without the grpc tag.
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
}

// stopGRPCServer is a no-op when building without the grpc tag.
func stopGRPCServer() {}
