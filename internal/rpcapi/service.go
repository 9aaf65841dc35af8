//go:build grpc

// Package rpcapi is the RPC surface adapter (spec section 4.G): a
// hand-written google.golang.org/grpc service exposing Get, Search, and
// a bidi-streaming Edit that mirrors the streaming edit surface, encoded
// with the package's json codec instead of protoc-generated messages
// (this environment never invokes protoc).
package rpcapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/editsession"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/vectorindex"
)

// GetRequest/NoteMessage/SearchRequest/SearchResponse are the json-coded
// message shapes; see the package doc comment for why there are no
// protoc-generated equivalents.
type GetRequest struct {
	NoteID string `json:"note_id"`
}

type NoteMessage struct {
	NoteID    string `json:"note_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type SearchResultMessage struct {
	NoteID     string  `json:"note_id"`
	Similarity float64 `json:"similarity"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchResultMessage `json:"results"`
}

// EditFrame is both the client->server and server->client envelope for
// the Edit stream: "open" (client) / "init" (server) / "patch" (client) /
// "update" (server) / "error" (server).
type EditFrame struct {
	Type           string  `json:"type"`
	NoteID         string  `json:"note_id,omitempty"`
	Version        int     `json:"version,omitempty"`
	Title          *string `json:"title,omitempty"`
	Body           *string `json:"body,omitempty"`
	Code           string  `json:"code,omitempty"`
	CurrentVersion int     `json:"current_version,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// Service implements the three RPCs against the same core components the
// REST and streaming surfaces use; it carries no business logic of its
// own beyond request/response shaping.
type Service struct {
	Repo  *notesrepo.Repository
	Index *vectorindex.Registry
	Embed embedding.Func
	Hub   *editsession.Hub

	// Quota/Overrides back Edit's per-patch-frame revalidation (spec
	// section 4.E.2); StreamAuthInterceptor already covers admission, so
	// these are nil-safe for callers (e.g. Get/Search-only tests) that
	// never exercise Edit.
	Quota     Quota
	Overrides func(tenantID string) quota.Config
}

func (s *Service) Get(ctx context.Context, req *GetRequest) (*NoteMessage, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing tenant context")
	}
	note, err := s.Repo.Get(ctx, tenant.ID, req.NoteID)
	if errors.Is(err, notesrepo.ErrNotFound) {
		return nil, status.Error(codes.NotFound, "note not found")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to load note")
	}
	return toNoteMessage(note), nil
}

func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing tenant context")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > 100 {
		topK = 100
	}

	vec := s.Embed(req.Query)
	matches, err := s.Index.ForTenant(tenant.ID).Search(vec, topK)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "embedding dimension mismatch")
	}

	out := make([]SearchResultMessage, 0, len(matches))
	for _, m := range matches {
		note, err := s.Repo.Get(ctx, tenant.ID, m.NoteID)
		if err != nil {
			continue
		}
		out = append(out, SearchResultMessage{NoteID: note.ID, Similarity: m.Similarity, Title: note.Title, Snippet: note.Body})
	}
	return &SearchResponse{Results: out}, nil
}

// Edit implements the bidi-streaming RPC: the first client frame must be
// {type:"open", note_id}; every subsequent frame is {type:"patch", ...}.
// Mirrors internal/wsapi's accept/read/write-loop split (spec section 4.E).
func (s *Service) Edit(stream NoteRPCService_EditServer) error {
	ctx := stream.Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing tenant context")
	}
	principal, _ := auth.PrincipalFromContext(ctx)
	if err := auth.RequireRole(principal, auth.RoleEditor); err != nil {
		return status.Error(codes.PermissionDenied, "editor role required")
	}

	var open EditFrame
	if err := stream.RecvMsg(&open); err != nil {
		return err
	}
	if open.Type != "open" || open.NoteID == "" {
		return status.Error(codes.InvalidArgument, "first frame must be {type:\"open\", note_id}")
	}

	sess, note, err := s.Hub.Open(ctx, uuid.NewString(), tenant.ID, open.NoteID)
	if err != nil {
		return status.Error(codes.NotFound, "note not found")
	}
	defer s.Hub.Close(sess, editsession.ClosePeer)

	if err := stream.SendMsg(&EditFrame{Type: "init", NoteID: note.ID, Title: note.Title, Body: note.Body, Version: note.Version}); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case code := <-sess.Closed():
				done <- status.Error(codes.Aborted, "session closed: "+closeCodeString(code))
				return
			case frame := <-sess.Outbound():
				if err := sendOutbound(stream, frame); err != nil {
					done <- err
					return
				}
			}
		}
	}()

	for {
		var in EditFrame
		if err := stream.RecvMsg(&in); err != nil {
			return err
		}
		if in.Type != "patch" {
			continue
		}

		// Spec section 4.E.2: every patch frame revalidates role and
		// quota, charging the bytes bucket by the frame's byte length.
		if err := auth.RequireRole(principal, auth.RoleEditor); err != nil {
			s.Hub.Close(sess, editsession.CloseForbidden)
			return status.Error(codes.PermissionDenied, "editor role required")
		}
		if s.Quota != nil {
			decision, qerr := s.Quota.TryConsume(ctx, tenant.ID, quota.SurfaceStream, patchByteSize(in), s.overrides(tenant.ID))
			if qerr != nil || !decision.Allowed {
				s.Hub.Close(sess, editsession.CloseRateLimit)
				return status.Error(codes.ResourceExhausted, "rate limit exceeded")
			}
		}

		s.Hub.ApplyPatch(ctx, sess, editsession.PatchRequest{ExpectedVersion: in.Version, Title: in.Title, Body: in.Body})

		select {
		case err := <-done:
			return err
		default:
		}
	}
}

// overrides resolves the per-tenant quota override, falling back to the
// deployment default when the Service was constructed without one.
func (s *Service) overrides(tenantID string) quota.Config {
	if s.Overrides == nil {
		return quota.Config{}
	}
	return s.Overrides(tenantID)
}

// patchByteSize is the byte charge for a patch frame: the marshaled size
// of the fields actually present, mirroring wsapi's use of the decoded
// patch payload's length for the same charge.
func patchByteSize(f EditFrame) int {
	raw, _ := json.Marshal(struct {
		Title *string `json:"title,omitempty"`
		Body  *string `json:"body,omitempty"`
	}{f.Title, f.Body})
	return len(raw)
}

func sendOutbound(stream NoteRPCService_EditServer, frame any) error {
	switch f := frame.(type) {
	case editsession.UpdateFrame:
		return stream.SendMsg(&EditFrame{Type: "update", NoteID: f.NoteID, Title: f.Title, Body: f.Body, Version: f.Version})
	case editsession.ErrorFrame:
		return stream.SendMsg(&EditFrame{Type: "error", Code: f.Code, CurrentVersion: f.CurrentVersion})
	default:
		return nil
	}
}

func closeCodeString(c editsession.CloseCode) string {
	switch c {
	case editsession.CloseNotFound:
		return "NOT_FOUND"
	case editsession.CloseRateLimit:
		return "RATE_LIMIT"
	case editsession.CloseSlowConsumer:
		return "SLOW_CONSUMER"
	case editsession.CloseInternal:
		return "INTERNAL"
	case editsession.CloseForbidden:
		return "FORBIDDEN"
	default:
		return "PEER"
	}
}

func toNoteMessage(n notesrepo.Note) *NoteMessage {
	return &NoteMessage{
		NoteID:    n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Version:   n.Version,
		CreatedAt: n.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: n.UpdatedAt.UTC().Format(timeLayout),
	}
}
