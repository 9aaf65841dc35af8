// Package wsapi is the streaming edit surface adapter (spec section
// 4.E.3/4.G): a WebSocket transport shell around internal/editsession's
// Hub. It owns the wire framing only — accept/close, JSON envelopes, the
// reader/writer goroutine pair per session — and defers every decision
// about note state to the hub.
package wsapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/editsession"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/usage"
)

// Gate is the narrow slice of auth.Gate the adapter needs.
type Gate interface {
	ExtractCredential(authHeader string) (auth.Credential, error)
	Authenticate(ctx context.Context, cred auth.Credential) (*auth.Principal, *auth.Tenant, error)
}

// Quota is the narrow slice of quota.Engine the adapter needs.
type Quota interface {
	TryConsume(ctx context.Context, tenant string, surface quota.Surface, bytesN int, overrides quota.Config) (quota.Decision, error)
}

// Server wires the Hub to the wire. Overrides resolves a tenant's quota
// config override; it mirrors httpapi.Server.tenantQuotaOverride so both
// surfaces apply the same per-tenant limits.
type Server struct {
	Hub       *editsession.Hub
	Gate      Gate
	Quota     Quota
	Usage     *usage.Emitter
	Overrides func(tenantID string) quota.Config
}

// wireInit/wireUpdate/wireError/wirePatch mirror the envelopes spec
// section 6 names literally: {"type": "...", "data": {...}}.
type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type initData struct {
	NoteID  string `json:"note_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Version int    `json:"version"`
}

type updateData struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Version int    `json:"version"`
}

type errorData struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	CurrentVersion int    `json:"current_version,omitempty"`
}

type patchEnvelope struct {
	Version int    `json:"version"`
	Patch   string `json:"patch"` // base64 of a JSON {title?, body?} object
}

const (
	closeAuth       = websocket.StatusCode(1008)
	closeQuota      = websocket.StatusCode(4008)
	closeInternal   = websocket.StatusCode(1011)
	closeNotFound   = websocket.StatusCode(1404)
	closeSlowClient = websocket.StatusCode(4009)
	closeNormal     = websocket.StatusNormalClosure
)

// HandleStream serves GET /stream/notes/{id}. The credential is read
// from Authorization or, since browser WebSocket clients cannot set
// arbitrary headers, the "api_key"/"token" query parameters — mirroring
// the original implementation's query-string credential path.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Error().Err(err).Msg("wsapi: accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	principal, tenant, err := s.authenticate(ctx, r)
	if err != nil {
		conn.Close(closeAuth, "authentication required")
		return
	}
	if err := auth.RequireRole(principal, auth.RoleEditor); err != nil {
		conn.Close(closeAuth, "editor role required")
		return
	}

	decision, err := s.Quota.TryConsume(ctx, tenant.ID, quota.SurfaceStream, 0, s.Overrides(tenant.ID))
	if err != nil || !decision.Allowed {
		conn.Close(closeQuota, "quota exceeded")
		return
	}

	sessionID := uuid.NewString()
	sess, note, err := s.Hub.Open(ctx, sessionID, tenant.ID, noteID)
	if err != nil {
		conn.Close(closeNotFound, "note not found")
		return
	}
	defer s.Hub.Close(sess, editsession.ClosePeer)

	if err := s.sendInit(ctx, conn, note); err != nil {
		return
	}

	done := make(chan struct{})
	go s.writeLoop(ctx, conn, sess, done)
	s.readLoop(ctx, conn, sess, principal)
	<-done
}

func (s *Server) authenticate(ctx context.Context, r *http.Request) (*auth.Principal, *auth.Tenant, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("api_key"); token != "" {
			header = "Bearer " + token
		} else if token := r.URL.Query().Get("token"); token != "" {
			header = "Bearer " + token
		}
	}
	cred, err := s.Gate.ExtractCredential(header)
	if err != nil {
		return nil, nil, err
	}
	return s.Gate.Authenticate(ctx, cred)
}

func (s *Server) sendInit(ctx context.Context, conn *websocket.Conn, note notesrepo.Note) error {
	raw, _ := json.Marshal(initData{NoteID: note.ID, Title: note.Title, Body: note.Body, Version: note.Version})
	return wsjson.Write(ctx, conn, wireEnvelope{Type: "init", Data: raw})
}

// writeLoop drains the session's outbound queue onto the wire until the
// hub closes the session or the connection's context is cancelled.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *editsession.Session, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case code := <-sess.Closed():
			reasons := map[editsession.CloseCode]websocket.StatusCode{
				editsession.CloseNotFound:     closeNotFound,
				editsession.CloseRateLimit:    closeQuota,
				editsession.CloseSlowConsumer: closeSlowClient,
				editsession.CloseInternal:     closeInternal,
				editsession.ClosePeer:         closeNormal,
				editsession.CloseForbidden:    closeAuth,
			}
			wireCode, ok := reasons[code]
			if !ok {
				wireCode = closeNormal
			}
			conn.Close(wireCode, "session closed")
			return
		case frame := <-sess.Outbound():
			if err := writeFrame(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	switch f := frame.(type) {
	case editsession.UpdateFrame:
		return wsjson.Write(ctx, conn, wrapUpdate(f))
	case editsession.ErrorFrame:
		return wsjson.Write(ctx, conn, wrapError(f))
	default:
		return nil
	}
}

func wrapUpdate(f editsession.UpdateFrame) wireEnvelope {
	raw, _ := json.Marshal(updateData{Title: f.Title, Body: f.Body, Version: f.Version})
	return wireEnvelope{Type: "update", Data: raw}
}

func wrapError(f editsession.ErrorFrame) wireEnvelope {
	raw, _ := json.Marshal(errorData{Code: f.Code, CurrentVersion: f.CurrentVersion})
	return wireEnvelope{Type: "error", Data: raw}
}

// readLoop reads client patch frames and applies them through the hub
// until the connection closes.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *editsession.Session, principal *auth.Principal) {
	for {
		var env wireEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		if env.Type != "patch" {
			continue
		}

		var pe patchEnvelope
		if err := json.Unmarshal(env.Data, &pe); err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(pe.Patch)
		if err != nil {
			continue
		}
		var fields struct {
			Title *string `json:"title"`
			Body  *string `json:"body"`
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}

		// Spec section 4.E.2: every patch frame revalidates role and
		// quota, charging the bytes bucket by the frame's byte length —
		// admission at session open does not cover the session's lifetime.
		if err := auth.RequireRole(principal, auth.RoleEditor); err != nil {
			s.Hub.Close(sess, editsession.CloseForbidden)
			return
		}
		decision, err := s.Quota.TryConsume(ctx, sess.TenantID, quota.SurfaceStream, len(raw), s.Overrides(sess.TenantID))
		if err != nil || !decision.Allowed {
			s.Hub.Close(sess, editsession.CloseRateLimit)
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		s.Hub.ApplyPatch(reqCtx, sess, editsession.PatchRequest{
			ExpectedVersion: pe.Version,
			Title:           fields.Title,
			Body:            fields.Body,
		})
		cancel()

		if s.Usage != nil {
			principalID := ""
			if principal != nil {
				principalID = principal.ID
			}
			s.Usage.Emit(usage.Record{
				TenantID:  sess.TenantID,
				Principal: principalID,
				Surface:   usage.Surface(quota.SurfaceStream),
				Endpoint:  "/stream/notes/" + sess.NoteID,
				Bytes:     len(raw),
			})
		}
	}
}
