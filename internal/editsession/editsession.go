// Package editsession implements the Edit Session Hub (spec section
// 4.E): per-note session registry, version-checked patch application,
// and fan-out to every session on a note across the whole deployment via
// a Redis pub/sub bus. Translated from the original implementation's
// asyncio-task-per-subscription NoteConnectionManager into one goroutine
// per locally-subscribed note plus one bounded outbound queue per
// session.
package editsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/notehub/collabcore/internal/notesrepo"
)

// CloseCode is the reason a session was closed, surfaced to the
// transport adapter so it can map to the right wire close code.
type CloseCode int

const (
	CloseNone CloseCode = iota
	CloseNotFound
	CloseRateLimit
	CloseSlowConsumer
	CloseInternal
	ClosePeer
	CloseForbidden
)

// ErrorFrame is the shape sent to the originating session only, on a
// version mismatch or storage error.
type ErrorFrame struct {
	Code           string `json:"code"`
	CurrentVersion int    `json:"current_version,omitempty"`
}

// UpdateFrame is the shape published to every session on a note,
// including the originating one, on a successful commit.
type UpdateFrame struct {
	NoteID  string `json:"note_id"`
	Version int    `json:"new_version"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// PatchRequest is a client frame's content: the version it believes it is
// patching from, plus the overwrite-on-present fields.
type PatchRequest struct {
	ExpectedVersion int
	Title           *string
	Body            *string
}

const outboundQueueCapacity = 64

// Session is one client's view of a note. Outbound carries frames the
// transport adapter should write to the wire; the hub never writes to
// the wire directly.
type Session struct {
	ID       string
	NoteID   string
	TenantID string

	outbound chan any // UpdateFrame or ErrorFrame
	closed   chan CloseCode
	once     sync.Once
}

type closeSignal struct {
	code CloseCode
}

func newSession(id, tenantID, noteID string) *Session {
	return &Session{
		ID:       id,
		NoteID:   noteID,
		TenantID: tenantID,
		outbound: make(chan any, outboundQueueCapacity),
		closed:   make(chan CloseCode, 1),
	}
}

// Outbound is the channel the transport adapter reads frames from. The
// close reason is not sent here; it arrives once on Closed().
func (s *Session) Outbound() <-chan any { return s.outbound }

// Closed yields the close reason once the session is torn down.
func (s *Session) Closed() <-chan CloseCode { return s.closed }

func (s *Session) send(frame any) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close(code CloseCode) {
	s.once.Do(func() {
		s.closed <- code
		close(s.closed)
	})
}

// Repository is the narrow slice of notesrepo.Repository the hub needs.
type Repository interface {
	Get(ctx context.Context, tenantID, noteID string) (notesrepo.Note, error)
	CommitVersioned(ctx context.Context, tenantID, noteID string, expectedVersion int, patch notesrepo.Patch) (notesrepo.CommitResult, error)
}

// Indexer is the narrow slice of vectorindex the hub needs to re-embed on
// commit.
type Indexer interface {
	Upsert(noteID string, vector []float32) error
}

// Hub owns the registry of locally-active sessions and the Redis pub/sub
// bus that makes fan-out correct across a horizontally scaled
// deployment. The hub itself holds no global state beyond this local
// registry, per spec section 4.E.4.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session // note_id -> session_id -> *Session
	busSub   map[string]context.CancelFunc  // note_id -> cancel for its subscribe loop

	repo  Repository
	rdb   *redis.Client
	index func(tenantID string) Indexer
	embed func(text string) []float32
}

func NewHub(repo Repository, rdb *redis.Client, index func(tenantID string) Indexer, embed func(text string) []float32) *Hub {
	return &Hub{
		sessions: map[string]map[string]*Session{},
		busSub:   map[string]context.CancelFunc{},
		repo:     repo,
		rdb:      rdb,
		index:    index,
		embed:    embed,
	}
}

func channelName(noteID string) string { return "note:" + noteID }

// Open performs the session lifecycle's Opening -> Active transition:
// registers the session and returns the note's current state as its
// first frame. Role and quota admission, and their per-patch-frame
// revalidation, happen in the transport adapter — the hub assumes the
// caller already authenticated and authorized before Open and every
// ApplyPatch call.
func (h *Hub) Open(ctx context.Context, sessionID, tenantID, noteID string) (*Session, notesrepo.Note, error) {
	note, err := h.repo.Get(ctx, tenantID, noteID)
	if err != nil {
		return nil, notesrepo.Note{}, err
	}

	sess := newSession(sessionID, tenantID, noteID)

	h.mu.Lock()
	if h.sessions[noteID] == nil {
		h.sessions[noteID] = map[string]*Session{}
	}
	h.sessions[noteID][sessionID] = sess
	needsSubscribe := h.busSub[noteID] == nil
	if needsSubscribe {
		subCtx, cancel := context.WithCancel(context.Background())
		h.busSub[noteID] = cancel
		go h.subscribeLoop(subCtx, noteID)
	}
	h.mu.Unlock()

	return sess, note, nil
}

// ApplyPatch implements the per-frame logic of spec section 4.E.2: commit
// through the repository, then either publish (on success) or send an
// error only to the originating session.
func (h *Hub) ApplyPatch(ctx context.Context, sess *Session, req PatchRequest) {
	patch := notesrepo.Patch{Title: req.Title, Body: req.Body}
	result, err := h.repo.CommitVersioned(ctx, sess.TenantID, sess.NoteID, req.ExpectedVersion, patch)

	switch {
	case errors.Is(err, notesrepo.ErrVersionMismatch):
		sess.send(ErrorFrame{Code: "VERSION_MISMATCH", CurrentVersion: result.Current})
		return
	case errors.Is(err, notesrepo.ErrNotFound):
		sess.send(ErrorFrame{Code: "NOT_FOUND"})
		h.Close(sess, CloseNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("note_id", sess.NoteID).Msg("editsession: commit failed")
		sess.send(ErrorFrame{Code: "INTERNAL"})
		return
	}

	if idx := h.index(sess.TenantID); idx != nil {
		text := result.Note.Title + "\n" + result.Note.Body
		if vecErr := idx.Upsert(result.Note.ID, h.embed(text)); vecErr != nil {
			log.Warn().Err(vecErr).Str("note_id", sess.NoteID).Msg("editsession: reindex failed")
		}
	}

	frame := UpdateFrame{NoteID: result.Note.ID, Version: result.Note.Version, Title: result.Note.Title, Body: result.Note.Body}
	h.publish(ctx, sess.NoteID, frame)
}

// publish fans a commit out to every session on the note across the
// whole deployment by publishing onto the shared bus — including back to
// the originating process, so the originating session also receives it
// via the same subscribe loop every session (local or remote) listens
// on. This is what guarantees "the originating session also receives the
// publication" without special-casing the local fan-out path.
func (h *Hub) publish(ctx context.Context, noteID string, frame UpdateFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("editsession: marshal update frame failed")
		return
	}
	if err := h.rdb.Publish(ctx, channelName(noteID), payload).Err(); err != nil {
		log.Error().Err(err).Str("note_id", noteID).Msg("editsession: publish failed")
	}
}

// subscribeLoop is the one goroutine per locally-active note that reads
// the bus and fans each message out to every locally-registered session.
// It exits when the hub cancels its context (last local session on this
// note closed).
func (h *Hub) subscribeLoop(ctx context.Context, noteID string) {
	sub := h.rdb.Subscribe(ctx, channelName(noteID))
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame UpdateFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Error().Err(err).Msg("editsession: unmarshal update frame failed")
				continue
			}
			h.fanOutLocal(noteID, frame)
		}
	}
}

// fanOutLocal delivers frame to every session locally registered for
// noteID. A slow consumer whose outbound queue is full is closed with
// SLOW_CONSUMER rather than allowed to block the others (spec section
// 4.E.3).
func (h *Hub) fanOutLocal(noteID string, frame UpdateFrame) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions[noteID]))
	for _, s := range h.sessions[noteID] {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if !s.send(frame) {
			h.Close(s, CloseSlowConsumer)
		}
	}
}

// Close removes sess from the registry, drops the bus subscription if it
// was the last local session on that note, and signals the transport
// adapter with the close reason.
func (h *Hub) Close(sess *Session, code CloseCode) {
	h.mu.Lock()
	if bucket, ok := h.sessions[sess.NoteID]; ok {
		delete(bucket, sess.ID)
		if len(bucket) == 0 {
			delete(h.sessions, sess.NoteID)
			if cancel, ok := h.busSub[sess.NoteID]; ok {
				cancel()
				delete(h.busSub, sess.NoteID)
			}
		}
	}
	h.mu.Unlock()

	sess.close(code)
}

// SessionCount reports how many sessions are locally registered for a
// note, for diagnostics and tests.
func (h *Hub) SessionCount(noteID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[noteID])
}
