// Package notesrepo implements the Note Repository Facade (spec section
// 4.D): a thin, typed wrapper over Postgres enforcing tenant-scoped
// queries and version-guarded commits. Every operation takes an explicit
// tenant and folds it into the query predicate — callers never need to
// double-check isolation themselves.
package notesrepo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notehub/collabcore/internal/vectorindex"
)

var (
	ErrNotFound        = errors.New("notesrepo: note not found")
	ErrVersionMismatch = errors.New("notesrepo: version mismatch")
)

// Note is the row projection the core operates on.
type Note struct {
	ID        string
	TenantID  string
	Title     string
	Body      string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Patch carries the optional overwrite-on-present fields spec section
// 4.E's merge policy describes.
type Patch struct {
	Title *string
	Body  *string
}

// CommitResult is the outcome of CommitVersioned.
type CommitResult struct {
	Note    Note
	Current int // only meaningful when the result is a VersionMismatch
}

// Repository is the Postgres-backed implementation of the facade.
type Repository struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new note at version 1.
func (r *Repository) Create(ctx context.Context, tenantID, title, body string) (Note, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := r.db.Exec(ctx, `
		INSERT INTO note (id, tenant_id, title, body, version, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5, NULL)
	`, id, tenantID, title, body, now)
	if err != nil {
		return Note{}, err
	}
	return Note{ID: id, TenantID: tenantID, Title: title, Body: body, Version: 1, CreatedAt: now, UpdatedAt: now}, nil
}

// Get loads a single non-deleted note scoped to tenantID.
func (r *Repository) Get(ctx context.Context, tenantID, noteID string) (Note, error) {
	var n Note
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, title, body, version, created_at, updated_at, deleted_at
		FROM note
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
	`, tenantID, noteID).Scan(&n.ID, &n.TenantID, &n.Title, &n.Body, &n.Version, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

// List returns non-deleted notes for tenantID, newest first (spec
// section 6), with id as the tiebreaker for a stable order among notes
// sharing a created_at value; bounded by limit/offset.
func (r *Repository) List(ctx context.Context, tenantID string, limit, offset int) ([]Note, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, title, body, version, created_at, updated_at, deleted_at
		FROM note
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.TenantID, &n.Title, &n.Body, &n.Version, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CommitVersioned applies patch to the note if expectedVersion matches the
// stored version, in a single atomic statement. This is the Go analogue
// of the teacher's conditional ON CONFLICT ... WHERE upsert guard,
// adapted from owner-scoped timestamp-LWW to tenant-scoped
// version-guarded last-writer-wins-with-rejection (spec section 1,
// Non-goals).
func (r *Repository) CommitVersioned(ctx context.Context, tenantID, noteID string, expectedVersion int, patch Patch) (CommitResult, error) {
	current, err := r.Get(ctx, tenantID, noteID)
	if err != nil {
		return CommitResult{}, err
	}

	newTitle := current.Title
	if patch.Title != nil {
		newTitle = *patch.Title
	}
	newBody := current.Body
	if patch.Body != nil {
		newBody = *patch.Body
	}
	now := time.Now()

	tag, err := r.db.Exec(ctx, `
		UPDATE note
		SET title = $1, body = $2, version = version + 1, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND version = $6 AND deleted_at IS NULL
	`, newTitle, newBody, now, tenantID, noteID, expectedVersion)
	if err != nil {
		return CommitResult{}, err
	}

	if tag.RowsAffected() == 0 {
		// Either the version has moved on, or the note vanished between the
		// read above and this write; re-read once to tell the two apart.
		latest, getErr := r.Get(ctx, tenantID, noteID)
		if errors.Is(getErr, ErrNotFound) {
			return CommitResult{}, ErrNotFound
		}
		if getErr != nil {
			return CommitResult{}, getErr
		}
		return CommitResult{Current: latest.Version}, ErrVersionMismatch
	}

	return CommitResult{Note: Note{
		ID: noteID, TenantID: tenantID, Title: newTitle, Body: newBody,
		Version: expectedVersion + 1, CreatedAt: current.CreatedAt, UpdatedAt: now,
	}}, nil
}

// Patch applies patch unconditionally, without a version precondition.
// It is the no-If-Match branch of the PATCH operation (spec section 4.D):
// a single statement, so it cannot race with a concurrent writer the way
// a read-then-CommitVersioned sequence would.
func (r *Repository) Patch(ctx context.Context, tenantID, noteID string, patch Patch) (Note, error) {
	var n Note
	err := r.db.QueryRow(ctx, `
		UPDATE note
		SET title = COALESCE($1, title), body = COALESCE($2, body), version = version + 1, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND deleted_at IS NULL
		RETURNING id, tenant_id, title, body, version, created_at, updated_at, deleted_at
	`, patch.Title, patch.Body, time.Now(), tenantID, noteID).
		Scan(&n.ID, &n.TenantID, &n.Title, &n.Body, &n.Version, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

// SoftDelete marks a note deleted; it remains invisible to list, get,
// search, and edit, but its row persists (spec section 3, "Note").
func (r *Repository) SoftDelete(ctx context.Context, tenantID, noteID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE note SET deleted_at = $1 WHERE tenant_id = $2 AND id = $3 AND deleted_at IS NULL
	`, time.Now(), tenantID, noteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAllForRebuild satisfies vectorindex.Rebuilder: every non-deleted
// note for the tenant, projected down to what re-embedding needs.
func (r *Repository) ListAllForRebuild(ctx context.Context, tenantID string) ([]vectorindex.RebuildNote, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, title, body FROM note WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vectorindex.RebuildNote
	for rows.Next() {
		var id, title, body string
		if err := rows.Scan(&id, &title, &body); err != nil {
			return nil, err
		}
		out = append(out, vectorindex.RebuildNote{ID: id, Text: title + "\n" + body})
	}
	return out, rows.Err()
}
