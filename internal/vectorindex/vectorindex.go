// Package vectorindex implements the Tenant-Scoped Vector Index (spec
// section 4.C): one brute-force cosine index per tenant, materialized
// lazily, persisted to a per-tenant snapshot on every mutation.
package vectorindex

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrDimensionMismatch = errors.New("vectorindex: vector dimension does not match index dimension")

// Config wires the per-process registry: where snapshots live and the
// fixed dimension new indexes are created with.
type Config struct {
	SnapshotDir string
	Dimension   int
}

// Match is one ranked search hit.
type Match struct {
	NoteID     string
	Similarity float64
}

// Rebuilder supplies the non-deleted notes for a tenant, used by Rebuild.
// Satisfied by notesrepo.Repository.
type Rebuilder interface {
	ListAllForRebuild(ctx context.Context, tenantID string) ([]RebuildNote, error)
}

// RebuildNote is the minimal projection Rebuild needs from the repository.
type RebuildNote struct {
	ID   string
	Text string // title + body, concatenated for embedding purposes
}

// Registry holds one Index per tenant, created lazily on first access.
// Different tenants' indexes proceed independently; a registry-level
// mutex only guards the map of tenant -> *Index, never index contents.
type Registry struct {
	mu      sync.Mutex
	indexes map[string]*Index
	cfg     Config
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{indexes: map[string]*Index{}, cfg: cfg}
}

// ForTenant returns the tenant's index, creating and lazily rehydrating it
// from its snapshot file on first access.
func (r *Registry) ForTenant(tenantID string) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indexes[tenantID]; ok {
		return idx
	}
	idx := newIndex(tenantID, r.cfg)
	idx.load()
	r.indexes[tenantID] = idx
	return idx
}

// Index is one tenant's similarity index: an ordered list of note ids in
// insertion order with a parallel list of unit-length vectors. All
// mutating and searching operations on a single instance are serialized
// under mu.
type Index struct {
	mu        sync.RWMutex
	tenantID  string
	dim       int
	ids       []string
	vectors   [][]float32
	positions map[string]int // noteID -> index into ids/vectors
	snapPath  string
}

func newIndex(tenantID string, cfg Config) *Index {
	return &Index{
		tenantID:  tenantID,
		dim:       cfg.Dimension,
		positions: map[string]int{},
		snapPath:  snapshotPath(cfg.SnapshotDir, tenantID),
	}
}

func snapshotPath(dir, tenantID string) string {
	return filepath.Join(dir, fmt.Sprintf("index_%s.gob", tenantID))
}

// snapshot is the gob-serializable on-disk representation — the direct Go
// analogue of the original implementation's pickle.dump/pickle.load pair.
type snapshot struct {
	Dim     int
	IDs     []string
	Vectors [][]float32
}

func (idx *Index) load() {
	f, err := os.Open(idx.snapPath)
	if err != nil {
		// Missing or unreadable: the instance starts empty, per spec.
		return
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		log.Warn().Err(err).Str("tenant", idx.tenantID).Msg("vectorindex: snapshot unreadable, starting empty")
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dim = snap.Dim
	idx.ids = snap.IDs
	idx.vectors = snap.Vectors
	idx.positions = make(map[string]int, len(snap.IDs))
	for i, id := range snap.IDs {
		idx.positions[id] = i
	}
}

// persist writes the current state to the snapshot file. Called with mu
// already held by the caller's mutation.
func (idx *Index) persist() {
	if idx.snapPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(idx.snapPath), 0o755); err != nil {
		log.Error().Err(err).Str("tenant", idx.tenantID).Msg("vectorindex: snapshot dir create failed")
		return
	}
	tmp := idx.snapPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		log.Error().Err(err).Str("tenant", idx.tenantID).Msg("vectorindex: snapshot create failed")
		return
	}
	snap := snapshot{Dim: idx.dim, IDs: idx.ids, Vectors: idx.vectors}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		log.Error().Err(err).Str("tenant", idx.tenantID).Msg("vectorindex: snapshot encode failed")
		return
	}
	f.Close()
	if err := os.Rename(tmp, idx.snapPath); err != nil {
		log.Error().Err(err).Str("tenant", idx.tenantID).Msg("vectorindex: snapshot rename failed")
	}
}

func normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Upsert inserts or replaces a note's vector. If present, the prior entry
// is removed and the new one appended — this means a re-indexed note
// moves to the back of insertion order, matching the original
// implementation's index_note (remove-then-append) behavior.
func (idx *Index) Upsert(noteID string, vector []float32) error {
	if len(vector) != idx.dimOrSet(len(vector)) {
		return ErrDimensionMismatch
	}
	unit := normalize(vector)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if pos, ok := idx.positions[noteID]; ok {
		idx.removeAt(pos)
	}
	idx.ids = append(idx.ids, noteID)
	idx.vectors = append(idx.vectors, unit)
	idx.positions[noteID] = len(idx.ids) - 1
	idx.persist()
	return nil
}

// dimOrSet returns the index's fixed dimension, fixing it to n on first
// use when the index is still empty.
func (idx *Index) dimOrSet(n int) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dim == 0 {
		idx.dim = n
	}
	return idx.dim
}

// Delete removes a note's vector if present.
func (idx *Index) Delete(noteID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	pos, ok := idx.positions[noteID]
	if !ok {
		return
	}
	idx.removeAt(pos)
	idx.persist()
}

// removeAt removes the entry at pos, preserving relative insertion order
// of the remaining entries and fixing up positions. Caller holds mu.
func (idx *Index) removeAt(pos int) {
	removedID := idx.ids[pos]
	idx.ids = append(idx.ids[:pos], idx.ids[pos+1:]...)
	idx.vectors = append(idx.vectors[:pos], idx.vectors[pos+1:]...)
	delete(idx.positions, removedID)
	for id, p := range idx.positions {
		if p > pos {
			idx.positions[id] = p - 1
		}
	}
}

// Search returns the top-k matches in non-increasing similarity order,
// ties broken by insertion order (older first). Similarity is the shifted
// dot product for unit vectors: 1 - (L2_distance/2), clamped to [0,1],
// which for unit vectors is equivalent to (1 + dot) / 2.
func (idx *Index) Search(query []float32, k int) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.dim != 0 && len(query) != idx.dim {
		return nil, ErrDimensionMismatch
	}
	unitQuery := normalize(query)

	type scored struct {
		pos   int
		score float64
	}
	scoredAll := make([]scored, len(idx.ids))
	for i, v := range idx.vectors {
		scoredAll[i] = scored{pos: i, score: cosineSimilarity(unitQuery, v)}
	}

	// Stable sort by score descending; ties keep original (insertion)
	// order because the sort below only swaps when strictly greater.
	for i := 1; i < len(scoredAll); i++ {
		for j := i; j > 0 && scoredAll[j].score > scoredAll[j-1].score; j-- {
			scoredAll[j], scoredAll[j-1] = scoredAll[j-1], scoredAll[j]
		}
	}

	if k > len(scoredAll) {
		k = len(scoredAll)
	}
	out := make([]Match, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, Match{NoteID: idx.ids[scoredAll[i].pos], Similarity: scoredAll[i].score})
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	sim := (1 + dot) / 2
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return sim
}

// Rebuild enumerates every non-deleted note for the tenant via the
// repository facade, recomputes embeddings, and replaces the in-memory
// state atomically.
func Rebuild(ctx context.Context, idx *Index, tenantID string, repo Rebuilder, embed func(text string) []float32) error {
	notes, err := repo.ListAllForRebuild(ctx, tenantID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(notes))
	vectors := make([][]float32, 0, len(notes))
	positions := make(map[string]int, len(notes))
	for i, n := range notes {
		vectors = append(vectors, normalize(embed(n.Text)))
		ids = append(ids, n.ID)
		positions[n.ID] = i
	}

	idx.mu.Lock()
	idx.ids = ids
	idx.vectors = vectors
	idx.positions = positions
	idx.persist()
	idx.mu.Unlock()
	return nil
}
