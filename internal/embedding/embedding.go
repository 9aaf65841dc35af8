// Package embedding provides the pluggable text-to-vector function the
// Tenant Vector Index (spec section 4.C) requires, plus a deterministic
// default implementation for deployments with no dedicated model serving
// embeddings.
package embedding

import (
	"hash/fnv"
	"math"
	"math/rand"
)

// Func maps text to a unit-length vector of fixed dimension D. It must be
// deterministic, pure, and safe for concurrent use — the core normalizes
// whatever it returns, but a non-deterministic Func breaks the index's
// documented eventual-consistency bound on rebuild.
type Func func(text string) []float32

// Default returns the hash-seeded fallback embedding used when no model is
// configured: the same strategy the original implementation's
// text_to_embedding fallback branch uses when no real encoder is wired —
// a deterministic PRNG seeded from an FNV hash of the input text,
// producing a reproducible pseudo-embedding that is otherwise meaningless
// for semantic search but satisfies every structural invariant (fixed
// dimension, unit length, determinism).
func Default(dim int) Func {
	return func(text string) []float32 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		seed := int64(h.Sum64())
		rng := rand.New(rand.NewSource(seed))

		vec := make([]float32, dim)
		var sumSq float64
		for i := range vec {
			v := rng.NormFloat64()
			vec[i] = float32(v)
			sumSq += v * v
		}
		norm := math.Sqrt(sumSq)
		if norm == 0 {
			vec[0] = 1
			return vec
		}
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
		return vec
	}
}
