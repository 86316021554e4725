// Package index provides brute-force nearest-neighbor search over
// fixed-length vectors for session document retrieval.
package index

import (
	"fmt"
	"math"
	"sort"
)

// DefaultDim is the vector length used when none is configured.
const DefaultDim = 384

// Embedder maps text to a fixed-length vector. The index and the context
// assembler depend only on this interface, so a real embedding model can be
// substituted without touching either.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dim() int
}

// ByteEmbedder copies the raw encoded byte values of a string into the
// leading positions of the vector, zero-padding the remainder and truncating
// any excess. This is a placeholder with no semantic content: inputs sharing
// a byte prefix map to near vectors, nothing more.
type ByteEmbedder struct {
	dim int
}

func NewByteEmbedder(dim int) *ByteEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &ByteEmbedder{dim: dim}
}

func (e *ByteEmbedder) Dim() int { return e.dim }

func (e *ByteEmbedder) Embed(text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	b := []byte(text)
	if len(b) > e.dim {
		b = b[:e.dim]
	}
	for i, v := range b {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Result is a single nearest-neighbor hit.
type Result struct {
	Position int
	Text     string
	Distance float64
}

type entry struct {
	text   string
	vector []float32
}

// Flat is a brute-force index over one vector per chunk, using plain
// Euclidean distance. It is immutable after Build; a new upload batch builds
// a new index rather than mutating this one.
type Flat struct {
	embedder Embedder
	entries  []entry
}

// Build embeds every chunk and returns the populated index. Chunk positions
// in the input slice become Result.Position values.
func Build(embedder Embedder, chunks []string) (*Flat, error) {
	ix := &Flat{
		embedder: embedder,
		entries:  make([]entry, 0, len(chunks)),
	}
	for i, chunk := range chunks {
		vec, err := embedder.Embed(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk %d: %w", i, err)
		}
		if len(vec) != embedder.Dim() {
			return nil, fmt.Errorf("embedder returned %d values for chunk %d, want %d", len(vec), i, embedder.Dim())
		}
		ix.entries = append(ix.entries, entry{text: chunk, vector: vec})
	}
	return ix, nil
}

func (ix *Flat) Len() int {
	return len(ix.entries)
}

// Query returns up to k chunks ordered by ascending Euclidean distance to
// the query text. Ties break on position, so results are deterministic.
func (ix *Flat) Query(text string, k int) ([]Result, error) {
	if k <= 0 || len(ix.entries) == 0 {
		return nil, nil
	}

	queryVec, err := ix.embedder.Embed(text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results := make([]Result, 0, len(ix.entries))
	for i, e := range ix.entries {
		results = append(results, Result{
			Position: i,
			Text:     e.text,
			Distance: l2Distance(queryVec, e.vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Position < results[j].Position
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
