// Package vectorindex provides exhaustive nearest-neighbor search over
// fixed-dimension sentence embeddings, one index per knowledge domain.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// DefaultDimension is the output size of all-MiniLM-L6-v2 (Ollama "all-minilm").
const DefaultDimension = 384

var (
	// ErrNotFound is returned by Store.Load when no index was persisted for a domain.
	ErrNotFound = errors.New("vector index not found")

	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Neighbor is one search hit.
type Neighbor struct {
	Ordinal  int
	Distance float32
}

// Index is a flat L2 index. Ordinal i is the i-th vector it was built from.
type Index struct {
	dim         int
	count       int
	data        []float32
	fingerprint string
}

// Build embeds every entry in order and returns the resulting index.
func Build(ctx context.Context, embedder Embedder, entries []string) (*Index, error) {
	dim := embedder.Dimension()
	vectors := make([][]float32, 0, len(entries))

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := embedder.Embed(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to embed entry %d: %w", i, err)
		}
		if dim <= 0 {
			dim = len(vec)
		}
		vectors = append(vectors, vec)
	}

	return FromVectors(dim, vectors)
}

// FromVectors builds an index from precomputed vectors.
func FromVectors(dim int, vectors [][]float32) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}

	idx := &Index{
		dim:   dim,
		count: len(vectors),
		data:  make([]float32, 0, dim*len(vectors)),
	}
	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("vector %d has %d dimensions, want %d: %w", i, len(vec), dim, ErrDimensionMismatch)
		}
		idx.data = append(idx.data, vec...)
	}

	return idx, nil
}

// Dimension returns the vector dimension.
func (x *Index) Dimension() int { return x.dim }

// Len returns the number of indexed vectors.
func (x *Index) Len() int { return x.count }

// Fingerprint identifies the content the index was built from. Empty if unset.
func (x *Index) Fingerprint() string { return x.fingerprint }

// SetFingerprint records what the index was built from so a persisted copy
// can be matched against a later build request.
func (x *Index) SetFingerprint(fp string) { x.fingerprint = fp }

// NearestNeighbors returns up to k neighbors of query, closest first, using
// squared Euclidean distance. Equal distances are ordered by ordinal.
func (x *Index) NearestNeighbors(query []float32, k int) ([]Neighbor, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("query has %d dimensions, want %d: %w", len(query), x.dim, ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid neighbor count %d", k)
	}

	neighbors := make([]Neighbor, x.count)
	for i := 0; i < x.count; i++ {
		neighbors[i] = Neighbor{Ordinal: i, Distance: squaredL2(query, x.data[i*x.dim:(i+1)*x.dim])}
	}

	sort.Slice(neighbors, func(a, b int) bool {
		if neighbors[a].Distance != neighbors[b].Distance {
			return neighbors[a].Distance < neighbors[b].Distance
		}
		return neighbors[a].Ordinal < neighbors[b].Ordinal
	})

	if k < len(neighbors) {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
