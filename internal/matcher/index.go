package matcher

import (
	"math"
	"sync"

	"github.com/coder/hnsw"
)

const (
	indexMaxNeighbors = 16
	// searchK is how many neighbours are re-ranked with the exact similarity.
	searchK = 8
)

// PersonsIndex is an in-memory nearest-neighbour index of reference faces.
type PersonsIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[int64]
	names map[int64]string
	dims  int
	next  int64
}

// NewPersonsIndex returns an empty index using cosine distance.
func NewPersonsIndex() *PersonsIndex {
	g := hnsw.NewGraph[int64]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return &PersonsIndex{graph: g, names: make(map[int64]string)}
}

// Add inserts one reference embedding for name. Embeddings whose length
// differs from the first one added, or that are all zero, are rejected.
func (p *PersonsIndex) Add(name string, vec []float32) bool {
	if len(vec) == 0 || norm(vec) == 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dims == 0 {
		p.dims = len(vec)
	} else if len(vec) != p.dims {
		return false
	}

	p.next++
	stored := make([]float32, len(vec))
	copy(stored, vec)
	p.graph.Add(hnsw.MakeNode(p.next, stored))
	p.names[p.next] = name
	return true
}

// Best returns the person closest to vec and its cosine similarity.
// An empty index or an incompatible query returns ("", 0).
func (p *PersonsIndex) Best(vec []float32) (string, float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.names) == 0 || len(vec) != p.dims {
		return "", 0
	}

	best, bestSim := "", math.Inf(-1)
	for _, n := range p.graph.Search(vec, searchK) {
		sim := cosineSimilarity(vec, n.Value)
		if sim > bestSim {
			best, bestSim = p.names[n.Key], sim
		}
	}
	if best == "" {
		return "", 0
	}
	return best, bestSim
}

// Len is the number of reference faces.
func (p *PersonsIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.names)
}

// People is the number of distinct names.
func (p *PersonsIndex) People() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, n := range p.names {
		seen[n] = struct{}{}
	}
	return len(seen)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
