// Package embedding turns free-text intent descriptions into fixed-length
// normalized vectors for drift comparison.
//
// A semantic model is optional. When none is wired in, the provider falls
// back to a deterministic pseudo-random embedding derived from hashing the
// text, so two identical intents always map to the same vector and tests
// are reproducible without a model.
package embedding

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Embedder is a pluggable semantic vector source.
type Embedder interface {
	Embed(text string) ([]float64, error)
}

// Provider produces L2-normalized embeddings with a bounded cache.
// The cache is purely an optimization, never a correctness dependency.
type Provider struct {
	mu        sync.Mutex
	dimension int
	cacheMax  int
	cache     map[[32]byte][]float64
	order     [][32]byte // insertion order for eviction

	model         Embedder // nil means deterministic fallback
	warnedNoModel bool
}

// NewProvider creates a provider with the given vector dimension and
// cache bound. model may be nil.
func NewProvider(dimension, cacheSize int, model Embedder) (*Provider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	if cacheSize < 0 {
		cacheSize = 0
	}
	return &Provider{
		dimension: dimension,
		cacheMax:  cacheSize,
		cache:     make(map[[32]byte][]float64, cacheSize),
		model:     model,
	}, nil
}

// Dimension returns the fixed vector length.
func (p *Provider) Dimension() int { return p.dimension }

// Embed returns the L2-normalized vector for text.
func (p *Provider) Embed(text string) ([]float64, error) {
	key := blake2b.Sum256([]byte(text))

	p.mu.Lock()
	if vec, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return vec, nil
	}
	p.mu.Unlock()

	var vec []float64
	if p.model != nil {
		modelVec, err := p.model.Embed(text)
		if err == nil && len(modelVec) == p.dimension {
			vec = normalize(modelVec)
		} else {
			p.warnFallbackOnce(err)
		}
	}
	if vec == nil {
		if p.model == nil {
			p.warnFallbackOnce(nil)
		}
		vec = p.deterministic(text, key)
	}

	p.mu.Lock()
	p.store(key, vec)
	p.mu.Unlock()
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (p *Provider) EmbedBatch(texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Similarity returns the cosine similarity of two vectors.
// Mismatched or zero vectors score 0.
func Similarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// deterministic generates the fallback vector: a small pseudo-random base
// seeded from the text hash keeps distinct texts distinct, while strong
// word-level hash features carry most of the mass so texts sharing
// vocabulary land near each other in cosine space.
func (p *Provider) deterministic(text string, key [32]byte) []float64 {
	seed := int64(binary.BigEndian.Uint64(key[:8]))
	rng := rand.New(rand.NewSource(seed))

	base := make([]float64, p.dimension)
	for i := range base {
		base[i] = rng.NormFloat64()
	}
	base = normalize(base)

	vec := make([]float64, p.dimension)
	for i := range vec {
		vec[i] = base[i] * 0.4
	}

	// Word features: each word deterministically excites eight dimensions.
	for _, word := range strings.Fields(strings.ToLower(text)) {
		wh := blake2b.Sum256([]byte(word))
		for k := 0; k < 8; k++ {
			v := binary.BigEndian.Uint32(wh[k*4 : k*4+4])
			idx := int(v>>1) % p.dimension
			sign := 1.0
			if v&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}

	return normalize(vec)
}

func (p *Provider) store(key [32]byte, vec []float64) {
	if p.cacheMax == 0 {
		return
	}
	if _, ok := p.cache[key]; ok {
		return
	}
	if len(p.cache) >= p.cacheMax && len(p.order) > 0 {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.cache, oldest)
	}
	p.cache[key] = vec
	p.order = append(p.order, key)
}

func (p *Provider) warnFallbackOnce(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warnedNoModel {
		return
	}
	p.warnedNoModel = true
	if err != nil {
		slog.Warn("[Embedding] model failed, using deterministic fallback", "error", err)
	} else {
		slog.Warn("[Embedding] no semantic model configured, using deterministic fallback")
	}
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

