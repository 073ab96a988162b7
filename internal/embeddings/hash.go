package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashProvider is a deterministic feature-hashing embedder. It needs no
// model or network and is used offline and in tests. Texts sharing words
// get similar vectors; it carries no semantics beyond that.
type HashProvider struct {
	dimensions   int
	tokenPattern *regexp.Regexp
}

// NewHashProvider creates a hash provider producing dims-length vectors.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 384
	}
	return &HashProvider{
		dimensions:   dims,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+`),
	}
}

func (p *HashProvider) Name() string        { return "hash" }
func (p *HashProvider) Model() string       { return "feature-hash" }
func (p *HashProvider) MaxBatchSize() int   { return 1024 }
func (p *HashProvider) Dimensions() int     { return p.dimensions }
func (p *HashProvider) SupportsBatch() bool { return true }

// Embed hashes each lowercased token into a signed bucket and L2-normalizes.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError(p.Name(), KindTransient, err)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "" {
			return nil, NewProviderError(p.Name(), KindInvalidInput, ErrEmptyInput)
		}
		out[i] = p.vector(text)
	}
	return out, nil
}

func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float32, p.dimensions)
	for _, tok := range p.tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimensions))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
