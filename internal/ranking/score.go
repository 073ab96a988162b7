package ranking

import (
	"math"
	"sort"
	"time"
)

// candidate is a merged entry before scoring.
type candidate struct {
	chunkID  string
	sim      float64
	lex      float64
	hasSim   bool
	hasLex   bool
	count    int64
	lastUsed time.Time
	metadata map[string]string
}

// minMax maps present values onto [0,1]. When every present value is equal
// each maps to 1; absent values stay 0.
func minMax(values []float64, present []bool) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range values {
		if present[i] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case !present[i]:
		case hi == lo:
			out[i] = 1
		default:
			out[i] = (v - lo) / (hi - lo)
		}
	}
	return out
}

// usageScores compresses counts logarithmically against the set's maximum.
func usageScores(cands []*candidate) []float64 {
	out := make([]float64, len(cands))
	var top float64
	for i, c := range cands {
		if c.count > 0 {
			out[i] = math.Log1p(float64(c.count))
			top = math.Max(top, out[i])
		}
	}
	if top == 0 {
		return out
	}
	for i := range out {
		out[i] /= top
	}
	return out
}

// recencyScore halves every halfLife since the last use. Never-used chunks
// score 0; a last use in the future counts as now.
func recencyScore(count int64, lastUsed, now time.Time, halfLife time.Duration) float64 {
	if count <= 0 || lastUsed.IsZero() {
		return 0
	}
	age := max(now.Sub(lastUsed), 0)
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

// score computes the final ordering of cands.
func score(cands []*candidate, w Weights, now time.Time, halfLife time.Duration) []ScoredChunk {
	n := len(cands)
	sims := make([]float64, n)
	lexs := make([]float64, n)
	hasSim := make([]bool, n)
	hasLex := make([]bool, n)
	for i, c := range cands {
		sims[i], hasSim[i] = c.sim, c.hasSim
		lexs[i], hasLex[i] = c.lex, c.hasLex
	}
	simN := minMax(sims, hasSim)
	lexN := minMax(lexs, hasLex)
	useN := usageScores(cands)

	out := make([]ScoredChunk, n)
	for i, c := range cands {
		rec := recencyScore(c.count, c.lastUsed, now, halfLife)
		out[i] = ScoredChunk{
			ChunkID:       c.chunkID,
			Similarity:    simN[i],
			Lexical:       lexN[i],
			Usage:         useN[i],
			Recency:       rec,
			Score:         w.Similarity*simN[i] + w.Lexical*lexN[i] + w.Usage*useN[i] + w.Recency*rec,
			RawSimilarity: c.sim,
			RawLexical:    c.lex,
			UsageCount:    c.count,
			LastUsedAt:    c.lastUsed,
			Metadata:      c.metadata,
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
