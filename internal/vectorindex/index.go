package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch means a vector does not match the index dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrUnavailable means the backing store cannot serve requests.
	ErrUnavailable = errors.New("vector index unavailable")
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Metric is the distance function an index is built around.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricL2, MetricDot:
		return Metric(s), nil
	case "":
		return MetricCosine, nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, s)
}

// Filter restricts results to entries whose metadata has every key/value pair.
type Filter map[string]string

// Matches reports whether metadata satisfies f.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Entry is one vector to upsert.
type Entry struct {
	ChunkID  string
	Vector   []float32
	Metadata map[string]string
}

// Candidate is one query hit. Distance is ascending-is-better; Similarity
// is the same value flipped so larger is better.
type Candidate struct {
	ChunkID    string
	Distance   float64
	Similarity float64
	Metadata   map[string]string
}

// QueryOptions are per-query knobs. Strategies ignore knobs they lack.
type QueryOptions struct {
	// NProbe is how many IVF clusters to scan; zero uses the index default.
	NProbe int
}

// QueryOption mutates QueryOptions.
type QueryOption func(*QueryOptions)

// WithNProbe sets the number of IVF clusters probed.
func WithNProbe(n int) QueryOption {
	return func(o *QueryOptions) { o.NProbe = n }
}

func applyOptions(opts []QueryOption) QueryOptions {
	var o QueryOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Index is a similarity index over chunk vectors.
type Index interface {
	Upsert(ctx context.Context, chunkID string, vector []float32, metadata map[string]string) error
	UpsertBatch(ctx context.Context, entries []Entry) error
	// Query returns up to k candidates ordered by ascending distance,
	// ties broken by chunk ID.
	Query(ctx context.Context, vector []float32, k int, filter Filter, opts ...QueryOption) ([]Candidate, error)
	// Delete removes chunkID; deleting a missing ID is not an error.
	Delete(ctx context.Context, chunkID string) error
	Dimensions() int
	Metric() Metric
	Len() int
	Close() error
}

func checkDims(want int, v []float32) error {
	if len(v) != want {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(v), want)
	}
	return nil
}

func checkEntries(dims int, entries []Entry) error {
	for _, e := range entries {
		if e.ChunkID == "" {
			return errors.New("chunk id required")
		}
		if err := checkDims(dims, e.Vector); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
	}
	return nil
}

// distance computes the metric distance between a and b. For cosine both
// vectors must already be unit length (see prepare).
func distance(m Metric, a, b []float32) float64 {
	switch m {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	case MetricDot:
		return -dot(a, b)
	default:
		return 1 - dot(a, b)
	}
}

// similarity flips a distance so larger is better.
func similarity(m Metric, d float64) float64 {
	switch m {
	case MetricL2:
		return 1 / (1 + d)
	case MetricDot:
		return -d
	default:
		return 1 - d
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// prepare copies v and, for cosine, scales it to unit length. Zero vectors
// stay zero and score similarity 0 against everything.
func prepare(m Metric, v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if m != MetricCosine {
		return out
	}
	norm := math.Sqrt(dot(out, out))
	if norm == 0 {
		return out
	}
	inv := float32(1 / norm)
	for i := range out {
		out[i] *= inv
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
