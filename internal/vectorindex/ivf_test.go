package vectorindex

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clustered returns n vectors scattered tightly around `centers` random
// directions, the shape real embedding corpora tend to have.
func clustered(rng *rand.Rand, n, dims, centers int, noise float64) [][]float32 {
	cs := make([][]float32, centers)
	for c := range cs {
		cs[c] = make([]float32, dims)
		for d := range cs[c] {
			cs[c][d] = float32(rng.Float64()*2 - 1)
		}
	}
	out := make([][]float32, n)
	for i := range out {
		c := cs[rng.Intn(centers)]
		v := make([]float32, dims)
		for d := range v {
			v[d] = c[d] + float32(rng.NormFloat64()*noise)
		}
		out[i] = v
	}
	return out
}

func loadBoth(t *testing.T, metric Metric, vectors [][]float32, nlist int) (*Flat, *IVF) {
	t.Helper()
	ctx := context.Background()
	dims := len(vectors[0])

	flat, err := NewFlat(dims, metric)
	require.NoError(t, err)
	ivf, err := NewIVF(IVFConfig{Dimensions: dims, Metric: metric, NList: nlist, Seed: 7})
	require.NoError(t, err)

	entries := make([]Entry, len(vectors))
	for i, v := range vectors {
		entries[i] = Entry{ChunkID: fmt.Sprintf("c%05d", i), Vector: v}
	}
	require.NoError(t, flat.UpsertBatch(ctx, entries))
	require.NoError(t, ivf.UpsertBatch(ctx, entries))
	require.True(t, ivf.Trained())
	return flat, ivf
}

func TestIVF_RecallAgainstFlat(t *testing.T) {
	for _, metric := range []Metric{MetricCosine, MetricL2} {
		t.Run(string(metric), func(t *testing.T) {
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))
			vectors := clustered(rng, 2000, 16, 20, 0.05)
			flat, ivf := loadBoth(t, metric, vectors, 32)

			// queries are perturbed corpus points so they land inside clusters
			queries := make([][]float32, 50)
			for i := range queries {
				base := vectors[rng.Intn(len(vectors))]
				queries[i] = make([]float32, len(base))
				for d := range base {
					queries[i][d] = base[d] + float32(rng.NormFloat64()*0.02)
				}
			}

			const k = 10
			hits, total := 0, 0
			for _, q := range queries {
				exact, err := flat.Query(ctx, q, k, nil)
				require.NoError(t, err)
				approx, err := ivf.Query(ctx, q, k, nil)
				require.NoError(t, err)

				want := map[string]bool{}
				for _, c := range exact {
					want[c.ChunkID] = true
				}
				for _, c := range approx {
					if want[c.ChunkID] {
						hits++
					}
				}
				total += len(exact)
			}
			recall := float64(hits) / float64(total)
			assert.GreaterOrEqual(t, recall, 0.9, "recall@10 with default nprobe")
		})
	}
}

func TestIVF_FullProbeMatchesFlat(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	vectors := clustered(rng, 600, 8, 6, 0.2)
	flat, ivf := loadBoth(t, MetricCosine, vectors, 16)

	for trial := 0; trial < 20; trial++ {
		q := vectors[rng.Intn(len(vectors))]
		exact, err := flat.Query(ctx, q, 10, nil)
		require.NoError(t, err)
		approx, err := ivf.Query(ctx, q, 10, nil, WithNProbe(16))
		require.NoError(t, err)
		assert.Equal(t, ids(exact), ids(approx))
	}
}

func TestIVF_UntrainedIsExhaustive(t *testing.T) {
	ctx := context.Background()
	ivf, err := NewIVF(IVFConfig{Dimensions: 2, NList: 64})
	require.NoError(t, err)

	require.NoError(t, ivf.Upsert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, ivf.Upsert(ctx, "b", []float32{0, 1}, nil))
	assert.False(t, ivf.Trained())

	got, err := ivf.Query(ctx, []float32{0.1, 1}, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(got))
}

func TestIVF_DeleteAndUpdateAfterTraining(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	vectors := clustered(rng, 300, 4, 4, 0.1)
	flat, ivf := loadBoth(t, MetricL2, vectors, 8)

	for i := 0; i < 300; i += 2 {
		id := fmt.Sprintf("c%05d", i)
		require.NoError(t, ivf.Delete(ctx, id))
		require.NoError(t, flat.Delete(ctx, id))
	}
	// move one survivor far away
	require.NoError(t, ivf.Upsert(ctx, "c00001", []float32{50, 50, 50, 50}, nil))
	require.NoError(t, flat.Upsert(ctx, "c00001", []float32{50, 50, 50, 50}, nil))
	assert.Equal(t, 150, ivf.Len())

	got, err := ivf.Query(ctx, []float32{50, 50, 50, 50}, 1, nil, WithNProbe(8))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c00001", got[0].ChunkID)

	for trial := 0; trial < 10; trial++ {
		q := vectors[rng.Intn(len(vectors))]
		exact, err := flat.Query(ctx, q, 5, nil)
		require.NoError(t, err)
		approx, err := ivf.Query(ctx, q, 5, nil, WithNProbe(8))
		require.NoError(t, err)
		assert.Equal(t, ids(exact), ids(approx))
	}
}

func TestIVF_RetrainsAfterGrowth(t *testing.T) {
	ctx := context.Background()
	ivf, err := NewIVF(IVFConfig{Dimensions: 2, NList: 4, RetrainRatio: 0.5})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	add := func(n, offset int) {
		for i := 0; i < n; i++ {
			v := []float32{float32(rng.Float64()), float32(rng.Float64())}
			require.NoError(t, ivf.Upsert(ctx, fmt.Sprintf("p%d", offset+i), v, nil))
		}
	}
	add(64, 0)
	require.True(t, ivf.Trained())
	assert.Equal(t, 64, ivf.snap.Load().trainedSize)

	add(32, 64)
	assert.Equal(t, 64, ivf.snap.Load().trainedSize, "exactly half the trained size does not retrain")
	add(1, 96)
	assert.Equal(t, 97, ivf.snap.Load().trainedSize)
}

func TestIVF_Filter(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))
	vectors := clustered(rng, 200, 4, 3, 0.1)
	ivf, err := NewIVF(IVFConfig{Dimensions: 4, NList: 4})
	require.NoError(t, err)
	for i, v := range vectors {
		kind := "text"
		if i%10 == 0 {
			kind = "image"
		}
		require.NoError(t, ivf.Upsert(ctx, fmt.Sprintf("c%d", i), v, map[string]string{"content_type": kind}))
	}
	got, err := ivf.Query(ctx, vectors[0], 50, Filter{"content_type": "image"}, WithNProbe(4))
	require.NoError(t, err)
	assert.Len(t, got, 20)
	for _, c := range got {
		assert.Equal(t, "image", c.Metadata["content_type"])
	}
}

func TestIVFConfig_Validate(t *testing.T) {
	_, err := NewIVF(IVFConfig{Dimensions: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewIVF(IVFConfig{Dimensions: 4, NList: 4, NProbe: 5})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewIVF(IVFConfig{Dimensions: 4, Metric: "hamming"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	x, err := NewIVF(IVFConfig{Dimensions: 4, NList: 64})
	require.NoError(t, err)
	assert.Equal(t, 8, x.cfg.NProbe)
}

func TestDefaultNProbe(t *testing.T) {
	assert.Equal(t, 1, DefaultNProbe(1))
	assert.Equal(t, 6, DefaultNProbe(32))
	assert.Equal(t, 8, DefaultNProbe(64))
	assert.Equal(t, 10, DefaultNProbe(100))
}
