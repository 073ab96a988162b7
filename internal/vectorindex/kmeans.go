package vectorindex

import (
	"math"
	"math/rand"
)

const kmeansIterations = 20

// kmeans clusters vectors into k centroids with k-means++ seeding. For the
// cosine metric centroids are renormalized after each update (spherical
// k-means). Returns centroids and per-vector assignments.
func kmeans(vectors [][]float32, k int, metric Metric, rng *rand.Rand) ([][]float32, []int) {
	n := len(vectors)
	if n == 0 || k <= 0 {
		return nil, nil
	}
	k = min(k, n)
	dims := len(vectors[0])

	centroids := seedPlusPlus(vectors, k, metric, rng)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < kmeansIterations; iter++ {
		changed := 0
		for i, v := range vectors {
			c := nearestCentroid(centroids, v, metric)
			if assign[i] != c {
				assign[i] = c
				changed++
			}
		}
		if changed == 0 && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Reseed an empty cluster with a random point.
				centroids[c] = prepare(metric, vectors[rng.Intn(n)])
				continue
			}
			next := make([]float32, dims)
			for d := range next {
				next[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = prepare(metric, next)
		}
	}

	for i, v := range vectors {
		assign[i] = nearestCentroid(centroids, v, metric)
	}
	return centroids, assign
}

func seedPlusPlus(vectors [][]float32, k int, metric Metric, rng *rand.Rand) [][]float32 {
	n := len(vectors)
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, prepare(metric, vectors[rng.Intn(n)]))

	weights := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, v := range vectors {
			d := distance(metric, v, centroids[nearestCentroid(centroids, v, metric)])
			if metric == MetricDot {
				// dot "distance" can be negative; fall back to uniform seeding.
				d = 1
			}
			weights[i] = d * d
			total += weights[i]
		}
		pick := rng.Intn(n)
		if total > 0 && !math.IsInf(total, 0) {
			r := rng.Float64() * total
			for i, w := range weights {
				r -= w
				if r <= 0 {
					pick = i
					break
				}
			}
		}
		centroids = append(centroids, prepare(metric, vectors[pick]))
	}
	return centroids
}

// nearestCentroid uses L2 for the l2 metric and inner product otherwise.
func nearestCentroid(centroids [][]float32, v []float32, metric Metric) int {
	best, bestD := 0, math.Inf(1)
	for c, cv := range centroids {
		var d float64
		if metric == MetricL2 {
			d = distance(MetricL2, v, cv)
		} else {
			d = -dot(v, cv)
		}
		if d < bestD {
			best, bestD = c, d
		}
	}
	return best
}
