package vectorindex

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

// IVFConfig configures an inverted-file index.
type IVFConfig struct {
	Dimensions int
	Metric     Metric
	// NList is the number of clusters.
	NList int
	// NProbe is the default number of clusters scanned per query.
	// Zero means ceil(sqrt(NList)).
	NProbe int
	// RetrainRatio triggers a retrain once inserts since the last training
	// exceed this fraction of the trained size.
	RetrainRatio float64
	// Seed makes training reproducible.
	Seed int64
}

// DefaultNProbe is ceil(sqrt(nlist)).
func DefaultNProbe(nlist int) int {
	return max(1, int(math.Ceil(math.Sqrt(float64(nlist)))))
}

func (c *IVFConfig) applyDefaults() {
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.NList == 0 {
		c.NList = 64
	}
	if c.NProbe == 0 {
		c.NProbe = DefaultNProbe(c.NList)
	}
	if c.RetrainRatio == 0 {
		c.RetrainRatio = 0.5
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

// Validate checks the configuration after defaults are applied.
func (c IVFConfig) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		return err
	}
	if c.NList < 1 {
		return fmt.Errorf("%w: nlist must be positive", ErrInvalidConfig)
	}
	if c.NProbe < 1 || c.NProbe > c.NList {
		return fmt.Errorf("%w: nprobe must be in [1, nlist]", ErrInvalidConfig)
	}
	if c.RetrainRatio < 0 {
		return fmt.Errorf("%w: retrain_ratio must be non-negative", ErrInvalidConfig)
	}
	return nil
}

type ivfEntry struct {
	id   string
	vec  []float32
	meta map[string]string
}

// ivfSnapshot is immutable once published. lists is nil until trained;
// an untrained snapshot answers queries exhaustively.
type ivfSnapshot struct {
	entries   []ivfEntry
	pos       map[string]int
	centroids [][]float32
	lists     [][]int
	assign    []int

	trainedSize int
	sinceTrain  int
}

func (s *ivfSnapshot) trained() bool { return s.centroids != nil }

// clone copies the outer structures. Inner list slices are shared and
// must be copied before mutation (see touchList).
func (s *ivfSnapshot) clone(extra int) *ivfSnapshot {
	out := &ivfSnapshot{
		entries:     make([]ivfEntry, len(s.entries), len(s.entries)+extra),
		pos:         make(map[string]int, len(s.pos)+extra),
		centroids:   s.centroids,
		trainedSize: s.trainedSize,
		sinceTrain:  s.sinceTrain,
	}
	copy(out.entries, s.entries)
	for k, v := range s.pos {
		out.pos[k] = v
	}
	if s.trained() {
		out.lists = make([][]int, len(s.lists))
		copy(out.lists, s.lists)
		out.assign = make([]int, len(s.assign), len(s.assign)+extra)
		copy(out.assign, s.assign)
	}
	return out
}

// IVF is an approximate index: vectors are bucketed by nearest centroid and
// a query scans only the nprobe closest buckets.
type IVF struct {
	cfg IVFConfig
	rng *rand.Rand

	mu   sync.Mutex // serializes writers and guards rng
	snap atomic.Pointer[ivfSnapshot]
}

// NewIVF creates an empty IVF index.
func NewIVF(cfg IVFConfig) (*IVF, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	idx := &IVF{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	idx.snap.Store(&ivfSnapshot{pos: map[string]int{}})
	return idx, nil
}

// trainThreshold is the size at which the first training runs.
func (x *IVF) trainThreshold() int {
	return max(x.cfg.NList*4, 64)
}

func (x *IVF) Upsert(ctx context.Context, chunkID string, vector []float32, metadata map[string]string) error {
	return x.UpsertBatch(ctx, []Entry{{ChunkID: chunkID, Vector: vector, Metadata: metadata}})
}

func (x *IVF) UpsertBatch(_ context.Context, entries []Entry) error {
	if err := checkEntries(x.cfg.Dimensions, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	next := x.snap.Load().clone(len(entries))
	for _, e := range entries {
		x.put(next, e)
	}
	x.maybeTrain(next)
	x.snap.Store(next)
	return nil
}

func (x *IVF) put(s *ivfSnapshot, e Entry) {
	entry := ivfEntry{id: e.ChunkID, vec: prepare(x.cfg.Metric, e.Vector), meta: copyMetadata(e.Metadata)}
	i, exists := s.pos[e.ChunkID]
	if !exists {
		i = len(s.entries)
		s.pos[e.ChunkID] = i
		s.entries = append(s.entries, entry)
		if s.trained() {
			s.assign = append(s.assign, -1)
		}
	} else {
		s.entries[i] = entry
	}
	s.sinceTrain++
	if !s.trained() {
		return
	}
	c := nearestCentroid(s.centroids, entry.vec, x.cfg.Metric)
	if old := s.assign[i]; old == c {
		return
	} else if old >= 0 {
		s.lists[old] = without(s.lists[old], i)
	}
	s.lists[c] = with(s.lists[c], i)
	s.assign[i] = c
}

func (x *IVF) maybeTrain(s *ivfSnapshot) {
	n := len(s.entries)
	switch {
	case !s.trained() && n >= x.trainThreshold():
	case s.trained() && float64(s.sinceTrain) > x.cfg.RetrainRatio*float64(s.trainedSize):
	default:
		return
	}
	x.train(s)
}

// train rebuilds centroids and lists from all current entries.
func (x *IVF) train(s *ivfSnapshot) {
	vectors := make([][]float32, len(s.entries))
	for i, e := range s.entries {
		vectors[i] = e.vec
	}
	centroids, assign := kmeans(vectors, x.cfg.NList, x.cfg.Metric, x.rng)
	lists := make([][]int, len(centroids))
	for i, c := range assign {
		lists[c] = append(lists[c], i)
	}
	s.centroids = centroids
	s.lists = lists
	s.assign = assign
	s.trainedSize = len(s.entries)
	s.sinceTrain = 0
}

// Train forces training now, regardless of size thresholds.
func (x *IVF) Train() {
	x.mu.Lock()
	defer x.mu.Unlock()
	next := x.snap.Load().clone(0)
	if len(next.entries) == 0 {
		return
	}
	x.train(next)
	x.snap.Store(next)
}

// Trained reports whether queries use the cluster lists.
func (x *IVF) Trained() bool { return x.snap.Load().trained() }

func (x *IVF) Query(ctx context.Context, vector []float32, k int, filter Filter, opts ...QueryOption) ([]Candidate, error) {
	if err := checkDims(x.cfg.Dimensions, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	o := applyOptions(opts)
	q := prepare(x.cfg.Metric, vector)
	s := x.snap.Load()
	top := newTopK(k)

	scan := func(i int) {
		e := s.entries[i]
		if !filter.Matches(e.meta) {
			return
		}
		d := distance(x.cfg.Metric, q, e.vec)
		top.offer(Candidate{ChunkID: e.id, Distance: d, Similarity: similarity(x.cfg.Metric, d), Metadata: e.meta})
	}

	if !s.trained() {
		for i := range s.entries {
			scan(i)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return top.sorted(), nil
	}

	nprobe := x.cfg.NProbe
	if o.NProbe > 0 {
		nprobe = o.NProbe
	}
	for _, c := range probeOrder(s.centroids, q, x.cfg.Metric, nprobe) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, i := range s.lists[c] {
			scan(i)
		}
	}
	return top.sorted(), nil
}

// probeOrder returns the nprobe centroids closest to q.
func probeOrder(centroids [][]float32, q []float32, metric Metric, nprobe int) []int {
	type scored struct {
		c int
		d float64
	}
	all := make([]scored, len(centroids))
	for c, cv := range centroids {
		d := -dot(q, cv)
		if metric == MetricL2 {
			d = distance(MetricL2, q, cv)
		}
		all[c] = scored{c, d}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].c < all[j].c
	})
	nprobe = min(nprobe, len(all))
	out := make([]int, nprobe)
	for i := range out {
		out[i] = all[i].c
	}
	return out
}

func (x *IVF) Delete(_ context.Context, chunkID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.snap.Load()
	i, ok := cur.pos[chunkID]
	if !ok {
		return nil
	}
	s := cur.clone(0)
	last := len(s.entries) - 1
	if s.trained() {
		s.lists[s.assign[i]] = without(s.lists[s.assign[i]], i)
		if i != last {
			moved := s.assign[last]
			s.lists[moved] = replace(s.lists[moved], last, i)
			s.assign[i] = moved
		}
		s.assign = s.assign[:last]
	}
	if i != last {
		s.entries[i] = s.entries[last]
		s.pos[s.entries[i].id] = i
	}
	s.entries = s.entries[:last]
	delete(s.pos, chunkID)
	x.snap.Store(s)
	return nil
}

func (x *IVF) Dimensions() int { return x.cfg.Dimensions }
func (x *IVF) Metric() Metric  { return x.cfg.Metric }
func (x *IVF) Len() int        { return len(x.snap.Load().entries) }
func (x *IVF) Close() error    { return nil }

// with, without and replace return fresh slices so published snapshots
// sharing the old list are left untouched.
func with(list []int, i int) []int {
	out := make([]int, len(list), len(list)+1)
	copy(out, list)
	return append(out, i)
}

func without(list []int, i int) []int {
	out := make([]int, 0, len(list))
	for _, v := range list {
		if v != i {
			out = append(out, v)
		}
	}
	return out
}

func replace(list []int, from, to int) []int {
	out := make([]int, len(list))
	for j, v := range list {
		if v == from {
			v = to
		}
		out[j] = v
	}
	return out
}
