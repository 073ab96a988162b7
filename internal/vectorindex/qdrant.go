// internal/vectorindex/qdrant.go
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
)

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// chunkIDKey is the payload field holding the caller's chunk ID.
const chunkIDKey = "chunk_id"

// pointNamespace derives stable point UUIDs from chunk IDs that are not
// UUIDs themselves.
var pointNamespace = uuid.MustParse("6f1c3b1e-8a55-4c1b-9d59-3f0b2c7e8a10")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string
	// Port is the gRPC port (not the 6333 REST port). Default: 6334
	Port int
	// Collection receives all vectors.
	Collection string
	Dimensions int
	Metric     Metric
	UseTLS     bool

	// MaxRetries bounds retries of transient failures. Default: 3
	MaxRetries int
	// RetryBackoff doubles on each retry. Default: 1 second
	RetryBackoff time.Duration
	// MaxMessageSize caps gRPC messages. Default: 50MB
	MaxMessageSize int
	// CircuitBreakerThreshold is the consecutive failure count that opens
	// the circuit. Default: 5
	CircuitBreakerThreshold int
	// CircuitResetAfter closes an open circuit after this quiet period. Default: 30s
	CircuitResetAfter time.Duration
}

// ApplyDefaults fills zero values.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitResetAfter == 0 {
		c.CircuitResetAfter = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be in 1-65535", ErrInvalidConfig)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, c.Collection)
	}
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		return err
	}
	return nil
}

func qdrantDistance(m Metric) qdrant.Distance {
	switch m {
	case MetricL2:
		return qdrant.Distance_Euclid
	case MetricDot:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

// IsTransientError reports whether a gRPC error is worth retrying.
// Network timeouts and temporary unavailability are; invalid arguments,
// missing collections and auth failures are not.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// breaker opens after threshold consecutive failures and closes again
// once resetAfter has passed since the last failure.
type breaker struct {
	threshold  int
	resetAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	failures int
	lastFail time.Time
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = b.now()
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	if b.now().Sub(b.lastFail) > b.resetAfter {
		b.failures = 0
		return false
	}
	return true
}

// qdrantAPI is the subset of *qdrant.Client the index calls.
type qdrantAPI interface {
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Close() error
}

// Qdrant is an Index backed by a remote Qdrant collection over gRPC.
type Qdrant struct {
	cfg     QdrantConfig
	client  qdrantAPI
	breaker *breaker
	logger  *logging.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewQdrant connects, health-checks and ensures the collection exists.
func NewQdrant(ctx context.Context, cfg QdrantConfig, logger *logging.Logger) (*Qdrant, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn(ctx, "qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check failed: %v", ErrUnavailable, err)
	}

	q := newQdrant(cfg, client, logger)
	if err := q.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func newQdrant(cfg QdrantConfig, client qdrantAPI, logger *logging.Logger) *Qdrant {
	return &Qdrant{
		cfg:     cfg,
		client:  client,
		breaker: &breaker{threshold: cfg.CircuitBreakerThreshold, resetAfter: cfg.CircuitResetAfter, now: time.Now},
		logger:  logger.Named("qdrant"),
		sleep:   sleepContext,
	}
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	var exists bool
	err := q.retryOperation(ctx, "CollectionExists", func() error {
		var err error
		exists, err = q.client.CollectionExists(ctx, q.cfg.Collection)
		return err
	})
	if err != nil || exists {
		return err
	}
	err = q.retryOperation(ctx, "CreateCollection", func() error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.cfg.Dimensions),
				Distance: qdrantDistance(q.cfg.Metric),
			}),
		})
	})
	if err != nil {
		return err
	}
	q.logger.Info(ctx, "created qdrant collection",
		zap.String("collection", q.cfg.Collection),
		zap.Int("dimensions", q.cfg.Dimensions),
	)
	return nil
}

// retryOperation retries transient failures with exponential backoff.
// Exhausted retries and an open circuit surface as ErrUnavailable.
func (q *Qdrant) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := q.cfg.RetryBackoff

	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if q.breaker.open() {
			return fmt.Errorf("%w: %s: circuit breaker open", ErrUnavailable, operationName)
		}

		err := operation()
		if err == nil {
			q.breaker.reset()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		q.breaker.recordFailure()

		if attempt < q.cfg.MaxRetries {
			q.logger.Debug(ctx, "retrying qdrant operation",
				zap.String("operation", operationName),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if err := q.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %s failed after %d retries", ErrUnavailable, operationName, q.cfg.MaxRetries)
}

// pointID maps a chunk ID to a Qdrant point UUID, deterministically.
func pointID(chunkID string) string {
	if id, err := uuid.Parse(chunkID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (q *Qdrant) Upsert(ctx context.Context, chunkID string, vector []float32, metadata map[string]string) error {
	return q.UpsertBatch(ctx, []Entry{{ChunkID: chunkID, Vector: vector, Metadata: metadata}})
}

func (q *Qdrant) UpsertBatch(ctx context.Context, entries []Entry) error {
	if err := checkEntries(q.cfg.Dimensions, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		payload := make(map[string]*qdrant.Value, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			payload[k] = stringValue(v)
		}
		payload[chunkIDKey] = stringValue(e.ChunkID)
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(e.ChunkID)),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		}
	}
	wait := true
	return q.retryOperation(ctx, "Upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.cfg.Collection,
			Points:         points,
			Wait:           &wait,
		})
		return err
	})
}

func (q *Qdrant) Query(ctx context.Context, vector []float32, k int, filter Filter, _ ...QueryOption) ([]Candidate, error) {
	if err := checkDims(q.cfg.Dimensions, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	req := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qdrantFilter(filter),
	}

	var points []*qdrant.ScoredPoint
	err := q.retryOperation(ctx, "Query", func() error {
		var err error
		points, err = q.client.Query(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	top := newTopK(k)
	for _, p := range points {
		meta := payloadStrings(p.GetPayload())
		id := meta[chunkIDKey]
		delete(meta, chunkIDKey)
		d := qdrantScoreToDistance(q.cfg.Metric, float64(p.GetScore()))
		top.offer(Candidate{ChunkID: id, Distance: d, Similarity: similarity(q.cfg.Metric, d), Metadata: meta})
	}
	return top.sorted(), nil
}

// qdrantScoreToDistance: Qdrant reports similarity for cosine and dot but
// the raw distance for Euclid.
func qdrantScoreToDistance(m Metric, score float64) float64 {
	switch m {
	case MetricL2:
		return score
	case MetricDot:
		return -score
	default:
		return 1 - score
	}
}

func (q *Qdrant) Delete(ctx context.Context, chunkID string) error {
	wait := true
	return q.retryOperation(ctx, "Delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.cfg.Collection,
			Wait:           &wait,
			Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(chunkID))),
		})
		return err
	})
}

func (q *Qdrant) Dimensions() int { return q.cfg.Dimensions }
func (q *Qdrant) Metric() Metric  { return q.cfg.Metric }

// Len asks the server for an exact count; -1 when unreachable.
func (q *Qdrant) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.cfg.Collection, Exact: &exact})
	if err != nil {
		return -1
	}
	return int(n)
}

func (q *Qdrant) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

// qdrantFilter turns an equality filter into Must keyword conditions.
func qdrantFilter(f Filter) *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(f))
	for k, v := range f {
		must = append(must, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: must}
}

func payloadStrings(payload map[string]*qdrant.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if s, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
			out[k] = s.StringValue
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isUnavailable reports whether err means the backend is down rather than
// the request being bad.
func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || IsTransientError(err)
}
