package vectorindex

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
)

// Strategy names accepted by New.
const (
	StrategyFlat    = "flat"
	StrategyIVF     = "ivf"
	StrategyChromem = "chromem"
	StrategyQdrant  = "qdrant"
)

// InMemory reports whether strategy keeps its vectors only in process
// memory, so a restart starts from an empty index.
func InMemory(strategy string) bool {
	switch strategy {
	case StrategyFlat, StrategyIVF, "":
		return true
	}
	return false
}

// New builds the configured index for vectors of the given dimensionality,
// wrapped with tracing and metrics.
func New(ctx context.Context, cfg config.VectorIndexConfig, dims int, logger *logging.Logger) (Index, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	metric, err := ParseMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyFlat
	}

	var idx Index
	switch strategy {
	case StrategyFlat:
		f, err := NewFlat(dims, metric)
		if err != nil {
			return nil, err
		}
		idx = f
	case StrategyIVF:
		x, err := NewIVF(IVFConfig{
			Dimensions:   dims,
			Metric:       metric,
			NList:        cfg.NList,
			NProbe:       cfg.NProbe,
			RetrainRatio: cfg.RetrainRatio,
		})
		if err != nil {
			return nil, err
		}
		idx = x
	case StrategyChromem:
		if metric != MetricCosine {
			return nil, fmt.Errorf("%w: chromem supports only the cosine metric", ErrInvalidConfig)
		}
		path, err := config.ExpandHome(cfg.ChromemPath)
		if err != nil {
			return nil, fmt.Errorf("expanding chromem path: %w", err)
		}
		c, err := NewChromem(ChromemConfig{
			Path:       path,
			Compress:   true,
			Collection: cfg.Collection,
			Dimensions: dims,
		}, logger)
		if err != nil {
			return nil, err
		}
		idx = c
	case StrategyQdrant:
		q, err := NewQdrant(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.Collection,
			Dimensions: dims,
			Metric:     metric,
			UseTLS:     cfg.QdrantTLS,
		}, logger)
		if err != nil {
			return nil, err
		}
		idx = q
	default:
		return nil, fmt.Errorf("%w: unknown vector index strategy %q", ErrInvalidConfig, cfg.Strategy)
	}

	logger.Info(ctx, "vector index ready",
		zap.String("strategy", strategy),
		zap.String("metric", string(metric)),
		zap.Int("dimensions", dims),
	)
	return Instrument(idx, strategy), nil
}
