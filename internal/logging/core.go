package logging

import (
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Per tick, the first samplingFirst entries with the same level and message
// are kept, then every samplingThereafter-th.
const (
	samplingFirst      = 100
	samplingThereafter = 10
)

func newCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Stderr {
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.RedactKeys)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), cfg.Level))
	}
	if cfg.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore("github.com/MadBomber/ragdoll-docs-sub001",
			otelzap.WithLoggerProvider(provider),
		))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no log output available")
	}

	core := zapcore.NewTee(cores...)
	if cfg.Sampling {
		core = sampled(core, cfg.SamplingTick)
	}
	return core, nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// sampled applies zap's sampler to Debug through Warn. Trace is below the
// sampler's level range and Error and above must never be dropped, so both
// bypass it.
func sampled(core zapcore.Core, tick time.Duration) zapcore.Core {
	return zapcore.NewTee(
		&bandCore{Core: core, min: TraceLevel, max: TraceLevel},
		zapcore.NewSamplerWithOptions(
			&bandCore{Core: core, min: zapcore.DebugLevel, max: zapcore.WarnLevel},
			tick, samplingFirst, samplingThereafter,
		),
		&bandCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
	)
}

// bandCore only accepts entries with min <= level <= max.
type bandCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
