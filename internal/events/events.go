// Package events publishes retrieval, feedback and ingestion events for
// downstream analytics.
//
// Subjects are {prefix}.{kind}, for example:
//   - ragdoll.retrieval
//   - ragdoll.feedback
//   - ragdoll.ingest.processed
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
)

// Subjects relative to the configured prefix.
const (
	SubjectRetrieval = "retrieval"
	SubjectFeedback  = "feedback"
	SubjectIngest    = "ingest"
)

// Publisher emits JSON-encoded events. Publishing is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// NATS publishes to a NATS server.
type NATS struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// NewNATS wraps an existing connection. The caller keeps ownership of nc.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) *NATS {
	if prefix == "" {
		prefix = "ragdoll"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Connect dials url and returns a publisher that closes the connection on Close.
func Connect(url, prefix string, logger *logging.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("ragdoll"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	p := NewNATS(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// Subject returns the fully-qualified subject for kind.
func (p *NATS) Subject(kind string) string {
	return p.prefix + "." + kind
}

func (p *NATS) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	full := p.Subject(subject)
	if err := p.nc.Publish(full, data); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	p.logger.Trace(ctx, "published event", zap.String("subject", full), zap.Int("bytes", len(data)))
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *NATS) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}

// New builds the configured publisher; disabled events yield Nop.
func New(cfg config.EventsConfig, logger *logging.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	p, err := Connect(cfg.NATSURL, cfg.SubjectPrefix, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Message is one event captured by a Recorder.
type Message struct {
	Subject string
	Payload json.RawMessage
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Payload: data})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns the events published on subject, or all when subject is "".
func (r *Recorder) Messages(subject string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if subject == "" || m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}
