package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("ingestion queue closed")

// Task is a queued unit of ingestion work. Cancellation and retry are
// explicit: Cancel stops the task, MaxAttempts bounds how many embedding
// passes it gets before its failed chunks are left for RetryFailed.
type Task struct {
	Request
	// RetryOnly skips chunking and re-embeds the document's recorded
	// failed chunks.
	RetryOnly bool
	// MaxAttempts overrides the pipeline default when positive.
	MaxAttempts int

	mu       sync.Mutex
	canceled bool
	cancel   context.CancelFunc
	attempts int
	results  []*Result
	err      error
	done     chan struct{}
}

// NewTask creates a task ingesting req.
func NewTask(req Request) *Task {
	return &Task{Request: req, done: make(chan struct{})}
}

// NewRetryTask creates a task re-embedding the failed chunks of documentID.
func NewRetryTask(documentID string) *Task {
	return &Task{Request: Request{DocumentID: documentID}, RetryOnly: true, done: make(chan struct{})}
}

// Cancel stops the task. A task not yet picked up finishes with
// context.Canceled without running.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Attempts returns how many passes the task has run.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its per-unit results.
func (t *Task) Wait(ctx context.Context) ([]*Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.results, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start binds the task to a cancellable context, or reports that it was
// cancelled before a worker reached it.
func (t *Task) start(parent context.Context) (context.Context, context.CancelFunc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	return ctx, cancel, true
}

func (t *Task) finish(results []*Result, err error) {
	t.mu.Lock()
	t.results, t.err = results, err
	t.mu.Unlock()
	close(t.done)
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}
	if p.running {
		return errors.New("ingestion pipeline already started")
	}
	p.running = true
	for i := 0; i < p.opts.Workers; i++ {
		p.workers.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info(ctx, "ingestion workers started", zap.Int("workers", p.opts.Workers))
	return nil
}

// Enqueue adds t to the queue, blocking while the queue is full.
func (p *Pipeline) Enqueue(ctx context.Context, t *Task) error {
	if t.done == nil {
		t.done = make(chan struct{})
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrQueueClosed
	}
	p.pending.Add(1)
	p.mu.Unlock()

	select {
	case p.queue <- t:
		queueDepth.Inc()
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until every enqueued task has finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Close stops accepting tasks, drains the queue and stops the workers.
// Tasks still queued on a pipeline that was never started finish with
// ErrQueueClosed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	running := p.running
	p.mu.Unlock()

	if !running {
		for {
			select {
			case t := <-p.queue:
				queueDepth.Dec()
				t.finish(nil, ErrQueueClosed)
				p.pending.Done()
			default:
				return nil
			}
		}
	}
	p.pending.Wait()
	close(p.stop)
	p.workers.Wait()
	return nil
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.workers.Done()
	for {
		select {
		case t := <-p.queue:
			queueDepth.Dec()
			p.run(ctx, t)
			p.pending.Done()
		case <-p.stop:
			return
		case <-ctx.Done():
			p.drain(ctx.Err())
			return
		}
	}
}

// drain fails queued tasks once the pool's context is gone.
func (p *Pipeline) drain(err error) {
	for {
		select {
		case t := <-p.queue:
			queueDepth.Dec()
			t.finish(nil, err)
			p.pending.Done()
		default:
			return
		}
	}
}

// run executes one task with panic recovery so a bad task cannot take a
// worker down.
func (p *Pipeline) run(parent context.Context, t *Task) {
	tctx, cancel, ok := t.start(parent)
	if !ok {
		tasksTotal.WithLabelValues("canceled").Inc()
		t.finish(nil, context.Canceled)
		return
	}
	defer cancel()
	tctx = logging.WithDocumentID(tctx, t.DocumentID)

	var (
		results []*Result
		err     error
	)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(tctx, "ingestion task panicked", zap.Any("panic", r), zap.Stack("stack"))
			tasksTotal.WithLabelValues("error").Inc()
			t.finish(results, fmt.Errorf("ingestion task panicked: %v", r))
		}
	}()

	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.opts.MaxAttempts
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t.mu.Lock()
		t.attempts = attempt
		t.mu.Unlock()

		var rs []*Result
		if attempt == 1 && !t.RetryOnly {
			var r *Result
			r, err = p.Ingest(tctx, t.Request)
			if r != nil {
				rs = []*Result{r}
			}
		} else {
			rs, err = p.RetryFailed(tctx, t.DocumentID)
		}
		results = mergeResults(results, rs)

		if err != nil || !anyFailed(results) || attempt == maxAttempts {
			break
		}
		p.logger.Debug(tctx, "chunks still failing, retrying task",
			zap.Int("attempt", attempt),
			zap.Duration("delay", p.opts.RetryDelay),
		)
		if serr := sleepContext(tctx, p.opts.RetryDelay); serr != nil {
			err = serr
			break
		}
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		tasksTotal.WithLabelValues("canceled").Inc()
	case err != nil:
		tasksTotal.WithLabelValues("error").Inc()
		p.logger.Warn(tctx, "ingestion task failed", zap.Error(err))
	case anyFailed(results):
		tasksTotal.WithLabelValues("partial").Inc()
	default:
		tasksTotal.WithLabelValues("ok").Inc()
	}
	t.finish(results, err)
}

// mergeResults replaces earlier results for the same content unit.
func mergeResults(prev, next []*Result) []*Result {
	for _, r := range next {
		replaced := false
		for i, old := range prev {
			if old.ContentUnitID == r.ContentUnitID {
				prev[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			prev = append(prev, r)
		}
	}
	return prev
}

func anyFailed(results []*Result) bool {
	for _, r := range results {
		if len(r.FailedIndices) > 0 {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
