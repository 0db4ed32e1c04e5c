package persist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/kalambet/folio/internal/storage"
)

// Batch is everything one completed chat request leaves behind.
type Batch struct {
	Session  storage.SessionRecord
	Messages []storage.MessageRecord
	Cost     storage.DailyCostRecord
}

// Worker writes batches to the durable store off the response path. A
// failed write is retried a few times, then logged and dropped.
type Worker struct {
	rec         storage.Recorder
	queue       chan Batch
	maxAttempts int
	backoff     time.Duration
	drainFor    time.Duration
	logger      *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

type Option func(*Worker)

// WithRetry sets the attempts per write and the base of the exponential
// backoff between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(w *Worker) {
		w.maxAttempts = attempts
		w.backoff = backoff
	}
}

// WithDrainTimeout bounds how long Run keeps writing queued batches after
// its context is cancelled.
func WithDrainTimeout(d time.Duration) Option { return func(w *Worker) { w.drainFor = d } }

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// NewWorker creates a Worker with room for queueSize pending batches.
// If queueSize is <= 0, it defaults to 256.
func NewWorker(rec storage.Recorder, queueSize int, opts ...Option) *Worker {
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Worker{
		rec:         rec,
		queue:       make(chan Batch, queueSize),
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		drainFor:    5 * time.Second,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.maxAttempts < 1 {
		w.maxAttempts = 1
	}
	return w
}

// Submit queues b without blocking. It reports false when the queue is full
// and b was dropped.
func (w *Worker) Submit(b Batch) bool {
	select {
	case w.queue <- b:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("persistence queue full, dropping batch", "session_id", b.Session.ID)
		return false
	}
}

// Run writes batches until ctx is cancelled, then drains what is already
// queued within the drain timeout.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.drain()
			return
		}
		select {
		case <-ctx.Done():
			w.drain()
			return
		case b := <-w.queue:
			w.deliver(ctx, b)
		}
	}
}

// RunOnce writes a single queued batch if one is waiting.
// Returns true if a batch was taken (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) bool {
	select {
	case b := <-w.queue:
		w.deliver(ctx, b)
		return true
	default:
		return false
	}
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainFor)
	defer cancel()
	for ctx.Err() == nil && w.RunOnce(ctx) {
	}
	if n := len(w.queue); n > 0 {
		w.dropped.Add(int64(n))
		w.logger.Warn("persistence worker stopped with batches pending", "pending", n)
	}
}

// Stats reports delivered and dropped batch counts.
func (w *Worker) Stats() (delivered, dropped int64) {
	return w.delivered.Load(), w.dropped.Load()
}

// deliver writes the session first so message rows have a parent. Each step
// retries on its own so a retry never duplicates an earlier step.
func (w *Worker) deliver(ctx context.Context, b Batch) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"session", func(ctx context.Context) error { return w.rec.UpsertSession(ctx, b.Session) }},
		{"messages", func(ctx context.Context) error { return w.rec.SaveMessages(ctx, b.Messages) }},
		{"daily_cost", func(ctx context.Context) error { return w.rec.AddDailyCost(ctx, b.Cost) }},
	}
	for _, s := range steps {
		if err := w.retry(ctx, s.fn); err != nil {
			w.dropped.Add(1)
			w.logger.Error("persisting chat record failed", "step", s.name, "session_id", b.Session.ID, "error", err)
			return
		}
	}
	w.delivered.Add(1)
}

func (w *Worker) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := range w.maxAttempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == w.maxAttempts-1 {
			break
		}
		backoff := time.Duration(float64(w.backoff) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("after %d attempts: %w", w.maxAttempts, err)
}
