// Package admission bounds how many long-running backend calls each caller
// may have in flight. Every caller gets its own CallerQueue: up to Limit
// items run concurrently, the rest wait in FIFO order.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/remote-agent-terminal/relay/internal/buffer"
	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/telemetry"
)

// DefaultItemTimeout is used when QueueConfig.ItemTimeout is zero.
const DefaultItemTimeout = 60 * time.Second

// Work is one unit of admitted work. The context is cancelled when the item
// times out or its submitter goes away; the slot stays held until Work returns.
type Work func(ctx context.Context) (interface{}, error)

// Outcome describes how a submission was admitted.
type Outcome struct {
	Value interface{}
	// Queued is true when the item waited in pending instead of running at once.
	Queued bool
	Waited time.Duration
}

// QueueConfig configures a CallerQueue.
type QueueConfig struct {
	Limit          int
	MaxQueueLength int // 0 means unbounded
	ItemTimeout    time.Duration
}

type item struct {
	id         uint64
	enqueuedAt time.Time
	start      chan struct{}
}

type settlement struct {
	value interface{}
	err   error
}

// CallerQueue is the concurrency gate and wait list for one caller identity.
type CallerQueue struct {
	callerID string
	limit    int
	timeout  time.Duration
	metrics  *telemetry.AdmissionMetrics
	log      zerolog.Logger

	mu       sync.Mutex
	active   int
	pending  *buffer.FIFO[*item]
	draining bool
	drained  chan struct{}
	lastUsed time.Time

	nextID uint64
	// refs counts Submit calls in progress; guarded by the owning Manager's lock
	// on increment so eviction never races a new submission.
	refs atomic.Int32
}

// NewCallerQueue creates a queue for callerID. Limits below 1 are raised to 1.
func NewCallerQueue(callerID string, cfg QueueConfig, metrics *telemetry.AdmissionMetrics, log zerolog.Logger) *CallerQueue {
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	if metrics == nil {
		metrics = telemetry.NoopAdmissionMetrics()
	}
	return &CallerQueue{
		callerID: callerID,
		limit:    cfg.Limit,
		timeout:  cfg.ItemTimeout,
		metrics:  metrics,
		log:      log.With().Str("caller", callerID).Logger(),
		pending:  buffer.NewFIFO[*item](cfg.MaxQueueLength),
		drained:  make(chan struct{}),
		lastUsed: time.Now(),
	}
}

// CallerID returns the identity this queue serves.
func (q *CallerQueue) CallerID() string {
	return q.callerID
}

// Submit runs work under the queue's admission rules and returns its outcome.
// It blocks until the work settles, the item times out, or ctx is done while
// the item is still waiting.
func (q *CallerQueue) Submit(ctx context.Context, work Work) (Outcome, error) {
	attrs := metric.WithAttributes(attribute.String("caller", q.callerID))

	q.mu.Lock()
	q.lastUsed = time.Now()
	if q.draining {
		q.mu.Unlock()
		q.metrics.Rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("caller", q.callerID),
			attribute.String("reason", string(model.ReasonDraining)),
		))
		return Outcome{}, model.NewAdmissionError(model.ReasonDraining, q.callerID)
	}

	q.nextID++
	it := &item{id: q.nextID, enqueuedAt: time.Now()}

	if q.active < q.limit && q.pending.Len() == 0 {
		q.active++
		q.mu.Unlock()
		q.metrics.Active.Add(ctx, 1, attrs)
		return q.run(ctx, it, work, false)
	}

	it.start = make(chan struct{})
	if !q.pending.Push(it) {
		q.mu.Unlock()
		q.metrics.Rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("caller", q.callerID),
			attribute.String("reason", string(model.ReasonQueueFull)),
		))
		return Outcome{}, model.NewAdmissionError(model.ReasonQueueFull, q.callerID)
	}
	q.mu.Unlock()
	q.metrics.Queued.Add(ctx, 1, attrs)
	q.log.Debug().Uint64("item", it.id).Int("pending", q.pending.Len()).Msg("item queued")

	select {
	case <-it.start:
		return q.run(ctx, it, work, true)
	case <-ctx.Done():
	}

	q.mu.Lock()
	removed := q.pending.Remove(func(p *item) bool { return p == it })
	q.mu.Unlock()
	if !removed {
		// Promoted concurrently with cancellation; the slot is ours.
		return q.run(ctx, it, work, true)
	}
	q.metrics.Queued.Add(context.Background(), -1, attrs)
	q.checkDrained()
	return Outcome{Queued: true, Waited: time.Since(it.enqueuedAt)}, ctx.Err()
}

// run executes work in the slot already counted in active.
func (q *CallerQueue) run(ctx context.Context, it *item, work Work, queued bool) (Outcome, error) {
	outcome := Outcome{Queued: queued, Waited: time.Since(it.enqueuedAt)}
	attrs := metric.WithAttributes(attribute.String("caller", q.callerID))

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan settlement, 1)
	started := time.Now()

	go func() {
		defer cancel()
		defer q.release(started)
		v, err := work(workCtx)
		done <- settlement{value: v, err: err}
	}()

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case s := <-done:
		if s.err != nil {
			q.metrics.Failed.Add(ctx, 1, attrs)
		}
		outcome.Value = s.value
		return outcome, s.err
	case <-timer.C:
		cancel()
		q.metrics.TimedOut.Add(ctx, 1, attrs)
		q.log.Warn().Uint64("item", it.id).Dur("timeout", q.timeout).Msg("item timed out; slot held until work returns")
		return outcome, model.NewAdmissionError(model.ReasonTimeout, q.callerID)
	case <-ctx.Done():
		cancel()
		return outcome, ctx.Err()
	}
}

// release frees a slot and promotes waiting items in FIFO order.
func (q *CallerQueue) release(started time.Time) {
	bg := context.Background()
	attrs := metric.WithAttributes(attribute.String("caller", q.callerID))
	q.metrics.ItemDuration.Record(bg, time.Since(started).Seconds(), attrs)
	q.metrics.Active.Add(bg, -1, attrs)

	q.mu.Lock()
	q.active--
	q.lastUsed = time.Now()
	promoted := 0
	for q.active < q.limit {
		next, ok := q.pending.Pop()
		if !ok {
			break
		}
		q.active++
		promoted++
		close(next.start)
	}
	q.mu.Unlock()

	if promoted > 0 {
		q.metrics.Queued.Add(bg, int64(-promoted), attrs)
		q.metrics.Active.Add(bg, int64(promoted), attrs)
	}
	q.checkDrained()
}

func (q *CallerQueue) checkDrained() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeDrainedLocked()
}

func (q *CallerQueue) closeDrainedLocked() {
	if !q.draining || q.active != 0 || q.pending.Len() != 0 {
		return
	}
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
}

// Drain rejects all further submissions and waits until every admitted and
// pending item has settled, or ctx is done.
func (q *CallerQueue) Drain(ctx context.Context) error {
	q.beginDrain()
	return q.waitDrained(ctx)
}

func (q *CallerQueue) beginDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = true
	q.closeDrainedLocked()
}

func (q *CallerQueue) waitDrained(ctx context.Context) error {
	select {
	case <-q.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the queue.
func (q *CallerQueue) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return model.QueueStats{
		CallerID: q.callerID,
		Limit:    q.limit,
		Active:   q.active,
		Pending:  q.pending.Len(),
		Draining: q.draining,
	}
}

// idleSince reports whether the queue is empty and unused since cutoff.
func (q *CallerQueue) idleSince(cutoff time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active == 0 && q.pending.Len() == 0 && q.refs.Load() == 0 && q.lastUsed.Before(cutoff)
}

// busy reports whether the queue has running, waiting or arriving work.
func (q *CallerQueue) busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != 0 || q.pending.Len() != 0 || q.refs.Load() != 0
}
