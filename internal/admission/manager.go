package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/telemetry"
)

// Config holds configuration for the admission manager.
type Config struct {
	ConcurrencyLimit int
	MaxQueueLength   int
	ItemTimeout      time.Duration
}

// Manager owns one CallerQueue per caller identity. Queues are created lazily
// on first submission and removed only by eviction or shutdown.
type Manager struct {
	cfg     Config
	metrics *telemetry.AdmissionMetrics
	log     zerolog.Logger

	mu       sync.Mutex
	queues   map[string]*CallerQueue
	draining bool

	cron *cron.Cron
}

// NewManager creates a new admission manager.
func NewManager(cfg Config, metrics *telemetry.AdmissionMetrics, log zerolog.Logger) *Manager {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 1
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	if metrics == nil {
		metrics = telemetry.NoopAdmissionMetrics()
	}
	return &Manager{
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		queues:  make(map[string]*CallerQueue),
	}
}

// acquire returns the caller's queue, creating it if needed, with a reference
// held so eviction leaves it alone until release.
func (m *Manager) acquire(callerID string) *CallerQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[callerID]
	if !ok {
		q = NewCallerQueue(callerID, QueueConfig{
			Limit:          m.cfg.ConcurrencyLimit,
			MaxQueueLength: m.cfg.MaxQueueLength,
			ItemTimeout:    m.cfg.ItemTimeout,
		}, m.metrics, m.log)
		if m.draining {
			q.draining = true
		}
		m.queues[callerID] = q
	}
	q.refs.Add(1)
	return q
}

// Submit admits work under callerID's queue.
func (m *Manager) Submit(ctx context.Context, callerID string, work Work) (Outcome, error) {
	q := m.acquire(callerID)
	defer q.refs.Add(-1)
	return q.Submit(ctx, work)
}

// Get returns the caller's queue, or nil if none exists.
func (m *Manager) Get(callerID string) *CallerQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[callerID]
}

// Stats returns a snapshot of every queue ordered by caller id.
func (m *Manager) Stats() []model.QueueStats {
	m.mu.Lock()
	queues := make([]*CallerQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	stats := make([]model.QueueStats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CallerID < stats[j].CallerID })
	return stats
}

// QueueCount returns the number of caller queues currently held.
func (m *Manager) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Evict removes the caller's queue. It fails with ErrQueueBusy while the
// queue has running, waiting or arriving work.
func (m *Manager) Evict(callerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[callerID]
	if !ok {
		return model.ErrQueueNotFound
	}
	if q.busy() {
		return model.ErrQueueBusy
	}
	delete(m.queues, callerID)
	return nil
}

// EvictIdle removes every empty queue not used within maxIdle and returns
// how many were removed.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, q := range m.queues {
		if q.idleSince(cutoff) {
			delete(m.queues, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Debug().Int("evicted", evicted).Int("remaining", len(m.queues)).Msg("idle caller queues evicted")
	}
	return evicted
}

// StartEviction schedules EvictIdle on a cron spec such as "@every 5m".
func (m *Manager) StartEviction(spec string, maxIdle time.Duration) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { m.EvictIdle(maxIdle) }); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cron != nil {
		m.cron.Stop()
	}
	m.cron = c
	m.mu.Unlock()

	c.Start()
	return nil
}

// Drain puts every queue, including ones created later, into draining mode and
// waits until all of them are empty.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	queues := make([]*CallerQueue, 0, len(m.queues))
	for _, q := range m.queues {
		q.beginDrain()
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		if err := q.waitDrained(ctx); err != nil {
			return fmt.Errorf("drain caller %s: %w", q.CallerID(), err)
		}
	}
	m.log.Info().Int("queues", len(queues)).Msg("admission drained")
	return nil
}

// Close stops the eviction schedule.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
