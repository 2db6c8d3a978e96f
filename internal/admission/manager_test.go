package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/telemetry"
)

func newTestManager(limit, maxQueue int) *Manager {
	return NewManager(Config{
		ConcurrencyLimit: limit,
		MaxQueueLength:   maxQueue,
		ItemTimeout:      time.Second,
	}, nil, zerolog.Nop())
}

// For any caller, at any instant, the number of running items never exceeds
// the concurrency limit.
func TestActiveNeverExceedsLimitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40

	properties := gopter.NewProperties(parameters)

	properties.Property("active count bounded by limit under concurrent load", prop.ForAll(
		func(limit int, durations []int) bool {
			m := newTestManager(limit, 0)
			tracker := &concurrencyTracker{}

			var wg sync.WaitGroup
			for i, d := range durations {
				caller := "a"
				if i%3 == 0 {
					caller = "b"
				}
				d := time.Duration(d) * time.Millisecond
				wg.Add(1)
				go func(caller string) {
					defer wg.Done()
					if caller != "a" {
						m.Submit(context.Background(), caller, func(ctx context.Context) (interface{}, error) {
							time.Sleep(d)
							return nil, nil
						})
						return
					}
					m.Submit(context.Background(), caller, func(ctx context.Context) (interface{}, error) {
						tracker.enter()
						defer tracker.leave()
						time.Sleep(d)
						return nil, nil
					})
				}(caller)
			}
			wg.Wait()

			if tracker.peak() > int64(limit) {
				return false
			}
			for _, s := range m.Stats() {
				if s.Active > s.Limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 4),
		gen.SliceOfN(12, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}

func TestManager_LazyCreationAndIsolation(t *testing.T) {
	m := newTestManager(1, 0)
	if m.QueueCount() != 0 {
		t.Fatalf("expected no queues before first submission, got %d", m.QueueCount())
	}

	release := make(chan struct{})
	go m.Submit(context.Background(), "alice", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	waitFor(t, time.Second, func() bool {
		q := m.Get("alice")
		return q != nil && q.Stats().Active == 1
	})

	// alice is saturated; bob must still run immediately.
	out, err := m.Submit(context.Background(), "bob", func(ctx context.Context) (interface{}, error) {
		return "bob", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Queued {
		t.Error("bob should not be queued behind alice")
	}
	if m.QueueCount() != 2 {
		t.Errorf("expected 2 queues, got %d", m.QueueCount())
	}

	close(release)
}

func TestManager_EvictIdle(t *testing.T) {
	m := newTestManager(1, 0)
	m.Submit(context.Background(), "idle", func(ctx context.Context) (interface{}, error) { return nil, nil })

	release := make(chan struct{})
	go m.Submit(context.Background(), "busy", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	waitFor(t, time.Second, func() bool {
		q := m.Get("busy")
		return q != nil && q.Stats().Active == 1
	})
	time.Sleep(5 * time.Millisecond)

	if n := m.EvictIdle(time.Millisecond); n != 1 {
		t.Errorf("expected 1 evicted queue, got %d", n)
	}
	if m.Get("idle") != nil {
		t.Error("idle queue should be evicted")
	}
	if m.Get("busy") == nil {
		t.Error("busy queue must survive eviction")
	}

	close(release)
}

func TestManager_Evict(t *testing.T) {
	m := newTestManager(1, 0)

	if err := m.Evict("nobody"); !errors.Is(err, model.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}

	release := make(chan struct{})
	go m.Submit(context.Background(), "carol", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	waitFor(t, time.Second, func() bool {
		q := m.Get("carol")
		return q != nil && q.Stats().Active == 1
	})

	if err := m.Evict("carol"); !errors.Is(err, model.ErrQueueBusy) {
		t.Errorf("expected ErrQueueBusy, got %v", err)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return m.Evict("carol") == nil })
	if m.Get("carol") != nil {
		t.Error("queue should be gone after eviction")
	}
}

func TestManager_StartEvictionRejectsBadSpec(t *testing.T) {
	m := newTestManager(1, 0)
	defer m.Close()

	if err := m.StartEviction("every now and then", time.Minute); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
	if err := m.StartEviction("@every 1h", time.Minute); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
}

func TestManager_DrainRejectsNewCallers(t *testing.T) {
	m := newTestManager(1, 0)
	m.Submit(context.Background(), "dave", func(ctx context.Context) (interface{}, error) { return nil, nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	for _, caller := range []string{"dave", "erin"} {
		_, err := m.Submit(context.Background(), caller, func(ctx context.Context) (interface{}, error) {
			t.Errorf("work for %s ran after drain", caller)
			return nil, nil
		})
		if !errors.Is(err, model.ErrQueueDraining) {
			t.Errorf("%s: expected ErrQueueDraining, got %v", caller, err)
		}
	}
}

func TestManager_RecordsTimeouts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	metrics, err := telemetry.NewAdmissionMetrics(mp.Meter(telemetry.MeterName))
	if err != nil {
		t.Fatalf("NewAdmissionMetrics: %v", err)
	}
	m := NewManager(Config{ConcurrencyLimit: 1, ItemTimeout: 10 * time.Millisecond}, metrics, zerolog.Nop())

	_, err = m.Submit(context.Background(), "frank", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, model.ErrAdmissionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var timeouts int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "relay.admission.timeouts" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected aggregation %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				timeouts += dp.Value
			}
		}
	}
	if timeouts != 1 {
		t.Errorf("expected 1 recorded timeout, got %d", timeouts)
	}
}
