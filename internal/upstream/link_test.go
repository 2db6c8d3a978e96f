package upstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/model"
)

// fakeConn feeds scripted messages to the link and records writes.
type fakeConn struct {
	incoming chan model.Frame
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written []model.Frame
	failW   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan model.Frame, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.incoming:
		return f.Type, f.Data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failW {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, model.Frame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() []model.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Frame(nil), c.written...)
}

// scriptedDialer returns each scripted result in turn, then fails forever.
type scriptedDialer struct {
	mu      sync.Mutex
	results []interface{}
	calls   int
}

func (d *scriptedDialer) dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if conn, ok := r.(*fakeConn); ok {
		return conn, nil
	}
	return nil, r.(error)
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testConfig() Config {
	return Config{
		URL:             "ws://backend.test/events",
		BaseDelay:       time.Millisecond,
		MaxDelay:        4 * time.Millisecond,
		ReconnectWindow: time.Minute,
	}
}

func TestLink_PassesMessagesThroughInOrder(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{results: []interface{}{conn}}

	var mu sync.Mutex
	var got []string
	link := NewLink(testConfig(), d.dial, func(f model.Frame) {
		mu.Lock()
		got = append(got, string(f.Data))
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	waitFor(t, time.Second, link.IsOpen)
	for _, m := range []string{`{"type":"a"}`, "plain text", `{"type":"b"}`} {
		conn.incoming <- model.Text([]byte(m))
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}

	want := []string{`{"type":"a"}`, "plain text", `{"type":"b"}`}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestLink_ReconnectsAndResetsAttempt(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptedDialer{results: []interface{}{
		errors.New("refused"),
		errors.New("refused"),
		first,
		second,
	}}
	link := NewLink(testConfig(), d.dial, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	waitFor(t, time.Second, link.IsOpen)
	if link.Attempt() != 1 {
		t.Errorf("attempt should reset to 1 on open, got %d", link.Attempt())
	}

	first.Close()
	waitFor(t, time.Second, func() bool { return d.callCount() == 4 && link.IsOpen() })
	if link.Attempt() != 1 {
		t.Errorf("attempt should reset to 1 on reopen, got %d", link.Attempt())
	}
}

func TestLink_BackoffSequence(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	link := NewLink(cfg, nil, nil, zerolog.Nop())

	want := []time.Duration{10, 20, 40, 40}
	for i, w := range want {
		delay, fatal := link.handleClose(errors.New("down"))
		if fatal {
			t.Fatalf("close %d unexpectedly fatal", i)
		}
		if delay != w*time.Millisecond {
			t.Errorf("close %d: expected delay %v, got %v", i, w*time.Millisecond, delay)
		}
	}
}

func TestLink_FatalAfterReconnectWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectWindow = 120 * time.Second

	d := &scriptedDialer{}
	link := NewLink(cfg, d.dial, nil, zerolog.Nop())

	// Each observation of the clock advances it by 50s of continuous failure.
	var clockMu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	link.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(50 * time.Second)
		return now
	}

	done := make(chan error, 1)
	go func() { done <- link.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, model.ErrReconnectWindowExceeded) {
			t.Fatalf("expected ErrReconnectWindowExceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link never gave up")
	}

	if link.State() != StateDisconnected {
		t.Errorf("expected terminal state disconnected, got %s", link.State())
	}
	// failures at t=50 (start), 100, 150, 200: the fourth exceeds 120s.
	if d.callCount() != 4 {
		t.Errorf("expected 4 dial attempts before giving up, got %d", d.callCount())
	}
}

func TestLink_SuccessRestartsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectWindow = 100 * time.Second
	link := NewLink(cfg, nil, nil, zerolog.Nop())

	now := time.Unix(1_700_000_000, 0)
	link.now = func() time.Time { return now }

	if _, fatal := link.handleClose(errors.New("down")); fatal {
		t.Fatal("first failure must not be fatal")
	}
	now = now.Add(90 * time.Second)
	link.handleOpen(newFakeConn())

	now = now.Add(50 * time.Second)
	if _, fatal := link.handleClose(errors.New("down")); fatal {
		t.Fatal("window should restart after a successful open")
	}
	now = now.Add(101 * time.Second)
	if _, fatal := link.handleClose(errors.New("down")); !fatal {
		t.Fatal("expected fatal once the restarted window is exceeded")
	}
}

func TestLink_Forward(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{results: []interface{}{conn}}
	link := NewLink(testConfig(), d.dial, nil, zerolog.Nop())

	if link.Forward(model.Text([]byte("subscribe:early"))) {
		t.Error("forward before open should be dropped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)
	waitFor(t, time.Second, link.IsOpen)

	if !link.Forward(model.Text([]byte("subscribe:abc-123"))) {
		t.Fatal("forward on an open link should succeed")
	}
	if !link.Forward(model.Frame{Type: model.BinaryFrame, Data: []byte{0xff, 0x00}}) {
		t.Fatal("binary forward on an open link should succeed")
	}
	writes := conn.writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 upstream writes, got %d", len(writes))
	}
	if writes[0].Type != model.TextFrame || string(writes[0].Data) != "subscribe:abc-123" {
		t.Errorf("expected verbatim text write, got type=%d %q", writes[0].Type, writes[0].Data)
	}
	if writes[1].Type != model.BinaryFrame || !bytes.Equal(writes[1].Data, []byte{0xff, 0x00}) {
		t.Errorf("expected verbatim binary write, got type=%d %x", writes[1].Type, writes[1].Data)
	}
}

func TestLink_PreservesFrameType(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{results: []interface{}{conn}}

	got := make(chan model.Frame, 2)
	link := NewLink(testConfig(), d.dial, func(f model.Frame) { got <- f }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)
	waitFor(t, time.Second, link.IsOpen)

	conn.incoming <- model.Frame{Type: model.BinaryFrame, Data: []byte{0xff, 0x00, 0xfe}}
	conn.incoming <- model.Text([]byte(`{"type":"a"}`))

	for _, want := range []model.Frame{
		{Type: model.BinaryFrame, Data: []byte{0xff, 0x00, 0xfe}},
		{Type: model.TextFrame, Data: []byte(`{"type":"a"}`)},
	} {
		select {
		case f := <-got:
			if f.Type != want.Type || !bytes.Equal(f.Data, want.Data) {
				t.Errorf("expected type=%d %x, got type=%d %x", want.Type, want.Data, f.Type, f.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("frame not delivered")
		}
	}
}

func TestNewLink_MaxDelayNeverBelowBase(t *testing.T) {
	tests := []struct {
		name      string
		base, max time.Duration
		wantMax   time.Duration
	}{
		{"defaults", 0, 0, 30 * time.Second},
		{"base above default max", 45 * time.Second, 0, 45 * time.Second},
		{"max below base", 10 * time.Second, 2 * time.Second, 10 * time.Second},
		{"explicit", time.Second, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := NewLink(Config{BaseDelay: tt.base, MaxDelay: tt.max}, nil, nil, zerolog.Nop())
			if link.cfg.MaxDelay != tt.wantMax {
				t.Errorf("expected max delay %v, got %v", tt.wantMax, link.cfg.MaxDelay)
			}
			if link.cfg.MaxDelay < link.cfg.BaseDelay {
				t.Errorf("max delay %v below base %v", link.cfg.MaxDelay, link.cfg.BaseDelay)
			}
		})
	}
}
