// Package client is the browser-side connection manager for the relay's
// /notifications endpoint.
//
// A Client keeps one connection to the relay alive with heartbeats, jittered
// exponential reconnects and a circuit breaker. Messages sent while the
// connection is down are queued and flushed in order once it reopens, and
// inbound envelopes are validated and dispatched to subscribers by type.
//
// All connection state is owned by a single event loop goroutine. Public
// methods post events to it; socket readers and timers do the same, tagged
// with the connection generation they belong to so late events from a
// replaced connection are ignored.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/buffer"
	"github.com/remote-agent-terminal/relay/internal/model"
)

// Status is the client's position in its connection lifecycle.
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusOpen          Status = "open"
	StatusClosing       Status = "closing"
	StatusClosed        Status = "closed"
	StatusReconnecting  Status = "reconnecting"
	StatusDisconnected  Status = "disconnected"
	StatusCircuitBroken Status = "circuit_broken"
)

const (
	DefaultHeartbeatInterval       = 30 * time.Second
	DefaultPongTimeout             = 5 * time.Second
	DefaultBaseReconnectDelay      = time.Second
	DefaultMaxReconnectDelay       = 30 * time.Second
	DefaultMaxReconnectAttempts    = 10
	DefaultCircuitBreakerThreshold = 2
	DefaultCircuitBreakerWindow    = 60 * time.Second
	DefaultCircuitBreakerCoolOff   = 300 * time.Second

	writeTimeout = 10 * time.Second
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	URL    string
	Header http.Header
	Dial   DialFunc

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	BaseReconnectDelay time.Duration
	MaxReconnectDelay  time.Duration
	// MaxReconnectAttempts caps consecutive reconnects before giving up.
	// Negative means no cap.
	MaxReconnectAttempts int

	CircuitBreakerThreshold int
	CircuitBreakerWindow    time.Duration
	CircuitBreakerCoolOff   time.Duration

	// MaxQueueLength bounds the outbound queue; zero is unbounded.
	MaxQueueLength int

	Validator Validator
	// OnMalformed is called for every inbound frame the validator rejects.
	OnMalformed func(raw []byte, err error)
	// OnStatusChange is called once per transition, in order, on the same
	// goroutine that runs subscriber handlers. It may call back into the
	// client. The final Disconnected call can arrive after Disconnect returns.
	OnStatusChange func(Status)

	// Rand is the jitter source; nil seeds one from the clock.
	Rand   *rand.Rand
	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Dial == nil {
		o.Dial = CoderDial
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.BaseReconnectDelay <= 0 {
		o.BaseReconnectDelay = DefaultBaseReconnectDelay
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.CircuitBreakerThreshold <= 0 {
		o.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if o.CircuitBreakerWindow <= 0 {
		o.CircuitBreakerWindow = DefaultCircuitBreakerWindow
	}
	if o.CircuitBreakerCoolOff <= 0 {
		o.CircuitBreakerCoolOff = DefaultCircuitBreakerCoolOff
	}
	if o.Validator == nil {
		o.Validator = DefaultValidator()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Client manages one logical connection to the relay.
type Client struct {
	opts Options
	log  zerolog.Logger
	subs *subscribers

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	statusMu sync.RWMutex
	status   Status

	// Owned by the event loop.
	st loopState
}

// New creates a client and starts connecting immediately.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client: URL is required")
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		log:    opts.Logger,
		subs:   newSubscribers(),
		events: make(chan event),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		status: StatusConnecting,
		st: loopState{
			outbound: buffer.NewFIFO[[]byte](opts.MaxQueueLength),
		},
	}

	go c.loop()
	return c, nil
}

// Subscribe registers h for envelopes of type typ and returns a function that
// removes it. The reserved ping and pong types are never dispatched.
func (c *Client) Subscribe(typ string, h Handler) func() {
	return c.subs.add(typ, h)
}

// Send encodes env and sends it, or queues it while the connection is down.
func (c *Client) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.SendRaw(string(data))
}

// SendRaw sends text verbatim, or queues it while the connection is down.
// Control text such as "subscribe:<correlationId>" goes through here.
func (c *Client) SendRaw(text string) error {
	reply := make(chan error, 1)
	if !c.post(sendEvent{data: []byte(text), reply: reply}) {
		return model.ErrClientDisconnected
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return model.ErrClientDisconnected
	}
}

// Disconnect closes the connection with code and reason and stops all
// reconnection. It is terminal and safe to call more than once.
func (c *Client) Disconnect(code websocket.StatusCode, reason string) {
	c.post(disconnectEvent{code: code, reason: reason})
	<-c.done
	c.wg.Wait()
}

// Status returns the current lifecycle status.
func (c *Client) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// QueueLength returns the number of outbound messages waiting for a connection.
func (c *Client) QueueLength() int {
	return c.st.outbound.Len()
}

// PageHide closes the connection normally without stopping the client, as a
// page does before it is unloaded or frozen. The client stays Closed until
// VisibilityRestored.
func (c *Client) PageHide() {
	c.post(pageHideEvent{})
}

// VisibilityRestored reconnects if the connection was closed normally.
func (c *Client) VisibilityRestored() {
	c.post(visibleEvent{})
}

// Done is closed once the client reaches its terminal Disconnected state.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// post delivers ev to the loop. It reports false once the loop has exited.
func (c *Client) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) setStatus(s Status) {
	c.statusMu.Lock()
	prev := c.status
	c.status = s
	c.statusMu.Unlock()

	if prev == s {
		return
	}
	c.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("client status")
	if hook := c.opts.OnStatusChange; hook != nil {
		c.deliver(func() { c.safeCall("status hook", func() { hook(s) }) })
	}
}
