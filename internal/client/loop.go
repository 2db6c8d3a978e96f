package client

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"

	"github.com/remote-agent-terminal/relay/internal/backoff"
	"github.com/remote-agent-terminal/relay/internal/buffer"
	"github.com/remote-agent-terminal/relay/internal/model"
)

var errHeartbeatTimeout = errors.New("no pong within timeout")

var pingFrame = []byte(`{"type":"ping"}`)
var pongFrame = []byte(`{"type":"pong"}`)

type event interface{}

type (
	openedEvent struct {
		gen  uint64
		conn Conn
	}
	dialFailedEvent struct {
		gen uint64
		err error
	}
	closedEvent struct {
		gen uint64
		err error
	}
	messageEvent struct {
		gen  uint64
		data []byte
	}
	sendEvent struct {
		data  []byte
		reply chan<- error
	}
	disconnectEvent struct {
		code   websocket.StatusCode
		reason string
	}
	pageHideEvent struct{}
	visibleEvent  struct{}
)

// loopState is touched only by the event loop goroutine, except outbound and
// inbox which are safe for concurrent use.
type loopState struct {
	gen      uint64
	conn     Conn
	attempts int
	failures []time.Time
	outbound *buffer.FIFO[[]byte]
	stopped  bool

	heartbeat  *time.Ticker
	heartbeatC <-chan time.Time
	pongTimer  *time.Timer
	pongC      <-chan time.Time
	reconnect  *time.Timer
	reconnectC <-chan time.Time
	coolOff    *time.Timer
	coolOffC   <-chan time.Time

	inbox       *buffer.FIFO[func()]
	inboxSignal chan struct{}
}

func (c *Client) loop() {
	defer close(c.done)

	c.st.inbox = buffer.NewFIFO[func()](0)
	c.st.inboxSignal = make(chan struct{}, 1)
	go c.dispatchLoop()

	c.connect(StatusConnecting)

	for !c.st.stopped {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.st.heartbeatC:
			c.onHeartbeat()
		case <-c.st.pongC:
			c.st.pongC = nil
			c.connectionLost(websocket.StatusGoingAway, "heartbeat timeout", errHeartbeatTimeout)
		case <-c.st.reconnectC:
			c.st.reconnectC = nil
			c.connect(StatusReconnecting)
		case <-c.st.coolOffC:
			c.st.coolOffC = nil
			c.st.failures = nil
			c.log.Info().Msg("circuit breaker cool-off elapsed; retrying")
			c.connect(StatusConnecting)
		}
	}
}

func (c *Client) handle(ev event) {
	switch ev := ev.(type) {
	case openedEvent:
		c.onOpened(ev)
	case dialFailedEvent:
		if ev.gen != c.st.gen {
			return
		}
		c.handleAbnormal(ev.err)
	case closedEvent:
		c.onClosed(ev)
	case messageEvent:
		if ev.gen == c.st.gen {
			c.onMessage(ev.data)
		}
	case sendEvent:
		ev.reply <- c.onSend(ev.data)
	case disconnectEvent:
		c.terminate(ev.code, ev.reason)
	case pageHideEvent:
		c.onPageHide()
	case visibleEvent:
		if c.Status() == StatusClosed {
			c.connect(StatusConnecting)
		}
	}
}

// connect starts one dial attempt for a new connection generation.
func (c *Client) connect(status Status) {
	c.st.gen++
	gen := c.st.gen
	c.setStatus(status)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.opts.Dial(c.ctx, c.opts.URL, c.opts.Header)
		var ev event
		if err != nil {
			ev = dialFailedEvent{gen: gen, err: err}
		} else {
			ev = openedEvent{gen: gen, conn: conn}
		}
		if !c.post(ev) && conn != nil {
			conn.Close(websocket.StatusGoingAway, "client stopped")
		}
	}()
}

func (c *Client) onOpened(ev openedEvent) {
	if ev.gen != c.st.gen {
		c.closeAsync(ev.conn, websocket.StatusGoingAway, "superseded")
		return
	}

	c.st.conn = ev.conn
	c.st.attempts = 0
	c.st.failures = nil
	c.setStatus(StatusOpen)
	c.log.Info().Str("url", c.opts.URL).Msg("connected to relay")

	c.startReader(ev.gen, ev.conn)

	for {
		data, ok := c.st.outbound.Peek()
		if !ok {
			break
		}
		if err := c.write(data); err != nil {
			c.connectionLost(websocket.StatusGoingAway, "write failed", err)
			return
		}
		c.st.outbound.Pop()
	}

	c.st.heartbeat = time.NewTicker(c.opts.HeartbeatInterval)
	c.st.heartbeatC = c.st.heartbeat.C
}

func (c *Client) onClosed(ev closedEvent) {
	if ev.gen != c.st.gen {
		return
	}
	c.st.conn = nil
	c.stopHeartbeat()

	if websocket.CloseStatus(ev.err) == websocket.StatusNormalClosure {
		c.log.Info().Msg("relay closed the connection normally")
		c.setStatus(StatusClosed)
		return
	}
	c.handleAbnormal(ev.err)
}

// connectionLost drops the current connection from our side and treats it as
// an abnormal close.
func (c *Client) connectionLost(code websocket.StatusCode, reason string, cause error) {
	c.dropConn(code, reason)
	c.handleAbnormal(cause)
}

// handleAbnormal records a failure and either trips the breaker, gives up,
// or schedules the next reconnect.
func (c *Client) handleAbnormal(cause error) {
	now := time.Now()
	cutoff := now.Add(-c.opts.CircuitBreakerWindow)
	kept := c.st.failures[:0]
	for _, ts := range c.st.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.st.failures = append(kept, now)

	if len(c.st.failures) >= c.opts.CircuitBreakerThreshold {
		c.log.Warn().Err(cause).Int("failures", len(c.st.failures)).Dur("cool_off", c.opts.CircuitBreakerCoolOff).Msg("circuit breaker open")
		c.setStatus(StatusCircuitBroken)
		c.st.coolOff = time.NewTimer(c.opts.CircuitBreakerCoolOff)
		c.st.coolOffC = c.st.coolOff.C
		return
	}

	if c.opts.MaxReconnectAttempts > 0 && c.st.attempts >= c.opts.MaxReconnectAttempts {
		c.log.Warn().Err(cause).Int("attempts", c.st.attempts).Msg("reconnect attempts exhausted")
		c.terminate(websocket.StatusGoingAway, "reconnect attempts exhausted")
		return
	}

	delay := backoff.Jittered(c.opts.BaseReconnectDelay, c.opts.MaxReconnectDelay, c.st.attempts, backoff.Jitter(c.opts.Rand))
	c.st.attempts++
	c.log.Warn().Err(cause).Int("attempt", c.st.attempts).Dur("delay", delay).Msg("connection lost; reconnecting")
	c.setStatus(StatusReconnecting)
	c.st.reconnect = time.NewTimer(delay)
	c.st.reconnectC = c.st.reconnect.C
}

func (c *Client) onHeartbeat() {
	if c.st.conn == nil {
		return
	}
	if err := c.write(pingFrame); err != nil {
		c.connectionLost(websocket.StatusGoingAway, "write failed", err)
		return
	}
	if c.st.pongC == nil {
		c.st.pongTimer = time.NewTimer(c.opts.PongTimeout)
		c.st.pongC = c.st.pongTimer.C
	}
}

func (c *Client) onMessage(data []byte) {
	env, err := c.opts.Validator.Validate(data)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("malformed payload dropped")
		if c.opts.OnMalformed != nil {
			c.safeCall("malformed hook", func() { c.opts.OnMalformed(data, err) })
		}
		return
	}

	switch env.Type {
	case TypePong:
		c.stopPongTimer()
	case TypePing:
		if err := c.write(pongFrame); err != nil {
			c.connectionLost(websocket.StatusGoingAway, "write failed", err)
		}
	default:
		c.deliver(func() {
			for _, h := range c.subs.handlers(env.Type) {
				h := h
				c.safeCall("handler "+env.Type, func() { h(env) })
			}
		})
	}
}

func (c *Client) onSend(data []byte) error {
	if c.st.conn != nil {
		if err := c.write(data); err != nil {
			c.st.outbound.PushFront(data)
			c.connectionLost(websocket.StatusGoingAway, "write failed", err)
		}
		return nil
	}
	if !c.st.outbound.Push(data) {
		return model.ErrOutboundQueueFull
	}
	return nil
}

func (c *Client) onPageHide() {
	switch c.Status() {
	case StatusDisconnected, StatusCircuitBroken, StatusClosed:
		return
	}
	c.stopReconnect()
	c.dropConn(websocket.StatusNormalClosure, "page hidden")
	c.setStatus(StatusClosed)
}

// terminate closes everything and stops the loop.
func (c *Client) terminate(code websocket.StatusCode, reason string) {
	c.stopReconnect()
	if c.st.coolOff != nil {
		c.st.coolOff.Stop()
		c.st.coolOffC = nil
	}
	if c.st.conn != nil {
		c.setStatus(StatusClosing)
	}
	c.dropConn(code, reason)
	c.setStatus(StatusDisconnected)
	c.cancel()
	c.st.stopped = true
}

// dropConn invalidates the current generation and closes its connection.
func (c *Client) dropConn(code websocket.StatusCode, reason string) {
	conn := c.st.conn
	c.st.conn = nil
	c.st.gen++
	c.stopHeartbeat()
	if conn != nil {
		c.closeAsync(conn, code, reason)
	}
}

// closeAsync closes conn off the loop; the close handshake waits on the reader.
func (c *Client) closeAsync(conn Conn, code websocket.StatusCode, reason string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn.Close(code, reason)
	}()
}

func (c *Client) startReader(gen uint64, conn Conn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				c.post(closedEvent{gen: gen, err: err})
				return
			}
			if !c.post(messageEvent{gen: gen, data: data}) {
				return
			}
		}
	}()
}

func (c *Client) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.st.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) stopHeartbeat() {
	if c.st.heartbeat != nil {
		c.st.heartbeat.Stop()
		c.st.heartbeat = nil
	}
	c.st.heartbeatC = nil
	c.stopPongTimer()
}

func (c *Client) stopPongTimer() {
	if c.st.pongTimer != nil {
		c.st.pongTimer.Stop()
		c.st.pongTimer = nil
	}
	c.st.pongC = nil
}

func (c *Client) stopReconnect() {
	if c.st.reconnect != nil {
		c.st.reconnect.Stop()
		c.st.reconnect = nil
	}
	c.st.reconnectC = nil
}

// deliver queues fn for the dispatch goroutine.
func (c *Client) deliver(fn func()) {
	c.st.inbox.Push(fn)
	select {
	case c.st.inboxSignal <- struct{}{}:
	default:
	}
}

// dispatchLoop runs subscriber handlers and status hooks in the order the
// loop queued them, off the event loop so they may call back into the client.
// Whatever is queued when the loop exits, the final Disconnected hook
// included, is still delivered.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.st.inboxSignal:
			c.runInbox()
		case <-c.done:
			c.runInbox()
			return
		}
	}
}

func (c *Client) runInbox() {
	for {
		fn, ok := c.st.inbox.Pop()
		if !ok {
			return
		}
		fn()
	}
}

func (c *Client) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("in", what).Msg("recovered panic in client callback")
		}
	}()
	fn()
}
