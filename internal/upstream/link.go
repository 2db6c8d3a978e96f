// Package upstream maintains the relay's single long-lived connection to the
// backend event source.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/backoff"
	"github.com/remote-agent-terminal/relay/internal/model"
)

const (
	// Time allowed to write a message to the upstream.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the upstream.
	pongWait = 60 * time.Second

	// Send pings to the upstream with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// State is the link's position in its lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateDisconnected State = "disconnected"
)

// Conn is the subset of *websocket.Conn the link uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens one connection to the event source.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// GorillaDial dials with the default gorilla websocket dialer.
func GorillaDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Config holds configuration for the link.
type Config struct {
	URL             string
	Header          http.Header
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ReconnectWindow time.Duration
	// Keepalive enables periodic pings to the upstream.
	Keepalive bool
}

// Link owns exactly one connection to the backend event source. Messages are
// handed to the message callback unmodified; Forward writes browser-originated
// payloads upstream while the link is open.
type Link struct {
	cfg       Config
	dial      DialFunc
	onMessage func(frame model.Frame)
	log       zerolog.Logger

	// now is replaceable for tests.
	now func() time.Time

	mu           sync.RWMutex
	state        State
	conn         Conn
	attempt      int
	failingSince time.Time

	writeMu sync.Mutex
}

// NewLink creates a link. dial may be nil to use GorillaDial.
func NewLink(cfg Config, dial DialFunc, onMessage func(frame model.Frame), log zerolog.Logger) *Link {
	if dial == nil {
		dial = GorillaDial
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 120 * time.Second
	}
	if onMessage == nil {
		onMessage = func(model.Frame) {}
	}
	return &Link{
		cfg:       cfg,
		dial:      dial,
		onMessage: onMessage,
		log:       log,
		now:       time.Now,
		state:     StateConnecting,
		attempt:   1,
	}
}

// State returns the current link state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsOpen reports whether the link currently holds an open connection.
func (l *Link) IsOpen() bool {
	return l.State() == StateOpen
}

// Attempt returns the attempt number of the current or next connect.
func (l *Link) Attempt() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempt
}

// Run connects and keeps reconnecting until ctx is done, returning nil, or the
// reconnect window is exceeded, returning ErrReconnectWindowExceeded. The
// caller is expected to treat the latter as fatal for the process.
func (l *Link) Run(ctx context.Context) error {
	for {
		l.setState(StateConnecting)
		conn, err := l.dial(ctx, l.cfg.URL, l.cfg.Header)
		if err == nil {
			l.handleOpen(conn)
			err = l.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			l.setState(StateClosed)
			return nil
		}

		delay, fatal := l.handleClose(err)
		if fatal {
			return fmt.Errorf("%w after %v: %v", model.ErrReconnectWindowExceeded, l.cfg.ReconnectWindow, err)
		}

		select {
		case <-ctx.Done():
			l.setState(StateClosed)
			return nil
		case <-time.After(delay):
		}
	}
}

// handleOpen transitions to Open. A successful connection restarts the
// reconnect window and the attempt counter.
func (l *Link) handleOpen(conn Conn) {
	l.mu.Lock()
	l.conn = conn
	l.state = StateOpen
	l.attempt = 1
	l.failingSince = time.Time{}
	l.mu.Unlock()

	l.log.Info().Str("url", l.cfg.URL).Msg("upstream link open")
}

// handleClose transitions out of Open after a dial failure or a dropped
// connection. It returns the delay before the next attempt, or fatal=true
// once failures have persisted beyond the reconnect window.
func (l *Link) handleClose(cause error) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	if l.failingSince.IsZero() {
		l.failingSince = now
	}
	if now.Sub(l.failingSince) > l.cfg.ReconnectWindow {
		l.state = StateDisconnected
		l.log.Error().Err(cause).Dur("window", l.cfg.ReconnectWindow).Msg("upstream unreachable beyond reconnect window")
		return 0, true
	}

	l.state = StateClosed
	delay := backoff.Exponential(l.cfg.BaseDelay, l.cfg.MaxDelay, l.attempt-1)
	l.log.Warn().Err(cause).Int("attempt", l.attempt).Dur("delay", delay).Msg("upstream link closed; reconnecting")
	l.attempt++
	return delay, false
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// readLoop pumps upstream messages to the callback until the connection fails.
func (l *Link) readLoop(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	// Unblock ReadMessage on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if l.cfg.Keepalive {
		conn.SetReadDeadline(l.now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(l.now().Add(pongWait))
		})
		go l.pingLoop(conn, stop)
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.onMessage(model.Frame{Type: messageType, Data: message})
	}
}

func (l *Link) pingLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, l.now().Add(writeWait))
			l.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Forward writes frame upstream with its original message type if the link is
// open and reports whether it was written. Frames offered while the link is
// down are dropped.
func (l *Link) Forward(frame model.Frame) bool {
	l.mu.RLock()
	conn := l.conn
	open := l.state == StateOpen
	l.mu.RUnlock()

	if !open || conn == nil {
		l.log.Debug().Int("bytes", len(frame.Data)).Msg("upstream not open; control message dropped")
		return false
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(l.now().Add(writeWait))
	if err := conn.WriteMessage(frame.Type, frame.Data); err != nil {
		l.log.Warn().Err(err).Msg("upstream write failed")
		conn.Close()
		return false
	}
	return true
}
