package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/relay/api/handlers"
	"github.com/remote-agent-terminal/relay/internal/config"
	"github.com/remote-agent-terminal/relay/internal/model"
)

func TestApp_UpstreamGivesUp_ClosesBrowsersThenDrains(t *testing.T) {
	var upgrader websocket.Upgrader
	upConns := make(chan *websocket.Conn, 4)
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upConns <- conn
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	defer upstreamSrv.Close()

	release := make(chan struct{})
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"t1"}`))
	}))
	defer backendSrv.Close()

	cfg := config.Default()
	cfg.Upstream.URL = "ws" + strings.TrimPrefix(upstreamSrv.URL, "http")
	cfg.Upstream.BaseDelay = config.Duration(time.Millisecond)
	cfg.Upstream.MaxDelay = config.Duration(5 * time.Millisecond)
	cfg.Upstream.ReconnectWindow = config.Duration(50 * time.Millisecond)
	cfg.Backend.BaseURL = backendSrv.URL
	cfg.Session.DBPath = filepath.Join(t.TempDir(), "sessions.db")
	cfg.Server.ShutdownTimeout = config.Duration(5 * time.Second)

	a, err := newApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- a.run(context.Background(), ln) }()

	var upConn *websocket.Conn
	select {
	case upConn = <-upConns:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never dialed upstream")
	}
	require.Eventually(t, a.relay.Link().IsOpen, 2*time.Second, 5*time.Millisecond)

	browser, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/notifications", nil)
	require.NoError(t, err)
	defer browser.Close()
	require.Eventually(t, func() bool {
		return a.relay.Hub().ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	taskStatus := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/tasks", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(handlers.HeaderUserID, "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			taskStatus <- 0
			return
		}
		resp.Body.Close()
		taskStatus <- resp.StatusCode
	}()
	require.Eventually(t, func() bool {
		q := a.admission.Get("alice")
		return q != nil && q.Stats().Active == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Take the upstream away for good. The test server does not track
	// hijacked connections, so the live one is closed by hand.
	upstreamSrv.Close()
	upConn.Close()

	// Browsers are dropped while the admitted task is still running.
	browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := browser.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout(), "browser connection was not closed")
		break
	}
	select {
	case err := <-runErr:
		t.Fatalf("run returned before the in-flight task finished: %v", err)
	default:
	}

	close(release)
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, model.ErrReconnectWindowExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the task finished")
	}
	assert.Equal(t, http.StatusCreated, <-taskStatus)
}

func TestApp_ContextCancelIsCleanShutdown(t *testing.T) {
	cfg := config.Default()
	// Nothing listens here; the link keeps retrying until the context ends.
	cfg.Upstream.URL = "ws://127.0.0.1:1/notifications"
	cfg.Upstream.ReconnectWindow = config.Duration(time.Minute)
	cfg.Session.DBPath = filepath.Join(t.TempDir(), "sessions.db")

	a, err := newApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.run(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestNewApp_BadSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.Session.DBPath = filepath.Join(t.TempDir(), "sessions.db")
	cfg.Admission.EvictionSchedule = "not a schedule"

	_, err := newApp(cfg, zerolog.Nop())
	assert.Error(t, err)
}
