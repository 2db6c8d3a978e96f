package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRelay answers pings with pongs and echoes every other frame back as a
// task.update envelope.
func echoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			reply := `{"type":"task.update","payload":{"echo":"` + string(data) + `"}}`
			if string(data) == `{"type":"ping"}` {
				reply = `{"type":"pong"}`
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_AgainstRealServer(t *testing.T) {
	srv := echoRelay(t)

	c, err := New(Options{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		HeartbeatInterval: 20 * time.Millisecond,
		PongTimeout:       200 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Disconnect(websocket.StatusNormalClosure, "done")

	updates := make(chan Envelope, 4)
	c.Subscribe("task.update", func(env Envelope) { updates <- env })

	require.NoError(t, c.SendRaw("subscribe:corr-1"))

	select {
	case env := <-updates:
		assert.JSONEq(t, `{"echo":"subscribe:corr-1"}`, string(env.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("no echo from relay")
	}

	// Several heartbeats pass with pongs arriving in time.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusOpen, c.Status())
}

func TestCoderDial_Refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := CoderDial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
