package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the channel open until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialerDeliversFrames(t *testing.T) {
	url := pushServer(t, `{"type":"workflow_update","data":{"id":"wf-9","status":"starting"}}`)

	d := WebSocketDialer{HandshakeTimeout: time.Second, ReadLimit: 1 << 16, PingInterval: 50 * time.Millisecond}
	c, err := d.Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"workflow_update","data":{"id":"wf-9","status":"starting"}}`, string(data))

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	_, err = c.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketDialerReportsHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := WebSocketDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestManagerOverWebSocket(t *testing.T) {
	url := pushServer(t,
		`{"type":"workflow_update","data":{"id":"wf-9","status":"running","phases":[{"name":"search","completedUnits":2,"totalUnits":4}]}}`,
	)
	l, m := setup(t, WebSocketDialer{HandshakeTimeout: time.Second}, fastRetry)

	got := make(chan progress.Update, 1)
	on(t, l, func() {
		m.Subscribe("wf-9", func(up progress.Update) { got <- up })
		require.NoError(t, m.Connect(url))
	})

	select {
	case up := <-got:
		assert.Equal(t, progress.StatusRunning, up.Status)
		require.Len(t, up.Phases, 1)
		assert.Equal(t, 2, *up.Phases[0].CompletedUnits)
	case <-time.After(2 * time.Second):
		t.Fatalf("no update over websocket")
	}
	assert.Equal(t, StateOpen, stateOf(t, l, m))
}
