package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocketDialer dials the push channel with gorilla/websocket.
type WebSocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	// ReadLimit bounds a single frame; zero leaves gorilla's default.
	ReadLimit int64
	// PingInterval enables keepalive pings. The read deadline is twice the
	// interval and is extended by every frame or pong.
	PingInterval time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	c := &wsConn{ws: ws, idle: 2 * d.PingInterval, done: make(chan struct{})}
	if d.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.idle))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.idle))
		})
		go c.keepalive(d.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	idle time.Duration

	once sync.Once
	done chan struct{}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.idle > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
	}
	return data, nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(every)); err != nil {
				return
			}
		}
	}
}
