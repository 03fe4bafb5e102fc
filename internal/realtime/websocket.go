package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// WebSocketTransport dials the hub's /ws endpoint.
type WebSocketTransport struct {
	URL     string // ws:// or wss:// endpoint
	AgentID string
	Token   string
	Dialer  *websocket.Dialer // default: websocket.DefaultDialer
}

// Dial opens a websocket, asking the server to replay events after since.
func (t *WebSocketTransport) Dial(ctx context.Context, since int64) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: websocket url: %w", err)
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(since, 10))
	if t.AgentID != "" {
		q.Set("agent_id", t.AgentID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Redacted(), err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws      *websocket.Conn
	in      chan Envelope
	writeMu sync.Mutex
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		in:   make(chan Envelope, 64),
		done: make(chan struct{}),
	}
	go c.readPump()
	go c.pingLoop()
	return c
}

func (c *wsConn) readPump() {
	defer close(c.in)
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("realtime: websocket read")
			}
			c.fail(err)
			return
		}
		select {
		case c.in <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				c.ws.Close()
				return
			}
		}
	}
}

func (c *wsConn) Listen() <-chan Envelope { return c.in }

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("realtime: websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil && !c.closed {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
