package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockTransport implements Transport for testing. Dials succeed unless
// FailDials is positive; each successful dial produces a MockConn that
// tests push events into with Simulate.
type MockTransport struct {
	mu        sync.Mutex
	failDials int
	dials     []int64 // since values, one per Dial call
	conns     []*MockConn
	connected chan *MockConn
}

// NewMockTransport creates a MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{connected: make(chan *MockConn, 16)}
}

// FailNextDials makes the next n Dial calls fail.
func (m *MockTransport) FailNextDials(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDials = n
}

// Dial returns a new MockConn or a simulated failure.
func (m *MockTransport) Dial(ctx context.Context, since int64) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.dials = append(m.dials, since)
	if m.failDials > 0 {
		m.failDials--
		m.mu.Unlock()
		return nil, fmt.Errorf("mock transport: dial refused")
	}
	c := &MockConn{in: make(chan Envelope, 100)}
	m.conns = append(m.conns, c)
	m.mu.Unlock()

	select {
	case m.connected <- c:
	default:
	}
	return c, nil
}

// --- Test helpers ---

// Connected delivers each MockConn as it is dialed.
func (m *MockTransport) Connected() <-chan *MockConn { return m.connected }

// DialCount returns how many times Dial was called, including failures.
func (m *MockTransport) DialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dials)
}

// DialCursors returns the since value passed to each Dial.
func (m *MockTransport) DialCursors() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.dials...)
}

// Current returns the most recently dialed connection, or nil.
func (m *MockTransport) Current() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

// MockConn implements Conn for testing.
type MockConn struct {
	mu     sync.Mutex
	in     chan Envelope
	sent   []Envelope
	closed bool
	err    error
}

// Listen returns the inbound channel.
func (c *MockConn) Listen() <-chan Envelope { return c.in }

// Send records env.
func (c *MockConn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock conn: closed")
	}
	c.sent = append(c.sent, env)
	return nil
}

// Err returns the simulated drop reason.
func (c *MockConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the inbound channel.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.in)
	return nil
}

// Simulate pushes an inbound envelope as if the server sent it. data is
// marshaled to JSON unless it is already a json.RawMessage.
func (c *MockConn) Simulate(typ EventType, sessionID string, cursor int64, data any) {
	var raw json.RawMessage
	switch d := data.(type) {
	case json.RawMessage:
		raw = d
	case string:
		raw = json.RawMessage(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.in <- Envelope{Type: typ, SessionID: sessionID, Cursor: cursor, Data: raw}
}

// Drop simulates the server dropping the connection.
func (c *MockConn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.in)
}

// Sent returns a copy of every envelope sent on this connection.
func (c *MockConn) Sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.sent...)
}

// Closed reports whether Close or Drop was called.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
