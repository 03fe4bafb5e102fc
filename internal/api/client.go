// Package api is the typed client for the organization REST API: session
// list and detail, assignment, messaging, transfer, wrap-up and the event
// feed used by the polling transport. Every response is normalized into the
// inbox package's canonical shapes before it is returned.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/zulandar/frontdesk/internal/inbox"
)

const defaultTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	BaseURL    string
	AgentID    string
	Token      string        // bearer credential; empty sends no Authorization header
	Timeout    time.Duration // per-call bound (default 10s)
	RateLimit  float64       // requests per second, 0 = unlimited
	HTTPClient *http.Client  // optional; its Transport is wrapped for auth
}

// Client talks to the organization API on behalf of one agent.
type Client struct {
	base    string
	agentID string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client from opts.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("api: base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var base http.RoundTripper = http.DefaultTransport
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		base = opts.HTTPClient.Transport
	}
	transport := base
	if opts.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}),
			Base:   base,
		}
	}

	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		agentID: opts.AgentID,
		timeout: timeout,
		http:    &http.Client{Transport: transport},
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

// AgentID returns the agent this client acts as.
func (c *Client) AgentID() string { return c.agentID }

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// do performs one request bounded by the client timeout and returns the
// response body of a 2xx reply. Failures are classified into the error
// taxonomy.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.doNoTimeout(ctx, method, path, payload)
}

func (c *Client) doNoTimeout(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("api: %s %s: rate limit: %w: %w", method, path, ErrNetwork, err)
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("api: marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: new request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w: %w", method, path, ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: read %s %s: %w: %w", method, path, ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		serr := statusToError(resp.StatusCode, eb)
		log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Err(serr).Msg("api: request failed")
		return nil, fmt.Errorf("api: %s %s: %w", method, path, serr)
	}
	return data, nil
}

// ListSessions returns every session visible to this agent: the shared
// queue, its own sessions, and recently closed ones.
func (c *Client) ListSessions(ctx context.Context) ([]inbox.Session, error) {
	q := url.Values{}
	if c.agentID != "" {
		q.Set("agent_id", c.agentID)
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	list, err := inbox.NormalizeSessions(data)
	if err != nil {
		return nil, fmt.Errorf("api: list sessions: %w", err)
	}
	return list, nil
}

// GetSession fetches the current server view of one session.
func (c *Client) GetSession(ctx context.Context, id string) (inbox.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, sessionPath(id, ""), nil)
}

// OpenRequest is the customer-side payload that starts a conversation.
type OpenRequest struct {
	CustomerName  string   `json:"customer_name"`
	CustomerEmail string   `json:"customer_email"`
	Priority      string   `json:"priority,omitempty"`
	Category      string   `json:"category,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Body          string   `json:"body,omitempty"`
}

// OpenSession creates a new pending session as a customer would.
func (c *Client) OpenSession(ctx context.Context, req OpenRequest) (inbox.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/api/sessions", req)
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
}

// Assign claims a pending session for this agent. The server arbitrates:
// losing the race returns ErrAlreadyAssigned.
func (c *Client) Assign(ctx context.Context, id string) (inbox.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, sessionPath(id, "assign"), agentRequest{AgentID: c.agentID})
}

// SendRequest is an outgoing agent message.
type SendRequest struct {
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"`
	SenderType    string `json:"sender_type"`
	SenderID      string `json:"sender_id,omitempty"`
}

// SendMessage posts a message; the returned message is the server's copy.
func (c *Client) SendMessage(ctx context.Context, sessionID, body, correlationID string) (inbox.Message, error) {
	req := SendRequest{Body: body, CorrelationID: correlationID, SenderType: string(inbox.SenderAgent), SenderID: c.agentID}
	return c.postMessage(ctx, sessionID, req)
}

// SendCustomerMessage posts a message as the customer of the session.
func (c *Client) SendCustomerMessage(ctx context.Context, sessionID, body string) (inbox.Message, error) {
	return c.postMessage(ctx, sessionID, SendRequest{Body: body, SenderType: string(inbox.SenderCustomer)})
}

func (c *Client) postMessage(ctx context.Context, sessionID string, req SendRequest) (inbox.Message, error) {
	data, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "messages"), req)
	if err != nil {
		return inbox.Message{}, err
	}
	m, err := inbox.NormalizeMessage(data)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("api: send message: %w", err)
	}
	return m, nil
}

// Messages returns the thread history of a session.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]inbox.Message, error) {
	data, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "messages"), nil)
	if err != nil {
		return nil, err
	}
	msgs, err := inbox.NormalizeMessages(data)
	if err != nil {
		return nil, fmt.Errorf("api: messages: %w", err)
	}
	return msgs, nil
}

// TransferRequest hands a session to another agent or back to the queue.
type TransferRequest struct {
	FromAgentID   string `json:"from_agent_id"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	Reason        string `json:"reason"`
}

// Transfer moves a session away from this agent.
func (c *Client) Transfer(ctx context.Context, id, targetAgentID, reason string) (inbox.Session, error) {
	req := TransferRequest{FromAgentID: c.agentID, TargetAgentID: targetAgentID, Reason: reason}
	return c.sessionCall(ctx, http.MethodPost, sessionPath(id, "transfer"), req)
}

// EndRequest carries the wrap-up recorded when a session ends.
type EndRequest struct {
	AgentID  string `json:"agent_id"`
	Category string `json:"category"`
	Summary  string `json:"summary"`
	Rating   *int   `json:"rating,omitempty"`
}

// End closes a session with its wrap-up.
func (c *Client) End(ctx context.Context, id string, w inbox.WrapUp) (inbox.Session, error) {
	req := EndRequest{AgentID: c.agentID, Category: w.Category, Summary: w.Summary, Rating: w.Rating}
	return c.sessionCall(ctx, http.MethodPost, sessionPath(id, "end"), req)
}

type statusRequest struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// SetStatus toggles a session between active and waiting.
func (c *Client) SetStatus(ctx context.Context, id string, status inbox.Status) (inbox.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, sessionPath(id, "status"), statusRequest{AgentID: c.agentID, Status: string(status)})
}

// MarkRead tells the server the agent has seen the session.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, sessionPath(id, "read"), agentRequest{AgentID: c.agentID})
	return err
}

type typingRequest struct {
	AgentID string `json:"agent_id"`
	Typing  bool   `json:"typing"`
}

// Typing publishes this agent's typing state for transports without an
// upstream channel.
func (c *Client) Typing(ctx context.Context, sessionID string, typing bool) error {
	_, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "typing"), typingRequest{AgentID: c.agentID, Typing: typing})
	return err
}

// EventsPage is one long-poll reply: raw event envelopes and the cursor to
// resume from.
type EventsPage struct {
	Cursor int64             `json:"cursor"`
	Events []json.RawMessage `json:"events"`
}

// Events long-polls the event feed for anything after since. The server
// holds the request open for up to wait when nothing is pending.
func (c *Client) Events(ctx context.Context, since int64, wait time.Duration) (EventsPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("wait", strconv.Itoa(int(wait/time.Second)))
	if c.agentID != "" {
		q.Set("agent_id", c.agentID)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout+wait)
	defer cancel()
	data, err := c.doNoTimeout(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil)
	if err != nil {
		return EventsPage{}, err
	}
	var page EventsPage
	if err := json.Unmarshal(data, &page); err != nil {
		return EventsPage{}, fmt.Errorf("api: decode events: %w", err)
	}
	if page.Cursor < since {
		page.Cursor = since
	}
	return page, nil
}

// Analytics is the queue snapshot served by /api/analytics.
type Analytics struct {
	ByStatus       map[string]int `json:"by_status"`
	BySLA          map[string]int `json:"by_sla"`
	AvgWaitSeconds float64        `json:"avg_wait_seconds"`
	OldestWaiting  string         `json:"oldest_waiting_id,omitempty"`
	Agents         map[string]int `json:"active_by_agent"`
}

// Analytics fetches queue statistics.
func (c *Client) Analytics(ctx context.Context) (Analytics, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/analytics", nil)
	if err != nil {
		return Analytics{}, err
	}
	var a Analytics
	if err := json.Unmarshal(data, &a); err != nil {
		return Analytics{}, fmt.Errorf("api: decode analytics: %w", err)
	}
	return a, nil
}

func (c *Client) sessionCall(ctx context.Context, method, path string, payload any) (inbox.Session, error) {
	data, err := c.do(ctx, method, path, payload)
	if err != nil {
		return inbox.Session{}, err
	}
	s, err := inbox.NormalizeSession(data)
	if err != nil {
		return inbox.Session{}, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	return s, nil
}

func sessionPath(id, action string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// IsTimeout reports whether err came from the client-side deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
