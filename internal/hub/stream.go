package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/realtime"
)

const (
	pullBatch       = 500
	wsWriteWait     = 10 * time.Second
	wsPingPeriod    = 30 * time.Second
	sseHeartbeat    = 15 * time.Second
	maxInboundFrame = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// relayTyping records a typing change and fans it out to other streams.
func (s *Server) relayTyping(ctx context.Context, sessionID string, p realtime.TypingPayload) error {
	if err := s.presence.Set(ctx, sessionID, p.ParticipantID, p.Typing); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("hub: encode typing: %w", err)
	}
	s.broker.Typing(realtime.Envelope{Type: realtime.EventTyping, SessionID: sessionID, Data: data}, p.ParticipantID)
	return nil
}

// pull returns every stored event after since visible to agentID, and the
// cursor to resume from.
func (s *Server) pull(ctx context.Context, agentID string, since int64) ([]realtime.Envelope, int64, error) {
	var out []realtime.Envelope
	cursor := since
	for {
		events, err := s.store.Events(ctx, agentID, cursor, pullBatch)
		if err != nil {
			return out, cursor, err
		}
		for _, e := range events {
			out = append(out, envelope(e))
			cursor = int64(e.ID)
		}
		if len(events) < pullBatch {
			return out, cursor, nil
		}
	}
}

// streamParams reads agent_id and since. Since falls back to the
// Last-Event-ID header so SSE clients resume where they left off. A zero
// cursor starts at the current head; history is not replayed.
func (s *Server) streamParams(c *gin.Context) (agentID string, since int64, err error) {
	agentID = c.Query("agent_id")
	raw := c.Query("since")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			return agentID, 0, invalid("since", "since must be a non-negative cursor")
		}
	}
	if since == 0 {
		since, err = s.store.Head(c.Request.Context())
	}
	return agentID, since, err
}

// events serves one long-poll. With nothing pending and wait > 0 the
// request is held until an event commits, a typing frame arrives, or the
// wait elapses.
func (s *Server) events(c *gin.Context) {
	agentID, since, err := s.streamParams(c)
	if err != nil {
		writeError(c, err)
		return
	}
	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, invalid("wait", "wait must be a non-negative number of seconds"))
			return
		}
		wait = time.Duration(n) * time.Second
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}
	s.touch(agentID)

	ctx := c.Request.Context()
	envs, cursor, err := s.pull(ctx, agentID, since)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(envs) == 0 && wait > 0 {
		sub := s.broker.Subscribe(agentID)
		defer s.broker.Unsubscribe(sub)

		// Re-check: an event may have committed before we subscribed.
		envs, cursor, err = s.pull(ctx, agentID, since)
		if err != nil {
			writeError(c, err)
			return
		}
		if len(envs) == 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			case env := <-sub.typing:
				envs = append(envs, env)
			case <-sub.wake:
				envs, cursor, err = s.pull(ctx, agentID, since)
				if err != nil {
					writeError(c, err)
					return
				}
			}
		}
	}
	if envs == nil {
		envs = []realtime.Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor, "events": envs})
}

// writeSSE writes a single SSE frame.
func writeSSE(w io.Writer, id int64, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// stream serves the event feed as server-sent events.
func (s *Server) stream(c *gin.Context) {
	agentID, since, err := s.streamParams(c)
	if err != nil {
		writeError(c, err)
		return
	}
	s.touch(agentID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sub := s.broker.Subscribe(agentID)
	defer s.broker.Unsubscribe(sub)

	ctx := c.Request.Context()
	cursor := since
	flush := func() bool {
		envs, next, err := s.pull(ctx, agentID, cursor)
		if err != nil {
			log.Warn().Err(err).Str("agent", agentID).Msg("hub: sse pull")
			return false
		}
		for _, env := range envs {
			writeSSE(c.Writer, env.Cursor, string(env.Type), env)
		}
		cursor = next
		c.Writer.Flush()
		return true
	}

	writeSSE(c.Writer, 0, "connected", gin.H{"cursor": cursor})
	if !flush() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.broker.done:
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, 0, "heartbeat", gin.H{"timestamp": s.now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case env := <-sub.typing:
			writeSSE(c.Writer, 0, string(env.Type), env)
			c.Writer.Flush()
		case <-sub.wake:
			if !flush() {
				return
			}
		}
	}
}

// serveWS upgrades to a websocket, replays events after since, then pushes
// new events as they commit. Inbound frames carry typing state.
func (s *Server) serveWS(c *gin.Context) {
	agentID, since, err := s.streamParams(c)
	if err != nil {
		writeError(c, err)
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("hub: websocket upgrade")
		return
	}
	defer ws.Close()
	s.touch(agentID)

	sub := s.broker.Subscribe(agentID)
	defer s.broker.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go s.wsRead(ctx, cancel, ws, agentID)

	send := func(env realtime.Envelope) error {
		ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return ws.WriteJSON(env)
	}
	cursor := since
	flush := func() error {
		envs, next, err := s.pull(ctx, agentID, cursor)
		if err != nil {
			return err
		}
		for _, env := range envs {
			if err := send(env); err != nil {
				return err
			}
		}
		cursor = next
		return nil
	}

	if err := flush(); err != nil {
		log.Debug().Err(err).Str("agent", agentID).Msg("hub: websocket replay")
		return
	}
	log.Debug().Str("agent", agentID).Int64("since", since).Msg("hub: websocket connected")

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-s.broker.done:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		case env := <-sub.typing:
			err = send(env)
		case <-sub.wake:
			err = flush()
		}
		if err != nil {
			log.Debug().Err(err).Str("agent", agentID).Msg("hub: websocket write")
			return
		}
	}
}

func (s *Server) wsRead(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, agentID string) {
	defer cancel()
	ws.SetReadLimit(maxInboundFrame)
	for {
		var env realtime.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("agent", agentID).Msg("hub: websocket read")
			}
			return
		}
		if env.Type != realtime.EventTyping || env.SessionID == "" {
			log.Debug().Str("type", string(env.Type)).Msg("hub: ignoring inbound frame")
			continue
		}
		var p realtime.TypingPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				log.Debug().Err(err).Msg("hub: bad typing frame")
				continue
			}
		}
		if p.ParticipantID == "" {
			p.ParticipantID = agentID
		}
		if p.ParticipantType == "" {
			p.ParticipantType = "agent"
		}
		if err := s.relayTyping(ctx, env.SessionID, p); err != nil {
			log.Warn().Err(err).Str("session", env.SessionID).Msg("hub: relay typing")
		}
	}
}
