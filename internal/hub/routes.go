package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/frontdesk/internal/models"
	"github.com/zulandar/frontdesk/internal/realtime"
)

func registerRoutes(r *gin.Engine, s *Server) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": s.broker.Subscribers()})
	})

	api := r.Group("/api")
	api.GET("/sessions", s.listSessions)
	api.POST("/sessions", s.openSession)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/assign", s.assign)
	api.GET("/sessions/:id/messages", s.messages)
	api.POST("/sessions/:id/messages", s.addMessage)
	api.POST("/sessions/:id/transfer", s.transfer)
	api.GET("/sessions/:id/transfers", s.transfers)
	api.POST("/sessions/:id/end", s.end)
	api.POST("/sessions/:id/status", s.setStatus)
	api.POST("/sessions/:id/read", s.markRead)
	api.POST("/sessions/:id/typing", s.postTyping)
	api.GET("/sessions/:id/typing", s.getTyping)
	api.GET("/events", s.events)
	api.GET("/stream", s.stream)
	api.GET("/analytics", s.analytics)

	r.GET("/ws", s.serveWS)
}

// bind decodes a JSON body, mapping decode failures to a 400.
func bind(c *gin.Context, v any) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeSession(c *gin.Context, sess models.Session) {
	c.JSON(http.StatusOK, toSessionJSON(sess, s.now().UTC()))
}

func (s *Server) listSessions(c *gin.Context) {
	agentID := c.Query("agent_id")
	s.touch(agentID)
	list, err := s.store.ListSessions(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	now := s.now().UTC()
	out := make([]sessionJSON, len(list))
	for i, sess := range list {
		out[i] = toSessionJSON(sess, now)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) openSession(c *gin.Context) {
	var req OpenRequest
	if !bind(c, &req) {
		return
	}
	sess, err := s.store.OpenSession(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionJSON(sess, s.now().UTC()))
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeSession(c, sess)
}

type agentBody struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) assign(c *gin.Context) {
	var req agentBody
	if !bind(c, &req) {
		return
	}
	s.touch(req.AgentID)
	sess, err := s.store.Assign(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeSession(c, sess)
}

func (s *Server) messages(c *gin.Context) {
	list, err := s.store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]messageJSON, len(list))
	for i, m := range list {
		out[i] = toMessageJSON(m)
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) addMessage(c *gin.Context) {
	var req SendRequest
	if !bind(c, &req) {
		return
	}
	if req.SenderType == "agent" || req.SenderType == "" {
		s.touch(req.SenderID)
	}
	m, err := s.store.AddMessage(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessageJSON(m))
}

func (s *Server) transfer(c *gin.Context) {
	var req TransferRequest
	if !bind(c, &req) {
		return
	}
	s.touch(req.FromAgentID)
	sess, err := s.store.Transfer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeSession(c, sess)
}

type transferJSON struct {
	FromAgentID string    `json:"from_agent_id"`
	ToAgentID   string    `json:"to_agent_id,omitempty"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

func (s *Server) transfers(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	list, err := s.store.Transfers(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]transferJSON, len(list))
	for i, t := range list {
		out[i] = transferJSON{FromAgentID: t.FromAgentID, ToAgentID: t.ToAgentID, Reason: t.Reason, At: t.CreatedAt.UTC()}
	}
	c.JSON(http.StatusOK, gin.H{"transfers": out})
}

func (s *Server) end(c *gin.Context) {
	var req EndRequest
	if !bind(c, &req) {
		return
	}
	s.touch(req.AgentID)
	sess, err := s.store.End(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeSession(c, sess)
}

type statusBody struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func (s *Server) setStatus(c *gin.Context) {
	var req statusBody
	if !bind(c, &req) {
		return
	}
	s.touch(req.AgentID)
	sess, err := s.store.SetStatus(c.Request.Context(), c.Param("id"), req.AgentID, strings.ToLower(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeSession(c, sess)
}

func (s *Server) markRead(c *gin.Context) {
	var req agentBody
	if !bind(c, &req) {
		return
	}
	s.touch(req.AgentID)
	if err := s.store.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type typingBody struct {
	AgentID         string `json:"agent_id"`
	ParticipantType string `json:"participant_type,omitempty"`
	Typing          bool   `json:"typing"`
}

func (s *Server) postTyping(c *gin.Context) {
	var req typingBody
	if !bind(c, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(c, invalid("agent_id", "agent_id is required"))
		return
	}
	if req.ParticipantType == "" {
		req.ParticipantType = "agent"
	}
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.Status == "ended" && req.Typing {
		writeError(c, ErrClosed)
		return
	}
	if err := s.relayTyping(c.Request.Context(), sess.ID, realtime.TypingPayload{
		ParticipantID:   req.AgentID,
		ParticipantType: req.ParticipantType,
		Typing:          req.Typing,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getTyping(c *gin.Context) {
	ids, err := s.presence.Typing(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": ids})
}

func (s *Server) analytics(c *gin.Context) {
	a, err := s.store.Analytics(c.Request.Context(), s.sla)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
