package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/zulandar/frontdesk/internal/models"
	"github.com/zulandar/frontdesk/internal/realtime"
)

const previewLen = 120

// Store is the hub's system of record. Every mutation runs in one
// transaction together with the events it produces; commit order is event
// order.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	// mu serializes writers so event ids become visible in id order.
	mu          sync.Mutex
	afterCommit func([]models.SessionEvent)
}

// NewStore wraps an open, migrated database.
func NewStore(db *gorm.DB, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("hub: db is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}, nil
}

// OnCommit registers fn to receive the events of every committed write.
// Called from the writing goroutine; fn must not block.
func (st *Store) OnCommit(fn func([]models.SessionEvent)) {
	st.mu.Lock()
	st.afterCommit = fn
	st.mu.Unlock()
}

// batch collects the events produced inside one transaction.
type batch struct {
	tx     *gorm.DB
	now    time.Time
	events []models.SessionEvent
}

func (b *batch) emit(typ realtime.EventType, sessionID, agentID, excludeAgentID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hub: encode %s event: %w", typ, err)
	}
	b.events = append(b.events, models.SessionEvent{
		Type:           string(typ),
		SessionID:      sessionID,
		AgentID:        agentID,
		ExcludeAgentID: excludeAgentID,
		Payload:        string(data),
		CreatedAt:      b.now,
	})
	return nil
}

// update emits the session's current state to whoever can see it: the
// assignee, or every agent while it sits unassigned in the queue.
func (b *batch) update(s models.Session, exclude string) error {
	return b.emit(realtime.EventSessionUpdate, s.ID, s.AssignedAgentID, exclude, toSessionJSON(s, b.now))
}

// addMessage stores m as the next message of its session. Writes are
// serialized, so MAX(seq)+1 is race free.
func (b *batch) addMessage(m *models.Message) error {
	var last int64
	if err := b.tx.Model(&models.Message{}).
		Where("session_id = ?", m.SessionID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error; err != nil {
		return fmt.Errorf("hub: next seq %s: %w", m.SessionID, err)
	}
	m.Seq = last + 1
	if err := b.tx.Create(m).Error; err != nil {
		return fmt.Errorf("hub: create message: %w", err)
	}
	return nil
}

func (b *batch) removed(id, agentID, exclude, reason string) error {
	return b.emit(realtime.EventSessionRemoved, id, agentID, exclude, map[string]string{"id": id, "reason": reason})
}

func (st *Store) write(ctx context.Context, fn func(b *batch) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	var committed []models.SessionEvent
	err := st.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b := &batch{tx: tx, now: st.now().UTC()}
		if err := fn(b); err != nil {
			return err
		}
		if len(b.events) > 0 {
			if err := tx.Create(&b.events).Error; err != nil {
				return fmt.Errorf("hub: append events: %w", err)
			}
		}
		committed = b.events
		return nil
	})
	if err != nil {
		return err
	}
	if len(committed) > 0 && st.afterCommit != nil {
		st.afterCommit(committed)
	}
	return nil
}

func loadSession(tx *gorm.DB, id string) (models.Session, error) {
	var s models.Session
	if err := tx.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Session{}, fmt.Errorf("hub: session %s: %w", id, ErrNotFound)
		}
		return models.Session{}, fmt.Errorf("hub: load session %s: %w", id, err)
	}
	return s, nil
}

func saveFields(tx *gorm.DB, s *models.Session, fields map[string]interface{}) error {
	if err := tx.Model(&models.Session{}).Where("id = ?", s.ID).Updates(fields).Error; err != nil {
		return fmt.Errorf("hub: update session %s: %w", s.ID, err)
	}
	reloaded, err := loadSession(tx, s.ID)
	if err != nil {
		return err
	}
	*s = reloaded
	return nil
}

// OpenRequest starts a customer conversation.
type OpenRequest struct {
	CustomerName  string            `json:"customer_name"`
	CustomerEmail string            `json:"customer_email"`
	Profile       map[string]string `json:"profile,omitempty"`
	Priority      string            `json:"priority,omitempty"`
	Category      string            `json:"category,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Body          string            `json:"body,omitempty"`
}

// OpenSession creates a pending session, optionally with the customer's
// first message, and announces it to every agent.
func (st *Store) OpenSession(ctx context.Context, req OpenRequest) (models.Session, error) {
	name := strings.TrimSpace(req.CustomerName)
	email := strings.TrimSpace(req.CustomerEmail)
	if name == "" && email == "" {
		return models.Session{}, invalid("customer_name", "a customer name or email is required")
	}
	priority := strings.ToLower(req.Priority)
	switch priority {
	case "":
		priority = "medium"
	case "high", "medium", "low":
	default:
		return models.Session{}, invalid("priority", "priority must be high, medium, or low")
	}

	var out models.Session
	err := st.write(ctx, func(b *batch) error {
		s := models.Session{
			ID:             uuid.NewString(),
			CustomerName:   name,
			CustomerEmail:  email,
			Status:         "pending",
			Priority:       priority,
			Category:       req.Category,
			Tags:           encodeTags(req.Tags),
			QueuedAt:       b.now,
			LastActivityAt: b.now,
		}
		if len(req.Profile) > 0 {
			data, _ := json.Marshal(req.Profile)
			s.CustomerProfile = string(data)
		}
		body := strings.TrimSpace(req.Body)
		if body != "" {
			s.UnreadCount = 1
			s.LastPreview = preview(body)
			s.LastMessageAt = &b.now
		}
		if err := b.tx.Create(&s).Error; err != nil {
			return fmt.Errorf("hub: create session: %w", err)
		}
		if err := b.update(s, ""); err != nil {
			return err
		}
		if body != "" {
			m := models.Message{
				ID:          uuid.NewString(),
				SessionID:   s.ID,
				SenderType:  "customer",
				Body:        body,
				DeliveredAt: &b.now,
				CreatedAt:   b.now,
			}
			if err := b.addMessage(&m); err != nil {
				return err
			}
			if err := b.emit(realtime.EventMessage, s.ID, "", "", toMessageJSON(m)); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	return out, err
}

// ListSessions returns the shared queue plus everything assigned to
// agentID. An empty agentID lists every session.
func (st *Store) ListSessions(ctx context.Context, agentID string) ([]models.Session, error) {
	q := st.db.WithContext(ctx).Order("last_activity_at DESC")
	if agentID != "" {
		q = q.Where("(assigned_agent_id = ? AND status <> ?) OR assigned_agent_id = ?", "", "ended", agentID)
	}
	var list []models.Session
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("hub: list sessions: %w", err)
	}
	return list, nil
}

// GetSession loads one session.
func (st *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	return loadSession(st.db.WithContext(ctx), id)
}

// Assign claims a pending session for agentID. The first writer wins; later
// callers get ErrConflict. Re-assigning a session the agent already holds
// succeeds without producing events.
func (st *Store) Assign(ctx context.Context, id, agentID string) (models.Session, error) {
	if agentID == "" {
		return models.Session{}, invalid("agent_id", "agent_id is required")
	}
	var out models.Session
	err := st.write(ctx, func(b *batch) error {
		result := b.tx.Model(&models.Session{}).
			Where("id = ? AND status = ? AND assigned_agent_id = ?", id, "pending", "").
			Updates(map[string]interface{}{
				"status":            "active",
				"assigned_agent_id": agentID,
				"last_activity_at":  b.now,
			})
		if result.Error != nil {
			return fmt.Errorf("hub: assign %s: %w", id, result.Error)
		}
		s, err := loadSession(b.tx, id)
		if err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			switch {
			case s.Status == "ended":
				return fmt.Errorf("hub: assign %s: %w", id, ErrClosed)
			case s.AssignedAgentID == agentID:
				out = s
				return nil
			default:
				return fmt.Errorf("hub: assign %s to %s: %w", id, agentID, ErrConflict)
			}
		}
		if err := b.update(s, ""); err != nil {
			return err
		}
		if err := b.removed(id, "", agentID, realtime.RemovedAssigned); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err == nil {
		log.Debug().Str("session", id).Str("agent", agentID).Msg("hub: session assigned")
	}
	return out, err
}

// SendRequest posts a message into a session.
type SendRequest struct {
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"`
	SenderType    string `json:"sender_type"`
	SenderID      string `json:"sender_id,omitempty"`
}

// AddMessage appends a message. A repeated correlation id returns the
// message already stored. Agents may only write to sessions they hold; an
// agent reply wakes a waiting session.
func (st *Store) AddMessage(ctx context.Context, sessionID string, req SendRequest) (models.Message, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return models.Message{}, invalid("body", "message body is required")
	}
	sender := strings.ToLower(req.SenderType)
	switch sender {
	case "":
		sender = "agent"
	case "agent", "customer", "bot", "system":
	default:
		return models.Message{}, invalid("sender_type", "unknown sender type")
	}
	if sender == "agent" && req.SenderID == "" {
		return models.Message{}, invalid("sender_id", "sender_id is required for agent messages")
	}

	var out models.Message
	err := st.write(ctx, func(b *batch) error {
		s, err := loadSession(b.tx, sessionID)
		if err != nil {
			return err
		}
		if req.CorrelationID != "" {
			var existing models.Message
			res := b.tx.Where("session_id = ? AND correlation_id = ?", sessionID, req.CorrelationID).Limit(1).Find(&existing)
			if res.Error != nil {
				return fmt.Errorf("hub: lookup correlation %s: %w", req.CorrelationID, res.Error)
			}
			if res.RowsAffected > 0 {
				out = existing
				return nil
			}
		}
		if s.Status == "ended" {
			return fmt.Errorf("hub: message to %s: %w", sessionID, ErrClosed)
		}
		fields := map[string]interface{}{
			"last_preview":     preview(body),
			"last_message_at":  b.now,
			"last_activity_at": b.now,
		}
		switch sender {
		case "agent":
			if s.AssignedAgentID != req.SenderID || s.Status == "pending" {
				return fmt.Errorf("hub: message to %s from %s: %w", sessionID, req.SenderID, ErrConflict)
			}
			if s.Status == "waiting" {
				fields["status"] = "active"
			}
		case "customer":
			fields["unread_count"] = gorm.Expr("unread_count + ?", 1)
		}

		m := models.Message{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			SenderType:    sender,
			SenderID:      req.SenderID,
			Body:          body,
			CorrelationID: req.CorrelationID,
			DeliveredAt:   &b.now,
			CreatedAt:     b.now,
		}
		if err := b.addMessage(&m); err != nil {
			return err
		}
		if err := saveFields(b.tx, &s, fields); err != nil {
			return err
		}
		if err := b.emit(realtime.EventMessage, sessionID, s.AssignedAgentID, "", toMessageJSON(m)); err != nil {
			return err
		}
		if err := b.update(s, ""); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Messages returns a session's thread, oldest first.
func (st *Store) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	db := st.db.WithContext(ctx)
	if _, err := loadSession(db, sessionID); err != nil {
		return nil, err
	}
	var list []models.Message
	if err := db.Where("session_id = ?", sessionID).Order("created_at ASC, seq ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("hub: messages %s: %w", sessionID, err)
	}
	return list, nil
}

// TransferRequest hands a session to another agent, or back to the queue
// when TargetAgentID is empty.
type TransferRequest struct {
	FromAgentID   string `json:"from_agent_id"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	Reason        string `json:"reason"`
}

// Transfer moves an active session away from its current holder.
func (st *Store) Transfer(ctx context.Context, id string, req TransferRequest) (models.Session, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return models.Session{}, invalid("reason", "a transfer reason is required")
	}
	if req.FromAgentID == "" {
		return models.Session{}, invalid("from_agent_id", "from_agent_id is required")
	}
	if req.TargetAgentID == req.FromAgentID {
		return models.Session{}, invalid("target_agent_id", "cannot transfer a session to yourself")
	}

	var out models.Session
	err := st.write(ctx, func(b *batch) error {
		s, err := loadSession(b.tx, id)
		if err != nil {
			return err
		}
		switch {
		case s.Status == "ended":
			return fmt.Errorf("hub: transfer %s: %w", id, ErrClosed)
		case s.AssignedAgentID != req.FromAgentID:
			return fmt.Errorf("hub: transfer %s from %s: %w", id, req.FromAgentID, ErrConflict)
		case s.Status != "active":
			return fmt.Errorf("hub: transfer %s: %w", id, invalid("status", "only active sessions can be transferred"))
		}

		fields := map[string]interface{}{
			"assigned_agent_id": req.TargetAgentID,
			"last_activity_at":  b.now,
		}
		if req.TargetAgentID == "" {
			fields["status"] = "pending"
			fields["queued_at"] = b.now
		}
		if err := saveFields(b.tx, &s, fields); err != nil {
			return err
		}
		rec := models.Transfer{
			SessionID:   id,
			FromAgentID: req.FromAgentID,
			ToAgentID:   req.TargetAgentID,
			Reason:      reason,
			CreatedAt:   b.now,
		}
		if err := b.tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("hub: record transfer %s: %w", id, err)
		}
		if err := b.removed(id, req.FromAgentID, "", realtime.RemovedTransferred); err != nil {
			return err
		}
		if err := b.update(s, req.FromAgentID); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err == nil {
		log.Info().Str("session", id).Str("from", req.FromAgentID).Str("to", req.TargetAgentID).Msg("hub: session transferred")
	}
	return out, err
}

// EndRequest closes a session with its wrap-up.
type EndRequest struct {
	AgentID  string `json:"agent_id"`
	Category string `json:"category"`
	Summary  string `json:"summary"`
	Rating   *int   `json:"rating,omitempty"`
}

// End moves an active or waiting session to ended. Ended is terminal.
func (st *Store) End(ctx context.Context, id string, req EndRequest) (models.Session, error) {
	switch {
	case strings.TrimSpace(req.Category) == "":
		return models.Session{}, invalid("category", "a wrap-up category is required")
	case strings.TrimSpace(req.Summary) == "":
		return models.Session{}, invalid("summary", "a wrap-up summary is required")
	case req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5):
		return models.Session{}, invalid("rating", "rating must be between 1 and 5")
	}

	var out models.Session
	err := st.write(ctx, func(b *batch) error {
		s, err := loadSession(b.tx, id)
		if err != nil {
			return err
		}
		switch {
		case s.Status == "ended":
			return fmt.Errorf("hub: end %s: %w", id, ErrClosed)
		case s.Status == "pending":
			return fmt.Errorf("hub: end %s: %w", id, invalid("status", "a queued session cannot be ended"))
		case req.AgentID != "" && s.AssignedAgentID != req.AgentID:
			return fmt.Errorf("hub: end %s by %s: %w", id, req.AgentID, ErrConflict)
		}
		if err := saveFields(b.tx, &s, map[string]interface{}{
			"status":           "ended",
			"wrap_up_category": strings.TrimSpace(req.Category),
			"wrap_up_summary":  strings.TrimSpace(req.Summary),
			"wrap_up_rating":   req.Rating,
			"ended_at":         b.now,
			"last_activity_at": b.now,
		}); err != nil {
			return err
		}
		if err := b.update(s, ""); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// SetStatus toggles an assigned session between active and waiting.
// Entering waiting restarts the wait clock.
func (st *Store) SetStatus(ctx context.Context, id, agentID, status string) (models.Session, error) {
	if status != "active" && status != "waiting" {
		return models.Session{}, invalid("status", "status must be active or waiting")
	}
	var out models.Session
	err := st.write(ctx, func(b *batch) error {
		s, err := loadSession(b.tx, id)
		if err != nil {
			return err
		}
		switch {
		case s.Status == "ended":
			return fmt.Errorf("hub: status %s: %w", id, ErrClosed)
		case s.Status == "pending" || (agentID != "" && s.AssignedAgentID != agentID):
			return fmt.Errorf("hub: status %s by %s: %w", id, agentID, ErrConflict)
		case s.Status == status:
			out = s
			return nil
		}
		fields := map[string]interface{}{"status": status, "last_activity_at": b.now}
		if status == "waiting" {
			fields["queued_at"] = b.now
		}
		if err := saveFields(b.tx, &s, fields); err != nil {
			return err
		}
		if err := b.update(s, ""); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// MarkRead clears the unread count and marks customer messages read.
func (st *Store) MarkRead(ctx context.Context, id string) error {
	return st.write(ctx, func(b *batch) error {
		s, err := loadSession(b.tx, id)
		if err != nil {
			return err
		}
		if err := b.tx.Model(&models.Message{}).
			Where("session_id = ? AND sender_type = ? AND is_read = ?", id, "customer", false).
			Update("is_read", true).Error; err != nil {
			return fmt.Errorf("hub: mark read %s: %w", id, err)
		}
		if s.UnreadCount == 0 {
			return nil
		}
		// Reading is not activity; queue order stays put.
		if err := saveFields(b.tx, &s, map[string]interface{}{"unread_count": 0}); err != nil {
			return err
		}
		return b.update(s, "")
	})
}

// Events returns up to limit events after since that agentID may see. An
// empty agentID sees everything.
func (st *Store) Events(ctx context.Context, agentID string, since int64, limit int) ([]models.SessionEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	q := st.db.WithContext(ctx).Where("id > ?", since)
	if agentID != "" {
		q = q.Where("(agent_id = ? OR agent_id = ?) AND exclude_agent_id <> ?", "", agentID, agentID)
	}
	var list []models.SessionEvent
	if err := q.Order("id ASC").Limit(limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("hub: events since %d: %w", since, err)
	}
	return list, nil
}

// Head returns the id of the newest event, or 0 when the log is empty.
func (st *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := st.db.WithContext(ctx).Model(&models.SessionEvent{}).Select("COALESCE(MAX(id), 0)").Scan(&head).Error; err != nil {
		return 0, fmt.Errorf("hub: event head: %w", err)
	}
	return head, nil
}

// Transfers returns the hand-off history of a session.
func (st *Store) Transfers(ctx context.Context, id string) ([]models.Transfer, error) {
	var list []models.Transfer
	if err := st.db.WithContext(ctx).Where("session_id = ?", id).Order("id ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("hub: transfers %s: %w", id, err)
	}
	return list, nil
}

// Queue returns pending and waiting sessions, longest waiting first.
func (st *Store) Queue(ctx context.Context) ([]models.Session, error) {
	var list []models.Session
	if err := st.db.WithContext(ctx).
		Where("status IN ?", []string{"pending", "waiting"}).
		Order("queued_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("hub: queue: %w", err)
	}
	return list, nil
}

// Now returns the store clock.
func (st *Store) Now() time.Time { return st.now() }

func preview(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	r := []rune(body)
	if len(r) <= previewLen {
		return body
	}
	return string(r[:previewLen-1]) + "…"
}
