// Package hub is the reference organization server the inbox talks to. It
// keeps sessions, threads, and the event log in a SQL database, arbitrates
// assignment, and streams events over websocket, SSE, or long-poll.
package hub

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/zulandar/frontdesk/internal/db"
	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/models"
	"github.com/zulandar/frontdesk/internal/realtime"
)

// Opts configures a hub server.
type Opts struct {
	DB        *gorm.DB
	Presence  Presence  // default: in-memory
	Publisher Publisher // default: none
	SLA       inbox.SLAPolicy
	Now       func() time.Time
	Port      int
	Out       io.Writer
	Token     string // when set, every request must carry it as a bearer token
	TypingTTL time.Duration
	MaxWait   time.Duration // long-poll cap (default 30s)
}

// Server is the hub's HTTP surface.
type Server struct {
	db        *gorm.DB
	store     *Store
	broker    *Broker
	presence  Presence
	publisher Publisher
	sla       inbox.SLAPolicy
	now       func() time.Time
	token     string
	maxWait   time.Duration
	port      int
	out       io.Writer

	outbox chan []realtime.Envelope
	router *gin.Engine
}

// New builds a server over an already migrated database.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("hub: db is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence(opts.TypingTTL, opts.Now)
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.SLA == (inbox.SLAPolicy{}) {
		opts.SLA = inbox.DefaultSLAPolicy
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	store, err := NewStore(opts.DB, opts.Now)
	if err != nil {
		return nil, err
	}
	s := &Server{
		db:        opts.DB,
		store:     store,
		broker:    NewBroker(),
		presence:  opts.Presence,
		publisher: opts.Publisher,
		sla:       opts.SLA,
		now:       opts.Now,
		token:     opts.Token,
		maxWait:   opts.MaxWait,
		port:      opts.Port,
		out:       opts.Out,
		outbox:    make(chan []realtime.Envelope, 256),
	}
	store.OnCommit(s.committed)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if s.token != "" {
		router.Use(s.requireToken)
	}
	registerRoutes(router, s)
	s.router = router
	return s, nil
}

// Store exposes the underlying session store.
func (s *Server) Store() *Store { return s.store }

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run drives the broker and the event publisher until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.broker.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := s.publisher.Close(); err != nil {
				log.Warn().Err(err).Msg("hub: close publisher")
			}
			return
		case envs := <-s.outbox:
			if err := s.publisher.Publish(envs); err != nil {
				log.Error().Err(err).Msg("hub: publish events")
			}
		}
	}
}

// Start serves HTTP on the configured port. It blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Hub running at http://localhost:%d\n", s.port)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("hub: %w", err)
	}
	return nil
}

func (s *Server) committed(events []models.SessionEvent) {
	s.broker.Wake()
	envs := make([]realtime.Envelope, len(events))
	for i, e := range events {
		envs[i] = envelope(e)
	}
	select {
	case s.outbox <- envs:
	default:
		log.Warn().Int("count", len(envs)).Msg("hub: publish backlog full, events not mirrored")
	}
}

func (s *Server) requireToken(c *gin.Context) {
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if got == "" {
		got = c.Query("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// touch records that an agent is online. Failures are logged only.
func (s *Server) touch(agentID string) {
	if agentID == "" {
		return
	}
	if err := db.TouchAgent(s.db, agentID, "", s.now().UTC()); err != nil {
		log.Warn().Err(err).Str("agent", agentID).Msg("hub: touch agent")
	}
}
