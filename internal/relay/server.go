// Package relay implements the WebSocket chat relay the stream clients
// connect to. It stamps the sender on every frame, fans untargeted messages
// out to all other peers and rate-limits each connection independently.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gophersnake-go/internal/chat"
	"gophersnake-go/internal/config"
	"gophersnake-go/internal/events"
)

// MessageTypeInfo is the frame type for relay-originated notices, such as the
// welcome frame. Clients that only understand chat frames drop these.
const MessageTypeInfo = "info"

// session is one connected peer. Writes are serialized per session so
// broadcasts and direct sends never interleave on the socket.
type session struct {
	id      string
	name    string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func (s *session) send(msg chat.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Server is the relay HTTP server. One instance owns the client registry.
type Server struct {
	cfg       *config.Config
	publisher events.Publisher
	engine    *gin.Engine
	upgrader  websocket.Upgrader
	srv       *http.Server

	mu       sync.RWMutex
	sessions map[string]*session
}

// New builds a relay server from config. The publisher may be nil.
func New(cfg *config.Config, publisher events.Publisher) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		publisher: publisher,
		engine:    gin.New(),
		upgrader: websocket.Upgrader{
			// The relay serves local tooling; origin enforcement stays off.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/chat", s.handleChat)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.ClientCount()})
	})
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    s.cfg.RelayAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.srv.Addr).Info("chat relay listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	return s.srv.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) handleChat(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		limiter: rate.NewLimiter(
			rate.Limit(s.cfg.Relay.MessagesPerSecond), s.cfg.Relay.MessageBurst),
	}
	sess.name = c.Query("name")
	if sess.name == "" {
		sess.name = "guest-" + sess.id[:8]
	}

	s.register(sess)
	defer s.unregister(sess)

	if err := sess.send(chat.Message{
		Type:    MessageTypeInfo,
		Sender:  "relay",
		Message: "connected as " + sess.name,
	}); err != nil {
		log.WithError(err).WithField("client", sess.name).Warn("welcome frame failed")
		return
	}

	s.readLoop(c.Request.Context(), sess)
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	total := len(s.sessions)
	s.mu.Unlock()

	log.WithFields(log.Fields{"client": sess.name, "id": sess.id, "total": total}).
		Info("chat client connected")
	if s.publisher != nil {
		s.publisher.Publish(context.Background(), events.TopicClientConnected,
			sess.name, map[string]string{"id": sess.id})
	}
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	total := len(s.sessions)
	s.mu.Unlock()

	_ = sess.conn.Close()
	log.WithFields(log.Fields{"client": sess.name, "total": total}).
		Info("chat client departed")
	if s.publisher != nil {
		s.publisher.Publish(context.Background(), events.TopicClientDeparted,
			sess.name, map[string]string{"id": sess.id})
	}
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		var msg chat.Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).WithField("client", sess.name).Debug("chat connection dropped")
			}
			return
		}

		if msg.Type != chat.MessageTypeChat || msg.Message == "" {
			log.WithFields(log.Fields{"client": sess.name, "type": msg.Type}).
				Debug("dropping non-chat frame")
			continue
		}

		if !sess.limiter.Allow() {
			log.WithField("client", sess.name).Warn("rate limit exceeded, dropping message")
			continue
		}

		// The relay is authoritative for the sender identity.
		msg.Sender = sess.name

		if s.publisher != nil {
			s.publisher.Publish(ctx, events.TopicChatMessage, msg,
				map[string]string{"id": sess.id})
		}

		if msg.Target != "" {
			s.sendTo(msg)
		} else {
			s.broadcast(sess.id, msg)
		}
	}
}

// broadcast delivers msg to every session except the originator.
func (s *Server) broadcast(fromID string, msg chat.Message) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if id != fromID {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.send(msg); err != nil {
			log.WithError(err).WithField("client", sess.name).Warn("broadcast write failed")
		}
	}
}

// sendTo delivers msg only to sessions whose name matches the target.
func (s *Server) sendTo(msg chat.Message) {
	s.mu.RLock()
	targets := make([]*session, 0, 1)
	for _, sess := range s.sessions {
		if sess.name == msg.Target {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		log.WithField("target", msg.Target).Debug("no session matches target, dropping")
		return
	}
	for _, sess := range targets {
		if err := sess.send(msg); err != nil {
			log.WithError(err).WithField("client", sess.name).Warn("targeted write failed")
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		_ = sess.conn.Close()
		delete(s.sessions, id)
	}
}
