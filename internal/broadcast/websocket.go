package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nearme/nearme/internal/presence"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	maxMessageSize   = 4 * 1024
)

// SnapshotSource provides the full live listing sent on connect
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]presence.LiveUser, error)
}

// ServerConfig tunes the websocket transport
type ServerConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

// Server upgrades HTTP requests to websocket observers of a Hub
type Server struct {
	hub      *Hub
	source   SnapshotSource
	upgrader websocket.Upgrader
	config   ServerConfig
	logger   *zap.Logger
}

// NewServer creates a websocket server for hub
func NewServer(hub *Hub, source SnapshotSource, config ServerConfig, logger *zap.Logger) *Server {
	if config.WriteWait <= 0 {
		config.WriteWait = defaultWriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		hub:    hub,
		source: source,
		config: config,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handle is the gin handler for the observer endpoint
func (s *Server) Handle(c *gin.Context) {
	s.ServeHTTP(c.Writer, c.Request)
}

// ServeHTTP upgrades the connection, subscribes it, and sends the snapshot
// before any live event.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	// Subscribe before loading the snapshot so nothing written in between
	// is missed. Such events may repeat what the snapshot already holds.
	sub := s.hub.Subscribe()

	snapshot, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to load presence snapshot",
			zap.Uint64("subscriber_id", sub.ID()),
			zap.Error(err))
		s.hub.Unsubscribe(sub)
		_ = conn.Close()
		return
	}

	if err := s.write(conn, Event{Type: EventFull, Data: snapshot}); err != nil {
		s.logger.Warn("Failed to send presence snapshot",
			zap.Uint64("subscriber_id", sub.ID()),
			zap.Error(err))
		s.hub.Unsubscribe(sub)
		_ = conn.Close()
		return
	}

	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

// readPump discards client frames and keeps the read deadline alive via pongs
func (s *Server) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		s.hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(s.config.PongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards hub events and pings until the subscription ends
func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(s.config.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.write(conn, event); err != nil {
				s.logger.Debug("Failed to write presence event",
					zap.Uint64("subscriber_id", sub.ID()),
					zap.Error(err))
				s.hub.Unsubscribe(sub)
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, event Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

// checkOrigin allows every origin unless an explicit list is configured
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
