package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	rlog "streamcast/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConfig struct {
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageBytes int64
	// MaxConnections bounds concurrent connections; 0 means unlimited.
	MaxConnections int
}

// WebSocketServer accepts connections and runs one reader loop per
// connection, forwarding every message to a ports.ConnectionHandler.
type WebSocketServer struct {
	handler  ports.ConnectionHandler
	upgrader websocket.Upgrader
	config   ServerConfig
	clock    clock.Clock
	logger   *zap.SugaredLogger

	slots chan struct{}

	mu       sync.Mutex
	closing  bool
	readers  sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

func NewWebSocketServer(
	handler ports.ConnectionHandler,
	cfg ServerConfig,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if clk == nil {
		clk = clock.New()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		config:   cfg,
		clock:    clk,
		logger:   logger,
		baseCtx:  baseCtx,
		cancelFn: cancel,
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// GinHandler exposes the upgrade endpoint as a gin handler.
func (s *WebSocketServer) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.HandleWebSocket(c.Writer, c.Request)
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		s.logger.Warnw("connection rejected", "remote_addr", r.RemoteAddr, "reason", "capacity")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.release()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.readers.Add(1)
	s.mu.Unlock()
	defer s.readers.Done()
	defer s.release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if s.config.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.config.MaxMessageBytes)
	}

	channel := NewWSChannel(ws, s.config.WriteTimeout)
	conn := domain.NewPeerConnection(domain.NewConnectionID(), channel, s.clock.Now())
	ctx := rlog.WithConnectionID(s.baseCtx, string(conn.ID))

	s.logger.Infow("peer connected via WebSocket", "connection_id", conn.ID, "remote_addr", conn.RemoteAddr())

	if err := s.handler.HandleConnect(ctx, conn); err != nil {
		s.logger.Warnw("connection refused by handler", "connection_id", conn.ID, "error", err)
		s.handler.HandleDisconnect(ctx, conn, err)
		_ = conn.Close()
		return
	}

	ws.SetPongHandler(func(string) error {
		conn.Touch(s.clock.Now())
		return nil
	})

	cause := s.readLoop(ctx, ws, conn)
	s.handler.HandleDisconnect(ctx, conn, cause)
	_ = conn.Close()
}

func (s *WebSocketServer) readLoop(ctx context.Context, ws *websocket.Conn, conn *domain.PeerConnection) error {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && conn.IsOpen() {
				s.logger.Infow("error reading message from peer", "connection_id", conn.ID, "error", err)
			}
			return err
		}

		switch messageType {
		case websocket.TextMessage:
			s.handler.HandleText(ctx, conn, string(data))
		case websocket.BinaryMessage:
			s.handler.HandleBinary(ctx, conn, data)
		}
	}
}

// Shutdown stops accepting connections and waits for every reader loop to
// finish. Connections are closed by their owner; Shutdown only cancels the
// context handed to the handler.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelFn()

	done := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("reader loops still running"), ctx.Err())
	}
}

func (s *WebSocketServer) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *WebSocketServer) release() {
	if s.slots != nil {
		<-s.slots
	}
}
