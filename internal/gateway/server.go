// Package gateway exposes the session pipeline over websockets. It owns
// connection framing only; turn semantics live in the dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/dispatcher"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// clientFrame is the single inbound frame kind: a user message for the
// connection's session.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Server upgrades websocket connections, authenticates them, and bridges
// them onto the dispatcher's connection registry.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatcher.Dispatcher
	auth       *auth.Service
	logger     *observability.Logger
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer builds the websocket gateway.
func NewServer(cfg config.ServerConfig, d *dispatcher.Dispatcher, authSvc *auth.Service, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		auth:       authSvc,
		logger:     logger,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP mux: /ws for sessions, /healthz for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWS authenticates and upgrades a connection. Authentication
// failures are the one class of error surfaced as bare transport errors;
// everything after the upgrade is delivered in-band.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, wsSendBuffer),
		closed: make(chan struct{}),
	}

	ctx := observability.WithConnectionID(r.Context(), conn.id)
	ctx = observability.WithSessionID(ctx, sessionID)
	if principal != nil {
		ctx = auth.WithPrincipal(ctx, principal)
	}

	if s.logger != nil {
		s.logger.Info(ctx, "connection attached")
	}
	if s.metrics != nil {
		s.metrics.ConnectedClients.Inc()
	}

	registry := s.dispatcher.Registry()
	registry.Attach(sessionID, conn)
	defer func() {
		registry.Detach(sessionID, conn.id)
		conn.close()
		if s.metrics != nil {
			s.metrics.ConnectedClients.Dec()
		}
		if s.logger != nil {
			s.logger.Info(ctx, "connection detached")
		}
	}()

	go conn.writeLoop()

	_ = conn.Send(&models.TurnEvent{
		Type:      models.EventConnected,
		SessionID: sessionID,
		Time:      time.Now(),
	})

	s.readLoop(ctx, sessionID, conn)
}

// authenticate verifies the bearer token when auth is enabled. Tokens
// arrive in the Authorization header or, for browser clients that cannot
// set headers on websocket dials, the token query parameter.
func (s *Server) authenticate(r *http.Request) (*auth.Principal, error) {
	if s.auth == nil || !s.auth.Enabled() {
		return nil, nil
	}

	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.auth.Verify(token)
}

func (s *Server) readLoop(ctx context.Context, sessionID string, conn *wsConn) {
	ws := conn.ws
	ws.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.Send(&models.TurnEvent{
				Type:      models.EventError,
				SessionID: sessionID,
				Text:      "invalid frame",
				Time:      time.Now(),
			})
			continue
		}

		switch frame.Type {
		case "text_input":
			// The turn owns its own lifetime; a dropped connection must
			// not cancel side effects already in flight.
			go s.dispatcher.ProcessTurn(context.WithoutCancel(ctx), sessionID, frame.Text)
		case "ping":
			_ = conn.Send(&models.TurnEvent{
				Type:      models.EventStatus,
				SessionID: sessionID,
				Text:      "pong",
				Time:      time.Now(),
			})
		default:
			_ = conn.Send(&models.TurnEvent{
				Type:      models.EventError,
				SessionID: sessionID,
				Text:      fmt.Sprintf("unknown frame type %q", frame.Type),
				Time:      time.Now(),
			})
		}
	}
}

// wsConn adapts one websocket to the dispatcher's Conn interface. Writes
// are serialized through the send channel and a single write loop.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues an event frame. A full buffer or closed connection drops
// the event; slow readers must not stall a turn.
func (c *wsConn) Send(event *models.TurnEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("gateway: connection closed")
	case c.send <- data:
		return nil
	default:
		return errors.New("gateway: send buffer full")
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	_ = c.ws.Close()
}
