// Package ws implements the WebSocket lifecycle stream. Connected clients
// receive every bus event as an envelope and may send approve or deny
// decisions back. A client that cannot keep up is disconnected; emission
// never waits on a socket.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/officebus/internal/config"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/gateway"
	"github.com/jkaninda/officebus/internal/observability"
	"github.com/jkaninda/officebus/internal/protocol"
)

// Subprotocol is offered during the upgrade.
const Subprotocol = "officebus-events-v1"

// Server fans bus events out to WebSocket clients.
type Server struct {
	bus     gateway.Bus
	cfg     *config.WebSocketGatewayConfig
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	mounted    bool         // Served by another listener; Start only waits.
	httpServer *http.Server // Standalone mode only.
}

type client struct {
	id     string
	send   chan []byte
	cancel context.CancelFunc
	once   sync.Once
}

// drop cancels the client's connection context exactly once.
func (c *client) drop() {
	c.once.Do(c.cancel)
}

// NewServer creates a WebSocket server over the bus.
func NewServer(b gateway.Bus, cfg *config.WebSocketGatewayConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	return &Server{
		bus:     b,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// Attach subscribes the server to every lifecycle event. The returned
// function detaches it.
func (s *Server) Attach() func() {
	unsubs := make([]func(), 0, len(events.All))
	for _, name := range events.All {
		unsubs = append(unsubs, s.bus.Subscribe(name, s.broadcast))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Mount returns the upgrade handler for mounting on another listener. Start
// then opens no listener of its own.
func (s *Server) Mount() http.Handler {
	s.mounted = true
	return s.Handler()
}

// broadcast enqueues ev for every client without blocking.
func (s *Server) broadcast(ctx context.Context, ev events.Event) error {
	env, err := protocol.FromEvent(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	s.mu.RLock()
	var slow []*client
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.WarnContext(ctx, "dropping slow websocket client",
			slog.String("client_id", c.id),
			slog.String("event", string(ev.Name)),
		)
		c.drop()
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

// authorized checks the shared token from ?token= or a Bearer header.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg == nil || s.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleConnection(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	c := &client{
		id:     uuid.NewString(),
		send:   make(chan []byte, s.cfg.WSSendBuffer()),
		cancel: cancel,
	}
	s.register(c)
	defer func() {
		s.unregister(c)
		c.drop()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.enqueue(c, protocol.MsgWelcome, protocol.WelcomePayload{
		ClientID: c.id,
		Pending:  s.bus.PendingCount(),
	})

	go s.writeLoop(ctx, conn, c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				s.logger.Info("websocket client disconnected", slog.String("client_id", c.id))
			case errors.Is(err, context.Canceled):
				s.logger.Info("websocket client dropped", slog.String("client_id", c.id))
			default:
				s.logger.Warn("websocket connection error",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.enqueue(c, protocol.MsgError, protocol.ErrorPayload{Code: "invalid_json", Message: err.Error()})
			continue
		}
		s.handleMessage(ctx, c, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgDecision:
		var d protocol.DecisionPayload
		if err := env.Decode(&d); err != nil {
			s.enqueue(c, protocol.MsgError, protocol.ErrorPayload{Code: "invalid_payload", Message: err.Error()})
			return
		}
		if err := d.Validate(); err != nil {
			s.enqueue(c, protocol.MsgError, protocol.ErrorPayload{Code: "invalid_decision", Message: err.Error()})
			return
		}
		// Approval executes against the orchestrator; keep reading meanwhile.
		go s.decide(ctx, c, d)

	case protocol.MsgPong:

	default:
		s.enqueue(c, protocol.MsgError, protocol.ErrorPayload{
			Code:    "unknown_type",
			Message: fmt.Sprintf("unknown message type %q", env.Type),
		})
	}
}

func (s *Server) decide(ctx context.Context, c *client, d protocol.DecisionPayload) {
	s.logger.InfoContext(ctx, "websocket decision",
		slog.String("client_id", c.id),
		slog.String("action_id", d.ActionID),
		slog.String("decision", d.Decision),
	)
	result, applied, err := gateway.Decide(context.WithoutCancel(ctx), s.bus, d.ActionID, d.Decision, d.Tier)
	if err != nil {
		s.enqueue(c, protocol.MsgError, protocol.ErrorPayload{Code: "invalid_decision", Message: err.Error()})
		return
	}
	s.enqueue(c, protocol.MsgDecisionResult, protocol.DecisionResultPayload{
		ActionID: d.ActionID,
		Applied:  applied,
		Result:   result,
	})
}

// enqueue queues a direct reply; a full queue drops the client.
func (s *Server) enqueue(c *client, t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.drop()
	}
}

// writeLoop is the only writer on conn.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.drop()
				return
			}
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			data, _ := json.Marshal(env)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
				c.drop()
				return
			}
		}
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WebSocketClients.Inc()
	}
	s.logger.Info("websocket client connected", slog.String("client_id", c.id))
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.WebSocketClients.Dec()
	}
}

// Start serves the stream on its own listener. Used when the HTTP gateway is
// disabled; after Mount it blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.mounted {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.WSPath(), s.Handler())

	s.httpServer = &http.Server{
		Addr:              s.cfg.WSListenAddr(),
		Handler:           observability.HTTPMetricsMiddleware(s.metrics, nil, mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("websocket gateway starting",
		slog.String("addr", s.cfg.WSListenAddr()),
		slog.String("path", s.cfg.WSPath()),
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop disconnects every client and shuts the standalone listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	for _, c := range s.clients {
		c.drop()
	}
	s.mu.RUnlock()

	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("websocket gateway stopping")
	return s.httpServer.Shutdown(ctx)
}

var _ gateway.Gateway = (*Server)(nil)
