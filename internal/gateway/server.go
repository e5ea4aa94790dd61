// Package gateway serves the WebSocket RPC endpoint and mounts the REST API,
// health and metrics on the same listener.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wapipe/internal/channels"
	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	httpapi "github.com/nextlevelbuilder/wapipe/internal/http"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

const rateLimitBurst = 5

// Server is the gateway server handling WebSocket and HTTP connections.
type Server struct {
	cfg              config.GatewayConfig
	events           *fanout.Registry
	router           *MethodRouter
	subscriberBuffer int

	messagesHandler *httpapi.MessagesHandler
	channelStatus   func() []channels.Status

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	baseCtx    context.Context
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server publishing events from reg.
func NewServer(cfg config.GatewayConfig, reg *fanout.Registry, subscriberBuffer int) *Server {
	s := &Server{
		cfg:              cfg,
		events:           reg,
		subscriberBuffer: subscriberBuffer,
		clients:          make(map[string]*Client),
		baseCtx:          context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.RateLimitRPM, rateLimitBurst)
	s.router = NewMethodRouter(s)
	return s
}

// RateLimiter returns the per-tenant limiter shared by RPC and REST.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Events returns the fan-out registry clients subscribe to.
func (s *Server) Events() *fanout.Registry { return s.events }

// SetMessagesHandler mounts the REST API.
func (s *Server) SetMessagesHandler(h *httpapi.MessagesHandler) { s.messagesHandler = h }

// SetChannelStatus sets the source of connection status for /health.
func (s *Server) SetChannelStatus(fn func() []channels.Status) { s.channelStatus = fn }

// checkOrigin validates the WebSocket origin against the allowed list.
// No list allows everything; an empty Origin (non-browser client) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.messagesHandler != nil {
		s.messagesHandler.SetRateLimiter(s.rateLimiter.Allow)
		s.messagesHandler.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Start listens until ctx is done, then tells clients and shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(s.baseCtx)
}

type healthReport struct {
	Status   string            `json:"status"`
	Protocol int               `json:"protocol"`
	Clients  int               `json:"clients"`
	Channels []channels.Status `json:"channels"`
}

func (s *Server) health() healthReport {
	rep := healthReport{Status: "ok", Protocol: protocol.ProtocolVersion, Channels: []channels.Status{}}
	s.mu.RLock()
	rep.Clients = len(s.clients)
	s.mu.RUnlock()
	if s.channelStatus != nil {
		rep.Channels = s.channelStatus()
		for _, st := range rep.Channels {
			if !st.Running {
				rep.Status = "degraded"
			}
		}
	}
	return rep
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.health())
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	metrics.WSClients.Inc()
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.events.Unsubscribe(c.id)
	metrics.WSClients.Dec()
	slog.Info("client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.Close()
	}
}
