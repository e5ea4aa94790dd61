package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	httpapi "github.com/nextlevelbuilder/wapipe/internal/http"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

// MethodHandler answers one request. It must send exactly one response.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches RPC requests by method name.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]MethodHandler)}
	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	return r
}

// Register adds or replaces the handler for method.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// public methods are callable before connect.
func public(method string) bool {
	return method == protocol.MethodConnect || method == protocol.MethodHealth
}

// Handle routes req. Unknown methods, unauthenticated calls and rate-limited
// tenants get an error response.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	if req.Type != "" && req.Type != protocol.FrameTypeRequest {
		r.reject(client, req, protocol.ErrInvalidRequest, "expected a request frame")
		return
	}
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		r.reject(client, req, protocol.ErrNotFound, "unknown method "+req.Method)
		return
	}
	if !public(req.Method) {
		if !client.Authenticated() {
			r.reject(client, req, protocol.ErrUnauthorized, "connect first")
			return
		}
		if !r.server.rateLimiter.Allow(client.TenantID()) {
			r.reject(client, req, protocol.ErrRateLimited, "rate limit exceeded")
			return
		}
	}
	metrics.RPCRequests.WithLabelValues(req.Method, "ok").Inc()
	h(ctx, client, req)
}

func (r *MethodRouter) reject(client *Client, req *protocol.RequestFrame, code, msg string) {
	metrics.RPCRequests.WithLabelValues(req.Method, code).Inc()
	client.SendResponse(protocol.NewErrorResponse(req.ID, code, msg))
}

type connectParams struct {
	Token    string `json:"token"`
	TenantID string `json:"tenant_id"`
}

func (r *MethodRouter) handleConnect(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var p connectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if token := r.server.cfg.Token; token != "" && p.Token != token {
		slog.Warn("security.ws_auth_failed", "client", client.ID())
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
		return
	}
	if p.TenantID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "tenant_id is required"))
		return
	}
	if cur := client.TenantID(); cur != "" && cur != p.TenantID {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrConflict, "already connected as another tenant"))
		return
	}
	client.setTenant(p.TenantID)
	slog.Info("ws.connected", "client", client.ID(), "tenant", p.TenantID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol":  protocol.ProtocolVersion,
		"client_id": client.ID(),
		"tenant_id": p.TenantID,
	}))
}

func (r *MethodRouter) handleHealth(_ context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, r.server.health()))
}

// ErrorResponse maps err onto a protocol error. Internal failures are not
// described to the client.
func ErrorResponse(reqID string, err error) *protocol.ResponseFrame {
	code, _ := httpapi.ErrorCode(err)
	msg := err.Error()
	if code == protocol.ErrInternal {
		slog.Error("ws.internal_error", "error", err)
		msg = "internal error"
	}
	return protocol.NewErrorResponse(reqID, code, msg)
}
