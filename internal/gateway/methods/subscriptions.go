package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/internal/gateway"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

// SubscriptionMethods handles subscribe and unsubscribe. Filters are always
// pinned to the client's own tenant.
type SubscriptionMethods struct {
	events *fanout.Registry
}

func NewSubscriptionMethods(events *fanout.Registry) *SubscriptionMethods {
	return &SubscriptionMethods{events: events}
}

func (m *SubscriptionMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSubscribe, m.handleSubscribe)
	router.Register(protocol.MethodUnsubscribe, m.handleUnsubscribe)
}

// filter parses the request params. A tenant_id other than the client's is refused.
func filter(client *gateway.Client, req *protocol.RequestFrame) (fanout.Filter, bool) {
	var f fanout.Filter
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &f); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return f, false
		}
	}
	if f.TenantID != "" && f.TenantID != client.TenantID() {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "cannot subscribe to another tenant"))
		return f, false
	}
	f.TenantID = client.TenantID()
	return f, true
}

func (m *SubscriptionMethods) handleSubscribe(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	f, ok := filter(client, req)
	if !ok {
		return
	}
	if err := m.events.Subscribe(client.Subscriber(), f); err != nil {
		client.SendError(req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"filter": f}))
}

func (m *SubscriptionMethods) handleUnsubscribe(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	f, ok := filter(client, req)
	if !ok {
		return
	}
	m.events.RemoveFilter(client.ID(), f)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"filter": f}))
}
