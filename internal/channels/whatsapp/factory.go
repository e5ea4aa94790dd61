package whatsapp

import (
	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/channels"
	"github.com/nextlevelbuilder/wapipe/internal/config"
)

// Factory matches channels.WhatsAppFactory.
func Factory(cfg config.WhatsAppConfig, router bus.MessageRouter) (channels.Channel, error) {
	return New(cfg, router)
}
