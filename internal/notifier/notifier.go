// Package notifier delivers fulfilled keys to the buyer.
package notifier

import (
	"context"
	"fmt"

	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"go.uber.org/zap"
)

type DeliveredKey struct {
	KeyID     string `json:"key_id"`
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Code      string `json:"code"`
	Platform  string `json:"platform,omitempty"`
	Region    string `json:"region,omitempty"`
}

type Data struct {
	OrderID string         `json:"order_id"`
	Keys    []DeliveredKey `json:"keys"`
}

type Message struct {
	To       string `json:"to"`
	Channel  string `json:"channel"`
	Template string `json:"template"`
	Data     Data   `json:"data"`
}

// Notifier sends one message. Errors are retryable by the caller.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// New selects the implementation named by cfg.Kind.
func New(cfg *config.NotifierConfig, logger *zap.Logger) (Notifier, error) {
	switch cfg.Kind {
	case "", "log":
		return NewLogNotifier(logger), nil
	case "webhook":
		if cfg.URL == "" {
			return nil, fmt.Errorf("notifier: webhook url is required")
		}
		return NewWebhookNotifier(cfg.URL, cfg.Secret, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("notifier: unknown kind %q", cfg.Kind)
	}
}
