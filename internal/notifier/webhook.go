package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Signature-SHA256"

// WebhookNotifier posts the message as JSON to a delivery service. When a secret is
// set the body is signed with HMAC-SHA256.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
	logger *zap.Logger
}

func NewWebhookNotifier(url, secret string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("WebhookNotifier"),
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", ierr.ErrNotification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ierr.ErrNotification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ierr.ErrNotification, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", ierr.ErrNotification, resp.StatusCode)
	}

	n.logger.Debug("Keys delivered",
		zap.String("order_id", msg.Data.OrderID),
		zap.Int("keys", len(msg.Data.Keys)),
	)
	return nil
}

func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
