package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// HTTPSMSAdapter sends SMS through a JSON-over-HTTP gateway. The gateway
// contract is a POST to /messages with {to, from, body} returning
// {"message_id": "..."} on 2xx.
type HTTPSMSAdapter struct {
	client  httpretry.HTTPDoer
	baseURL string
	apiKey  string
	from    string
}

// NewHTTPSMSAdapter creates an SMS adapter from config. Retries for
// transient gateway failures are handled inside the client, inside the
// caller's send deadline.
func NewHTTPSMSAdapter(cfg config.SMSConfig) *HTTPSMSAdapter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSMSAdapter{
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, cfg.MaxRetries),
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		from:    cfg.FromNumber,
	}
}

func (a *HTTPSMSAdapter) Channel() domain.ChannelType { return domain.ChannelSMS }

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts the message to the gateway. Gateway 4xx responses are
// permanent (bad number, rejected content); 5xx and transport failures
// are transient.
func (a *HTTPSMSAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	payload, err := json.Marshal(smsRequest{To: msg.To, From: a.from, Body: msg.Body})
	if err != nil {
		return "", Permanent(fmt.Errorf("marshal sms request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", Permanent(fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("sms gateway: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out smsResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", Transient(fmt.Errorf("sms gateway: malformed response: %w", err))
		}
		log.Printf("[SMS] Sent to %s (id: %s)", logger.RedactPhone(msg.To), out.MessageID)
		return out.MessageID, nil
	}

	gatewayErr := fmt.Errorf("sms gateway: status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return "", Permanent(gatewayErr)
	}
	return "", Transient(gatewayErr)
}
