package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"caseline/internal/config"
)

const defaultTimeout = 5 * time.Second

// Severities attached to outgoing notifications.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityAlert   = "alert"
)

// Notifier posts operational notifications to configured webhooks. Delivery
// is best effort: failures are logged and never propagated to the caller.
type Notifier struct {
	Webhooks []config.WebhookConfig
	Client   *http.Client
}

func New(cfg *config.Config) *Notifier {
	return &Notifier{
		Webhooks: cfg.Webhooks,
		Client:   &http.Client{Timeout: defaultTimeout},
	}
}

type notification struct {
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	CaseID   string         `json:"case_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	TS       string         `json:"ts"`
}

// Notify fans the message out to every enabled webhook.
func (n *Notifier) Notify(ctx context.Context, severity, message, caseID string, details map[string]any) {
	if n == nil || len(n.Webhooks) == 0 {
		return
	}
	body := notification{
		Severity: severity,
		Message:  message,
		CaseID:   caseID,
		Details:  details,
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("notify: marshal failed: %v", err)
		return
	}
	for _, hook := range n.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := n.post(ctx, hook, severity, data); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
		}
	}
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, severity string, data []byte) error {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Severity", severity)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
