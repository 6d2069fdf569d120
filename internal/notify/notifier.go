package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Notifier sends alerts to a webhook, at most one per hour. Unrecoverable
// fetch errors, especially authorization failures, go through here; a silent
// loop swallowing errors forever would otherwise hide a dead bot.
type Notifier struct {
	webhookURL string
	enabled    bool
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a notifier. An empty webhook URL disables sending.
func New(webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		enabled:    webhookURL != "",
		limiter:    rate.NewLimiter(rate.Every(time.Hour), 1),
		logger:     logger,
	}
}

// Alert fires a rate-limited alert. Drops silently when disabled and logs a
// debug line when suppressed by the limiter.
func (n *Notifier) Alert(title, message string) {
	if !n.enabled {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Debug("[NOTIFY] Alert suppressed by rate limit", "title", title)
		return
	}
	if err := n.send(title, message); err != nil {
		n.logger.Error("[NOTIFY] Failed to send alert", "title", title, "error", err)
	}
}

func (n *Notifier) send(title, message string) error {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"timestamp":   time.Now().Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := http.Post(n.webhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
