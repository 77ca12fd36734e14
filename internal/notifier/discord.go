package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/taskgraph/internal/logctx"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	// Client defaults to a client with a 10s timeout.
	Client *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Hook adapts n to the executor's uncaught-error hook. The error is always
// logged; n may be nil.
func Hook(n Notifier) func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		logger := logctx.LoggerFromContext(ctx)
		logger.ErrorContext(ctx, "uncaught error", "err", err)

		if n == nil {
			return
		}

		if nerr := n.Notify(ctx, "Uncaught error: "+err.Error()); nerr != nil {
			logger.ErrorContext(ctx, "failed to send notification", "err", nerr)
		}
	}
}
