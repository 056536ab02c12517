// internal/notify/notify.go
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"easypaybackend/internal/logger"
)

// Notifier delivers human-facing messages about a payment's progress. The
// reconciler emits exactly one completion event per payment through this.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) error
}

// LogNotifier writes notifications to the application log. Used when no
// messaging credentials are configured and as the fallback target in tests.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, channelID, text string) error {
	logger.LogInfo("Notification for channel %s: %s", channelID, text)
	return nil
}

// TelegramNotifier sends messages through the Telegram Bot API. The
// channelID is the chat id the original request came from; AdminChatID, when
// set, gets a copy of every message.
type TelegramNotifier struct {
	BotToken    string
	AdminChatID string
}

func NewTelegramNotifier(botToken, adminChatID string) *TelegramNotifier {
	return &TelegramNotifier{BotToken: botToken, AdminChatID: adminChatID}
}

func (t *TelegramNotifier) Send(ctx context.Context, channelID, text string) error {
	if err := t.sendWithRetry(ctx, channelID, text, 3); err != nil {
		return err
	}
	if t.AdminChatID != "" && t.AdminChatID != channelID {
		if err := t.sendWithRetry(ctx, t.AdminChatID, text, 3); err != nil {
			// Admin copy failing must not fail the customer notification.
			logger.LogWarn("Admin notification copy failed: %v", err)
		}
	}
	return nil
}

func (t *TelegramNotifier) sendWithRetry(ctx context.Context, chatID, text string, maxRetries int) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := t.sendOnce(ctx, chatID, text)
		if err == nil {
			return nil
		}

		lastErr = err
		logger.LogWarn("Telegram send attempt %d failed: %v", attempt, err)

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return fmt.Errorf("failed to send Telegram message after %d attempts: %w", maxRetries, lastErr)
}

func (t *TelegramNotifier) sendOnce(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: time.Second * 30}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram API rejected message: %s", result.Description)
	}
	return nil
}
