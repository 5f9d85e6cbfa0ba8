package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"trade-desk/internal/config"
)

// Telegram rejects longer messages outright.
const telegramMaxText = 4096

type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier returns nil when telegram is disabled so callers can
// pass the result straight to NewManager.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	if !cfg.Enabled {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	msg = truncateText(msg, telegramMaxText)
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: msg})
	if err != nil {
		return err
	}
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return checkTelegramResponse(resp.StatusCode, raw)
}

// truncateText caps msg at max bytes without splitting a UTF-8 sequence.
func truncateText(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	cut := max - len("...")
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}

// checkTelegramResponse treats an unparseable 2xx body as delivered.
func checkTelegramResponse(status int, raw []byte) error {
	text := strings.TrimSpace(string(raw))
	if status/100 != 2 {
		return fmt.Errorf("telegram status=%d body=%s", status, text)
	}
	var parsed sendMessageResponse
	if text == "" || json.Unmarshal(raw, &parsed) != nil || parsed.OK {
		return nil
	}
	return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
