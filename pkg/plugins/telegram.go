package plugins

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/courierhq/courier/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const telegramSettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["bot_token", "secret_token"],
  "properties": {
    "bot_token": {
      "type": "string",
      "minLength": 1,
      "description": "Bot API token from BotFather"
    },
    "secret_token": {
      "type": "string",
      "minLength": 1,
      "description": "Secret expected in X-Telegram-Bot-Api-Secret-Token"
    },
    "allowed_chat_ids": {
      "type": "array",
      "items": { "type": "string" }
    }
  }
}`

// TelegramHandler speaks the Telegram Bot API over webhooks.
type TelegramHandler struct {
	logger zerolog.Logger

	mu   sync.Mutex
	apis map[string]*tgbotapi.BotAPI
}

// NewTelegramHandler constructs the telegram protocol handler.
func NewTelegramHandler(logger zerolog.Logger) *TelegramHandler {
	return &TelegramHandler{
		logger: logger.With().Str("component", "telegram").Logger(),
		apis:   make(map[string]*tgbotapi.BotAPI),
	}
}

// Type implements Handler.
func (h *TelegramHandler) Type() string { return "telegram" }

// ValidateConfig implements Handler.
func (h *TelegramHandler) ValidateConfig(settings map[string]interface{}) error {
	if err := validateAgainstSchema(telegramSettingsSchema, settings); err != nil {
		return &ConfigurationError{PluginType: "telegram", Reason: err.Error()}
	}
	return nil
}

// ParseWebhook implements Handler.
func (h *TelegramHandler) ParseWebhook(r *http.Request, inst config.PluginInstanceConfig, body []byte) (*ParseResult, error) {
	secret := settingString(inst.Settings, "secret_token")
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return nil, fmt.Errorf("secret token mismatch")
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("failed to decode update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		return &ParseResult{Reason: "no message in update"}, nil
	}

	// Anything a bot sent is ignored, including our own posts echoed
	// back through the webhook.
	if msg.From != nil && msg.From.IsBot {
		return &ParseResult{Reason: "sender is a bot"}, nil
	}

	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	if allowed, ok := inst.Settings["allowed_chat_ids"].([]interface{}); ok && len(allowed) > 0 {
		permitted := false
		for _, v := range allowed {
			if s, ok := v.(string); ok && s == chatID {
				permitted = true
				break
			}
		}
		if !permitted {
			return &ParseResult{Reason: "chat not in allowlist"}, nil
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return &ParseResult{Reason: "empty message text"}, nil
	}

	result := &ParseResult{
		ShouldProcess: true,
		Draft: &Draft{
			Source:     "telegram",
			SourceRef:  fmt.Sprintf("tg:%s:%d", chatID, msg.MessageID),
			SessionKey: fmt.Sprintf("telegram:%s:%s", inst.ID, chatID),
			Title:      firstLine(text),
			Body:       text,
			SenderName: senderName(msg.From),
			SenderRef:  senderRef(msg.From),
		},
		ResponseContext: map[string]string{
			"chat_id": chatID,
		},
	}

	if msg.IsCommand() {
		result.Command = msg.Command()
	}
	if msg.ReplyToMessage != nil {
		result.ResponseContext["reply_to_message_id"] = fmt.Sprintf("%d", msg.MessageID)
	}

	return result, nil
}

// PostResponse implements Handler.
func (h *TelegramHandler) PostResponse(ctx context.Context, inst config.PluginInstanceConfig, req PostRequest) PostResult {
	api, err := h.api(inst)
	if err != nil {
		return PostResult{Err: err}
	}

	chatID, err := parseChatID(req.ResponseContext["chat_id"])
	if err != nil {
		return PostResult{Err: err}
	}

	msg := tgbotapi.NewMessage(chatID, req.Text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	sent, err := api.Send(msg)
	if err != nil {
		// Markdown parse failures are provider 400s; retry once as plain text
		msg.ParseMode = ""
		if sent, err = api.Send(msg); err != nil {
			if tgErr, ok := err.(*tgbotapi.Error); ok && (tgErr.Code == http.StatusUnauthorized || tgErr.Code == http.StatusForbidden) {
				return PostResult{Err: &AccessDeniedError{Provider: "telegram", Status: tgErr.Code}}
			}
			return PostResult{Retryable: isTelegramRetryable(err), Err: fmt.Errorf("failed to send message: %w", err)}
		}
	}

	return PostResult{Success: true, ProviderRef: fmt.Sprintf("%d", sent.MessageID)}
}

// AcknowledgeReceipt implements ReceiptAcknowledger with a typing action.
func (h *TelegramHandler) AcknowledgeReceipt(ctx context.Context, inst config.PluginInstanceConfig, responseContext map[string]string) error {
	api, err := h.api(inst)
	if err != nil {
		return err
	}

	chatID, err := parseChatID(responseContext["chat_id"])
	if err != nil {
		return err
	}

	if _, err := api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

// DismissReceipt implements ReceiptAcknowledger. Chat actions expire on
// their own after a few seconds, so there is nothing to withdraw.
func (h *TelegramHandler) DismissReceipt(ctx context.Context, inst config.PluginInstanceConfig, responseContext map[string]string) error {
	return nil
}

// TestConnection implements ConnectionTester via getMe.
func (h *TelegramHandler) TestConnection(ctx context.Context, inst config.PluginInstanceConfig) error {
	api, err := h.api(inst)
	if err != nil {
		return err
	}
	if _, err := api.GetMe(); err != nil {
		return fmt.Errorf("telegram getMe failed: %w", err)
	}
	return nil
}

func (h *TelegramHandler) api(inst config.PluginInstanceConfig) (*tgbotapi.BotAPI, error) {
	token := settingString(inst.Settings, "bot_token")
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if api, ok := h.apis[inst.ID]; ok {
		return api, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	h.logger.Info().
		Str("plugin_id", inst.ID).
		Str("username", api.Self.UserName).
		Msg("Telegram bot authenticated")

	h.apis[inst.ID] = api
	return api, nil
}

func parseChatID(raw string) (int64, error) {
	var chatID int64
	if _, err := fmt.Sscanf(raw, "%d", &chatID); err != nil {
		return 0, fmt.Errorf("invalid chat id %q", raw)
	}
	return chatID, nil
}

func isTelegramRetryable(err error) bool {
	if tgErr, ok := err.(*tgbotapi.Error); ok {
		return tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= 500
	}
	return true
}

func senderName(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.UserName
	}
	return name
}

func senderRef(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}
	return fmt.Sprintf("tg-user:%d", from.ID)
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		text = text[:idx]
	}
	if len(text) > 120 {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8
		cut := 120
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
