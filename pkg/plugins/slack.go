package plugins

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/rs/zerolog"
)

const slackSettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["signing_secret", "bot_token"],
  "properties": {
    "signing_secret": {
      "type": "string",
      "minLength": 1,
      "description": "App signing secret used for v0 request signatures"
    },
    "bot_token": {
      "type": "string",
      "minLength": 1,
      "description": "Bot user OAuth token (xoxb-...)"
    },
    "bot_user_id": {
      "type": "string",
      "description": "Bot user id, filtered out of inbound events"
    }
  }
}`

// defaultSignatureSkew bounds how old a signed request may be. Replays
// of captured deliveries outside this window are rejected.
const defaultSignatureSkew = 5 * time.Minute

// SlackHandler speaks the Slack Events API and Web API.
type SlackHandler struct {
	logger zerolog.Logger
	client *http.Client
	apiURL string
	skew   time.Duration
	clock  func() time.Time
}

// NewSlackHandler constructs the slack protocol handler. A zero skew
// falls back to the 5 minute default.
func NewSlackHandler(logger zerolog.Logger, skew time.Duration) *SlackHandler {
	if skew <= 0 {
		skew = defaultSignatureSkew
	}
	return &SlackHandler{
		logger: logger.With().Str("component", "slack").Logger(),
		client: &http.Client{Timeout: 30 * time.Second},
		apiURL: "https://slack.com/api",
		skew:   skew,
		clock:  time.Now,
	}
}

// Type implements Handler.
func (h *SlackHandler) Type() string { return "slack" }

// ValidateConfig implements Handler.
func (h *SlackHandler) ValidateConfig(settings map[string]interface{}) error {
	if err := validateAgainstSchema(slackSettingsSchema, settings); err != nil {
		return &ConfigurationError{PluginType: "slack", Reason: err.Error()}
	}
	return nil
}

type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	TeamID    string     `json:"team_id"`
	EventID   string     `json:"event_id"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// ParseWebhook implements Handler.
func (h *SlackHandler) ParseWebhook(r *http.Request, inst config.PluginInstanceConfig, body []byte) (*ParseResult, error) {
	if err := h.verifySignature(r, inst, body); err != nil {
		return nil, err
	}

	var envelope slackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}

	if envelope.Type == "url_verification" {
		return &ParseResult{ImmediateResponse: envelope.Challenge}, nil
	}
	if envelope.Type != "event_callback" {
		return &ParseResult{Reason: "unsupported envelope type " + envelope.Type}, nil
	}

	event := envelope.Event
	if event.Type != "message" && event.Type != "app_mention" {
		return &ParseResult{Reason: "unsupported event type " + event.Type}, nil
	}
	if event.Subtype != "" {
		return &ParseResult{Reason: "message subtype " + event.Subtype}, nil
	}
	if event.BotID != "" || (event.User != "" && event.User == settingString(inst.Settings, "bot_user_id")) {
		return &ParseResult{Reason: "sender is a bot"}, nil
	}
	if strings.TrimSpace(event.Text) == "" {
		return &ParseResult{Reason: "empty message text"}, nil
	}

	rc := map[string]string{"channel": event.Channel}
	// Replies stay in the thread the message came from
	if event.ThreadTS != "" {
		rc["thread_ts"] = event.ThreadTS
	} else {
		rc["thread_ts"] = event.TS
	}

	return &ParseResult{
		ShouldProcess: true,
		Draft: &Draft{
			Source:     "slack",
			SourceRef:  fmt.Sprintf("slack:%s:%s", event.Channel, event.TS),
			SessionKey: fmt.Sprintf("slack:%s:%s", inst.ID, event.Channel),
			Title:      firstLine(event.Text),
			Body:       event.Text,
			SenderRef:  "slack-user:" + event.User,
		},
		ResponseContext: rc,
	}, nil
}

// verifySignature checks the v0 HMAC signature and the timestamp skew.
func (h *SlackHandler) verifySignature(r *http.Request, inst config.PluginInstanceConfig, body []byte) error {
	secret := settingString(inst.Settings, "signing_secret")

	tsHeader := r.Header.Get("X-Slack-Request-Timestamp")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request timestamp")
	}

	age := h.clock().Sub(time.Unix(ts, 0))
	if age > h.skew || age < -h.skew {
		return fmt.Errorf("request timestamp outside allowed skew")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", tsHeader)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	got := r.Header.Get("X-Slack-Signature")
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

type slackPostResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostResponse implements Handler via chat.postMessage.
func (h *SlackHandler) PostResponse(ctx context.Context, inst config.PluginInstanceConfig, req PostRequest) PostResult {
	payload := map[string]interface{}{
		"channel": req.ResponseContext["channel"],
		"text":    req.Text,
	}
	if ts := req.ResponseContext["thread_ts"]; ts != "" {
		payload["thread_ts"] = ts
	}

	var parsed slackPostResponse
	status, err := h.callAPI(ctx, inst, "chat.postMessage", payload, &parsed)
	if err != nil {
		return PostResult{Retryable: true, Err: err}
	}

	if !parsed.OK {
		postErr := error(fmt.Errorf("chat.postMessage failed: %s", parsed.Error))
		switch parsed.Error {
		case "invalid_auth", "not_authed", "token_revoked", "account_inactive":
			postErr = &AccessDeniedError{Provider: "slack", Status: status}
		}
		return PostResult{
			Retryable: status == http.StatusTooManyRequests || status >= 500 || parsed.Error == "ratelimited",
			Err:       postErr,
		}
	}

	return PostResult{Success: true, ProviderRef: parsed.TS}
}

// AcknowledgeReceipt implements ReceiptAcknowledger with an eyes reaction.
func (h *SlackHandler) AcknowledgeReceipt(ctx context.Context, inst config.PluginInstanceConfig, responseContext map[string]string) error {
	payload := map[string]interface{}{
		"channel":   responseContext["channel"],
		"timestamp": responseContext["thread_ts"],
		"name":      "eyes",
	}

	var parsed slackPostResponse
	if _, err := h.callAPI(ctx, inst, "reactions.add", payload, &parsed); err != nil {
		return err
	}
	if !parsed.OK && parsed.Error != "already_reacted" {
		return fmt.Errorf("reactions.add failed: %s", parsed.Error)
	}
	return nil
}

// DismissReceipt removes the eyes reaction once the reply is posted.
func (h *SlackHandler) DismissReceipt(ctx context.Context, inst config.PluginInstanceConfig, responseContext map[string]string) error {
	payload := map[string]interface{}{
		"channel":   responseContext["channel"],
		"timestamp": responseContext["thread_ts"],
		"name":      "eyes",
	}

	var parsed slackPostResponse
	if _, err := h.callAPI(ctx, inst, "reactions.remove", payload, &parsed); err != nil {
		return err
	}
	if !parsed.OK && parsed.Error != "no_reaction" {
		return fmt.Errorf("reactions.remove failed: %s", parsed.Error)
	}
	return nil
}

// TestConnection implements ConnectionTester via auth.test.
func (h *SlackHandler) TestConnection(ctx context.Context, inst config.PluginInstanceConfig) error {
	var parsed slackPostResponse
	if _, err := h.callAPI(ctx, inst, "auth.test", map[string]interface{}{}, &parsed); err != nil {
		return err
	}
	if !parsed.OK {
		return fmt.Errorf("auth.test failed: %s", parsed.Error)
	}
	return nil
}

func (h *SlackHandler) callAPI(ctx context.Context, inst config.PluginInstanceConfig, method string, payload map[string]interface{}, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+settingString(inst.Settings, "bot_token"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return resp.StatusCode, nil
}
