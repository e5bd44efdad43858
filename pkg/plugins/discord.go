package plugins

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/rs/zerolog"
)

const discordSettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["public_key", "bot_token"],
  "properties": {
    "public_key": {
      "type": "string",
      "minLength": 64,
      "description": "Hex-encoded Ed25519 public key for interaction signatures"
    },
    "bot_token": {
      "type": "string",
      "minLength": 1,
      "description": "Bot token for the REST API"
    },
    "application_id": {
      "type": "string"
    }
  }
}`

// Interaction types and callback types from the interactions protocol.
const (
	discordInteractionPing    = 1
	discordInteractionCommand = 2
	discordCallbackPong       = 1
)

// DiscordHandler speaks the Discord interactions webhook and REST API.
type DiscordHandler struct {
	logger zerolog.Logger
	client *http.Client
	apiURL string
}

// NewDiscordHandler constructs the discord protocol handler.
func NewDiscordHandler(logger zerolog.Logger) *DiscordHandler {
	return &DiscordHandler{
		logger: logger.With().Str("component", "discord").Logger(),
		client: &http.Client{Timeout: 30 * time.Second},
		apiURL: "https://discord.com/api/v10",
	}
}

// Type implements Handler.
func (h *DiscordHandler) Type() string { return "discord" }

// ValidateConfig implements Handler.
func (h *DiscordHandler) ValidateConfig(settings map[string]interface{}) error {
	if err := validateAgainstSchema(discordSettingsSchema, settings); err != nil {
		return &ConfigurationError{PluginType: "discord", Reason: err.Error()}
	}
	if _, err := decodePublicKey(settingString(settings, "public_key")); err != nil {
		return &ConfigurationError{PluginType: "discord", Reason: err.Error()}
	}
	return nil
}

type discordInteraction struct {
	ID        string `json:"id"`
	Type      int    `json:"type"`
	ChannelID string `json:"channel_id"`
	Member    *struct {
		User *discordUser `json:"user"`
	} `json:"member"`
	User *discordUser `json:"user"`
	Data struct {
		Name    string `json:"name"`
		Options []struct {
			Name  string      `json:"name"`
			Value interface{} `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// ParseWebhook implements Handler.
func (h *DiscordHandler) ParseWebhook(r *http.Request, inst config.PluginInstanceConfig, body []byte) (*ParseResult, error) {
	if err := h.verifySignature(r, inst, body); err != nil {
		return nil, err
	}

	var interaction discordInteraction
	if err := json.Unmarshal(body, &interaction); err != nil {
		return nil, fmt.Errorf("failed to decode interaction: %w", err)
	}

	if interaction.Type == discordInteractionPing {
		ack, _ := json.Marshal(map[string]int{"type": discordCallbackPong})
		return &ParseResult{ImmediateResponse: string(ack)}, nil
	}
	if interaction.Type != discordInteractionCommand {
		return &ParseResult{Reason: fmt.Sprintf("unsupported interaction type %d", interaction.Type)}, nil
	}

	user := interaction.User
	if user == nil && interaction.Member != nil {
		user = interaction.Member.User
	}
	if user != nil && user.Bot {
		return &ParseResult{Reason: "sender is a bot"}, nil
	}

	text := interactionText(interaction)
	if strings.TrimSpace(text) == "" {
		return &ParseResult{Reason: "empty command input"}, nil
	}

	draft := &Draft{
		Source:     "discord",
		SourceRef:  "discord:" + interaction.ID,
		SessionKey: fmt.Sprintf("discord:%s:%s", inst.ID, interaction.ChannelID),
		Title:      firstLine(text),
		Body:       text,
	}
	if user != nil {
		draft.SenderName = user.Username
		draft.SenderRef = "discord-user:" + user.ID
	}

	return &ParseResult{
		ShouldProcess: true,
		Draft:         draft,
		ResponseContext: map[string]string{
			"channel_id": interaction.ChannelID,
		},
	}, nil
}

// verifySignature checks the Ed25519 interaction signature over
// timestamp || body.
func (h *DiscordHandler) verifySignature(r *http.Request, inst config.PluginInstanceConfig, body []byte) error {
	pub, err := decodePublicKey(settingString(inst.Settings, "public_key"))
	if err != nil {
		return err
	}

	sig, err := hex.DecodeString(r.Header.Get("X-Signature-Ed25519"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature header")
	}

	ts := r.Header.Get("X-Signature-Timestamp")
	if ts == "" {
		return fmt.Errorf("missing signature timestamp")
	}

	signed := make([]byte, 0, len(ts)+len(body))
	signed = append(signed, ts...)
	signed = append(signed, body...)

	if !ed25519.Verify(pub, signed, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// PostResponse implements Handler by creating a channel message.
func (h *DiscordHandler) PostResponse(ctx context.Context, inst config.PluginInstanceConfig, req PostRequest) PostResult {
	channelID := req.ResponseContext["channel_id"]
	if channelID == "" {
		return PostResult{Err: fmt.Errorf("channel id is required")}
	}

	body, err := json.Marshal(map[string]string{"content": req.Text})
	if err != nil {
		return PostResult{Err: fmt.Errorf("failed to encode message: %w", err)}
	}

	url := fmt.Sprintf("%s/channels/%s/messages", h.apiURL, channelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PostResult{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bot "+settingString(inst.Settings, "bot_token"))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return PostResult{Retryable: true, Err: fmt.Errorf("message create failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return PostResult{
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("message create returned %d: %s", resp.StatusCode, string(raw)),
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &created)

	return PostResult{Success: true, ProviderRef: created.ID}
}

// TestConnection implements ConnectionTester via /users/@me.
func (h *DiscordHandler) TestConnection(ctx context.Context, inst config.PluginInstanceConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiURL+"/users/@me", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+settingString(inst.Settings, "bot_token"))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("users/@me failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("users/@me returned %d", resp.StatusCode)
	}
	return nil
}

func interactionText(interaction discordInteraction) string {
	parts := []string{interaction.Data.Name}
	for _, opt := range interaction.Data.Options {
		parts = append(parts, fmt.Sprintf("%v", opt.Value))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func decodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key")
	}
	return ed25519.PublicKey(raw), nil
}
