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
	"strings"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/pkg/credentials"
	"github.com/rs/zerolog"
)

const githubSettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["webhook_secret", "installation_id"],
  "properties": {
    "webhook_secret": {
      "type": "string",
      "minLength": 1,
      "description": "Shared secret for X-Hub-Signature-256"
    },
    "installation_id": {
      "type": "string",
      "minLength": 1,
      "description": "App installation the tokens are minted for"
    },
    "resource_ids": {
      "type": "array",
      "items": { "type": "string" }
    },
    "permissions": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  }
}`

// GitHubHandler speaks GitHub App webhooks and the REST API with
// short-lived installation tokens from the credential provider.
type GitHubHandler struct {
	logger      zerolog.Logger
	client      *http.Client
	credentials *credentials.Provider
}

// NewGitHubHandler constructs the github protocol handler.
func NewGitHubHandler(logger zerolog.Logger, creds *credentials.Provider) *GitHubHandler {
	return &GitHubHandler{
		logger:      logger.With().Str("component", "github").Logger(),
		client:      &http.Client{Timeout: 30 * time.Second},
		credentials: creds,
	}
}

// Type implements Handler.
func (h *GitHubHandler) Type() string { return "github" }

// ValidateConfig implements Handler.
func (h *GitHubHandler) ValidateConfig(settings map[string]interface{}) error {
	if err := validateAgainstSchema(githubSettingsSchema, settings); err != nil {
		return &ConfigurationError{PluginType: "github", Reason: err.Error()}
	}
	return nil
}

type githubEvent struct {
	Action string `json:"action"`
	Issue  *struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		Body        string `json:"body"`
		CommentsURL string `json:"comments_url"`
	} `json:"issue"`
	Comment *struct {
		Body string `json:"body"`
	} `json:"comment"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender *struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"sender"`
}

// ParseWebhook implements Handler.
func (h *GitHubHandler) ParseWebhook(r *http.Request, inst config.PluginInstanceConfig, body []byte) (*ParseResult, error) {
	if err := h.verifySignature(r, inst, body); err != nil {
		return nil, err
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		return nil, fmt.Errorf("missing delivery id")
	}
	eventName := r.Header.Get("X-GitHub-Event")

	var event githubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}

	if event.Sender != nil && event.Sender.Type == "Bot" {
		return &ParseResult{Reason: "sender is a bot"}, nil
	}

	var text string
	switch {
	case eventName == "issue_comment" && event.Action == "created" && event.Comment != nil:
		text = event.Comment.Body
	case eventName == "issues" && event.Action == "opened" && event.Issue != nil:
		text = event.Issue.Body
		if text == "" {
			text = event.Issue.Title
		}
	default:
		return &ParseResult{Reason: fmt.Sprintf("unsupported event %s/%s", eventName, event.Action)}, nil
	}

	if event.Issue == nil || event.Repository == nil {
		return &ParseResult{Reason: "event lacks issue context"}, nil
	}
	if strings.TrimSpace(text) == "" {
		return &ParseResult{Reason: "empty event body"}, nil
	}

	draft := &Draft{
		Source:     "github",
		SourceRef:  "github:" + deliveryID,
		SessionKey: fmt.Sprintf("github:%s:%s#%d", inst.ID, event.Repository.FullName, event.Issue.Number),
		Title:      firstLine(event.Issue.Title),
		Body:       text,
	}
	if event.Sender != nil {
		draft.SenderName = event.Sender.Login
		draft.SenderRef = "gh-user:" + event.Sender.Login
	}

	return &ParseResult{
		ShouldProcess: true,
		Draft:         draft,
		ResponseContext: map[string]string{
			"comments_url": event.Issue.CommentsURL,
		},
	}, nil
}

// verifySignature checks X-Hub-Signature-256 over the raw body.
func (h *GitHubHandler) verifySignature(r *http.Request, inst config.PluginInstanceConfig, body []byte) error {
	secret := settingString(inst.Settings, "webhook_secret")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	got := r.Header.Get("X-Hub-Signature-256")
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// PostResponse implements Handler by creating an issue comment with a
// freshly resolved installation token.
func (h *GitHubHandler) PostResponse(ctx context.Context, inst config.PluginInstanceConfig, req PostRequest) PostResult {
	commentsURL := req.ResponseContext["comments_url"]
	if commentsURL == "" {
		return PostResult{Err: fmt.Errorf("comments url is required")}
	}

	envelope, err := h.credentials.GetCredential(ctx, h.credentialRequest(inst))
	if err != nil {
		return PostResult{Retryable: isMintRetryable(err), Err: err}
	}

	body, err := json.Marshal(map[string]string{"body": req.Text})
	if err != nil {
		return PostResult{Err: fmt.Errorf("failed to encode comment: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, commentsURL, bytes.NewReader(body))
	if err != nil {
		return PostResult{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+envelope.Token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return PostResult{Retryable: true, Err: fmt.Errorf("comment create failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	// A 401 means the cached token was revoked out from under us; drop it
	// so the next attempt mints fresh.
	if resp.StatusCode == http.StatusUnauthorized {
		h.credentials.Invalidate(h.credentialRequest(inst))
	}

	if resp.StatusCode == http.StatusForbidden {
		return PostResult{Err: &AccessDeniedError{Provider: "github", Status: resp.StatusCode}}
	}

	if resp.StatusCode >= 300 {
		return PostResult{
			Retryable: resp.StatusCode == http.StatusUnauthorized ||
				resp.StatusCode == http.StatusTooManyRequests ||
				resp.StatusCode >= 500,
			Err: fmt.Errorf("comment create returned %d: %s", resp.StatusCode, string(raw)),
		}
	}

	var created struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(raw, &created)

	return PostResult{Success: true, ProviderRef: fmt.Sprintf("%d", created.ID)}
}

// TestConnection implements ConnectionTester by resolving a credential.
func (h *GitHubHandler) TestConnection(ctx context.Context, inst config.PluginInstanceConfig) error {
	if _, err := h.credentials.GetCredential(ctx, h.credentialRequest(inst)); err != nil {
		return fmt.Errorf("credential resolution failed: %w", err)
	}
	return nil
}

func (h *GitHubHandler) credentialRequest(inst config.PluginInstanceConfig) credentials.Request {
	req := credentials.Request{
		InstallationID: settingString(inst.Settings, "installation_id"),
	}
	if ids, ok := inst.Settings["resource_ids"].([]interface{}); ok {
		for _, v := range ids {
			if s, ok := v.(string); ok {
				req.ResourceIDs = append(req.ResourceIDs, s)
			}
		}
	}
	if perms, ok := inst.Settings["permissions"].(map[string]interface{}); ok {
		req.Permissions = make(map[string]string, len(perms))
		for k, v := range perms {
			if s, ok := v.(string); ok {
				req.Permissions[k] = s
			}
		}
	}
	return req
}

func isMintRetryable(err error) bool {
	mintErr, ok := err.(*credentials.MintError)
	if !ok {
		return true
	}
	return mintErr.Status == 0 || mintErr.Status == http.StatusTooManyRequests || mintErr.Status >= 500
}
