// Package plugins contains the channel integrations. Each handler owns
// one provider protocol end to end: webhook signature verification,
// payload normalization and posting responses back.
package plugins

import (
	"context"
	"fmt"
	"net/http"

	"github.com/courierhq/courier/internal/config"
)

// Draft is the normalized, not-yet-persisted form of an inbound event.
// The router turns accepted drafts into work items.
type Draft struct {
	Source     string // plugin type, e.g. "telegram"
	SourceRef  string // provider-unique reference, the dedup key
	SessionKey string
	Title      string
	Body       string
	SenderName string
	SenderRef  string
	Payload    map[string]interface{}
}

// ParseResult is the outcome of normalizing one webhook delivery.
type ParseResult struct {
	// ShouldProcess is false for events the handler filters out
	// (bot echoes, unsupported event types, provider noise).
	ShouldProcess bool
	// Reason explains a false ShouldProcess, for the skip log line.
	Reason string

	Draft *Draft

	// ResponseContext carries everything PostResponse needs to address
	// the reply (chat id, channel id, thread ts, comments URL).
	ResponseContext map[string]string

	// Command is set for provider-native commands that are answered
	// inline instead of being dispatched.
	Command string

	// ImmediateResponse, when non-empty, is written back as the webhook
	// HTTP response body (Slack URL verification, Discord ping ACK).
	ImmediateResponse string
}

// PostRequest asks a handler to deliver text back to the channel.
type PostRequest struct {
	ResponseContext map[string]string
	Text            string
	// Streaming marks an incremental chunk rather than a final response.
	Streaming bool
}

// PostResult reports delivery outcome. Retryable failures count against
// the crash guard differently than permanent ones.
type PostResult struct {
	Success     bool
	Retryable   bool
	ProviderRef string // provider-side id of the posted message
	Err         error
}

// Handler is one channel protocol implementation. Implementations must
// be safe for concurrent use across plugin instances.
type Handler interface {
	// Type returns the plugin type key used in configuration.
	Type() string

	// ValidateConfig checks an instance's settings against the handler's
	// schema before the instance is accepted.
	ValidateConfig(settings map[string]interface{}) error

	// ParseWebhook verifies the delivery's signature and normalizes the
	// payload. A signature failure is an error; a filtered event is a
	// ParseResult with ShouldProcess=false.
	ParseWebhook(r *http.Request, inst config.PluginInstanceConfig, body []byte) (*ParseResult, error)

	// PostResponse delivers agent output back to the channel.
	PostResponse(ctx context.Context, inst config.PluginInstanceConfig, req PostRequest) PostResult
}

// ReceiptAcknowledger is implemented by handlers whose channel supports
// a lightweight "seen" signal (typing indicator, emoji reaction).
// DismissReceipt withdraws the signal once the reply has been posted;
// channels whose signal expires on its own make it a no-op.
type ReceiptAcknowledger interface {
	AcknowledgeReceipt(ctx context.Context, inst config.PluginInstanceConfig, responseContext map[string]string) error
	DismissReceipt(ctx context.Context, inst config.PluginInstanceConfig, responseContext map[string]string) error
}

// ConnectionTester is implemented by handlers that can verify their
// credentials against the provider without side effects.
type ConnectionTester interface {
	TestConnection(ctx context.Context, inst config.PluginInstanceConfig) error
}

// settingString reads a string setting, empty when absent or mistyped.
func settingString(settings map[string]interface{}, key string) string {
	if settings == nil {
		return ""
	}
	v, ok := settings[key].(string)
	if !ok {
		return ""
	}
	return v
}

// requireSettings returns an error naming the first missing key.
func requireSettings(settings map[string]interface{}, keys ...string) error {
	for _, key := range keys {
		if settingString(settings, key) == "" {
			return fmt.Errorf("setting %q is required", key)
		}
	}
	return nil
}
