package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPMinter exchanges an app-level credential for an installation-scoped
// token at the channel's issuing endpoint.
type HTTPMinter struct {
	// BaseURL of the issuing API, without a trailing slash.
	BaseURL string
	// AppToken returns the app-level bearer used to authenticate the mint
	// call. It is invoked per request so rotating credentials work.
	AppToken func() (string, error)
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

type mintRequestBody struct {
	ResourceIDs []string          `json:"resource_ids,omitempty"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

type mintResponseBody struct {
	Token       string            `json:"token"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Permissions map[string]string `json:"permissions"`

	// Error fields, populated on non-2xx responses.
	Message string `json:"message"`
	DocURL  string `json:"documentation_url"`
}

// Mint implements Minter.
func (m *HTTPMinter) Mint(ctx context.Context, req Request) (*MintResponse, error) {
	if m.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if m.AppToken == nil {
		return nil, fmt.Errorf("app token source is required")
	}

	appToken, err := m.AppToken()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain app token: %w", err)
	}

	body, err := json.Marshal(mintRequestBody{
		ResourceIDs: req.ResourceIDs,
		Permissions: req.Permissions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mint request: %w", err)
	}

	url := fmt.Sprintf("%s/installations/%s/access_tokens", m.BaseURL, req.InstallationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mint request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+appToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	client := m.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mint request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read mint response: %w", err)
	}

	var parsed mintResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("failed to decode mint response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg := parsed.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &MintError{
			Status:   resp.StatusCode,
			Message:  msg,
			DocURL:   parsed.DocURL,
			Upstream: string(raw),
		}
	}

	if parsed.Token == "" {
		return nil, &MintError{Status: resp.StatusCode, Message: "issuer returned an empty token"}
	}

	return &MintResponse{
		Token:              parsed.Token,
		ExpiresAt:          parsed.ExpiresAt,
		GrantedPermissions: parsed.Permissions,
	}, nil
}
