package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMinter struct {
	mu    sync.Mutex
	calls int
	resp  *MintResponse
	err   error
}

func (m *countingMinter) Mint(ctx context.Context, req Request) (*MintResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.resp != nil {
		return m.resp, nil
	}
	return &MintResponse{Token: "tok-" + req.InstallationID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *countingMinter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestProvider(t *testing.T, m Minter, clock func() time.Time) *Provider {
	t.Helper()
	p, err := NewProvider(Options{
		Minter:     m,
		DefaultTTL: 55 * time.Minute,
		SkewBuffer: 30 * time.Second,
		Logger:     zerolog.Nop(),
		Clock:      clock,
	})
	require.NoError(t, err)
	return p
}

func TestGetCredential_CacheHit(t *testing.T) {
	m := &countingMinter{}
	p := newTestProvider(t, m, nil)

	req := Request{
		InstallationID: "inst-1",
		ResourceIDs:    []string{"repo-b", "repo-a"},
		Permissions:    map[string]string{"issues": "write", "contents": "read"},
	}

	first, err := p.GetCredential(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mint", first.Source)

	// Same identity within TTL: served from cache, no second mint
	second, err := p.GetCredential(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cache", second.Source)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, 1, m.callCount())
}

func TestGetCredential_ResourceOrderInsensitive(t *testing.T) {
	m := &countingMinter{}
	p := newTestProvider(t, m, nil)

	_, err := p.GetCredential(context.Background(), Request{
		InstallationID: "inst-1", ResourceIDs: []string{"a", "b"},
	})
	require.NoError(t, err)

	got, err := p.GetCredential(context.Background(), Request{
		InstallationID: "inst-1", ResourceIDs: []string{"b", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cache", got.Source)
	assert.Equal(t, 1, m.callCount())
}

func TestGetCredential_DistinctScopes(t *testing.T) {
	m := &countingMinter{}
	p := newTestProvider(t, m, nil)

	_, err := p.GetCredential(context.Background(), Request{
		InstallationID: "inst-1", Permissions: map[string]string{"issues": "read"},
	})
	require.NoError(t, err)

	got, err := p.GetCredential(context.Background(), Request{
		InstallationID: "inst-1", Permissions: map[string]string{"issues": "write"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mint", got.Source, "a wider scope must not reuse a narrower token")
	assert.Equal(t, 2, m.callCount())
}

func TestGetCredential_SkewForcesRemint(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	m := &countingMinter{resp: &MintResponse{Token: "short", ExpiresAt: now.Add(time.Minute)}}
	p := newTestProvider(t, m, func() time.Time { return clock() })

	req := Request{InstallationID: "inst-1"}
	_, err := p.GetCredential(context.Background(), req)
	require.NoError(t, err)

	// 45s later the token is inside the 30s skew buffer of its 60s life
	now = now.Add(45 * time.Second)
	got, err := p.GetCredential(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mint", got.Source)
	assert.Equal(t, 2, m.callCount())
}

func TestGetCredential_CapsServerTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := &countingMinter{resp: &MintResponse{Token: "long", ExpiresAt: now.Add(24 * time.Hour)}}
	p := newTestProvider(t, m, func() time.Time { return now })

	got, err := p.GetCredential(context.Background(), Request{InstallationID: "inst-1"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(55*time.Minute), got.ExpiresAt)
}

func TestGetCredential_MintErrorCarriesStatus(t *testing.T) {
	m := &countingMinter{err: &MintError{Status: 422, Message: "integration lacks issues scope"}}
	p := newTestProvider(t, m, nil)

	_, err := p.GetCredential(context.Background(), Request{InstallationID: "inst-1"})
	require.Error(t, err)

	mintErr, ok := err.(*MintError)
	require.True(t, ok)
	assert.Equal(t, 422, mintErr.Status)
	assert.Contains(t, err.Error(), "422")
}

func TestGetCredential_Invalidate(t *testing.T) {
	m := &countingMinter{}
	p := newTestProvider(t, m, nil)

	req := Request{InstallationID: "inst-1"}
	_, err := p.GetCredential(context.Background(), req)
	require.NoError(t, err)

	p.Invalidate(req)

	got, err := p.GetCredential(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mint", got.Source)
	assert.Equal(t, 2, m.callCount())
}

func TestHTTPMinter_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/installations/inst-1/access_tokens", r.URL.Path)
		assert.Equal(t, "Bearer app-jwt", r.Header.Get("Authorization"))

		var body mintRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"repo-a"}, body.ResourceIDs)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(mintResponseBody{
			Token:     "minted-token",
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
		})
	}))
	defer srv.Close()

	m := &HTTPMinter{
		BaseURL:  srv.URL,
		AppToken: func() (string, error) { return "app-jwt", nil },
	}

	resp, err := m.Mint(context.Background(), Request{
		InstallationID: "inst-1",
		ResourceIDs:    []string{"repo-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "minted-token", resp.Token)
}

func TestHTTPMinter_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(mintResponseBody{
			Message: "requested permissions exceed installation grant",
			DocURL:  "https://example.test/docs/permissions",
		})
	}))
	defer srv.Close()

	m := &HTTPMinter{
		BaseURL:  srv.URL,
		AppToken: func() (string, error) { return "app-jwt", nil },
	}

	_, err := m.Mint(context.Background(), Request{InstallationID: "inst-1"})
	require.Error(t, err)

	mintErr, ok := err.(*MintError)
	require.True(t, ok)
	assert.Equal(t, 422, mintErr.Status)
	assert.Contains(t, mintErr.Message, "exceed installation grant")
	assert.Contains(t, mintErr.Error(), "https://example.test/docs/permissions")
}
