// Package credentials mints and caches short-lived channel API tokens.
// The cache is in-process only; envelopes are never persisted.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/observability"
	"github.com/rs/zerolog"
)

// Request identifies the credential to resolve.
type Request struct {
	InstallationID string
	ResourceIDs    []string
	Permissions    map[string]string // e.g. {"issues": "write"}
}

// Envelope is a resolved credential. Source reports whether it came from
// the cache or a fresh mint.
type Envelope struct {
	Token     string
	ExpiresAt time.Time
	Source    string // "mint" or "cache"
}

// MintResponse is what a Minter returns on success.
type MintResponse struct {
	Token     string
	ExpiresAt time.Time
	// GrantedPermissions echoes the scope the issuer actually granted.
	GrantedPermissions map[string]string
}

// Minter issues a fresh token from the channel's issuing endpoint.
type Minter interface {
	Mint(ctx context.Context, req Request) (*MintResponse, error)
}

// MintError carries the upstream HTTP status so callers can tell
// under-scoped integrations apart from transient failures.
type MintError struct {
	Status   int
	Message  string
	DocURL   string
	Upstream string
}

// Error implements error. The status is always part of the message.
func (e *MintError) Error() string {
	msg := fmt.Sprintf("credential mint failed with status %d: %s", e.Status, e.Message)
	if e.DocURL != "" {
		msg += " (see " + e.DocURL + ")"
	}
	return msg
}

// Options configures a Provider.
type Options struct {
	Minter     Minter
	DefaultTTL time.Duration // cap on cached lifetime
	SkewBuffer time.Duration // subtracted from expiry before reuse
	Logger     zerolog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

// Provider resolves credentials with a lazy, TTL-aware cache. Entries
// are checked on access; there is no background sweep (key cardinality
// is low: one entry per installation/scope pair).
type Provider struct {
	minter     Minter
	defaultTTL time.Duration
	skew       time.Duration
	logger     zerolog.Logger
	clock      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewProvider creates a credential provider.
func NewProvider(opts Options) (*Provider, error) {
	if opts.Minter == nil {
		return nil, fmt.Errorf("minter is required")
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 55 * time.Minute
	}
	if opts.SkewBuffer <= 0 {
		opts.SkewBuffer = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	observability.EnsureRegistered()

	return &Provider{
		minter:     opts.Minter,
		defaultTTL: opts.DefaultTTL,
		skew:       opts.SkewBuffer,
		logger:     opts.Logger,
		clock:      clock,
		cache:      make(map[string]cacheEntry),
	}, nil
}

// GetCredential returns a token for the request, reusing a cached entry
// when it is still fresh after subtracting the skew buffer.
func (p *Provider) GetCredential(ctx context.Context, req Request) (*Envelope, error) {
	if req.InstallationID == "" {
		return nil, fmt.Errorf("installation id is required")
	}

	key := cacheKey(req)
	now := p.clock()

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && entry.expiresAt.Add(-p.skew).After(now) {
		p.mu.Unlock()
		observability.RecordCredentialLookup("cache")
		return &Envelope{Token: entry.token, ExpiresAt: entry.expiresAt, Source: "cache"}, nil
	}
	p.mu.Unlock()

	resp, err := p.minter.Mint(ctx, req)
	if err != nil {
		p.logMintFailure(req, err)
		if _, ok := err.(*MintError); ok {
			return nil, err
		}
		// Transport-level failures still surface a status the caller can act on
		return nil, &MintError{Status: 0, Message: err.Error()}
	}

	// Effective TTL: the shorter of the server-declared expiry and the
	// configured cap.
	expiresAt := resp.ExpiresAt
	if cap := now.Add(p.defaultTTL); expiresAt.IsZero() || cap.Before(expiresAt) {
		expiresAt = cap
	}

	p.mu.Lock()
	p.cache[key] = cacheEntry{token: resp.Token, expiresAt: expiresAt}
	p.mu.Unlock()

	observability.RecordCredentialLookup("mint")
	return &Envelope{Token: resp.Token, ExpiresAt: expiresAt, Source: "mint"}, nil
}

// Invalidate drops the cached entry for a request, forcing the next
// lookup to mint.
func (p *Provider) Invalidate(req Request) {
	p.mu.Lock()
	delete(p.cache, cacheKey(req))
	p.mu.Unlock()
}

func (p *Provider) logMintFailure(req Request, err error) {
	evt := p.logger.Error().
		Str("installation_id", req.InstallationID).
		Strs("resource_ids", req.ResourceIDs).
		Interface("requested_permissions", req.Permissions)

	if mintErr, ok := err.(*MintError); ok {
		evt = evt.
			Int("http_status", mintErr.Status).
			Str("upstream_error", mintErr.Upstream).
			Str("doc_url", mintErr.DocURL)
		observability.RecordMintError(fmt.Sprintf("%d", mintErr.Status))
	} else {
		observability.RecordMintError("transport")
	}

	evt.Err(err).Msg("Credential mint failed; check the integration's granted scopes")
}

// cacheKey builds the cache key from the installation, the sorted
// resource ids and a digest of the permission scope. Distinct scopes get
// independent entries.
func cacheKey(req Request) string {
	ids := append([]string(nil), req.ResourceIDs...)
	sort.Strings(ids)

	perms := make([]string, 0, len(req.Permissions))
	for k, v := range req.Permissions {
		perms = append(perms, k+"="+v)
	}
	sort.Strings(perms)

	digest := sha256.Sum256([]byte(strings.Join(perms, ",")))

	return req.InstallationID + "|" + strings.Join(ids, ",") + "|" + hex.EncodeToString(digest[:8])
}
