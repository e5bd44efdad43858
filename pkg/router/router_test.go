package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/pkg/plugins"
	"github.com/courierhq/courier/pkg/queue"
	"github.com/courierhq/courier/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	typ    string
	result *plugins.ParseResult
	err    error
}

func (f *fakeHandler) Type() string { return f.typ }

func (f *fakeHandler) ValidateConfig(settings map[string]interface{}) error { return nil }

func (f *fakeHandler) ParseWebhook(r *http.Request, inst config.PluginInstanceConfig, body []byte) (*plugins.ParseResult, error) {
	return f.result, f.err
}

func (f *fakeHandler) PostResponse(ctx context.Context, inst config.PluginInstanceConfig, req plugins.PostRequest) plugins.PostResult {
	return plugins.PostResult{Success: true}
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []queue.EnqueueRequest
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req queue.EnqueueRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeEnqueuer) all() []queue.EnqueueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.EnqueueRequest(nil), f.requests...)
}

type fakeBroadcaster struct{ events chan string }

func (f *fakeBroadcaster) Broadcast(event string, data map[string]interface{}) {
	f.events <- event
}

type fakeGuard struct{ disabled map[string]bool }

func (f *fakeGuard) IsDisabled(pluginID string) bool { return f.disabled[pluginID] }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		DBPath: filepath.Join(t.TempDir(), "courier.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func acceptedResult(sourceRef string) *plugins.ParseResult {
	return &plugins.ParseResult{
		ShouldProcess: true,
		Draft: &plugins.Draft{
			Source:     "telegram",
			SourceRef:  sourceRef,
			SessionKey: "telegram:tg-main:42",
			Title:      "hello",
			Body:       "hello there",
		},
		ResponseContext: map[string]string{"chat_id": "42"},
	}
}

func testInstance(t *testing.T, h plugins.Handler, cfg config.PluginInstanceConfig) *plugins.Instance {
	t.Helper()
	return &plugins.Instance{Config: cfg, Handler: h}
}

func newTestIngestor(t *testing.T, s Store, enq Enqueuer, guard Guard, agents []config.AgentConfig) *Ingestor {
	t.Helper()
	in, err := NewIngestor(IngestorOptions{
		Store:    s,
		Enqueuer: enq,
		Guard:    guard,
		Agents:   agents,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return in
}

func TestIngest_AcceptsAndEnqueues(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{{ID: "agent-a", Handle: "@alpha"}}
	in := newTestIngestor(t, s, enq, nil, agents)

	inst := testInstance(t, &fakeHandler{typ: "telegram", result: acceptedResult("tg:42:1")},
		config.PluginInstanceConfig{ID: "tg-main", Type: "telegram", AgentIDs: []string{"agent-a"}})

	req := httptest.NewRequest("POST", "/webhook/tg-main", nil)
	result := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "accepted", result.Outcome)

	requests := enq.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "agent-a", requests[0].AgentID)
	assert.Equal(t, QueueKey("tg-main", "telegram:tg-main:42", "agent-a"), requests[0].QueueKey)
	assert.NotZero(t, requests[0].MessageID)

	// Work item persisted with the provider reference
	item, err := s.FindWorkItemBySourceRef("telegram", "tg:42:1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Contains(t, item.Payload, "response_context")
}

func TestIngest_DuplicateDelivery(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{{ID: "agent-a", Handle: "@alpha"}}
	in := newTestIngestor(t, s, enq, nil, agents)

	inst := testInstance(t, &fakeHandler{typ: "telegram", result: acceptedResult("tg:42:9")},
		config.PluginInstanceConfig{ID: "tg-main", Type: "telegram", AgentIDs: []string{"agent-a"}})

	req := httptest.NewRequest("POST", "/webhook/tg-main", nil)
	first := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))
	second := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))

	assert.Equal(t, "accepted", first.Outcome)
	assert.Equal(t, "duplicate", second.Outcome)
	assert.Equal(t, first.Body["work_item_id"], second.Body["work_item_id"])
	assert.Len(t, enq.all(), 1, "re-delivery must not enqueue again")
}

func TestIngest_ContainedPluginRejected(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	guard := &fakeGuard{disabled: map[string]bool{"tg-main": true}}
	in := newTestIngestor(t, s, enq, guard, nil)

	inst := testInstance(t, &fakeHandler{typ: "telegram", result: acceptedResult("tg:1:1")},
		config.PluginInstanceConfig{ID: "tg-main", Type: "telegram"})

	req := httptest.NewRequest("POST", "/webhook/tg-main", nil)
	result := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))

	assert.Equal(t, http.StatusServiceUnavailable, result.Status)
	assert.Equal(t, "contained", result.Outcome)
	assert.Empty(t, enq.all())
}

func TestIngest_VerificationFailure(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	in := newTestIngestor(t, s, enq, nil, nil)

	inst := testInstance(t, &fakeHandler{typ: "slack", err: assert.AnError},
		config.PluginInstanceConfig{ID: "slack-eng", Type: "slack"})

	req := httptest.NewRequest("POST", "/webhook/slack-eng", nil)
	result := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))

	assert.Equal(t, http.StatusUnauthorized, result.Status)
	assert.Empty(t, enq.all())
}

func TestIngest_ImmediateResponse(t *testing.T) {
	s := openTestStore(t)
	in := newTestIngestor(t, s, &fakeEnqueuer{}, nil, nil)

	inst := testInstance(t, &fakeHandler{typ: "slack", result: &plugins.ParseResult{ImmediateResponse: "challenge-token"}},
		config.PluginInstanceConfig{ID: "slack-eng", Type: "slack"})

	req := httptest.NewRequest("POST", "/webhook/slack-eng", nil)
	result := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "challenge-token", result.RawBody)
}

func TestIngest_MentionRouting(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{
		{ID: "agent-a", Handle: "@alpha"},
		{ID: "agent-b", Handle: "@beta"},
	}
	in := newTestIngestor(t, s, enq, nil, agents)

	parse := acceptedResult("slack:C1:100")
	parse.Draft.Body = "@beta can you pick this up?"
	inst := testInstance(t, &fakeHandler{typ: "slack", result: parse},
		config.PluginInstanceConfig{
			ID: "slack-eng", Type: "slack",
			AgentIDs:             []string{"agent-a", "agent-b"},
			AgentMentionHandoffs: true,
		})

	req := httptest.NewRequest("POST", "/webhook/slack-eng", nil)
	result := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))
	require.Equal(t, "accepted", result.Outcome)

	requests := enq.all()
	require.Len(t, requests, 1, "mention must narrow routing to the named agent")
	assert.Equal(t, "agent-b", requests[0].AgentID)
}

func TestIngest_FanOutStaggersCandidates(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{
		{ID: "agent-a", Handle: "@alpha"},
		{ID: "agent-b", Handle: "@beta"},
	}
	in := newTestIngestor(t, s, enq, nil, agents)

	inst := testInstance(t, &fakeHandler{typ: "slack", result: acceptedResult("slack:C1:200")},
		config.PluginInstanceConfig{ID: "slack-eng", Type: "slack", AgentIDs: []string{"agent-a", "agent-b"}})

	req := httptest.NewRequest("POST", "/webhook/slack-eng", nil)
	result := in.IngestWebhook(context.Background(), inst, req, []byte(`{}`))
	require.Equal(t, "accepted", result.Outcome)

	requests := enq.all()
	require.Len(t, requests, 2)
	assert.Equal(t, 0, requests[0].CandidateIndex)
	assert.Equal(t, 1, requests[1].CandidateIndex)
	assert.NotEqual(t, requests[0].QueueKey, requests[1].QueueKey)
}

func TestHandoff_RoutesToTarget(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{
		{ID: "agent-a", Handle: "@alpha"},
		{ID: "agent-b", Handle: "@beta"},
	}
	in := newTestIngestor(t, s, enq, nil, agents)

	item, err := in.Handoff(context.Background(), HandoffRequest{
		OriginAgentID:    "agent-a",
		TargetAgentID:    "agent-b",
		PluginInstanceID: "slack-eng",
		SessionKey:       "slack:slack-eng:C1",
		Text:             "summarize the thread",
	})
	require.NoError(t, err)
	assert.Equal(t, "handoff", item.Source)
	assert.Contains(t, item.SourceRef, "handoff:agent-a:agent-b:")

	requests := enq.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "agent-b", requests[0].AgentID)
}

func TestHandoff_PublishFiresOnce(t *testing.T) {
	s := openTestStore(t)
	bc := &fakeBroadcaster{events: make(chan string, 4)}
	agents := []config.AgentConfig{
		{ID: "agent-a", Handle: "@alpha"},
		{ID: "agent-b", Handle: "@beta"},
	}
	in, err := NewIngestor(IngestorOptions{
		Store:       s,
		Enqueuer:    &fakeEnqueuer{},
		Agents:      agents,
		Broadcaster: bc,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = in.Handoff(context.Background(), HandoffRequest{
		OriginAgentID:    "agent-a",
		TargetAgentID:    "agent-b",
		PluginInstanceID: "slack-eng",
		SessionKey:       "slack:slack-eng:C1",
		Text:             "take over",
	})
	require.NoError(t, err)

	select {
	case ev := <-bc.events:
		assert.Equal(t, "handoff.created", ev)
	case <-time.After(time.Second):
		t.Fatal("no publish observed")
	}
	select {
	case ev := <-bc.events:
		t.Fatalf("unexpected second publish %q", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandoff_RejectsSelfRouting(t *testing.T) {
	s := openTestStore(t)
	in := newTestIngestor(t, s, &fakeEnqueuer{}, nil, []config.AgentConfig{{ID: "agent-a", Handle: "@alpha"}})

	_, err := in.Handoff(context.Background(), HandoffRequest{
		OriginAgentID: "agent-a",
		TargetAgentID: "agent-a",
		Text:          "loop",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself")
}

func TestHandoff_DepthLimitStopsAlternation(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{
		{ID: "agent-a", Handle: "@alpha"},
		{ID: "agent-b", Handle: "@beta"},
	}
	in := newTestIngestor(t, s, enq, nil, agents)

	// A and B keep handing off to each other; the chain must terminate
	origin, target := "agent-a", "agent-b"
	depth := 0
	hops := 0
	for {
		_, err := in.Handoff(context.Background(), HandoffRequest{
			OriginAgentID:    origin,
			TargetAgentID:    target,
			PluginInstanceID: "slack-eng",
			SessionKey:       "slack:slack-eng:C1",
			Text:             "your turn",
			Depth:            depth,
		})
		if err != nil {
			assert.Contains(t, err.Error(), "hops")
			break
		}
		hops++
		require.Less(t, hops, 20, "alternation must be bounded")
		origin, target = target, origin
		depth++
	}
	assert.Equal(t, maxHandoffDepth, hops)
}

func TestScanMentions(t *testing.T) {
	agents := []config.AgentConfig{
		{ID: "agent-a", Handle: "@ops"},
		{ID: "agent-b", Handle: "@opsy"},
		{ID: "agent-c", Handle: "@review"},
	}

	hits := ScanMentions("hey @review then @ops please", agents)
	require.Len(t, hits, 2)
	assert.Equal(t, "agent-c", hits[0].ID)
	assert.Equal(t, "agent-a", hits[1].ID)

	// Prefix of a longer handle does not match
	hits = ScanMentions("ping @opsy", agents)
	require.Len(t, hits, 1)
	assert.Equal(t, "agent-b", hits[0].ID)

	assert.Empty(t, ScanMentions("no mentions here", agents))
	assert.Empty(t, ScanMentions("email me at x@ops.example", agents))
}

func TestServer_RoutesByPluginID(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	agents := []config.AgentConfig{{ID: "agent-a", Handle: "@alpha"}}
	in := newTestIngestor(t, s, enq, nil, agents)

	registry := plugins.NewRegistry()
	require.NoError(t, registry.RegisterHandler(&fakeHandler{typ: "telegram", result: acceptedResult("tg:5:5")}))
	require.NoError(t, registry.AddInstance(config.PluginInstanceConfig{
		ID: "tg-main", Type: "telegram", AgentIDs: []string{"agent-a"},
	}))

	srv, err := NewServer(ServerOptions{}, in, registry, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.rateLimiter.Stop() })

	rec := httptest.NewRecorder()
	srv.handleWebhook(rec, httptest.NewRequest("POST", "/webhook/tg-main", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queued")

	rec = httptest.NewRecorder()
	srv.handleWebhook(rec, httptest.NewRequest("POST", "/webhook/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleWebhook(rec, httptest.NewRequest("GET", "/webhook/tg-main", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFirstWords_RuneBoundary(t *testing.T) {
	// 1 ASCII byte then 3-byte runes puts byte 120 mid-rune
	text := "a" + strings.Repeat("世", 60)
	got := firstWords(text)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a"+strings.Repeat("世", 39), got)
}
