package queue

import (
	"context"
	"testing"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePendingSource struct {
	msgs  []store.QueueMessage
	items map[string]*store.WorkItem
}

func (f *fakePendingSource) ListAllPendingMessages() ([]store.QueueMessage, error) {
	return f.msgs, nil
}

func (f *fakePendingSource) GetWorkItem(id string) (*store.WorkItem, error) {
	return f.items[id], nil
}

func TestRebuffer_RestoresPendingMessages(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{DebounceMs: 10_000})

	src := &fakePendingSource{
		msgs: []store.QueueMessage{
			{ID: 1, QueueKey: "tg-main:telegram:tg-main:42:agent-a", WorkItemID: "wi-1"},
			{ID: 2, QueueKey: "sched:pi-1:slack:pi-1:C9:agent-a", WorkItemID: "wi-2"},
			{ID: 3, QueueKey: "tg-main:telegram:tg-main:42:agent-a", WorkItemID: "wi-gone"},
		},
		items: map[string]*store.WorkItem{
			"wi-1": {ID: "wi-1", SessionKey: "telegram:tg-main:42", Payload: `{"body":"hello"}`},
			"wi-2": {ID: "wi-2", SessionKey: "slack:pi-1:C9", Title: "reminder"},
		},
	}

	n, err := m.Rebuffer(context.Background(), src, []config.AgentConfig{{ID: "agent-a"}}, schedulerLaneOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the message without a work item is skipped")

	// The scheduler lane has zero debounce; it dispatches straight away
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	d := rec.get(0)
	assert.Equal(t, "sched:pi-1:slack:pi-1:C9:agent-a", d.QueueKey)
	assert.Equal(t, []string{"wi-2"}, d.WorkItemIDs)
	assert.Equal(t, []string{"reminder"}, d.Texts)

	// The conversational message sits buffered behind its lane debounce
	assert.Equal(t, 1, m.QueueSize("tg-main:telegram:tg-main:42:agent-a"))
}

// schedulerLaneOptions mirrors the ticker's fixed scheduler lane policy
// without importing it.
func schedulerLaneOptions() *config.LaneOptions {
	return &config.LaneOptions{Mode: "followup", DebounceMs: debounceMs(0), MaxQueued: 1}
}
