package ticker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/pkg/queue"
	"github.com/courierhq/courier/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []queue.EnqueueRequest
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req queue.EnqueueRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeEnqueuer) all() []queue.EnqueueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.EnqueueRequest(nil), f.requests...)
}

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

func newTestTicker(t *testing.T, s *store.Store, enq Enqueuer, agents ...config.AgentConfig) *Ticker {
	t.Helper()
	if len(agents) == 0 {
		agents = []config.AgentConfig{{ID: "agent-a", Handle: "@alpha"}}
	}
	tk, err := New(Options{
		Store:    s,
		Enqueuer: enq,
		Agents:   agents,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return tk
}

func TestTick_FiresDueItem(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID:    "agent-a",
		SessionKey: "sched:agent-a",
		Type:       "reminder",
		Payload:    `{"text":"standup in 5"}`,
		RunAt:      time.Now().Unix() - 30,
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledFired, got.Status)
	assert.NotZero(t, got.FiredAt)

	// One work item materialized from the firing
	workItem, err := s.FindWorkItemBySourceRef("scheduler", "sched:"+item.ID)
	require.NoError(t, err)
	require.NotNil(t, workItem)
	assert.Equal(t, "sched:agent-a", workItem.SessionKey)

	requests := enq.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "scheduler:sched:agent-a:agent-a", requests[0].QueueKey)
	assert.Equal(t, workItem.ID, requests[0].WorkItemID)
	assert.Equal(t, "followup", requests[0].Options.Mode)
}

func TestTick_SchedulerLaneIsolatedFromConversation(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	_, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID:          "agent-a",
		SessionKey:       "slack:pi-1:C42",
		Type:             "reminder",
		Payload:          `{"body":"standup"}`,
		RunAt:            time.Now().Unix() - 5,
		PluginInstanceID: "pi-1",
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	requests := enq.all()
	require.Len(t, requests, 1)

	// Namespaced apart from the conversational lane for the same
	// instance, session and agent
	assert.Equal(t, "sched:pi-1:slack:pi-1:C42:agent-a", requests[0].QueueKey)
	assert.NotEqual(t, "pi-1:slack:pi-1:C42:agent-a", requests[0].QueueKey)

	opts := requests[0].Options
	require.NotNil(t, opts)
	assert.Equal(t, "followup", opts.Mode)
	require.NotNil(t, opts.DebounceMs)
	assert.Zero(t, *opts.DebounceMs)
	assert.Equal(t, 1, opts.MaxQueued)
}

func TestTick_FiringFailureReleasesToPending(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	// An unparseable recurrence aborts the firing transaction after the
	// claim succeeded
	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID:    "agent-a",
		SessionKey: "sched:agent-a",
		Type:       "reminder",
		RunAt:      time.Now().Unix() - 30,
		Recurrence: "not a cron spec",
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledPending, got.Status, "failed firing must release, never strand in firing")

	// The rollback took the work item with it
	workItem, err := s.FindWorkItemBySourceRef("scheduler", "sched:"+item.ID)
	require.NoError(t, err)
	assert.Nil(t, workItem)
	assert.Empty(t, enq.all())
}

func TestTick_SkipsFutureItems(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID: "agent-a", SessionKey: "k", Type: "reminder",
		RunAt: time.Now().Unix() + 3600,
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledPending, got.Status)
	assert.Empty(t, enq.all())
}

func TestTick_RecurringItemChainsNextOccurrence(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID:    "agent-a",
		SessionKey: "k",
		Type:       "heartbeat",
		RunAt:      time.Now().Unix() - 5,
		Recurrence: "every:600",
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledFired, got.Status)

	// A fresh pending occurrence exists in the future
	due, err := s.ListDueItems(time.Now().Unix() + 700)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.NotEqual(t, item.ID, due[0].ID)
	assert.Equal(t, "every:600", due[0].Recurrence)
	assert.Greater(t, due[0].RunAt, time.Now().Unix()+500)
}

func TestTick_RetiresItemForMissingAgent(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID: "agent-gone", SessionKey: "k", Type: "reminder",
		RunAt: time.Now().Unix() - 5,
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledFired, got.Status, "orphaned items must not retry forever")

	workItem, err := s.FindWorkItemBySourceRef("scheduler", "sched:"+item.ID)
	require.NoError(t, err)
	assert.Nil(t, workItem)
	assert.Empty(t, enq.all())
}

func TestTick_ReentrancyGuard(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID: "agent-a", SessionKey: "k", Type: "reminder",
		RunAt: time.Now().Unix() - 5,
	})
	require.NoError(t, err)

	// Simulate an in-flight tick; the overlapping call must do nothing
	tk.ticking.Store(true)
	tk.Tick(context.Background())

	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledPending, got.Status)

	tk.ticking.Store(false)
	tk.Tick(context.Background())

	got, err = s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledFired, got.Status)
}

func TestTick_RecoversStaleFiringItems(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	// An item stranded in firing by a crash well past the threshold
	item, err := s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID: "agent-a", SessionKey: "k", Type: "reminder",
		RunAt: time.Now().Unix() - 600,
	})
	require.NoError(t, err)
	won, err := s.ClaimScheduledItem(item.ID)
	require.NoError(t, err)
	require.True(t, won)
	_, err = s.DB().Exec(
		"UPDATE scheduled_items SET claimed_at = ? WHERE id = ?",
		time.Now().Unix()-600, item.ID,
	)
	require.NoError(t, err)

	tk.Tick(context.Background())

	// Recovered to pending and then fired in the same pass
	got, err := s.GetScheduledItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledFired, got.Status)
	assert.Len(t, enq.all(), 1)
}

func TestTick_RoutineBookkeeping(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}
	tk := newTestTicker(t, s, enq)

	routine, err := s.CreateRoutine("agent-a", "daily-report", "")
	require.NoError(t, err)
	run, err := s.CreateRoutineRun(routine.ID)
	require.NoError(t, err)

	_, err = s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID:      "agent-a",
		SessionKey:   "k",
		Type:         "routine",
		RunAt:        time.Now().Unix() - 5,
		RoutineID:    routine.ID,
		RoutineRunID: run.ID,
	})
	require.NoError(t, err)

	tk.Tick(context.Background())

	got, err := s.GetRoutine(routine.ID)
	require.NoError(t, err)
	assert.NotZero(t, got.LastFired)
	// One-shot routines are disabled after firing
	assert.False(t, got.Enabled)
}

func TestStartStop(t *testing.T) {
	s := openTestStore(t)
	enq := &fakeEnqueuer{}

	tk, err := New(Options{
		Store:    s,
		Enqueuer: enq,
		Agents:   []config.AgentConfig{{ID: "agent-a"}},
		Logger:   zerolog.Nop(),
		Interval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = s.CreateScheduledItem(store.CreateScheduledItemParams{
		AgentID: "agent-a", SessionKey: "k", Type: "reminder",
		RunAt: time.Now().Unix() - 5,
	})
	require.NoError(t, err)

	require.NoError(t, tk.Start())
	assert.Error(t, tk.Start(), "second start must be rejected")

	require.Eventually(t, func() bool { return len(enq.all()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, tk.Stop())
	require.NoError(t, tk.Stop())
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	next, err := NextRun("every:600", after)
	require.NoError(t, err)
	assert.Equal(t, after.Unix()+600, next)

	next, err = NextRun("cron:0 10 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC).Unix(), next)

	next, err = NextRun("", after)
	require.NoError(t, err)
	assert.Zero(t, next)

	_, err = NextRun("every:-5", after)
	assert.Error(t, err)
	_, err = NextRun("cron:not a cron", after)
	assert.Error(t, err)
	_, err = NextRun("hourly", after)
	assert.Error(t, err)
}
