package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	dispatched map[int64]string // message id -> dispatch id
	dropped    map[int64]string // message id -> reason
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		dispatched: make(map[int64]string),
		dropped:    make(map[int64]string),
	}
}

func (f *fakeStore) MarkMessagesDispatched(ids []int64, dispatchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.dispatched[id] = dispatchID
	}
	return nil
}

func (f *fakeStore) MarkMessageDropped(id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped[id] = reason
	return nil
}

func (f *fakeStore) dispatchedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatches []*Dispatch
	steered    []string
	block      chan struct{} // when set, dispatches block until closed
	drainSteer bool
}

func (r *recordingDispatcher) dispatch(ctx context.Context, d *Dispatch) error {
	r.mu.Lock()
	r.dispatches = append(r.dispatches, d)
	block := r.block
	drain := r.drainSteer
	r.mu.Unlock()

	if drain && d.Steer != nil {
		go func() {
			for text := range d.Steer {
				r.mu.Lock()
				r.steered = append(r.steered, text)
				r.mu.Unlock()
			}
		}()
	}

	if block != nil {
		<-block
	}
	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dispatches)
}

func (r *recordingDispatcher) get(i int) *Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatches[i]
}

func (r *recordingDispatcher) steeredTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steered...)
}

func newTestManager(t *testing.T, st Store, d DispatchFunc, defaults config.QueueConfig) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Store:      st,
		Dispatcher: d,
		Defaults:   defaults,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func debounceMs(v int) *int { return &v }

func enqueueN(t *testing.T, m *Manager, queueKey, mode string, n int, startID int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := m.Enqueue(context.Background(), EnqueueRequest{
			QueueKey:   queueKey,
			AgentID:    "agent-a",
			SessionKey: "session",
			MessageID:  startID + int64(i),
			WorkItemID: fmt.Sprintf("wi-%d", startID+int64(i)),
			Text:       fmt.Sprintf("msg %d", i),
			Options:    &config.LaneOptions{Mode: mode, DebounceMs: debounceMs(30)},
		})
		require.NoError(t, err)
	}
}

func TestCollect_CoalescesWindowIntoOneDispatch(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{})

	enqueueN(t, m, "lane-collect", "collect", 5, 1)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	d := rec.get(0)
	assert.Len(t, d.Texts, 5)
	assert.Len(t, d.WorkItemIDs, 5)
	assert.Equal(t, 5, st.dispatchedCount())

	// No trailing second dispatch appears
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestFollowup_DispatchesSequentially(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{})

	enqueueN(t, m, "lane-followup", "followup", 3, 1)

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	// Each dispatch carried exactly one message
	for i := 0; i < 3; i++ {
		assert.Len(t, rec.get(i).Texts, 1)
	}
	assert.Equal(t, "msg 0", rec.get(0).Texts[0])
	assert.Equal(t, "msg 1", rec.get(1).Texts[0])
	assert.Equal(t, "msg 2", rec.get(2).Texts[0])
}

func TestSteer_InjectsIntoActiveRun(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{block: make(chan struct{}), drainSteer: true}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{})

	enqueueN(t, m, "lane-steer", "steer", 1, 1)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, m.IsRunning("lane-steer"))

	// Messages arriving mid-run go into the live run, not a new dispatch
	enqueueN(t, m, "lane-steer", "steer", 2, 2)

	require.Eventually(t, func() bool { return len(rec.steeredTexts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Zero(t, m.QueueSize("lane-steer"))

	close(rec.block)
	require.Eventually(t, func() bool { return !m.IsRunning("lane-steer") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(), "steered input must not create new dispatches")
}

func TestLaneOptions_ZeroDebounceDispatchesImmediately(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{DebounceMs: 10_000})

	// An explicit zero must override the 10s manager default
	require.NoError(t, m.Enqueue(context.Background(), EnqueueRequest{
		QueueKey:   "sched:pi-1:s:agent-a",
		AgentID:    "agent-a",
		SessionKey: "s",
		MessageID:  1,
		WorkItemID: "wi-1",
		Text:       "fire",
		Options:    &config.LaneOptions{Mode: "followup", DebounceMs: debounceMs(0), MaxQueued: 1},
	}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"wi-1"}, rec.get(0).WorkItemIDs)
}

func TestOverflow_DropsNewest(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{block: make(chan struct{})}
	defer close(rec.block)
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{})

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Enqueue(context.Background(), EnqueueRequest{
			QueueKey:  "lane-full",
			AgentID:   "agent-a",
			MessageID: int64(i + 1),
			Text:      fmt.Sprintf("msg %d", i),
			Options:   &config.LaneOptions{Mode: "collect", DebounceMs: debounceMs(10_000), MaxQueued: 2},
		}))
	}

	err := m.Enqueue(context.Background(), EnqueueRequest{
		QueueKey:  "lane-full",
		AgentID:   "agent-a",
		MessageID: 3,
		Text:      "one too many",
		Options:   &config.LaneOptions{Mode: "collect", DebounceMs: debounceMs(10_000), MaxQueued: 2},
	})
	require.Error(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, DropReasonOverflow, st.dropped[3])
	assert.NotContains(t, st.dropped, int64(1))
	assert.NotContains(t, st.dropped, int64(2))
}

func TestDebounce_ExtensionIsCapped(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{
		Mode: "collect", DebounceMs: 60, MaxQueued: 100, MaxExtensionMs: 150,
	})

	// A steady drip of messages keeps resetting the debounce; the cap
	// still forces a flush.
	stop := make(chan struct{})
	go func() {
		id := int64(1)
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Enqueue(context.Background(), EnqueueRequest{
					QueueKey:  "lane-cap",
					AgentID:   "agent-a",
					MessageID: id,
					Text:      "drip",
				})
				id++
			}
		}
	}()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	close(stop)
}

func TestStagger_DelaysLaterCandidates(t *testing.T) {
	st := newFakeStore()
	rec := &recordingDispatcher{}
	m := newTestManager(t, st, rec.dispatch, config.QueueConfig{
		Mode: "collect", DebounceMs: 20, MaxQueued: 10, StaggerMs: 120,
	})

	start := time.Now()
	require.NoError(t, m.Enqueue(context.Background(), EnqueueRequest{
		QueueKey: "lane-c0", AgentID: "agent-a", MessageID: 1, Text: "hi", CandidateIndex: 0,
	}))
	require.NoError(t, m.Enqueue(context.Background(), EnqueueRequest{
		QueueKey: "lane-c1", AgentID: "agent-b", MessageID: 2, Text: "hi", CandidateIndex: 1,
	}))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	// Candidate 1 dispatched second, after its extra stagger delay
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)

	first := rec.get(0)
	second := rec.get(1)
	assert.Equal(t, "agent-a", first.AgentID)
	assert.Equal(t, "agent-b", second.AgentID)
}

func TestEnqueue_Validation(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, (&recordingDispatcher{}).dispatch, config.QueueConfig{})

	assert.Error(t, m.Enqueue(context.Background(), EnqueueRequest{}))

	_, err := NewManager(Options{Dispatcher: (&recordingDispatcher{}).dispatch})
	assert.Error(t, err)
	_, err = NewManager(Options{Store: st})
	assert.Error(t, err)
}
