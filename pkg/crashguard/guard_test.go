package crashguard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu    sync.Mutex
	calls []string
	fail  int // number of initial calls to fail
}

func (f *fakePersister) SetPluginEnabled(pluginID string, enabled bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("store unavailable")
	}
	f.calls = append(f.calls, pluginID)
	return nil
}

func (f *fakePersister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestGuard(t *testing.T, p Persister, clock func() time.Time) *Guard {
	t.Helper()
	g, err := New(Options{
		Threshold: 3,
		Window:    time.Minute,
		Persister: p,
		Logger:    zerolog.Nop(),
		Clock:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGuard_ThresholdDisables(t *testing.T) {
	p := &fakePersister{}
	g := newTestGuard(t, p, nil)

	g.RecordFailure("tg-main", errors.New("boom"))
	g.RecordFailure("tg-main", errors.New("boom"))
	assert.False(t, g.IsDisabled("tg-main"))

	g.RecordFailure("tg-main", errors.New("boom"))
	assert.True(t, g.IsDisabled("tg-main"), "containment must be visible synchronously")

	// Persistence fires exactly once
	require.NoError(t, g.Close())
	assert.Equal(t, 1, p.callCount())
}

func TestGuard_SuccessClearsBudget(t *testing.T) {
	p := &fakePersister{}
	g := newTestGuard(t, p, nil)

	g.RecordFailure("slack-eng", errors.New("x"))
	g.RecordFailure("slack-eng", errors.New("x"))
	g.RecordSuccess("slack-eng")

	// One more failure does not trip: the budget was fully re-armed
	g.RecordFailure("slack-eng", errors.New("x"))
	assert.False(t, g.IsDisabled("slack-eng"))
	assert.Equal(t, 1, g.FailureCount("slack-eng"))
}

func TestGuard_WindowPrunesOldFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	p := &fakePersister{}
	g := newTestGuard(t, p, func() time.Time { return clock() })

	g.RecordFailure("gh-org", errors.New("x"))
	g.RecordFailure("gh-org", errors.New("x"))

	// Advance past the window; old failures no longer count
	now = now.Add(2 * time.Minute)
	g.RecordFailure("gh-org", errors.New("x"))

	assert.False(t, g.IsDisabled("gh-org"))
	assert.Equal(t, 1, g.FailureCount("gh-org"))
}

func TestGuard_DisableFiresOnce(t *testing.T) {
	p := &fakePersister{}
	g := newTestGuard(t, p, nil)

	for i := 0; i < 6; i++ {
		g.RecordFailure("d-main", errors.New("x"))
	}
	assert.True(t, g.IsDisabled("d-main"))

	require.NoError(t, g.Close())
	assert.Equal(t, 1, p.callCount(), "persistence must fire exactly once per containment")
}

func TestGuard_ResetPlugin(t *testing.T) {
	p := &fakePersister{}
	g := newTestGuard(t, p, nil)

	for i := 0; i < 3; i++ {
		g.RecordFailure("tg-main", errors.New("x"))
	}
	require.True(t, g.IsDisabled("tg-main"))

	g.ResetPlugin("tg-main")
	assert.False(t, g.IsDisabled("tg-main"))
	assert.Zero(t, g.FailureCount("tg-main"))
}

func TestGuard_PersistenceRetries(t *testing.T) {
	p := &fakePersister{fail: 2}
	g, err := New(Options{
		Threshold:      1,
		Window:         time.Minute,
		Persister:      p,
		Logger:         zerolog.Nop(),
		PersistRetries: 3,
	})
	require.NoError(t, err)

	g.RecordFailure("tg-main", errors.New("x"))
	require.NoError(t, g.Close())

	assert.Equal(t, 1, p.callCount(), "third attempt should have succeeded")
}

func TestGuard_IndependentPlugins(t *testing.T) {
	p := &fakePersister{}
	g := newTestGuard(t, p, nil)

	for i := 0; i < 3; i++ {
		g.RecordFailure("tg-main", errors.New("x"))
	}
	assert.True(t, g.IsDisabled("tg-main"))
	assert.False(t, g.IsDisabled("slack-eng"))
}

func TestGuard_SeedDisabledRestoresContainment(t *testing.T) {
	p := &fakePersister{}
	g := newTestGuard(t, p, nil)

	g.SeedDisabled("tg-main")
	assert.True(t, g.IsDisabled("tg-main"))

	// Restoring persisted state must not write it back
	require.NoError(t, g.Close())
	assert.Zero(t, p.callCount())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Threshold: 0, Window: time.Minute, Persister: &fakePersister{}})
	assert.Error(t, err)

	_, err = New(Options{Threshold: 1, Window: 0, Persister: &fakePersister{}})
	assert.Error(t, err)

	_, err = New(Options{Threshold: 1, Window: time.Minute})
	assert.Error(t, err)
}
