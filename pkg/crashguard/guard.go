// Package crashguard contains a per-plugin circuit breaker. Repeated
// failures of a channel integration inside a sliding window disable the
// plugin immediately in-process; the persisted enabled flag and audit
// trail are reconciled asynchronously.
package crashguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/observability"
	"github.com/rs/zerolog"
)

// Persister stores the durable side of a containment decision.
type Persister interface {
	SetPluginEnabled(pluginID string, enabled bool, reason string) error
}

// Options configures the guard.
type Options struct {
	Threshold int           // failures within Window that trigger containment
	Window    time.Duration // sliding window size
	Persister Persister
	Logger    zerolog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// PersistRetries bounds the background persistence attempts per decision.
	PersistRetries int
	// PersistBacklog bounds the background task queue.
	PersistBacklog int
}

type pluginWindow struct {
	failures []time.Time
	disabled bool
}

// Guard tracks failures per plugin and trips containment.
type Guard struct {
	threshold int
	window    time.Duration
	persister Persister
	logger    zerolog.Logger
	clock     func() time.Time
	retries   int

	mu      sync.Mutex
	plugins map[string]*pluginWindow

	tasks  chan func()
	wg     sync.WaitGroup
	closed bool
}

// New creates a crash guard and starts its background persistence worker.
func New(opts Options) (*Guard, error) {
	if opts.Threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1")
	}
	if opts.Window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if opts.Persister == nil {
		return nil, fmt.Errorf("persister is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	retries := opts.PersistRetries
	if retries == 0 {
		retries = 3
	}
	backlog := opts.PersistBacklog
	if backlog == 0 {
		backlog = 64
	}

	observability.EnsureRegistered()

	g := &Guard{
		threshold: opts.Threshold,
		window:    opts.Window,
		persister: opts.Persister,
		logger:    opts.Logger,
		clock:     clock,
		retries:   retries,
		plugins:   make(map[string]*pluginWindow),
		tasks:     make(chan func(), backlog),
	}

	g.wg.Add(1)
	go g.worker()

	return g, nil
}

// RecordFailure appends a failure timestamp for the plugin, prunes the
// window and trips containment when the threshold is reached. The
// in-process disablement is visible synchronously; persistence and audit
// run in the background and do not gate the decision.
func (g *Guard) RecordFailure(pluginID string, cause error) {
	now := g.clock()

	g.mu.Lock()
	pw := g.ensureLocked(pluginID)
	pw.failures = append(pw.failures, now)
	g.pruneLocked(pw, now)
	count := len(pw.failures)

	tripped := false
	if !pw.disabled && count >= g.threshold {
		pw.disabled = true
		tripped = true
	}
	g.mu.Unlock()

	observability.RecordGuardFailure(pluginID)

	g.logger.Warn().
		Str("plugin_id", pluginID).
		Int("failures", count).
		Int("threshold", g.threshold).
		AnErr("cause", cause).
		Msg("Plugin failure recorded")

	if !tripped {
		return
	}

	observability.SetGuardDisabled(pluginID, true)

	reason := fmt.Sprintf("%d failures within %s", count, g.window)
	if cause != nil {
		reason = fmt.Sprintf("%s (last: %v)", reason, cause)
	}

	g.logger.Error().
		Str("plugin_id", pluginID).
		Str("reason", reason).
		Msg("Plugin disabled by crash guard")

	g.submit(func() {
		g.persistDisable(pluginID, reason)
	})
}

// RecordSuccess fully clears the plugin's failure buffer, re-arming the
// entire budget. It does not re-enable a contained plugin.
func (g *Guard) RecordSuccess(pluginID string) {
	g.mu.Lock()
	if pw, ok := g.plugins[pluginID]; ok {
		pw.failures = pw.failures[:0]
	}
	g.mu.Unlock()
}

// IsDisabled reports whether the plugin is currently contained.
func (g *Guard) IsDisabled(pluginID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pw, ok := g.plugins[pluginID]
	return ok && pw.disabled
}

// FailureCount returns the current in-window failure count.
func (g *Guard) FailureCount(pluginID string) int {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	pw, ok := g.plugins[pluginID]
	if !ok {
		return 0
	}
	g.pruneLocked(pw, now)
	return len(pw.failures)
}

// SeedDisabled marks a plugin contained without persisting anything,
// used on startup to restore a disablement already on record.
func (g *Guard) SeedDisabled(pluginID string) {
	g.mu.Lock()
	g.ensureLocked(pluginID).disabled = true
	g.mu.Unlock()

	observability.SetGuardDisabled(pluginID, true)

	g.logger.Info().Str("plugin_id", pluginID).Msg("Restored persisted plugin disablement")
}

// ResetPlugin clears all guard state for a plugin, e.g. after a manual
// re-enable from the admin side.
func (g *Guard) ResetPlugin(pluginID string) {
	g.mu.Lock()
	delete(g.plugins, pluginID)
	g.mu.Unlock()

	observability.SetGuardDisabled(pluginID, false)

	g.logger.Info().Str("plugin_id", pluginID).Msg("Crash guard state reset")
}

// Close drains the background worker.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	close(g.tasks)
	g.wg.Wait()
	return nil
}

func (g *Guard) ensureLocked(pluginID string) *pluginWindow {
	pw, ok := g.plugins[pluginID]
	if !ok {
		pw = &pluginWindow{}
		g.plugins[pluginID] = pw
	}
	return pw
}

func (g *Guard) pruneLocked(pw *pluginWindow, now time.Time) {
	cutoff := now.Add(-g.window)
	kept := pw.failures[:0]
	for _, ts := range pw.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	pw.failures = kept
}

func (g *Guard) submit(task func()) {
	select {
	case g.tasks <- task:
	default:
		// Backlog full: containment already happened in-process, only the
		// durable record is at risk. The stale-state doctor on restart is
		// the backstop.
		g.logger.Error().Msg("Crash guard persistence backlog full, dropping task")
	}
}

func (g *Guard) worker() {
	defer g.wg.Done()
	for task := range g.tasks {
		task()
	}
}

func (g *Guard) persistDisable(pluginID, reason string) {
	var err error
	for attempt := 1; attempt <= g.retries; attempt++ {
		err = g.persister.SetPluginEnabled(pluginID, false, reason)
		if err == nil {
			observability.RecordContainmentAudit(context.Background(), pluginID, "plugin_disabled", "success", map[string]interface{}{
				"reason": reason,
			})
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	observability.RecordContainmentAudit(context.Background(), pluginID, "plugin_disabled", "failure", map[string]interface{}{
		"reason": reason,
		"error":  err.Error(),
	})
	g.logger.Error().
		Err(err).
		Str("plugin_id", pluginID).
		Msg("Failed to persist plugin disablement")
}
