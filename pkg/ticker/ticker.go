// Package ticker is the scheduler loop. On each tick it recovers items
// stranded in the firing state, claims due items and converts each one
// into a work item plus queue message inside a single transaction.
package ticker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/pkg/queue"
	"github.com/courierhq/courier/pkg/store"
	"github.com/rs/zerolog"
)

// Enqueuer hands fired items to the session queue manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) error
}

// Options configures the ticker.
type Options struct {
	Store    *store.Store
	Enqueuer Enqueuer
	Agents   []config.AgentConfig
	Logger   zerolog.Logger

	// Interval between ticks. Defaults to 30s.
	Interval time.Duration
	// StaleThreshold is how long an item may sit in firing before it is
	// returned to pending. Defaults to 5 minutes.
	StaleThreshold time.Duration
}

var schedulerDebounceMs = 0

// SchedulerLaneOptions is the fixed policy for scheduler lanes: strictly
// serial, no debounce, one buffered item. Timer firings are not
// conversations; there is no input to coalesce. The startup re-buffer
// applies the same policy to recovered scheduler lanes.
var SchedulerLaneOptions = &config.LaneOptions{
	Mode:       "followup",
	DebounceMs: &schedulerDebounceMs,
	MaxQueued:  1,
}

// Ticker drives the scheduled-item state machine.
type Ticker struct {
	store          *store.Store
	enqueuer       Enqueuer
	agents         map[string]config.AgentConfig
	logger         zerolog.Logger
	interval       time.Duration
	staleThreshold time.Duration

	ticking atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a ticker.
func New(opts Options) (*Ticker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 5 * time.Minute
	}

	agents := make(map[string]config.AgentConfig, len(opts.Agents))
	for _, a := range opts.Agents {
		agents[a.ID] = a
	}

	observability.EnsureRegistered()

	return &Ticker{
		store:          opts.Store,
		enqueuer:       opts.Enqueuer,
		agents:         agents,
		logger:         opts.Logger.With().Str("component", "ticker").Logger(),
		interval:       opts.Interval,
		staleThreshold: opts.StaleThreshold,
	}, nil
}

// Start runs the tick loop until Stop is called. The first tick fires
// immediately so due items are not delayed by one interval on boot.
func (t *Ticker) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("ticker is already running")
	}
	t.started = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info().Dur("interval", t.interval).Msg("Starting scheduler ticker")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.Tick(ctx)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Tick(ctx)
			}
		}
	}()

	return nil
}

// Stop terminates the loop and waits for an in-flight tick.
func (t *Ticker) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.wg.Wait()

	t.logger.Info().Msg("Scheduler ticker stopped")
	return nil
}

// Tick executes one scheduler pass. Overlapping ticks are skipped: if a
// slow pass is still running when the next interval arrives, the new
// tick returns immediately.
func (t *Ticker) Tick(ctx context.Context) {
	if !t.ticking.CompareAndSwap(false, true) {
		t.logger.Warn().Msg("Previous tick still running, skipping")
		observability.RecordTickSkipped()
		return
	}
	defer t.ticking.Store(false)

	start := time.Now()

	recovered, err := t.store.RecoverStaleFiringItems(int64(t.staleThreshold.Seconds()))
	if err != nil {
		t.logger.Error().Err(err).Msg("Stale recovery failed")
	} else if recovered > 0 {
		t.logger.Warn().Int("recovered", recovered).Msg("Returned stale firing items to pending")
		observability.RecordStaleRecovered(recovered)
	}

	due, err := t.store.ListDueItems(start.Unix())
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to list due items")
		observability.RecordTick(time.Since(start))
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		t.fireItem(ctx, &due[i])
	}

	observability.RecordTick(time.Since(start))
}

// fireItem drives one due item through claim, dispatch and confirm.
func (t *Ticker) fireItem(ctx context.Context, item *store.ScheduledItem) {
	won, err := t.store.ClaimScheduledItem(item.ID)
	if err != nil {
		t.logger.Error().Err(err).Str("item_id", item.ID).Msg("Claim failed")
		return
	}
	observability.RecordClaim(won)
	if !won {
		// Another pass or process got there first
		return
	}

	logger := t.logger.With().
		Str("item_id", item.ID).
		Str("agent_id", item.AgentID).
		Str("type", item.Type).
		Logger()

	if _, ok := t.agents[item.AgentID]; !ok {
		// The owning agent was removed from configuration. Confirm the
		// item fired so it stops being retried every tick.
		err := t.store.Transaction(func(tx *sql.Tx) error {
			ok, err := t.store.ConfirmScheduledItemFired(tx, item.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("item %s left firing state during confirm", item.ID)
			}
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to retire orphaned item")
			t.release(item.ID, logger)
			return
		}

		logger.Warn().Msg("Scheduled item retired, agent no longer configured")
		observability.RecordSchedulerAudit(ctx, item.ID, "item_retired", "agent_missing", nil)
		return
	}

	var msg *store.QueueMessage
	var workItem *store.WorkItem
	queueKey := t.queueKey(item)

	err = t.store.Transaction(func(tx *sql.Tx) error {
		var err error
		workItem, err = t.store.CreateWorkItemTx(tx, store.CreateWorkItemParams{
			Source:           "scheduler",
			SourceRef:        "sched:" + item.ID,
			PluginInstanceID: item.PluginInstanceID,
			SessionKey:       item.SessionKey,
			Title:            item.Type,
			Payload:          item.Payload,
		})
		if err != nil {
			return err
		}

		msg, err = t.store.InsertQueueMessageTx(tx, queueKey, workItem.ID)
		if err != nil {
			return err
		}

		ok, err := t.store.ConfirmScheduledItemFired(tx, item.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("item %s left firing state during confirm", item.ID)
		}

		if item.RoutineID != "" {
			if item.RoutineRunID != "" {
				if err := t.store.LinkRoutineRunTx(tx, item.RoutineRunID, workItem.ID); err != nil {
					return err
				}
			}
			if err := t.store.TouchRoutineTx(tx, item.RoutineID); err != nil {
				return err
			}
			if item.Recurrence == "" {
				if err := t.store.DisableRoutineTx(tx, item.RoutineID); err != nil {
					return err
				}
			}
		}

		// Recurring items chain by inserting the next occurrence as a
		// fresh pending row in the same transaction.
		if item.Recurrence != "" {
			nextAt, err := NextRun(item.Recurrence, time.Now())
			if err != nil {
				return fmt.Errorf("recurrence failed: %w", err)
			}
			if _, err := t.store.CreateScheduledItemTx(tx, store.CreateScheduledItemParams{
				AgentID:          item.AgentID,
				SessionKey:       item.SessionKey,
				Type:             item.Type,
				Payload:          item.Payload,
				RunAt:            nextAt,
				Recurrence:       item.Recurrence,
				PluginInstanceID: item.PluginInstanceID,
				ResponseContext:  item.ResponseContext,
				RoutineID:        item.RoutineID,
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		logger.Error().Err(&TransientError{ItemID: item.ID, Err: err}).Msg("Firing transaction failed")
		t.release(item.ID, logger)
		return
	}

	logger.Info().
		Str("work_item_id", workItem.ID).
		Str("queue_key", queueKey).
		Bool("recurring", item.Recurrence != "").
		Msg("Scheduled item fired")
	observability.RecordSchedulerAudit(ctx, item.ID, "item_fired", "success", map[string]interface{}{
		"work_item_id": workItem.ID,
	})

	// Post-commit: the durable state is settled, handing to the queue is
	// best effort. A failure here leaves a pending queue message that a
	// restart re-buffers.
	if err := t.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		QueueKey:   queueKey,
		AgentID:    item.AgentID,
		SessionKey: item.SessionKey,
		MessageID:  msg.ID,
		WorkItemID: workItem.ID,
		Text:       item.Payload,
		Options:    SchedulerLaneOptions,
	}); err != nil {
		logger.Error().Err(err).Str("work_item_id", workItem.ID).Msg("Failed to enqueue fired item")
	}
}

// TransientError marks a firing failure whose item was released back to
// pending; a later tick retries it.
type TransientError struct {
	ItemID string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("scheduled item %s firing failed: %v", e.ItemID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (t *Ticker) release(itemID string, logger zerolog.Logger) {
	if err := t.store.ReleaseScheduledItem(itemID); err != nil {
		logger.Error().Err(err).Msg("Failed to release item back to pending")
	}
}

// queueKey names the scheduler lane for an item. Scheduler lanes live in
// their own key namespace so a fired timer never lands in the live
// conversational lane of the same plugin instance and session, where the
// lane's existing mode and debounce would swallow it.
func (t *Ticker) queueKey(item *store.ScheduledItem) string {
	if item.PluginInstanceID == "" {
		return fmt.Sprintf("scheduler:%s:%s", item.SessionKey, item.AgentID)
	}
	return fmt.Sprintf("sched:%s:%s:%s", item.PluginInstanceID, item.SessionKey, item.AgentID)
}
