// Package queue contains the session queue manager: per-lane buffering
// of work items with debounce, overflow and dispatch-mode semantics.
// A lane is one (plugin instance, session, agent) conversation; at most
// one agent run is active per lane at any time.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store is the subset of the persistence layer the manager writes
// through. Queue messages are persisted on enqueue so a restart can
// reconstruct what was buffered.
type Store interface {
	MarkMessagesDispatched(ids []int64, dispatchID string) error
	MarkMessageDropped(id int64, reason string) error
}

// Dispatch is one batch of messages handed to the dispatcher. Collect
// lanes coalesce several messages into a single dispatch; followup
// lanes dispatch one message at a time.
type Dispatch struct {
	ID          string
	QueueKey    string
	AgentID     string
	SessionKey  string
	WorkItemIDs []string
	Texts       []string

	// Steer delivers text injected into the run while it is live. Nil
	// unless the lane runs in steer mode. Closed when the run ends.
	Steer <-chan string
}

// DispatchFunc executes one dispatch: run the agent and deliver its
// output. The manager holds the lane busy until it returns.
type DispatchFunc func(ctx context.Context, d *Dispatch) error

// DropReasonOverflow marks messages dropped because the lane was full.
const DropReasonOverflow = "queue-overflow"

const steerBuffer = 16

type bufferedMessage struct {
	storeID    int64
	workItemID string
	text       string
}

type laneOptions struct {
	mode         string
	debounce     time.Duration
	maxExtension time.Duration
	maxQueued    int
	stagger      time.Duration
}

type lane struct {
	key        string
	agentID    string
	sessionKey string
	opts       laneOptions

	mu         sync.Mutex
	buffered   []*bufferedMessage
	timer      *time.Timer
	firstAt    time.Time
	running    bool
	steer      chan string
	dispatchID string
}

// Options configures a Manager.
type Options struct {
	Store      Store
	Dispatcher DispatchFunc
	Defaults   config.QueueConfig
	Logger     zerolog.Logger
}

// Manager owns all lanes and their timers.
type Manager struct {
	store      Store
	dispatcher DispatchFunc
	defaults   config.QueueConfig
	logger     zerolog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a queue manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	defaults := opts.Defaults
	if defaults.Mode == "" {
		defaults.Mode = "steer"
	}
	if defaults.DebounceMs == 0 {
		defaults.DebounceMs = 2000
	}
	if defaults.MaxQueued == 0 {
		defaults.MaxQueued = 10
	}
	if defaults.MaxExtensionMs == 0 {
		defaults.MaxExtensionMs = 15000
	}

	observability.EnsureRegistered()

	return &Manager{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		defaults:   defaults,
		logger:     opts.Logger.With().Str("component", "queue").Logger(),
		lanes:      make(map[string]*lane),
	}, nil
}

// EnqueueRequest describes one message entering a lane. MessageID is
// the persisted queue_messages row created by the caller before
// enqueueing, so the buffer never holds unpersisted state.
type EnqueueRequest struct {
	QueueKey   string
	AgentID    string
	SessionKey string
	MessageID  int64
	WorkItemID string
	Text       string

	// Options overrides the manager defaults for this lane. Only read
	// the first time the lane is created.
	Options *config.LaneOptions

	// CandidateIndex staggers fan-out to multiple agents: candidate i
	// waits an extra i * stagger before dispatching.
	CandidateIndex int
}

// Enqueue routes one message into its lane.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) error {
	if req.QueueKey == "" {
		return fmt.Errorf("queue key is required")
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"queue",
		"queue.enqueue",
		attribute.String("queue_key", req.QueueKey),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("queue_key", req.QueueKey).Logger()

	ln, err := m.ensureLane(req)
	if err != nil {
		return err
	}

	ln.mu.Lock()

	// A live steer-mode run absorbs new input directly; no new dispatch
	// is created for it.
	if ln.running && ln.opts.mode == "steer" && ln.steer != nil {
		select {
		case ln.steer <- req.Text:
			dispatchID := ln.dispatchID
			ln.mu.Unlock()

			if err := m.store.MarkMessagesDispatched([]int64{req.MessageID}, dispatchID); err != nil {
				return fmt.Errorf("failed to mark steered message dispatched: %w", err)
			}

			logger.Debug().
				Str("dispatch_id", dispatchID).
				Str("work_item_id", req.WorkItemID).
				Msg("Message steered into active run")
			observability.RecordEnqueue(req.QueueKey, "steer", 0)
			return nil
		default:
			// Steer buffer full, fall through to normal buffering
		}
	}

	if len(ln.buffered) >= ln.opts.maxQueued {
		ln.mu.Unlock()

		if err := m.store.MarkMessageDropped(req.MessageID, DropReasonOverflow); err != nil {
			return fmt.Errorf("failed to mark message dropped: %w", err)
		}

		logger.Warn().
			Str("work_item_id", req.WorkItemID).
			Int("max_queued", ln.opts.maxQueued).
			Msg("Lane full, dropping newest message")
		observability.RecordDrop(DropReasonOverflow)

		span.SetStatus(codes.Error, "queue overflow")
		return fmt.Errorf("lane %s is full", req.QueueKey)
	}

	now := time.Now()
	if len(ln.buffered) == 0 {
		ln.firstAt = now
	}
	ln.buffered = append(ln.buffered, &bufferedMessage{
		storeID:    req.MessageID,
		workItemID: req.WorkItemID,
		text:       req.Text,
	})
	queueSize := len(ln.buffered)

	m.armTimerLocked(ln, now, req.CandidateIndex)
	ln.mu.Unlock()

	logger.Debug().
		Str("work_item_id", req.WorkItemID).
		Int("queue_size", queueSize).
		Str("mode", ln.opts.mode).
		Msg("Message buffered")
	observability.RecordEnqueue(req.QueueKey, ln.opts.mode, queueSize)

	return nil
}

// armTimerLocked resets the lane's debounce timer. Each message pushes
// the flush out by the debounce interval, but never past maxExtension
// from the first buffered message.
func (m *Manager) armTimerLocked(ln *lane, now time.Time, candidateIndex int) {
	delay := ln.opts.debounce + time.Duration(candidateIndex)*ln.opts.stagger

	deadline := ln.firstAt.Add(ln.opts.maxExtension)
	if flushAt := now.Add(delay); flushAt.After(deadline) {
		delay = deadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
	}

	if ln.timer != nil {
		ln.timer.Stop()
	}
	ln.timer = time.AfterFunc(delay, func() {
		m.flushLane(ln)
	})
}

// flushLane moves buffered messages into a dispatch according to the
// lane's mode. A lane with an active run defers until the run ends.
func (m *Manager) flushLane(ln *lane) {
	ln.mu.Lock()

	if ln.running || len(ln.buffered) == 0 {
		ln.mu.Unlock()
		return
	}

	var batch []*bufferedMessage
	switch ln.opts.mode {
	case "followup":
		// Strictly serial: one message per run
		batch = ln.buffered[:1]
		ln.buffered = ln.buffered[1:]
	default:
		// collect, and steer when no run is live, coalesce the window
		batch = ln.buffered
		ln.buffered = nil
	}

	dispatchID, err := gonanoid.New()
	if err != nil {
		// Out of entropy is not recoverable here; requeue and retry later
		ln.buffered = append(batch, ln.buffered...)
		ln.mu.Unlock()
		m.logger.Error().Err(err).Str("queue_key", ln.key).Msg("Failed to generate dispatch id")
		return
	}

	ln.running = true
	ln.dispatchID = dispatchID
	if ln.opts.mode == "steer" {
		ln.steer = make(chan string, steerBuffer)
	}
	steer := ln.steer
	remaining := len(ln.buffered)
	ln.mu.Unlock()

	d := &Dispatch{
		ID:         dispatchID,
		QueueKey:   ln.key,
		AgentID:    ln.agentID,
		SessionKey: ln.sessionKey,
		Steer:      steer,
	}
	ids := make([]int64, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.storeID)
		d.WorkItemIDs = append(d.WorkItemIDs, msg.workItemID)
		d.Texts = append(d.Texts, msg.text)
	}

	if err := m.store.MarkMessagesDispatched(ids, dispatchID); err != nil {
		m.logger.Error().Err(err).Str("queue_key", ln.key).Msg("Failed to mark messages dispatched")
	}

	m.logger.Info().
		Str("queue_key", ln.key).
		Str("dispatch_id", dispatchID).
		Int("messages", len(batch)).
		Int("remaining", remaining).
		Str("mode", ln.opts.mode).
		Msg("Dispatching")
	observability.SetQueueSize(ln.key, remaining)

	m.wg.Add(1)
	go m.runDispatch(ln, d)
}

func (m *Manager) runDispatch(ln *lane, d *Dispatch) {
	defer m.wg.Done()

	ctx := tracing.WithSessionKey(context.Background(), ln.sessionKey)
	ctx = tracing.WithDispatchID(ctx, d.ID)
	ctx, span := tracing.StartSpan(
		ctx,
		"queue",
		"queue.dispatch",
		attribute.String("queue_key", ln.key),
		attribute.String("dispatch_id", d.ID),
	)
	defer span.End()

	start := time.Now()
	err := m.dispatcher(ctx, d)
	duration := time.Since(start)

	ln.mu.Lock()
	ln.running = false
	ln.dispatchID = ""
	if ln.steer != nil {
		close(ln.steer)
		ln.steer = nil
	}
	pending := len(ln.buffered)
	ln.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error().
			Err(err).
			Str("queue_key", ln.key).
			Str("dispatch_id", d.ID).
			Dur("duration", duration).
			Msg("Dispatch failed")
	} else {
		m.logger.Debug().
			Str("queue_key", ln.key).
			Str("dispatch_id", d.ID).
			Dur("duration", duration).
			Msg("Dispatch completed")
	}
	observability.RecordDispatch(ln.key, duration, err == nil, pending)

	// Followup lanes still hold messages after a run; flush immediately
	// instead of waiting for new input.
	if pending > 0 {
		m.flushLane(ln)
	}
}

func (m *Manager) ensureLane(req EnqueueRequest) (*lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("queue manager is closed")
	}

	if ln, ok := m.lanes[req.QueueKey]; ok {
		return ln, nil
	}

	opts := laneOptions{
		mode:         m.defaults.Mode,
		debounce:     time.Duration(m.defaults.DebounceMs) * time.Millisecond,
		maxExtension: time.Duration(m.defaults.MaxExtensionMs) * time.Millisecond,
		maxQueued:    m.defaults.MaxQueued,
		stagger:      time.Duration(m.defaults.StaggerMs) * time.Millisecond,
	}
	if req.Options != nil {
		if req.Options.Mode != "" {
			opts.mode = req.Options.Mode
		}
		// Explicit zero is a valid override: scheduler lanes dispatch
		// without a debounce window
		if req.Options.DebounceMs != nil && *req.Options.DebounceMs >= 0 {
			opts.debounce = time.Duration(*req.Options.DebounceMs) * time.Millisecond
		}
		if req.Options.MaxQueued > 0 {
			opts.maxQueued = req.Options.MaxQueued
		}
	}

	ln := &lane{
		key:        req.QueueKey,
		agentID:    req.AgentID,
		sessionKey: req.SessionKey,
		opts:       opts,
	}
	m.lanes[req.QueueKey] = ln

	m.logger.Debug().
		Str("queue_key", req.QueueKey).
		Str("mode", opts.mode).
		Dur("debounce", opts.debounce).
		Int("max_queued", opts.maxQueued).
		Msg("Lane initialized")

	return ln, nil
}

// QueueSize returns the number of buffered messages in a lane.
func (m *Manager) QueueSize(queueKey string) int {
	m.mu.Lock()
	ln, ok := m.lanes[queueKey]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.buffered)
}

// IsRunning reports whether a lane has a live dispatch.
func (m *Manager) IsRunning(queueKey string) bool {
	m.mu.Lock()
	ln, ok := m.lanes[queueKey]
	m.mu.Unlock()
	if !ok {
		return false
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.running
}

// Close stops all timers and waits for in-flight dispatches.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, ln := range m.lanes {
		ln.mu.Lock()
		if ln.timer != nil {
			ln.timer.Stop()
		}
		ln.mu.Unlock()
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
