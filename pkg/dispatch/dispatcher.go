// Package dispatch executes the dispatches the queue manager hands out:
// it runs the agent, posts the response back through the originating
// channel plugin, feeds delivery outcomes into the crash guard and
// synthesizes handoff work when an agent mentions a peer.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/internal/tracing"
	"github.com/courierhq/courier/pkg/agent"
	"github.com/courierhq/courier/pkg/plugins"
	"github.com/courierhq/courier/pkg/queue"
	"github.com/courierhq/courier/pkg/router"
	"github.com/courierhq/courier/pkg/store"
	"github.com/rs/zerolog"
)

// Store is the persistence surface the dispatcher transitions work
// items through.
type Store interface {
	GetWorkItem(id string) (*store.WorkItem, error)
	UpdateWorkItemStatus(id string, status store.WorkItemStatus) error
}

// Guard receives delivery outcomes per plugin instance.
type Guard interface {
	RecordFailure(pluginID string, cause error)
	RecordSuccess(pluginID string)
}

// Handoffer routes agent-to-agent handoffs back through the ingress
// pipeline.
type Handoffer interface {
	Handoff(ctx context.Context, req router.HandoffRequest) (*store.WorkItem, error)
}

// Broadcaster pushes dispatch lifecycle events to gateway clients.
type Broadcaster interface {
	Broadcast(event string, data map[string]interface{})
}

// Options configures a Dispatcher.
type Options struct {
	Runner      agent.Runner
	Store       Store
	Registry    *plugins.Registry
	Guard       Guard
	Handoffer   Handoffer
	Agents      []config.AgentConfig
	Broadcaster Broadcaster
	Logger      zerolog.Logger

	// ResponseMode selects final-only or streamed posting. Defaults to
	// final.
	ResponseMode agent.ResponseMode
}

// Dispatcher executes dispatches end to end.
type Dispatcher struct {
	runner       agent.Runner
	store        Store
	registry     *plugins.Registry
	guard        Guard
	handoffer    Handoffer
	agents       []config.AgentConfig
	broadcaster  Broadcaster
	logger       zerolog.Logger
	responseMode agent.ResponseMode
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	mode := opts.ResponseMode
	if mode == "" {
		mode = agent.ResponseFinal
	}

	return &Dispatcher{
		runner:       opts.Runner,
		store:        opts.Store,
		registry:     opts.Registry,
		guard:        opts.Guard,
		handoffer:    opts.Handoffer,
		agents:       opts.Agents,
		broadcaster:  opts.Broadcaster,
		logger:       opts.Logger.With().Str("component", "dispatch").Logger(),
		responseMode: mode,
	}, nil
}

// itemContext is the routing state recovered from a work item payload.
type itemContext struct {
	Body            string            `json:"body"`
	ResponseContext map[string]string `json:"response_context"`
	HandoffDepth    int               `json:"handoff_depth"`
}

// Dispatch runs one dispatch. It satisfies queue.DispatchFunc.
func (d *Dispatcher) Dispatch(ctx context.Context, disp *queue.Dispatch) error {
	ctx = tracing.WithDispatchID(ctx, disp.ID)
	ctx = tracing.WithAgentID(ctx, disp.AgentID)
	ctx = tracing.WithSessionKey(ctx, disp.SessionKey)
	logger := tracing.LoggerFromContext(ctx, d.logger)

	lastCtx := d.markRunning(disp, logger)
	pluginInstanceID := pluginInstanceFromQueueKey(disp)

	runOpts := agent.RunOptions{
		ResponseMode: d.responseMode,
		Steer:        disp.Steer,
	}

	// In streaming mode every output chunk is posted as it arrives; the
	// final response then only covers runs that produced no chunks.
	var chunksPosted int
	if d.responseMode == agent.ResponseStreaming && pluginInstanceID != "" {
		runOpts.OnEvent = func(ev agent.Event) {
			if ev.Type != agent.EventOutputChunk || ev.Text == "" {
				return
			}
			if err := d.postText(ctx, pluginInstanceID, lastCtx.ResponseContext, ev.Text, true, logger); err == nil {
				chunksPosted++
			}
		}
	}

	result, runErr := d.runner.RunAgent(ctx, disp.AgentID, lastWorkItemID(disp), runOpts)

	if runErr != nil {
		d.finish(ctx, disp, store.WorkItemFailed, logger)
		observability.RecordDispatchAudit(ctx, disp.AgentID, "dispatch", "failure", map[string]interface{}{
			"dispatch_id": disp.ID,
			"queue_key":   disp.QueueKey,
			"error":       runErr.Error(),
		})
		return fmt.Errorf("agent run failed: %w", runErr)
	}
	if result == nil {
		result = &agent.RunResult{}
	}

	var postErr error
	if result.FinalResponse != "" && pluginInstanceID != "" && chunksPosted == 0 {
		postErr = d.postText(ctx, pluginInstanceID, lastCtx.ResponseContext, result.FinalResponse, false, logger)
	}

	d.routeHandoffs(ctx, pluginInstanceID, disp, result.FinalResponse, lastCtx.HandoffDepth, logger)

	status := store.WorkItemCompleted
	outcome := "success"
	if postErr != nil {
		status = store.WorkItemFailed
		outcome = "failure"
	}
	d.finish(ctx, disp, status, logger)

	observability.RecordDispatchAudit(ctx, disp.AgentID, "dispatch", outcome, map[string]interface{}{
		"dispatch_id": disp.ID,
		"queue_key":   disp.QueueKey,
		"work_items":  len(disp.WorkItemIDs),
	})

	if d.broadcaster != nil {
		d.broadcaster.Broadcast("dispatch.completed", map[string]interface{}{
			"dispatch_id": disp.ID,
			"agent_id":    disp.AgentID,
			"session_key": disp.SessionKey,
			"outcome":     outcome,
		})
	}

	return postErr
}

// markRunning transitions every batched work item to RUNNING and returns
// the routing context of the most recent one, which carries the reply
// coordinates for the batch.
func (d *Dispatcher) markRunning(disp *queue.Dispatch, logger zerolog.Logger) itemContext {
	var last itemContext
	for _, id := range disp.WorkItemIDs {
		if err := d.store.UpdateWorkItemStatus(id, store.WorkItemRunning); err != nil {
			logger.Error().Err(err).Str("work_item_id", id).Msg("Failed to mark work item running")
			continue
		}

		item, err := d.store.GetWorkItem(id)
		if err != nil || item.Payload == "" {
			continue
		}
		var ic itemContext
		if err := json.Unmarshal([]byte(item.Payload), &ic); err == nil {
			last = ic
		}
	}
	return last
}

func (d *Dispatcher) finish(ctx context.Context, disp *queue.Dispatch, status store.WorkItemStatus, logger zerolog.Logger) {
	for _, id := range disp.WorkItemIDs {
		if err := d.store.UpdateWorkItemStatus(id, status); err != nil {
			logger.Error().
				Err(err).
				Str("work_item_id", id).
				Str("status", string(status)).
				Msg("Failed to finalize work item")
		}
	}
}

// postText delivers agent output through the originating channel and
// feeds the outcome into the crash guard. Streaming chunks skip the
// receipt dismissal; only the run's last post withdraws the signal.
func (d *Dispatcher) postText(ctx context.Context, pluginInstanceID string, responseCtx map[string]string, text string, streaming bool, logger zerolog.Logger) error {
	inst, ok := d.registry.Instance(pluginInstanceID)
	if !ok {
		// Timer-originated work has no channel to answer on.
		logger.Debug().Str("plugin_id", pluginInstanceID).Msg("No plugin instance for response, skipping post")
		return nil
	}

	result := inst.Handler.PostResponse(ctx, inst.Config, plugins.PostRequest{
		ResponseContext: responseCtx,
		Text:            text,
		Streaming:       streaming,
	})

	if result.Success {
		if d.guard != nil {
			d.guard.RecordSuccess(pluginInstanceID)
		}
		if ack, ok := inst.Handler.(plugins.ReceiptAcknowledger); ok && !streaming {
			go func() {
				if err := ack.DismissReceipt(context.WithoutCancel(ctx), inst.Config, responseCtx); err != nil {
					logger.Debug().Err(err).Str("plugin_id", pluginInstanceID).Msg("Receipt dismissal failed")
				}
			}()
		}
		logger.Debug().
			Str("plugin_id", pluginInstanceID).
			Str("provider_ref", result.ProviderRef).
			Msg("Response posted")
		return nil
	}

	if d.guard != nil {
		d.guard.RecordFailure(pluginInstanceID, result.Err)
	}
	logger.Warn().
		Err(result.Err).
		Str("plugin_id", pluginInstanceID).
		Bool("retryable", result.Retryable).
		Msg("Response post failed")
	return fmt.Errorf("post to %s failed: %w", pluginInstanceID, result.Err)
}

// routeHandoffs scans the agent's output for peer mentions and routes a
// handoff work item to each one. Only instances that opted into mention
// handoffs participate.
func (d *Dispatcher) routeHandoffs(ctx context.Context, pluginInstanceID string, disp *queue.Dispatch, output string, depth int, logger zerolog.Logger) {
	if d.handoffer == nil || output == "" || pluginInstanceID == "" {
		return
	}

	inst, ok := d.registry.Instance(pluginInstanceID)
	if !ok || !inst.Config.AgentMentionHandoffs {
		return
	}

	for _, target := range router.ScanMentions(output, d.agents) {
		if target.ID == disp.AgentID {
			continue
		}

		_, err := d.handoffer.Handoff(ctx, router.HandoffRequest{
			OriginAgentID:    disp.AgentID,
			TargetAgentID:    target.ID,
			PluginInstanceID: pluginInstanceID,
			SessionKey:       disp.SessionKey,
			Text:             output,
			Depth:            depth,
		})
		if err != nil {
			logger.Warn().
				Err(err).
				Str("origin", disp.AgentID).
				Str("target", target.ID).
				Msg("Handoff rejected")
		}
	}
}

func lastWorkItemID(disp *queue.Dispatch) string {
	if len(disp.WorkItemIDs) == 0 {
		return ""
	}
	return disp.WorkItemIDs[len(disp.WorkItemIDs)-1]
}

// pluginInstanceFromQueueKey recovers the plugin instance segment of a
// queue key. Conversational keys are <pluginInstanceID>:<sessionKey>:<agentID>;
// scheduler lanes carry a sched: namespace before the instance, and pure
// timers use the scheduler scope, which has no channel to post to.
func pluginInstanceFromQueueKey(disp *queue.Dispatch) string {
	suffix := ":" + disp.SessionKey + ":" + disp.AgentID
	if !strings.HasSuffix(disp.QueueKey, suffix) {
		return ""
	}
	id := strings.TrimSuffix(disp.QueueKey, suffix)
	if id == "scheduler" {
		return ""
	}
	return strings.TrimPrefix(id, "sched:")
}
