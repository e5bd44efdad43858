// Package router is the ingress side of the dispatch core: it accepts
// provider webhooks, verifies and normalizes them through the plugin
// handlers, deduplicates deliveries into work items and fans them out
// to agent lanes.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/internal/tracing"
	"github.com/courierhq/courier/pkg/plugins"
	"github.com/courierhq/courier/pkg/queue"
	"github.com/courierhq/courier/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Store is the persistence surface the ingestor writes through.
type Store interface {
	CreateWorkItem(params store.CreateWorkItemParams) (*store.WorkItem, bool, error)
	InsertQueueMessage(queueKey, workItemID string) (*store.QueueMessage, error)
}

// Guard answers whether a plugin instance is currently contained.
type Guard interface {
	IsDisabled(pluginID string) bool
}

// Enqueuer hands accepted messages to the session queue manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) error
}

// Broadcaster pushes ingress events to connected gateway clients.
// Best effort; failures never affect the webhook response.
type Broadcaster interface {
	Broadcast(event string, data map[string]interface{})
}

// maxHandoffDepth bounds agent-to-agent handoff chains so two agents
// mentioning each other cannot ping-pong forever. Long enough for real
// multi-agent exchanges, short enough to kill runaway loops.
const maxHandoffDepth = 16

// Ingestor turns verified webhook deliveries into queued work items.
type Ingestor struct {
	store       Store
	enqueuer    Enqueuer
	guard       Guard
	agents      []config.AgentConfig
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	Store       Store
	Enqueuer    Enqueuer
	Guard       Guard
	Agents      []config.AgentConfig
	Broadcaster Broadcaster
	Logger      zerolog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}

	observability.EnsureRegistered()

	return &Ingestor{
		store:       opts.Store,
		enqueuer:    opts.Enqueuer,
		guard:       opts.Guard,
		agents:      opts.Agents,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger.With().Str("component", "router").Logger(),
	}, nil
}

// Result is the HTTP-shaped outcome of ingesting one delivery.
type Result struct {
	Status int
	Body   map[string]interface{}
	// Outcome labels the delivery for metrics.
	Outcome string
	// RawBody, when set, is written verbatim instead of Body (provider
	// challenge responses).
	RawBody string
}

// IngestWebhook runs the full ingress pipeline for one delivery.
func (in *Ingestor) IngestWebhook(ctx context.Context, inst *plugins.Instance, r *http.Request, body []byte) Result {
	logger := tracing.LoggerFromContext(ctx, in.logger).With().Str("plugin_id", inst.Config.ID).Logger()

	if in.guard != nil && in.guard.IsDisabled(inst.Config.ID) {
		logger.Warn().Msg("Rejecting delivery for contained plugin")
		return Result{Status: http.StatusServiceUnavailable, Outcome: "contained", Body: map[string]interface{}{
			"error": "plugin instance is disabled",
		}}
	}

	parsed, err := inst.Handler.ParseWebhook(r, inst.Config, body)
	if err != nil {
		logger.Warn().Err(err).Msg("Webhook verification failed")
		return Result{Status: http.StatusUnauthorized, Outcome: "rejected", Body: map[string]interface{}{
			"error": "verification failed",
		}}
	}

	if parsed.ImmediateResponse != "" {
		return Result{Status: http.StatusOK, Outcome: "immediate", RawBody: parsed.ImmediateResponse}
	}

	if !parsed.ShouldProcess {
		logger.Debug().Str("reason", parsed.Reason).Msg("Delivery skipped")
		return Result{Status: http.StatusOK, Outcome: "skipped", Body: map[string]interface{}{
			"status": "skipped",
			"reason": parsed.Reason,
		}}
	}

	workItem, created, err := in.persistDraft(inst, parsed)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist work item")
		return Result{Status: http.StatusInternalServerError, Outcome: "error", Body: map[string]interface{}{
			"error": "internal error",
		}}
	}

	// Re-delivery of an event we already hold: acknowledge without
	// enqueueing a second time.
	if !created {
		logger.Debug().
			Str("work_item_id", workItem.ID).
			Str("source_ref", parsed.Draft.SourceRef).
			Msg("Duplicate delivery acknowledged")
		return Result{Status: http.StatusOK, Outcome: "duplicate", Body: map[string]interface{}{
			"status":       "duplicate",
			"work_item_id": workItem.ID,
		}}
	}

	candidates := in.resolveCandidates(inst, parsed.Draft.Body)
	if len(candidates) == 0 {
		logger.Warn().Msg("No agents bound to plugin instance")
		return Result{Status: http.StatusOK, Outcome: "unrouted", Body: map[string]interface{}{
			"status":       "unrouted",
			"work_item_id": workItem.ID,
		}}
	}

	for i, agent := range candidates {
		if err := in.enqueueFor(ctx, inst, agent, i, workItem, parsed); err != nil {
			logger.Error().
				Err(err).
				Str("agent_id", agent.ID).
				Str("work_item_id", workItem.ID).
				Msg("Failed to enqueue for agent")
		}
	}

	in.acknowledge(ctx, inst, parsed)
	in.broadcast(inst, workItem, parsed)

	logger.Info().
		Str("work_item_id", workItem.ID).
		Str("source_ref", parsed.Draft.SourceRef).
		Int("candidates", len(candidates)).
		Msg("Delivery accepted")
	return Result{Status: http.StatusOK, Outcome: "accepted", Body: map[string]interface{}{
		"status":       "queued",
		"work_item_id": workItem.ID,
	}}
}

func (in *Ingestor) persistDraft(inst *plugins.Instance, parsed *plugins.ParseResult) (*store.WorkItem, bool, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"body":             parsed.Draft.Body,
		"sender_name":      parsed.Draft.SenderName,
		"sender_ref":       parsed.Draft.SenderRef,
		"response_context": parsed.ResponseContext,
		"command":          parsed.Command,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}

	return in.store.CreateWorkItem(store.CreateWorkItemParams{
		Source:           parsed.Draft.Source,
		SourceRef:        parsed.Draft.SourceRef,
		PluginInstanceID: inst.Config.ID,
		SessionKey:       parsed.Draft.SessionKey,
		Title:            parsed.Draft.Title,
		Payload:          string(payload),
	})
}

// resolveCandidates picks the agents a message fans out to. When the
// instance opts into mention handoffs and the text names specific
// agents, only those are targeted; otherwise every bound agent is.
func (in *Ingestor) resolveCandidates(inst *plugins.Instance, text string) []config.AgentConfig {
	bound := make([]config.AgentConfig, 0, len(inst.Config.AgentIDs))
	for _, id := range inst.Config.AgentIDs {
		for _, agent := range in.agents {
			if agent.ID == id {
				bound = append(bound, agent)
				break
			}
		}
	}

	if !inst.Config.AgentMentionHandoffs || len(bound) < 2 {
		return bound
	}

	mentioned := ScanMentions(text, bound)
	if len(mentioned) == 0 {
		return bound
	}
	return mentioned
}

func (in *Ingestor) enqueueFor(ctx context.Context, inst *plugins.Instance, agent config.AgentConfig, index int, workItem *store.WorkItem, parsed *plugins.ParseResult) error {
	queueKey := QueueKey(inst.Config.ID, parsed.Draft.SessionKey, agent.ID)

	msg, err := in.store.InsertQueueMessage(queueKey, workItem.ID)
	if err != nil {
		return fmt.Errorf("failed to persist queue message: %w", err)
	}

	opts := agent.Queue
	if opts == nil {
		opts = inst.Config.Queue
	}

	return in.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		QueueKey:       queueKey,
		AgentID:        agent.ID,
		SessionKey:     parsed.Draft.SessionKey,
		MessageID:      msg.ID,
		WorkItemID:     workItem.ID,
		Text:           parsed.Draft.Body,
		Options:        opts,
		CandidateIndex: index,
	})
}

func (in *Ingestor) acknowledge(ctx context.Context, inst *plugins.Instance, parsed *plugins.ParseResult) {
	ack, ok := inst.Handler.(plugins.ReceiptAcknowledger)
	if !ok {
		return
	}

	go func() {
		if err := ack.AcknowledgeReceipt(context.WithoutCancel(ctx), inst.Config, parsed.ResponseContext); err != nil {
			in.logger.Debug().
				Err(err).
				Str("plugin_id", inst.Config.ID).
				Msg("Receipt acknowledgement failed")
		}
	}()
}

func (in *Ingestor) broadcast(inst *plugins.Instance, workItem *store.WorkItem, parsed *plugins.ParseResult) {
	if in.broadcaster == nil {
		return
	}

	go in.broadcaster.Broadcast("work_item.created", map[string]interface{}{
		"work_item_id": workItem.ID,
		"plugin_id":    inst.Config.ID,
		"source":       parsed.Draft.Source,
		"session_key":  parsed.Draft.SessionKey,
	})
}

// QueueKey names the lane for one (plugin instance, session, agent)
// conversation.
func QueueKey(pluginInstanceID, sessionKey, agentID string) string {
	return fmt.Sprintf("%s:%s:%s", pluginInstanceID, sessionKey, agentID)
}

// HandoffRequest asks the ingestor to route one agent's output to
// another agent as fresh work.
type HandoffRequest struct {
	OriginAgentID    string
	TargetAgentID    string
	PluginInstanceID string
	SessionKey       string
	Text             string
	// Depth counts prior hops in this handoff chain.
	Depth int
}

// Handoff creates a work item on behalf of an agent and enqueues it for
// the target. Self-routing and over-deep chains are rejected.
func (in *Ingestor) Handoff(ctx context.Context, req HandoffRequest) (*store.WorkItem, error) {
	if req.OriginAgentID == req.TargetAgentID {
		return nil, fmt.Errorf("agent %s cannot hand off to itself", req.OriginAgentID)
	}
	if req.Depth >= maxHandoffDepth {
		return nil, fmt.Errorf("handoff chain exceeded %d hops", maxHandoffDepth)
	}

	var target *config.AgentConfig
	for i := range in.agents {
		if in.agents[i].ID == req.TargetAgentID {
			target = &in.agents[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("unknown handoff target %q", req.TargetAgentID)
	}

	nonce, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate handoff id: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"body":          req.Text,
		"origin_agent":  req.OriginAgentID,
		"handoff_depth": req.Depth + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	workItem, _, err := in.store.CreateWorkItem(store.CreateWorkItemParams{
		Source:           "handoff",
		SourceRef:        fmt.Sprintf("handoff:%s:%s:%s", req.OriginAgentID, req.TargetAgentID, nonce),
		PluginInstanceID: req.PluginInstanceID,
		SessionKey:       req.SessionKey,
		Title:            firstWords(req.Text),
		Payload:          string(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist handoff: %w", err)
	}

	queueKey := QueueKey(req.PluginInstanceID, req.SessionKey, req.TargetAgentID)
	msg, err := in.store.InsertQueueMessage(queueKey, workItem.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to persist queue message: %w", err)
	}

	err = in.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		QueueKey:   queueKey,
		AgentID:    req.TargetAgentID,
		SessionKey: req.SessionKey,
		MessageID:  msg.ID,
		WorkItemID: workItem.ID,
		Text:       req.Text,
		Options:    target.Queue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue handoff: %w", err)
	}

	if in.broadcaster != nil {
		go in.broadcaster.Broadcast("handoff.created", map[string]interface{}{
			"work_item_id": workItem.ID,
			"origin":       req.OriginAgentID,
			"target":       req.TargetAgentID,
		})
	}

	in.logger.Info().
		Str("origin", req.OriginAgentID).
		Str("target", req.TargetAgentID).
		Str("work_item_id", workItem.ID).
		Int("depth", req.Depth+1).
		Msg("Handoff routed")

	return workItem, nil
}

func firstWords(text string) string {
	if len(text) <= 120 {
		return text
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8
	cut := 120
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
