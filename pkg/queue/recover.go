package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/pkg/store"
)

// PendingSource is the store surface the startup re-buffer reads:
// messages persisted as pending plus the work items behind them.
type PendingSource interface {
	ListAllPendingMessages() ([]store.QueueMessage, error)
	GetWorkItem(id string) (*store.WorkItem, error)
}

// Rebuffer reloads persisted pending messages into their lanes after a
// restart. Messages are persisted before they are buffered, so anything
// still pending was either never buffered or lost with the process.
// Lane policy comes from the owning agent's queue options, or
// schedulerOptions for scheduler-namespaced lanes. Returns how many
// messages were re-buffered.
func (m *Manager) Rebuffer(ctx context.Context, src PendingSource, agents []config.AgentConfig, schedulerOptions *config.LaneOptions) (int, error) {
	msgs, err := src.ListAllPendingMessages()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending messages: %w", err)
	}

	byID := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	count := 0
	for i := range msgs {
		msg := &msgs[i]

		item, err := src.GetWorkItem(msg.WorkItemID)
		if err != nil || item == nil {
			m.logger.Warn().
				Err(err).
				Str("work_item_id", msg.WorkItemID).
				Msg("Skipping pending message without a work item")
			continue
		}

		// The agent is the last queue key segment; agent ids never
		// contain colons
		agentID := msg.QueueKey[strings.LastIndexByte(msg.QueueKey, ':')+1:]

		var opts *config.LaneOptions
		if strings.HasPrefix(msg.QueueKey, "sched:") || strings.HasPrefix(msg.QueueKey, "scheduler:") {
			opts = schedulerOptions
		} else if a, ok := byID[agentID]; ok {
			opts = a.Queue
		}

		if err := m.Enqueue(ctx, EnqueueRequest{
			QueueKey:   msg.QueueKey,
			AgentID:    agentID,
			SessionKey: item.SessionKey,
			MessageID:  msg.ID,
			WorkItemID: item.ID,
			Text:       payloadBody(item.Payload, item.Title),
			Options:    opts,
		}); err != nil {
			m.logger.Warn().
				Err(err).
				Str("queue_key", msg.QueueKey).
				Msg("Failed to re-buffer pending message")
			continue
		}
		count++
	}

	if count > 0 {
		m.logger.Info().Int("messages", count).Msg("Re-buffered pending queue messages")
	}
	return count, nil
}

// payloadBody extracts the message text a work item was created with.
func payloadBody(payload, fallback string) string {
	var p struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err == nil && p.Body != "" {
		return p.Body
	}
	return fallback
}
