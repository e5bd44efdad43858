package store

// WorkItemStatus is the lifecycle state of a work item. The dispatch core
// only creates items in StatusNew; terminal transitions are owned by the
// agent runner.
type WorkItemStatus string

const (
	WorkItemNew       WorkItemStatus = "NEW"
	WorkItemRunning   WorkItemStatus = "RUNNING"
	WorkItemCompleted WorkItemStatus = "COMPLETED"
	WorkItemFailed    WorkItemStatus = "FAILED"
)

// WorkItem is the canonical unit of inbound work derived from a webhook
// or timer. Immutable after creation except for status transitions.
type WorkItem struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"`     // channel type, "scheduler" or "routine"
	SourceRef        string         `json:"source_ref"` // unique per source
	PluginInstanceID string         `json:"plugin_instance_id,omitempty"`
	SessionKey       string         `json:"session_key"`
	Status           WorkItemStatus `json:"status"`
	Title            string         `json:"title,omitempty"`
	Payload          string         `json:"payload,omitempty"` // opaque JSON blob
	CreatedAt        int64          `json:"created_at"`        // epoch seconds
	UpdatedAt        int64          `json:"updated_at"`
}

// QueueMessageStatus is the lifecycle state of a lane message.
type QueueMessageStatus string

const (
	QueueMessagePending    QueueMessageStatus = "pending"
	QueueMessageDispatched QueueMessageStatus = "dispatched"
	QueueMessageDropped    QueueMessageStatus = "dropped"
)

// QueueMessage is one inbound message routed into a queue lane.
type QueueMessage struct {
	ID         int64              `json:"id"`
	QueueKey   string             `json:"queue_key"`
	WorkItemID string             `json:"work_item_id"`
	ArrivedAt  int64              `json:"arrived_at"`
	Status     QueueMessageStatus `json:"status"`
	DispatchID string             `json:"dispatch_id,omitempty"`
	DropReason string             `json:"drop_reason,omitempty"`
}

// ScheduledItemStatus is the scheduler state machine.
type ScheduledItemStatus string

const (
	ScheduledPending   ScheduledItemStatus = "pending"
	ScheduledFiring    ScheduledItemStatus = "firing"
	ScheduledFired     ScheduledItemStatus = "fired"
	ScheduledCancelled ScheduledItemStatus = "cancelled"
)

// ScheduledItem is a time-triggered dispatch source.
type ScheduledItem struct {
	ID               string              `json:"id"`
	AgentID          string              `json:"agent_id"`
	SessionKey       string              `json:"session_key"`
	Type             string              `json:"type"`
	Payload          string              `json:"payload,omitempty"` // JSON text
	RunAt            int64               `json:"run_at"`            // epoch seconds
	Recurrence       string              `json:"recurrence,omitempty"`
	Status           ScheduledItemStatus `json:"status"`
	SourceRef        string              `json:"source_ref,omitempty"`
	PluginInstanceID string              `json:"plugin_instance_id,omitempty"`
	ResponseContext  string              `json:"response_context,omitempty"` // JSON text
	RoutineID        string              `json:"routine_id,omitempty"`
	RoutineRunID     string              `json:"routine_run_id,omitempty"`
	CreatedAt        int64               `json:"created_at"`
	ClaimedAt        int64               `json:"claimed_at,omitempty"`
	FiredAt          int64               `json:"fired_at,omitempty"`
	CancelledAt      int64               `json:"cancelled_at,omitempty"`
}

// Routine is a named single-fire or recurring trigger owned by an agent.
type Routine struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	Recurrence string `json:"recurrence,omitempty"` // empty for one-shot
	Enabled    bool   `json:"enabled"`
	LastFired  int64  `json:"last_fired,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// RoutineRun is bookkeeping for one firing of a routine.
type RoutineRun struct {
	ID         string `json:"id"`
	RoutineID  string `json:"routine_id"`
	WorkItemID string `json:"work_item_id,omitempty"`
	FiredAt    int64  `json:"fired_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// PluginState is the persisted enabled flag reconciled by the crash guard.
type PluginState struct {
	PluginID  string `json:"plugin_id"`
	Enabled   bool   `json:"enabled"`
	Reason    string `json:"reason,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}
