// Package agent declares the contract between the dispatch core and the
// agent execution collaborator. The reasoning loop itself lives outside
// this repository; the queue manager only needs to start runs, observe
// their event stream and steer live input into them.
package agent

import (
	"context"
)

// ResponseMode selects how the runner delivers output.
type ResponseMode string

const (
	// ResponseStreaming delivers incremental output through OnEvent.
	ResponseStreaming ResponseMode = "streaming"
	// ResponseFinal delivers a single final response.
	ResponseFinal ResponseMode = "final"
)

// EventType classifies run events.
type EventType string

const (
	EventOutputChunk EventType = "output_chunk"
	EventToolUse     EventType = "tool_use"
	EventCompleted   EventType = "completed"
)

// Event is one element of a run's event stream.
type Event struct {
	Type EventType
	Text string
	Meta map[string]interface{}
}

// RunOptions configures one runner invocation.
type RunOptions struct {
	ResponseMode ResponseMode

	// OnEvent receives the run's streamed events. It is the trigger for
	// streaming posts back to the channel. Optional.
	OnEvent func(Event)

	// Steer delivers additional user input into the live run. The queue
	// manager closes it when the lane's debounce window ends. Optional.
	Steer <-chan string
}

// RunResult is the outcome of one runner invocation.
type RunResult struct {
	Job           string // runner-side job identifier
	FinalResponse string
	HitLimit      bool
}

// Runner executes agent work items. Implementations are expected to be
// safe for concurrent invocations across distinct work items.
type Runner interface {
	RunAgent(ctx context.Context, agentID, workItemID string, opts RunOptions) (*RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, agentID, workItemID string, opts RunOptions) (*RunResult, error)

// RunAgent implements Runner.
func (f RunnerFunc) RunAgent(ctx context.Context, agentID, workItemID string, opts RunOptions) (*RunResult, error) {
	return f(ctx, agentID, workItemID, opts)
}
