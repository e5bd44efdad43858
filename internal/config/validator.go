package config

import (
	"fmt"
	"strings"
)

var validModes = map[string]bool{
	"collect":  true,
	"followup": true,
	"steer":    true,
}

var validPluginTypes = map[string]bool{
	"telegram": true,
	"slack":    true,
	"discord":  true,
	"github":   true,
}

// Validate checks the configuration for structural errors.
// It returns all problems found, not just the first.
func Validate(cfg *Config) []error {
	var errs []error

	seenAgents := make(map[string]bool)
	seenHandles := make(map[string]bool)
	for _, a := range cfg.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agent with empty id"))
			continue
		}
		if seenAgents[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent id %q", a.ID))
		}
		seenAgents[a.ID] = true

		if a.Handle != "" {
			if !strings.HasPrefix(a.Handle, "@") {
				errs = append(errs, fmt.Errorf("agent %q: handle %q must start with @", a.ID, a.Handle))
			}
			if seenHandles[a.Handle] {
				errs = append(errs, fmt.Errorf("duplicate agent handle %q", a.Handle))
			}
			seenHandles[a.Handle] = true
		}

		if a.Queue != nil {
			errs = append(errs, validateLaneOptions(fmt.Sprintf("agent %q", a.ID), a.Queue)...)
		}
	}

	seenInstances := make(map[string]bool)
	for _, p := range cfg.PluginInstances {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("plugin instance with empty id"))
			continue
		}
		if seenInstances[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate plugin instance id %q", p.ID))
		}
		seenInstances[p.ID] = true

		if !validPluginTypes[p.Type] {
			errs = append(errs, fmt.Errorf("plugin instance %q: unknown type %q", p.ID, p.Type))
		}

		for _, agentID := range p.AgentIDs {
			if !seenAgents[agentID] {
				errs = append(errs, fmt.Errorf("plugin instance %q: unknown agent %q", p.ID, agentID))
			}
		}

		if p.Queue != nil {
			errs = append(errs, validateLaneOptions(fmt.Sprintf("plugin instance %q", p.ID), p.Queue)...)
		}
	}

	if cfg.Queue.Mode != "" && !validModes[cfg.Queue.Mode] {
		errs = append(errs, fmt.Errorf("queue: invalid default mode %q", cfg.Queue.Mode))
	}
	if cfg.Queue.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("queue: debounce_ms must not be negative"))
	}
	if cfg.Queue.MaxQueued < 1 {
		errs = append(errs, fmt.Errorf("queue: max_queued must be at least 1"))
	}

	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler: tick_interval must be positive"))
	}
	if cfg.Scheduler.StaleThreshold <= 0 {
		errs = append(errs, fmt.Errorf("scheduler: stale_threshold must be positive"))
	}

	if cfg.CrashGuard.Threshold < 1 {
		errs = append(errs, fmt.Errorf("crash_guard: threshold must be at least 1"))
	}

	if cfg.Gateway.Enabled && cfg.Gateway.SharedSecret == "" {
		errs = append(errs, fmt.Errorf("gateway: shared_secret is required when enabled"))
	}

	return errs
}

func validateLaneOptions(scope string, opts *LaneOptions) []error {
	var errs []error
	if opts.Mode != "" && !validModes[opts.Mode] {
		errs = append(errs, fmt.Errorf("%s: invalid queue mode %q", scope, opts.Mode))
	}
	if opts.DebounceMs != nil && *opts.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("%s: debounce_ms must not be negative", scope))
	}
	if opts.MaxQueued < 0 {
		errs = append(errs, fmt.Errorf("%s: max_queued must not be negative", scope))
	}
	return errs
}
