package plugins

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/courierhq/courier/internal/config"
	"github.com/xeipuuv/gojsonschema"
)

// Instance binds a configured plugin instance to its protocol handler.
type Instance struct {
	Config  config.PluginInstanceConfig
	Handler Handler
}

// Registry stores protocol handlers by type and resolved instances by id.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	instances map[string]*Instance
}

// NewRegistry constructs an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		instances: make(map[string]*Instance),
	}
}

// RegisterHandler adds a protocol handler.
func (r *Registry) RegisterHandler(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is required")
	}

	typ := strings.TrimSpace(h.Type())
	if typ == "" {
		return fmt.Errorf("handler type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typ]; exists {
		return fmt.Errorf("handler %q already registered", typ)
	}

	r.handlers[typ] = h
	return nil
}

// AddInstance validates an instance's settings against its handler's
// schema and registers it for routing.
func (r *Registry) AddInstance(cfg config.PluginInstanceConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("plugin instance id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[cfg.Type]
	if !ok {
		return fmt.Errorf("no handler registered for plugin type %q", cfg.Type)
	}
	if _, exists := r.instances[cfg.ID]; exists {
		return fmt.Errorf("plugin instance %q already registered", cfg.ID)
	}

	if err := h.ValidateConfig(cfg.Settings); err != nil {
		return fmt.Errorf("invalid settings for plugin instance %q: %w", cfg.ID, err)
	}

	r.instances[cfg.ID] = &Instance{Config: cfg, Handler: h}
	return nil
}

// Instance returns the registered instance for an id.
func (r *Registry) Instance(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// InstanceIDs returns sorted registered instance ids.
func (r *Registry) InstanceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// validateAgainstSchema checks settings against a JSON Schema document.
func validateAgainstSchema(schema string, settings map[string]interface{}) error {
	if settings == nil {
		settings = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(settings),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("settings do not match schema: %s", strings.Join(msgs, "; "))
	}

	return nil
}
