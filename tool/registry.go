package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/companionkit/logging"
)

// Registry holds named tools and provides lookup. The global built-in set and
// each agent's private scope are both Registry instances; resolution order
// (scope first, then global) lives with the caller.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// RegistryOptions holds optional Registry settings.
type RegistryOptions struct {
	Logger logging.Logger
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l logging.Logger) func(o *RegistryOptions) {
	return func(o *RegistryOptions) { o.Logger = l }
}

// NewRegistry creates a new empty tool registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{tools: make(map[string]Tool), logger: opts.Logger}
}

// Register adds a tool. Registering a duplicate name is an error: tools are
// immutable once registered and silent replacement would defeat the audit
// trail's tool identity.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Name())
	}

	r.tools[t.Name()] = t
	r.logger.Debug("tool.registered", "tool", t.Name())

	return nil
}

// MustRegister registers a tool and panics on error. Use for static built-in
// registration at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", t.Name(), err))
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools in name order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// Definitions returns provider-facing schema definitions for every tool whose
// name is in allowed (nil allowed means all).
func (r *Registry) Definitions(allowed []string) []Definition {
	tools := r.All()

	var allowSet map[string]struct{}
	if allowed != nil {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, n := range allowed {
			allowSet[n] = struct{}{}
		}
	}

	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		if allowSet != nil {
			if _, ok := allowSet[t.Name()]; !ok {
				continue
			}
		}
		defs = append(defs, Define(t))
	}
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
