// Package capabilities holds the closed set of externally invokable tools
// the orchestration loop may dispatch: document retrieval, authentication
// log query and web search.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agentoven/triage/pkg/models"
)

var (
	// ErrUnknownCapability is returned for names outside the closed set or
	// not registered.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidArguments is returned when a call is missing required
	// arguments or carries values of the wrong type.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Result is the output of one invocation. Content is what the planner sees
// as the tool message; Data is the structured form for API callers.
type Result struct {
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// Capability is one tool backend.
type Capability interface {
	Name() models.Capability
	Schema() models.ToolSchema
	Invoke(ctx context.Context, args map[string]any, role string) (*Result, error)
}

// ── Registry ─────────────────────────────────────────────────

// Registry is the lookup table from capability name to backend.
type Registry struct {
	mu   sync.RWMutex
	caps map[models.Capability]Capability
}

// NewRegistry registers caps and fails on the first invalid one.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[models.Capability]Capability)}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds c. Names outside the closed capability set are rejected.
func (r *Registry) Register(c Capability) error {
	name := c.Name()
	if !name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[name]; ok {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

// Get returns the backend for name.
func (r *Registry) Get(name models.Capability) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return c, nil
}

// Names lists the registered capabilities in declaration order.
func (r *Registry) Names() []models.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Capability, 0, len(r.caps))
	for _, c := range models.AllCapabilities {
		if _, ok := r.caps[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Schemas returns the schemas of the registered capabilities. With a
// non-nil only list, capabilities outside it are left out.
func (r *Registry) Schemas(only []models.Capability) []models.ToolSchema {
	allow := make(map[models.Capability]bool, len(only))
	for _, c := range only {
		allow[c] = true
	}
	var out []models.ToolSchema
	for _, name := range r.Names() {
		if only != nil && !allow[name] {
			continue
		}
		c, _ := r.Get(name)
		out = append(out, c.Schema())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ── Argument helpers ─────────────────────────────────────────

func argString(args map[string]any, key, fallback string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}

// argInt accepts JSON numbers (float64), ints and numeric strings, and
// clamps the value into [lo, hi].
func argInt(args map[string]any, key string, fallback, lo, hi int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return fallback, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		n = int(x)
	case int:
		n = x
	case int64:
		n = int(x)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, key)
		}
		n = i
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, key)
	}
	return max(lo, min(n, hi)), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
