// Package tools runs named capabilities against session state. A tool
// declares the state keys it reads and writes, and only those keys are
// visible to it.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/parley/internal/conversation"
)

var (
	ErrUndeclaredKey = errors.New("state key not declared by tool")
	ErrUnknownTool   = errors.New("unknown tool")
	ErrInvalidArgs   = errors.New("invalid tool arguments")
)

type Tool interface {
	Name() string
	Reads() []string
	Writes() []string
	Invoke(ctx context.Context, state *StateHandle, args map[string]any) (any, error)
}

// StateHandle is a tool's view of session state.
type StateHandle struct {
	tool   string
	state  map[string]any
	reads  map[string]struct{}
	writes map[string]struct{}
}

// NewStateHandle wraps state for t. Writes go straight to state; the caller
// decides whether to keep them.
func NewStateHandle(t Tool, state map[string]any) *StateHandle {
	h := &StateHandle{
		tool:   t.Name(),
		state:  state,
		reads:  make(map[string]struct{}),
		writes: make(map[string]struct{}),
	}
	for _, k := range t.Reads() {
		h.reads[k] = struct{}{}
	}
	for _, k := range t.Writes() {
		h.writes[k] = struct{}{}
		h.reads[k] = struct{}{}
	}
	return h
}

// Get returns a copy of the value under key.
func (h *StateHandle) Get(key string) (any, bool, error) {
	if _, ok := h.reads[key]; !ok {
		return nil, false, fmt.Errorf("%w: %s reads %q", ErrUndeclaredKey, h.tool, key)
	}
	v, ok := h.state[key]
	if !ok {
		return nil, false, nil
	}
	return conversation.CloneState(map[string]any{key: v})[key], true, nil
}

// Set stores value under key. A nil value deletes the key.
func (h *StateHandle) Set(key string, value any) error {
	if _, ok := h.writes[key]; !ok {
		return fmt.Errorf("%w: %s writes %q", ErrUndeclaredKey, h.tool, key)
	}
	if value == nil {
		delete(h.state, key)
		return nil
	}
	h.state[key] = value
	return nil
}

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(t.Name())] = t
}

func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
