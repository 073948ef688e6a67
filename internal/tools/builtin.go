package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const PreferencesKey = "preferences"

// Defaults returns the built-in tools.
func Defaults() []Tool {
	return []Tool{RememberPreference{}, SessionInfo{}}
}

// RememberPreference stores args.name=args.value under state["preferences"].
type RememberPreference struct{}

func (RememberPreference) Name() string     { return "remember_preference" }
func (RememberPreference) Reads() []string  { return nil }
func (RememberPreference) Writes() []string { return []string{PreferencesKey} }

func (RememberPreference) Invoke(_ context.Context, state *StateHandle, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidArgs)
	}
	value, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidArgs)
	}

	prefs := map[string]any{}
	if cur, found, err := state.Get(PreferencesKey); err != nil {
		return nil, err
	} else if found {
		if m, ok := cur.(map[string]any); ok {
			prefs = m
		}
	}
	if value == nil {
		delete(prefs, name)
	} else {
		prefs[name] = value
	}
	if err := state.Set(PreferencesKey, prefs); err != nil {
		return nil, err
	}
	return map[string]any{PreferencesKey: prefs}, nil
}

// SessionInfo reports the stored preferences.
type SessionInfo struct{}

func (SessionInfo) Name() string     { return "session_info" }
func (SessionInfo) Reads() []string  { return []string{PreferencesKey} }
func (SessionInfo) Writes() []string { return nil }

func (SessionInfo) Invoke(_ context.Context, state *StateHandle, _ map[string]any) (any, error) {
	prefs, _, err := state.Get(PreferencesKey)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		prefs = map[string]any{}
	}
	return map[string]any{PreferencesKey: prefs}, nil
}

// PreferenceInstructions renders stored preferences as system instructions.
func PreferenceInstructions(state map[string]any) []string {
	prefs, ok := state[PreferencesKey].(map[string]any)
	if !ok || len(prefs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, prefs[k]))
	}
	return []string{"User preferences: " + strings.Join(parts, ", ")}
}
