package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/tools"
)

// RunTool runs a registered tool against the session state under the same
// per-session lock as turns. The state change is kept only when the tool
// succeeds.
func (d *Dispatcher) RunTool(ctx context.Context, key conversation.Key, name string, args map[string]any) (any, error) {
	if !key.Valid() {
		return nil, &TurnError{Reason: ReasonInvalidRequest, Stage: StageReceived, Err: conversation.ErrInvalidKey}
	}
	tool, err := d.tools.Lookup(name)
	if err != nil {
		return nil, err
	}

	release, err := d.locks.acquire(ctx, key)
	if err != nil {
		return nil, &TurnError{Reason: ReasonCancelled, Stage: StageReceived, Err: err}
	}
	defer release()

	if _, err := d.store.GetOrCreate(ctx, key); err != nil {
		return nil, &TurnError{Reason: d.storeReason(ctx), Stage: StageReceived, Err: err}
	}

	var out any
	err = d.store.UpdateState(ctx, key, func(state map[string]any) error {
		var invokeErr error
		out, invokeErr = tool.Invoke(ctx, tools.NewStateHandle(tool, state), args)
		return invokeErr
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name(), err)
	}
	d.log.WithFields(logrus.Fields{
		"user_id":    key.UserID,
		"session_id": key.SessionID,
		"tool":       tool.Name(),
	}).Info("tool invoked")
	return out, nil
}

// Tools lists the registered tool names.
func (d *Dispatcher) Tools() []string {
	return d.tools.Names()
}
