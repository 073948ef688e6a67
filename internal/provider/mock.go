package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/assembler"
	"github.com/ent0n29/parley/internal/credential"
)

// MockInvoker provides deterministic local replies without a model endpoint.
// It echoes the last user message and mentions how much context it saw.
type MockInvoker struct{}

func NewMockInvoker() *MockInvoker { return &MockInvoker{} }

func (m *MockInvoker) Invoke(ctx context.Context, req Request, _ *credential.Credential, onFragment FragmentHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onFragment != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
			if err := onFragment(word); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text, Model: "mock"}, nil
}

func buildMockReply(req Request) string {
	var last string
	history := 0
	for _, msg := range req.Messages {
		switch msg.Section {
		case assembler.SectionMessage:
			last = strings.TrimSpace(msg.Content)
		case assembler.SectionHistory:
			history++
		}
	}
	if last == "" && len(req.Messages) > 0 {
		last = strings.TrimSpace(req.Messages[len(req.Messages)-1].Content)
	}
	if last == "" {
		last = "I am listening."
	}
	if history == 0 {
		return fmt.Sprintf("I heard you: %s", last)
	}
	return fmt.Sprintf("I heard you: %s (with %d earlier turns)", last, history)
}
