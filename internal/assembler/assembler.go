// Package assembler turns a session snapshot and a new user message into the
// ordered message list sent to the model.
package assembler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/conversation"
)

var ErrConfig = errors.New("invalid context configuration")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sections tag each message with the part of the context it came from.
const (
	SectionInstructions = "instructions"
	SectionDatetime     = "datetime"
	SectionState        = "state"
	SectionMemories     = "memories"
	SectionSummary      = "summary"
	SectionHistory      = "history"
	SectionMessage      = "message"
)

// Message is one chat message in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Section string `json:"-"`
}

type Context struct {
	Messages []Message
}

// Options mirror the per-deployment context knobs.
type Options struct {
	IncludeHistory  bool
	HistoryLimit    int
	IncludeState    bool
	IncludeDatetime bool
	// StaticInstructions are emitted first, one system message each.
	StaticInstructions []string
	// DynamicInstructions receives a copy of the session state.
	DynamicInstructions func(state map[string]any) []string
	// Location is used for the datetime line; UTC when nil.
	Location *time.Location
}

func (o Options) Validate() error {
	if o.HistoryLimit < 0 {
		return fmt.Errorf("%w: history limit %d is negative", ErrConfig, o.HistoryLimit)
	}
	return nil
}

// Input is everything Build reads. History holds the window of recent turns;
// when nil the session's own turns are windowed instead.
type Input struct {
	Session  *conversation.Session
	History  []conversation.Turn
	Memories []conversation.MemoryFact
	Message  string
	Now      time.Time
}

// Build is pure: the same input and options always yield the same messages.
func Build(in Input, opts Options) (Context, error) {
	if err := opts.Validate(); err != nil {
		return Context{}, err
	}

	var msgs []Message
	system := func(section, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		msgs = append(msgs, Message{Role: RoleSystem, Content: content, Section: section})
	}

	for _, line := range opts.StaticInstructions {
		system(SectionInstructions, line)
	}
	var state map[string]any
	if in.Session != nil {
		state = in.Session.State
	}
	if opts.DynamicInstructions != nil {
		for _, line := range opts.DynamicInstructions(conversation.CloneState(state)) {
			system(SectionInstructions, line)
		}
	}

	if opts.IncludeDatetime && !in.Now.IsZero() {
		loc := opts.Location
		if loc == nil {
			loc = time.UTC
		}
		system(SectionDatetime, "The current time is "+in.Now.In(loc).Format(time.RFC1123)+".")
	}

	if opts.IncludeState && len(state) > 0 {
		// encoding/json sorts map keys, so the rendering is stable.
		raw, err := json.Marshal(state)
		if err != nil {
			return Context{}, fmt.Errorf("encode session state: %w", err)
		}
		system(SectionState, "Session state: "+string(raw))
	}

	if len(in.Memories) > 0 {
		var b strings.Builder
		b.WriteString("Things you know about the user:")
		for _, m := range in.Memories {
			b.WriteString("\n- ")
			b.WriteString(strings.TrimSpace(m.Text))
		}
		system(SectionMemories, b.String())
	}

	if opts.IncludeHistory && opts.HistoryLimit > 0 {
		if in.Session != nil && in.Session.Summary != nil {
			system(SectionSummary, "Summary of the earlier conversation: "+in.Session.Summary.Text)
		}
		history := in.History
		if history == nil && in.Session != nil {
			history = in.Session.Turns
		}
		if len(history) > opts.HistoryLimit {
			history = history[len(history)-opts.HistoryLimit:]
		}
		for _, t := range history {
			role := RoleUser
			if t.Role == conversation.RoleAssistant {
				role = RoleAssistant
			}
			msgs = append(msgs, Message{Role: role, Content: t.Text, Section: SectionHistory})
		}
	}

	msgs = append(msgs, Message{Role: RoleUser, Content: in.Message, Section: SectionMessage})
	return Context{Messages: msgs}, nil
}

// Sections lists the section of each message in order.
func (c Context) Sections() []string {
	out := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Section
	}
	return out
}
