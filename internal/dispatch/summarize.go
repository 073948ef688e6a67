package dispatch

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/assembler"
	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/provider"
)

const summaryInstruction = "Summarize the conversation below in a few sentences. " +
	"Keep names, facts and decisions the assistant will need later. Reply with the summary only."

// maybeSummarize folds the oldest unsummarized turns into the session
// summary once enough have accumulated. It runs under the session lock and
// never fails the turn.
func (d *Dispatcher) maybeSummarize(ctx context.Context, key conversation.Key) {
	log := d.log.WithFields(logrus.Fields{"user_id": key.UserID, "session_id": key.SessionID})

	sess, err := d.store.Get(ctx, key)
	if err != nil {
		d.metrics.ObserveSummary("failed")
		log.WithError(err).Warn("summary skipped: session read failed")
		return
	}
	if len(sess.Turns) < d.cfg.Summary.TriggerTurns {
		return
	}
	older := sess.Turns[:len(sess.Turns)-d.cfg.Summary.KeepTurns]
	if len(older) == 0 {
		return
	}
	cutover := older[len(older)-1].Seq

	cred, err := d.creds.Current(ctx)
	if err != nil {
		d.metrics.ObserveSummary("failed")
		log.WithError(err).Warn("summary skipped: no credential")
		return
	}

	ictx := ctx
	if d.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, d.cfg.InvokeTimeout)
		defer cancel()
	}
	resp, err := d.invoker.Invoke(ictx, provider.Request{Messages: summaryPrompt(sess.Summary, older)}, cred, nil)
	if err != nil {
		d.metrics.ObserveSummary("failed")
		d.metrics.ObserveProviderError(d.prov, providerErrorCode(err))
		log.WithError(err).Warn("summary invocation failed")
		return
	}

	if err := d.store.Summarize(ctx, key, strings.TrimSpace(resp.Text), cutover); err != nil {
		d.metrics.ObserveSummary("failed")
		log.WithError(err).Warn("summary not stored")
		return
	}
	d.metrics.ObserveSummary("stored")
	log.WithField("cutover_seq", cutover).Info("session summarized")
}

func summaryPrompt(previous *conversation.Summary, turns []conversation.Turn) []assembler.Message {
	msgs := []assembler.Message{{Role: assembler.RoleSystem, Content: summaryInstruction, Section: assembler.SectionInstructions}}
	if previous != nil && strings.TrimSpace(previous.Text) != "" {
		msgs = append(msgs, assembler.Message{
			Role:    assembler.RoleSystem,
			Content: "Summary so far: " + previous.Text,
			Section: assembler.SectionSummary,
		})
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	msgs = append(msgs, assembler.Message{
		Role:    assembler.RoleUser,
		Content: strings.TrimRight(b.String(), "\n"),
		Section: assembler.SectionMessage,
	})
	return msgs
}
