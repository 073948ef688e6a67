// Package dispatch runs one conversational turn end to end: resolve the
// session, obtain a credential, assemble context, invoke the model and
// persist the exchange. Turns in the same session are serialized; turns in
// different sessions run in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/assembler"
	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/credential"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/provider"
	"github.com/ent0n29/parley/internal/tools"
)

// Credentials hands out a currently valid credential.
type Credentials interface {
	Current(ctx context.Context) (*credential.Credential, error)
}

type Deps struct {
	Store       conversation.Store
	Credentials Credentials
	Invoker     provider.Invoker
	// Extractor is consulted only when Config.MemoryEnabled is set.
	Extractor memory.Extractor
	Tools     *tools.Registry
	Metrics   *observability.Metrics
	Logger    logrus.FieldLogger
	// Provider labels provider error metrics.
	Provider string
	Now      func() time.Time
}

type SummaryPolicy struct {
	Enabled bool
	// TriggerTurns is the number of unsummarized turns that starts a
	// summarization.
	TriggerTurns int
	// KeepTurns newest turns stay verbatim.
	KeepTurns int
}

type Config struct {
	Context        assembler.Options
	InvokeTimeout  time.Duration
	PersistTimeout time.Duration
	MemoryEnabled  bool
	Summary        SummaryPolicy
}

func (c Config) Validate() error {
	if err := c.Context.Validate(); err != nil {
		return err
	}
	if c.InvokeTimeout < 0 || c.PersistTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", assembler.ErrConfig)
	}
	if c.Summary.Enabled {
		if c.Summary.TriggerTurns <= 0 || c.Summary.KeepTurns < 0 || c.Summary.KeepTurns >= c.Summary.TriggerTurns {
			return fmt.Errorf("%w: summary keep turns (%d) must be below trigger turns (%d)",
				assembler.ErrConfig, c.Summary.KeepTurns, c.Summary.TriggerTurns)
		}
	}
	return nil
}

type Dispatcher struct {
	store   conversation.Store
	creds   Credentials
	invoker provider.Invoker
	extract memory.Extractor
	tools   *tools.Registry
	metrics *observability.Metrics
	log     logrus.FieldLogger
	prov    string
	now     func() time.Time
	cfg     Config
	locks   *keyedLocks
}

// New validates cfg so a malformed deployment fails at startup.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Credentials == nil || deps.Invoker == nil {
		return nil, errors.New("dispatcher requires a store, credentials and an invoker")
	}
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		store:   deps.Store,
		creds:   deps.Credentials,
		invoker: deps.Invoker,
		extract: deps.Extractor,
		tools:   deps.Tools,
		metrics: deps.Metrics,
		log:     deps.Logger,
		prov:    deps.Provider,
		now:     deps.Now,
		cfg:     cfg,
		locks:   newKeyedLocks(),
	}
	if d.log == nil {
		d.log = observability.DiscardLogger()
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.extract == nil && cfg.MemoryEnabled {
		d.extract = memory.NewRuleExtractor()
	}
	if d.tools == nil {
		d.tools = tools.NewRegistry()
	}
	return d, nil
}

// Dispatch runs one turn. onFragment, when non-nil, receives the reply as it
// streams. On PersistPartial both a Result and a *TurnError are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, onFragment provider.FragmentHandler) (res *Result, err error) {
	started := time.Now()
	defer d.metrics.TurnStarted()()
	defer func() { d.finish(req, started, res, err) }()

	stage := StageReceived
	fail := func(reason Reason, err error) (*Result, error) {
		return nil, &TurnError{Reason: reason, Stage: stage, Err: err}
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.UserID == "" {
		return fail(ReasonInvalidRequest, errors.New("user_id is required"))
	}
	if strings.TrimSpace(req.Message) == "" {
		return fail(ReasonInvalidRequest, errors.New("message is required"))
	}
	ephemeral := req.SessionID == ""
	key := conversation.Key{UserID: req.UserID, SessionID: req.SessionID}

	// Received -> SessionResolved
	var (
		sess     *conversation.Session
		history  []conversation.Turn
		memories []conversation.MemoryFact
	)
	t := time.Now()
	if ephemeral {
		sess = conversation.Ephemeral(req.UserID, d.now())
	} else {
		release, err := d.locks.acquire(ctx, key)
		if err != nil {
			return fail(ReasonCancelled, err)
		}
		defer release()

		if sess, err = d.store.GetOrCreate(ctx, key); err != nil {
			return fail(d.storeReason(ctx), err)
		}
		if d.cfg.Context.IncludeHistory && d.cfg.Context.HistoryLimit > 0 {
			if history, err = d.store.HistoryWindow(ctx, key, d.cfg.Context.HistoryLimit); err != nil {
				return fail(d.storeReason(ctx), err)
			}
		}
		if d.cfg.MemoryEnabled {
			if memories, err = d.store.MemoriesFor(ctx, req.UserID); err != nil {
				return fail(d.storeReason(ctx), err)
			}
		}
	}
	if len(req.StateOverlay) > 0 {
		sess.State = conversation.MergeState(sess.State, req.StateOverlay)
	}
	d.metrics.ObserveStage(observability.StageResolveSession, time.Since(t))
	stage = StageSessionResolved

	// SessionResolved -> CredentialObtained
	t = time.Now()
	cred, err := d.creds.Current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ReasonCancelled, err)
		}
		return fail(ReasonCredentialUnavailable, err)
	}
	d.metrics.ObserveStage(observability.StageObtainCredential, time.Since(t))
	stage = StageCredentialObtained

	// CredentialObtained -> ContextAssembled
	t = time.Now()
	if history == nil && !ephemeral {
		history = []conversation.Turn{}
	}
	built, err := assembler.Build(assembler.Input{
		Session:  sess,
		History:  history,
		Memories: memories,
		Message:  req.Message,
		Now:      d.now(),
	}, d.cfg.Context)
	if err != nil {
		return fail(ReasonConfigError, err)
	}
	d.metrics.ObserveStage(observability.StageAssembleContext, time.Since(t))
	stage = StageContextAssembled

	// ContextAssembled -> Invoked
	text, model, err := d.invoke(ctx, built, cred, onFragment)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ReasonCancelled, err)
		}
		return fail(ReasonInvocationError, err)
	}
	stage = StageInvoked

	res = &Result{
		Text:      text,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Ephemeral: ephemeral,
		Model:     model,
	}
	if ephemeral {
		return res, nil
	}

	// Invoked -> Persisted. The answer exists, so the caller hanging up must
	// not stop the write.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PersistTimeout)
	defer cancel()

	t = time.Now()
	pair, err := d.store.AppendExchange(pctx, key, req.Message, text, req.StateOverlay)
	d.metrics.ObserveStage(observability.StagePersist, time.Since(t))
	if err != nil {
		res.Warning = string(ReasonPersistPartial)
		return res, &TurnError{Reason: ReasonPersistPartial, Stage: stage, Err: err}
	}
	res.UserSeq, res.AssistantSeq = pair[0].Seq, pair[1].Seq

	if d.cfg.MemoryEnabled {
		if err := d.rememberFacts(pctx, key, req.Message, text, memories); err != nil {
			res.Warning = string(ReasonPersistPartial)
			return res, &TurnError{Reason: ReasonPersistPartial, Stage: stage, Err: err}
		}
	}
	stage = StagePersisted

	if d.cfg.Summary.Enabled {
		d.maybeSummarize(pctx, key)
	}
	return res, nil
}

func (d *Dispatcher) invoke(ctx context.Context, built assembler.Context, cred *credential.Credential, onFragment provider.FragmentHandler) (string, string, error) {
	ictx := ctx
	if d.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, d.cfg.InvokeTimeout)
		defer cancel()
	}

	started := time.Now()
	var (
		out       strings.Builder
		fragments int
	)
	handler := func(f string) error {
		if fragments == 0 {
			d.metrics.ObserveStage(observability.StageFirstFragment, time.Since(started))
		}
		fragments++
		out.WriteString(f)
		if onFragment != nil {
			return onFragment(f)
		}
		return nil
	}

	resp, err := d.invoker.Invoke(ictx, provider.Request{Messages: built.Messages, Stream: onFragment != nil}, cred, handler)
	d.metrics.ObserveStage(observability.StageInvokeModel, time.Since(started))
	if err != nil {
		d.metrics.ObserveProviderError(d.prov, providerErrorCode(err))
		return "", "", err
	}
	if fragments == 0 {
		return resp.Text, resp.Model, nil
	}
	return out.String(), resp.Model, nil
}

func (d *Dispatcher) rememberFacts(ctx context.Context, key conversation.Key, userText, assistantText string, known []conversation.MemoryFact) error {
	candidates, err := d.extract.Extract(ctx, memory.Exchange{
		UserID:        key.UserID,
		SessionID:     key.SessionID,
		UserText:      userText,
		AssistantText: assistantText,
	})
	if err != nil {
		return fmt.Errorf("extract memory facts: %w", err)
	}
	keep, rejected := memory.Filter(candidates, known)
	d.metrics.ObserveMemoryFacts("rejected", len(rejected))
	for _, text := range keep {
		if _, err := d.store.AddMemory(ctx, key.UserID, conversation.MemoryFact{Text: text, SourceSessionID: key.SessionID}); err != nil {
			return fmt.Errorf("store memory fact: %w", err)
		}
		d.metrics.ObserveMemoryFacts("stored", 1)
	}
	return nil
}

// storeReason distinguishes a caller that went away from an engine failure.
func (d *Dispatcher) storeReason(ctx context.Context) Reason {
	if ctx.Err() != nil {
		return ReasonCancelled
	}
	return ReasonStoreUnavailable
}

func (d *Dispatcher) finish(req Request, started time.Time, res *Result, err error) {
	elapsed := time.Since(started)
	d.metrics.ObserveStage(observability.StageTurnTotal, elapsed)

	fields := logrus.Fields{
		"user_id":     req.UserID,
		"session_id":  req.SessionID,
		"duration_ms": elapsed.Milliseconds(),
	}
	var te *TurnError
	switch {
	case err == nil:
		d.metrics.ObserveTurn(string(StageCompleted))
		fields["stage"] = StageCompleted
		if res != nil {
			fields["assistant_seq"] = res.AssistantSeq
		}
		d.log.WithFields(fields).Info("turn completed")
	case errors.As(err, &te):
		d.metrics.ObserveTurn(string(te.Reason))
		fields["stage"] = te.Stage
		fields["reason"] = te.Reason
		entry := d.log.WithFields(fields).WithError(te.Err)
		switch te.Reason {
		case ReasonInvalidRequest, ReasonCancelled:
			entry.Info("turn rejected")
		default:
			entry.Warn("turn failed")
		}
	default:
		d.metrics.ObserveTurn("error")
		d.log.WithFields(fields).WithError(err).Error("turn failed")
	}
}

func providerErrorCode(err error) string {
	var se *provider.StatusError
	switch {
	case errors.As(err, &se):
		return strconv.Itoa(se.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transport"
	}
}
