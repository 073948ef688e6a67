package credential

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshMargin  = 5 * time.Minute
	DefaultGraceWindow    = 30 * time.Second
	DefaultRefreshTimeout = 60 * time.Second
)

// Refresh outcomes reported to Options.OnRefresh.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeGrace     = "grace"
	OutcomeFailed    = "failed"
)

// Options tunes the refresh policy.
type Options struct {
	// RefreshMargin is how long before expiry a credential counts as stale.
	RefreshMargin time.Duration
	// GraceWindow is how long a stale but unexpired credential keeps being
	// served after a failed refresh before the next attempt.
	GraceWindow time.Duration
	// RefreshTimeout bounds a single call to the Source.
	RefreshTimeout time.Duration

	Now       func() time.Time
	Logger    logrus.FieldLogger
	OnRefresh func(outcome string, d time.Duration)
}

type held struct {
	cred       *Credential
	graceUntil time.Time
}

// Manager hands out a currently valid credential to any number of
// concurrent callers. The held credential is swapped atomically on refresh
// and at most one refresh runs at a time.
type Manager struct {
	source   Source
	identity Identity
	opts     Options

	current atomic.Pointer[held]
	group   singleflight.Group
}

func NewManager(source Source, identity Identity, opts Options) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.GraceWindow < 0 {
		opts.GraceWindow = 0
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Manager{
		source:   source,
		identity: identity,
		opts:     opts,
	}
}

// Prime obtains the first credential. Call it at startup to fail fast on a
// misconfigured source.
func (m *Manager) Prime(ctx context.Context) error {
	_, err := m.Current(ctx)
	return err
}

// Current returns a credential that is not past its absolute expiry.
//
// Callers holding a fresh credential never wait. Callers that observe a
// stale credential join the single in-flight refresh; cancelling ctx
// abandons the wait but not the refresh itself.
func (m *Manager) Current(ctx context.Context) (*Credential, error) {
	if h := m.current.Load(); m.usable(h, m.opts.Now()) {
		return h.cred, nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.refresh()
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

// Held returns the credential currently held without refreshing it.
func (m *Manager) Held() (*Credential, bool) {
	h := m.current.Load()
	if h == nil || h.cred == nil {
		return nil, false
	}
	return h.cred, true
}

func (m *Manager) usable(h *held, now time.Time) bool {
	if h == nil || h.cred == nil {
		return false
	}
	if h.cred.Expired(now) {
		return false
	}
	if !h.cred.Stale(now, m.opts.RefreshMargin) {
		return true
	}
	return now.Before(h.graceUntil)
}

func (m *Manager) refresh() (*Credential, error) {
	start := m.opts.Now()
	h := m.current.Load()
	// A refresh that finished between the caller's check and this flight
	// already produced a usable credential.
	if m.usable(h, start) {
		return h.cred, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RefreshTimeout)
	defer cancel()

	next, err := m.source.Obtain(ctx, m.identity)
	now := m.opts.Now()
	if err == nil {
		err = m.validate(next, now)
	}
	if err != nil {
		if h != nil && h.cred != nil && !h.cred.Expired(now) {
			m.current.Store(&held{cred: h.cred, graceUntil: now.Add(m.opts.GraceWindow)})
			m.opts.Logger.WithFields(logrus.Fields{
				"provider":   m.identity.Provider,
				"expires_at": h.cred.ExpiresAt,
				"grace":      m.opts.GraceWindow.String(),
			}).WithError(err).Warn("credential refresh failed; serving held credential")
			m.observe(OutcomeGrace, now.Sub(start))
			return h.cred, nil
		}
		m.opts.Logger.WithField("provider", m.identity.Provider).WithError(err).Error("credential refresh failed")
		m.observe(OutcomeFailed, now.Sub(start))
		return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}

	if next.IssuedAt.IsZero() {
		next.IssuedAt = now
	}
	next.Identity = m.identity
	cred := next
	m.current.Store(&held{cred: &cred})

	fields := logrus.Fields{"provider": m.identity.Provider}
	if !cred.NeverExpires() {
		fields["expires_at"] = cred.ExpiresAt.Format(time.RFC3339)
	}
	m.opts.Logger.WithFields(fields).Info("credential refreshed")
	m.observe(OutcomeRefreshed, now.Sub(start))
	return &cred, nil
}

func (m *Manager) validate(c Credential, now time.Time) error {
	if c.Token == "" {
		return ErrEmptyToken
	}
	if c.Expired(now) {
		return fmt.Errorf("credential source returned a credential that expired at %s", c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (m *Manager) observe(outcome string, d time.Duration) {
	if m.opts.OnRefresh != nil {
		m.opts.OnRefresh(outcome, d)
	}
}
