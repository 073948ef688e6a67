package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// countingSource issues hour-long tokens relative to the fake clock.
type countingSource struct {
	clock    *fakeClock
	lifetime time.Duration
	calls    atomic.Int32
	fail     atomic.Bool
	gate     chan struct{}
}

func (s *countingSource) Obtain(ctx context.Context, _ Identity) (Credential, error) {
	n := s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	if s.fail.Load() {
		return Credential{}, errors.New("token endpoint unreachable")
	}
	now := s.clock.Now()
	return Credential{
		Token:     "tok-" + string(rune('a'+n-1)),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}, nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, *countingSource, *fakeClock, time.Time) {
	t.Helper()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: t0}
	src := &countingSource{clock: clock, lifetime: time.Hour}
	opts.Now = clock.Now
	m := NewManager(src, Identity{Provider: "azure"}, opts)
	if err := m.Prime(context.Background()); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	return m, src, clock, t0
}

func TestManagerRefreshesOnlyInsideMargin(t *testing.T) {
	m, src, clock, t0 := newTestManager(t, Options{RefreshMargin: 300 * time.Second})

	clock.Set(t0.Add(1000 * time.Second))
	first, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("obtain calls at T+1000s = %d, want 1", got)
	}

	clock.Set(t0.Add(3200 * time.Second))
	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("obtain calls at T+3200s = %d, want 1 (outside the margin)", got)
	}

	clock.Set(t0.Add(3300 * time.Second))
	second, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("obtain calls at T+3300s = %d, want 2", got)
	}
	if second.Token == first.Token {
		t.Fatalf("token not replaced after refresh: %q", second.Token)
	}
	if first.Token != "tok-a" {
		t.Fatalf("captured credential mutated: %q", first.Token)
	}
}

func TestManagerSingleFlight(t *testing.T) {
	m, src, clock, t0 := newTestManager(t, Options{RefreshMargin: 5 * time.Minute})
	src.gate = make(chan struct{})
	clock.Set(t0.Add(58 * time.Minute))

	const callers = 64
	var wg sync.WaitGroup
	results := make(chan *Credential, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Current(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- c
		}()
	}

	deadline := time.After(2 * time.Second)
	for src.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("refresh never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("Current() error = %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("obtain calls = %d, want 2 (prime + one refresh)", got)
	}
	now := clock.Now()
	for c := range results {
		if c.Stale(now, 5*time.Minute) {
			t.Fatalf("caller observed stale credential expiring %s", c.ExpiresAt)
		}
	}
}

func TestManagerGraceOnFailedRefresh(t *testing.T) {
	m, src, clock, t0 := newTestManager(t, Options{
		RefreshMargin: 5 * time.Minute,
		GraceWindow:   30 * time.Second,
	})
	src.fail.Store(true)

	clock.Set(t0.Add(56 * time.Minute))
	c, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v, want held credential", err)
	}
	if c.Token != "tok-a" {
		t.Fatalf("token = %q, want held tok-a", c.Token)
	}
	calls := src.calls.Load()

	clock.Set(t0.Add(56*time.Minute + 10*time.Second))
	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current() inside grace error = %v", err)
	}
	if got := src.calls.Load(); got != calls {
		t.Fatalf("obtain calls inside grace = %d, want %d", got, calls)
	}

	clock.Set(t0.Add(57 * time.Minute))
	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current() after grace error = %v", err)
	}
	if got := src.calls.Load(); got != calls+1 {
		t.Fatalf("obtain calls after grace = %d, want %d", got, calls+1)
	}
}

func TestManagerNeverReturnsExpired(t *testing.T) {
	m, src, clock, t0 := newTestManager(t, Options{
		RefreshMargin: 5 * time.Minute,
		GraceWindow:   10 * time.Minute,
	})
	src.fail.Store(true)

	clock.Set(t0.Add(time.Hour))
	c, err := m.Current(context.Background())
	if !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("Current() error = %v, want ErrCredentialUnavailable", err)
	}
	if c != nil {
		t.Fatalf("Current() returned %+v alongside error", c)
	}
}

func TestManagerGraceDoesNotOutliveExpiry(t *testing.T) {
	m, src, clock, t0 := newTestManager(t, Options{
		RefreshMargin: 5 * time.Minute,
		GraceWindow:   10 * time.Minute,
	})
	src.fail.Store(true)

	clock.Set(t0.Add(58 * time.Minute))
	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	clock.Set(t0.Add(61 * time.Minute))
	if _, err := m.Current(context.Background()); !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("Current() past expiry error = %v, want ErrCredentialUnavailable", err)
	}
}

func TestManagerStaticNeverRefreshes(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, id Identity) (Credential, error) {
		calls.Add(1)
		return StaticSource{}.Obtain(ctx, id)
	})
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(src, Identity{Provider: "openai", APIKey: "sk-test"}, Options{Now: clock.Now})

	for i := 0; i < 3; i++ {
		clock.Set(clock.Now().Add(24 * time.Hour))
		c, err := m.Current(context.Background())
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		if c.Token != "sk-test" {
			t.Fatalf("token = %q, want sk-test", c.Token)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("obtain calls = %d, want 1", got)
	}
}

func TestManagerWaiterHonoursContext(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	src := &countingSource{clock: clock, lifetime: time.Hour, gate: make(chan struct{})}
	defer close(src.gate)
	m := NewManager(src, Identity{}, Options{Now: clock.Now})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Current(ctx); !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("Current() error = %v, want ErrCredentialUnavailable", err)
	}
}

func TestStaticSourceRequiresKey(t *testing.T) {
	if _, err := (StaticSource{}).Obtain(context.Background(), Identity{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("Obtain() error = %v, want ErrMissingAPIKey", err)
	}
}
