package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// storeFactory returns a fresh store plus a prefix that keeps keys from
// colliding with earlier runs against shared servers.
type storeFactory func(t *testing.T) (Store, string)

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (Store, string) {
		return NewInMemoryStore(), ""
	})
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("PARLEY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PARLEY_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func(t *testing.T) (Store, string) {
		s, err := NewPostgresStore(context.Background(), url)
		if err != nil {
			t.Fatalf("NewPostgresStore() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s, uniquePrefix(t)
	})
}

func TestRedisStoreContract(t *testing.T) {
	url := os.Getenv("PARLEY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PARLEY_TEST_REDIS_URL not set")
	}
	runStoreContract(t, func(t *testing.T) (Store, string) {
		s, err := NewRedisStore(context.Background(), url)
		if err != nil {
			t.Fatalf("NewRedisStore() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s, uniquePrefix(t)
	})
}

func uniquePrefix(t *testing.T) string {
	return fmt.Sprintf("%s-%d-%d-", t.Name(), os.Getpid(), time.Now().UnixNano())
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("GetOrCreateIdempotent", func(t *testing.T) { testGetOrCreateIdempotent(t, newStore) })
	t.Run("ConcurrentGetOrCreate", func(t *testing.T) { testConcurrentGetOrCreate(t, newStore) })
	t.Run("AppendAndWindow", func(t *testing.T) { testAppendAndWindow(t, newStore) })
	t.Run("CrossUserIsolation", func(t *testing.T) { testCrossUserIsolation(t, newStore) })
	t.Run("SummarizeReplacesPrefix", func(t *testing.T) { testSummarizeReplacesPrefix(t, newStore) })
	t.Run("SummarizeRejectsBadCutover", func(t *testing.T) { testSummarizeRejectsBadCutover(t, newStore) })
	t.Run("ExchangeMergesState", func(t *testing.T) { testExchangeMergesState(t, newStore) })
	t.Run("UpdateStateError", func(t *testing.T) { testUpdateStateError(t, newStore) })
	t.Run("MemoriesAppendOnly", func(t *testing.T) { testMemoriesAppendOnly(t, newStore) })
	t.Run("MissingSession", func(t *testing.T) { testMissingSession(t, newStore) })
}

func testGetOrCreateIdempotent(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "s1"}

	first, err := s.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := s.AppendTurn(ctx, key, RoleUser, "hello"); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	second, err := s.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate() second error = %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed: %s -> %s", first.CreatedAt, second.CreatedAt)
	}
	if len(second.Turns) != 0 || second.LastSeq != 1 {
		t.Fatalf("second session turns=%d last_seq=%d, want header only with last_seq 1", len(second.Turns), second.LastSeq)
	}
	full, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(full.Turns) != 1 || full.Turns[0].Text != "hello" {
		t.Fatalf("Get() turns = %+v, want the stored turn", full.Turns)
	}
}

func testConcurrentGetOrCreate(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "race"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetOrCreate(ctx, key); err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			if _, err := s.AppendTurn(ctx, key, RoleUser, "x"); err != nil {
				t.Errorf("AppendTurn() error = %v", err)
			}
		}()
	}
	wg.Wait()

	sess, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Turns) != 16 || sess.LastSeq != 16 {
		t.Fatalf("turns=%d last_seq=%d, want 16/16", len(sess.Turns), sess.LastSeq)
	}
	for i, turn := range sess.Turns {
		if turn.Seq != int64(i+1) {
			t.Fatalf("turn %d seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
}

func testAppendAndWindow(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "s1"}
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		pair, err := s.AppendExchange(ctx, key, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), nil)
		if err != nil {
			t.Fatalf("AppendExchange() error = %v", err)
		}
		if pair[0].Seq+1 != pair[1].Seq {
			t.Fatalf("exchange seqs = %d,%d, want adjacent", pair[0].Seq, pair[1].Seq)
		}
		if pair[0].Role != RoleUser || pair[1].Role != RoleAssistant {
			t.Fatalf("exchange roles = %s,%s", pair[0].Role, pair[1].Role)
		}
	}

	win, err := s.HistoryWindow(ctx, key, 4)
	if err != nil {
		t.Fatalf("HistoryWindow() error = %v", err)
	}
	want := []string{"q2", "a2", "q3", "a3"}
	if len(win) != len(want) {
		t.Fatalf("len(window) = %d, want %d", len(win), len(want))
	}
	for i, w := range want {
		if win[i].Text != w {
			t.Fatalf("window[%d] = %q, want %q", i, win[i].Text, w)
		}
	}

	all, err := s.HistoryWindow(ctx, key, 100)
	if err != nil {
		t.Fatalf("HistoryWindow(100) error = %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len(window 100) = %d, want 6", len(all))
	}
	none, err := s.HistoryWindow(ctx, key, 0)
	if err != nil {
		t.Fatalf("HistoryWindow(0) error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("len(window 0) = %d, want 0", len(none))
	}
}

func testCrossUserIsolation(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	a := Key{UserID: p + "user_a", SessionID: "shared"}
	b := Key{UserID: p + "user_b", SessionID: "shared"}

	for _, k := range []Key{a, b} {
		if _, err := s.GetOrCreate(ctx, k); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", k, err)
		}
	}
	if _, err := s.AppendExchange(ctx, a, "secret of a", "noted", map[string]any{"owner": "a"}); err != nil {
		t.Fatalf("AppendExchange() error = %v", err)
	}
	if _, err := s.AddMemory(ctx, a.UserID, MemoryFact{Text: "a likes tea", SourceSessionID: "shared"}); err != nil {
		t.Fatalf("AddMemory() error = %v", err)
	}

	sb, err := s.Get(ctx, b)
	if err != nil {
		t.Fatalf("Get(b) error = %v", err)
	}
	if len(sb.Turns) != 0 || sb.LastSeq != 0 {
		t.Fatalf("user_b sees %d turns (last_seq %d), want none", len(sb.Turns), sb.LastSeq)
	}
	if _, ok := sb.State["owner"]; ok {
		t.Fatalf("user_b state leaked: %+v", sb.State)
	}
	mem, err := s.MemoriesFor(ctx, b.UserID)
	if err != nil {
		t.Fatalf("MemoriesFor(b) error = %v", err)
	}
	if len(mem) != 0 {
		t.Fatalf("user_b memories = %+v, want none", mem)
	}
}

func testSummarizeReplacesPrefix(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "s1"}
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := s.AppendExchange(ctx, key, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), nil); err != nil {
			t.Fatalf("AppendExchange() error = %v", err)
		}
	}

	if err := s.Summarize(ctx, key, "user asked three questions", 4); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	for _, k := range []int{1, 2, 10} {
		win, err := s.HistoryWindow(ctx, key, k)
		if err != nil {
			t.Fatalf("HistoryWindow(%d) error = %v", k, err)
		}
		for _, turn := range win {
			if turn.Seq <= 4 {
				t.Fatalf("HistoryWindow(%d) returned summarized turn seq %d", k, turn.Seq)
			}
		}
	}
	sess, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Summary == nil || sess.Summary.CutoverSeq != 4 || sess.Summary.Text != "user asked three questions" {
		t.Fatalf("summary = %+v", sess.Summary)
	}
	if len(sess.Turns) != 2 || sess.Turns[0].Seq != 5 {
		t.Fatalf("remaining turns = %+v, want seq 5,6", sess.Turns)
	}

	next, err := s.AppendTurn(ctx, key, RoleUser, "q4")
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if next.Seq != 7 {
		t.Fatalf("seq after summarize = %d, want 7", next.Seq)
	}

	if err := s.Summarize(ctx, key, "everything", 7); err != nil {
		t.Fatalf("Summarize(all) error = %v", err)
	}
	sess, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Turns) != 0 || sess.Summary == nil {
		t.Fatalf("after full summarize turns=%d summary=%v, want summary only", len(sess.Turns), sess.Summary)
	}
}

func testSummarizeRejectsBadCutover(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "s1"}
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := s.AppendExchange(ctx, key, "q", "a", nil); err != nil {
		t.Fatalf("AppendExchange() error = %v", err)
	}
	if err := s.Summarize(ctx, key, "x", 3); !errors.Is(err, ErrInvalidCutover) {
		t.Fatalf("Summarize(beyond last) error = %v, want ErrInvalidCutover", err)
	}
	if err := s.Summarize(ctx, key, "  ", 1); !errors.Is(err, ErrEmptySummary) {
		t.Fatalf("Summarize(empty) error = %v, want ErrEmptySummary", err)
	}
	if err := s.Summarize(ctx, key, "first", 2); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if err := s.Summarize(ctx, key, "backwards", 1); !errors.Is(err, ErrInvalidCutover) {
		t.Fatalf("Summarize(backwards) error = %v, want ErrInvalidCutover", err)
	}
	if err := s.Summarize(ctx, key, "restated", 2); !errors.Is(err, ErrInvalidCutover) {
		t.Fatalf("Summarize(same cutover) error = %v, want ErrInvalidCutover", err)
	}
	sess, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Summary == nil || sess.Summary.Text != "first" {
		t.Fatalf("summary = %+v, want the first summary kept", sess.Summary)
	}
}

func testExchangeMergesState(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "s1"}
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := s.AppendExchange(ctx, key, "q", "a", map[string]any{"db": "sales", "tmp": "x"}); err != nil {
		t.Fatalf("AppendExchange() error = %v", err)
	}
	if _, err := s.AppendExchange(ctx, key, "q", "a", map[string]any{"tmp": nil}); err != nil {
		t.Fatalf("AppendExchange() error = %v", err)
	}
	sess, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.State["db"] != "sales" {
		t.Fatalf("state[db] = %v, want sales", sess.State["db"])
	}
	if _, ok := sess.State["tmp"]; ok {
		t.Fatalf("state[tmp] still present: %+v", sess.State)
	}
}

func testUpdateStateError(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "u1", SessionID: "s1"}
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	boom := errors.New("boom")
	err := s.UpdateState(ctx, key, func(state map[string]any) error {
		state["half"] = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateState() error = %v, want boom", err)
	}
	sess, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := sess.State["half"]; ok {
		t.Fatalf("failed update leaked into state: %+v", sess.State)
	}

	if err := s.UpdateState(ctx, key, func(state map[string]any) error {
		state["count"] = float64(1)
		return nil
	}); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	sess, _ = s.Get(ctx, key)
	if sess.State["count"] != float64(1) {
		t.Fatalf("state[count] = %v, want 1", sess.State["count"])
	}
}

func testMemoriesAppendOnly(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	user := p + "u1"
	for _, text := range []string{"likes tea", "likes tea", "works at acme"} {
		if _, err := s.AddMemory(ctx, user, MemoryFact{Text: text}); err != nil {
			t.Fatalf("AddMemory() error = %v", err)
		}
	}
	facts, err := s.MemoriesFor(ctx, user)
	if err != nil {
		t.Fatalf("MemoriesFor() error = %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("len(facts) = %d, want 3 (no dedup in store)", len(facts))
	}
	for _, f := range facts {
		if f.ID == "" || f.UserID != user || f.CreatedAt.IsZero() {
			t.Fatalf("fact not normalized: %+v", f)
		}
	}
}

func testMissingSession(t *testing.T, newStore storeFactory) {
	s, p := newStore(t)
	ctx := context.Background()
	key := Key{UserID: p + "ghost", SessionID: "none"}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := s.AppendTurn(ctx, key, RoleUser, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendTurn() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetOrCreate(ctx, Key{UserID: "", SessionID: "s"}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("GetOrCreate(no user) error = %v, want ErrInvalidKey", err)
	}
}
