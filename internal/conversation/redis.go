package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisTxRetries = 16

// RedisStore keeps each session in a hash plus a list of unsummarized
// turns, and each user's memory facts in a list. Session writes are
// optimistic WATCH/MULTI transactions on the session hash, which every
// writer touches.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: "parley:"}, nil
}

func (s *RedisStore) sessionKey(key Key) string {
	return s.prefix + "session:" + url.QueryEscape(key.UserID) + ":" + url.QueryEscape(key.SessionID)
}

func (s *RedisStore) turnsKey(key Key) string {
	return s.sessionKey(key) + ":turns"
}

func (s *RedisStore) memoriesKey(userID string) string {
	return s.prefix + "memories:" + url.QueryEscape(userID)
}

func (s *RedisStore) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	skey := s.sessionKey(key)
	now := formatTime(time.Now().UTC())
	if err := s.client.HSetNX(ctx, skey, "created_at", now).Err(); err != nil {
		return nil, unavailable("create session", err)
	}
	if err := s.client.HSet(ctx, skey, "last_accessed_at", now).Err(); err != nil {
		return nil, unavailable("touch session", err)
	}
	return s.readSession(ctx, s.client, key, false)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Session, error) {
	return s.readSession(ctx, s.client, key, true)
}

func (s *RedisStore) AppendTurn(ctx context.Context, key Key, role Role, text string) (Turn, error) {
	var out Turn
	err := s.mutate(ctx, key, false, func(sess *Session, p redis.Pipeliner) error {
		now := time.Now().UTC()
		out = Turn{Seq: sess.LastSeq + 1, Role: role, Text: text, CreatedAt: now}
		return s.queueAppend(ctx, p, key, now, nil, out)
	})
	return out, err
}

func (s *RedisStore) AppendExchange(ctx context.Context, key Key, userText, assistantText string, stateOverlay map[string]any) ([2]Turn, error) {
	var out [2]Turn
	err := s.mutate(ctx, key, false, func(sess *Session, p redis.Pipeliner) error {
		now := time.Now().UTC()
		out[0] = Turn{Seq: sess.LastSeq + 1, Role: RoleUser, Text: userText, CreatedAt: now}
		out[1] = Turn{Seq: sess.LastSeq + 2, Role: RoleAssistant, Text: assistantText, CreatedAt: now}
		var state map[string]any
		if len(stateOverlay) > 0 {
			state = MergeState(sess.State, stateOverlay)
		}
		return s.queueAppend(ctx, p, key, now, state, out[0], out[1])
	})
	return out, err
}

func (s *RedisStore) HistoryWindow(ctx context.Context, key Key, maxTurns int) ([]Turn, error) {
	exists, err := s.client.Exists(ctx, s.sessionKey(key)).Result()
	if err != nil {
		return nil, unavailable("check session", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	if maxTurns <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.turnsKey(key), int64(-maxTurns), -1).Result()
	if err != nil {
		return nil, unavailable("read turns", err)
	}
	return decodeTurns(raw)
}

func (s *RedisStore) Summarize(ctx context.Context, key Key, text string, cutoverSeq int64) error {
	return s.mutate(ctx, key, true, func(sess *Session, p redis.Pipeliner) error {
		if err := checkSummary(text, cutoverSeq, sess.LastSeq, sess.Summary); err != nil {
			return err
		}
		var kept []any
		for _, t := range sess.Turns {
			if t.Seq <= cutoverSeq {
				continue
			}
			raw, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode turn: %w", err)
			}
			kept = append(kept, string(raw))
		}
		tkey := s.turnsKey(key)
		p.Del(ctx, tkey)
		if len(kept) > 0 {
			p.RPush(ctx, tkey, kept...)
		}
		p.HSet(ctx, s.sessionKey(key),
			"summary", text,
			"summary_cutover", cutoverSeq,
			"summary_created_at", formatTime(time.Now().UTC()),
		)
		return nil
	})
}

func (s *RedisStore) UpdateState(ctx context.Context, key Key, fn func(state map[string]any) error) error {
	return s.mutate(ctx, key, false, func(sess *Session, p redis.Pipeliner) error {
		next := CloneState(sess.State)
		if err := fn(next); err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session state: %w", err)
		}
		p.HSet(ctx, s.sessionKey(key), "state", string(raw), "last_accessed_at", formatTime(time.Now().UTC()))
		return nil
	})
}

func (s *RedisStore) MemoriesFor(ctx context.Context, userID string) ([]MemoryFact, error) {
	raw, err := s.client.LRange(ctx, s.memoriesKey(userID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("read memory facts", err)
	}
	facts := make([]MemoryFact, 0, len(raw))
	for _, r := range raw {
		var f MemoryFact
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			return nil, fmt.Errorf("decode memory fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, nil
}

func (s *RedisStore) AddMemory(ctx context.Context, userID string, fact MemoryFact) (MemoryFact, error) {
	fact = normalizeFact(userID, fact, time.Now().UTC())
	raw, err := json.Marshal(fact)
	if err != nil {
		return MemoryFact{}, fmt.Errorf("encode memory fact: %w", err)
	}
	if err := s.client.RPush(ctx, s.memoriesKey(userID), string(raw)).Err(); err != nil {
		return MemoryFact{}, unavailable("add memory fact", err)
	}
	return fact, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// mutate runs fn inside an optimistic transaction on the session hash and
// retries when a concurrent writer wins. Errors returned by fn are passed
// through untouched.
func (s *RedisStore) mutate(ctx context.Context, key Key, withTurns bool, fn func(sess *Session, p redis.Pipeliner) error) error {
	skey := s.sessionKey(key)
	var fnErr error
	txf := func(tx *redis.Tx) error {
		fnErr = nil
		sess, err := s.readSession(ctx, tx, key, withTurns)
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := fn(sess, p); err != nil {
				fnErr = err
				return err
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, skey)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return unavailable("session transaction", err)
	}
	return unavailable("session transaction", fmt.Errorf("gave up after %d conflicting attempts", redisTxRetries))
}

func (s *RedisStore) queueAppend(ctx context.Context, p redis.Pipeliner, key Key, now time.Time, state map[string]any, turns ...Turn) error {
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values = append(values, string(raw))
	}
	p.RPush(ctx, s.turnsKey(key), values...)
	fields := []any{
		"last_seq", turns[len(turns)-1].Seq,
		"last_accessed_at", formatTime(now),
	}
	if state != nil {
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode session state: %w", err)
		}
		fields = append(fields, "state", string(raw))
	}
	p.HSet(ctx, s.sessionKey(key), fields...)
	return nil
}

type redisReader interface {
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func (s *RedisStore) readSession(ctx context.Context, c redisReader, key Key, withTurns bool) (*Session, error) {
	fields, err := c.HGetAll(ctx, s.sessionKey(key)).Result()
	if err != nil {
		return nil, unavailable("read session", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	sess := &Session{ID: key.SessionID, UserID: key.UserID, State: map[string]any{}}
	sess.CreatedAt = parseTime(fields["created_at"])
	sess.LastAccessedAt = parseTime(fields["last_accessed_at"])
	sess.LastSeq, _ = strconv.ParseInt(fields["last_seq"], 10, 64)
	if raw := fields["state"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.State); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}
	if text, ok := fields["summary"]; ok {
		cutover, _ := strconv.ParseInt(fields["summary_cutover"], 10, 64)
		sess.Summary = &Summary{Text: text, CutoverSeq: cutover, CreatedAt: parseTime(fields["summary_created_at"])}
	}
	if withTurns {
		raw, err := c.LRange(ctx, s.turnsKey(key), 0, -1).Result()
		if err != nil {
			return nil, unavailable("read turns", err)
		}
		if sess.Turns, err = decodeTurns(raw); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func decodeTurns(raw []string) ([]Turn, error) {
	turns := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
