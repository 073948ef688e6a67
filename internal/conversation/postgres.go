package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions, turns and memory facts in PostgreSQL.
// Writes to a session run in a transaction holding that session's row lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state JSONB NOT NULL DEFAULT '{}'::jsonb,
			last_seq BIGINT NOT NULL DEFAULT 0,
			summary TEXT NULL,
			summary_cutover BIGINT NOT NULL DEFAULT 0,
			summary_created_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, session_id, seq),
			FOREIGN KEY (user_id, session_id) REFERENCES conversation_sessions (user_id, session_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact_text TEXT NOT NULL,
			source_session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_facts_user_created ON memory_facts (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_sessions (user_id, session_id, created_at, last_accessed_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id, session_id) DO UPDATE SET last_accessed_at = EXCLUDED.last_accessed_at`,
		key.UserID, key.SessionID, now,
	)
	if err != nil {
		return nil, unavailable("create session", err)
	}
	return s.header(ctx, key)
}

func (s *PostgresStore) header(ctx context.Context, key Key) (*Session, error) {
	var sess *Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		sess, err = loadSession(ctx, tx, key, false)
		return err
	})
	if err != nil {
		return nil, classify("get session", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Session, error) {
	var sess *Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		sess, err = loadSession(ctx, tx, key, false)
		if err != nil {
			return err
		}
		sess.Turns, err = loadTurns(ctx, tx, key, sess.summaryCutover(), 0)
		return err
	})
	if err != nil {
		return nil, classify("get session", err)
	}
	return sess, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, key Key, role Role, text string) (Turn, error) {
	var out Turn
	err := s.withSession(ctx, key, func(tx pgx.Tx, sess *Session) error {
		now := time.Now().UTC()
		out = Turn{Seq: sess.LastSeq + 1, Role: role, Text: text, CreatedAt: now}
		if err := insertTurns(ctx, tx, key, out); err != nil {
			return err
		}
		return touchSession(ctx, tx, key, out.Seq, nil, now)
	})
	return out, err
}

func (s *PostgresStore) AppendExchange(ctx context.Context, key Key, userText, assistantText string, stateOverlay map[string]any) ([2]Turn, error) {
	var out [2]Turn
	err := s.withSession(ctx, key, func(tx pgx.Tx, sess *Session) error {
		now := time.Now().UTC()
		out[0] = Turn{Seq: sess.LastSeq + 1, Role: RoleUser, Text: userText, CreatedAt: now}
		out[1] = Turn{Seq: sess.LastSeq + 2, Role: RoleAssistant, Text: assistantText, CreatedAt: now}
		if err := insertTurns(ctx, tx, key, out[0], out[1]); err != nil {
			return err
		}
		var state map[string]any
		if len(stateOverlay) > 0 {
			state = MergeState(sess.State, stateOverlay)
		}
		return touchSession(ctx, tx, key, out[1].Seq, state, now)
	})
	return out, err
}

func (s *PostgresStore) HistoryWindow(ctx context.Context, key Key, maxTurns int) ([]Turn, error) {
	if maxTurns <= 0 {
		if _, err := s.header(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var out []Turn
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := loadSession(ctx, tx, key, false)
		if err != nil {
			return err
		}
		out, err = loadTurns(ctx, tx, key, sess.summaryCutover(), maxTurns)
		return err
	})
	if err != nil {
		return nil, classify("history window", err)
	}
	return out, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, key Key, text string, cutoverSeq int64) error {
	return s.withSession(ctx, key, func(tx pgx.Tx, sess *Session) error {
		if err := checkSummary(text, cutoverSeq, sess.LastSeq, sess.Summary); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM conversation_turns WHERE user_id=$1 AND session_id=$2 AND seq <= $3`,
			key.UserID, key.SessionID, cutoverSeq,
		); err != nil {
			return unavailable("delete summarized turns", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversation_sessions SET summary=$3, summary_cutover=$4, summary_created_at=$5
			 WHERE user_id=$1 AND session_id=$2`,
			key.UserID, key.SessionID, text, cutoverSeq, time.Now().UTC(),
		); err != nil {
			return unavailable("store summary", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateState(ctx context.Context, key Key, fn func(state map[string]any) error) error {
	return s.withSession(ctx, key, func(tx pgx.Tx, sess *Session) error {
		next := CloneState(sess.State)
		if err := fn(next); err != nil {
			return err
		}
		return touchSession(ctx, tx, key, sess.LastSeq, next, time.Now().UTC())
	})
}

func (s *PostgresStore) MemoriesFor(ctx context.Context, userID string) ([]MemoryFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, fact_text, source_session_id, created_at
		 FROM memory_facts WHERE user_id=$1 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, unavailable("query memory facts", err)
	}
	defer rows.Close()

	var facts []MemoryFact
	for rows.Next() {
		var f MemoryFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.SourceSessionID, &f.CreatedAt); err != nil {
			return nil, unavailable("scan memory fact", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate memory facts", err)
	}
	return facts, nil
}

func (s *PostgresStore) AddMemory(ctx context.Context, userID string, fact MemoryFact) (MemoryFact, error) {
	fact = normalizeFact(userID, fact, time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_facts (id, user_id, fact_text, source_session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		fact.ID, fact.UserID, fact.Text, fact.SourceSessionID, fact.CreatedAt,
	)
	if err != nil {
		return MemoryFact{}, unavailable("add memory fact", err)
	}
	return fact, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// withSession runs fn in a transaction holding the session's row lock.
func (s *PostgresStore) withSession(ctx context.Context, key Key, fn func(tx pgx.Tx, sess *Session) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := loadSession(ctx, tx, key, true)
	if err != nil {
		return err
	}
	if err := fn(tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func loadSession(ctx context.Context, tx pgx.Tx, key Key, forUpdate bool) (*Session, error) {
	q := `SELECT state, last_seq, summary, summary_cutover, summary_created_at, created_at, last_accessed_at
		 FROM conversation_sessions WHERE user_id=$1 AND session_id=$2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var (
		rawState         []byte
		summary          *string
		summaryCutover   int64
		summaryCreatedAt *time.Time
	)
	sess := &Session{ID: key.SessionID, UserID: key.UserID}
	err := tx.QueryRow(ctx, q, key.UserID, key.SessionID).Scan(
		&rawState, &sess.LastSeq, &summary, &summaryCutover, &summaryCreatedAt, &sess.CreatedAt, &sess.LastAccessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load session", err)
	}
	sess.State = map[string]any{}
	if len(rawState) > 0 {
		if err := json.Unmarshal(rawState, &sess.State); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}
	if summary != nil {
		sess.Summary = &Summary{Text: *summary, CutoverSeq: summaryCutover}
		if summaryCreatedAt != nil {
			sess.Summary.CreatedAt = *summaryCreatedAt
		}
	}
	return sess, nil
}

// loadTurns returns unsummarized turns; limit > 0 keeps only the newest.
func loadTurns(ctx context.Context, tx pgx.Tx, key Key, after int64, limit int) ([]Turn, error) {
	q := `SELECT seq, role, text, created_at FROM conversation_turns
		 WHERE user_id=$1 AND session_id=$2 AND seq > $3 ORDER BY seq DESC`
	args := []any{key.UserID, key.SessionID, after}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("query turns", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.Seq, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, unavailable("scan turn", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate turns", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func insertTurns(ctx context.Context, tx pgx.Tx, key Key, turns ...Turn) error {
	batch := &pgx.Batch{}
	for _, t := range turns {
		batch.Queue(
			`INSERT INTO conversation_turns (user_id, session_id, seq, role, text, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			key.UserID, key.SessionID, t.Seq, string(t.Role), t.Text, t.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("insert turns", err)
	}
	return nil
}

// touchSession advances last_seq and, when state is non-nil, replaces it.
func touchSession(ctx context.Context, tx pgx.Tx, key Key, lastSeq int64, state map[string]any, now time.Time) error {
	var err error
	if state == nil {
		_, err = tx.Exec(ctx,
			`UPDATE conversation_sessions SET last_seq=$3, last_accessed_at=$4 WHERE user_id=$1 AND session_id=$2`,
			key.UserID, key.SessionID, lastSeq, now,
		)
	} else {
		raw, mErr := json.Marshal(state)
		if mErr != nil {
			return fmt.Errorf("encode session state: %w", mErr)
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversation_sessions SET last_seq=$3, last_accessed_at=$4, state=$5::jsonb WHERE user_id=$1 AND session_id=$2`,
			key.UserID, key.SessionID, lastSeq, now, string(raw),
		)
	}
	if err != nil {
		return unavailable("update session", err)
	}
	return nil
}

// classify leaves store-level errors intact and marks driver errors as
// unavailability.
func classify(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return unavailable(op, err)
}

func (s *Session) summaryCutover() int64 {
	if s.Summary == nil {
		return 0
	}
	return s.Summary.CutoverSeq
}
