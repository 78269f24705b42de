package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// PostgresStore persists turns, summaries, sessions and the persona/profile
// artifacts in PostgreSQL, with pgvector powering similarity search.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ memory.Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			summarized BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, seq)
		);`, dim),
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns (session_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session_seq ON summaries (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertTurn(ctx context.Context, sessionID string, role memory.Role, text string, embedding []float32, at time.Time) (memory.TurnRecord, error) {
	rec := memory.TurnRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: at.UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, session_id, role, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5::vector, $6)`,
		rec.ID, rec.SessionID, string(rec.Role), rec.Text, vecLiteral(embedding), rec.CreatedAt,
	)
	if err != nil {
		return memory.TurnRecord{}, fmt.Errorf("insert turn for session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (s *PostgresStore) UnsummarizedTurns(ctx context.Context, sessionID string) ([]memory.TurnRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM turns WHERE session_id=$1 AND NOT summarized ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unsummarized turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []memory.TurnRecord
	for rows.Next() {
		var r memory.TurnRecord
		var role string
		if err := rows.Scan(&r.ID, &r.SessionID, &role, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Role = memory.Role(role)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

// InsertSummary records the summary and marks covered turns in a single
// transaction, which carries the fold's atomicity contract and serializes
// concurrent folds for the same session via the seq uniqueness constraint.
func (s *PostgresStore) InsertSummary(ctx context.Context, sessionID, text string, embedding []float32, coveredTurnIDs []string) (memory.SummaryRecord, error) {
	rec := memory.SummaryRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.SummaryRecord{}, fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM summaries WHERE session_id=$1`,
		sessionID,
	).Scan(&rec.Seq); err != nil {
		return memory.SummaryRecord{}, fmt.Errorf("next summary seq for session %s: %w", sessionID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO summaries (id, session_id, seq, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5::vector, $6)`,
		rec.ID, rec.SessionID, rec.Seq, rec.Text, vecLiteral(embedding), rec.CreatedAt,
	); err != nil {
		return memory.SummaryRecord{}, fmt.Errorf("insert summary for session %s: %w", sessionID, err)
	}

	if len(coveredTurnIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE turns SET summarized=TRUE WHERE id = ANY($1)`,
			coveredTurnIDs,
		); err != nil {
			return memory.SummaryRecord{}, fmt.Errorf("mark turns summarized: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return memory.SummaryRecord{}, fmt.Errorf("commit summary for session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (s *PostgresStore) Summaries(ctx context.Context, sessionID string) ([]memory.SummaryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, content, created_at
		 FROM summaries WHERE session_id=$1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query summaries for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []memory.SummaryRecord
	for rows.Next() {
		var r memory.SummaryRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) VectorSearch(ctx context.Context, embedding []float32, limit int) ([]memory.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, content, created_at, score FROM (
			SELECT id, 'summary' AS kind, content, created_at,
			       1 - (embedding <=> $1::vector) AS score
			FROM summaries WHERE embedding IS NOT NULL
			UNION ALL
			SELECT id, 'conversation' AS kind, content, created_at,
			       1 - (embedding <=> $1::vector) AS score
			FROM turns WHERE embedding IS NOT NULL
		) candidates
		ORDER BY score DESC, created_at DESC LIMIT $2`,
		vecLiteral(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []memory.SearchHit
	for rows.Next() {
		var h memory.SearchHit
		var kind string
		if err := rows.Scan(&h.ID, &kind, &h.Text, &h.CreatedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		h.Kind = memory.HitKind(kind)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ActiveSession(ctx context.Context) (*memory.SessionRecord, error) {
	var rec memory.SessionRecord
	var status string
	var ended *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, started_at, ended_at FROM sessions
		 WHERE status='open' ORDER BY started_at DESC LIMIT 1`,
	).Scan(&rec.ID, &status, &rec.StartedAt, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	rec.Status = memory.SessionStatus(status)
	if ended != nil {
		rec.EndedAt = *ended
	}
	return &rec, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context) (memory.SessionRecord, error) {
	rec := memory.SessionRecord{
		ID:        uuid.NewString(),
		Status:    memory.StatusOpen,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, status, started_at) VALUES ($1, $2, $3)`,
		rec.ID, string(rec.Status), rec.StartedAt,
	)
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status='closed', ended_at=now() WHERE id=$1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close session %s: not found", sessionID)
	}
	return nil
}

func (s *PostgresStore) Persona(ctx context.Context, personaID string) (string, error) {
	return s.artifact(ctx, "personas", personaID)
}

func (s *PostgresStore) SetPersona(ctx context.Context, personaID, text string) error {
	return s.setArtifact(ctx, "personas", personaID, text)
}

func (s *PostgresStore) Profile(ctx context.Context, userID string) (string, error) {
	return s.artifact(ctx, "profiles", userID)
}

func (s *PostgresStore) SetProfile(ctx context.Context, userID, text string) error {
	return s.setArtifact(ctx, "profiles", userID, text)
}

func (s *PostgresStore) artifact(ctx context.Context, table, id string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT content FROM %s WHERE id=$1`, table), id,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query %s %s: %w", table, id, err)
	}
	return content, nil
}

func (s *PostgresStore) setArtifact(ctx context.Context, table, id, text string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, content, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET content=EXCLUDED.content, updated_at=now()`, table),
		id, text,
	)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vecLiteral renders an embedding in pgvector's input syntax.
func vecLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
