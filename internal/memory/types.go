// Package memory implements the conversational memory lifecycle for a
// companion instance: a bounded short-term window of recent turns, overflow
// compaction of aging turns into running summaries, retrieval of relevant
// historical material for prompt construction, and once-per-session evolution
// of the persona and user-profile artifacts.
//
// The package owns policy only. Persistence, embeddings, reranking and LLM
// completions are collaborators passed in at construction.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusOpen    SessionStatus = "open"
	StatusClosing SessionStatus = "closing"
	StatusClosed  SessionStatus = "closed"
)

var (
	// ErrInvalidCount is returned by window operations given a negative or
	// out-of-range count.
	ErrInvalidCount = errors.New("memory: invalid message count")

	// ErrSessionClosed is returned when a turn is added to a session that
	// no longer accepts ingress.
	ErrSessionClosed = errors.New("memory: session closed")

	// ErrNoSession is returned when an operation requires an open session
	// and none exists.
	ErrNoSession = errors.New("memory: no open session")
)

// TurnRecord is a persisted conversational turn. Text holds the stored
// representation (see Manager ingress for the stored-vs-embedding split).
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SummaryRecord is a persisted running summary. Seq is monotonic per session.
// Summaries are never mutated; a later compaction produces a new record that
// supersedes the previous one in the window's ring.
type SummaryRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is a persisted session.
type SessionRecord struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
}

// HitKind distinguishes vector-search result sources.
type HitKind string

const (
	HitSummary      HitKind = "summary"
	HitConversation HitKind = "conversation"
)

// SearchHit is a ranked vector-search candidate.
type SearchHit struct {
	ID        string    `json:"id"`
	Kind      HitKind   `json:"kind"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence collaborator. Implementations must serialize
// writes addressed to the same session so that InsertSummary remains atomic
// with respect to concurrent folds.
type Store interface {
	InsertTurn(ctx context.Context, sessionID string, role Role, text string, embedding []float32, at time.Time) (TurnRecord, error)
	UnsummarizedTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)

	// InsertSummary durably records a summary and marks the covered turns
	// summarized in one logical step. Either everything is recorded or
	// nothing is.
	InsertSummary(ctx context.Context, sessionID, text string, embedding []float32, coveredTurnIDs []string) (SummaryRecord, error)
	Summaries(ctx context.Context, sessionID string) ([]SummaryRecord, error)

	VectorSearch(ctx context.Context, embedding []float32, limit int) ([]SearchHit, error)

	// ActiveSession returns the open session, or (nil, nil) when none exists.
	ActiveSession(ctx context.Context) (*SessionRecord, error)
	CreateSession(ctx context.Context) (SessionRecord, error)
	CloseSession(ctx context.Context, sessionID string) error

	Persona(ctx context.Context, personaID string) (string, error)
	SetPersona(ctx context.Context, personaID, text string) error
	Profile(ctx context.Context, userID string) (string, error)
	SetProfile(ctx context.Context, userID, text string) error

	Close() error
}

// Embedder converts text into a fixed-dimension vector. Every text handed to
// an Embedder by this package has already passed through StripAnnotations.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Summarizer folds rendered turns into an updated running summary.
// prior is the latest summary text, or "" for the first fold of a session.
type Summarizer interface {
	Summarize(ctx context.Context, prior, transcript string) (string, error)
}

// PersonaUpdater evolves the two long-lived text artifacts from a session's
// final summary.
type PersonaUpdater interface {
	EvolvePersona(ctx context.Context, current, sessionSummary string) (string, error)
	EvolveProfile(ctx context.Context, current, sessionSummary string) (string, error)
}

// Reranker reorders vector-search candidates against the raw query text.
// Implementations must neither add nor drop candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []SearchHit) ([]SearchHit, error)
}

// RenderTranscript flattens turns into the "role: text" form handed to the
// summarizer.
func RenderTranscript(turns []TurnRecord) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

// Config bounds the memory lifecycle for one session.
type Config struct {
	// TriggerThreshold is the unsummarized turn count that forces a fold.
	TriggerThreshold int
	// KeepMin is the number of turns retained in the live window after a
	// fold. Must be strictly less than TriggerThreshold.
	KeepMin int
	// MaxSummaries bounds the resident summary ring.
	MaxSummaries int
	// RetrievalTopK is the number of historical candidates surfaced per
	// prompt.
	RetrievalTopK int
	// RetrievalOverscan is how many candidates are requested from the
	// store to survive dedup filtering. Zero means 3x TopK.
	RetrievalOverscan int
	// VerboseAssistantText persists assistant turns verbatim, annotations
	// included. Embedding input is sanitized regardless.
	VerboseAssistantText bool

	PersonaID string
	UserID    string
}

// Validate rejects configurations that would make compaction impossible.
// A KeepMin at or above the trigger threshold would yield folds of zero or
// negative size, so it is fatal at construction time rather than discovered
// mid-compaction.
func (c Config) Validate() error {
	if c.TriggerThreshold <= 0 {
		return fmt.Errorf("memory: trigger threshold must be positive, got %d", c.TriggerThreshold)
	}
	if c.KeepMin < 0 {
		return fmt.Errorf("memory: keep-min must not be negative, got %d", c.KeepMin)
	}
	if c.KeepMin >= c.TriggerThreshold {
		return fmt.Errorf("memory: keep-min (%d) must be less than trigger threshold (%d)", c.KeepMin, c.TriggerThreshold)
	}
	if c.MaxSummaries <= 0 {
		return fmt.Errorf("memory: max summaries must be positive, got %d", c.MaxSummaries)
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("memory: retrieval top-k must be positive, got %d", c.RetrievalTopK)
	}
	return nil
}

func (c Config) overscan() int {
	if c.RetrievalOverscan > 0 {
		return c.RetrievalOverscan
	}
	return 3 * c.RetrievalTopK
}
