package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeStore is an in-memory Store test double that records calls.
type fakeStore struct {
	turns     []TurnRecord
	summaries []SummaryRecord
	session   *SessionRecord
	persona   map[string]string
	profile   map[string]string
	hits      []SearchHit

	nextID         int
	failSummary    error
	summaryInserts int
	lastCovered    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		persona: make(map[string]string),
		profile: make(map[string]string),
	}
}

func (s *fakeStore) id() string {
	s.nextID++
	return fmt.Sprintf("id-%d", s.nextID)
}

func (s *fakeStore) InsertTurn(_ context.Context, sessionID string, role Role, text string, _ []float32, at time.Time) (TurnRecord, error) {
	rec := TurnRecord{ID: s.id(), SessionID: sessionID, Role: role, Text: text, CreatedAt: at}
	s.turns = append(s.turns, rec)
	return rec, nil
}

func (s *fakeStore) UnsummarizedTurns(_ context.Context, sessionID string) ([]TurnRecord, error) {
	var out []TurnRecord
	for _, t := range s.turns {
		if t.SessionID == sessionID && !s.covered(t.ID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) covered(id string) bool {
	for _, c := range s.lastCovered {
		if c == id {
			return true
		}
	}
	return false
}

func (s *fakeStore) InsertSummary(_ context.Context, sessionID, text string, _ []float32, coveredTurnIDs []string) (SummaryRecord, error) {
	if s.failSummary != nil {
		return SummaryRecord{}, s.failSummary
	}
	s.summaryInserts++
	s.lastCovered = append(s.lastCovered, coveredTurnIDs...)
	rec := SummaryRecord{ID: s.id(), SessionID: sessionID, Seq: int64(len(s.summaries) + 1), Text: text, CreatedAt: time.Now().UTC()}
	s.summaries = append(s.summaries, rec)
	return rec, nil
}

func (s *fakeStore) Summaries(_ context.Context, sessionID string) ([]SummaryRecord, error) {
	var out []SummaryRecord
	for _, sum := range s.summaries {
		if sum.SessionID == sessionID {
			out = append(out, sum)
		}
	}
	return out, nil
}

func (s *fakeStore) VectorSearch(_ context.Context, _ []float32, limit int) ([]SearchHit, error) {
	if limit > len(s.hits) {
		limit = len(s.hits)
	}
	out := make([]SearchHit, limit)
	copy(out, s.hits[:limit])
	return out, nil
}

func (s *fakeStore) ActiveSession(_ context.Context) (*SessionRecord, error) {
	if s.session == nil || s.session.Status != StatusOpen {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

func (s *fakeStore) CreateSession(_ context.Context) (SessionRecord, error) {
	rec := SessionRecord{ID: s.id(), Status: StatusOpen, StartedAt: time.Now().UTC()}
	s.session = &rec
	return rec, nil
}

func (s *fakeStore) CloseSession(_ context.Context, sessionID string) error {
	if s.session == nil || s.session.ID != sessionID {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.session.Status = StatusClosed
	return nil
}

func (s *fakeStore) Persona(_ context.Context, id string) (string, error)  { return s.persona[id], nil }
func (s *fakeStore) SetPersona(_ context.Context, id, text string) error  { s.persona[id] = text; return nil }
func (s *fakeStore) Profile(_ context.Context, id string) (string, error) { return s.profile[id], nil }
func (s *fakeStore) SetProfile(_ context.Context, id, text string) error  { s.profile[id] = text; return nil }
func (s *fakeStore) Close() error                                         { return nil }

// fakeEmbedder records every input it receives.
type fakeEmbedder struct {
	inputs []string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.inputs = append(e.inputs, text)
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) Dimension() int { return 3 }

// fakeSummarizer produces deterministic summaries and records its inputs.
type fakeSummarizer struct {
	calls  int
	priors []string
	err    error
}

func (s *fakeSummarizer) Summarize(_ context.Context, prior, transcript string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.calls++
	s.priors = append(s.priors, prior)
	return fmt.Sprintf("summary-%d over %d chars", s.calls, len(transcript)), nil
}

type fakePersonas struct {
	personaErr error
	profileErr error
}

func (p *fakePersonas) EvolvePersona(_ context.Context, current, summary string) (string, error) {
	if p.personaErr != nil {
		return "", p.personaErr
	}
	return current + "|P:" + summary, nil
}

func (p *fakePersonas) EvolveProfile(_ context.Context, current, summary string) (string, error) {
	if p.profileErr != nil {
		return "", p.profileErr
	}
	return current + "|U:" + summary, nil
}

func testConfig() Config {
	return Config{
		TriggerThreshold: 24,
		KeepMin:          12,
		MaxSummaries:     3,
		RetrievalTopK:    5,
		PersonaID:        "companion",
		UserID:           "u1",
	}
}

func openManager(t *testing.T, cfg Config, store *fakeStore, emb *fakeEmbedder, sum *fakeSummarizer, per *fakePersonas) *Manager {
	t.Helper()
	m, err := NewManager(cfg, store, emb, sum, per, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return m
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.KeepMin = cfg.TriggerThreshold
	if _, err := NewManager(cfg, newFakeStore(), &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{}, nil); err == nil {
		t.Fatalf("NewManager() should reject keep-min >= trigger threshold")
	}
}

func TestIngressCountsWithoutCompaction(t *testing.T) {
	store := newFakeStore()
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := m.AddUserMessage(ctx, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("AddUserMessage() error = %v", err)
		}
	}
	if got := m.Window().TotalMessageCount(); got != 10 {
		t.Fatalf("window count = %d, want 10", got)
	}
	if store.summaryInserts != 0 {
		t.Fatalf("no compaction expected, got %d summaries", store.summaryInserts)
	}
}

func TestIngressEmbeddingAlwaysSanitized(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	cfg := testConfig()
	cfg.VerboseAssistantText = true
	m := openManager(t, cfg, store, emb, &fakeSummarizer{}, &fakePersonas{})

	ctx := context.Background()
	raw := "Hi <think>secret plan</think> there"
	if err := m.AddAssistantMessage(ctx, raw); err != nil {
		t.Fatalf("AddAssistantMessage() error = %v", err)
	}

	last := emb.inputs[len(emb.inputs)-1]
	if strings.Contains(last, "<think>") || strings.Contains(last, "secret") {
		t.Fatalf("embedding input contains annotation markup: %q", last)
	}
	// Verbose mode stores the raw text byte-identically.
	if store.turns[len(store.turns)-1].Text != raw {
		t.Fatalf("verbose stored text = %q, want raw input", store.turns[len(store.turns)-1].Text)
	}
}

func TestAssistantStoredTextSanitizedByDefault(t *testing.T) {
	store := newFakeStore()
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})

	if err := m.AddAssistantMessage(context.Background(), "Hi <think>hidden</think> there"); err != nil {
		t.Fatalf("AddAssistantMessage() error = %v", err)
	}
	stored := store.turns[len(store.turns)-1].Text
	if strings.Contains(stored, "hidden") || strings.Contains(stored, "<think>") {
		t.Fatalf("stored assistant text not sanitized: %q", stored)
	}
}

func TestUserStoredTextIsIdentity(t *testing.T) {
	store := newFakeStore()
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})

	raw := "look: <think>not really hidden</think>"
	if err := m.AddUserMessage(context.Background(), raw); err != nil {
		t.Fatalf("AddUserMessage() error = %v", err)
	}
	if store.turns[0].Text != raw {
		t.Fatalf("user stored text = %q, want raw input", store.turns[0].Text)
	}
}

func TestCompactionEndToEnd(t *testing.T) {
	store := newFakeStore()
	sum := &fakeSummarizer{}
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, sum, &fakePersonas{})

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		var err error
		if i%2 == 0 {
			err = m.AddUserMessage(ctx, fmt.Sprintf("user %d", i))
		} else {
			err = m.AddAssistantMessage(ctx, fmt.Sprintf("assistant %d", i))
		}
		if err != nil {
			t.Fatalf("ingress %d error = %v", i, err)
		}
	}

	// 24th turn trips the threshold: fold 24-12=12, leaving 12; the 25th
	// then sits at 13, below threshold.
	if store.summaryInserts != 1 {
		t.Fatalf("summary inserts = %d, want exactly 1", store.summaryInserts)
	}
	if got := m.Window().TotalMessageCount(); got != 13 {
		t.Fatalf("window count after 25 ingresses = %d, want 13", got)
	}
	if got := len(m.Window().RecentSummaries()); got != 1 {
		t.Fatalf("ring size = %d, want 1", got)
	}
	if sum.priors[0] != "" {
		t.Fatalf("first fold prior = %q, want empty", sum.priors[0])
	}
	if len(store.lastCovered) != 12 {
		t.Fatalf("covered turn ids = %d, want 12", len(store.lastCovered))
	}
}

func TestCompactionIdempotentBelowThreshold(t *testing.T) {
	store := newFakeStore()
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})

	ctx := context.Background()
	for i := 0; i < 23; i++ {
		if err := m.AddUserMessage(ctx, fmt.Sprintf("m %d", i)); err != nil {
			t.Fatalf("ingress error = %v", err)
		}
	}
	if store.summaryInserts != 0 {
		t.Fatalf("below threshold produced %d summaries", store.summaryInserts)
	}
	if m.Window().TotalMessageCount() != 23 {
		t.Fatalf("window count = %d, want 23", m.Window().TotalMessageCount())
	}
}

func TestCompactionAtomicOnPersistFailure(t *testing.T) {
	store := newFakeStore()
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})

	ctx := context.Background()
	for i := 0; i < 23; i++ {
		if err := m.AddUserMessage(ctx, fmt.Sprintf("m %d", i)); err != nil {
			t.Fatalf("ingress error = %v", err)
		}
	}

	storeErr := errors.New("summary write refused")
	store.failSummary = storeErr
	err := m.AddUserMessage(ctx, "m 23")
	if err == nil || !errors.Is(err, storeErr) {
		t.Fatalf("ingress error = %v, want wrapped store failure", err)
	}

	// Window untrimmed, no summary resident; the failed fold left no trace.
	if got := m.Window().TotalMessageCount(); got != 24 {
		t.Fatalf("window count after failed fold = %d, want 24", got)
	}
	if got := len(m.Window().RecentSummaries()); got != 0 {
		t.Fatalf("ring size after failed fold = %d, want 0", got)
	}

	// Retry re-selects the identical oldest-turn set and succeeds once.
	store.failSummary = nil
	before := m.Window().Messages()[0].ID
	if err := m.AddUserMessage(ctx, "m 24"); err != nil {
		t.Fatalf("retry ingress error = %v", err)
	}
	if store.summaryInserts != 1 {
		t.Fatalf("summary inserts after retry = %d, want 1", store.summaryInserts)
	}
	if store.lastCovered[0] != before {
		t.Fatalf("retry folded from %s, want identical oldest turn %s", store.lastCovered[0], before)
	}
}

func TestCloseForcedFoldAndEvolution(t *testing.T) {
	store := newFakeStore()
	sum := &fakeSummarizer{}
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, sum, &fakePersonas{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.AddUserMessage(ctx, fmt.Sprintf("m %d", i)); err != nil {
			t.Fatalf("ingress error = %v", err)
		}
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if store.summaryInserts != 1 {
		t.Fatalf("forced fold inserts = %d, want 1", store.summaryInserts)
	}
	if m.Session().Status != StatusClosed {
		t.Fatalf("session status = %s, want closed", m.Session().Status)
	}
	if store.session.Status != StatusClosed {
		t.Fatalf("store session status = %s, want closed", store.session.Status)
	}
	if !strings.Contains(store.persona["companion"], "P:summary-1") {
		t.Fatalf("persona not evolved from final summary: %q", store.persona["companion"])
	}
	if !strings.Contains(store.profile["u1"], "U:summary-1") {
		t.Fatalf("profile not evolved from final summary: %q", store.profile["u1"])
	}
	if err := m.AddUserMessage(ctx, "too late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("ingress after close error = %v, want ErrSessionClosed", err)
	}
}

func TestCloseRetryDoesNotRefold(t *testing.T) {
	store := newFakeStore()
	per := &fakePersonas{profileErr: errors.New("profile model down")}
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, per)

	ctx := context.Background()
	if err := m.AddUserMessage(ctx, "only turn"); err != nil {
		t.Fatalf("ingress error = %v", err)
	}
	if err := m.Close(ctx); err == nil {
		t.Fatalf("Close() should fail while profile update fails")
	}
	if m.Session().Status != StatusOpen {
		t.Fatalf("failed close left status %s, want open for retry", m.Session().Status)
	}
	if store.summaryInserts != 1 {
		t.Fatalf("forced fold inserts = %d, want 1", store.summaryInserts)
	}

	per.profileErr = nil
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() retry error = %v", err)
	}
	// The durable forced summary is not re-created on retry.
	if store.summaryInserts != 1 {
		t.Fatalf("summary inserts after retry = %d, want still 1", store.summaryInserts)
	}
	if m.Session().Status != StatusClosed {
		t.Fatalf("session status = %s, want closed", m.Session().Status)
	}
}

func TestCloseWithEmptySessionSkipsEvolution(t *testing.T) {
	store := newFakeStore()
	m := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if store.summaryInserts != 0 {
		t.Fatalf("empty session produced %d summaries", store.summaryInserts)
	}
	if store.persona["companion"] != "" {
		t.Fatalf("persona evolved with no final summary: %q", store.persona["companion"])
	}
}

func TestOpenResumesActiveSession(t *testing.T) {
	store := newFakeStore()
	m1 := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m1.AddUserMessage(ctx, fmt.Sprintf("m %d", i)); err != nil {
			t.Fatalf("ingress error = %v", err)
		}
	}

	m2 := openManager(t, testConfig(), store, &fakeEmbedder{}, &fakeSummarizer{}, &fakePersonas{})
	if m2.Session().ID != m1.Session().ID {
		t.Fatalf("Open() created a new session instead of resuming")
	}
	if got := m2.Window().TotalMessageCount(); got != 3 {
		t.Fatalf("rebuilt window count = %d, want 3", got)
	}
}
