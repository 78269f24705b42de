package companion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/mnemosyne/internal/llm"
	"github.com/antoniostano/mnemosyne/internal/memory"
	"github.com/antoniostano/mnemosyne/internal/store"
)

type cannedClient struct {
	reply string
	calls int
}

func (c *cannedClient) Complete(ctx context.Context, system, user string) (string, error) {
	c.calls++
	return c.reply, nil
}

func newTestHub(t *testing.T, client llm.Client, inactivity time.Duration) (*Hub, memory.Store) {
	t.Helper()

	st, err := store.NewEmbeddedStore(store.EmbeddedOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewEmbeddedStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := memory.Config{
		TriggerThreshold: 6,
		KeepMin:          3,
		MaxSummaries:     2,
		RetrievalTopK:    3,
		PersonaID:        "companion",
		UserID:           "user-1",
	}
	mem, err := memory.NewManager(cfg, st, llm.NewMockEmbedder(8), llm.NewSummarizer(client), llm.NewArtifactUpdater(client), llm.KeywordReranker{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewHub(mem, client, nil, inactivity), st
}

func TestHandleUserMessageSanitizesReply(t *testing.T) {
	client := &cannedClient{reply: "<think>internal reasoning</think>glad you asked!"}
	hub, st := newTestHub(t, client, time.Hour)
	ctx := context.Background()

	reply, err := hub.HandleUserMessage(ctx, "hi there")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if reply.Text != "glad you asked!" {
		t.Fatalf("reply = %q, want sanitized text", reply.Text)
	}
	if reply.SessionID == "" {
		t.Fatal("reply missing session id")
	}
	if !hub.SessionActive() {
		t.Fatal("session should be open after first message")
	}

	turns, err := st.UnsummarizedTurns(ctx, reply.SessionID)
	if err != nil {
		t.Fatalf("UnsummarizedTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d stored turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Text != "hi there" {
		t.Fatalf("user turn stored as %+v", turns[0])
	}
	if strings.Contains(turns[1].Text, "<think>") {
		t.Fatalf("assistant turn stored with markup: %q", turns[1].Text)
	}
}

func TestCloseSessionEvolvesPersona(t *testing.T) {
	client := &cannedClient{reply: "a warm, attentive companion"}
	hub, st := newTestHub(t, client, time.Hour)
	ctx := context.Background()

	if _, err := hub.HandleUserMessage(ctx, "I started pottery classes"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if err := hub.CloseSession(ctx); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if hub.SessionActive() {
		t.Fatal("session still active after close")
	}

	persona, err := st.Persona(ctx, "companion")
	if err != nil {
		t.Fatalf("Persona: %v", err)
	}
	if persona == "" {
		t.Fatal("persona not evolved on close")
	}
	profile, err := st.Profile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile == "" {
		t.Fatal("profile not evolved on close")
	}

	if err := hub.CloseSession(ctx); err != ErrNoOpenSession {
		t.Fatalf("second close = %v, want ErrNoOpenSession", err)
	}
}

func TestNextSessionStartsFresh(t *testing.T) {
	client := &cannedClient{reply: "hello again"}
	hub, _ := newTestHub(t, client, time.Hour)
	ctx := context.Background()

	first, err := hub.HandleUserMessage(ctx, "first session message")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if err := hub.CloseSession(ctx); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	second, err := hub.HandleUserMessage(ctx, "second session message")
	if err != nil {
		t.Fatalf("HandleUserMessage after close: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("closed session was reused")
	}
}

func TestJanitorExpiresIdleSession(t *testing.T) {
	client := &cannedClient{reply: "talk soon"}
	hub, _ := newTestHub(t, client, time.Millisecond)
	ctx := context.Background()

	if _, err := hub.HandleUserMessage(ctx, "heading out"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	hub.expireIfIdle(ctx)

	if hub.SessionActive() {
		t.Fatal("idle session was not expired")
	}
}

func TestRecallWithoutIngress(t *testing.T) {
	client := &cannedClient{reply: "noted"}
	hub, st := newTestHub(t, client, time.Hour)
	ctx := context.Background()

	if _, err := hub.HandleUserMessage(ctx, "remember the lake house"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	session := hub.mem.Session()

	before, err := st.UnsummarizedTurns(ctx, session.ID)
	if err != nil {
		t.Fatalf("UnsummarizedTurns: %v", err)
	}

	if _, err := hub.Recall(ctx, "lake house"); err != nil {
		t.Fatalf("Recall: %v", err)
	}

	after, err := st.UnsummarizedTurns(ctx, session.ID)
	if err != nil {
		t.Fatalf("UnsummarizedTurns: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("Recall ingested turns: %d -> %d", len(before), len(after))
	}
}
