package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mnemosyne/internal/companion"
	"github.com/antoniostano/mnemosyne/internal/config"
	"github.com/antoniostano/mnemosyne/internal/llm"
	"github.com/antoniostano/mnemosyne/internal/memory"
	"github.com/antoniostano/mnemosyne/internal/observability"
	"github.com/antoniostano/mnemosyne/internal/protocol"
	"github.com/antoniostano/mnemosyne/internal/skills"
	"github.com/antoniostano/mnemosyne/internal/store"
)

// Prometheus instruments register globally, so the package shares one set.
var testMetrics = observability.NewMetrics("httpapi_test")

type cannedClient struct {
	reply string
}

func (c *cannedClient) Complete(ctx context.Context, system, user string) (string, error) {
	return c.reply, nil
}

func newTestServer(t *testing.T, reply string) *Server {
	t.Helper()

	st, err := store.NewEmbeddedStore(store.EmbeddedOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewEmbeddedStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := &cannedClient{reply: reply}
	memCfg := memory.Config{
		TriggerThreshold: 8,
		KeepMin:          4,
		MaxSummaries:     3,
		RetrievalTopK:    3,
		PersonaID:        "companion",
		UserID:           "user-1",
	}
	mem, err := memory.NewManager(memCfg, st, llm.NewMockEmbedder(8), llm.NewSummarizer(client), llm.NewArtifactUpdater(client), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	hub := companion.NewHub(mem, client, nil, time.Hour)

	registry := skills.NewRegistry()
	err = registry.Register(skills.NewRecallMemory(func(ctx context.Context, query string) ([]memory.SearchHit, error) {
		view, err := hub.Recall(ctx, query)
		if err != nil {
			return nil, err
		}
		return view.Recalled, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := config.Config{AllowAnyOrigin: true}
	return New(cfg, hub, registry, testMetrics)
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, "hi")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var ready struct {
		Status        string `json:"status"`
		SessionActive bool   `json:"session_active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if ready.Status != "ready" || ready.SessionActive {
		t.Fatalf("readyz = %+v", ready)
	}
}

func TestPostMessageReturnsSanitizedReply(t *testing.T) {
	srv := newTestServer(t, "<think>hmm</think>nice to hear from you")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := bytes.NewBufferString(`{"text":"hello"}`)
	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/messages: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var msg protocol.AssistantMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != protocol.TypeAssistantMessage {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.Text != "nice to hear from you" {
		t.Fatalf("text = %q, want sanitized reply", msg.Text)
	}
	if msg.SessionID == "" {
		t.Fatal("missing session id")
	}
}

func TestPostMessageRejectsEmptyText(t *testing.T) {
	srv := newTestServer(t, "hi")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", bytes.NewBufferString(`{"text":"  "}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t, "bye")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	var sess sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.SessionID == "" || sess.Status != "open" {
		t.Fatalf("session = %+v", sess)
	}

	resp, err = http.Post(ts.URL+"/v1/sessions/close", "application/json", nil)
	if err != nil {
		t.Fatalf("POST close: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/sessions/close", "application/json", nil)
	if err != nil {
		t.Fatalf("POST second close: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second close status = %d, want 409", resp.StatusCode)
	}
}

func TestQueryMemoryRequiresQuery(t *testing.T) {
	srv := newTestServer(t, "hi")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/memory")
	if err != nil {
		t.Fatalf("GET /v1/memory: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/memory?q=anything")
	if err != nil {
		t.Fatalf("GET with q: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view memoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestListAndInvokeSkills(t *testing.T) {
	srv := newTestServer(t, "hi")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/skills")
	if err != nil {
		t.Fatalf("GET /v1/skills: %v", err)
	}
	defer resp.Body.Close()
	var listing struct {
		Skills []skills.Info `json:"skills"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Skills) != 1 || listing.Skills[0].Name != "recall_memory" {
		t.Fatalf("skills = %+v", listing.Skills)
	}

	resp, err = http.Post(ts.URL+"/v1/skills/recall_memory", "application/json", bytes.NewBufferString(`{"query":"pottery"}`))
	if err != nil {
		t.Fatalf("POST invoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/skills/recall_memory", "application/json", bytes.NewBufferString(`{"bogus":true}`))
	if err != nil {
		t.Fatalf("POST bad invoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad invoke status = %d, want 400", resp.StatusCode)
	}
}

func TestChatWebSocket(t *testing.T) {
	srv := newTestServer(t, "lovely to chat")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, Text: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply protocol.AssistantMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != protocol.TypeAssistantMessage || reply.Text != "lovely to chat" {
		t.Fatalf("reply = %+v", reply)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: "end_session"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	var event protocol.SystemEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != protocol.TypeSystemEvent || event.Code != "session_closed" {
		t.Fatalf("event = %+v", event)
	}
}
