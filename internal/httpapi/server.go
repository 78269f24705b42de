package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/mnemosyne/internal/companion"
	"github.com/antoniostano/mnemosyne/internal/config"
	"github.com/antoniostano/mnemosyne/internal/memory"
	"github.com/antoniostano/mnemosyne/internal/observability"
	"github.com/antoniostano/mnemosyne/internal/protocol"
	"github.com/antoniostano/mnemosyne/internal/skills"
)

type Server struct {
	cfg      config.Config
	hub      *companion.Hub
	registry *skills.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, hub *companion.Hub, registry *skills.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Other websites must
				// not be able to drive the user's companion session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleOpenSession)
	r.Post("/v1/sessions/close", s.handleCloseSession)
	r.Post("/v1/messages", s.handlePostMessage)
	r.Get("/v1/memory", s.handleQueryMemory)
	r.Get("/v1/skills", s.handleListSkills)
	r.Post("/v1/skills/{name}", s.handleInvokeSkill)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"session_active": s.hub.SessionActive(),
	})
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.hub.Open(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_open_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		StartedAt: sess.StartedAt,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.CloseSession(r.Context()); err != nil {
		if errors.Is(err, companion.ErrNoOpenSession) {
			respondError(w, http.StatusConflict, "no_open_session", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_close_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	reply, err := s.hub.HandleUserMessage(r.Context(), req.Text)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "message_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toAssistantMessage(reply))
}

type memoryResponse struct {
	Persona   string                 `json:"persona"`
	Profile   string                 `json:"profile"`
	Summaries []memory.SummaryRecord `json:"summaries"`
	Recalled  []memory.SearchHit     `json:"recalled"`
	Turns     []memory.TurnRecord    `json:"turns"`
}

func (s *Server) handleQueryMemory(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter q is required")
		return
	}

	view, err := s.hub.Recall(r.Context(), query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "recall_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, memoryResponse{
		Persona:   view.Persona,
		Profile:   view.Profile,
		Summaries: view.Summaries,
		Recalled:  view.Recalled,
		Turns:     view.Turns,
	})
}

func (s *Server) handleListSkills(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"skills": s.registry.List(),
	})
}

func (s *Server) handleInvokeSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var args json.RawMessage
	if err := decodeJSON(r, &args); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.registry.Invoke(r.Context(), name, args)
	if err != nil {
		respondError(w, http.StatusBadRequest, "skill_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.writeWS(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.UserMessage:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeUserMessage)).Inc()
			reply, err := s.hub.HandleUserMessage(r.Context(), msg.Text)
			if err != nil {
				s.writeWS(conn, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "message_failed",
					Retryable: true,
					Detail:    err.Error(),
				})
				continue
			}
			s.writeWS(conn, toAssistantMessage(reply))

		case protocol.ClientControl:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientControl)).Inc()
			if msg.Action != "end_session" {
				s.writeWS(conn, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "unknown_action",
					Retryable: false,
					Detail:    msg.Action,
				})
				continue
			}
			if err := s.hub.CloseSession(r.Context()); err != nil {
				s.writeWS(conn, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "session_close_failed",
					Retryable: !errors.Is(err, companion.ErrNoOpenSession),
					Detail:    err.Error(),
				})
				continue
			}
			s.writeWS(conn, protocol.SystemEvent{
				Type: protocol.TypeSystemEvent,
				Code: "session_closed",
			})
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.AssistantMessage:
		s.metrics.WSMessages.WithLabelValues("outbound", string(m.Type)).Inc()
	case protocol.SystemEvent:
		s.metrics.WSMessages.WithLabelValues("outbound", string(m.Type)).Inc()
	case protocol.ErrorEvent:
		s.metrics.WSMessages.WithLabelValues("outbound", string(m.Type)).Inc()
	}
}

func toAssistantMessage(reply *companion.Reply) protocol.AssistantMessage {
	recalled := make([]protocol.RecalledMemory, len(reply.Recalled))
	for i, h := range reply.Recalled {
		recalled[i] = protocol.RecalledMemory{
			Kind: string(h.Kind),
			Text: h.Text,
		}
	}
	return protocol.AssistantMessage{
		Type:      protocol.TypeAssistantMessage,
		SessionID: reply.SessionID,
		Text:      reply.Text,
		Recalled:  recalled,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
