// Package companion runs the conversational loop on top of the memory
// engine: it serializes all session operations, drives chat completions from
// the assembled memory view, and closes idle sessions so persona evolution
// happens even when the user just walks away.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/mnemosyne/internal/llm"
	"github.com/antoniostano/mnemosyne/internal/memory"
	"github.com/antoniostano/mnemosyne/internal/observability"
	"github.com/antoniostano/mnemosyne/internal/prompt"
	"github.com/antoniostano/mnemosyne/internal/reliability"
)

// ErrNoOpenSession is returned by operations that need an open session.
var ErrNoOpenSession = errors.New("companion: no open session")

const (
	closeMaxAttempts = 3
	closeBackoffBase = 500 * time.Millisecond
	closeBackoffCap  = 5 * time.Second
)

// Hub owns the single companion instance. The memory manager is not safe
// for concurrent use, so every operation that touches it runs under mu.
type Hub struct {
	mu      sync.Mutex
	mem     *memory.Manager
	client  llm.Client
	metrics *observability.Metrics

	inactivityTimeout time.Duration
	lastActivityAt    time.Time
	open              bool
}

func NewHub(mem *memory.Manager, client llm.Client, metrics *observability.Metrics, inactivityTimeout time.Duration) *Hub {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	h := &Hub{
		mem:               mem,
		client:            client,
		metrics:           metrics,
		inactivityTimeout: inactivityTimeout,
	}
	if metrics != nil {
		mem.SetObserver(&metricsObserver{metrics: metrics})
	}
	return h
}

// Open resumes or starts a session.
func (h *Hub) Open(ctx context.Context) (*memory.SessionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openLocked(ctx)
}

func (h *Hub) openLocked(ctx context.Context) (*memory.SessionRecord, error) {
	if h.open {
		return h.mem.Session(), nil
	}
	if err := h.mem.Open(ctx); err != nil {
		return nil, err
	}
	h.open = true
	h.lastActivityAt = time.Now().UTC()
	if h.metrics != nil {
		h.metrics.ActiveSessions.Set(1)
		h.metrics.SessionEvents.WithLabelValues("opened").Inc()
	}
	return h.mem.Session(), nil
}

// Reply is the outcome of one chat turn.
type Reply struct {
	SessionID string
	Text      string
	Recalled  []memory.SearchHit
}

// HandleUserMessage runs the full turn pipeline: ingress, memory view,
// completion, assistant ingress. The returned text always has annotation
// blocks removed regardless of the storage debug flag.
func (h *Hub) HandleUserMessage(ctx context.Context, text string) (*Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, err := h.openLocked(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	h.lastActivityAt = start.UTC()

	if err := h.mem.AddUserMessage(ctx, text); err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.TurnsIngested.WithLabelValues(string(memory.RoleUser)).Inc()
		h.metrics.ObserveTurnStage("message_to_ingress_done", time.Since(start))
	}

	retrieveStart := time.Now()
	view, err := h.mem.View(ctx, text)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.ObserveRetrievalLatency(time.Since(retrieveStart))
		h.metrics.ObserveTurnStage("message_to_memory_ready", time.Since(start))
	}

	raw, err := h.client.Complete(ctx, prompt.ChatSystem(*view), memory.RenderTranscript(view.Turns))
	if err != nil {
		return nil, fmt.Errorf("companion: completion for session %s: %w", session.ID, err)
	}
	if h.metrics != nil {
		h.metrics.ObserveTurnStage("message_to_reply_start", time.Since(start))
	}

	if err := h.mem.AddAssistantMessage(ctx, raw); err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.TurnsIngested.WithLabelValues(string(memory.RoleAssistant)).Inc()
		h.metrics.ObserveTurnStage("turn_total", time.Since(start))
	}

	return &Reply{
		SessionID: session.ID,
		Text:      memory.StripAnnotations(raw),
		Recalled:  view.Recalled,
	}, nil
}

// Recall runs a standalone memory search without ingesting a turn.
func (h *Hub) Recall(ctx context.Context, query string) (*memory.MemoryView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.openLocked(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	view, err := h.mem.View(ctx, query)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.ObserveRetrievalLatency(time.Since(start))
	}
	return view, nil
}

// CloseSession finalizes the session with bounded retries. Persona evolution
// failures leave the session logically open, so each attempt picks up where
// the previous one stopped.
func (h *Hub) CloseSession(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked(ctx)
}

func (h *Hub) closeLocked(ctx context.Context) error {
	if !h.open {
		return ErrNoOpenSession
	}

	var err error
	for attempt := 0; attempt < closeMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, closeBackoffBase, closeBackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if h.metrics != nil {
				h.metrics.ObserveTurnIndicator("close_retry")
			}
		}

		err = h.mem.Close(ctx)
		if err == nil {
			h.open = false
			if h.metrics != nil {
				h.metrics.ActiveSessions.Set(0)
				h.metrics.SessionEvents.WithLabelValues("closed").Inc()
			}
			return nil
		}
		if !reliability.IsRetryable(err) {
			break
		}
		log.Printf("companion: close attempt %d failed: %v", attempt+1, err)
	}

	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("close_failed").Inc()
	}
	return fmt.Errorf("companion: close session: %w", err)
}

// SessionActive reports whether a session is currently open.
func (h *Hub) SessionActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// StartJanitor closes the session after the inactivity timeout, so a user
// who disappears mid-conversation still gets persona evolution.
func (h *Hub) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.expireIfIdle(ctx)
			}
		}
	}()
}

func (h *Hub) expireIfIdle(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return
	}
	if time.Since(h.lastActivityAt) < h.inactivityTimeout {
		return
	}
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("expired").Inc()
	}
	if err := h.closeLocked(ctx); err != nil {
		log.Printf("companion: expiring idle session: %v", err)
	}
}

// metricsObserver translates memory lifecycle events into counters.
type metricsObserver struct {
	metrics *observability.Metrics
}

func (o *metricsObserver) OnCompaction(outcome string) {
	o.metrics.Compactions.WithLabelValues(outcome).Inc()
}

func (o *metricsObserver) OnPersonaUpdate(artifact, outcome string) {
	o.metrics.PersonaUpdates.WithLabelValues(artifact, outcome).Inc()
}
