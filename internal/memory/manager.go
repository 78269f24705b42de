package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Manager orchestrates the memory lifecycle for a single companion session:
// turn ingress with the stored-text/embedding-text dual path, the compaction
// check after every ingress, assembly of the long-term memory view consumed
// by prompt construction, and the session open/close state machine.
//
// A Manager owns exactly one ContextWindow and is not safe for concurrent
// use; callers serialize all operations for a session (see companion.Hub).
type Manager struct {
	cfg        Config
	store      Store
	embedder   Embedder
	summarizer Summarizer
	personas   PersonaUpdater
	retrieval  *RetrievalEngine

	window   *ContextWindow
	session  *SessionRecord
	persona  string
	profile  string
	observer Observer
}

// Observer receives lifecycle notifications for instrumentation. Calls
// happen on the manager's writer goroutine and must not block.
type Observer interface {
	OnCompaction(outcome string)
	OnPersonaUpdate(artifact, outcome string)
}

// SetObserver installs an observer. Pass nil to remove it.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

func (m *Manager) notifyCompaction(outcome string) {
	if m.observer != nil {
		m.observer.OnCompaction(outcome)
	}
}

func (m *Manager) notifyPersonaUpdate(artifact, outcome string) {
	if m.observer != nil {
		m.observer.OnPersonaUpdate(artifact, outcome)
	}
}

// NewManager validates cfg and wires the collaborators. reranker may be nil.
func NewManager(cfg Config, store Store, embedder Embedder, summarizer Summarizer, personas PersonaUpdater, reranker Reranker) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		embedder:   embedder,
		summarizer: summarizer,
		personas:   personas,
		retrieval:  NewRetrievalEngine(store, embedder, reranker, cfg.overscan()),
		window:     NewContextWindow(cfg.MaxSummaries),
	}, nil
}

// Session returns a copy of the current session record, or nil before Open.
func (m *Manager) Session() *SessionRecord {
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Window exposes the live context window. Callers must respect the
// single-writer rule.
func (m *Manager) Window() *ContextWindow { return m.window }

// Open resumes the active session or creates a new one, then rebuilds the
// window from the store: unsummarized turns in insertion order and the most
// recent summaries into the ring.
func (m *Manager) Open(ctx context.Context) error {
	active, err := m.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("memory: load active session: %w", err)
	}
	if active == nil {
		created, err := m.store.CreateSession(ctx)
		if err != nil {
			return fmt.Errorf("memory: create session: %w", err)
		}
		active = &created
	}
	m.session = active
	m.window.Clear()

	turns, err := m.store.UnsummarizedTurns(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("memory: load turns for session %s: %w", active.ID, err)
	}
	for _, t := range turns {
		m.window.AddMessage(t)
	}

	sums, err := m.store.Summaries(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("memory: load summaries for session %s: %w", active.ID, err)
	}
	for _, s := range sums {
		m.window.AddSummary(s) // ring trims itself
	}

	if m.persona, err = m.store.Persona(ctx, m.cfg.PersonaID); err != nil {
		return fmt.Errorf("memory: load persona %s: %w", m.cfg.PersonaID, err)
	}
	if m.profile, err = m.store.Profile(ctx, m.cfg.UserID); err != nil {
		return fmt.Errorf("memory: load profile %s: %w", m.cfg.UserID, err)
	}
	return nil
}

// AddUserMessage ingests a user turn. User text is persisted verbatim;
// users cannot legitimately produce annotation markup, but the stored-text
// contract for the user path is identity.
func (m *Manager) AddUserMessage(ctx context.Context, text string) error {
	return m.addMessage(ctx, RoleUser, text, text)
}

// AddAssistantMessage ingests an assistant turn. The stored text has
// annotation blocks removed unless VerboseAssistantText keeps the raw text
// for debugging. The embedding input is sanitized in either case.
func (m *Manager) AddAssistantMessage(ctx context.Context, text string) error {
	stored := text
	if !m.cfg.VerboseAssistantText {
		stored = StripAnnotations(text)
	}
	return m.addMessage(ctx, RoleAssistant, text, stored)
}

func (m *Manager) addMessage(ctx context.Context, role Role, raw, stored string) error {
	if m.session == nil {
		return ErrNoSession
	}
	if m.session.Status != StatusOpen {
		return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, m.session.ID, m.session.Status)
	}

	embedding, err := m.embedder.Embed(ctx, StripAnnotations(raw))
	if err != nil {
		return fmt.Errorf("memory: embed %s turn for session %s: %w", role, m.session.ID, err)
	}

	rec, err := m.store.InsertTurn(ctx, m.session.ID, role, stored, embedding, time.Now().UTC())
	if err != nil {
		// Surfaced to the caller without internal retry: re-deciding
		// session routing belongs to the transport layer.
		return fmt.Errorf("memory: insert %s turn for session %s: %w", role, m.session.ID, err)
	}
	m.window.AddMessage(rec)

	// The turn above is durable even if the fold fails; the next ingress
	// re-attempts the identical fold.
	if err := m.checkCompaction(ctx); err != nil {
		return fmt.Errorf("memory: compact session %s: %w", m.session.ID, err)
	}
	return nil
}

// checkCompaction is evaluated after every ingress. Below the trigger
// threshold it is a strict no-op.
func (m *Manager) checkCompaction(ctx context.Context) error {
	total := m.window.TotalMessageCount()
	if total < m.cfg.TriggerThreshold {
		return nil
	}
	return m.fold(ctx, total-m.cfg.KeepMin)
}

// fold summarizes the oldest count turns and trims them from the window.
// Persisting the summary and trimming are one logical step: if persistence
// fails the window is untouched, so a retry re-selects the identical turn
// set and at most one durable summary exists per successful fold.
func (m *Manager) fold(ctx context.Context, count int) (err error) {
	defer func() {
		if err != nil {
			m.notifyCompaction("error")
		} else {
			m.notifyCompaction("ok")
		}
	}()

	turns, err := m.window.MessagesForSummary(count)
	if err != nil {
		return err
	}

	prior := m.window.LatestSummaryText()
	text, err := m.summarizer.Summarize(ctx, prior, RenderTranscript(turns))
	if err != nil {
		return fmt.Errorf("summarize %d turns: %w", count, err)
	}

	embedding, err := m.embedder.Embed(ctx, StripAnnotations(text))
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}

	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	rec, err := m.store.InsertSummary(ctx, m.session.ID, text, embedding, ids)
	if err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	m.window.AddSummary(rec)
	if _, err := m.window.RemoveEarliest(count); err != nil {
		// Unreachable: the count was validated above and the window has
		// not been mutated since.
		return err
	}
	log.Printf("memory: session %s folded %d turns into summary %s (seq %d)", m.session.ID, count, rec.ID, rec.Seq)
	return nil
}

// MemoryView is the merged memory state handed to prompt construction.
type MemoryView struct {
	Persona   string
	Profile   string
	Summaries []SummaryRecord
	Recalled  []SearchHit
	Turns     []TurnRecord
}

// View assembles the long-term memory view for the given query (typically
// the latest user turn). Retrieved candidates already visible in the window
// or summary ring are excluded by the retrieval engine.
func (m *Manager) View(ctx context.Context, query string) (*MemoryView, error) {
	if m.session == nil {
		return nil, ErrNoSession
	}
	recalled, err := m.retrieval.Retrieve(ctx, query, m.cfg.RetrievalTopK, m.window.Contains)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve for session %s: %w", m.session.ID, err)
	}
	return &MemoryView{
		Persona:   m.persona,
		Profile:   m.profile,
		Summaries: m.window.RecentSummaries(),
		Recalled:  recalled,
		Turns:     m.window.Messages(),
	}, nil
}

// Close finalizes the session: any unsummarized remainder is folded into a
// final summary (bypassing the trigger threshold), then persona and profile
// are evolved from that summary. If either update fails the session stays
// logically open and Close may be retried; the forced fold is already
// durable and is not re-created on retry.
func (m *Manager) Close(ctx context.Context) error {
	if m.session == nil {
		return ErrNoSession
	}
	if m.session.Status == StatusClosed {
		return nil
	}
	m.session.Status = StatusClosing

	if n := m.window.TotalMessageCount(); n > 0 {
		if err := m.fold(ctx, n); err != nil {
			m.session.Status = StatusOpen
			return fmt.Errorf("memory: final fold for session %s: %w", m.session.ID, err)
		}
	}
	final := m.window.LatestSummaryText()

	// The two updates are independent; both must land before the session
	// is considered closed. Each failure is retryable via another Close.
	// A session with no final summary (no turns were ever ingested) leaves
	// persona and profile untouched.
	var errs []error
	if final != "" {
		persona, err := m.personas.EvolvePersona(ctx, m.persona, final)
		if err != nil {
			errs = append(errs, fmt.Errorf("evolve persona: %w", err))
			m.notifyPersonaUpdate("persona", "error")
		} else if err := m.store.SetPersona(ctx, m.cfg.PersonaID, persona); err != nil {
			errs = append(errs, fmt.Errorf("store persona: %w", err))
			m.notifyPersonaUpdate("persona", "error")
		} else {
			m.persona = persona
			m.notifyPersonaUpdate("persona", "ok")
		}

		profile, err := m.personas.EvolveProfile(ctx, m.profile, final)
		if err != nil {
			errs = append(errs, fmt.Errorf("evolve profile: %w", err))
			m.notifyPersonaUpdate("profile", "error")
		} else if err := m.store.SetProfile(ctx, m.cfg.UserID, profile); err != nil {
			errs = append(errs, fmt.Errorf("store profile: %w", err))
			m.notifyPersonaUpdate("profile", "error")
		} else {
			m.profile = profile
			m.notifyPersonaUpdate("profile", "ok")
		}
	}
	if len(errs) > 0 {
		m.session.Status = StatusOpen
		return fmt.Errorf("memory: close session %s: %w", m.session.ID, errors.Join(errs...))
	}

	if err := m.store.CloseSession(ctx, m.session.ID); err != nil {
		m.session.Status = StatusOpen
		return fmt.Errorf("memory: close session %s: %w", m.session.ID, err)
	}
	m.session.Status = StatusClosed
	m.session.EndedAt = time.Now().UTC()
	m.window.Clear()
	log.Printf("memory: session %s closed", m.session.ID)
	return nil
}
