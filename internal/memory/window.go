package memory

import "fmt"

// ContextWindow is the ephemeral per-session buffer: an ordered sequence of
// turns (strict insertion order, never reordered) plus a bounded ring of the
// most recent summaries. It holds no persistence of its own and is rebuilt
// from the store when a session is opened.
//
// ContextWindow is not safe for concurrent mutation. The design assumes a
// single logical writer per session; the companion hub serializes access.
type ContextWindow struct {
	maxSummaries int
	turns        []TurnRecord
	summaries    []SummaryRecord
}

// NewContextWindow creates an empty window with the given summary-ring
// capacity. Capacity must be positive (validated by Config).
func NewContextWindow(maxSummaries int) *ContextWindow {
	return &ContextWindow{maxSummaries: maxSummaries}
}

// AddMessage appends a turn at the end of the window.
func (w *ContextWindow) AddMessage(t TurnRecord) {
	w.turns = append(w.turns, t)
}

// AddSummary pushes a summary onto the ring, evicting the oldest reference
// when capacity is exceeded. The evicted summary remains in persistent
// storage.
func (w *ContextWindow) AddSummary(s SummaryRecord) {
	w.summaries = append(w.summaries, s)
	if len(w.summaries) > w.maxSummaries {
		w.summaries = w.summaries[len(w.summaries)-w.maxSummaries:]
	}
}

// MessagesForSummary returns the oldest count turns without removing them.
func (w *ContextWindow) MessagesForSummary(count int) ([]TurnRecord, error) {
	if count <= 0 || count > len(w.turns) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidCount, count, len(w.turns))
	}
	out := make([]TurnRecord, count)
	copy(out, w.turns[:count])
	return out, nil
}

// RemoveEarliest removes and returns the oldest count turns.
func (w *ContextWindow) RemoveEarliest(count int) ([]TurnRecord, error) {
	out, err := w.MessagesForSummary(count)
	if err != nil {
		return nil, err
	}
	w.turns = w.turns[count:]
	return out, nil
}

// TotalMessageCount returns the number of turns currently resident.
func (w *ContextWindow) TotalMessageCount() int { return len(w.turns) }

// Messages returns a copy of the resident turns in insertion order.
func (w *ContextWindow) Messages() []TurnRecord {
	out := make([]TurnRecord, len(w.turns))
	copy(out, w.turns)
	return out
}

// RecentSummaries returns a copy of the summary ring, oldest first.
func (w *ContextWindow) RecentSummaries() []SummaryRecord {
	out := make([]SummaryRecord, len(w.summaries))
	copy(out, w.summaries)
	return out
}

// LatestSummaryText returns the newest resident summary's text, or "".
func (w *ContextWindow) LatestSummaryText() string {
	if len(w.summaries) == 0 {
		return ""
	}
	return w.summaries[len(w.summaries)-1].Text
}

// Contains reports whether an identifier is visibly present in short-term
// memory, either as a resident turn or a ring summary. Retrieval uses this
// to avoid injecting duplicates into the prompt.
func (w *ContextWindow) Contains(id string) bool {
	for i := range w.turns {
		if w.turns[i].ID == id {
			return true
		}
	}
	for i := range w.summaries {
		if w.summaries[i].ID == id {
			return true
		}
	}
	return false
}

// Clear drops all resident turns and summary references.
func (w *ContextWindow) Clear() {
	w.turns = nil
	w.summaries = nil
}
