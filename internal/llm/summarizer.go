package llm

import (
	"context"
	"fmt"

	"github.com/antoniostano/mnemosyne/internal/memory"
	"github.com/antoniostano/mnemosyne/internal/prompt"
)

// Summarizer folds transcripts into running summaries via completions.
type Summarizer struct {
	client Client
}

var _ memory.Summarizer = (*Summarizer)(nil)

func NewSummarizer(client Client) *Summarizer {
	return &Summarizer{client: client}
}

func (s *Summarizer) Summarize(ctx context.Context, prior, transcript string) (string, error) {
	out, err := s.client.Complete(ctx, prompt.SummarySystem, prompt.SummaryUser(prior, transcript))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// ArtifactUpdater evolves the persona and user profile from a session's
// final summary.
type ArtifactUpdater struct {
	client Client
}

var _ memory.PersonaUpdater = (*ArtifactUpdater)(nil)

func NewArtifactUpdater(client Client) *ArtifactUpdater {
	return &ArtifactUpdater{client: client}
}

func (u *ArtifactUpdater) EvolvePersona(ctx context.Context, current, sessionSummary string) (string, error) {
	out, err := u.client.Complete(ctx, prompt.PersonaSystem, prompt.PersonaUser(current, sessionSummary))
	if err != nil {
		return "", fmt.Errorf("evolve persona: %w", err)
	}
	return out, nil
}

func (u *ArtifactUpdater) EvolveProfile(ctx context.Context, current, sessionSummary string) (string, error) {
	out, err := u.client.Complete(ctx, prompt.ProfileSystem, prompt.ProfileUser(current, sessionSummary))
	if err != nil {
		return "", fmt.Errorf("evolve profile: %w", err)
	}
	return out, nil
}
